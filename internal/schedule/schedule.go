package schedule

import (
	"errors"
	"fmt"
	"time"
)

// RepetitionType selects how occurrence dates are derived.
type RepetitionType string

const (
	Once     RepetitionType = "once"
	Sequence RepetitionType = "sequence"
	Schedule RepetitionType = "schedule"
)

var (
	// ErrNoDateForPosition means the policy defines no date for the position.
	// The occurrence is skipped, the run continues.
	ErrNoDateForPosition = errors.New("no start date available for position")
	// ErrInvalidDate means a configured date cannot be parsed.
	ErrInvalidDate = errors.New("invalid start date")
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
}

// Policy is the repetition part of a campaign.
type Policy struct {
	Type         RepetitionType
	StartDates   []string
	IntervalDays *int
	// EndDate is reserved and must stay empty.
	EndDate string
}

func (p Policy) kind() RepetitionType {
	if p.Type == "" {
		return Once
	}
	return p.Type
}

// ParseDate parses an ISO date or date-time in local time.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// EffectiveStart returns the activation date for a 0-based position.
// It is computed fresh on every call; now is used where the policy has no date.
func EffectiveStart(p Policy, position int, now time.Time) (time.Time, error) {
	switch p.kind() {
	case Once:
		if position > 0 {
			return time.Time{}, fmt.Errorf("%w %d", ErrNoDateForPosition, position)
		}
		if len(p.StartDates) == 0 {
			return now, nil
		}
		return ParseDate(p.StartDates[0])

	case Sequence:
		base := now
		if len(p.StartDates) > 0 {
			t, err := ParseDate(p.StartDates[0])
			if err != nil {
				return time.Time{}, err
			}
			base = t
		}
		if p.IntervalDays == nil || position == 0 {
			return base, nil
		}
		return base.AddDate(0, 0, position*(*p.IntervalDays)), nil

	case Schedule:
		if position < 0 || position >= len(p.StartDates) {
			return time.Time{}, fmt.Errorf("%w %d", ErrNoDateForPosition, position)
		}
		return ParseDate(p.StartDates[position])
	}
	return time.Time{}, fmt.Errorf("invalid repetition type: %s", p.Type)
}

// Validate checks the policy against the number of template surveys.
// Report campaigns are not bound to the template count for schedule.
func Validate(p Policy, templates int, isReport bool) error {
	if err := validateDates(p.StartDates); err != nil {
		return err
	}

	switch p.kind() {
	case Once:
		if templates != 1 {
			return fmt.Errorf("template_survey_ids must contain exactly one survey ID for 'once' repetition type")
		}
		if len(p.StartDates) > 1 {
			return fmt.Errorf("start_dates must contain at most one date for 'once' repetition type")
		}
		if p.EndDate != "" {
			return fmt.Errorf("end_date must not be provided for 'once' repetition type")
		}
		if p.IntervalDays != nil {
			return fmt.Errorf("interval_days must not be provided for 'once' repetition type")
		}

	case Sequence:
		if p.IntervalDays == nil || *p.IntervalDays <= 0 {
			return fmt.Errorf("interval_days must be a positive integer for 'sequence' repetition type")
		}
		if p.EndDate != "" {
			return fmt.Errorf("end_date must not be provided for 'sequence' repetition type")
		}
		if len(p.StartDates) > 1 {
			return fmt.Errorf("start_dates must contain at most one date for 'sequence' repetition type")
		}

	case Schedule:
		if len(p.StartDates) == 0 {
			return fmt.Errorf("start_dates must be provided for 'schedule' repetition type")
		}
		if !isReport && len(p.StartDates) != templates {
			return fmt.Errorf("number of start dates (%d) must match number of template survey IDs (%d)", len(p.StartDates), templates)
		}
		if p.IntervalDays != nil {
			return fmt.Errorf("interval_days must not be provided for 'schedule' repetition type")
		}
		if p.EndDate != "" {
			return fmt.Errorf("end_date must not be provided for 'schedule' repetition type")
		}

	default:
		return fmt.Errorf("invalid repetition type: %s (must be once, sequence or schedule)", p.Type)
	}
	return nil
}

func validateDates(dates []string) error {
	var prev time.Time
	for i, s := range dates {
		t, err := ParseDate(s)
		if err != nil {
			return fmt.Errorf("start_dates[%d]: %w", i, err)
		}
		if i > 0 && !t.After(prev) {
			return fmt.Errorf("start_dates must be in ascending order: date %d is not after date %d", i+1, i)
		}
		prev = t
	}
	return nil
}
