// Package decision decides whether an occurrence gets an initial message,
// a reminder or nothing. It performs no I/O.
package decision

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the outcome of a send decision.
type Kind int

const (
	NotYetReached Kind = iota
	Initial
	MaxSendsReached
	TooSoon
	Reminder
)

func (k Kind) String() string {
	switch k {
	case NotYetReached:
		return "not_yet_reached"
	case Initial:
		return "initial"
	case MaxSendsReached:
		return "max_sends_reached"
	case TooSoon:
		return "too_soon"
	case Reminder:
		return "reminder"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrInvariant is returned when sends remain below the limit of a campaign
// that allows no reminders. With initial sends counted from the history this
// state cannot be reached; it is reported instead of guessed at.
var ErrInvariant = errors.New("unexpected send state: max_reminders is 0 but max sends not reached")

// Input holds everything a decision depends on.
type Input struct {
	Now            time.Time
	EffectiveStart time.Time
	// Sends are the recorded send times for the survey, oldest first.
	Sends                []time.Time
	MaxReminders         int
	DaysBetweenReminders int
}

// Decision is the result of Decide.
type Decision struct {
	Kind   Kind
	Reason string
}

// Send reports whether a message should go out.
func (d Decision) Send() bool {
	return d.Kind == Initial || d.Kind == Reminder
}

// IsReminder reports whether the message is a reminder.
func (d Decision) IsReminder() bool {
	return d.Kind == Reminder
}

// Decide applies the send rules in order: start date, first send, send limit,
// reminder spacing.
func Decide(in Input) (Decision, error) {
	if in.Now.Before(in.EffectiveStart) {
		return Decision{
			Kind:   NotYetReached,
			Reason: fmt.Sprintf("Start date %s not yet reached", in.EffectiveStart.Format("2006-01-02T15:04:05")),
		}, nil
	}

	if len(in.Sends) == 0 {
		return Decision{Kind: Initial}, nil
	}

	allowed := in.MaxReminders + 1
	if len(in.Sends) >= allowed {
		return Decision{
			Kind:   MaxSendsReached,
			Reason: fmt.Sprintf("Maximum sends (%d: 1 initial + %d reminders) reached", allowed, in.MaxReminders),
		}, nil
	}

	if in.MaxReminders <= 0 {
		return Decision{}, fmt.Errorf("%w (%d sends recorded)", ErrInvariant, len(in.Sends))
	}

	last := in.Sends[len(in.Sends)-1]
	since := in.Now.Sub(last)
	minGap := time.Duration(in.DaysBetweenReminders) * 24 * time.Hour
	if since < minGap {
		return Decision{
			Kind:   TooSoon,
			Reason: fmt.Sprintf("Only %d days since last send (minimum is %d days)", int(since/(24*time.Hour)), in.DaysBetweenReminders),
		}, nil
	}

	return Decision{Kind: Reminder, Reason: "Reminder"}, nil
}
