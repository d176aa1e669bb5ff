package runner

import (
	"fmt"
	"log/slog"
)

// LevelCritical marks errors that need an operator before the next run.
const LevelCritical = slog.LevelError + 4

// NoPosition is the position of outcomes that concern a whole participant.
const NoPosition = -1

// Kind classifies an outcome.
type Kind int

const (
	Sent Kind = iota
	Skipped
	Failed
)

func (k Kind) String() string {
	switch k {
	case Sent:
		return "sent"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the result of processing one occurrence, or one participant
// when Position is NoPosition.
type Outcome struct {
	SurveyType     string
	ShortPseudonym string
	Position       int
	SurveyID       int
	Kind           Kind
	Reason         string
	Reminder       bool
	Err            error
}

// Observer is notified of every outcome.
type Observer interface {
	Observe(Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Outcome)

// Observe calls f(o).
func (f ObserverFunc) Observe(o Outcome) {
	f(o)
}

// Observers fans out to several observers in order.
type Observers []Observer

// Observe notifies each observer.
func (obs Observers) Observe(o Outcome) {
	for _, ob := range obs {
		if ob != nil {
			ob.Observe(o)
		}
	}
}

// LogObserver logs outcomes.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates an observer that logs to logger.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// Observe logs o. Sends are logged at info, skips at info or warn, failures at error.
func (l *LogObserver) Observe(o Outcome) {
	attrs := []any{
		"survey_type", o.SurveyType,
		"short_pseudonym", o.ShortPseudonym,
	}
	if o.Position != NoPosition {
		attrs = append(attrs, "position", o.Position)
	}
	if o.SurveyID != 0 {
		attrs = append(attrs, "survey_id", o.SurveyID)
	}

	switch o.Kind {
	case Sent:
		msg := "invitation sent"
		if o.Reminder {
			msg = "reminder sent"
		}
		l.logger.Info(msg, attrs...)
	case Skipped:
		attrs = append(attrs, "reason", o.Reason)
		if o.Err != nil {
			l.logger.Warn("skipping", append(attrs, "error", o.Err)...)
			return
		}
		l.logger.Info("skipping", attrs...)
	case Failed:
		l.logger.Error("occurrence failed", append(attrs, "reason", o.Reason, "error", o.Err)...)
	}
}

// Summary counts what a run did.
type Summary struct {
	SurveyTypes []string
	// Participants is the number of participants read.
	Participants int
	// Skipped counts participants skipped for missing or malformed data.
	Skipped int
	// Emailed counts participants who received at least one message.
	Emailed            int
	Sent               int
	Reminders          int
	OccurrencesSkipped int
	OccurrencesFailed  int
}

// Processed returns the number of participants that were not skipped.
func (s Summary) Processed() int {
	return s.Participants - s.Skipped
}

// Add accumulates other into s.
func (s *Summary) Add(other Summary) {
	s.SurveyTypes = append(s.SurveyTypes, other.SurveyTypes...)
	s.Participants += other.Participants
	s.Skipped += other.Skipped
	s.Emailed += other.Emailed
	s.Sent += other.Sent
	s.Reminders += other.Reminders
	s.OccurrencesSkipped += other.OccurrencesSkipped
	s.OccurrencesFailed += other.OccurrencesFailed
}

// CriticalLedgerError reports a message that was sent but not recorded.
// Running again before the history is repaired can send it twice.
type CriticalLedgerError struct {
	ShortPseudonym string
	SurveyType     string
	SurveyID       int
	Err            error
}

func (e *CriticalLedgerError) Error() string {
	return fmt.Sprintf("MANUAL ACTION REQUIRED: message sent but history not saved for short pseudonym %s, survey_type %s, survey_id %d: %v",
		e.ShortPseudonym, e.SurveyType, e.SurveyID, e.Err)
}

func (e *CriticalLedgerError) Unwrap() error {
	return e.Err
}
