package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the layout used when writing send timestamps.
// Local time, microsecond precision, no zone: existing ledgers use it.
const TimestampLayout = "2006-01-02T15:04:05.000000"

var readLayouts = []string{
	TimestampLayout,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02",
}

// ErrOutOfOrder is returned when a send is recorded before the last recorded send.
var ErrOutOfOrder = errors.New("send timestamp precedes last recorded send")

// FormatError reports a persisted ledger document that cannot be decoded.
type FormatError struct {
	Document string
	Err      error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid %s ledger: %v", e.Document, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// History is the per-participant send ledger.
type History struct {
	HashedEmail string                         `json:"hashed_email,omitempty"`
	SurveyTypes map[string]map[string][]string `json:"survey_types,omitempty"`
}

// HashEmail returns the hex SHA-256 digest of the lower-cased address.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(email)))
	return hex.EncodeToString(sum[:])
}

// ParseHistory decodes a history document. Empty input yields an empty history.
func ParseHistory(raw string) (*History, error) {
	h := &History{}
	if strings.TrimSpace(raw) == "" {
		return h, nil
	}
	if err := json.Unmarshal([]byte(raw), h); err != nil {
		return nil, &FormatError{Document: "history", Err: err}
	}
	return h, nil
}

// Sends returns the recorded send times for a survey, oldest first.
func (h *History) Sends(surveyType string, surveyID int) ([]time.Time, error) {
	if h == nil || h.SurveyTypes == nil {
		return nil, nil
	}
	raw := h.SurveyTypes[surveyType][strconv.Itoa(surveyID)]
	sends := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		ts, err := ParseTimestamp(s)
		if err != nil {
			return nil, &FormatError{Document: "history", Err: err}
		}
		sends = append(sends, ts)
	}
	return sends, nil
}

// Record returns a copy of h with one more send appended for the survey.
// The receiver is not modified. The hashed address is set only when absent.
func (h *History) Record(email, surveyType string, surveyID int, at time.Time) (*History, error) {
	next := h.clone()
	if next.HashedEmail == "" {
		next.HashedEmail = HashEmail(email)
	}

	key := strconv.Itoa(surveyID)
	byID := next.SurveyTypes[surveyType]
	if byID == nil {
		byID = make(map[string][]string)
		next.SurveyTypes[surveyType] = byID
	}

	sends := byID[key]
	if n := len(sends); n > 0 {
		last, err := ParseTimestamp(sends[n-1])
		if err != nil {
			return nil, &FormatError{Document: "history", Err: err}
		}
		if at.Before(last) {
			return nil, fmt.Errorf("%w: %s before %s", ErrOutOfOrder, at.Format(TimestampLayout), sends[n-1])
		}
	}
	byID[key] = append(sends, at.Format(TimestampLayout))

	return next, nil
}

// Marshal encodes the full document for persisting.
func (h *History) Marshal() ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}
	return data, nil
}

func (h *History) clone() *History {
	out := &History{SurveyTypes: make(map[string]map[string][]string)}
	if h == nil {
		return out
	}
	out.HashedEmail = h.HashedEmail
	for surveyType, byID := range h.SurveyTypes {
		cp := make(map[string][]string, len(byID))
		for id, sends := range byID {
			cp[id] = append([]string(nil), sends...)
		}
		out.SurveyTypes[surveyType] = cp
	}
	return out
}

// ParseTimestamp parses a ledger timestamp in local time.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range readLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
