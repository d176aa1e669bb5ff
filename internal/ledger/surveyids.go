package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SurveyIDs maps survey types to allocated survey ids indexed by position.
// A null slot marks a position that was never allocated.
type SurveyIDs map[string][]*int

// ParseSurveyIDs decodes a survey-id document. Empty input yields an empty ledger.
func ParseSurveyIDs(raw string) (SurveyIDs, error) {
	ids := SurveyIDs{}
	if strings.TrimSpace(raw) == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, &FormatError{Document: "survey ids", Err: err}
	}
	return ids, nil
}

// At returns the id allocated at position, if any.
func (s SurveyIDs) At(surveyType string, position int) (int, bool) {
	slots := s[surveyType]
	if position < 0 || position >= len(slots) || slots[position] == nil {
		return 0, false
	}
	return *slots[position], true
}

// Set returns a copy of s with id stored at position.
// It refuses to replace an existing allocation.
func (s SurveyIDs) Set(surveyType string, position, id int) (SurveyIDs, error) {
	if existing, ok := s.At(surveyType, position); ok {
		return nil, fmt.Errorf("position %d of %s already allocated to survey %d", position, surveyType, existing)
	}

	next := make(SurveyIDs, len(s)+1)
	for k, v := range s {
		next[k] = append([]*int(nil), v...)
	}
	slots := next[surveyType]
	for len(slots) <= position {
		slots = append(slots, nil)
	}
	v := id
	slots[position] = &v
	next[surveyType] = slots
	return next, nil
}

// Allocated returns the allocated ids for a survey type keyed by position.
func (s SurveyIDs) Allocated(surveyType string) map[int]int {
	out := make(map[int]int)
	for pos, slot := range s[surveyType] {
		if slot != nil {
			out[pos] = *slot
		}
	}
	return out
}

// Marshal encodes the full document for persisting.
func (s SurveyIDs) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal survey ids: %w", err)
	}
	return data, nil
}
