package limesurvey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrTokenExists is returned when the participant is already enrolled as a token holder.
var ErrTokenExists = errors.New("token already exists")

const alreadyActiveStatus = "Error: Survey already active"

var failedPropertyStatuses = []string{"Error", "No permission", "Invalid survey ID"}

var noResponseStatuses = []string{
	"No Data, survey table does not exist",
	"No Data, could not get max id",
	"Language code not found for this survey",
	"No Response found for Token",
}

// Properties are survey settings as returned by get_survey_properties.
type Properties map[string]any

// Active reports whether the survey is active.
func (p Properties) Active() bool {
	return fmt.Sprint(p["active"]) == "Y"
}

// Anonymized reports whether responses are anonymized.
func (p Properties) Anonymized() bool {
	return fmt.Sprint(p["anonymized"]) == "Y"
}

// SurveySummary is one entry of list_surveys.
type SurveySummary struct {
	SID    json.Number `json:"sid"`
	Title  string      `json:"surveyls_title"`
	Start  *string     `json:"startdate"`
	Expiry *string     `json:"expires"`
	Active string      `json:"active"`
}

// UploadedFile is one file attached to a response.
type UploadedFile struct {
	Meta struct {
		Title    string `json:"title"`
		Name     string `json:"name"`
		Filename string `json:"filename"`
		Ext      string `json:"ext"`
		Question struct {
			Title string      `json:"title"`
			QID   json.Number `json:"qid"`
		} `json:"question"`
		Index int `json:"index"`
	} `json:"meta"`
	Content string `json:"content"`
}

// Decode returns the file content.
func (f UploadedFile) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Content)
}

// GetSurveyProperties returns survey settings. With no names, all settings are returned.
func (c *Client) GetSurveyProperties(ctx context.Context, surveyID int, names ...string) (Properties, error) {
	op := "get_survey_properties"
	args := []any{surveyID}
	if len(names) > 0 {
		args = append(args, names)
	}
	raw, err := c.call(ctx, op, args...)
	if err != nil {
		return nil, err
	}
	if status, ok := statusOf(raw); ok && slices.Contains(failedPropertyStatuses, status) {
		return nil, &StatusError{Op: op, Status: status}
	}

	var props Properties
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", op, err)
	}
	return props, nil
}

// SetSurveyProperties updates survey settings.
func (c *Client) SetSurveyProperties(ctx context.Context, surveyID int, settings map[string]any) (map[string]any, error) {
	op := "set_survey_properties"
	raw, err := c.call(ctx, op, surveyID, settings)
	if err != nil {
		return nil, err
	}
	if status, ok := statusOf(raw); ok && slices.Contains(failedPropertyStatuses, status) {
		return nil, &StatusError{Op: op, Status: status}
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", op, err)
	}
	return out, nil
}

// CopySurvey copies a survey and returns the new survey id.
func (c *Client) CopySurvey(ctx context.Context, surveyID int, name string) (int, error) {
	op := "copy_survey"
	raw, err := c.call(ctx, op, surveyID, name)
	if err != nil {
		return 0, err
	}

	var out struct {
		Status string          `json:"status"`
		NewSID json.RawMessage `json:"newsid"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("%s: decode result: %w", op, err)
	}
	if len(out.NewSID) == 0 {
		if out.Status != "" {
			return 0, &StatusError{Op: op, Status: out.Status}
		}
		return 0, fmt.Errorf("%s: unexpected response format", op)
	}

	id, err := strconv.Atoi(strings.Trim(string(out.NewSID), `"`))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid newsid %s", op, out.NewSID)
	}
	c.logger.Info("copied survey", "template_id", surveyID, "survey_id", id)
	return id, nil
}

// ActivateSurvey activates a survey. An already active survey is not an error.
func (c *Client) ActivateSurvey(ctx context.Context, surveyID int) error {
	op := "activate_survey"
	raw, err := c.call(ctx, op, surveyID)
	if err != nil {
		return err
	}

	status, ok := statusOf(raw)
	switch {
	case !ok, status == "OK":
		c.logger.Info("activated survey", "survey_id", surveyID)
	case status == alreadyActiveStatus:
		c.logger.Warn("survey already active", "survey_id", surveyID)
	default:
		return &StatusError{Op: op, Status: status}
	}
	return nil
}

// ActivateTokens initialises the participant table of a survey.
func (c *Client) ActivateTokens(ctx context.Context, surveyID int) error {
	op := opActivateTokens
	raw, err := c.call(ctx, op, surveyID)
	if err != nil {
		return err
	}
	status, ok := statusOf(raw)
	if !ok {
		return &StatusError{Op: op, Status: "unexpected response"}
	}
	if status != "OK" {
		return &StatusError{Op: op, Status: status}
	}
	c.logger.Info("activated participant table", "survey_id", surveyID)
	return nil
}

// AddParticipantAsToken enrols a participant identified only by token.
// ErrTokenExists is returned when the token is already present. Any other
// rejection of the participant is a *StatusError.
func (c *Client) AddParticipantAsToken(ctx context.Context, surveyID int, token string) error {
	op := "add_participants"
	participants := []map[string]string{{"token": token}}
	raw, err := c.call(ctx, op, surveyID, participants, false)
	if err != nil {
		return err
	}
	if status, ok := statusOf(raw); ok {
		return &StatusError{Op: op, Status: status}
	}

	var added []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &added); err != nil {
		return fmt.Errorf("%s: decode result: %w", op, err)
	}
	for _, p := range added {
		errs, ok := p["errors"]
		if !ok || len(errs) == 0 || string(errs) == "null" {
			continue
		}
		if duplicateToken(errs) {
			return fmt.Errorf("%w: survey %d: %s", ErrTokenExists, surveyID, errs)
		}
		return &StatusError{Op: op, Status: string(errs)}
	}
	return nil
}

// uniqueTokenMessages are the validation messages for a token that is
// already in the participant table.
var uniqueTokenMessages = []string{"already been taken", "already exists", "must be unique"}

// duplicateToken reports whether the per-participant errors, keyed by
// attribute, reject the token for not being unique.
func duplicateToken(errs json.RawMessage) bool {
	var fields map[string][]string
	if err := json.Unmarshal(errs, &fields); err != nil {
		return false
	}
	for _, msg := range fields["token"] {
		msg = strings.ToLower(msg)
		for _, m := range uniqueTokenMessages {
			if strings.Contains(msg, m) {
				return true
			}
		}
	}
	return false
}

// ExportResponseByToken returns the single response for token, or nil when there is none yet.
func (c *Client) ExportResponseByToken(ctx context.Context, surveyID int, token, language, completion string) (map[string]any, error) {
	op := "export_responses_by_token"
	raw, err := c.call(ctx, op, surveyID, "json", []string{token}, language, completion)
	if err != nil {
		return nil, err
	}

	if status, ok := statusOf(raw); ok {
		for _, s := range noResponseStatuses {
			if strings.Contains(status, s) {
				c.logger.Debug("no response", "survey_id", surveyID, "status", status)
				return nil, nil
			}
		}
		return nil, &StatusError{Op: op, Status: status}
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", op, err)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%s: decode base64: %w", op, err)
	}

	var doc struct {
		Responses []map[string]any `json:"responses"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: decode responses: %w", op, err)
	}
	switch len(doc.Responses) {
	case 0:
		return nil, nil
	case 1:
		return doc.Responses[0], nil
	}
	return nil, fmt.Errorf("%s: %d responses for a single token in survey %d", op, len(doc.Responses), surveyID)
}

// GetUploadedFiles returns files uploaded with the token's response keyed by file name.
// A nil map means there is no response.
func (c *Client) GetUploadedFiles(ctx context.Context, surveyID int, token string) (map[string]UploadedFile, error) {
	op := "get_uploaded_files"
	raw, err := c.call(ctx, op, surveyID, token)
	if err != nil {
		return nil, err
	}

	if status, ok := statusOf(raw); ok {
		if strings.Contains(status, "No Response found") {
			return nil, nil
		}
		if status != "OK" {
			return nil, &StatusError{Op: op, Status: status}
		}
		return map[string]UploadedFile{}, nil
	}

	if trimmed := strings.TrimSpace(string(raw)); trimmed == "[]" || trimmed == "null" {
		return map[string]UploadedFile{}, nil
	}
	var files map[string]UploadedFile
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", op, err)
	}
	return files, nil
}

// ListSurveys lists the surveys visible to the session user.
func (c *Client) ListSurveys(ctx context.Context) ([]SurveySummary, error) {
	op := "list_surveys"
	raw, err := c.call(ctx, op)
	if err != nil {
		return nil, err
	}
	if status, ok := statusOf(raw); ok {
		if status == "No surveys found" {
			return nil, nil
		}
		return nil, &StatusError{Op: op, Status: status}
	}

	var out []SurveySummary
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", op, err)
	}
	return out, nil
}
