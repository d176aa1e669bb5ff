package collector

import (
	"fmt"

	"github.com/foxzi/surveyor/internal/schedule"
)

// DefaultAnswersToRemove are stripped from stored responses unless configured otherwise.
var DefaultAnswersToRemove = []string{"id", "token"}

// ConsentSurveyType is treated as a consent survey without setting consent: true.
const ConsentSurveyType = "consent"

// Config describes where the responses of one survey type are stored.
type Config struct {
	Enabled bool `yaml:"enabled"`

	ShortPseudonymColumn string                  `yaml:"sp_column"`
	SurveyIDsColumn      string                  `yaml:"survey_ids_column"`
	DocumentType         string                  `yaml:"document_type"`
	LanguageCode         string                  `yaml:"language_code"`
	CompletionStatus     string                  `yaml:"completion_status"`
	RepetitionType       schedule.RepetitionType `yaml:"repetition_type"`

	// SurveyColumn receives the whole response.
	SurveyColumn string `yaml:"survey_column"`
	// QuestionColumns maps question codes to columns.
	QuestionColumns map[string]string `yaml:"question_columns"`
	// FileColumns maps file upload question codes to columns.
	FileColumns     map[string]string `yaml:"file_columns"`
	AnswersToRemove []string          `yaml:"answers_to_remove"`
	Overwrite       *bool             `yaml:"overwrite"`

	Consent                   bool   `yaml:"consent"`
	ConsentColumn             string `yaml:"consent_column"`
	ResearcherCheckQuestionID string `yaml:"researcher_check_question_id"`
}

// IsConsent reports whether the survey type collects consent.
func (c *Config) IsConsent(surveyType string) bool {
	return c.Consent || surveyType == ConsentSurveyType
}

// OverwriteEnabled returns overwrite, defaulting to true.
func (c *Config) OverwriteEnabled() bool {
	return c.Overwrite == nil || *c.Overwrite
}

// Completion returns completion_status, defaulting to complete.
func (c *Config) Completion() string {
	if c.CompletionStatus == "" {
		return "complete"
	}
	return c.CompletionStatus
}

// RemovedAnswers returns answers_to_remove, defaulting to id and token.
func (c *Config) RemovedAnswers() []string {
	if c.AnswersToRemove == nil {
		return DefaultAnswersToRemove
	}
	return c.AnswersToRemove
}

// Validate checks the configuration.
func (c *Config) Validate(surveyType string) error {
	if err := c.validate(surveyType); err != nil {
		return fmt.Errorf("collect.%s: %w", surveyType, err)
	}
	return nil
}

func (c *Config) validate(surveyType string) error {
	if c.ShortPseudonymColumn == "" {
		return fmt.Errorf("sp_column is required")
	}
	if c.SurveyIDsColumn == "" {
		return fmt.Errorf("survey_ids_column is required")
	}
	if c.LanguageCode == "" {
		return fmt.Errorf("language_code is required")
	}
	switch c.DocumentType {
	case "json":
	case "":
		return fmt.Errorf("document_type is required")
	default:
		return fmt.Errorf("unsupported document_type: %s (only json is supported)", c.DocumentType)
	}
	switch c.Completion() {
	case "complete", "incomplete", "all":
	default:
		return fmt.Errorf("completion_status must be 'complete', 'incomplete', or 'all'")
	}
	switch c.RepetitionType {
	case "", schedule.Once, schedule.Sequence, schedule.Schedule:
	default:
		return fmt.Errorf("invalid repetition type: %s", c.RepetitionType)
	}
	if c.SurveyColumn == "" && len(c.QuestionColumns) == 0 && len(c.FileColumns) == 0 {
		return fmt.Errorf("at least one of survey_column, question_columns or file_columns is required")
	}
	if c.IsConsent(surveyType) {
		if c.ResearcherCheckQuestionID == "" {
			return fmt.Errorf("researcher_check_question_id is required for consent surveys")
		}
		if c.ConsentColumn == "" {
			return fmt.Errorf("consent_column is required for consent surveys")
		}
	}
	return nil
}
