package campaign

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/surveyor/internal/condition"
	"github.com/foxzi/surveyor/internal/schedule"
)

// ValidationError reports an invalid campaign configuration.
type ValidationError struct {
	SurveyType string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("campaigns.%s: %v", e.SurveyType, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Attachment is a file attached to every message of a campaign.
// In YAML it is either a path or a mapping.
type Attachment struct {
	Path     string `yaml:"path"`
	Filename string `yaml:"filename"`
	MimeType string `yaml:"mimetype"`
}

// UnmarshalYAML accepts a plain path string
func (a *Attachment) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		a.Path = node.Value
		return nil
	}
	type plain Attachment
	return node.Decode((*plain)(a))
}

// FooterImage is an inline image appended below the message body.
type FooterImage struct {
	Path   string `yaml:"path"`
	Alt    string `yaml:"alt"`
	Width  string `yaml:"width"`
	Height string `yaml:"height"`
}

// Config is the declarative policy for one survey type.
type Config struct {
	Enabled bool `yaml:"enabled"`

	RepetitionType       schedule.RepetitionType `yaml:"repetition_type"`
	TemplateSurveyIDs    []int                   `yaml:"template_survey_ids"`
	StartDates           []string                `yaml:"start_dates"`
	IntervalDays         *int                    `yaml:"interval_days"`
	EndDate              string                  `yaml:"end_date"`
	MaxReminders         *int                    `yaml:"max_reminders"`
	DaysBetweenReminders *int                    `yaml:"days_between_reminders"`
	Conditions           []condition.Condition   `yaml:"conditions"`
	CopySurvey           bool                    `yaml:"copy_survey"`
	IsReportType         bool                    `yaml:"is_report_type"`
	Overwrite            *bool                   `yaml:"overwrite"`

	ShortPseudonymColumn string `yaml:"sp_column"`
	EmailColumn          string `yaml:"email_column"`
	HistoryColumn        string `yaml:"emails_sent_column"`
	SurveyIDsColumn      string `yaml:"survey_ids_column"`
	NameColumn           string `yaml:"name_column"`

	SurveyBaseURL  string       `yaml:"survey_base_url"`
	EmailSubject   string       `yaml:"email_subject"`
	EmailTemplate  string       `yaml:"email_template"`
	CustomHTMLFile string       `yaml:"custom_html_file"`
	Attachments    []Attachment `yaml:"attachments"`
	FooterImage    *FooterImage `yaml:"footer_image"`
}

// Policy returns the repetition policy.
func (c *Config) Policy() schedule.Policy {
	return schedule.Policy{
		Type:         c.RepetitionType,
		StartDates:   c.StartDates,
		IntervalDays: c.IntervalDays,
		EndDate:      c.EndDate,
	}
}

// TemplateIDs returns the template ids, one per occurrence. Report campaigns
// without ids get dummy ids.
func (c *Config) TemplateIDs() []int {
	if len(c.TemplateSurveyIDs) > 0 || !c.IsReportType {
		return c.TemplateSurveyIDs
	}
	switch c.Policy().Type {
	case "", schedule.Once:
		return []int{0}
	case schedule.Schedule:
		ids := make([]int, len(c.StartDates))
		for i := range ids {
			ids[i] = i
		}
		return ids
	}
	return nil
}

// Reminders returns max_reminders, zero when unset.
func (c *Config) Reminders() int {
	if c.MaxReminders == nil {
		return 0
	}
	return *c.MaxReminders
}

// ReminderGapDays returns days_between_reminders, zero when unset.
func (c *Config) ReminderGapDays() int {
	if c.DaysBetweenReminders == nil {
		return 0
	}
	return *c.DaysBetweenReminders
}

// OverwriteEnabled returns overwrite, defaulting to true.
func (c *Config) OverwriteEnabled() bool {
	return c.Overwrite == nil || *c.Overwrite
}

// Validate checks the campaign. Errors are *ValidationError.
func (c *Config) Validate(surveyType string) error {
	if err := c.validate(); err != nil {
		return &ValidationError{SurveyType: surveyType, Err: err}
	}
	return nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"sp_column":          c.ShortPseudonymColumn,
		"email_column":       c.EmailColumn,
		"emails_sent_column": c.HistoryColumn,
		"survey_ids_column":  c.SurveyIDsColumn,
		"email_subject":      c.EmailSubject,
		"email_template":     c.EmailTemplate,
	}
	if !c.IsReportType {
		required["survey_base_url"] = c.SurveyBaseURL
	}
	for _, key := range []string{"sp_column", "email_column", "emails_sent_column", "survey_ids_column", "email_subject", "email_template", "survey_base_url"} {
		if v, ok := required[key]; ok && v == "" {
			return fmt.Errorf("%s is required", key)
		}
	}
	if !c.IsReportType && len(c.TemplateSurveyIDs) == 0 {
		return fmt.Errorf("template_survey_ids is required")
	}

	if c.MaxReminders == nil {
		return fmt.Errorf("max_reminders is required")
	}
	if *c.MaxReminders < 0 {
		return fmt.Errorf("max_reminders must be a non-negative integer")
	}
	if *c.MaxReminders > 0 {
		if c.DaysBetweenReminders == nil {
			return fmt.Errorf("days_between_reminders is required when max_reminders > 0")
		}
		if *c.DaysBetweenReminders < 0 {
			return fmt.Errorf("days_between_reminders must not be negative")
		}
	}

	if c.IsReportType {
		if err := c.validateReportIDs(); err != nil {
			return err
		}
	}

	if err := schedule.Validate(c.Policy(), len(c.TemplateIDs()), c.IsReportType); err != nil {
		return err
	}
	if err := condition.Validate(c.Conditions); err != nil {
		return err
	}

	for i, a := range c.Attachments {
		if a.Path == "" {
			return fmt.Errorf("attachments[%d]: path is required", i)
		}
		if err := fileExists(a.Path); err != nil {
			return fmt.Errorf("attachments[%d]: %w", i, err)
		}
	}
	if c.FooterImage != nil {
		if c.FooterImage.Path == "" {
			return fmt.Errorf("footer_image.path is required")
		}
		if err := fileExists(c.FooterImage.Path); err != nil {
			return fmt.Errorf("footer_image: %w", err)
		}
	}
	if c.CustomHTMLFile != "" {
		if err := fileExists(c.CustomHTMLFile); err != nil {
			return fmt.Errorf("custom_html_file: %w", err)
		}
	}
	return nil
}

func (c *Config) validateReportIDs() error {
	ids := c.TemplateSurveyIDs
	kind := c.Policy().Type
	if len(ids) == 0 {
		switch kind {
		case schedule.Sequence:
			return fmt.Errorf("report campaigns with 'sequence' repetition need template_survey_ids with unique dummy ids, e.g. [0, 1, 2]")
		case schedule.Schedule:
			if len(c.StartDates) == 0 {
				return fmt.Errorf("report campaigns with 'schedule' repetition need template_survey_ids or start_dates")
			}
		}
		return nil
	}
	if kind == schedule.Sequence {
		seen := make(map[int]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				return fmt.Errorf("report dummy template_survey_ids must be unique: %v", ids)
			}
			seen[id] = true
		}
	}
	return nil
}

func fileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file does not exist: %s", path)
	}
	if info.IsDir() {
		return fmt.Errorf("path is not a file: %s", path)
	}
	return nil
}
