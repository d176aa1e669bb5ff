package template

import (
	"bytes"
	"fmt"
	htmlTemplate "html/template"
	"strings"
	textTemplate "text/template"
)

// ReminderPrefix is prepended to the subject of reminders.
const ReminderPrefix = "Reminder: "

// Engine renders templates with data
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// Render renders a template. Referencing a variable that is not set is an error.
func (e *Engine) Render(tmpl *Template, vars Vars, reminder bool) (*RenderResult, error) {
	result := &RenderResult{}

	subject, err := e.renderText("subject", tmpl.Subject, vars.data(false))
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	if reminder {
		subject = ReminderPrefix + subject
	}
	result.Subject = subject

	text, err := e.renderText("text", tmpl.Body, vars.data(false))
	if err != nil {
		return nil, fmt.Errorf("failed to render text: %w", err)
	}
	result.Text = text

	// Values are escaped, the template itself is trusted markup.
	html, err := e.renderHTML("html", htmlLines(tmpl.Body), vars.data(true))
	if err != nil {
		return nil, fmt.Errorf("failed to render html: %w", err)
	}
	result.HTML = html

	return result, nil
}

// Validate checks if template syntax is valid
func (e *Engine) Validate(tmpl *Template) error {
	if _, err := textTemplate.New("subject").Parse(tmpl.Subject); err != nil {
		return fmt.Errorf("invalid subject template: %w", err)
	}
	if _, err := textTemplate.New("text").Parse(tmpl.Body); err != nil {
		return fmt.Errorf("invalid body template: %w", err)
	}
	if _, err := htmlTemplate.New("html").Parse(htmlLines(tmpl.Body)); err != nil {
		return fmt.Errorf("invalid body template: %w", err)
	}
	return nil
}

func htmlLines(body string) string {
	return strings.ReplaceAll(body, "\n", "<br>\n")
}

func (e *Engine) renderText(name, tmplStr string, data map[string]interface{}) (string, error) {
	t, err := textTemplate.New(name).Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (e *Engine) renderHTML(name, tmplStr string, data map[string]interface{}) (string, error) {
	t, err := htmlTemplate.New(name).Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
