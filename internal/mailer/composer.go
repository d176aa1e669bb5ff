package mailer

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxzi/surveyor/internal/campaign"
	"github.com/foxzi/surveyor/internal/template"
)

// Invitation is one occurrence to notify a participant about.
type Invitation struct {
	Email          string
	RecipientName  string
	ShortPseudonym string
	SurveyID       int
	Position       int
	Reminder       bool
}

// Composer turns invitations of one campaign into messages. Files referenced
// by the campaign are read once, when the composer is created.
type Composer struct {
	engine      *template.Engine
	tmpl        *template.Template
	from        string
	replyTo     string
	baseURL     string
	isReport    bool
	surveyCount int
	customHTML  string
	footer      *FooterImage
	attachments []Part
}

// NewComposer creates a composer for a campaign.
func NewComposer(surveyType string, cfg *campaign.Config, from, replyTo string) (*Composer, error) {
	c := &Composer{
		engine: template.NewEngine(),
		tmpl: &template.Template{
			Name:    surveyType,
			Subject: cfg.EmailSubject,
			Body:    cfg.EmailTemplate,
		},
		from:        from,
		replyTo:     replyTo,
		baseURL:     strings.TrimRight(cfg.SurveyBaseURL, "/"),
		isReport:    cfg.IsReportType,
		surveyCount: len(cfg.TemplateIDs()),
	}
	if err := c.engine.Validate(c.tmpl); err != nil {
		return nil, err
	}

	if cfg.CustomHTMLFile != "" {
		data, err := os.ReadFile(cfg.CustomHTMLFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read custom html: %w", err)
		}
		c.customHTML = string(data)
	}

	if img := cfg.FooterImage; img != nil {
		part, err := loadPart(img.Path, "", "")
		if err != nil {
			return nil, fmt.Errorf("failed to load footer image: %w", err)
		}
		c.footer = &FooterImage{Part: part, Alt: img.Alt, Width: img.Width, Height: img.Height}
	}

	for _, a := range cfg.Attachments {
		part, err := loadPart(a.Path, a.Filename, a.MimeType)
		if err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", a.Path, err)
		}
		c.attachments = append(c.attachments, part)
	}

	return c, nil
}

// Compose renders the invitation.
func (c *Composer) Compose(inv Invitation) (*Message, error) {
	vars := template.Vars{
		RecipientName: inv.RecipientName,
		CustomHTML:    c.customHTML,
	}
	if !c.isReport {
		vars.SurveyLink = SurveyLink(c.baseURL, inv.SurveyID, inv.ShortPseudonym)
		vars.SurveyNumber = inv.Position + 1
		vars.SurveyCount = c.surveyCount
	}

	result, err := c.engine.Render(c.tmpl, vars, inv.Reminder)
	if err != nil {
		return nil, err
	}

	return &Message{
		From:        c.from,
		To:          inv.Email,
		ReplyTo:     c.replyTo,
		Subject:     result.Subject,
		Text:        result.Text,
		HTML:        result.HTML,
		FooterImage: c.footer,
		Attachments: c.attachments,
	}, nil
}

// SurveyLink returns the participant's personal link to a survey.
func SurveyLink(baseURL string, surveyID int, shortPseudonym string) string {
	return fmt.Sprintf("%s/%d?token=%s", strings.TrimRight(baseURL, "/"), surveyID, shortPseudonym)
}

func loadPart(path, filename, contentType string) (Part, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Part{}, err
	}
	if filename == "" {
		filename = filepath.Base(path)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Part{Filename: filename, ContentType: contentType, Data: data}, nil
}
