package template

import htmlTemplate "html/template"

// Template is an invitation message. Subject and Body use text/template syntax;
// the HTML part is rendered from the same Body.
type Template struct {
	Name    string
	Subject string
	Body    string
}

// Vars are the values available to a template.
type Vars struct {
	RecipientName string
	// SurveyLink is empty for report campaigns, which have no survey to link to.
	SurveyLink   string
	SurveyNumber int
	SurveyCount  int
	CustomHTML   string
}

// RenderResult contains rendered template output
type RenderResult struct {
	Subject string
	Text    string
	HTML    string
}

func (v Vars) data(html bool) map[string]interface{} {
	data := map[string]interface{}{
		"recipient_name": v.RecipientName,
	}
	if v.SurveyLink != "" {
		data["survey_link"] = v.SurveyLink
		data["survey_number"] = v.SurveyNumber
		data["survey_count"] = v.SurveyCount
	}
	if v.CustomHTML != "" {
		if html {
			data["custom_html"] = htmlTemplate.HTML(v.CustomHTML)
		} else {
			data["custom_html"] = v.CustomHTML
		}
	}
	return data
}
