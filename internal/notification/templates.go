package notification

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"
	"time"
)

const threadID = "seedo-alerts@seedo.local"

// AlertData is the template context for rule alerts. User-supplied subject
// and body templates see the same fields.
type AlertData struct {
	Rule       string
	Time       string
	Timestamp  time.Time
	AlertID    string
	ThreadID   string
	SystemName string
	Details    string
	ClipName   string
	ClipURL    string
}

// EmailTemplate represents a complete email with both HTML and text versions
type EmailTemplate struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// NewAlertData fills the fields shared by every alert.
func NewAlertData(rule, alertID string, at time.Time, systemName string) *AlertData {
	return &AlertData{
		Rule:       rule,
		Time:       at.Format("Monday, January 2, 2006 at 3:04:05 PM"),
		Timestamp:  at,
		AlertID:    alertID,
		ThreadID:   threadID,
		SystemName: systemName,
	}
}

func GetRuleAlertTemplate() *EmailTemplate {
	return &EmailTemplate{
		Subject:  "SeeDo triggered: {{.Rule}}",
		HTMLBody: ruleAlertHTMLTemplate,
		TextBody: ruleAlertTextTemplate,
	}
}

func GetTestTemplate() *EmailTemplate {
	return &EmailTemplate{
		Subject:  "SeeDo test - email configuration works",
		HTMLBody: testHTMLTemplate,
		TextBody: testTextTemplate,
	}
}

// RenderEmailTemplate renders subject, HTML and text versions of tmpl.
func RenderEmailTemplate(tmpl *EmailTemplate, data *AlertData) (subject, htmlBody, textBody string, err error) {
	if subject, err = RenderText("subject", tmpl.Subject, data); err != nil {
		return "", "", "", err
	}

	htmlTmpl, err := htmltemplate.New("html").Parse(tmpl.HTMLBody)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to parse HTML template: %w", err)
	}
	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, data); err != nil {
		return "", "", "", fmt.Errorf("failed to execute HTML template: %w", err)
	}

	if textBody, err = RenderText("text", tmpl.TextBody, data); err != nil {
		return "", "", "", err
	}
	return subject, htmlBuf.String(), textBody, nil
}

// RenderText executes a plain text template such as a rule's subject line.
func RenderText(name, text string, data any) (string, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return buf.String(), nil
}

func generateMessageID(alertID string) string {
	return fmt.Sprintf("%s@seedo.local", alertID)
}

// NewAlertEmail assembles an alert with threading headers so that a
// mail client groups every alert into one conversation.
func NewAlertEmail(data *AlertData, from string, to []string, subject, text, html string) *Email {
	return &Email{
		From:          from,
		FromName:      "SeeDo",
		To:            to,
		Subject:       subject,
		TextBody:      text,
		HTMLBody:      html,
		MessageID:     generateMessageID(data.AlertID),
		InReplyTo:     data.ThreadID,
		References:    data.ThreadID,
		AutoSubmitted: true,
		AlertID:       data.AlertID,
		SystemName:    data.SystemName,
		Date:          data.Timestamp,
	}
}

const ruleAlertTextTemplate = `SeeDo "{{.Rule}}" triggered

Time: {{.Time}}
System: {{.SystemName}}
Alert ID: {{.AlertID}}
{{if .Details}}
{{.Details}}
{{end}}{{if .ClipName}}
Evidence clip: {{.ClipName}}{{end}}{{if .ClipURL}}
Download: {{.ClipURL}}{{end}}
`

const ruleAlertHTMLTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>SeeDo alert</title></head>
<body style="font-family: -apple-system, Segoe UI, Roboto, sans-serif; color: #222;">
  <h2 style="margin-bottom: 4px;">SeeDo &ldquo;{{.Rule}}&rdquo; triggered</h2>
  <table cellpadding="4" style="border-collapse: collapse;">
    <tr><td><b>Time</b></td><td>{{.Time}}</td></tr>
    <tr><td><b>System</b></td><td>{{.SystemName}}</td></tr>
    <tr><td><b>Alert ID</b></td><td><code>{{.AlertID}}</code></td></tr>
    {{if .ClipName}}<tr><td><b>Clip</b></td><td>{{.ClipName}}</td></tr>{{end}}
  </table>
  {{if .Details}}<p>{{.Details}}</p>{{end}}
  {{if .ClipURL}}<p><a href="{{.ClipURL}}">Download evidence clip</a></p>{{end}}
</body>
</html>
`

const testTextTemplate = `This is a test message from {{.SystemName}}.

Sent: {{.Time}}
If you can read this, SeeDo alerts will reach you.
`

const testHTMLTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, Segoe UI, Roboto, sans-serif;">
  <h2>Email configuration works</h2>
  <p>This is a test message from {{.SystemName}}, sent {{.Time}}.</p>
</body>
</html>
`
