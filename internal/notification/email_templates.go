package notification

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"mime"
	"path/filepath"
	texttemplate "text/template"
	"time"
)

// EmailData is the view model for alert templates.
type EmailData struct {
	Time       string
	Timestamp  time.Time
	Details    string
	AlertID    string
	ThreadID   string
	SystemName string
	Metric     int
	Shot       int
	Shots      int
	ImageName  string
}

type EmailTemplate struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// NewEmailData builds template data for an alert.
func NewEmailData(a Alert) *EmailData {
	details := a.Body
	if details == "" {
		details = defaultAlertBody
	}
	var image string
	if a.AttachmentPath != "" {
		image = filepath.Base(a.AttachmentPath)
	}
	return &EmailData{
		Time:       a.At.Format("Monday, January 2, 2006 at 3:04:05 PM"),
		Timestamp:  a.At.UTC(),
		Details:    details,
		AlertID:    a.ID,
		ThreadID:   threadID(a.System),
		SystemName: a.System,
		Metric:     a.Metric,
		Shot:       a.Shot,
		Shots:      a.Shots,
		ImageName:  image,
	}
}

func MotionAlertTemplate(subject string) *EmailTemplate {
	if subject == "" {
		subject = defaultAlertSubject
	}
	return &EmailTemplate{
		Subject:  subject,
		HTMLBody: motionAlertHTMLTemplate,
		TextBody: motionAlertTextTemplate,
	}
}

// RenderEmailTemplate renders both bodies of tmpl.
func RenderEmailTemplate(tmpl *EmailTemplate, data *EmailData) (htmlBody, textBody string, err error) {
	h, err := htmltemplate.New("html").Parse(tmpl.HTMLBody)
	if err != nil {
		return "", "", fmt.Errorf("parse HTML template: %w", err)
	}
	var hb bytes.Buffer
	if err := h.Execute(&hb, data); err != nil {
		return "", "", fmt.Errorf("execute HTML template: %w", err)
	}

	tt, err := texttemplate.New("text").Parse(tmpl.TextBody)
	if err != nil {
		return "", "", fmt.Errorf("parse text template: %w", err)
	}
	var tb bytes.Buffer
	if err := tt.Execute(&tb, data); err != nil {
		return "", "", fmt.Errorf("execute text template: %w", err)
	}
	return hb.String(), tb.String(), nil
}

// CreateDisplayName formats "Name <address>" with a Q-encoded name.
func CreateDisplayName(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), address)
}

// threadID groups every alert from one system into a single mail thread.
func threadID(system string) string {
	if system == "" {
		system = "motiondetection"
	}
	return fmt.Sprintf("motion-alerts.%s@motiondetection.local", sanitizeHeaderToken(system))
}

func sanitizeHeaderToken(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

const motionAlertHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Motion Detected</title></head>
<body style="font-family: Arial, sans-serif; color: #222;">
  <h2 style="color: #b00020;">Motion detected</h2>
  <p>{{.Details}}</p>
  <table cellpadding="4">
    <tr><td><strong>When</strong></td><td>{{.Time}}</td></tr>
    <tr><td><strong>Camera</strong></td><td>{{.SystemName}}</td></tr>
    <tr><td><strong>Difference</strong></td><td>{{.Metric}} pixels</td></tr>
    {{if .Shots}}<tr><td><strong>Photo</strong></td><td>{{.Shot}} of {{.Shots}}</td></tr>{{end}}
    {{if .ImageName}}<tr><td><strong>Attachment</strong></td><td>{{.ImageName}}</td></tr>{{end}}
    <tr><td><strong>Alert ID</strong></td><td>{{.AlertID}}</td></tr>
  </table>
  <p style="font-size: 12px; color: #777;">Generated at {{.Timestamp.Format "2006-01-02 15:04:05 UTC"}}</p>
</body>
</html>`

const motionAlertTextTemplate = `MOTION DETECTED

{{.Details}}

When:       {{.Time}}
Camera:     {{.SystemName}}
Difference: {{.Metric}} pixels
{{if .Shots}}Photo:      {{.Shot}} of {{.Shots}}
{{end}}{{if .ImageName}}Attachment: {{.ImageName}}
{{end}}Alert ID:   {{.AlertID}}

Generated at {{.Timestamp.Format "2006-01-02 15:04:05 UTC"}}
`
