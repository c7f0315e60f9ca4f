package notification

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Email is a fully rendered message ready for MIME encoding.
type Email struct {
	From       string
	FromName   string
	To         string
	Subject    string
	TextBody   string
	HTMLBody   string
	MessageID  string
	InReplyTo  string
	AlertID    string
	SystemName string

	// AttachmentPath is read at build time and attached inline.
	AttachmentPath string
}

// ComposeAlertEmail renders the alert templates and encodes the result.
func ComposeAlertEmail(a Alert, from, to string) ([]byte, error) {
	data := NewEmailData(a)
	htmlBody, textBody, err := RenderEmailTemplate(MotionAlertTemplate(a.Subject), data)
	if err != nil {
		return nil, fmt.Errorf("render alert: %w", err)
	}
	return BuildMIMEMessage(&Email{
		From:           from,
		FromName:       "Motion Detector",
		To:             to,
		Subject:        MotionAlertTemplate(a.Subject).Subject,
		TextBody:       textBody,
		HTMLBody:       htmlBody,
		MessageID:      fmt.Sprintf("%s@motiondetection.local", a.ID),
		InReplyTo:      data.ThreadID,
		AlertID:        a.ID,
		SystemName:     a.System,
		AttachmentPath: a.AttachmentPath,
	})
}

// BuildMIMEMessage encodes a multipart/mixed message holding a
// text/HTML alternative and, when set, the attachment.
func BuildMIMEMessage(email *Email) ([]byte, error) {
	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	writeEmailHeaders(&buf, email, mixed.Boundary())

	altHeader := textproto.MIMEHeader{}
	var altBuf bytes.Buffer
	alt := multipart.NewWriter(&altBuf)
	altHeader.Set("Content-Type", "multipart/alternative; boundary="+alt.Boundary())
	altPart, err := mixed.CreatePart(altHeader)
	if err != nil {
		return nil, fmt.Errorf("create alternative part: %w", err)
	}

	if err := writeQuotedPart(alt, "text/plain; charset=utf-8", email.TextBody); err != nil {
		return nil, fmt.Errorf("write text part: %w", err)
	}
	if err := writeQuotedPart(alt, "text/html; charset=utf-8", email.HTMLBody); err != nil {
		return nil, fmt.Errorf("write HTML part: %w", err)
	}
	if err := alt.Close(); err != nil {
		return nil, err
	}
	if _, err := altPart.Write(altBuf.Bytes()); err != nil {
		return nil, err
	}

	if email.AttachmentPath != "" {
		if err := writeAttachmentPart(mixed, email.AttachmentPath); err != nil {
			return nil, fmt.Errorf("write attachment: %w", err)
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeEmailHeaders(buf *bytes.Buffer, email *Email, boundary string) {
	headers := make(textproto.MIMEHeader)
	if email.FromName != "" {
		headers.Set("From", CreateDisplayName(email.FromName, email.From))
	} else {
		headers.Set("From", email.From)
	}
	headers.Set("To", email.To)
	headers.Set("Subject", mime.QEncoding.Encode("utf-8", email.Subject))
	headers.Set("Date", time.Now().Format(time.RFC1123Z))
	headers.Set("MIME-Version", "1.0")
	headers.Set("Content-Type", "multipart/mixed; boundary="+boundary)
	if email.MessageID != "" {
		headers.Set("Message-ID", "<"+email.MessageID+">")
	}
	if email.InReplyTo != "" {
		headers.Set("In-Reply-To", "<"+email.InReplyTo+">")
		headers.Set("References", "<"+email.InReplyTo+">")
	}
	headers.Set("Auto-Submitted", "auto-generated")
	headers.Set("X-Auto-Response-Suppress", "All")
	if email.SystemName != "" {
		headers.Set("X-Motion-System", email.SystemName)
	}
	if email.AlertID != "" {
		headers.Set("X-Alert-ID", email.AlertID)
	}
	headers.Set("X-Priority", "2")

	// Stable order keeps messages diffable in tests.
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			fmt.Fprintf(buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
}

func writeQuotedPart(w *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachmentPart(w *multipart.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", fmt.Sprintf("%s; name=%q", ctype, name))
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	h.Set("Content-ID", "<"+name+">")
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := fmt.Fprintf(part, "%s\r\n", encoded[:76]); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err = fmt.Fprintf(part, "%s\r\n", encoded)
	return err
}
