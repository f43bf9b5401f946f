package notification

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"time"
)

// Attachment is a file carried in the multipart/mixed body.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Email is a complete alert message ready for MIME encoding.
type Email struct {
	From     string
	FromName string
	To       []string
	Subject  string
	TextBody string
	HTMLBody string

	// Threading support
	MessageID  string
	InReplyTo  string
	References string

	AutoSubmitted bool
	AlertID       string
	SystemName    string
	Date          time.Time

	Attachments []Attachment
}

// BuildMIMEMessage encodes email as multipart/mixed with a
// multipart/alternative text/html body followed by the attachments.
func BuildMIMEMessage(email *Email) ([]byte, error) {
	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	if err := writeEmailHeaders(&buf, email, mixed.Boundary()); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	if err := writeBody(mixed, email); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}

	for _, a := range email.Attachments {
		if err := writeAttachmentPart(mixed, a); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", a.Filename, err)
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeEmailHeaders(buf *bytes.Buffer, email *Email, boundary string) error {
	if email.From == "" {
		return fmt.Errorf("missing sender")
	}
	if len(email.To) == 0 {
		return fmt.Errorf("missing recipient")
	}
	date := email.Date
	if date.IsZero() {
		date = time.Now()
	}

	// Fixed order keeps messages diffable.
	headers := [][2]string{
		{"From", CreateDisplayName(email.FromName, email.From)},
		{"To", joinAddrs(email.To)},
		{"Subject", mime.QEncoding.Encode("utf-8", email.Subject)},
		{"Date", date.Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", fmt.Sprintf("multipart/mixed; boundary=%s", boundary)},
	}
	if email.MessageID != "" {
		headers = append(headers, [2]string{"Message-ID", fmt.Sprintf("<%s>", email.MessageID)})
	}
	if email.InReplyTo != "" {
		headers = append(headers, [2]string{"In-Reply-To", fmt.Sprintf("<%s>", email.InReplyTo)})
	}
	if email.References != "" {
		headers = append(headers, [2]string{"References", fmt.Sprintf("<%s>", email.References)})
	}
	if email.AutoSubmitted {
		headers = append(headers,
			[2]string{"Auto-Submitted", "auto-generated"},
			[2]string{"X-Auto-Response-Suppress", "All"})
	}
	if email.SystemName != "" {
		headers = append(headers, [2]string{"X-Seedo-System", email.SystemName})
	}
	if email.AlertID != "" {
		headers = append(headers, [2]string{"X-Alert-ID", email.AlertID})
	}
	headers = append(headers, [2]string{"X-Mailer", "seedo"})

	for _, h := range headers {
		fmt.Fprintf(buf, "%s: %s\r\n", h[0], h[1])
	}
	buf.WriteString("\r\n")
	return nil
}

func writeBody(mixed *multipart.Writer, email *Email) error {
	var alt bytes.Buffer
	altWriter := multipart.NewWriter(&alt)

	if err := writeQuotedPart(altWriter, "text/plain; charset=utf-8", email.TextBody); err != nil {
		return err
	}
	if email.HTMLBody != "" {
		if err := writeQuotedPart(altWriter, "text/html; charset=utf-8", email.HTMLBody); err != nil {
			return err
		}
	}
	if err := altWriter.Close(); err != nil {
		return err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%s", altWriter.Boundary()))
	part, err := mixed.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(alt.Bytes())
	return err
}

func writeQuotedPart(w *multipart.Writer, contentType, body string) error {
	h := make(textproto.MIMEHeader)
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

func writeAttachmentPart(w *multipart.Writer, a Attachment) error {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", mime.FormatMediaType(contentType, map[string]string{"name": a.Filename}))
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(wrapBase64(a.Data))
	return err
}

// wrapBase64 encodes data with CRLF line breaks every 76 characters.
func wrapBase64(data []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(data)
	var out bytes.Buffer
	out.Grow(len(enc) + len(enc)/76*2 + 2)
	for len(enc) > 76 {
		out.WriteString(enc[:76])
		out.WriteString("\r\n")
		enc = enc[76:]
	}
	out.WriteString(enc)
	out.WriteString("\r\n")
	return out.Bytes()
}

// CreateDisplayName creates a properly encoded display name for email headers
func CreateDisplayName(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), address)
}

func joinAddrs(addrs []string) string {
	var b bytes.Buffer
	for i, a := range addrs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a)
	}
	return b.String()
}
