// Package mailer composes survey invitations and transmits them over SMTP.
package mailer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FooterImageCID is the content id the HTML part uses to reference the footer image.
const FooterImageCID = "footer_image"

// Part is a binary part of a message.
type Part struct {
	Filename    string
	ContentType string
	Data        []byte
}

// FooterImage is an inline image shown below the HTML body.
type FooterImage struct {
	Part
	Alt    string
	Width  string
	Height string
}

// Message is an invitation ready to be built.
type Message struct {
	From        string
	To          string
	ReplyTo     string
	Subject     string
	Text        string
	HTML        string
	FooterImage *FooterImage
	Attachments []Part
	Date        time.Time
	MessageID   string
}

// Build constructs RFC 5322 message data. The body is multipart/related
// holding a text/html alternative and the footer image; attachments wrap it
// in multipart/mixed.
func Build(msg *Message) ([]byte, error) {
	if msg.From == "" || msg.To == "" {
		return nil, fmt.Errorf("from and to are required")
	}

	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}
	messageID := msg.MessageID
	if messageID == "" {
		messageID = NewMessageID(msg.From)
	}

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	if msg.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", msg.ReplyTo))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", date.Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	buf.WriteString("MIME-Version: 1.0\r\n")

	related, err := buildRelated(msg)
	if err != nil {
		return nil, err
	}

	if len(msg.Attachments) == 0 {
		buf.Write(related)
		return buf.Bytes(), nil
	}

	boundary := uuid.New().String()
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n", boundary))
	buf.WriteString("\r\n")
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.Write(related)
	for _, a := range msg.Attachments {
		buf.WriteString(fmt.Sprintf("\r\n--%s\r\n", boundary))
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		buf.WriteString(fmt.Sprintf("Content-Type: %s\r\n", contentType))
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n", a.Filename))
		buf.WriteString("\r\n")
		writeBase64(&buf, a.Data)
	}
	buf.WriteString(fmt.Sprintf("\r\n--%s--\r\n", boundary))

	return buf.Bytes(), nil
}

// buildRelated returns the related entity including its own Content-Type header.
func buildRelated(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	boundary := uuid.New().String()
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/related; boundary=\"%s\"\r\n", boundary))
	buf.WriteString("\r\n")

	alternative := uuid.New().String()
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", alternative))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", alternative))
	if err := writeText(&buf, "text/plain", msg.Text); err != nil {
		return nil, err
	}
	buf.WriteString(fmt.Sprintf("\r\n--%s\r\n", alternative))
	if err := writeText(&buf, "text/html", htmlDocument(msg.HTML, msg.FooterImage)); err != nil {
		return nil, err
	}
	buf.WriteString(fmt.Sprintf("\r\n--%s--\r\n", alternative))

	if img := msg.FooterImage; img != nil {
		buf.WriteString(fmt.Sprintf("\r\n--%s\r\n", boundary))
		contentType := img.ContentType
		if contentType == "" {
			contentType = "image/png"
		}
		buf.WriteString(fmt.Sprintf("Content-Type: %s\r\n", contentType))
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		buf.WriteString(fmt.Sprintf("Content-ID: <%s>\r\n", FooterImageCID))
		buf.WriteString("Content-Disposition: inline\r\n")
		buf.WriteString("\r\n")
		writeBase64(&buf, img.Data)
	}

	buf.WriteString(fmt.Sprintf("\r\n--%s--\r\n", boundary))
	return buf.Bytes(), nil
}

func htmlDocument(body string, img *FooterImage) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"UTF-8\">\n</head>\n<body>\n")
	b.WriteString(body)
	if img != nil {
		alt := img.Alt
		if alt == "" {
			alt = "Footer Image"
		}
		b.WriteString(fmt.Sprintf(`<br><br><img src="cid:%s" alt="%s"`, FooterImageCID, html.EscapeString(alt)))
		if img.Width != "" {
			b.WriteString(fmt.Sprintf(` width="%s"`, html.EscapeString(img.Width)))
		}
		if img.Height != "" {
			b.WriteString(fmt.Sprintf(` height="%s"`, html.EscapeString(img.Height)))
		}
		b.WriteString(">")
	}
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

func writeText(buf *bytes.Buffer, contentType, text string) error {
	buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=utf-8\r\n", contentType))
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")
	w := quotedprintable.NewWriter(buf)
	if _, err := w.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to encode %s part: %w", contentType, err)
	}
	return w.Close()
}

func writeBase64(buf *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")
}

// NewMessageID returns a Message-ID in the sender's domain.
func NewMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = strings.Trim(from[at+1:], "> ")
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}
