// Package email defines the message model sent by smtp-probe and its wire
// serialization.
package email

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
)

// Message is a single outbound email. It is built fresh for every send and
// treated as immutable once handed to a provider.
//
// Bodies use "\n" line endings. WriteTo converts them to CRLF and ends each
// body with exactly one line break, so LF bodies survive a send and parse
// unchanged. CRLF or lone CR input comes back as "\n".
type Message struct {
	From        string
	To          []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment

	// MessageID is generated by WriteTo when empty.
	MessageID string
	// Date defaults to the time of serialization.
	Date time.Time
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// WriteTo serializes the message in RFC 5322 wire format. A message with a
// single body and no attachments is written as a single part; both bodies
// or any attachment produce a multipart body.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	root, err := m.build()
	if err != nil {
		return 0, err
	}

	cw := &countingWriter{w: w}
	if err := root.Encode(cw); err != nil {
		return cw.n, fmt.Errorf("failed to encode message: %w", err)
	}
	return cw.n, nil
}

// Bytes returns the serialized message.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) build() (*enmime.Part, error) {
	to := make([]mail.Address, 0, len(m.To))
	for _, addr := range m.To {
		to = append(to, mail.Address{Address: addr})
	}

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	messageID := m.MessageID
	if messageID == "" {
		messageID = newMessageID(m.From)
	}

	builder := enmime.Builder().
		From("", m.From).
		ToAddrs(to).
		Subject(m.Subject).
		Date(date).
		Header("Message-ID", messageID)

	if m.TextBody != "" || m.HTMLBody == "" {
		builder = builder.Text(wireBody(m.TextBody))
	}
	if m.HTMLBody != "" {
		builder = builder.HTML(wireBody(m.HTMLBody))
	}
	for _, att := range m.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		builder = builder.AddAttachment(att.Content, contentType, att.Filename)
	}

	root, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	return root, nil
}

// wireBody converts body to CRLF line endings and terminates it with one
// line break.
func wireBody(body string) []byte {
	if body == "" {
		return nil
	}
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	return []byte(body + "\r\n")
}

// newMessageID returns a unique Message-ID scoped to the sender's domain.
func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
