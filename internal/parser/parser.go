// Package parser decodes RFC 5322 messages, including MIME multipart bodies,
// back into the email model.
package parser

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/shineum/smtp-probe/internal/email"
)

// Parse decodes a raw message into an email.Message. Header addresses are
// reduced to bare mailboxes, text and HTML bodies are taken from the
// first matching parts and every attachment is kept with its decoded
// content. Bodies lose the single line break that ends them on the wire and
// come back with "\n" line endings. TextBody stays empty unless the message
// carries a text/plain part.
func Parse(raw []byte) (*email.Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &email.Message{
		Subject:   env.GetHeader("Subject"),
		MessageID: env.GetHeader("Message-Id"),
		HTMLBody:  decodeBody(env.HTML),
	}
	// enmime renders a text body from HTML-only messages.
	if hasPlainText(env.Root) {
		msg.TextBody = decodeBody(env.Text)
	}

	from, err := addressList(env, "From")
	if err != nil {
		return nil, err
	}
	if len(from) > 0 {
		msg.From = from[0]
	}

	if msg.To, err = addressList(env, "To"); err != nil {
		return nil, err
	}

	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.Date = date
	}

	for _, part := range env.Attachments {
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Content:     part.Content,
		})
	}

	return msg, nil
}

// addressList returns the bare addresses from the named header. A missing
// header yields nil.
func addressList(env *enmime.Envelope, header string) ([]string, error) {
	if env.GetHeader(header) == "" {
		return nil, nil
	}

	list, err := env.AddressList(header)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s header: %w", header, err)
	}

	result := make([]string, 0, len(list))
	for _, addr := range list {
		result = append(result, addr.Address)
	}
	return result, nil
}

// decodeBody drops the one line break that terminates a body on the wire
// and converts CRLF to "\n".
func decodeBody(s string) string {
	if strings.HasSuffix(s, "\r\n") {
		s = s[:len(s)-2]
	} else if strings.HasSuffix(s, "\n") {
		s = s[:len(s)-1]
	}
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// hasPlainText reports whether root holds an inline text/plain part. A bare
// body without a Content-Type counts as plain text.
func hasPlainText(root *enmime.Part) bool {
	if root == nil {
		return false
	}
	return root.DepthMatchFirst(func(p *enmime.Part) bool {
		if p.Disposition == "attachment" {
			return false
		}
		return p.ContentType == "text/plain" || (p.ContentType == "" && p.FirstChild == nil)
	}) != nil
}
