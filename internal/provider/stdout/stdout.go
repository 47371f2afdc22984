// Package stdout implements a Provider that prints emails in a readable form,
// typically to standard output.
package stdout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/shineum/smtp-probe/internal/email"
	"github.com/shineum/smtp-probe/internal/mailer"
)

const separator = "========================================\n"

// Provider prints email messages in a human-readable format. It is the dry
// run provider for send and the printer behind the sink command.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send validates msg and prints it. Write errors are ignored.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	if msg == nil {
		return &mailer.Error{Kind: mailer.ValidationError, Err: errors.New("message is required")}
	}
	if err := msg.Validate(); err != nil {
		return &mailer.Error{Kind: mailer.ValidationError, Err: err}
	}
	p.Print(msg)
	return nil
}

// Print writes msg without validating it. Safe for concurrent use.
func (p *Provider) Print(msg *email.Message) {
	out := Format(msg)

	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.writer, out)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// Format renders msg between separator lines.
func Format(msg *email.Message) string {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if msg.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\n", msg.MessageID)
	}
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)
	return b.String()
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
