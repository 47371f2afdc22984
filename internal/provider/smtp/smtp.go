// Package smtp implements a Provider that relays through an SMTP server
// using the mailer client.
package smtp

import (
	"context"

	"github.com/shineum/smtp-probe/internal/email"
	"github.com/shineum/smtp-probe/internal/mailer"
)

// Provider sends every message over a fresh, authenticated SMTP connection.
type Provider struct {
	params mailer.Params
	creds  mailer.Credentials
}

// New creates a Provider bound to one server and account.
func New(params mailer.Params, creds mailer.Credentials) *Provider {
	return &Provider{params: params, creds: creds}
}

// Send delivers msg with mailer.Send.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	return mailer.Send(ctx, p.params, p.creds, msg)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}
