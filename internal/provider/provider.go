// Package provider defines the interface for mail delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-probe/internal/email"
)

// Provider is the interface that delivery backends must implement.
// Failures are reported as *mailer.Error so callers can branch on the
// failure kind regardless of the backend.
type Provider interface {
	// Send delivers one message. It does not retry.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
