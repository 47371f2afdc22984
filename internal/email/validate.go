package email

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/multierr"
	"golang.org/x/net/idna"
)

// ErrNoRecipients is returned when a message has an empty recipient list.
var ErrNoRecipients = errors.New("at least one recipient is required")

// Validate checks the message invariants: a non-empty recipient list,
// syntactically valid sender and recipient addresses and a subject that
// survives the header block unchanged. All problems are reported together.
func (m *Message) Validate() error {
	var err error

	if addrErr := ValidateAddress(m.From); addrErr != nil {
		err = multierr.Append(err, fmt.Errorf("sender: %w", addrErr))
	}

	if len(m.To) == 0 {
		err = multierr.Append(err, ErrNoRecipients)
	}
	for i, rcpt := range m.To {
		if addrErr := ValidateAddress(rcpt); addrErr != nil {
			err = multierr.Append(err, fmt.Errorf("recipient %d: %w", i, addrErr))
		}
	}

	// A subject is required for a well-formed header block.
	if strings.TrimSpace(m.Subject) == "" {
		err = multierr.Append(err, errors.New("subject is required"))
	} else if hasControl(m.Subject) {
		err = multierr.Append(err, errors.New("subject contains control characters"))
	} else if strings.TrimSpace(m.Subject) != m.Subject {
		// Header parsing drops surrounding whitespace.
		err = multierr.Append(err, errors.New("subject has leading or trailing whitespace"))
	}

	for i, att := range m.Attachments {
		if att.Filename == "" {
			err = multierr.Append(err, fmt.Errorf("attachment %d: filename is required", i))
		} else if hasControl(att.Filename) {
			err = multierr.Append(err, fmt.Errorf("attachment %d: filename contains control characters", i))
		}
	}

	return err
}

// ValidateAddress checks that addr has the form local@domain with a
// non-empty local part and a valid domain. Only printable ASCII is accepted;
// internationalized domains must be given in their xn-- form.
func ValidateAddress(addr string) error {
	if addr == "" {
		return errors.New("address is empty")
	}
	if i := strings.IndexFunc(addr, isNonASCII); i >= 0 {
		return nonASCIIError(addr, i)
	}
	if hasControl(addr) {
		return fmt.Errorf("address %q contains control characters", addr)
	}
	if strings.ContainsAny(addr, " <>") {
		return fmt.Errorf("address %q must be a bare mailbox", addr)
	}

	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return fmt.Errorf("address %q is missing '@'", addr)
	}

	local, domain := addr[:at], addr[at+1:]
	if local == "" {
		return fmt.Errorf("address %q has an empty local part", addr)
	}
	if domain == "" {
		return fmt.Errorf("address %q has an empty domain", addr)
	}
	if _, err := idna.Lookup.ToASCII(domain); err != nil {
		return fmt.Errorf("address %q has an invalid domain: %w", addr, err)
	}

	return nil
}

// nonASCIIError names the offending part of addr and, for a domain, its
// ASCII form.
func nonASCIIError(addr string, i int) error {
	at := strings.LastIndex(addr, "@")
	if at < 0 || i < at {
		return fmt.Errorf("address %q has a non-ASCII local part", addr)
	}
	if ascii, err := idna.Lookup.ToASCII(addr[at+1:]); err == nil {
		return fmt.Errorf("address %q has a non-ASCII domain, use %q", addr, addr[:at+1]+ascii)
	}
	return fmt.Errorf("address %q has a non-ASCII domain", addr)
}

func isNonASCII(r rune) bool {
	return r > unicode.MaxASCII
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}
