package mailer

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

// Kind classifies a failed send.
type Kind int

const (
	// ConnectionError covers unreachable hosts, timeouts, resets and
	// cancellation.
	ConnectionError Kind = iota + 1
	// TLSUnavailable means the server does not offer the required
	// STARTTLS upgrade.
	TLSUnavailable
	// AuthenticationError means the credentials were rejected or no
	// supported mechanism was offered.
	AuthenticationError
	// ValidationError means the input was malformed. It is reported
	// before any network I/O.
	ValidationError
	// DeliveryRejected means the server refused the sender, a recipient
	// or the message data.
	DeliveryRejected
)

func (k Kind) String() string {
	switch k {
	case ConnectionError:
		return "ConnectionError"
	case TLSUnavailable:
		return "TLSUnavailable"
	case AuthenticationError:
		return "AuthenticationError"
	case ValidationError:
		return "ValidationError"
	case DeliveryRejected:
		return "DeliveryRejected"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the failure result of Send. Code, EnhancedCode and Text carry
// the server reply when the failure came from one.
type Error struct {
	Kind         Kind
	Code         int
	EnhancedCode smtp.EnhancedCode
	Text         string
	Err          error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: server replied %d %s", e.Kind, e.Code, e.Text)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same send may succeed: 4xx server
// replies and connection failures other than 5xx replies and rejected
// certificates.
func (e *Error) Temporary() bool {
	if e.Code >= 500 || untrustedCertificate(e.Err) {
		return false
	}
	if e.Kind == ConnectionError {
		return true
	}
	return e.Code >= 400 && e.Code < 500
}

// untrustedCertificate reports whether err is a failed server certificate
// check, which fails the same way on every attempt.
func untrustedCertificate(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr)
}

// KindOf returns the Kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTemporary reports whether err is a temporary *Error.
func IsTemporary(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Temporary()
}

// newError wraps err as kind, lifting the server reply out of any
// *smtp.SMTPError in its chain.
func newError(kind Kind, err error) *Error {
	e := &Error{Kind: kind, Err: err}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		e.Code = smtpErr.Code
		e.EnhancedCode = smtpErr.EnhancedCode
		e.Text = smtpErr.Message
	}
	return e
}

// replyError classifies err from a protocol step: server replies get
// replyKind, everything else is a connection failure.
func replyError(replyKind Kind, err error) *Error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return newError(replyKind, err)
	}
	return newError(ConnectionError, err)
}
