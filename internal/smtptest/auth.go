package smtptest

import (
	"crypto/subtle"
	"errors"

	"github.com/emersion/go-smtp"
)

// errAuthFailed is returned to clients presenting wrong credentials.
var errAuthFailed = &smtp.SMTPError{
	Code:         535,
	EnhancedCode: smtp.EnhancedCode{5, 7, 8},
	Message:      "Authentication failed",
}

// errAuthRequired is returned for MAIL FROM before a successful AUTH.
var errAuthRequired = &smtp.SMTPError{
	Code:         530,
	EnhancedCode: smtp.EnhancedCode{5, 7, 0},
	Message:      "Authentication required",
}

// Authenticator checks AUTH credentials against a single configured account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty, verification is disabled and any credentials pass.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if an account is configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify checks username and password in constant time.
func (a *Authenticator) Verify(username, password string) error {
	if username == "" || password == "" {
		return errors.New("empty credentials")
	}
	if !a.Enabled() {
		return nil
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		return errors.New("authentication failed")
	}
	return nil
}
