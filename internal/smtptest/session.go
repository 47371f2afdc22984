package smtptest

import (
	"fmt"
	"io"

	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-probe/internal/parser"
)

// session holds the state of one client connection. go-smtp drives it
// through the SMTP state machine.
type session struct {
	server *Server
	conn   *smtp.Conn

	username string
	authed   bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// AuthPlain verifies AUTH PLAIN credentials.
func (s *session) AuthPlain(username, password string) error {
	if err := s.server.auth.Verify(username, password); err != nil {
		s.server.log.Infow("authentication rejected", "username", username)
		return errAuthFailed
	}
	s.username = username
	s.authed = true
	return nil
}

// Mail processes the MAIL FROM command.
func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return errAuthRequired
	}
	if s.server.rejectsSender(from) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      fmt.Sprintf("Sender <%s> not allowed", from),
		}
	}

	s.mailFrom = from
	s.rcptTo = nil
	return nil
}

// Rcpt processes the RCPT TO command.
func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.server.rejectsRecipient(to) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      fmt.Sprintf("Mailbox <%s> unavailable", to),
		}
	}

	s.rcptTo = append(s.rcptTo, to)
	return nil
}

// Data reads the message and records the envelope.
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		s.server.log.Warnw("failed to parse message", "error", err)
		msg = nil
	}

	_, isTLS := s.conn.TLSConnectionState()
	rcpts := make([]string, len(s.rcptTo))
	copy(rcpts, s.rcptTo)

	s.server.record(Envelope{
		Username: s.username,
		From:     s.mailFrom,
		To:       rcpts,
		Data:     raw,
		Message:  msg,
		TLS:      isTLS,
	})

	s.server.log.Infow("message accepted",
		"from", s.mailFrom,
		"recipients", len(rcpts),
		"size", len(raw),
	)
	return nil
}

// Reset clears the current mail transaction without affecting AUTH state.
func (s *session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

// Logout is called when the client disconnects.
func (s *session) Logout() error {
	return nil
}
