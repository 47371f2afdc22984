// Package mailer implements a transactional mail-send client: connect,
// secure the channel, authenticate, transmit one message and release the
// connection. Every failure is returned as a typed *Error.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/multierr"

	"github.com/shineum/smtp-probe/internal/email"
)

// DefaultTimeout bounds a send when Params.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// defaultLocalName is sent in EHLO when Params.LocalName is empty.
const defaultLocalName = "localhost"

// Security selects how the channel is encrypted.
type Security int

const (
	// StartTLS connects in plaintext and upgrades with STARTTLS before
	// authenticating. The upgrade is mandatory.
	StartTLS Security = iota
	// ImplicitTLS performs the TLS handshake as soon as the TCP
	// connection is open (submissions port 465).
	ImplicitTLS
)

func (s Security) String() string {
	switch s {
	case StartTLS:
		return "starttls"
	case ImplicitTLS:
		return "tls"
	default:
		return fmt.Sprintf("Security(%d)", int(s))
	}
}

// ParseSecurity maps "starttls" and "tls" (also "ssl", "implicit") to a
// Security value.
func ParseSecurity(s string) (Security, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "starttls":
		return StartTLS, nil
	case "tls", "ssl", "implicit":
		return ImplicitTLS, nil
	default:
		return 0, fmt.Errorf("unknown security mode %q", s)
	}
}

// Params are the connection parameters for a single send.
type Params struct {
	Host     string
	Port     int
	Security Security

	// Timeout bounds the dial and the whole SMTP session.
	// Zero means DefaultTimeout.
	Timeout time.Duration

	// TLSConfig is cloned for every send. ServerName defaults to Host.
	TLSConfig *tls.Config

	// LocalName is the EHLO argument. Defaults to "localhost".
	LocalName string
}

// Addr returns host:port.
func (p Params) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p Params) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}

func (p Params) localName() string {
	if p.LocalName != "" {
		return p.LocalName
	}
	return defaultLocalName
}

func (p Params) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if p.TLSConfig != nil {
		cfg = p.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = p.Host
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

func (p Params) validate() error {
	var err error
	if p.Host == "" {
		err = multierr.Append(err, errors.New("host is required"))
	} else if strings.ContainsAny(p.Host, " \t\r\n") {
		err = multierr.Append(err, fmt.Errorf("host %q contains whitespace", p.Host))
	}
	if p.Port < 1 || p.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("port %d out of range 1-65535", p.Port))
	}
	if p.Security != StartTLS && p.Security != ImplicitTLS {
		err = multierr.Append(err, fmt.Errorf("unknown security mode %d", int(p.Security)))
	}
	if p.Timeout < 0 {
		err = multierr.Append(err, fmt.Errorf("timeout %s is negative", p.Timeout))
	}
	return err
}

// Credentials identify the account used for AUTH. They are only held for
// the duration of one send and never appear in formatted output.
type Credentials struct {
	Username string
	Secret   string
}

func (c Credentials) String() string {
	return fmt.Sprintf("{Username:%s Secret:[redacted]}", c.Username)
}

// GoString keeps the secret out of %#v output.
func (c Credentials) GoString() string {
	return fmt.Sprintf("mailer.Credentials{Username:%q, Secret:\"[redacted]\"}", c.Username)
}

func (c Credentials) validate() error {
	var err error
	if c.Username == "" {
		err = multierr.Append(err, errors.New("username is required"))
	}
	if c.Secret == "" {
		err = multierr.Append(err, errors.New("secret is required"))
	}
	return err
}

// Send delivers msg through the server described by params, authenticating
// with creds. It returns nil on success and an *Error otherwise.
//
// Input is validated before any network I/O. Nothing is retried. The
// connection is closed on every return path; cancelling ctx closes it
// early and yields a ConnectionError.
func Send(ctx context.Context, params Params, creds Credentials, msg *email.Message) error {
	if err := validate(params, creds, msg); err != nil {
		return newError(ValidationError, err)
	}

	data, err := msg.Bytes()
	if err != nil {
		return newError(ValidationError, err)
	}

	ctx, cancel := context.WithTimeout(ctx, params.timeout())
	defer cancel()

	conn, err := dial(ctx, params)
	if err != nil {
		return newError(ConnectionError, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return newError(ConnectionError, err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if e := transact(conn, params, creds, msg, data); e != nil {
		if e.Code == 0 && ctx.Err() != nil {
			return newError(ConnectionError, fmt.Errorf("%w: %v", ctx.Err(), e.Err))
		}
		return e
	}
	return nil
}

func validate(params Params, creds Credentials, msg *email.Message) error {
	err := multierr.Combine(params.validate(), creds.validate())
	if msg == nil {
		return multierr.Append(err, errors.New("message is required"))
	}
	return multierr.Append(err, msg.Validate())
}

// dial opens the TCP connection and, for ImplicitTLS, completes the TLS
// handshake.
func dial(ctx context.Context, params Params) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", params.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", params.Addr(), err)
	}

	if params.Security != ImplicitTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, params.tlsConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", params.Addr(), err)
	}
	return tlsConn, nil
}

// transact runs the SMTP dialogue on an open connection.
func transact(conn net.Conn, params Params, creds Credentials, msg *email.Message, data []byte) *Error {
	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(params.localName()); err != nil {
		return replyError(ConnectionError, fmt.Errorf("EHLO failed: %w", err))
	}

	if params.Security == StartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return newError(TLSUnavailable, fmt.Errorf("%s does not advertise STARTTLS", params.Addr()))
		}
		if err := c.StartTLS(params.tlsConfig()); err != nil {
			return replyError(TLSUnavailable, fmt.Errorf("STARTTLS failed: %w", err))
		}
	}

	ok, mechanisms := c.Extension("AUTH")
	if !ok {
		return newError(AuthenticationError, fmt.Errorf("%s does not offer AUTH", params.Addr()))
	}
	auth, err := saslClient(mechanisms, creds)
	if err != nil {
		return newError(AuthenticationError, err)
	}
	if err := c.Auth(auth); err != nil {
		return replyError(AuthenticationError, fmt.Errorf("AUTH failed: %w", err))
	}

	if err := c.SendMail(msg.From, msg.To, bytes.NewReader(data)); err != nil {
		return replyError(DeliveryRejected, fmt.Errorf("delivery failed: %w", err))
	}

	// The message is accepted at this point; a failed QUIT does not undo it.
	_ = c.Quit()
	return nil
}

// saslClient picks PLAIN when offered, falling back to LOGIN.
func saslClient(mechanisms string, creds Credentials) (sasl.Client, error) {
	offered := strings.Fields(strings.ToUpper(mechanisms))
	switch {
	case slices.Contains(offered, sasl.Plain):
		return sasl.NewPlainClient("", creds.Username, creds.Secret), nil
	case slices.Contains(offered, sasl.Login):
		return sasl.NewLoginClient(creds.Username, creds.Secret), nil
	default:
		return nil, fmt.Errorf("no supported AUTH mechanism in %q", mechanisms)
	}
}
