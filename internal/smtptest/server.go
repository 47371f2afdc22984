// Package smtptest implements a cooperating SMTP server that accepts mail
// over STARTTLS or implicit TLS, requires AUTH and records every accepted
// envelope. It backs the probe's tests and the sink command.
package smtptest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/shineum/smtp-probe/internal/email"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// sessionTimeout bounds reads and writes on a client connection.
const sessionTimeout = 60 * time.Second

// maxMessageSize is the largest DATA payload accepted (10 MB).
const maxMessageSize = 10 * 1024 * 1024

// Config holds the configuration for a Server.
type Config struct {
	// ListenAddr is the address to listen on. Defaults to "127.0.0.1:0".
	ListenAddr string

	// Hostname is the server name used in the greeting and EHLO reply.
	Hostname string

	// TLSConfig enables STARTTLS, or wraps the listener when ImplicitTLS
	// is set. If nil, the server speaks plaintext only.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	// AllowInsecureAuth offers AUTH before the channel is encrypted.
	AllowInsecureAuth bool

	// Username and Password configure AUTH. If either is empty, any
	// credentials are accepted but AUTH is still required.
	Username string
	Password string

	// RejectSenders and RejectRecipients list addresses refused with 550.
	RejectSenders    []string
	RejectRecipients []string

	// OnMessage, if set, is called for every accepted envelope.
	OnMessage func(Envelope)

	// Logger receives session events. Defaults to a no-op logger.
	Logger *zap.SugaredLogger
}

// Envelope is one accepted mail transaction.
type Envelope struct {
	// Username is the authenticated identity.
	Username string
	From     string
	To       []string
	Data     []byte
	// Message is the parsed Data, nil if it could not be parsed.
	Message *email.Message
	// TLS reports whether the transaction ran over an encrypted channel.
	TLS bool
}

// Server is an SMTP server that accepts connections and records envelopes.
type Server struct {
	config Config
	auth   *Authenticator
	log    *zap.SugaredLogger
	smtp   *smtp.Server

	mu        sync.Mutex
	listener  net.Listener
	envelopes []Envelope
	closed    bool

	// wg tracks the serve goroutine for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new Server with the given configuration.
func New(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	s := &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.Username, cfg.Password),
		log:    cfg.Logger,
	}

	srv := smtp.NewServer(&backend{server: s})
	srv.Domain = cfg.Hostname
	srv.ReadTimeout = sessionTimeout
	srv.WriteTimeout = sessionTimeout
	srv.MaxMessageBytes = maxMessageSize
	srv.MaxRecipients = 100
	srv.AllowInsecureAuth = cfg.AllowInsecureAuth
	srv.ErrorLog = zap.NewStdLog(cfg.Logger.Desugar())
	if !cfg.ImplicitTLS {
		srv.TLSConfig = cfg.TLSConfig
	}
	s.smtp = srv

	return s
}

// Start binds the listener and serves in the background. It returns once
// the server is accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	if s.config.ImplicitTLS {
		if s.config.TLSConfig == nil {
			ln.Close()
			return errors.New("implicit TLS requires a TLS configuration")
		}
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Infow("SMTP server listening",
		"addr", ln.Addr().String(),
		"implicit_tls", s.config.ImplicitTLS,
		"starttls", !s.config.ImplicitTLS && s.config.TLSConfig != nil,
		"auth_account", s.auth.Enabled(),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.smtp.Serve(ln); err != nil && !s.isClosed() {
			s.log.Errorw("serve error", "error", err)
		}
	}()

	return nil
}

// ListenAndServe starts the server and blocks until the context is cancelled,
// then shuts down and waits up to 30 seconds for the serve loop to exit.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	s.log.Infow("shutting down SMTP server")
	return s.Close()
}

// Close stops the listener, drops open sessions and waits for the serve
// loop to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	err := s.smtp.Close()
	if ln != nil {
		// Serve may not have registered the listener yet.
		ln.Close()
	}
	s.waitForServe()
	return err
}

// waitForServe waits for the serve goroutine, with a maximum timeout to
// prevent indefinite blocking.
func (s *Server) waitForServe() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Infow("SMTP server stopped")
	case <-time.After(shutdownTimeout):
		s.log.Warnw("shutdown timeout reached, forcing close")
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// HostPort splits Addr into host and numeric port.
func (s *Server) HostPort() (string, int) {
	host, portStr, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0
	}
	return host, port
}

// Envelopes returns a copy of every accepted envelope, oldest first.
func (s *Server) Envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.envelopes))
	copy(out, s.envelopes)
	return out
}

func (s *Server) record(env Envelope) {
	s.mu.Lock()
	s.envelopes = append(s.envelopes, env)
	s.mu.Unlock()

	if s.config.OnMessage != nil {
		s.config.OnMessage(env)
	}
}

func (s *Server) rejectsSender(addr string) bool {
	return containsFold(s.config.RejectSenders, addr)
}

func (s *Server) rejectsRecipient(addr string) bool {
	return containsFold(s.config.RejectRecipients, addr)
}

func containsFold(list []string, addr string) bool {
	for _, v := range list {
		if strings.EqualFold(v, addr) {
			return true
		}
	}
	return false
}

// backend adapts Server to the go-smtp Backend interface.
type backend struct {
	server *Server
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	_, isTLS := c.TLSConnectionState()
	b.server.log.Debugw("session opened",
		"remote", c.Conn().RemoteAddr().String(),
		"tls", isTLS,
	)
	return &session{server: b.server, conn: c}, nil
}
