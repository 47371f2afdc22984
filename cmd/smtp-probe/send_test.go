package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-probe/internal/config"
	"github.com/shineum/smtp-probe/internal/email"
	"github.com/shineum/smtp-probe/internal/mailer"
	"github.com/shineum/smtp-probe/internal/smtptest"
	smtptls "github.com/shineum/smtp-probe/internal/tls"
)

// scriptedProvider returns the queued results in order, then nil.
type scriptedProvider struct {
	mu      sync.Mutex
	results []error
	calls   int
	onSend  func()
}

func (p *scriptedProvider) Send(context.Context, *email.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.onSend != nil {
		p.onSend()
	}
	if len(p.results) == 0 {
		return nil
	}
	err := p.results[0]
	p.results = p.results[1:]
	return err
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var sampleMessage = &email.Message{
	From:     "me@example.com",
	To:       []string{"me@example.com"},
	Subject:  defaultSubject,
	TextBody: defaultBody,
}

func TestDeliver_RetriesTemporaryFailures(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{results: []error{
		&mailer.Error{Kind: mailer.ConnectionError},
		&mailer.Error{Kind: mailer.DeliveryRejected, Code: 451, Text: "try again later"},
	}}

	err := deliver(context.Background(), p, sampleMessage, retryPolicy(3, time.Millisecond), nopLogger())
	require.NoError(t, err)
	assert.Equal(t, 3, p.Calls())
}

func TestDeliver_PermanentFailureStops(t *testing.T) {
	t.Parallel()

	authErr := &mailer.Error{Kind: mailer.AuthenticationError, Code: 535, Text: "bad credentials"}
	p := &scriptedProvider{results: []error{authErr}}

	err := deliver(context.Background(), p, sampleMessage, retryPolicy(5, time.Millisecond), nopLogger())
	assert.Same(t, authErr, err)
	assert.Equal(t, 1, p.Calls())
}

func TestDeliver_GivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{results: []error{
		&mailer.Error{Kind: mailer.ConnectionError},
		&mailer.Error{Kind: mailer.ConnectionError},
		&mailer.Error{Kind: mailer.ConnectionError},
		&mailer.Error{Kind: mailer.ConnectionError},
	}}

	err := deliver(context.Background(), p, sampleMessage, retryPolicy(2, time.Millisecond), nopLogger())
	assert.Equal(t, mailer.ConnectionError, mailer.KindOf(err))
	assert.Equal(t, 3, p.Calls())
}

func TestDeliver_NoRetriesByDefault(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{results: []error{&mailer.Error{Kind: mailer.ConnectionError}}}

	err := deliver(context.Background(), p, sampleMessage, retryPolicy(0, time.Millisecond), nopLogger())
	assert.Equal(t, mailer.ConnectionError, mailer.KindOf(err))
	assert.Equal(t, 1, p.Calls())
}

func TestDeliver_CancelledBetweenAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &scriptedProvider{
		results: []error{&mailer.Error{Kind: mailer.ConnectionError}},
		onSend:  cancel,
	}

	err := deliver(ctx, p, sampleMessage, retryPolicy(5, time.Hour), nopLogger())
	assert.Equal(t, mailer.ConnectionError, mailer.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.Calls())
}

func TestRunSend_InvalidConfiguration(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cfg := &config.Config{Provider: config.ProviderSMTP}

	err := runSend(context.Background(), cfg, &sendOptions{subject: defaultSubject, body: defaultBody}, nopLogger(), &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, errReported)
	assert.Contains(t, out.String(), "Failed to send email: invalid configuration")
}

// relayConfig returns a configuration pointing at srv with the client
// trusting certFile.
func relayConfig(srv *smtptest.Server, certFile string) *config.Config {
	host, port := srv.HostPort()
	return &config.Config{
		Provider: config.ProviderSMTP,
		SMTP: config.SMTPConfig{
			Server:   host,
			Port:     port,
			Username: "probe@example.com",
			Password: "s3cret",
			Security: "starttls",
			Timeout:  5 * time.Second,
		},
		TLS: config.TLSConfig{CAFile: certFile},
	}
}

func startRelay(t *testing.T, certFile, keyFile string, cfg smtptest.Config) *smtptest.Server {
	t.Helper()

	tlsConfig, err := smtptls.LoadOrGenerateTLS(certFile, keyFile)
	require.NoError(t, err)

	cfg.TLSConfig = tlsConfig
	cfg.Username = "probe@example.com"
	cfg.Password = "s3cret"
	srv := smtptest.New(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestRunSend_ThroughRelay(t *testing.T) {
	t.Parallel()

	certFile, keyFile := writeCertFiles(t)
	srv := startRelay(t, certFile, keyFile, smtptest.Config{})

	var out bytes.Buffer
	cfg := relayConfig(srv, certFile)

	err := runSend(context.Background(), cfg, &sendOptions{subject: defaultSubject, body: defaultBody}, nopLogger(), &out)
	require.NoError(t, err)
	assert.Equal(t, "Email sent successfully\n", out.String())

	envelopes := srv.Envelopes()
	require.Len(t, envelopes, 1)
	env := envelopes[0]
	assert.Equal(t, "probe@example.com", env.From)
	assert.Equal(t, []string{"probe@example.com"}, env.To)
	assert.True(t, env.TLS)
	require.NotNil(t, env.Message)
	assert.Equal(t, defaultSubject, env.Message.Subject)
	assert.Equal(t, defaultBody, env.Message.TextBody)
}

func TestRunSend_RejectionIsNotRetried(t *testing.T) {
	t.Parallel()

	certFile, keyFile := writeCertFiles(t)
	srv := startRelay(t, certFile, keyFile, smtptest.Config{
		RejectRecipients: []string{"nobody@example.com"},
	})

	var out bytes.Buffer
	cfg := relayConfig(srv, certFile)
	cfg.SMTP.To = []string{"nobody@example.com"}
	cfg.Retry.Attempts = 3

	err := runSend(context.Background(), cfg, &sendOptions{subject: defaultSubject, body: defaultBody}, nopLogger(), &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, errReported)
	assert.Equal(t, mailer.DeliveryRejected, mailer.KindOf(err))
	assert.Contains(t, out.String(), "Failed to send email: DeliveryRejected")
	assert.Empty(t, srv.Envelopes())
}
