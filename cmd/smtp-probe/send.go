package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shineum/smtp-probe/internal/config"
	"github.com/shineum/smtp-probe/internal/email"
	"github.com/shineum/smtp-probe/internal/mailer"
	"github.com/shineum/smtp-probe/internal/provider"
	"github.com/shineum/smtp-probe/internal/provider/ses"
	smtpprovider "github.com/shineum/smtp-probe/internal/provider/smtp"
	"github.com/shineum/smtp-probe/internal/provider/stdout"
)

const (
	defaultSubject = "Test Email from smtp-probe"
	defaultBody    = "This is a test email sent from smtp-probe."

	initialRetryInterval = time.Second
	maxRetryInterval     = 30 * time.Second
)

// errReported marks failures already printed for the user.
var errReported = errors.New("reported")

type sendOptions struct {
	to       []string
	subject  string
	body     string
	provider string
	retries  int
}

func newSendCmd(a *app) *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one test email and report the outcome",
		Long: `Send one test email through the configured provider.

With no flags the message goes from the SMTP account to itself. Temporary
failures (connection problems and 4xx replies) are retried with exponential
backoff when --retries is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if len(opts.to) > 0 {
				cfg.SMTP.To = opts.to
			}
			if opts.provider != "" {
				cfg.Provider = opts.provider
			}
			if cmd.Flags().Changed("retries") {
				cfg.Retry.Attempts = opts.retries
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runSend(ctx, cfg, opts, a.log, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringSliceVar(&opts.to, "to", nil, "recipient addresses (default SMTP_TO, else the account)")
	cmd.Flags().StringVar(&opts.subject, "subject", defaultSubject, "message subject")
	cmd.Flags().StringVar(&opts.body, "body", defaultBody, "plain text body")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "override PROVIDER (smtp, ses, stdout)")
	cmd.Flags().IntVar(&opts.retries, "retries", 0, "retries for temporary failures (default RETRY_ATTEMPTS)")

	return cmd
}

// runSend validates cfg, sends the test message and prints a one-line
// result to out.
func runSend(ctx context.Context, cfg *config.Config, opts *sendOptions, log *zap.SugaredLogger, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Failed to send email: invalid configuration: %v\n", err)
		return fmt.Errorf("%w: %w", errReported, err)
	}

	p, err := selectProvider(ctx, cfg, out)
	if err != nil {
		fmt.Fprintf(out, "Failed to send email: %v\n", err)
		return fmt.Errorf("%w: %w", errReported, err)
	}

	msg := &email.Message{
		From:     cfg.Sender(),
		To:       cfg.Recipients(),
		Subject:  opts.subject,
		TextBody: opts.body,
	}

	log.Infow("sending test email",
		"provider", p.Name(),
		"from", msg.From,
		"recipients", len(msg.To),
		"retries", cfg.Retry.Attempts,
	)

	start := time.Now()
	err = deliver(ctx, p, msg, retryPolicy(cfg.Retry.Attempts, initialRetryInterval), log)
	if err != nil {
		log.Errorw("email send failed",
			"provider", p.Name(),
			"kind", mailer.KindOf(err).String(),
			"temporary", mailer.IsTemporary(err),
			"error", err,
		)
		fmt.Fprintf(out, "Failed to send email: %v\n", err)
		return fmt.Errorf("%w: %w", errReported, err)
	}

	log.Infow("email sent", "provider", p.Name(), "elapsed", time.Since(start).String())
	fmt.Fprintln(out, "Email sent successfully")
	return nil
}

// selectProvider builds the delivery backend named by cfg.Provider.
func selectProvider(ctx context.Context, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		params, err := cfg.MailerParams()
		if err != nil {
			return nil, err
		}
		return smtpprovider.New(params, cfg.Credentials()), nil

	case config.ProviderSES:
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderStdout:
		return stdout.NewWithWriter(out), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// retryPolicy allows attempts retries after the first try, starting at
// initial and doubling up to maxRetryInterval.
func retryPolicy(attempts int, initial time.Duration) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.MaxInterval = maxRetryInterval
	eb.MaxElapsedTime = 0
	return backoff.WithMaxRetries(eb, uint64(max(attempts, 0)))
}

// deliver sends msg through p, retrying temporary failures under b. A
// permanent failure stops immediately and is returned unchanged. The result
// is always nil or a *mailer.Error.
func deliver(ctx context.Context, p provider.Provider, msg *email.Message, b backoff.BackOff, log *zap.SugaredLogger) error {
	attempt := 0
	op := func() error {
		attempt++
		err := p.Send(ctx, msg)
		if err != nil && !mailer.IsTemporary(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Warnw("temporary failure, retrying",
			"attempt", attempt,
			"kind", mailer.KindOf(err).String(),
			"wait", wait.String(),
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil && mailer.KindOf(err) == 0 {
		// Cancelled while waiting between attempts.
		return &mailer.Error{Kind: mailer.ConnectionError, Err: err}
	}
	return err
}
