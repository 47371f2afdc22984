package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shineum/smtp-probe/internal/config"
	"github.com/shineum/smtp-probe/internal/provider/stdout"
	"github.com/shineum/smtp-probe/internal/smtptest"
	smtptls "github.com/shineum/smtp-probe/internal/tls"
)

func newSinkCmd(a *app) *cobra.Command {
	var implicitTLS bool

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a local SMTP server that prints every message it accepts",
		Long: `Run a local SMTP server for trying the probe without a real relay.

The server offers STARTTLS (or implicit TLS with --implicit-tls), requires
AUTH and prints each accepted message. TLS_CERT_FILE and TLS_KEY_FILE select
the certificate; a self-signed one is generated otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, err := newSink(a.cfg, implicitTLS, a.log, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Blocks until a signal arrives.
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().BoolVar(&implicitTLS, "implicit-tls", false, "wrap the listener in TLS instead of offering STARTTLS")
	return cmd
}

// newSink builds the sink server without starting it.
func newSink(cfg *config.Config, implicitTLS bool, log *zap.SugaredLogger, out io.Writer) (*smtptest.Server, error) {
	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to setup TLS: %w", err)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}
	log.Infow("starting sink",
		"listen", cfg.Sink.Listen,
		"tls_mode", tlsMode,
		"implicit_tls", implicitTLS,
		"auth_account", cfg.Sink.Username != "" && cfg.Sink.Password != "",
	)

	printer := stdout.NewWithWriter(out)
	return smtptest.New(smtptest.Config{
		ListenAddr:  cfg.Sink.Listen,
		Hostname:    "localhost",
		TLSConfig:   tlsConfig,
		ImplicitTLS: implicitTLS,
		Username:    cfg.Sink.Username,
		Password:    cfg.Sink.Password,
		Logger:      log,
		OnMessage: func(env smtptest.Envelope) {
			if env.Message == nil {
				log.Warnw("accepted message could not be parsed",
					"from", env.From,
					"recipients", len(env.To),
					"size", len(env.Data),
				)
				return
			}
			printer.Print(env.Message)
		},
	}), nil
}
