// Package config provides environment-variable-first configuration loading
// with optional YAML file and .env fallbacks for the SMTP probe.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-probe/internal/email"
	"github.com/shineum/smtp-probe/internal/mailer"
	smtptls "github.com/shineum/smtp-probe/internal/tls"
)

const (
	defaultPort       = 587
	defaultSinkListen = "127.0.0.1:2525"
	defaultEnvFile    = ".env"
)

// Provider names accepted in PROVIDER.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	TLS      TLSConfig     `yaml:"tls"`
	SES      SESConfig     `yaml:"ses"`
	Sink     SinkConfig    `yaml:"sink"`
	Retry    RetryConfig   `yaml:"retry"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds the relay the probe sends through.
type SMTPConfig struct {
	Server   string        `yaml:"server"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Security string        `yaml:"security"`
	Timeout  time.Duration `yaml:"timeout"`
	From     string        `yaml:"from"`
	To       []string      `yaml:"to"`
	Helo     string        `yaml:"helo"`
}

// TLSConfig holds client verification settings and the sink's certificate.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// SinkConfig holds the local test server configuration.
type SinkConfig struct {
	Listen   string `yaml:"listen"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RetryConfig holds the caller-side retry policy.
type RetryConfig struct {
	Attempts int `yaml:"attempts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadEnvFile loads variables from a dotenv file without overriding ones
// already set in the environment. An empty path means ".env", which may be
// absent; an explicit path must exist.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(defaultEnvFile); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// Sender returns the envelope sender: SMTP_FROM, else the account name.
func (c *Config) Sender() string {
	if c.SMTP.From != "" {
		return c.SMTP.From
	}
	return c.SMTP.Username
}

// Recipients returns SMTP_TO, else the account itself.
func (c *Config) Recipients() []string {
	if len(c.SMTP.To) > 0 {
		return c.SMTP.To
	}
	if c.SMTP.Username == "" {
		return nil
	}
	return []string{c.SMTP.Username}
}

// Credentials returns the account used for AUTH.
func (c *Config) Credentials() mailer.Credentials {
	return mailer.Credentials{Username: c.SMTP.Username, Secret: c.SMTP.Password}
}

// MailerParams builds the connection parameters for the SMTP provider.
func (c *Config) MailerParams() (mailer.Params, error) {
	security, err := mailer.ParseSecurity(c.SMTP.Security)
	if err != nil {
		return mailer.Params{}, err
	}

	tlsConfig, err := smtptls.ClientConfig(smtptls.ClientOptions{
		ServerName:         c.SMTP.Server,
		CAFile:             c.TLS.CAFile,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	})
	if err != nil {
		return mailer.Params{}, err
	}

	return mailer.Params{
		Host:      c.SMTP.Server,
		Port:      c.SMTP.Port,
		Security:  security,
		Timeout:   c.SMTP.Timeout,
		TLSConfig: tlsConfig,
		LocalName: c.SMTP.Helo,
	}, nil
}

// Validate checks the settings needed by the selected provider. Every
// problem is reported.
func (c *Config) Validate() error {
	var err error

	switch c.Provider {
	case ProviderSMTP:
		if c.SMTP.Server == "" {
			err = multierr.Append(err, errors.New("SMTP_SERVER is required"))
		}
		if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
			err = multierr.Append(err, fmt.Errorf("SMTP_PORT %d out of range 1-65535", c.SMTP.Port))
		}
		if !c.AuthEnabled() {
			err = multierr.Append(err, errors.New("SMTP_USERNAME and SMTP_PASSWORD are required"))
		}
		if _, perr := mailer.ParseSecurity(c.SMTP.Security); perr != nil {
			err = multierr.Append(err, fmt.Errorf("SMTP_SECURITY: %w", perr))
		}
		if c.SMTP.Timeout < 0 {
			err = multierr.Append(err, fmt.Errorf("SMTP_TIMEOUT %s is negative", c.SMTP.Timeout))
		}
	case ProviderSES:
		if c.SES.Region == "" {
			err = multierr.Append(err, errors.New("SES_REGION is required"))
		}
	case ProviderStdout:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if sender := c.Sender(); sender == "" {
		err = multierr.Append(err, errors.New("SMTP_FROM or SMTP_USERNAME is required"))
	} else if aerr := email.ValidateAddress(sender); aerr != nil {
		err = multierr.Append(err, fmt.Errorf("sender: %w", aerr))
	}
	if len(c.Recipients()) == 0 {
		err = multierr.Append(err, errors.New("SMTP_TO or SMTP_USERNAME is required"))
	}
	if c.Retry.Attempts < 0 {
		err = multierr.Append(err, fmt.Errorf("RETRY_ATTEMPTS %d is negative", c.Retry.Attempts))
	}

	return err
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderSMTP
	c.SMTP.Port = defaultPort
	c.SMTP.Security = mailer.StartTLS.String()
	c.SMTP.Timeout = mailer.DefaultTimeout
	c.Sink.Listen = defaultSinkListen
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values. Values
// that fail to parse are reported together.
func (c *Config) applyEnvVars() error {
	var err error

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString("SMTP_SERVER", &c.SMTP.Server)
	setInt("SMTP_PORT", &c.SMTP.Port)
	setString("SMTP_USERNAME", &c.SMTP.Username)
	setString("SMTP_PASSWORD", &c.SMTP.Password)
	setString("SMTP_SECURITY", &c.SMTP.Security)
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("SMTP_TIMEOUT: invalid duration %q", v))
		} else {
			c.SMTP.Timeout = d
		}
	}
	setString("SMTP_FROM", &c.SMTP.From)
	if v := os.Getenv("SMTP_TO"); v != "" {
		c.SMTP.To = splitList(v)
	}
	setString("SMTP_HELO", &c.SMTP.Helo)

	setString("TLS_CA_FILE", &c.TLS.CAFile)
	setBool("TLS_INSECURE_SKIP_VERIFY", &c.TLS.InsecureSkipVerify)
	setString("TLS_CERT_FILE", &c.TLS.CertFile)
	setString("TLS_KEY_FILE", &c.TLS.KeyFile)

	setString("SES_REGION", &c.SES.Region)
	setString("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	setString("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)

	setString("SINK_LISTEN", &c.Sink.Listen)
	setString("SINK_USERNAME", &c.Sink.Username)
	setString("SINK_PASSWORD", &c.Sink.Password)

	setInt("RETRY_ATTEMPTS", &c.Retry.Attempts)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return err
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
