// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package config

import (
	"fmt"
	"strings"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

var configFile = altsrc.StringSourcer("config.toml")

// MailQueue is the queue consumed by the mail sender.
const MailQueue = "mails.queue"

type Config struct { //nolint:govet // fieldalignment not critical for config structs
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	TLS      TLSConfig
	Auth     AuthConfig
	SMTP     SMTPConfig
	Mail     MailConfig
	Queue    QueueConfig
}

type TLSConfig struct {
	Mode     string // off, manual, acme
	CertDir  string // ACME certificate cache
	Email    string // ACME email for Let's Encrypt
	CertFile string // Path to certificate file (manual mode)
	KeyFile  string // Path to private key file (manual mode)
}

type ServerConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Host            string
	Port            int
	BaseURL         string
	MaxBodySize     int // in MB
	ShutdownTimeout time.Duration
	CORSEnabled     bool
	CORSOrigins     []string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

type DatabaseConfig struct {
	DSN string
}

type AuthConfig struct { //nolint:govet // fieldalignment not critical for config structs
	JWTSecret           string
	TokenIssuer         string
	TokenLifetime       time.Duration
	TokenLeeway         time.Duration
	ResetTokenTTL       time.Duration
	RegistrationEnabled bool
}

// IsRegistrationEnabled reports whether new accounts may be created.
func (c *AuthConfig) IsRegistrationEnabled() bool {
	return c == nil || c.RegistrationEnabled
}

type SMTPConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	TLS      bool
}

// Enabled reports whether an SMTP relay is configured.
func (c *SMTPConfig) Enabled() bool {
	return c.Host != ""
}

type MailConfig struct { //nolint:govet // fieldalignment not critical for config structs
	TemplateDir       string // overrides for the embedded message catalog
	ResetURL          string // link target for reset mails, token is appended
	ConfirmURL        string // link target for confirmation mails, code is appended
	ListenersDisabled bool
}

type QueueConfig struct { //nolint:govet // fieldalignment not critical for config structs
	EmbeddedWorker bool
	Concurrency    int
	PollInterval   time.Duration
	LeaseTTL       time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	RetryMaxDelay  time.Duration
	EnqueueTimeout time.Duration
}

func NewFromCLI(cmd *cli.Command) *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:            cmd.String("host"),
			Port:            int(cmd.Int("port")),
			BaseURL:         cmd.String("base-url"),
			MaxBodySize:     int(cmd.Int("max-body-size")),
			ShutdownTimeout: cmd.Duration("shutdown-timeout"),
			CORSEnabled:     cmd.Bool("cors-enabled"),
			CORSOrigins:     cmd.StringSlice("cors-allow-origins"),
		},
		Log: LogConfig{
			Level:  cmd.String("log-level"),
			Format: cmd.String("log-format"),
		},
		Database: DatabaseConfig{
			DSN: cmd.String("database-dsn"),
		},
		TLS: TLSConfig{
			Mode:     cmd.String("tls-mode"),
			CertDir:  cmd.String("tls-cert-dir"),
			Email:    cmd.String("tls-email"),
			CertFile: cmd.String("tls-cert-file"),
			KeyFile:  cmd.String("tls-key-file"),
		},
		Auth: AuthConfig{
			JWTSecret:           cmd.String("jwt-secret"),
			TokenIssuer:         cmd.String("jwt-issuer"),
			TokenLifetime:       cmd.Duration("jwt-lifetime"),
			TokenLeeway:         cmd.Duration("jwt-leeway"),
			ResetTokenTTL:       cmd.Duration("reset-token-ttl"),
			RegistrationEnabled: cmd.Bool("registration-enabled"),
		},
		SMTP: SMTPConfig{
			Host:     cmd.String("smtp-host"),
			Port:     int(cmd.Int("smtp-port")),
			Username: cmd.String("smtp-username"),
			Password: cmd.String("smtp-password"),
			From:     cmd.String("smtp-from"),
			FromName: cmd.String("smtp-from-name"),
			TLS:      cmd.Bool("smtp-tls"),
		},
		Mail: MailConfig{
			TemplateDir:       cmd.String("mail-template-dir"),
			ResetURL:          cmd.String("mail-reset-url"),
			ConfirmURL:        cmd.String("mail-confirm-url"),
			ListenersDisabled: cmd.Bool("mail-listeners-disabled"),
		},
		Queue: QueueConfig{
			EmbeddedWorker: cmd.Bool("queue-embedded-worker"),
			Concurrency:    int(cmd.Int("queue-concurrency")),
			PollInterval:   cmd.Duration("queue-poll-interval"),
			LeaseTTL:       cmd.Duration("queue-lease-ttl"),
			MaxAttempts:    int(cmd.Int("queue-max-attempts")),
			RetryBackoff:   cmd.Duration("queue-retry-backoff"),
			RetryMaxDelay:  cmd.Duration("queue-retry-max-delay"),
			EnqueueTimeout: cmd.Duration("queue-enqueue-timeout"),
		},
	}

	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = buildBaseURL(cfg)
	}

	applyMailDefaults(cfg)

	return cfg
}

// applyMailDefaults derives mail link targets from the resolved BaseURL.
func applyMailDefaults(cfg *Config) {
	base := strings.TrimSuffix(cfg.Server.BaseURL, "/")
	if cfg.Mail.ResetURL == "" {
		cfg.Mail.ResetURL = base + "/auth/reset-password/"
	}
	if cfg.Mail.ConfirmURL == "" {
		cfg.Mail.ConfirmURL = base + "/auth/confirm-email/"
	}
}

func buildBaseURL(cfg *Config) string {
	host := cfg.Server.Host
	port := cfg.Server.Port
	mode := strings.ToLower(cfg.TLS.Mode)

	scheme := "http"
	if shouldUseTLS(mode) {
		scheme = "https"
	}

	// ACME mode always uses port 443
	if mode == "acme" {
		return fmt.Sprintf("https://%s", host)
	}

	// Hide default ports in URL
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

func shouldUseTLS(mode string) bool {
	switch mode {
	case "acme", "manual":
		return true
	default:
		return false
	}
}

// IsLocalhost checks if the host is a localhost address.
func IsLocalhost(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	// Check for *.localhost subdomains (e.g., app.localhost)
	return strings.HasSuffix(host, ".localhost")
}

func sources(env, key string) cli.ValueSourceChain {
	return cli.NewValueSourceChain(cli.EnvVar(env), toml.TOML(key, configFile))
}

func Flags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Value:   "localhost",
			Usage:   "Host to bind to",
			Sources: sources("HOST", "server.host"),
		},
		&cli.IntFlag{
			Name:    "port",
			Value:   8080,
			Usage:   "Port to listen on",
			Sources: sources("PORT", "server.port"),
		},
		&cli.StringFlag{
			Name:    "base-url",
			Usage:   "Base URL for the application",
			Sources: sources("BASE_URL", "server.base_url"),
		},
		&cli.IntFlag{
			Name:    "max-body-size",
			Value:   1,
			Usage:   "Maximum request body size in MB",
			Sources: sources("MAX_BODY_SIZE", "server.max_body_size"),
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Value:   10 * time.Second,
			Usage:   "Grace period for in-flight requests, event handlers and jobs",
			Sources: sources("SHUTDOWN_TIMEOUT", "server.shutdown_timeout"),
		},
		&cli.BoolFlag{
			Name:    "cors-enabled",
			Value:   true,
			Usage:   "Answer cross-origin requests and preflights",
			Sources: sources("CORS_ENABLED", "server.cors_enabled"),
		},
		&cli.StringSliceFlag{
			Name:    "cors-allow-origins",
			Value:   []string{"*"},
			Usage:   "Origins allowed to call the API",
			Sources: sources("CORS_ALLOW_ORIGINS", "server.cors_allow_origins"),
		},
		&cli.StringFlag{
			Name:    "tls-mode",
			Value:   "off",
			Usage:   "TLS mode (off, manual, acme)",
			Sources: sources("TLS_MODE", "tls.mode"),
		},
		&cli.StringFlag{
			Name:    "tls-cert-dir",
			Value:   "./data/certs",
			Usage:   "Directory for ACME certificates",
			Sources: sources("TLS_CERT_DIR", "tls.cert_dir"),
		},
		&cli.StringFlag{
			Name:    "tls-email",
			Usage:   "Email for ACME/Let's Encrypt registration",
			Sources: sources("TLS_EMAIL", "tls.email"),
		},
		&cli.StringFlag{
			Name:    "tls-cert-file",
			Usage:   "Path to TLS certificate file (manual mode)",
			Sources: sources("TLS_CERT_FILE", "tls.cert_file"),
		},
		&cli.StringFlag{
			Name:    "tls-key-file",
			Usage:   "Path to TLS private key file (manual mode)",
			Sources: sources("TLS_KEY_FILE", "tls.key_file"),
		},
		// Auth flags
		&cli.StringFlag{
			Name:    "jwt-secret",
			Usage:   "HS256 signing secret, at least 32 bytes (random per process if empty)",
			Sources: sources("JWT_SECRET", "auth.jwt_secret"),
		},
		&cli.StringFlag{
			Name:    "jwt-issuer",
			Value:   "kopter",
			Usage:   "Issuer claim of access tokens",
			Sources: sources("JWT_ISSUER", "auth.jwt_issuer"),
		},
		&cli.DurationFlag{
			Name:    "jwt-lifetime",
			Value:   24 * time.Hour,
			Usage:   "Access token lifetime",
			Sources: sources("JWT_LIFETIME", "auth.jwt_lifetime"),
		},
		&cli.DurationFlag{
			Name:    "jwt-leeway",
			Value:   30 * time.Second,
			Usage:   "Allowed clock skew when verifying access tokens",
			Sources: sources("JWT_LEEWAY", "auth.jwt_leeway"),
		},
		&cli.DurationFlag{
			Name:    "reset-token-ttl",
			Value:   10 * time.Minute,
			Usage:   "Password reset token lifetime",
			Sources: sources("RESET_TOKEN_TTL", "auth.reset_token_ttl"),
		},
		&cli.BoolFlag{
			Name:    "registration-enabled",
			Value:   true,
			Usage:   "Allow new accounts to register",
			Sources: sources("REGISTRATION_ENABLED", "auth.registration_enabled"),
		},
	}

	flags = append(flags, logFlags()...)
	flags = append(flags, DatabaseFlags()...)
	flags = append(flags, smtpFlags()...)
	flags = append(flags, mailFlags()...)
	return append(flags, QueueFlags()...)
}

func logFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: sources("LOG_LEVEL", "log.level"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "text",
			Usage:   "Log format (text, json)",
			Sources: sources("LOG_FORMAT", "log.format"),
		},
	}
}

// DatabaseFlags are shared by every command that touches the database.
func DatabaseFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-dsn",
			Value:   "./data/kopter.db",
			Usage:   "Database DSN",
			Sources: sources("DATABASE_DSN", "database.dsn"),
		},
	}
}

func smtpFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "smtp-host",
			Usage:   "SMTP relay host (mails are logged when empty)",
			Sources: sources("SMTP_HOST", "smtp.host"),
		},
		&cli.IntFlag{
			Name:    "smtp-port",
			Value:   587,
			Usage:   "SMTP relay port",
			Sources: sources("SMTP_PORT", "smtp.port"),
		},
		&cli.StringFlag{
			Name:    "smtp-username",
			Usage:   "SMTP username",
			Sources: sources("SMTP_USERNAME", "smtp.username"),
		},
		&cli.StringFlag{
			Name:    "smtp-password",
			Usage:   "SMTP password",
			Sources: sources("SMTP_PASSWORD", "smtp.password"),
		},
		&cli.StringFlag{
			Name:    "smtp-from",
			Value:   "noreply@localhost",
			Usage:   "Sender address",
			Sources: sources("SMTP_FROM", "smtp.from"),
		},
		&cli.StringFlag{
			Name:    "smtp-from-name",
			Usage:   "Sender display name",
			Sources: sources("SMTP_FROM_NAME", "smtp.from_name"),
		},
		&cli.BoolFlag{
			Name:    "smtp-tls",
			Value:   true,
			Usage:   "Require TLS for the SMTP connection",
			Sources: sources("SMTP_TLS", "smtp.tls"),
		},
	}
}

func mailFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "mail-template-dir",
			Usage:   "Directory with message catalog overrides (active.<lang>.toml)",
			Sources: sources("MAIL_TEMPLATE_DIR", "mail.template_dir"),
		},
		&cli.StringFlag{
			Name:    "mail-reset-url",
			Usage:   "Reset link prefix, defaults to <base-url>/auth/reset-password/",
			Sources: sources("MAIL_RESET_URL", "mail.reset_url"),
		},
		&cli.StringFlag{
			Name:    "mail-confirm-url",
			Usage:   "Confirmation link prefix, defaults to <base-url>/auth/confirm-email/",
			Sources: sources("MAIL_CONFIRM_URL", "mail.confirm_url"),
		},
		&cli.BoolFlag{
			Name:    "mail-listeners-disabled",
			Usage:   "Do not enqueue mails for lifecycle events",
			Sources: sources("MAIL_LISTENERS_DISABLED", "mail.listeners_disabled"),
		},
	}
}

// QueueFlags configure the job queue and its workers.
func QueueFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "queue-embedded-worker",
			Value:   true,
			Usage:   "Run the mail worker inside the server process",
			Sources: sources("QUEUE_EMBEDDED_WORKER", "queue.embedded_worker"),
		},
		&cli.IntFlag{
			Name:    "queue-concurrency",
			Value:   4,
			Usage:   "Jobs leased per queue and poll",
			Sources: sources("QUEUE_CONCURRENCY", "queue.concurrency"),
		},
		&cli.DurationFlag{
			Name:    "queue-poll-interval",
			Value:   2 * time.Second,
			Usage:   "Interval between polls for due jobs",
			Sources: sources("QUEUE_POLL_INTERVAL", "queue.poll_interval"),
		},
		&cli.DurationFlag{
			Name:    "queue-lease-ttl",
			Value:   30 * time.Second,
			Usage:   "How long a leased job is hidden from other workers",
			Sources: sources("QUEUE_LEASE_TTL", "queue.lease_ttl"),
		},
		&cli.IntFlag{
			Name:    "queue-max-attempts",
			Value:   8,
			Usage:   "Attempts before a job is dead-lettered",
			Sources: sources("QUEUE_MAX_ATTEMPTS", "queue.max_attempts"),
		},
		&cli.DurationFlag{
			Name:    "queue-retry-backoff",
			Value:   5 * time.Second,
			Usage:   "Delay before the first retry, doubled per attempt",
			Sources: sources("QUEUE_RETRY_BACKOFF", "queue.retry_backoff"),
		},
		&cli.DurationFlag{
			Name:    "queue-retry-max-delay",
			Value:   5 * time.Minute,
			Usage:   "Upper bound of the retry delay",
			Sources: sources("QUEUE_RETRY_MAX_DELAY", "queue.retry_max_delay"),
		},
		&cli.DurationFlag{
			Name:    "queue-enqueue-timeout",
			Value:   5 * time.Second,
			Usage:   "Timeout for writing a job",
			Sources: sources("QUEUE_ENQUEUE_TIMEOUT", "queue.enqueue_timeout"),
		},
	}
}
