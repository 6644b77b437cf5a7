// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package config

import (
	"fmt"
	"net/mail"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

var configFile = altsrc.StringSourcer("config.toml")

type Config struct { //nolint:govet // fieldalignment not critical for config structs
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Mail     MailConfig
	Recovery RecoveryConfig
}

type ServerConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Host        string
	Port        int
	BaseURL     string
	MaxBodySize int // in MB
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

type DatabaseConfig struct {
	DSN string
}

// MailConfig selects and parameterizes the delivery transport. Transport is
// resolved once at startup; business logic never branches on it.
type MailConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Transport string // capture, smtp
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	FromName  string
	TLS       bool
}

type RecoveryConfig struct { //nolint:govet // fieldalignment not critical for config structs
	TokenTTL           time.Duration // validity window for recovery tokens
	AdminRecipients    []string      // audit notification recipients
	NotifyTimeout      time.Duration // budget for a single admin notification
	RateLimitPerMinute int           // admin notifications per source address
}

func NewFromCLI(cmd *cli.Command) *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:        cmd.String("host"),
			Port:        int(cmd.Int("port")),
			BaseURL:     cmd.String("base-url"),
			MaxBodySize: int(cmd.Int("max-body-size")),
		},
		Log: LogConfig{
			Level:  cmd.String("log-level"),
			Format: cmd.String("log-format"),
		},
		Database: DatabaseConfig{
			DSN: cmd.String("database-dsn"),
		},
		Mail: MailConfig{
			Transport: cmd.String("mail-transport"),
			Host:      cmd.String("mail-host"),
			Port:      int(cmd.Int("mail-port")),
			Username:  cmd.String("mail-username"),
			Password:  cmd.String("mail-password"),
			From:      cmd.String("mail-from"),
			FromName:  cmd.String("mail-from-name"),
			TLS:       cmd.Bool("mail-tls"),
		},
		Recovery: RecoveryConfig{
			TokenTTL:           cmd.Duration("token-ttl"),
			AdminRecipients:    cmd.StringSlice("admin-recipients"),
			NotifyTimeout:      cmd.Duration("notify-timeout"),
			RateLimitPerMinute: int(cmd.Int("notify-rate-limit")),
		},
	}

	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = buildBaseURL(cfg)
	}

	return cfg
}

// Validate checks configuration consistency at process start.
func (c *Config) Validate() error {
	switch c.Mail.Transport {
	case "capture":
	case "smtp":
		if c.Mail.Host == "" {
			return fmt.Errorf("mail transport %q requires a host", c.Mail.Transport)
		}
		if c.Mail.From == "" {
			return fmt.Errorf("mail transport %q requires a from address", c.Mail.Transport)
		}
	default:
		return fmt.Errorf("unknown mail transport %q (want capture or smtp)", c.Mail.Transport)
	}

	for _, addr := range c.Recovery.AdminRecipients {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("invalid admin recipient %q: %w", addr, err)
		}
	}

	if c.Recovery.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive, got %s", c.Recovery.TokenTTL)
	}

	return nil
}

func buildBaseURL(cfg *Config) string {
	host := cfg.Server.Host
	port := cfg.Server.Port

	if port == 80 {
		return fmt.Sprintf("http://%s", host)
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Value:   "localhost",
			Usage:   "Host to bind to",
			Sources: cli.NewValueSourceChain(cli.EnvVar("HOST"), toml.TOML("server.host", configFile)),
		},
		&cli.IntFlag{
			Name:    "port",
			Value:   8080,
			Usage:   "Port to listen on",
			Sources: cli.NewValueSourceChain(cli.EnvVar("PORT"), toml.TOML("server.port", configFile)),
		},
		&cli.StringFlag{
			Name:    "base-url",
			Usage:   "Base URL used in reset links",
			Sources: cli.NewValueSourceChain(cli.EnvVar("BASE_URL"), toml.TOML("server.base_url", configFile)),
		},
		&cli.IntFlag{
			Name:    "max-body-size",
			Value:   1,
			Usage:   "Maximum request body size in MB",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAX_BODY_SIZE"), toml.TOML("server.max_body_size", configFile)),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("LOG_LEVEL"), toml.TOML("log.level", configFile)),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "text",
			Usage:   "Log format (text, json)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("LOG_FORMAT"), toml.TOML("log.format", configFile)),
		},
		&cli.StringFlag{
			Name:    "database-dsn",
			Value:   "./data/recovery.db",
			Usage:   "Database DSN",
			Sources: cli.NewValueSourceChain(cli.EnvVar("DATABASE_DSN"), toml.TOML("database.dsn", configFile)),
		},
		&cli.StringFlag{
			Name:    "mail-transport",
			Value:   "capture",
			Usage:   "Outbound mail transport (capture, smtp)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAIL_TRANSPORT"), toml.TOML("mail.transport", configFile)),
		},
		&cli.StringFlag{
			Name:    "mail-host",
			Usage:   "SMTP host",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAIL_HOST"), toml.TOML("mail.host", configFile)),
		},
		&cli.IntFlag{
			Name:    "mail-port",
			Value:   587,
			Usage:   "SMTP port",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAIL_PORT"), toml.TOML("mail.port", configFile)),
		},
		&cli.StringFlag{
			Name:    "mail-username",
			Usage:   "SMTP username",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAIL_USERNAME"), toml.TOML("mail.username", configFile)),
		},
		&cli.StringFlag{
			Name:    "mail-password",
			Usage:   "SMTP password",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAIL_PASSWORD"), toml.TOML("mail.password", configFile)),
		},
		&cli.StringFlag{
			Name:    "mail-from",
			Value:   "noreply@uhcare.example",
			Usage:   "Sender address for outbound mail",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAIL_FROM"), toml.TOML("mail.from", configFile)),
		},
		&cli.StringFlag{
			Name:    "mail-from-name",
			Usage:   "Sender display name for outbound mail",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAIL_FROM_NAME"), toml.TOML("mail.from_name", configFile)),
		},
		&cli.BoolFlag{
			Name:    "mail-tls",
			Value:   true,
			Usage:   "Require TLS for SMTP delivery",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAIL_TLS"), toml.TOML("mail.tls", configFile)),
		},
		&cli.DurationFlag{
			Name:    "token-ttl",
			Value:   24 * time.Hour,
			Usage:   "Validity window for recovery tokens",
			Sources: cli.NewValueSourceChain(cli.EnvVar("TOKEN_TTL"), toml.TOML("recovery.token_ttl", configFile)),
		},
		&cli.StringSliceFlag{
			Name:    "admin-recipients",
			Usage:   "Administrator addresses notified on every recovery request",
			Sources: cli.NewValueSourceChain(cli.EnvVar("ADMIN_RECIPIENTS"), toml.TOML("recovery.admin_recipients", configFile)),
		},
		&cli.DurationFlag{
			Name:    "notify-timeout",
			Value:   5 * time.Second,
			Usage:   "Budget for a single admin notification before it is abandoned",
			Sources: cli.NewValueSourceChain(cli.EnvVar("NOTIFY_TIMEOUT"), toml.TOML("recovery.notify_timeout", configFile)),
		},
		&cli.IntFlag{
			Name:    "notify-rate-limit",
			Value:   5,
			Usage:   "Admin notifications per minute per source address",
			Sources: cli.NewValueSourceChain(cli.EnvVar("NOTIFY_RATE_LIMIT"), toml.TOML("recovery.rate_limit_per_minute", configFile)),
		},
	}
}
