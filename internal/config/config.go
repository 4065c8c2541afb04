// Package config loads application configuration from an optional YAML file
// and TUTORDESK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable. Nested keys are separated
// by a double underscore: TUTORDESK_DATABASE__URL sets database.url.
const EnvPrefix = "TUTORDESK_"

// Config is the application configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Log           LogConfig           `koanf:"log"`
	JWT           JWTConfig           `koanf:"jwt"`
	Outbox        OutboxConfig        `koanf:"outbox"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Telegram      TelegramConfig      `koanf:"telegram"`
	Email         EmailConfig         `koanf:"email"`
	Sentry        SentryConfig        `koanf:"sentry"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// JWTConfig contains admin token settings.
type JWTConfig struct {
	SecretKey string `koanf:"secret_key" validate:"required"`
	Issuer    string `koanf:"issuer"`
}

// OutboxConfig contains queue processing settings.
type OutboxConfig struct {
	Worker  WorkerConfig  `koanf:"worker"`
	Janitor JanitorConfig `koanf:"janitor"`
}

// WorkerConfig contains dispatch worker settings.
type WorkerConfig struct {
	Enabled        bool          `koanf:"enabled"`
	BatchSize      int           `koanf:"batch_size" validate:"gte=1,lte=1000"`
	PollInterval   time.Duration `koanf:"poll_interval" validate:"gt=0"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	MaxJitter      time.Duration `koanf:"max_jitter" validate:"gte=0"`
	HandlerTimeout time.Duration `koanf:"handler_timeout" validate:"gte=0"`
	Concurrency    int           `koanf:"concurrency" validate:"gte=1,lte=64"`
}

// JanitorConfig contains queue maintenance settings.
type JanitorConfig struct {
	Enabled         bool          `koanf:"enabled"`
	RecoverInterval time.Duration `koanf:"recover_interval" validate:"gt=0"`
	StuckAfter      time.Duration `koanf:"stuck_after" validate:"gt=0"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"gt=0"`
	Retention       time.Duration `koanf:"retention" validate:"gt=0"`
}

// NotificationsConfig contains notification scheduling settings.
type NotificationsConfig struct {
	Scheduler SchedulerConfig `koanf:"scheduler"`
}

// SchedulerConfig contains scheduling loop settings, shared by all channels.
type SchedulerConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Interval  time.Duration `koanf:"interval" validate:"gt=0"`
	BatchSize int           `koanf:"batch_size" validate:"gte=1,lte=1000"`
}

// TelegramConfig contains Bot API settings.
type TelegramConfig struct {
	Enabled       bool    `koanf:"enabled"`
	BotToken      string  `koanf:"bot_token" validate:"required_if=Enabled true"`
	BotUsername   string  `koanf:"bot_username"`
	WebhookSecret string  `koanf:"webhook_secret"`
	RateLimit     float64 `koanf:"rate_limit" validate:"gte=0"`
	APIURL        string  `koanf:"api_url" validate:"omitempty,url"`
	// LinkTokenTTL is how long an issued /start link stays valid.
	LinkTokenTTL time.Duration `koanf:"link_token_ttl" validate:"gt=0"`
}

// EmailConfig contains SMTP settings.
type EmailConfig struct {
	Enabled      bool          `koanf:"enabled"`
	SMTPHost     string        `koanf:"smtp_host" validate:"required_if=Enabled true"`
	SMTPPort     int           `koanf:"smtp_port" validate:"gte=0,lte=65535"`
	SMTPUser     string        `koanf:"smtp_user"`
	SMTPPassword string        `koanf:"smtp_password"`
	FromAddress  string        `koanf:"from_address" validate:"required_if=Enabled true"`
	DialTimeout  time.Duration `koanf:"dial_timeout" validate:"gte=0"`
}

// SentryConfig contains error tracking settings.
type SentryConfig struct {
	DSN         string  `koanf:"dsn"`
	Environment string  `koanf:"environment"`
	SampleRate  float64 `koanf:"sample_rate" validate:"gte=0,lte=1"`
}

// Default returns the configuration used for every key that is not set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			AutoMigrate:     true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			Issuer: "tutordesk",
		},
		Outbox: OutboxConfig{
			Worker: WorkerConfig{
				Enabled:        true,
				BatchSize:      10,
				PollInterval:   500 * time.Millisecond,
				InitialBackoff: time.Second,
				MaxBackoff:     60 * time.Second,
				MaxJitter:      250 * time.Millisecond,
				HandlerTimeout: 30 * time.Second,
				Concurrency:    1,
			},
			Janitor: JanitorConfig{
				Enabled:         true,
				RecoverInterval: time.Minute,
				StuckAfter:      10 * time.Minute,
				CleanupInterval: time.Hour,
				Retention:       7 * 24 * time.Hour,
			},
		},
		Notifications: NotificationsConfig{
			Scheduler: SchedulerConfig{
				Enabled:   true,
				Interval:  3 * time.Second,
				BatchSize: 50,
			},
		},
		Telegram: TelegramConfig{
			RateLimit:    25,
			LinkTokenTTL: 30 * time.Minute,
		},
		Email: EmailConfig{
			SMTPPort:    587,
			DialTimeout: 10 * time.Second,
		},
		Sentry: SentryConfig{
			Environment: "production",
			SampleRate:  1,
		},
	}
}

// Load reads configuration. path may be empty; a missing file is an error
// only when path is set explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the config file path from flagValue or TUTORDESK_CONFIG.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvPrefix + "CONFIG")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	// A handler still running when the janitor recovers its item would race
	// the next claim of that item.
	w, j := c.Outbox.Worker, c.Outbox.Janitor
	if w.Enabled && j.Enabled {
		if w.HandlerTimeout == 0 {
			return errors.New("invalid config: Config.Outbox.Worker.HandlerTimeout must be set while the janitor is enabled")
		}
		if j.StuckAfter <= w.HandlerTimeout {
			return fmt.Errorf("invalid config: Config.Outbox.Janitor.StuckAfter (%s) must exceed Config.Outbox.Worker.HandlerTimeout (%s)",
				j.StuckAfter, w.HandlerTimeout)
		}
	}
	return nil
}

// envKey maps TUTORDESK_OUTBOX__WORKER__BATCH_SIZE to outbox.worker.batch_size.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	if s == "CONFIG" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}
