// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Notifier drivers.
const (
	NotifierLog    = "log"
	NotifierResend = "resend"
	NotifierSMTP   = "smtp"
)

// Logging configures the slog handler.
type Logging struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Kafka configures the broker connection and topic provisioning.
type Kafka struct {
	Brokers           []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	ClientID          string   `env:"CLIENT_ID"`
	CreateTopics      bool     `env:"CREATE_TOPICS" envDefault:"true"`
	Partitions        int32    `env:"PARTITIONS" envDefault:"3"`
	ReplicationFactor int16    `env:"REPLICATION_FACTOR" envDefault:"1"`
}

type Postgres struct {
	DSN      string `env:"DSN"`
	MaxConns int32  `env:"MAX_CONNS" envDefault:"10"`
}

type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
}

// Outbox configures the identity service relay.
type Outbox struct {
	Enabled       bool          `env:"ENABLED" envDefault:"true"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"50"`
	LeaseTTL      time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"8"`
	RetryBackoff  time.Duration `env:"RETRY_BACKOFF" envDefault:"1s"`
	RetryMaxDelay time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5m"`
}

// RateLimit bounds unauthenticated calls per client IP and route class.
type RateLimit struct {
	Enabled  bool          `env:"ENABLED" envDefault:"true"`
	Requests int           `env:"REQUESTS" envDefault:"10"`
	Window   time.Duration `env:"WINDOW" envDefault:"1m"`
}

type JWT struct {
	SigningKey string        `env:"SIGNING_KEY" envDefault:"dev-secret-key-change-in-production"`
	Issuer     string        `env:"ISSUER" envDefault:"signupflow-identity"`
	Audience   string        `env:"AUDIENCE" envDefault:"signupflow"`
	TTL        time.Duration `env:"TTL" envDefault:"1h"`
}

// Identity is the identity service configuration.
type Identity struct {
	Addr      string    `env:"IDENTITY_ADDR" envDefault:":8080"`
	Store     string    `env:"IDENTITY_STORE" envDefault:"memory"`
	Postgres  Postgres  `envPrefix:"IDENTITY_POSTGRES_"`
	Kafka     Kafka     `envPrefix:"KAFKA_"`
	Outbox    Outbox    `envPrefix:"OUTBOX_"`
	JWT       JWT       `envPrefix:"JWT_"`
	RateLimit RateLimit `envPrefix:"RATE_LIMIT_"`
	Logging
}

// Consumer configures the queue worker.
type Consumer struct {
	Group          string        `env:"GROUP" envDefault:"email_verification_queue"`
	MaxDeliveries  int           `env:"MAX_DELIVERIES" envDefault:"10"`
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT" envDefault:"30s"`
}

type Notifier struct {
	Driver           string        `env:"DRIVER" envDefault:"log"`
	From             string        `env:"FROM" envDefault:"no-reply@signupflow.local"`
	Timeout          time.Duration `env:"TIMEOUT" envDefault:"10s"`
	ResendAPIKey     string        `env:"RESEND_API_KEY"`
	SMTPHost         string        `env:"SMTP_HOST"`
	SMTPPort         int           `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername     string        `env:"SMTP_USERNAME"`
	SMTPPassword     string        `env:"SMTP_PASSWORD"`
	BreakerFailures  int           `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerSuccesses int           `env:"BREAKER_SUCCESSES" envDefault:"2"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`
}

// Notification is the notification service configuration.
type Notification struct {
	Addr               string      `env:"NOTIFICATION_ADDR" envDefault:":8081"`
	Store              string      `env:"VERIFICATION_STORE" envDefault:"memory"`
	CodeLength         int         `env:"VERIFICATION_CODE_LENGTH" envDefault:"6"`
	Postgres           Postgres    `envPrefix:"VERIFICATION_POSTGRES_"`
	Redis              RedisConfig `envPrefix:"REDIS_"`
	Kafka              Kafka       `envPrefix:"KAFKA_"`
	Consumer           Consumer    `envPrefix:"CONSUMER_"`
	Notifier           Notifier    `envPrefix:"NOTIFIER_"`
	RateLimit          RateLimit   `envPrefix:"RATE_LIMIT_"`
	AttemptJournalPath string      `env:"ATTEMPT_JOURNAL_PATH"`
	Logging
}

// LoadIdentity reads the identity service configuration.
func LoadIdentity() (Identity, error) {
	var cfg Identity
	if err := load(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// LoadNotification reads the notification service configuration.
func LoadNotification() (Notification, error) {
	var cfg Notification
	if err := load(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func load(cfg any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

func (c Identity) validate() error {
	if !slices.Contains([]string{DriverMemory, DriverPostgres}, c.Store) {
		return fmt.Errorf("IDENTITY_STORE must be memory or postgres, got %q", c.Store)
	}
	if c.Store == DriverPostgres && c.Postgres.DSN == "" {
		return errors.New("IDENTITY_POSTGRES_DSN is required for the postgres store")
	}
	if len(c.JWT.SigningKey) < 16 {
		return errors.New("JWT_SIGNING_KEY must be at least 16 bytes")
	}
	if c.Outbox.MaxAttempts < 1 {
		return errors.New("OUTBOX_MAX_ATTEMPTS must be positive")
	}
	return c.RateLimit.validate()
}

func (c Notification) validate() error {
	switch c.Store {
	case DriverMemory:
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("VERIFICATION_POSTGRES_DSN is required for the postgres store")
		}
	case DriverRedis:
		if c.Redis.URL == "" {
			return errors.New("REDIS_URL is required for the redis store")
		}
	default:
		return fmt.Errorf("VERIFICATION_STORE must be memory, postgres or redis, got %q", c.Store)
	}

	switch c.Notifier.Driver {
	case NotifierLog:
	case NotifierResend:
		if c.Notifier.ResendAPIKey == "" {
			return errors.New("NOTIFIER_RESEND_API_KEY is required for the resend notifier")
		}
	case NotifierSMTP:
		if c.Notifier.SMTPHost == "" {
			return errors.New("NOTIFIER_SMTP_HOST is required for the smtp notifier")
		}
	default:
		return fmt.Errorf("NOTIFIER_DRIVER must be log, resend or smtp, got %q", c.Notifier.Driver)
	}

	if c.CodeLength < 1 || c.CodeLength > 10 {
		return fmt.Errorf("VERIFICATION_CODE_LENGTH must be within [1,10], got %d", c.CodeLength)
	}
	if c.Consumer.MaxDeliveries < 0 {
		return errors.New("CONSUMER_MAX_DELIVERIES must not be negative")
	}
	return c.RateLimit.validate()
}

func (c RateLimit) validate() error {
	if c.Enabled && (c.Requests < 1 || c.Window <= 0) {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}
