package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
)

type Config struct {
	// ----------------------------
	// Transport
	// ----------------------------
	Transport    string `envconfig:"TRANSPORT" default:"smtp"`
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@reachinbox.local"`
	ResendAPIKey string `envconfig:"RESEND_API_KEY" default:""`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount      int           `envconfig:"WORKER_COUNT" default:"5"`
	HourlyLimit      int           `envconfig:"MAX_EMAILS_PER_HOUR" default:"200"`
	RetryAttempts    int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"5s"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1h"`
	EmailDelay       time.Duration `envconfig:"EMAIL_DELAY" default:"2s"`
	SendTimeout      time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	ClaimBatchSize   int           `envconfig:"CLAIM_BATCH_SIZE" default:"50"`
	LeaseDuration    time.Duration `envconfig:"LEASE_DURATION" default:"2m"`
	RecoverySchedule string        `envconfig:"RECOVERY_SCHEDULE" default:"@every 1m"`
	MaxRecipients    int           `envconfig:"MAX_RECIPIENTS" default:"1000"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Storage
	// ----------------------------
	Store       string `envconfig:"STORE" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"data/reachinbox.db"`
	RateStore   string `envconfig:"RATE_STORE" default:"db"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.WorkerCount <= 0 {
		errs = append(errs, errors.New("WORKER_COUNT must be positive"))
	}
	if c.RetryAttempts <= 0 {
		errs = append(errs, errors.New("RETRY_ATTEMPTS must be positive"))
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_BASE_DELAY must be positive and not above RETRY_MAX_DELAY"))
	}
	if c.HourlyLimit < 0 {
		errs = append(errs, errors.New("MAX_EMAILS_PER_HOUR must not be negative"))
	}
	if c.ClaimBatchSize <= 0 {
		errs = append(errs, errors.New("CLAIM_BATCH_SIZE must be positive"))
	}
	if c.SendTimeout <= 0 || c.PollInterval <= 0 || c.EmailDelay < 0 {
		errs = append(errs, errors.New("SEND_TIMEOUT and POLL_INTERVAL must be positive, EMAIL_DELAY not negative"))
	}
	// A claim may queue behind every other worker at the pacer before it sends.
	if hold := time.Duration(max(c.WorkerCount, 1))*c.EmailDelay + c.SendTimeout; c.LeaseDuration <= hold {
		errs = append(errs, fmt.Errorf("LEASE_DURATION %s must exceed WORKER_COUNT * EMAIL_DELAY + SEND_TIMEOUT (%s)",
			c.LeaseDuration, hold))
	}
	if _, err := cron.ParseStandard(c.RecoverySchedule); err != nil {
		errs = append(errs, fmt.Errorf("RECOVERY_SCHEDULE: %w", err))
	}

	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE=postgres"))
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}

	switch c.RateStore {
	case "db", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_STORE %q", c.RateStore))
	}

	switch c.Transport {
	case "smtp", "log":
	case "resend":
		if c.ResendAPIKey == "" {
			errs = append(errs, errors.New("RESEND_API_KEY is required when TRANSPORT=resend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TRANSPORT %q", c.Transport))
	}

	return errors.Join(errs...)
}
