// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/taskilo/settlement/internal/ratelimit"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Ledger store
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"settlement.db"`

	// Optional Redis for the clearing run lease
	RedisAddr string `env:"REDIS_ADDR"`

	// Security
	InternalAPISecret    string        `env:"INTERNAL_API_SECRET"`
	RevolutWebhookSecret string        `env:"REVOLUT_WEBHOOK_SECRET"`
	StripeWebhookSecret  string        `env:"STRIPE_WEBHOOK_SECRET"`
	WebhookTolerance     time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`
	CORSOrigins          []string      `env:"CORS_ORIGINS" envSeparator:","`

	// Per-client limits on the webhook endpoints
	RateLimit ratelimit.Config `envPrefix:"RATE_LIMIT_"`

	// Escrow policy
	ClearingInterval   time.Duration `env:"CLEARING_INTERVAL" envDefault:"1h"`
	ClearingPeriodDays int           `env:"CLEARING_PERIOD_DAYS" envDefault:"14"`
	RefundWindowDays   int           `env:"REFUND_WINDOW_DAYS" envDefault:"30"`

	// Revolut Business payouts
	Revolut Revolut `envPrefix:"REVOLUT_"`

	// Optional Kafka bus for transition events
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"escrow.transitions"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Revolut holds the Revolut Business API settings used for provider payouts.
type Revolut struct {
	APIURL      string `env:"API_URL" envDefault:"https://sandbox-b2b.revolut.com/api/1.0"`
	AccessToken string `env:"ACCESS_TOKEN"`
	AccountID   string `env:"ACCOUNT_ID"`
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, postgres, sqlite (got %q)", c.StoreDriver)
	}

	if c.ClearingPeriodDays < 0 {
		return fmt.Errorf("CLEARING_PERIOD_DAYS must not be negative")
	}
	if c.RefundWindowDays < 0 {
		return fmt.Errorf("REFUND_WINDOW_DAYS must not be negative")
	}
	if c.ClearingInterval <= 0 {
		return fmt.Errorf("CLEARING_INTERVAL must be positive")
	}

	for _, o := range c.CORSOrigins {
		o = strings.TrimSpace(o)
		if o != "" && o != "*" && !strings.HasPrefix(o, "https://") && !strings.HasPrefix(o, "http://") {
			return fmt.Errorf("CORS_ORIGINS entries must be * or start with http:// or https:// (got %q)", o)
		}
	}

	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS_PER_MINUTE must be positive")
	}

	if c.IsProduction() {
		if c.InternalAPISecret == "" {
			return fmt.Errorf("INTERNAL_API_SECRET is required in production")
		}
		if c.RevolutWebhookSecret == "" && c.StripeWebhookSecret == "" {
			return fmt.Errorf("at least one of REVOLUT_WEBHOOK_SECRET or STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.StoreDriver == StoreMemory {
			return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
		}
	}

	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PayoutsEnabled reports whether Revolut payout credentials are configured.
func (c *Config) PayoutsEnabled() bool {
	return strings.TrimSpace(c.Revolut.AccessToken) != "" && strings.TrimSpace(c.Revolut.AccountID) != ""
}

// EventsEnabled reports whether transition events should be published to Kafka.
func (c *Config) EventsEnabled() bool {
	for _, b := range c.KafkaBrokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}

// RefundWindow converts RefundWindowDays into a duration (0 = unlimited).
func (c *Config) RefundWindow() time.Duration {
	return time.Duration(c.RefundWindowDays) * 24 * time.Hour
}
