package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskilo/settlement/internal/ratelimit"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, 14, cfg.ClearingPeriodDays)
	assert.Equal(t, time.Hour, cfg.ClearingInterval)
	assert.Equal(t, 5*time.Minute, cfg.WebhookTolerance)
	assert.Equal(t, 30*24*time.Hour, cfg.RefundWindow())
	assert.False(t, cfg.PayoutsEnabled())
	assert.Equal(t, 600, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 100, cfg.RateLimit.BurstSize)
	assert.Empty(t, cfg.CORSOrigins)
	assert.False(t, cfg.EventsEnabled())
	assert.Equal(t, "escrow.transitions", cfg.KafkaTopic)
}

func TestLoad_NestedPrefixes(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "STORE_DRIVER", "memory")
	setEnv(t, "RATE_LIMIT_REQUESTS_PER_MINUTE", "30")
	setEnv(t, "CORS_ORIGINS", "https://admin.taskilo.de,https://ops.taskilo.de")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, []string{"https://admin.taskilo.de", "https://ops.taskilo.de"}, cfg.CORSOrigins)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.EventsEnabled())
}

func TestLoad_RevolutPrefix(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "STORE_DRIVER", "memory")
	setEnv(t, "REVOLUT_ACCESS_TOKEN", "tok")
	setEnv(t, "REVOLUT_ACCOUNT_ID", "acc_1")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "tok", cfg.Revolut.AccessToken)
	assert.Equal(t, "acc_1", cfg.Revolut.AccountID)
	assert.True(t, cfg.PayoutsEnabled())
}

func TestLoad_PostgresRequiresURL(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "STORE_DRIVER", "postgres")
	setEnv(t, "DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			Env:                "development",
			StoreDriver:        StoreMemory,
			ClearingInterval:   time.Hour,
			ClearingPeriodDays: 14,
			RefundWindowDays:   30,
			RateLimit:          ratelimit.DefaultConfig(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid development", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.StoreDriver = "mongo" }, wantErr: "STORE_DRIVER"},
		{name: "negative clearing period", mutate: func(c *Config) { c.ClearingPeriodDays = -1 }, wantErr: "CLEARING_PERIOD_DAYS"},
		{name: "bare cors origin", mutate: func(c *Config) { c.CORSOrigins = []string{"admin.taskilo.de"} }, wantErr: "CORS_ORIGINS"},
		{name: "zero rate limit", mutate: func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }, wantErr: "RATE_LIMIT"},
		{name: "kafka without topic", mutate: func(c *Config) { c.KafkaBrokers = []string{"kafka:9092"} }, wantErr: "KAFKA_TOPIC"},
		{name: "zero interval", mutate: func(c *Config) { c.ClearingInterval = 0 }, wantErr: "CLEARING_INTERVAL"},
		{
			name: "production without secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.StoreDriver = StorePostgres
				c.DatabaseURL = "postgres://x"
			},
			wantErr: "INTERNAL_API_SECRET",
		},
		{
			name: "production without webhook secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.StoreDriver = StorePostgres
				c.DatabaseURL = "postgres://x"
				c.InternalAPISecret = "s"
			},
			wantErr: "WEBHOOK_SECRET",
		},
		{
			name: "production memory store",
			mutate: func(c *Config) {
				c.Env = "production"
				c.InternalAPISecret = "s"
				c.StripeWebhookSecret = "whsec"
			},
			wantErr: "memory is not allowed",
		},
		{
			name: "valid production",
			mutate: func(c *Config) {
				c.Env = "production"
				c.StoreDriver = StoreSQLite
				c.InternalAPISecret = "s"
				c.RevolutWebhookSecret = "rev"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
