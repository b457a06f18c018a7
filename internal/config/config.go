// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Stripe
	StripeSecretKey       string
	PlatformWebhookSecret string
	ConnectWebhookSecret  string
	PayoutCurrency        string
	StripeTimeout         time.Duration // per API call; the SDK never retries

	// Billing policy
	CommissionRateBPS int64
	MinPayoutCents    int64
	AgencyTrialDays   int64
	ClientTrialDays   int64

	// Collaborators
	ProvisioningURL      string // empty disables provisioning calls
	ProvisioningAPIKey   string
	ProvisioningTimeout  time.Duration
	AMQPURL              string // empty falls back to log-only notifications
	NotificationExchange string

	// Background jobs
	TrialSweepSchedule   string
	ResourceSyncInterval time.Duration

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of root spans kept; 0 keeps all

	// Security
	AdminSecret        string // Admin API secret
	AdminRatePerMinute int    // per client IP
	AdminRateBurst     int
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultPayoutCurrency       = "usd"
	DefaultStripeTimeout        = 10 * time.Second
	DefaultCommissionRateBPS    = 2000 // 20%
	DefaultMinPayoutCents       = 5000 // $50.00
	DefaultAgencyTrialDays      = 14
	DefaultClientTrialDays      = 7
	DefaultProvisioningTimeout  = 5 * time.Second
	DefaultNotificationExchange = "billing.notifications"
	DefaultTrialSweepSchedule   = "@every 15m"
	DefaultResourceSyncInterval = 30 * time.Minute
	DefaultAdminRatePerMinute   = 120
	DefaultAdminRateBurst       = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		PlatformWebhookSecret: os.Getenv("STRIPE_PLATFORM_WEBHOOK_SECRET"),
		ConnectWebhookSecret:  os.Getenv("STRIPE_CONNECT_WEBHOOK_SECRET"),
		PayoutCurrency:        getEnv("PAYOUT_CURRENCY", DefaultPayoutCurrency),
		StripeTimeout:         getEnvDuration("STRIPE_TIMEOUT", DefaultStripeTimeout),
		CommissionRateBPS:     getEnvInt64("COMMISSION_RATE_BPS", DefaultCommissionRateBPS),
		MinPayoutCents:        getEnvInt64("MIN_PAYOUT_CENTS", DefaultMinPayoutCents),
		AgencyTrialDays:       getEnvInt64("AGENCY_TRIAL_DAYS", DefaultAgencyTrialDays),
		ClientTrialDays:       getEnvInt64("CLIENT_TRIAL_DAYS", DefaultClientTrialDays),
		ProvisioningURL:       os.Getenv("PROVISIONING_URL"),
		ProvisioningAPIKey:    os.Getenv("PROVISIONING_API_KEY"),
		ProvisioningTimeout:   getEnvDuration("PROVISIONING_TIMEOUT", DefaultProvisioningTimeout),
		AMQPURL:               os.Getenv("AMQP_URL"),
		NotificationExchange:  getEnv("NOTIFICATION_EXCHANGE", DefaultNotificationExchange),
		TrialSweepSchedule:    getEnv("TRIAL_SWEEP_SCHEDULE", DefaultTrialSweepSchedule),
		ResourceSyncInterval:  getEnvDuration("RESOURCE_SYNC_INTERVAL", DefaultResourceSyncInterval),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:      getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 0),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		AdminRatePerMinute:    int(getEnvInt64("ADMIN_RATE_LIMIT_PER_MINUTE", DefaultAdminRatePerMinute)),
		AdminRateBurst:        int(getEnvInt64("ADMIN_RATE_LIMIT_BURST", DefaultAdminRateBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CommissionRateBPS < 0 || c.CommissionRateBPS > 10000 {
		return fmt.Errorf("COMMISSION_RATE_BPS must be between 0 and 10000")
	}
	if c.MinPayoutCents < 0 {
		return fmt.Errorf("MIN_PAYOUT_CENTS must not be negative")
	}
	if c.AgencyTrialDays < 0 || c.ClientTrialDays < 0 {
		return fmt.Errorf("trial days must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.AdminRatePerMinute < 0 || c.AdminRateBurst < 0 {
		return fmt.Errorf("admin rate limits must not be negative")
	}
	if c.TrialSweepSchedule == "" {
		return fmt.Errorf("TRIAL_SWEEP_SCHEDULE is required")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.PlatformWebhookSecret == "" || c.ConnectWebhookSecret == "" {
			return fmt.Errorf("STRIPE_PLATFORM_WEBHOOK_SECRET and STRIPE_CONNECT_WEBHOOK_SECRET are required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
