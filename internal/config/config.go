// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Shared rate-limit counters (optional, per-process limiting if not set)

	// Payment gateway
	StripeSecretKey     string // Optional outside production; in-memory gateway if not set
	StripeWebhookSecret string
	GatewayTimeout      time.Duration

	// Fees
	BuyerFeeRate  decimal.Decimal
	SellerFeeRate decimal.Decimal

	// Release protocol
	BalancePollInterval time.Duration
	BalanceWaitTimeout  time.Duration // 0 fails a release immediately on insufficient balance
	ReconcileInterval   time.Duration
	ReconcileStaleAfter time.Duration

	// Security
	RateLimitRPM int
	AdminSecret  string // Guards the review and audit routes

	// Observability
	OTLPEndpoint string // Tracing disabled if not set
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultGatewayTimeout      = 20 * time.Second
	DefaultBalancePollInterval = 2 * time.Second
	DefaultReconcileInterval   = 30 * time.Second
	DefaultReconcileStaleAfter = 2 * time.Minute
	DefaultRateLimitRPM        = 120
	DefaultBuyerFeeRate        = "0.03"
	DefaultSellerFeeRate       = "0.05"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	buyerRate, err := getEnvDecimal("BUYER_FEE_RATE", DefaultBuyerFeeRate)
	if err != nil {
		return nil, err
	}
	sellerRate, err := getEnvDecimal("SELLER_FEE_RATE", DefaultSellerFeeRate)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		BuyerFeeRate:        buyerRate,
		SellerFeeRate:       sellerRate,
		BalancePollInterval: getEnvDuration("BALANCE_POLL_INTERVAL", DefaultBalancePollInterval),
		BalanceWaitTimeout:  getEnvDuration("BALANCE_WAIT_TIMEOUT", 0),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileStaleAfter: getEnvDuration("RECONCILE_STALE_AFTER", DefaultReconcileStaleAfter),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	if c.BuyerFeeRate.IsNegative() || c.BuyerFeeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("BUYER_FEE_RATE must be within [0, 1)")
	}
	if c.SellerFeeRate.IsNegative() || c.SellerFeeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("SELLER_FEE_RATE must be within [0, 1)")
	}
	if c.BalanceWaitTimeout < 0 {
		return fmt.Errorf("BALANCE_WAIT_TIMEOUT must not be negative")
	}

	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvDecimal fails loudly: a mistyped fee rate must not silently fall
// back to the default.
func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
