// Package config handles environment-based configuration for payguard.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration
type Config struct {
	// Server
	Port           string
	Env            string // development, staging, production
	LogLevel       string // debug, info, warn, error
	LogFormat      string // json, text
	AllowedOrigins string

	// Database (empty means in-memory stores, for development only)
	DatabaseURL string

	// Webhook signing secrets, one per payment provider
	EsewaWebhookSecret  string
	KhaltiWebhookSecret string
	StripeWebhookSecret string

	// Admin API authentication
	AdminSecret string

	// Rate limiting
	RateLimitRPM int

	// Webhook replay horizon; deliveries older than this are rejected
	WebhookMaxAge time.Duration

	// Risk policy version to activate at startup (0 = latest stored)
	RiskPolicyVersion int

	// Graceful shutdown
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables.
// A .env file is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		EsewaWebhookSecret:  getEnv("ESEWA_WEBHOOK_SECRET", ""),
		KhaltiWebhookSecret: getEnv("KHALTI_WEBHOOK_SECRET", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		AdminSecret: getEnv("ADMIN_SECRET", ""),

		RateLimitRPM:      getEnvInt("RATE_LIMIT_RPM", 120),
		WebhookMaxAge:     getEnvDuration("WEBHOOK_MAX_AGE", 5*time.Minute),
		RiskPolicyVersion: getEnvInt("RISK_POLICY_VERSION", 0),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration for common mistakes
func (c *Config) Validate() error {
	if c.Env == "production" {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.EsewaWebhookSecret == "" && c.KhaltiWebhookSecret == "" && c.StripeWebhookSecret == "" {
			return fmt.Errorf("at least one provider webhook secret is required in production")
		}
		if c.AllowedOrigins == "*" {
			return fmt.Errorf("ALLOWED_ORIGINS must not be a wildcard in production")
		}
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive, got %d", c.RateLimitRPM)
	}
	if c.WebhookMaxAge <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_AGE must be positive, got %s", c.WebhookMaxAge)
	}
	return nil
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
