// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jacqui/squarelet/pkg/storage/postgres"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database postgres.Config
	Redis    RedisConfig
	Stripe   StripeConfig
	Billing  BillingConfig

	LogLevel string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig holds the cache-invalidation channel configuration
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// StripeConfig holds payment gateway credentials. Passed into the gateway
// client constructor; never stored in package-level state.
type StripeConfig struct {
	APIKey     string
	APIVersion string
	BaseURL    string
}

// BillingConfig holds billing-specific settings
type BillingConfig struct {
	// PlanSeedPath optionally points at a YAML plan catalog applied at startup
	PlanSeedPath string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	dbCfg := postgres.DefaultConfig()
	dbCfg.URL = getEnv("SQUARELET_POSTGRES_URL", "postgres://localhost/squarelet?sslmode=disable")
	if maxConns := getEnvInt("SQUARELET_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		dbCfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("SQUARELET_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		dbCfg.MinConns = minConns
	}
	if timeout := getEnvDuration("SQUARELET_POSTGRES_TIMEOUT", 0); timeout > 0 {
		dbCfg.Timeout = timeout
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SQUARELET_HOST", "0.0.0.0"),
			Port:            getEnv("SQUARELET_PORT", "8080"),
			ReadTimeout:     getEnvDuration("SQUARELET_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SQUARELET_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SQUARELET_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SQUARELET_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: dbCfg,
		Redis: RedisConfig{
			URL:      getEnv("SQUARELET_REDIS_URL", ""),
			Password: getEnv("SQUARELET_REDIS_PASSWORD", ""),
			DB:       getEnvInt("SQUARELET_REDIS_DB", -1),
		},
		Stripe: StripeConfig{
			APIKey:     getEnv("SQUARELET_STRIPE_SECRET_KEY", ""),
			APIVersion: getEnv("SQUARELET_STRIPE_API_VERSION", "2018-09-24"),
			BaseURL:    getEnv("SQUARELET_STRIPE_BASE_URL", ""),
		},
		Billing: BillingConfig{
			PlanSeedPath: getEnv("SQUARELET_PLAN_SEED_PATH", ""),
		},
		LogLevel: getEnv("SQUARELET_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Stripe.APIKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
