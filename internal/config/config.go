// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"; empty picks by Env

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Shared idempotency store (optional, in-process if not set)

	// Security
	AdminSecret string

	// Tracing
	OTLPEndpoint string

	// Provider A: HMAC signature header on webhooks
	ProviderABaseURL       string
	ProviderAAPIKey        string
	ProviderAWebhookSecret string

	// Provider B: checksum embedded in webhook body
	ProviderBBaseURL      string
	ProviderBAPIKey       string
	ProviderBSharedSecret string

	// CallbackBaseURL is the public base URL providers post webhooks to.
	CallbackBaseURL string

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerCooldown         time.Duration

	// Reconciliation
	ReconcileInterval time.Duration
	BudgetPending     time.Duration
	BudgetFunded      time.Duration
	BudgetDisputed    time.Duration

	// Outbound events
	EventSinkURLs   []string
	EventSinkSecret string
}

const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerSuccessThreshold = 2
	DefaultBreakerCooldown         = 30 * time.Second
	DefaultReconcileInterval       = 24 * time.Hour
	DefaultBudgetPending           = 2 * time.Hour
	DefaultBudgetFunded            = 14 * 24 * time.Hour
	DefaultBudgetDisputed          = 7 * 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               os.Getenv("LOG_FORMAT"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		AdminSecret:             os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProviderABaseURL:        os.Getenv("PROVIDER_A_BASE_URL"),
		ProviderAAPIKey:         os.Getenv("PROVIDER_A_API_KEY"),
		ProviderAWebhookSecret:  os.Getenv("PROVIDER_A_WEBHOOK_SECRET"),
		ProviderBBaseURL:        os.Getenv("PROVIDER_B_BASE_URL"),
		ProviderBAPIKey:         os.Getenv("PROVIDER_B_API_KEY"),
		ProviderBSharedSecret:   os.Getenv("PROVIDER_B_SHARED_SECRET"),
		CallbackBaseURL:         os.Getenv("PROVIDER_CALLBACK_BASE_URL"),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", DefaultBreakerFailureThreshold),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", DefaultBreakerSuccessThreshold),
		BreakerCooldown:         getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		ReconcileInterval:       getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		BudgetPending:           getEnvDuration("BUDGET_PENDING", DefaultBudgetPending),
		BudgetFunded:            getEnvDuration("BUDGET_FUNDED", DefaultBudgetFunded),
		BudgetDisputed:          getEnvDuration("BUDGET_DISPUTED", DefaultBudgetDisputed),
		EventSinkURLs:           getEnvList("EVENT_SINK_URLS"),
		EventSinkSecret:         os.Getenv("EVENT_SINK_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present. Development
// runs may omit secrets; webhook verification then fails closed.
func (c *Config) Validate() error {
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if c.BreakerSuccessThreshold < 1 {
		return fmt.Errorf("BREAKER_SUCCESS_THRESHOLD must be at least 1")
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.BudgetPending <= 0 || c.BudgetFunded <= 0 || c.BudgetDisputed <= 0 {
		return fmt.Errorf("reconciliation budgets must be positive")
	}

	if !c.IsProduction() {
		return nil
	}
	if c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.ProviderAWebhookSecret == "" {
		return fmt.Errorf("PROVIDER_A_WEBHOOK_SECRET is required in production")
	}
	if c.ProviderBSharedSecret == "" {
		return fmt.Errorf("PROVIDER_B_SHARED_SECRET is required in production")
	}
	if len(c.EventSinkURLs) > 0 && c.EventSinkSecret == "" {
		return fmt.Errorf("EVENT_SINK_SECRET is required when EVENT_SINK_URLS is set")
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

// ResolvedLogFormat returns LogFormat, defaulting to json outside development.
func (c *Config) ResolvedLogFormat() string {
	if c.LogFormat != "" {
		return c.LogFormat
	}
	if c.IsDevelopment() {
		return "text"
	}
	return "json"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
