// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/security"
)

// Config holds all application configuration.
type Config struct {
	// Server
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Storage
	DatabaseURL string // PostgreSQL DSN (optional, in-memory stores if empty)
	AutoMigrate bool
	RedisURL    string // redis://... (optional, in-process limiter/dedupe if empty)

	// Gateway
	GatewayBaseURL       string
	GatewayKeyID         string
	GatewayKeySecret     string
	GatewayWebhookSecret string
	GatewayTimeout       time.Duration
	Currency             string
	WebhookDedupeTTL     time.Duration

	// Escrow and payments
	PlatformFeeBPS      int64
	AutoReleaseDays     int
	AutoReleaseSchedule string
	PendingPaymentTTL   time.Duration
	ExpirySchedule      string
	ReconcileSchedule   string
	MinTopUp            decimal.Decimal
	MaxTopUp            decimal.Decimal
	MinWithdrawal       decimal.Decimal

	// Payout worker
	WorkerConcurrency int
	PayoutMaxRetry    int

	// Security
	JWTSecret      string
	JWTIssuer      string
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultGatewayBaseURL      = "https://api.razorpay.com/v1"
	DefaultGatewayTimeout      = 10 * time.Second
	DefaultWebhookDedupeTTL    = 72 * time.Hour
	DefaultCurrency            = "INR"
	DefaultPlatformFeeBPS      = 500 // 5%
	DefaultAutoReleaseDays     = 3
	DefaultAutoReleaseSchedule = "0 * * * *" // hourly
	DefaultPendingPaymentTTL   = 30 * time.Minute
	DefaultExpirySchedule      = "*/10 * * * *"
	DefaultReconcileSchedule   = "30 * * * *"
	DefaultMinTopUp            = "100"
	DefaultMaxTopUp            = "100000"
	DefaultMinWithdrawal       = "100"
	DefaultWorkerConcurrency   = 10
	DefaultPayoutMaxRetry      = 8
	DefaultJWTIssuer           = "hireloop"
	DefaultRateLimitRPM        = 30
	DefaultRateLimitBurst      = 10
)

// Load reads configuration from the environment, loading .env first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", false),
		RedisURL:             os.Getenv("REDIS_URL"),
		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", DefaultGatewayBaseURL),
		GatewayKeyID:         os.Getenv("GATEWAY_KEY_ID"),
		GatewayKeySecret:     os.Getenv("GATEWAY_KEY_SECRET"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		WebhookDedupeTTL:     getEnvDuration("WEBHOOK_DEDUPE_TTL", DefaultWebhookDedupeTTL),
		PlatformFeeBPS:       getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBPS),
		AutoReleaseDays:      int(getEnvInt64("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays)),
		AutoReleaseSchedule:  getEnv("AUTO_RELEASE_SCHEDULE", DefaultAutoReleaseSchedule),
		PendingPaymentTTL:    getEnvDuration("PENDING_PAYMENT_TTL", DefaultPendingPaymentTTL),
		ExpirySchedule:       getEnv("EXPIRY_SCHEDULE", DefaultExpirySchedule),
		ReconcileSchedule:    getEnv("RECONCILE_SCHEDULE", DefaultReconcileSchedule),
		WorkerConcurrency:    int(getEnvInt64("WORKER_CONCURRENCY", DefaultWorkerConcurrency)),
		PayoutMaxRetry:       int(getEnvInt64("PAYOUT_MAX_RETRY", DefaultPayoutMaxRetry)),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTIssuer:            getEnv("JWT_ISSUER", DefaultJWTIssuer),
		CORSOrigins:          getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:       int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.MinTopUp, err = getEnvAmount("MIN_TOPUP", DefaultMinTopUp); err != nil {
		return nil, err
	}
	if cfg.MaxTopUp, err = getEnvAmount("MAX_TOPUP", DefaultMaxTopUp); err != nil {
		return nil, err
	}
	if cfg.MinWithdrawal, err = getEnvAmount("MIN_WITHDRAWAL", DefaultMinWithdrawal); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS > money.BasisPoints {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and %d", money.BasisPoints)
	}
	if c.AutoReleaseDays < 0 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must not be negative")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.MaxTopUp.LessThan(c.MinTopUp) {
		return fmt.Errorf("MAX_TOPUP must be at least MIN_TOPUP")
	}
	for name, spec := range map[string]string{
		"AUTO_RELEASE_SCHEDULE": c.AutoReleaseSchedule,
		"EXPIRY_SCHEDULE":       c.ExpirySchedule,
		"RECONCILE_SCHEDULE":    c.ReconcileSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s is not a valid cron spec: %w", name, err)
		}
	}
	if (c.GatewayKeyID == "") != (c.GatewayKeySecret == "") {
		return fmt.Errorf("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET must be set together")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.GatewayKeyID == "" {
			return fmt.Errorf("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET are required in production")
		}
		if c.GatewayWebhookSecret == "" {
			return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required in production")
		}
		if err := security.ValidateGatewayURL(c.GatewayBaseURL); err != nil {
			return fmt.Errorf("GATEWAY_BASE_URL: %w", err)
		}
	}
	return nil
}

// SandboxGateway reports whether the in-process gateway should be used.
func (c *Config) SandboxGateway() bool {
	return c.GatewayKeyID == ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvAmount(key, defaultValue string) (decimal.Decimal, error) {
	d, ok := money.Parse(getEnv(key, defaultValue))
	if !ok {
		return decimal.Zero, fmt.Errorf("%s must be a non-negative amount with at most 2 decimals", key)
	}
	return d, nil
}
