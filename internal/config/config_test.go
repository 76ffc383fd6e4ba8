package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	setEnv(t, "JWT_SECRET", "test-secret")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(DefaultPlatformFeeBPS), cfg.PlatformFeeBPS)
	assert.Equal(t, DefaultAutoReleaseDays, cfg.AutoReleaseDays)
	assert.Equal(t, DefaultAutoReleaseSchedule, cfg.AutoReleaseSchedule)
	assert.Equal(t, DefaultGatewayTimeout, cfg.GatewayTimeout)
	assert.Equal(t, "INR", cfg.Currency)
	assert.Equal(t, "100.00", cfg.MinTopUp.StringFixed(2))
	assert.Equal(t, "100000.00", cfg.MaxTopUp.StringFixed(2))
	assert.True(t, cfg.SandboxGateway())
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "JWT_SECRET", "test-secret")
	setEnv(t, "PLATFORM_FEE_BPS", "250")
	setEnv(t, "AUTO_RELEASE_DAYS", "7")
	setEnv(t, "PENDING_PAYMENT_TTL", "1h")
	setEnv(t, "AUTO_MIGRATE", "true")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://app.hireloop.in, https://admin.hireloop.in,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(250), cfg.PlatformFeeBPS)
	assert.Equal(t, 7, cfg.AutoReleaseDays)
	assert.Equal(t, time.Hour, cfg.PendingPaymentTTL)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, []string{"https://app.hireloop.in", "https://admin.hireloop.in"}, cfg.CORSOrigins)
}

func TestLoad_InvalidAmount(t *testing.T) {
	setEnv(t, "JWT_SECRET", "test-secret")
	setEnv(t, "MIN_TOPUP", "-5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MIN_TOPUP")
}

func validConfig() *Config {
	return &Config{
		Env:                 "development",
		JWTSecret:           "s",
		PlatformFeeBPS:      500,
		AutoReleaseDays:     3,
		AutoReleaseSchedule: DefaultAutoReleaseSchedule,
		ExpirySchedule:      DefaultExpirySchedule,
		ReconcileSchedule:   DefaultReconcileSchedule,
		GatewayTimeout:      time.Second,
		GatewayBaseURL:      DefaultGatewayBaseURL,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"fee too high", func(c *Config) { c.PlatformFeeBPS = 20000 }, "PLATFORM_FEE_BPS"},
		{"negative days", func(c *Config) { c.AutoReleaseDays = -1 }, "AUTO_RELEASE_DAYS"},
		{"bad cron", func(c *Config) { c.AutoReleaseSchedule = "every hour" }, "AUTO_RELEASE_SCHEDULE"},
		{"half gateway creds", func(c *Config) { c.GatewayKeyID = "rzp_live" }, "must be set together"},
		{"production needs db", func(c *Config) { c.Env = "production" }, "DATABASE_URL"},
		{"production needs webhook secret", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://x"
			c.GatewayKeyID, c.GatewayKeySecret = "id", "secret"
		}, "GATEWAY_WEBHOOK_SECRET"},
		{"production needs public gateway", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://x"
			c.GatewayKeyID, c.GatewayKeySecret = "id", "secret"
			c.GatewayWebhookSecret = "whsec"
			c.GatewayBaseURL = "http://10.0.0.4/v1"
		}, "GATEWAY_BASE_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
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

func TestEnvironmentHelpers(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
