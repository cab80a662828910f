package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 200000, cfg.Raffle.DefaultCapacity)
	assert.Equal(t, 100, cfg.Raffle.DefaultInstantWins)
	assert.Equal(t, 5*time.Minute, cfg.Payment.WebhookTolerance)
	assert.Equal(t, "payments:confirmed", cfg.Payment.Stream)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, 200.0, cfg.Server.WebhookRateLimitRPS)
	assert.Equal(t, 400, cfg.Server.WebhookRateLimitBurst)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("ADMIN_EMAILS", "boss@example.com,ops@example.com")
	t.Setenv("ALLOCATION_MAX_ATTEMPTS", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.True(t, cfg.IsAdminEmail("ops@example.com"))
	assert.False(t, cfg.IsAdminEmail("angler@example.com"))
	assert.Equal(t, 9, cfg.Raffle.AllocationMaxAttempts)
}

func TestLoad_AdminEmailsIgnoreCase(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("ADMIN_EMAILS", "Boss@Example.com, OPS@example.COM")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"boss@example.com", "ops@example.com"}, cfg.Auth.AdminEmails)
	assert.True(t, cfg.IsAdminEmail("boss@example.com"))
	assert.True(t, cfg.IsAdminEmail("ops@example.com"))
	assert.False(t, cfg.IsAdminEmail("angler@example.com"))
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown driver":      {"WEBHOOK_SECRET": "x", "STORE_DRIVER": "mongo"},
		"missing hmac secret": {"WEBHOOK_SECRET": ""},
		"omise without keys":  {"PAYMENT_PROVIDER": "omise"},
		"async without redis": {"WEBHOOK_SECRET": "x", "PAYMENT_ASYNC": "true", "REDIS_ENABLED": "false"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
