package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("PAYPAL_WEBHOOK_ID", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.CreditCleanupInterval)
	assert.Equal(t, 3, cfg.CreditReminderWindowDays)
	assert.Equal(t, 500, cfg.CreditSweepBatchSize)
	assert.Equal(t, 72*time.Hour, cfg.PendingLotTTL)
	assert.Equal(t, "USD", cfg.PaymentCurrency)
	assert.Equal(t, 15*time.Minute, cfg.JWTAccessTTL)
	assert.True(t, cfg.CreditSchedulerEnabled)
	assert.False(t, cfg.WebhookVerificationEnabled())
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("PAYPAL_WEBHOOK_ID", "WH-123")
	t.Setenv("CREDIT_CLEANUP_INTERVAL", "6h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.True(t, cfg.WebhookVerificationEnabled())
	assert.Equal(t, 6*time.Hour, cfg.CreditCleanupInterval)
}

func TestLoadRejectsBadBatchSize(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CREDIT_SWEEP_BATCH_SIZE", "0")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequiresSecretInProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "super-secret-key-change-me")

	_, err := Load()
	require.Error(t, err)
}
