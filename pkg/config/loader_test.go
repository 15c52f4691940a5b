package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/campaignbilling/pkg/config"
)

type policyConfig struct {
	TrialDays  int           `env:"TRIAL_DAYS" envDefault:"7"`
	Timeout    time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"15s"`
	Origins    []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	MerchantID string        `env:"MERCHANT_ID,required,notEmpty"`
}

func TestLoad(t *testing.T) {
	t.Run("defaults and overrides", func(t *testing.T) {
		t.Setenv("MERCHANT_ID", "2000132")
		t.Setenv("ALLOWED_ORIGINS", "https://app.example.com,https://admin.example.com")

		var cfg policyConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, 7, cfg.TrialDays)
		assert.Equal(t, 15*time.Second, cfg.Timeout)
		assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.Origins)
		assert.Equal(t, "2000132", cfg.MerchantID)
	})

	t.Run("missing required variable", func(t *testing.T) {
		t.Setenv("MERCHANT_ID", "")

		var cfg policyConfig
		err := config.Load(&cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})

	t.Run("prefix", func(t *testing.T) {
		t.Setenv("SANDBOX_MERCHANT_ID", "3002607")
		t.Setenv("SANDBOX_TRIAL_DAYS", "14")

		var cfg policyConfig
		require.NoError(t, config.LoadWithPrefix(&cfg, "SANDBOX_"))
		assert.Equal(t, "3002607", cfg.MerchantID)
		assert.Equal(t, 14, cfg.TrialDays)
	})

	t.Run("nil pointer", func(t *testing.T) {
		var cfg *policyConfig
		assert.ErrorIs(t, config.Load(cfg), config.ErrNilPointer)
	})
}
