package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"THRESH_PRICE_CHANGE_PCT", "COOLDOWN_MS", "PORT"} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 0.10, cfg.Thresholds.PriceChangePct)
	require.Equal(t, 30000*time.Millisecond, cfg.Cooldown)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 5, cfg.PrecomputeBatch)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	os.Setenv("THRESH_PRICE_CHANGE_PCT", "0.25")
	os.Setenv("PORT", "9090")
	defer os.Unsetenv("THRESH_PRICE_CHANGE_PCT")
	defer os.Unsetenv("PORT")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 0.25, cfg.Thresholds.PriceChangePct)
	require.Equal(t, 9090, cfg.Port)
}
