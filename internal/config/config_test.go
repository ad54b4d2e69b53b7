package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("THIRDSPACE_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, 15*time.Minute, cfg.Tokens.AccessTTL)
	require.Equal(t, 7*24*time.Hour, cfg.Tokens.RefreshTTL)
	require.Equal(t, RatePolicy{Limit: 10, Window: 15 * time.Minute}, cfg.RateLimits.Login)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thirdspace.yaml")
	body := []byte(`
addr: ":9000"
store: memory
tokens:
  access_ttl: 5m
rate_limits:
  login:
    limit: 3
    window: 1m
idempotency:
  sweep_schedule: "@every 10m"
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	t.Setenv("THIRDSPACE_CONFIG", path)
	t.Setenv("THIRDSPACE_ADDR", ":9100")
	t.Setenv("THIRDSPACE_CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Addr)
	require.Equal(t, StoreMemory, cfg.Store)
	require.Equal(t, 5*time.Minute, cfg.Tokens.AccessTTL)
	require.Equal(t, 7*24*time.Hour, cfg.Tokens.RefreshTTL)
	require.Equal(t, RatePolicy{Limit: 3, Window: time.Minute}, cfg.RateLimits.Login)
	require.Equal(t, "@every 10m", cfg.Idempotency.SweepSchedule)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("THIRDSPACE_CONFIG", "")
	t.Setenv("THIRDSPACE_STORE", "cassandra")
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown store")
}

func TestSweepCanBeDisabled(t *testing.T) {
	t.Setenv("THIRDSPACE_CONFIG", "")
	t.Setenv("THIRDSPACE_IDEMPOTENCY_SWEEP", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.Empty(t, cfg.Idempotency.SweepSchedule)
}

func TestTrustedProxies(t *testing.T) {
	t.Setenv("THIRDSPACE_CONFIG", "")
	t.Setenv("THIRDSPACE_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.10")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.0/8", "192.168.1.10"}, cfg.TrustedProxies)

	t.Setenv("THIRDSPACE_TRUSTED_PROXIES", "not-an-ip")
	_, err = Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "trusted_proxies")
}
