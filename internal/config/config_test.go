package config

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 100, cfg.Limit)
	assert.Equal(t, 1, cfg.PeriodMinutes)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.False(t, cfg.FailClosed)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("SHIELD_LIMIT", "10")
	t.Setenv("SHIELD_PERIOD_MINUTES", "3")
	t.Setenv("SHIELD_STORE", " Redis ")
	t.Setenv("SHIELD_FAIL_CLOSED", "true")
	t.Setenv("SHIELD_MEMORY_CLEANUP_INTERVAL", "30s")
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_DB", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Limit)
	assert.Equal(t, 3, cfg.PeriodMinutes)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.True(t, cfg.FailClosed)
	assert.Equal(t, 30*time.Second, cfg.CleanupInterval)
	assert.Equal(t, "cache:6380", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "zero limit", env: map[string]string{"SHIELD_LIMIT": "0"}},
		{name: "negative period", env: map[string]string{"SHIELD_PERIOD_MINUTES": "-1"}},
		{name: "not a number", env: map[string]string{"SHIELD_LIMIT": "many"}},
		{name: "unknown store", env: map[string]string{"SHIELD_STORE": "memcached"}},
		{name: "postgres without url", env: map[string]string{"SHIELD_STORE": "postgres"}},
		{name: "bad trusted proxy", env: map[string]string{"SHIELD_TRUSTED_PROXIES": "10.0.0.0/8,proxy.local"}},
		{name: "bad trusted cidr", env: map[string]string{"SHIELD_TRUSTED_PROXIES": "10.0.0.0/40"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_Postgres(t *testing.T) {
	t.Setenv("SHIELD_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/shield")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
}

func TestLoad_TrustedProxies(t *testing.T) {
	t.Setenv("SHIELD_TRUSTED_PROXIES", "10.1.2.3/8, 192.0.2.10,2001:db8::/32")

	cfg, err := Load()
	require.NoError(t, err)

	prefixes, err := cfg.ProxyPrefixes()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.10/32"),
		netip.MustParsePrefix("2001:db8::/32"),
	}, prefixes)
}

func TestProxyPrefixes_NoneByDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	prefixes, err := cfg.ProxyPrefixes()
	require.NoError(t, err)
	assert.Empty(t, prefixes)
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, Config{LogLevel: in}.SlogLevel(), in)
	}
}
