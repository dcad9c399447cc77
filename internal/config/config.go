// Package config loads the example server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrInvalidConfig is wrapped by every validation failure returned by Load.
var ErrInvalidConfig = errors.New("invalid config")

// Store kinds accepted by SHIELD_STORE.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	Limit         int  `env:"SHIELD_LIMIT" envDefault:"100"`
	PeriodMinutes int  `env:"SHIELD_PERIOD_MINUTES" envDefault:"1"`
	FailClosed    bool `env:"SHIELD_FAIL_CLOSED" envDefault:"false"`

	// TrustedProxies lists CIDRs or bare IPs allowed to set X-Forwarded-For.
	TrustedProxies []string `env:"SHIELD_TRUSTED_PROXIES" envSeparator:","`

	Store           string        `env:"SHIELD_STORE" envDefault:"memory"`
	CleanupInterval time.Duration `env:"SHIELD_MEMORY_CLEANUP_INTERVAL" envDefault:"1m"`
	StoreTimeout    time.Duration `env:"SHIELD_STORE_TIMEOUT" envDefault:"5s"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	DatabaseURL string `env:"DATABASE_URL"`
}

// Load reads an optional .env file and parses the environment into Config.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks limits and the store selection.
func (c Config) Validate() error {
	if c.Limit < 1 {
		return fmt.Errorf("%w: SHIELD_LIMIT must be positive, got %d", ErrInvalidConfig, c.Limit)
	}
	if c.PeriodMinutes < 1 {
		return fmt.Errorf("%w: SHIELD_PERIOD_MINUTES must be positive, got %d", ErrInvalidConfig, c.PeriodMinutes)
	}

	switch c.Store {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported SHIELD_STORE %q", ErrInvalidConfig, c.Store)
	}

	if _, err := c.ProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// ProxyPrefixes parses TrustedProxies. A bare IP becomes a single-address prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: SHIELD_TRUSTED_PROXIES: %w", ErrInvalidConfig, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: SHIELD_TRUSTED_PROXIES: %w", ErrInvalidConfig, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
