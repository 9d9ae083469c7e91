// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// The gateway needs three external collaborators to start: a Postgres
// database holding projects/providers/models/strategies, a Redis instance for
// the spend and response caches, and the operator master key used to decrypt
// stored provider credentials. Everything else has a sensible default.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DatabaseURL is the Postgres connection string for the relational store
	// (projects, providers, models, strategies, rules, logs, alerts). Required.
	DatabaseURL string

	// Redis holds the connection URL for the spend cache, the response cache,
	// and the refill-job locks. Required unless CacheMode is "memory" AND the
	// spend cache is acceptable to run in degraded (always-miss) mode; in
	// practice: required.
	Redis RedisConfig

	// EncryptionKey is the operator master key used to decrypt provider
	// credentials at rest. Required; never logged.
	EncryptionKey string

	// Cache controls the response cache backend.
	Cache CacheConfig

	// Spend controls the fast spend cache and refill behaviour.
	Spend SpendConfig

	// ConfigCacheTTL is the TTL of the read-through provider/model/strategy
	// configuration cache. Admin changes take effect after at most this long.
	// Default: 10m.
	ConfigCacheTTL time.Duration

	// UpstreamTimeout bounds the forwarded provider call. Default: 30s.
	UpstreamTimeout time.Duration

	// AlertThresholds are the budget-alert levels in percent, ascending.
	// Default: [80, 100].
	AlertThresholds []int

	// WebhookTimeout bounds a single budget-alert webhook delivery.
	// Default: 10s.
	WebhookTimeout time.Duration

	// LogCacheHits controls whether a response served from the cache is still
	// appended to the request log (always with cost 0 — a hit is never billed
	// twice). Default: false, matching the behaviour billing reports were
	// built against.
	LogCacheHits bool

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the response cache backend:
	//   "redis"  — shared across replicas. Recommended for production.
	//   "memory" — in-process TTL cache, single-instance/dev only.
	// Default: "redis".
	Mode string

	// DefaultTTL is used when a project enables caching without a TTL of its
	// own. Default: 1h.
	DefaultTTL time.Duration
}

// SpendConfig controls the fast spend cache.
type SpendConfig struct {
	// TTL is the lifetime of a refilled spend value. This is the bounded
	// staleness window: after a refill, traffic keeps the entry alive via
	// write-through increments, and an idle entry ages out within TTL.
	// Default: 60s.
	TTL time.Duration

	// RefillLockTTL bounds how long a single refill job holds the per-project
	// lock that keeps concurrent misses from stampeding Postgres. Default: 10s.
	RefillLockTTL time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "redis")
	v.SetDefault("CACHE_DEFAULT_TTL", "1h")
	v.SetDefault("SPEND_CACHE_TTL", "60s")
	v.SetDefault("SPEND_REFILL_LOCK_TTL", "10s")
	v.SetDefault("CONFIG_CACHE_TTL", "10m")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("ALERT_THRESHOLDS", []int{80, 100})
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")
	v.SetDefault("LOG_CACHE_HITS", false)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DatabaseURL:   v.GetString("DATABASE_URL"),
		Redis:         RedisConfig{URL: v.GetString("REDIS_URL")},
		EncryptionKey: v.GetString("ENCRYPTION_KEY"),

		Cache: CacheConfig{
			Mode:       strings.ToLower(v.GetString("CACHE_MODE")),
			DefaultTTL: v.GetDuration("CACHE_DEFAULT_TTL"),
		},

		Spend: SpendConfig{
			TTL:           v.GetDuration("SPEND_CACHE_TTL"),
			RefillLockTTL: v.GetDuration("SPEND_REFILL_LOCK_TTL"),
		},

		ConfigCacheTTL:  v.GetDuration("CONFIG_CACHE_TTL"),
		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		AlertThresholds: v.GetIntSlice("ALERT_THRESHOLDS"),
		WebhookTimeout:  v.GetDuration("WEBHOOK_TIMEOUT"),
		LogCacheHits:    v.GetBool("LOG_CACHE_HITS"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("config: ENCRYPTION_KEY is required (provider credentials cannot be decrypted without it)")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required (spend cache and refill locks)")
	}

	switch c.Cache.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory", c.Cache.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Spend.TTL <= 0 {
		return fmt.Errorf("config: SPEND_CACHE_TTL must be a positive duration")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	if len(c.AlertThresholds) == 0 {
		return fmt.Errorf("config: ALERT_THRESHOLDS must not be empty")
	}
	if !sort.IntsAreSorted(c.AlertThresholds) {
		return fmt.Errorf("config: ALERT_THRESHOLDS must be ascending, got %v", c.AlertThresholds)
	}
	for _, t := range c.AlertThresholds {
		if t <= 0 || t > 100 {
			return fmt.Errorf("config: alert threshold %d out of range (1..100)", t)
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
