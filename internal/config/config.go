// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Only one carrier API key is strictly required for the gateway to start.
// Redis is optional — set CACHE_PROVIDER=memory to use the built-in
// in-process cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
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

	// Carrier credentials — at least one must be non-empty.
	EasyPost CarrierConfig
	Shippo   CarrierConfig
	Veeqo    CarrierConfig

	// Resilience controls the shared retry/breaker settings applied to every
	// carrier adapter.
	Resilience ResilienceConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// RemoteCache holds the connection details for the Redis-backed cache.
	// Required only when Cache.Provider is "remote".
	RemoteCache RemoteCacheConfig

	// RateLimit controls request-rate limiting at the HTTP edge.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// CarrierConfig holds configuration for a single shipping carrier.
type CarrierConfig struct {
	// APIKey is the carrier API key. Leave empty to disable the carrier.
	APIKey string

	// BaseURL overrides the carrier's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// Disabled administratively removes the carrier from traffic without
	// unconfiguring its key.
	Disabled bool
}

// ResilienceConfig holds the retry and circuit breaker settings shared by all
// carrier adapters.
type ResilienceConfig struct {
	// RequestTimeout bounds every individual upstream attempt. Default: 30s.
	RequestTimeout time.Duration

	// MaxRetries is the total number of attempts including the first.
	// Default: 3.
	MaxRetries int

	// BaseDelay seeds the exponential backoff. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 30s.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each attempt. Default: 2.0.
	BackoffFactor float64

	// FailureThreshold is the number of consecutive failures that trip a
	// carrier's circuit breaker. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long a tripped breaker stays open before
	// admitting a probe. Default: 60s.
	RecoveryTimeout time.Duration
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Provider selects the cache backend:
	//   "remote" — Redis-backed cache, shared across replicas.
	//   "memory" — In-process LRU cache. No external deps; not shared.
	// Default: "memory".
	Provider string

	// Enabled is the global cache kill-switch. Default: true.
	Enabled bool

	// MemoryMaxSize is the in-process LRU capacity. Default: 1000.
	MemoryMaxSize int

	// RateQuoteTTL is the lifetime of cached rate quotes. Default: 5m.
	RateQuoteTTL time.Duration

	// HealthCheckTTL is the lifetime of cached health probe results.
	// Default: 30s.
	HealthCheckTTL time.Duration

	// PurchaseTTL is the lifetime of the purchase idempotency guard.
	// Default: 1h.
	PurchaseTTL time.Duration
}

// RemoteCacheConfig holds Redis connection configuration.
type RemoteCacheConfig struct {
	Host     string
	Port     int
	Password string
	DB       int

	// KeyPrefix namespaces this gateway's keys inside a shared Redis.
	// Default: "shipgw".
	KeyPrefix string
}

// URL renders the redis:// connection string go-redis parses.
func (r RemoteCacheConfig) URL() string {
	auth := ""
	if r.Password != "" {
		auth = ":" + r.Password + "@"
	}
	return fmt.Sprintf("redis://%s%s:%d/%d", auth, r.Host, r.Port, r.DB)
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per client.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one carrier API key must be configured.
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
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Resilience defaults.
	v.SetDefault("PROVIDER_REQUEST_TIMEOUT_MS", 30_000)
	v.SetDefault("PROVIDER_MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_BASE_DELAY_MS", 1_000)
	v.SetDefault("PROVIDER_MAX_DELAY_MS", 30_000)
	v.SetDefault("PROVIDER_BACKOFF_FACTOR", 2.0)
	v.SetDefault("PROVIDER_FAILURE_THRESHOLD", 5)
	v.SetDefault("PROVIDER_RECOVERY_TIMEOUT_MS", 60_000)

	// Cache defaults.
	v.SetDefault("CACHE_PROVIDER", "memory")
	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_MEMORY_MAX_SIZE", 1000)
	v.SetDefault("CACHE_TTL_RATE_QUOTE_MS", 300_000)
	v.SetDefault("CACHE_TTL_HEALTH_CHECK_MS", 30_000)
	v.SetDefault("CACHE_TTL_PURCHASE_MS", 3_600_000)
	v.SetDefault("REMOTE_CACHE_PORT", 6379)
	v.SetDefault("REMOTE_CACHE_DB", 0)
	v.SetDefault("REMOTE_CACHE_KEY_PREFIX", "shipgw")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		EasyPost: CarrierConfig{
			APIKey:   v.GetString("PROVIDER_EASYPOST_API_KEY"),
			BaseURL:  v.GetString("PROVIDER_EASYPOST_BASE_URL"),
			Disabled: v.GetBool("PROVIDER_EASYPOST_DISABLED"),
		},
		Shippo: CarrierConfig{
			APIKey:   v.GetString("PROVIDER_SHIPPO_API_KEY"),
			BaseURL:  v.GetString("PROVIDER_SHIPPO_BASE_URL"),
			Disabled: v.GetBool("PROVIDER_SHIPPO_DISABLED"),
		},
		Veeqo: CarrierConfig{
			APIKey:   v.GetString("PROVIDER_VEEQO_API_KEY"),
			BaseURL:  v.GetString("PROVIDER_VEEQO_BASE_URL"),
			Disabled: v.GetBool("PROVIDER_VEEQO_DISABLED"),
		},

		Resilience: ResilienceConfig{
			RequestTimeout:   msDuration(v.GetInt("PROVIDER_REQUEST_TIMEOUT_MS")),
			MaxRetries:       v.GetInt("PROVIDER_MAX_RETRIES"),
			BaseDelay:        msDuration(v.GetInt("PROVIDER_BASE_DELAY_MS")),
			MaxDelay:         msDuration(v.GetInt("PROVIDER_MAX_DELAY_MS")),
			BackoffFactor:    v.GetFloat64("PROVIDER_BACKOFF_FACTOR"),
			FailureThreshold: v.GetInt("PROVIDER_FAILURE_THRESHOLD"),
			RecoveryTimeout:  msDuration(v.GetInt("PROVIDER_RECOVERY_TIMEOUT_MS")),
		},

		Cache: CacheConfig{
			Provider:       strings.ToLower(v.GetString("CACHE_PROVIDER")),
			Enabled:        v.GetBool("CACHE_ENABLED"),
			MemoryMaxSize:  v.GetInt("CACHE_MEMORY_MAX_SIZE"),
			RateQuoteTTL:   msDuration(v.GetInt("CACHE_TTL_RATE_QUOTE_MS")),
			HealthCheckTTL: msDuration(v.GetInt("CACHE_TTL_HEALTH_CHECK_MS")),
			PurchaseTTL:    msDuration(v.GetInt("CACHE_TTL_PURCHASE_MS")),
		},

		RemoteCache: RemoteCacheConfig{
			Host:      v.GetString("REMOTE_CACHE_HOST"),
			Port:      v.GetInt("REMOTE_CACHE_PORT"),
			Password:  v.GetString("REMOTE_CACHE_PASSWORD"),
			DB:        v.GetInt("REMOTE_CACHE_DB"),
			KeyPrefix: v.GetString("REMOTE_CACHE_KEY_PREFIX"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneCarrierKey() {
		return fmt.Errorf(
			"config: at least one carrier API key is required " +
				"(PROVIDER_EASYPOST_API_KEY, PROVIDER_SHIPPO_API_KEY, or PROVIDER_VEEQO_API_KEY)",
		)
	}

	switch c.Cache.Provider {
	case "memory", "remote":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_PROVIDER %q; must be one of: memory, remote",
			c.Cache.Provider,
		)
	}

	if c.Cache.Provider == "remote" && c.RemoteCache.Host == "" {
		return fmt.Errorf(
			"config: REMOTE_CACHE_HOST is required when CACHE_PROVIDER=remote; " +
				"set CACHE_PROVIDER=memory to use the built-in in-process cache",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("config: PROVIDER_FAILURE_THRESHOLD must be ≥ 1, got %d", c.Resilience.FailureThreshold)
	}
	if c.Resilience.MaxRetries < 1 {
		return fmt.Errorf("config: PROVIDER_MAX_RETRIES must be ≥ 1, got %d", c.Resilience.MaxRetries)
	}
	if c.Resilience.BackoffFactor <= 0 {
		return fmt.Errorf("config: PROVIDER_BACKOFF_FACTOR must be positive")
	}
	if c.Resilience.RequestTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_REQUEST_TIMEOUT_MS must be positive")
	}

	return nil
}

// AtLeastOneCarrierKey returns true if at least one carrier is configured.
func (c *Config) AtLeastOneCarrierKey() bool {
	return c.EasyPost.APIKey != "" ||
		c.Shippo.APIKey != "" ||
		c.Veeqo.APIKey != ""
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
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
