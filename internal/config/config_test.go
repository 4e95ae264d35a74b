package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROVIDER_SHIPPO_API_KEY", "shippo_test_key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 || cfg.LogLevel != "info" {
		t.Fatalf("unexpected base defaults: %+v", cfg)
	}
	if cfg.Resilience.MaxRetries != 3 || cfg.Resilience.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected resilience defaults: %+v", cfg.Resilience)
	}
	if cfg.Resilience.FailureThreshold != 5 || cfg.Resilience.RecoveryTimeout != time.Minute {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Resilience)
	}
	if cfg.Cache.Provider != "memory" || !cfg.Cache.Enabled || cfg.Cache.MemoryMaxSize != 1000 {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Cache.RateQuoteTTL != 5*time.Minute || cfg.Cache.HealthCheckTTL != 30*time.Second || cfg.Cache.PurchaseTTL != time.Hour {
		t.Fatalf("unexpected TTL defaults: %+v", cfg.Cache)
	}
}

func TestLoadRequiresACarrierKey(t *testing.T) {
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "at least one carrier API key") {
		t.Fatalf("err = %v, want missing-key error", err)
	}
}

func TestLoadRemoteCacheNeedsHost(t *testing.T) {
	t.Setenv("PROVIDER_SHIPPO_API_KEY", "shippo_test_key")
	t.Setenv("CACHE_PROVIDER", "remote")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "REMOTE_CACHE_HOST") {
		t.Fatalf("err = %v, want remote-cache host error", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PROVIDER_EASYPOST_API_KEY", "ep_test_key")
	t.Setenv("PROVIDER_EASYPOST_BASE_URL", "http://127.0.0.1:9999/v2")
	t.Setenv("PROVIDER_VEEQO_API_KEY", "vq_test_key")
	t.Setenv("PROVIDER_VEEQO_DISABLED", "true")
	t.Setenv("PROVIDER_MAX_RETRIES", "5")
	t.Setenv("CACHE_TTL_RATE_QUOTE_MS", "60000")
	t.Setenv("RPM_LIMIT", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.EasyPost.BaseURL != "http://127.0.0.1:9999/v2" {
		t.Fatalf("base url override lost: %+v", cfg.EasyPost)
	}
	if !cfg.Veeqo.Disabled {
		t.Fatal("disabled flag lost")
	}
	if cfg.Resilience.MaxRetries != 5 || cfg.Cache.RateQuoteTTL != time.Minute || cfg.RateLimit.RPMLimit != 120 {
		t.Fatalf("overrides lost: %+v", cfg)
	}
}

func TestRemoteCacheURL(t *testing.T) {
	r := RemoteCacheConfig{Host: "cache.internal", Port: 6380, DB: 2}
	if got := r.URL(); got != "redis://cache.internal:6380/2" {
		t.Fatalf("URL() = %q", got)
	}

	r.Password = "hunter2"
	if got := r.URL(); got != "redis://:hunter2@cache.internal:6380/2" {
		t.Fatalf("URL() with password = %q", got)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PROVIDER_SHIPPO_API_KEY", "shippo_test_key")
	t.Setenv("CACHE_PROVIDER", "memcached")

	if _, err := Load(); err == nil {
		t.Fatal("invalid CACHE_PROVIDER must be rejected")
	}
}
