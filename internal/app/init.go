package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	shipCache "github.com/nulpointcorp/shipping-gateway/internal/cache"
	"github.com/nulpointcorp/shipping-gateway/internal/carriers"
	easypostprov "github.com/nulpointcorp/shipping-gateway/internal/carriers/easypost"
	shippoprov "github.com/nulpointcorp/shipping-gateway/internal/carriers/shippo"
	veeqoprov "github.com/nulpointcorp/shipping-gateway/internal/carriers/veeqo"
	"github.com/nulpointcorp/shipping-gateway/internal/gateway"
	"github.com/nulpointcorp/shipping-gateway/internal/logger"
	"github.com/nulpointcorp/shipping-gateway/internal/metrics"
	"github.com/nulpointcorp/shipping-gateway/internal/registry"
	"github.com/nulpointcorp/shipping-gateway/internal/resilience"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_PROVIDER=remote.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Enabled && a.cfg.Cache.Provider == "remote" {
		url := a.cfg.RemoteCache.URL()
		a.log.Info("connecting to redis", slog.String("url", redactURL(url)))

		rdb, err := connectRedis(ctx, url)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the cache backend, Prometheus metrics registry, and
// the async request logger.
func (a *App) initServices(ctx context.Context) error {
	switch {
	case !a.cfg.Cache.Enabled:
		a.log.Info("cache backend: disabled")

	case a.cfg.Cache.Provider == "remote":
		a.backend = shipCache.NewRedisFromClient(a.rdb, a.cfg.RemoteCache.KeyPrefix)
		a.cacheReady = redisPinger(a.baseCtx, a.rdb)
		a.log.Info("cache backend: redis",
			slog.String("key_prefix", a.cfg.RemoteCache.KeyPrefix))

	default: // "memory"
		a.memCache = shipCache.NewMemory(ctx, a.cfg.Cache.MemoryMaxSize)
		a.backend = a.memCache
		a.log.Info("cache backend: memory (in-process)",
			slog.Int("max_size", a.cfg.Cache.MemoryMaxSize))
	}

	a.prom = metrics.New()

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initCarriers builds one adapter per configured carrier, each behind its own
// resilience pipeline. At least one carrier key must be set — enforced by
// config validation before we reach here.
func (a *App) initCarriers(_ context.Context) error {
	var cs []carriers.Carrier

	if a.cfg.EasyPost.APIKey != "" {
		var opts []easypostprov.Option
		if a.cfg.EasyPost.BaseURL != "" {
			opts = append(opts, easypostprov.WithBaseURL(a.cfg.EasyPost.BaseURL))
		}
		opts = append(opts, easypostprov.WithDisabled(a.cfg.EasyPost.Disabled))
		cs = append(cs, easypostprov.New(a.cfg.EasyPost.APIKey, a.buildPipeline("easypost"), opts...))
	}
	if a.cfg.Shippo.APIKey != "" {
		var opts []shippoprov.Option
		if a.cfg.Shippo.BaseURL != "" {
			opts = append(opts, shippoprov.WithBaseURL(a.cfg.Shippo.BaseURL))
		}
		opts = append(opts, shippoprov.WithDisabled(a.cfg.Shippo.Disabled))
		cs = append(cs, shippoprov.New(a.cfg.Shippo.APIKey, a.buildPipeline("shippo"), opts...))
	}
	if a.cfg.Veeqo.APIKey != "" {
		var opts []veeqoprov.Option
		if a.cfg.Veeqo.BaseURL != "" {
			opts = append(opts, veeqoprov.WithBaseURL(a.cfg.Veeqo.BaseURL))
		}
		opts = append(opts, veeqoprov.WithDisabled(a.cfg.Veeqo.Disabled))
		cs = append(cs, veeqoprov.New(a.cfg.Veeqo.APIKey, a.buildPipeline("veeqo"), opts...))
	}

	if len(cs) == 0 {
		return fmt.Errorf("no carrier API keys configured")
	}

	a.reg = registry.New(a.log, cs...)
	a.log.Info("carriers loaded", slog.Any("enabled", a.reg.Enabled()))

	return nil
}

// initGateway wires the HTTP edge over the registry with all optional
// subsystems.
func (a *App) initGateway(_ context.Context) error {
	if a.cfg.RateLimit.RPMLimit > 0 {
		a.limiter = a.buildLimiter()
		scope := "process"
		if a.rdb != nil {
			scope = "shared"
		}
		a.log.Info("rate limiting enabled",
			slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
			slog.String("scope", scope))
	}

	a.gw = gateway.New(a.reg, gateway.Options{
		Logger:         a.log,
		Metrics:        a.prom,
		Limiter:        a.limiter,
		RequestLogger:  a.reqLogger,
		CORSOrigins:    a.cfg.CORSOrigins,
		RequestTimeout: a.cfg.Resilience.RequestTimeout,
		CacheReady:     a.cacheReady,
		Version:        a.version,
	})

	return nil
}

// buildLimiter picks the admission limiter backend. With a Redis connection
// (remote cache configured) the sliding window lives in Redis so the RPM
// limit holds across gateway replicas; otherwise it is kept in-process.
func (a *App) buildLimiter() resilience.Limiter {
	cfg := resilience.SlidingWindowConfig{
		Window:      time.Minute,
		MaxRequests: a.cfg.RateLimit.RPMLimit,
	}
	if a.rdb != nil {
		return resilience.NewRedisSlidingWindow(a.rdb, cfg)
	}
	return resilience.NewSlidingWindow(cfg)
}

// buildPipeline derives one carrier's resilience pipeline from the shared
// configuration. Every carrier gets its own breaker and retry state; the
// cache backend and metrics registry are shared.
func (a *App) buildPipeline(provider string) *carriers.Pipeline {
	res := a.cfg.Resilience
	return carriers.NewPipeline(carriers.PipelineConfig{
		Provider: provider,
		Retry: resilience.RetryConfig{
			MaxAttempts:       res.MaxRetries,
			BaseDelay:         res.BaseDelay,
			MaxDelay:          res.MaxDelay,
			BackoffFactor:     res.BackoffFactor,
			PerAttemptTimeout: res.RequestTimeout,
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: res.FailureThreshold,
			RecoveryTimeout:  res.RecoveryTimeout,
		},
		TTL: carriers.TTLs{
			RateQuote: a.cfg.Cache.RateQuoteTTL,
			Health:    a.cfg.Cache.HealthCheckTTL,
			Purchase:  a.cfg.Cache.PurchaseTTL,
		},
	}, a.backend, a.prom, a.log)
}
