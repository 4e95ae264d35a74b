package carriers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nulpointcorp/shipping-gateway/internal/cache"
	"github.com/nulpointcorp/shipping-gateway/internal/metrics"
	"github.com/nulpointcorp/shipping-gateway/internal/resilience"
	"github.com/nulpointcorp/shipping-gateway/pkg/shiperr"
)

// TTLs holds the per-operation cache lifetimes. Zero values fall back to the
// defaults below.
type TTLs struct {
	RateQuote time.Duration // default 5m
	Health    time.Duration // default 30s
	Purchase  time.Duration // default 1h
}

func (t TTLs) withDefaults() TTLs {
	if t.RateQuote <= 0 {
		t.RateQuote = 5 * time.Minute
	}
	if t.Health <= 0 {
		t.Health = 30 * time.Second
	}
	if t.Purchase <= 0 {
		t.Purchase = time.Hour
	}
	return t
}

// PipelineConfig assembles a Pipeline for one carrier.
type PipelineConfig struct {
	Provider string
	Retry    resilience.RetryConfig
	Breaker  resilience.BreakerConfig
	TTL      TTLs
}

// Pipeline is the shared resilience and caching plumbing every adapter runs
// its upstream calls through: cache consult, circuit breaker, retry with
// backoff, error classification, cache fill and invalidation.
//
// Cache failures never fail an operation — a failed read is a miss and a
// failed write is a no-op, logged at WARN.
type Pipeline struct {
	provider string
	cache    cache.Backend // nil disables caching
	ttl      TTLs
	retry    *resilience.Retry
	breaker  *resilience.Breaker
	metrics  *metrics.Registry // nil-safe
	log      *slog.Logger
}

// NewPipeline builds the pipeline for one carrier. c may be nil to disable
// caching; m may be nil to disable metrics.
func NewPipeline(cfg PipelineConfig, c cache.Backend, m *metrics.Registry, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	breaker := resilience.NewBreaker(cfg.Provider, cfg.Breaker, log)
	retry := resilience.NewRetry(cfg.Provider, cfg.Retry, breaker, log)

	if m != nil {
		m.SetCircuitBreaker(cfg.Provider, int64(resilience.StateClosed))
		breaker.OnStateChange(func(s resilience.BreakerState) {
			m.SetCircuitBreaker(cfg.Provider, int64(s))
		})
		retry.ObserveAttempts(func(op, outcome string, d time.Duration) {
			m.ObserveUpstreamAttempt(cfg.Provider, op, outcome, d)
		})
		retry.OnBreakerRejection(func() {
			m.RecordCircuitBreakerRejection(cfg.Provider)
		})
	}

	return &Pipeline{
		provider: cfg.Provider,
		cache:    c,
		ttl:      cfg.TTL.withDefaults(),
		retry:    retry,
		breaker:  breaker,
		metrics:  m,
		log:      log,
	}
}

// Breaker exposes the carrier's circuit breaker for health reporting.
func (p *Pipeline) Breaker() *resilience.Breaker { return p.breaker }

// Quote runs fetch through the resilience pipeline with quote caching.
// The shipment is normalized and validated first; invalid input raises a
// validation error without touching the upstream or the breaker.
func (p *Pipeline) Quote(ctx context.Context, in *ShipmentInput, fetch func(context.Context) ([]RateQuote, error)) ([]RateQuote, error) {
	corrID := shiperr.OrNewCorrelationID(shiperr.CorrelationIDFrom(ctx))

	if err := in.Normalize(); err != nil {
		p.recordError(shiperr.KindValidation)
		return nil, shiperr.NewValidation(p.provider, "quote", corrID, "parcel", "", err.Error())
	}

	key := RateQuoteKey(p.provider, in)
	if quotes, ok := p.cachedQuotes(ctx, key); ok {
		p.recordQuote("cached")
		return quotes, nil
	}

	quotes, err := resilience.Do(ctx, p.retry, "quote", fetch)
	if err != nil {
		p.recordQuote("error")
		p.recordError(shiperr.KindOf(err))
		return nil, err
	}

	p.storeQuotes(ctx, key, quotes)
	p.recordQuote("success")
	return quotes, nil
}

// Purchase runs fetch through the resilience pipeline with an idempotency
// guard: a replayed rate id within the guard TTL returns the original result
// instead of buying a second label. A successful purchase invalidates every
// cached quote for this carrier, since upstream rate ids are single-use.
func (p *Pipeline) Purchase(ctx context.Context, req *PurchaseRequest, fetch func(context.Context) (*PurchaseResult, error)) (*PurchaseResult, error) {
	corrID := shiperr.OrNewCorrelationID(shiperr.CorrelationIDFrom(ctx))

	if req.RateID == "" {
		p.recordError(shiperr.KindValidation)
		return nil, shiperr.NewValidation(p.provider, "purchase", corrID, "rate_id", "", "rate_id is required")
	}

	guard := PurchaseKey(p.provider, req.RateID)
	if res, ok := p.cachedPurchase(ctx, guard); ok {
		p.recordPurchase("replayed")
		return res, nil
	}

	res, err := resilience.Do(ctx, p.retry, "purchase", fetch)
	if err != nil {
		p.recordPurchase("error")
		p.recordError(shiperr.KindOf(err))
		return nil, err
	}

	p.storePurchase(ctx, guard, res)
	p.invalidateQuotes(ctx)
	p.recordPurchase("success")
	return res, nil
}

// Health runs probe with the health-result cache in front. It never returns
// an error: a failed probe, an expired breaker, or a dead cache all collapse
// to a boolean.
func (p *Pipeline) Health(ctx context.Context, probe func(context.Context) error) bool {
	key := HealthKey(p.provider)

	if p.cache != nil {
		if raw, ok := p.cache.Get(ctx, key); ok {
			p.recordCacheOp("get", "hit")
			return string(raw) == "up"
		}
		p.recordCacheOp("get", "miss")
	}

	probeCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	healthy := probe(probeCtx) == nil

	if p.cache != nil {
		state := "down"
		if healthy {
			state = "up"
		}
		if err := p.cache.Set(ctx, key, []byte(state), cache.SetOptions{TTL: p.ttl.Health}); err != nil {
			p.warnCache(ctx, "set", key, err)
		}
	}
	if p.metrics != nil {
		p.metrics.SetCarrierHealth(p.provider, healthy)
	}
	return healthy
}

// ── Cache plumbing ───────────────────────────────────────────────────────────

func (p *Pipeline) cachedQuotes(ctx context.Context, key string) ([]RateQuote, bool) {
	if p.cache == nil {
		return nil, false
	}
	raw, ok := p.cache.Get(ctx, key)
	if !ok {
		p.recordCacheOp("get", "miss")
		return nil, false
	}

	var quotes []RateQuote
	if err := json.Unmarshal(raw, &quotes); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		p.warnCache(ctx, "decode", key, err)
		p.cache.Delete(ctx, key)
		return nil, false
	}
	p.recordCacheOp("get", "hit")
	return quotes, true
}

func (p *Pipeline) storeQuotes(ctx context.Context, key string, quotes []RateQuote) {
	if p.cache == nil {
		return
	}
	data, err := json.Marshal(quotes)
	if err != nil {
		p.warnCache(ctx, "encode", key, err)
		return
	}
	if err := p.cache.Set(ctx, key, data, cache.SetOptions{TTL: p.ttl.RateQuote}); err != nil {
		p.warnCache(ctx, "set", key, err)
		return
	}
	p.recordCacheOp("set", "ok")
}

func (p *Pipeline) cachedPurchase(ctx context.Context, key string) (*PurchaseResult, bool) {
	if p.cache == nil {
		return nil, false
	}
	raw, ok := p.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var res PurchaseResult
	if err := json.Unmarshal(raw, &res); err != nil {
		p.warnCache(ctx, "decode", key, err)
		p.cache.Delete(ctx, key)
		return nil, false
	}
	return &res, true
}

func (p *Pipeline) storePurchase(ctx context.Context, key string, res *PurchaseResult) {
	if p.cache == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		p.warnCache(ctx, "encode", key, err)
		return
	}
	if err := p.cache.Set(ctx, key, data, cache.SetOptions{TTL: p.ttl.Purchase}); err != nil {
		p.warnCache(ctx, "set", key, err)
	}
}

// invalidateQuotes drops every cached quote for this carrier.
func (p *Pipeline) invalidateQuotes(ctx context.Context) {
	if p.cache == nil {
		return
	}
	removed := 0
	for _, key := range p.cache.Keys(ctx, RateQuotePattern(p.provider)) {
		if p.cache.Delete(ctx, key) {
			removed++
		}
	}
	if removed > 0 {
		p.recordCacheOp("delete", "ok")
		p.log.DebugContext(ctx, "quotes_invalidated",
			slog.String("carrier", p.provider),
			slog.Int("removed", removed),
		)
	}
}

func (p *Pipeline) warnCache(ctx context.Context, op, key string, err error) {
	p.recordCacheOp(op, "error")
	p.log.WarnContext(ctx, "cache_degraded",
		slog.String("carrier", p.provider),
		slog.String("cache_op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}

// ── Metrics plumbing (nil-safe) ──────────────────────────────────────────────

func (p *Pipeline) recordQuote(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordQuote(p.provider, outcome)
	}
}

func (p *Pipeline) recordPurchase(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordPurchase(p.provider, outcome)
	}
}

func (p *Pipeline) recordCacheOp(op, result string) {
	if p.metrics != nil {
		p.metrics.RecordCacheOp(op, result)
	}
}

func (p *Pipeline) recordError(kind shiperr.Kind) {
	if p.metrics != nil {
		p.metrics.RecordError(p.provider, kind.String())
	}
}
