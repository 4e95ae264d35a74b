// Package gateway is the HTTP edge of the shipping gateway.
//
// It parses inbound requests, applies admission control, stamps every request
// with a correlation id, and delegates to the carrier registry. All carrier
// resilience (retries, breakers, caching) lives below the registry — the edge
// only translates between HTTP and the normalized shipping model.
//
// Key design constraints:
//   - Metrics, limiter, and request logger are optional and nil-safe.
//   - All carrier calls go through context.Context so timeouts propagate.
//   - Partial fan-out failures still produce a 200 with the surviving rates.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/shipping-gateway/internal/carriers"
	"github.com/nulpointcorp/shipping-gateway/internal/logger"
	"github.com/nulpointcorp/shipping-gateway/internal/metrics"
	"github.com/nulpointcorp/shipping-gateway/internal/registry"
	"github.com/nulpointcorp/shipping-gateway/internal/resilience"
	"github.com/nulpointcorp/shipping-gateway/pkg/apierr"
	"github.com/nulpointcorp/shipping-gateway/pkg/shiperr"
)

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection and the /metrics route.
	// When nil, metrics are disabled.
	Metrics *metrics.Registry

	// Limiter is the per-client admission limiter — in-process or
	// Redis-backed. When nil, no rate limiting is applied at the edge.
	Limiter resilience.Limiter

	// RequestLogger is the async request logger. Optional.
	RequestLogger *logger.Logger

	// CORSOrigins is the allowed-origins list. Empty or ["*"] allows all.
	CORSOrigins []string

	// RequestTimeout bounds one inbound request end to end, including the
	// whole quote fan-out. Default: carriers.RequestTimeout (30s).
	RequestTimeout time.Duration

	// CacheReady is an optional readiness probe for the cache backend,
	// consulted by GET /readiness. Nil means the cache is always ready.
	CacheReady func() bool

	// Version is reported by GET /health.
	Version string
}

// Gateway is the HTTP edge. All dependencies are injected via the constructor
// so they can be replaced with doubles in unit tests.
type Gateway struct {
	registry *registry.Registry
	log      *slog.Logger
	metrics  *metrics.Registry

	limiter    resilience.Limiter
	reqLogger  *logger.Logger
	cacheReady func() bool

	corsOrigins    []string
	requestTimeout time.Duration
	version        string
}

// New creates a Gateway over the given registry.
func New(reg *registry.Registry, opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = carriers.RequestTimeout
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	if opts.Metrics != nil {
		opts.Metrics.SetBuildInfo(version)
	}

	return &Gateway{
		registry:       reg,
		log:            log,
		metrics:        opts.Metrics,
		limiter:        opts.Limiter,
		reqLogger:      opts.RequestLogger,
		cacheReady:     opts.CacheReady,
		corsOrigins:    opts.CORSOrigins,
		requestTimeout: timeout,
		version:        version,
	}
}

// ── Request / response envelopes ──────────────────────────────────────────────

type (
	ratesResponse struct {
		Rates         []carriers.RateQuote `json:"rates"`
		Count         int                  `json:"count"`
		CorrelationID string               `json:"correlation_id"`
	}

	// labelRequest mirrors the POST /v1/labels body. Carrier and rate_id are
	// always required; shipment_id and extras only for carriers whose
	// purchase flow needs them.
	labelRequest struct {
		Carrier    string            `json:"carrier"`
		RateID     string            `json:"rate_id"`
		ShipmentID string            `json:"shipment_id"`
		Extras     map[string]string `json:"extras"`
	}

	healthResponse struct {
		Status   registry.Status `json:"status"`
		Carriers map[string]bool `json:"carriers"`
		Version  string          `json:"version"`
	}
)

// handleRates handles POST /v1/rates: quote every enabled carrier and return
// the merged list sorted by price. Individual carrier failures are absorbed;
// only a fully cancelled fan-out surfaces as an error.
func (g *Gateway) handleRates(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	const route = "rates"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTPRequest(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	corrID := correlationIDOf(ctx)

	if !g.admit(ctx, corrID) {
		return
	}

	var in carriers.ShipmentInput
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	// Validate once at the edge so a bad shipment is a 400, not an empty
	// rate list. Adapters normalize their own copies again.
	probe := in
	if err := probe.Normalize(); err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		return
	}

	if len(g.registry.Enabled()) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway, apierr.APIError{
			Message:       "no carriers configured",
			Type:          apierr.TypeCarrierError,
			Code:          apierr.CodeCarrierError,
			CorrelationID: corrID,
		})
		return
	}

	rctx, cancel := g.requestContext(ctx, corrID)
	defer cancel()

	quotes := g.registry.AllQuotes(rctx, &in)

	if rctx.Err() != nil {
		apierr.WriteTaxonomy(ctx, shiperr.NewTimeout("", "quote", corrID, g.requestTimeout))
		g.logRequest(corrID, "", "quote", 0, time.Since(start), fasthttp.StatusGatewayTimeout)
		return
	}

	g.log.InfoContext(rctx, "rates_merged",
		slog.String("correlation_id", corrID),
		slog.Int("count", len(quotes)),
		slog.Duration("elapsed", time.Since(start)),
	)

	writeJSON(ctx, ratesResponse{
		Rates:         quotes,
		Count:         len(quotes),
		CorrelationID: corrID,
	})
	g.logRequest(corrID, "", "quote", len(quotes), time.Since(start), fasthttp.StatusOK)
}

// handleLabels handles POST /v1/labels: buy a label for a previously quoted
// rate from exactly one carrier.
func (g *Gateway) handleLabels(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	const route = "labels"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTPRequest(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	corrID := correlationIDOf(ctx)

	if !g.admit(ctx, corrID) {
		return
	}

	var req labelRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Carrier == "" {
		apierr.WriteInvalid(ctx, "field 'carrier' is required")
		return
	}
	if req.RateID == "" {
		apierr.WriteInvalid(ctx, "field 'rate_id' is required")
		return
	}

	rctx, cancel := g.requestContext(ctx, corrID)
	defer cancel()

	res, err := g.registry.Purchase(rctx, req.Carrier, &carriers.PurchaseRequest{
		RateID:     req.RateID,
		ShipmentID: req.ShipmentID,
		Extras:     req.Extras,
	})
	if err != nil {
		g.log.ErrorContext(rctx, "purchase_failed",
			slog.String("correlation_id", corrID),
			slog.String("carrier", req.Carrier),
			slog.String("kind", shiperr.KindOf(err).String()),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteTaxonomy(ctx, err)
		g.logRequest(corrID, req.Carrier, "purchase", 0, time.Since(start), ctx.Response.StatusCode())
		return
	}

	g.log.InfoContext(rctx, "label_purchased",
		slog.String("correlation_id", corrID),
		slog.String("carrier", res.Provider),
		slog.String("tracking_code", res.TrackingCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	writeJSON(ctx, res)
	g.logRequest(corrID, req.Carrier, "purchase", 0, time.Since(start), fasthttp.StatusOK)
}

// handleHealth handles GET /health: probe every enabled carrier and fold the
// results into a single status. A fully unhealthy gateway answers 503 so load
// balancers can rotate it out.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	health := g.registry.HealthCheckAll(ctx)
	status := registry.OverallStatus(health)

	if status == registry.StatusUnhealthy {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, healthResponse{
		Status:   status,
		Carriers: health,
		Version:  g.version,
	})
}

// handleReadiness handles GET /readiness: ready when at least one carrier can
// take traffic and the cache backend (if probed) is reachable.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	ready := len(g.registry.Enabled()) > 0
	if ready && g.cacheReady != nil {
		ready = g.cacheReady()
	}

	if !ready {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// correlationIDOf returns the id stamped by the correlationID middleware. A
// handler invoked outside the chain (unit tests) gets a freshly minted id.
func correlationIDOf(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue(correlationIDKey).(string); ok && id != "" {
		return id
	}
	id := shiperr.NewCorrelationID()
	ctx.Response.Header.Set(headerCorrelationID, id)
	return id
}

// admit runs the edge rate limiter keyed by client IP. Returns false after
// writing the 429 when the request is over budget.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, corrID string) bool {
	if g.limiter == nil {
		return true
	}

	ok, retryAfter := g.limiter.Allow(ctx, ctx.RemoteIP().String())
	if ok {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		return true
	}

	if g.metrics != nil {
		g.metrics.RecordRateLimit("limited")
	}
	g.log.WarnContext(ctx, "rate_limit_exceeded",
		slog.String("correlation_id", corrID),
		slog.String("client", ctx.RemoteIP().String()),
	)
	apierr.WriteRateLimit(ctx, retryAfter)
	return false
}

// requestContext derives the carrier-call context: correlation id attached,
// bounded by the edge request timeout.
func (g *Gateway) requestContext(ctx *fasthttp.RequestCtx, corrID string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(shiperr.WithCorrelationID(ctx, corrID), g.requestTimeout)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(corrID, carrier, op string, quoteCount int, latency time.Duration, status int) {
	if g.reqLogger == nil {
		return
	}

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := latency.Milliseconds()
	if latencyMs > 65535 {
		latencyMs = 65535
	}
	if quoteCount > 65535 {
		quoteCount = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:            uuid.New(),
		CorrelationID: corrID,
		Carrier:       carrier,
		Operation:     op,
		QuoteCount:    uint16(quoteCount),
		LatencyMs:     uint16(latencyMs),
		Status:        uint16(status),
		CreatedAt:     time.Now(),
	})
}
