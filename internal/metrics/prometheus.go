// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// shipgw_inflight_requests
	inFlight prometheus.Gauge

	// shipgw_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// shipgw_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// shipgw_quotes_total{carrier,outcome}
	quotesTotal *prometheus.CounterVec

	// shipgw_purchases_total{carrier,outcome}
	purchasesTotal *prometheus.CounterVec

	// shipgw_upstream_attempts_total{carrier,op,outcome}
	upstreamAttempts *prometheus.CounterVec

	// shipgw_upstream_attempt_duration_seconds{carrier,op,outcome}
	upstreamDuration *prometheus.HistogramVec

	// shipgw_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// shipgw_circuit_breaker_state{carrier} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// shipgw_circuit_breaker_rejections_total{carrier}
	cbRejections *prometheus.CounterVec

	// shipgw_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// shipgw_carrier_health{carrier}
	carrierHealth *prometheus.GaugeVec

	// shipgw_errors_total{carrier,kind}
	errorsTotal *prometheus.CounterVec

	// shipgw_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shipgw_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgw_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shipgw_http_request_duration_seconds",
				Help:    "HTTP handler latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		quotesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgw_quotes_total",
				Help: "Quote requests per carrier and outcome (success, error, cached)",
			},
			[]string{"carrier", "outcome"},
		),

		purchasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgw_purchases_total",
				Help: "Label purchases per carrier and outcome",
			},
			[]string{"carrier", "outcome"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgw_upstream_attempts_total",
				Help: "Individual upstream attempts per carrier, operation and outcome",
			},
			[]string{"carrier", "op", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shipgw_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt latency",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"carrier", "op", "outcome"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgw_cache_operations_total",
				Help: "Cache operations by op (get, set, delete) and result (hit, miss, ok, error)",
			},
			[]string{"op", "result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shipgw_circuit_breaker_state",
				Help: "Circuit breaker state per carrier: 0=closed, 1=open, 2=half-open",
			},
			[]string{"carrier"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgw_circuit_breaker_rejections_total",
				Help: "Calls refused by an open circuit breaker",
			},
			[]string{"carrier"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgw_ratelimit_total",
				Help: "Rate limiter decisions (allowed, limited)",
			},
			[]string{"result"},
		),

		carrierHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shipgw_carrier_health",
				Help: "Carrier health per last probe: 1=healthy, 0=unhealthy",
			},
			[]string{"carrier"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgw_errors_total",
				Help: "Taxonomy errors surfaced per carrier and kind",
			},
			[]string{"carrier", "kind"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shipgw_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.quotesTotal,
		r.purchasesTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.cacheOps,
		r.circuitBreakerState,
		r.cbRejections,
		r.rateLimitTotal,
		r.carrierHealth,
		r.errorsTotal,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

// SetBuildInfo records the running version.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// IncInFlight / DecInFlight track concurrent HTTP requests.
func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTPRequest records one handled HTTP request.
func (r *Registry) ObserveHTTPRequest(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordQuote counts one quote call per carrier.
func (r *Registry) RecordQuote(carrier, outcome string) {
	r.quotesTotal.WithLabelValues(carrier, outcome).Inc()
}

// RecordPurchase counts one purchase call per carrier.
func (r *Registry) RecordPurchase(carrier, outcome string) {
	r.purchasesTotal.WithLabelValues(carrier, outcome).Inc()
}

// ObserveUpstreamAttempt records one upstream round-trip.
func (r *Registry) ObserveUpstreamAttempt(carrier, op, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(carrier, op, outcome).Inc()
	r.upstreamDuration.WithLabelValues(carrier, op, outcome).Observe(dur.Seconds())
}

// RecordCacheOp counts one cache operation.
func (r *Registry) RecordCacheOp(op, result string) {
	r.cacheOps.WithLabelValues(op, result).Inc()
}

// SetCircuitBreaker exports the current breaker state for a carrier.
func (r *Registry) SetCircuitBreaker(carrier string, state int64) {
	r.circuitBreakerState.WithLabelValues(carrier).Set(float64(state))
}

// RecordCircuitBreakerRejection counts a refused call.
func (r *Registry) RecordCircuitBreakerRejection(carrier string) {
	r.cbRejections.WithLabelValues(carrier).Inc()
}

// RecordRateLimit counts a limiter decision ("allowed" or "limited").
func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// SetCarrierHealth exports the latest health probe result.
func (r *Registry) SetCarrierHealth(carrier string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.carrierHealth.WithLabelValues(carrier).Set(v)
}

// RecordError counts a surfaced taxonomy error.
func (r *Registry) RecordError(carrier, kind string) {
	r.errorsTotal.WithLabelValues(carrier, kind).Inc()
}
