// Package registry owns the configured carrier adapters and exposes the
// fan-out/fan-in primitives the HTTP edge builds on.
//
// The registry itself never retries or caches — all resilience lives inside
// the adapters' pipelines. Its job is concurrency and aggregation: quote all
// enabled carriers at once, route a purchase to exactly one, and roll
// per-carrier health into a single status.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/nulpointcorp/shipping-gateway/internal/carriers"
	"github.com/nulpointcorp/shipping-gateway/pkg/shiperr"
)

// Status is the aggregate health of the gateway.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
)

// Registry holds one adapter per configured carrier. It is created once at
// startup and is safe for concurrent use.
type Registry struct {
	carriers []carriers.Carrier
	byName   map[string]carriers.Carrier
	log      *slog.Logger
}

// New builds a registry over the given adapters. Registration order is
// preserved for deterministic iteration.
func New(log *slog.Logger, cs ...carriers.Carrier) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		carriers: cs,
		byName:   make(map[string]carriers.Carrier, len(cs)),
		log:      log,
	}
	for _, c := range cs {
		r.byName[c.Name()] = c
	}
	return r
}

// Carriers returns the registered adapters in registration order.
func (r *Registry) Carriers() []carriers.Carrier { return r.carriers }

// Enabled returns the names of the adapters currently taking traffic.
func (r *Registry) Enabled() []string {
	names := make([]string, 0, len(r.carriers))
	for _, c := range r.carriers {
		if c.Enabled() {
			names = append(names, c.Name())
		}
	}
	return names
}

// AllQuotes quotes every enabled carrier concurrently and merges the results
// sorted ascending by amount (stable for equal amounts). Individual carrier
// failures are logged and contribute nothing — the aggregate never fails
// because one upstream did. AllQuotes waits for every in-flight adapter even
// when ctx is cancelled, so no goroutine outlives the call.
func (r *Registry) AllQuotes(ctx context.Context, in *carriers.ShipmentInput) []carriers.RateQuote {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		merged []carriers.RateQuote
	)

	for _, c := range r.carriers {
		if !c.Enabled() {
			continue
		}
		wg.Add(1)
		go func(c carriers.Carrier) {
			defer wg.Done()

			quotes, err := c.Quote(ctx, cloneInput(in))
			if err != nil {
				r.log.WarnContext(ctx, "carrier_quote_failed",
					slog.String("carrier", c.Name()),
					slog.String("kind", shiperr.KindOf(err).String()),
					slog.String("error", err.Error()),
				)
				return
			}

			mu.Lock()
			merged = append(merged, quotes...)
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	// A cancelled fan-out is all-or-nothing: partial results from adapters
	// that finished before the deadline are discarded.
	if ctx.Err() != nil {
		return nil
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Amount < merged[j].Amount
	})
	return merged
}

// Purchase routes a label purchase to the named carrier. An unknown or
// disabled carrier raises a configuration error; everything past routing is
// the adapter's responsibility.
func (r *Registry) Purchase(ctx context.Context, provider string, req *carriers.PurchaseRequest) (*carriers.PurchaseResult, error) {
	corrID := shiperr.OrNewCorrelationID(shiperr.CorrelationIDFrom(ctx))

	c, ok := r.byName[provider]
	if !ok {
		return nil, shiperr.NewConfiguration(provider, "purchase", corrID, "unknown carrier")
	}
	if !c.Enabled() {
		return nil, shiperr.NewConfiguration(provider, "purchase", corrID, "carrier is disabled")
	}
	return c.Purchase(ctx, req)
}

// HealthCheckAll probes every enabled carrier concurrently.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	health := make(map[string]bool)

	for _, c := range r.carriers {
		if !c.Enabled() {
			continue
		}
		wg.Add(1)
		go func(c carriers.Carrier) {
			defer wg.Done()
			ok := c.HealthCheck(ctx)

			mu.Lock()
			health[c.Name()] = ok
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	return health
}

// OverallStatus folds a health map into the aggregate status: HEALTHY when
// every enabled carrier is up, UNHEALTHY when none are, DEGRADED in between.
// No enabled carriers at all is UNHEALTHY.
func OverallStatus(health map[string]bool) Status {
	if len(health) == 0 {
		return StatusUnhealthy
	}
	up := 0
	for _, ok := range health {
		if ok {
			up++
		}
	}
	switch up {
	case len(health):
		return StatusHealthy
	case 0:
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}

// cloneInput gives each adapter its own copy, since adapters normalize the
// input in place.
func cloneInput(in *carriers.ShipmentInput) *carriers.ShipmentInput {
	dup := *in
	if in.ProviderExtras != nil {
		dup.ProviderExtras = make(map[string]string, len(in.ProviderExtras))
		for k, v := range in.ProviderExtras {
			dup.ProviderExtras[k] = v
		}
	}
	return &dup
}
