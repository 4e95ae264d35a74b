package resilience

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/nulpointcorp/shipping-gateway/pkg/shiperr"
)

// RetryConfig tunes the retry executor. Zero values fall back to the
// defaults below.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// 1 disables retrying. Default: 3.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 30s.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each attempt. Default: 2.0.
	BackoffFactor float64

	// PerAttemptTimeout bounds every individual attempt. Default: 30s.
	PerAttemptTimeout time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.PerAttemptTimeout <= 0 {
		c.PerAttemptTimeout = 30 * time.Second
	}
	return c
}

// Delay returns the backoff before attempt k+1 (k is 1-based):
// min(BaseDelay * BackoffFactor^(k-1), MaxDelay).
func (c RetryConfig) Delay(k int) time.Duration {
	d := time.Duration(float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(k-1)))
	if d > c.MaxDelay || d <= 0 {
		return c.MaxDelay
	}
	return d
}

// Retry wraps upstream operations in the breaker + timeout + backoff loop for
// one carrier. It owns no state beyond its configuration; the breaker is
// shared with the adapter that owns it.
type Retry struct {
	provider string
	cfg      RetryConfig
	breaker  *Breaker
	log      *slog.Logger

	onAttempt   func(op, outcome string, d time.Duration)
	onRejection func()
}

// NewRetry creates an executor for the named carrier. breaker may be nil, in
// which case admission control is skipped.
func NewRetry(provider string, cfg RetryConfig, breaker *Breaker, log *slog.Logger) *Retry {
	if log == nil {
		log = slog.Default()
	}
	return &Retry{provider: provider, cfg: cfg.withDefaults(), breaker: breaker, log: log}
}

// ObserveAttempts registers fn to be called once per upstream attempt with the
// operation, the outcome ("success" or the taxonomy kind), and the attempt
// duration. Set it before the executor takes traffic.
func (r *Retry) ObserveAttempts(fn func(op, outcome string, d time.Duration)) {
	r.onAttempt = fn
}

// OnBreakerRejection registers fn to be called each time an open breaker
// refuses a call before it reaches the upstream.
func (r *Retry) OnBreakerRejection(fn func()) {
	r.onRejection = fn
}

func (r *Retry) observe(op, outcome string, d time.Duration) {
	if r.onAttempt != nil {
		r.onAttempt(op, outcome, d)
	}
}

type attemptResult[T any] struct {
	value T
	err   error
}

// Do runs fn through the resilience pipeline and returns its result.
//
// For each attempt: the breaker is consulted (a refusal raises CircuitOpen
// without touching the upstream), the attempt races a PerAttemptTimeout
// timer, and failures are classified into the taxonomy. Non-retryable errors
// and the final attempt notify the breaker and re-raise; intermediate
// retryable failures sleep the backoff delay before the next attempt. The
// sleep is cancellable — an expired caller deadline aborts immediately with
// a Timeout instead of sleeping across it.
func Do[T any](ctx context.Context, r *Retry, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	corrID := shiperr.OrNewCorrelationID(shiperr.CorrelationIDFrom(ctx))

	var lastErr *shiperr.Error

	for k := 1; k <= r.cfg.MaxAttempts; k++ {
		if r.breaker != nil && !r.breaker.Allow() {
			if r.onRejection != nil {
				r.onRejection()
			}
			return zero, shiperr.NewCircuitOpen(r.provider, op, corrID, r.breaker.State().String())
		}

		attemptStart := time.Now()
		value, err := attempt(ctx, r.cfg.PerAttemptTimeout, fn)
		if err == nil {
			r.observe(op, "success", time.Since(attemptStart))
			if r.breaker != nil {
				r.breaker.OnSuccess()
			}
			return value, nil
		}

		lastErr = shiperr.Classify(r.provider, op, corrID, err, r.cfg.PerAttemptTimeout)
		r.observe(op, lastErr.Kind.String(), time.Since(attemptStart))

		if !lastErr.IsRetryable() || k == r.cfg.MaxAttempts {
			if r.breaker != nil {
				r.breaker.OnFailure()
			}
			return zero, lastErr
		}

		delay := r.cfg.Delay(k)
		r.log.WarnContext(ctx, "upstream_attempt_failed",
			slog.String("carrier", r.provider),
			slog.String("op", op),
			slog.String("correlation_id", corrID),
			slog.Int("attempt", k),
			slog.String("kind", lastErr.Kind.String()),
			slog.Duration("backoff", delay),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, shiperr.NewTimeout(r.provider, op, corrID, r.cfg.PerAttemptTimeout)
		}
	}

	// Unreachable: the loop always returns from its final iteration.
	return zero, lastErr
}

// attempt races fn against the per-attempt timer. The operation receives a
// context bounded by both the caller deadline and the per-attempt timeout,
// so a well-behaved fn aborts its I/O when the race is lost.
func attempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- attemptResult[T]{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-attemptCtx.Done():
		return zero, attemptCtx.Err()
	}
}
