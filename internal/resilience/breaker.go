// Package resilience implements the per-carrier resilience pipeline: circuit
// breaker, retry executor with exponential backoff, and admission-control
// rate limiters.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the operational state of a circuit breaker.
//
//	StateClosed   — normal operation; calls pass through.
//	StateOpen     — carrier is failing; calls are rejected immediately.
//	StateHalfOpen — recovery; a limited number of probes is admitted.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

// String returns the snake_case label used in logs and metrics.
func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the defaults below.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before admitting a
	// half-open probe. Default: 60s.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is the number of probes admitted in half-open, and the
	// number of consecutive probe successes required to close. Default: 1.
	HalfOpenMaxCalls int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls < 1 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// BreakerSnapshot is a read-only view of breaker state for observability.
type BreakerSnapshot struct {
	Name                string       `json:"name"`
	State               BreakerState `json:"-"`
	StateLabel          string       `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitempty"`
	HalfOpenCalls       int          `json:"half_open_calls"`
}

// Breaker is a circuit breaker owned by exactly one carrier adapter. All
// transitions are serialized under a single mutex so concurrent callers
// observe a consistent closed → open → half-open → closed sequence.
type Breaker struct {
	mu sync.Mutex

	name string
	cfg  BreakerConfig
	log  *slog.Logger

	state             BreakerState
	failures          int // consecutive failures while closed
	lastFailureAt     time.Time
	halfOpenCalls     int // probes admitted in the current half-open cycle
	halfOpenSuccesses int

	onStateChange func(BreakerState)
}

// NewBreaker creates a closed Breaker for the named carrier.
func NewBreaker(name string, cfg BreakerConfig, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		log:   log,
		state: StateClosed,
	}
}

// OnStateChange registers fn to be invoked with the new state on every
// transition. Set it before the breaker takes traffic. fn runs under the
// breaker lock and must not call back into the breaker.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether the next call may proceed.
//
//   - Closed   → always true.
//   - Open     → false until RecoveryTimeout has elapsed since the last
//     failure, at which point the breaker moves to half-open and admits a probe.
//   - HalfOpen → true while fewer than HalfOpenMaxCalls probes are admitted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen, "recovery timeout elapsed")
			b.halfOpenCalls = 1
			b.halfOpenSuccesses = 0
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	}

	return true
}

// OnSuccess records a successful call. In the closed state it zeroes the
// failure counter; in half-open it counts toward the consecutive successes
// needed to close.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.transition(StateClosed, "half-open probes succeeded")
			b.failures = 0
			b.halfOpenCalls = 0
			b.halfOpenSuccesses = 0
		}
	}
}

// OnFailure records a failed call. The breaker trips after FailureThreshold
// consecutive failures; any failure during half-open reopens it.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		b.lastFailureAt = now
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen, "failure threshold reached")
		}

	case StateHalfOpen:
		b.lastFailureAt = now
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
		b.transition(StateOpen, "half-open probe failed")

	case StateOpen:
		b.lastFailureAt = now
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a read-only view for health and metrics endpoints.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:                b.name,
		State:               b.state,
		StateLabel:          b.state.String(),
		ConsecutiveFailures: b.failures,
		LastFailureAt:       b.lastFailureAt,
		HalfOpenCalls:       b.halfOpenCalls,
	}
}

// Reset forces the breaker closed with zero counters. Intended for tests and
// operator tooling only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transition(StateClosed, "manual reset")
	}
	b.failures = 0
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
	b.lastFailureAt = time.Time{}
}

// transition logs and applies a state change. Callers hold b.mu.
func (b *Breaker) transition(to BreakerState, cause string) {
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(to)
	}
	b.log.Info("circuit_breaker_transition",
		slog.String("carrier", b.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("cause", cause),
		slog.Int("consecutive_failures", b.failures),
	)
}
