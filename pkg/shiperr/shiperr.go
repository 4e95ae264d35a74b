// Package shiperr defines the structured error taxonomy shared by every layer
// of the shipping gateway.
//
// Every error surfaced by the core is a *shiperr.Error with a Kind, the
// carrier and operation it occurred in, a correlation id, and an optional
// wrapped cause. Retryability is derived from the Kind — the retry executor
// never inspects error strings to decide policy; Classify at the upstream
// boundary is the single place that converts transport failures into the
// taxonomy.
package shiperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// Kind enumerates the error variants of the taxonomy.
type Kind int

const (
	KindNetwork Kind = iota
	KindTimeout
	KindRateLimit
	KindAuthentication
	KindCircuitOpen
	KindValidation
	KindConfiguration
	KindCache
	KindQuota
	KindServiceUnavailable
)

// String returns the snake_case label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindAuthentication:
		return "authentication"
	case KindCircuitOpen:
		return "circuit_open"
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindCache:
		return "cache"
	case KindQuota:
		return "quota"
	case KindServiceUnavailable:
		return "service_unavailable"
	}
	return "unknown"
}

// Error is the single error type emitted by the core. Kind-specific fields
// are zero-valued when they do not apply.
type Error struct {
	Kind          Kind
	Provider      string
	Op            string
	CorrelationID string
	Timestamp     time.Time
	Message       string
	Cause         error

	// Retryable is meaningful only for KindNetwork, where it depends on the
	// upstream HTTP status. All other kinds derive retryability from Kind.
	Retryable bool

	// HTTPStatus is the upstream status code, when one was observed.
	HTTPStatus int

	// RetryAfter is the upstream-suggested wait (KindRateLimit,
	// KindServiceUnavailable). Zero when the upstream gave no hint.
	RetryAfter time.Duration

	// Duration is the per-attempt deadline that was exceeded (KindTimeout).
	Duration time.Duration

	// Field and Value describe the offending input (KindValidation).
	Field string
	Value string

	// CacheOp and CacheKey describe the failed cache operation (KindCache).
	CacheOp  string
	CacheKey string

	// Limit and Current describe the exhausted quota (KindQuota).
	Limit   int64
	Current int64

	// BreakerState is the breaker state that refused the call (KindCircuitOpen).
	BreakerState string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s: %s", e.Provider, e.Op, e.Kind)
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.HTTPStatus > 0 {
		fmt.Fprintf(&b, " (status=%d)", e.HTTPStatus)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether the retry executor may attempt the operation
// again. Authentication, CircuitOpen, Validation, Configuration, Quota, and
// Cache errors are never retried.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindNetwork:
		return e.Retryable
	case KindTimeout, KindRateLimit, KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a retryable *Error. Unknown error types
// are treated as retryable (conservative default — same policy as Classify).
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return true
}

// KindOf returns the Kind of err, or KindNetwork for non-taxonomy errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindNetwork
}

// ── Constructors ─────────────────────────────────────────────────────────────

func newError(kind Kind, provider, op, corrID, msg string) *Error {
	return &Error{
		Kind:          kind,
		Provider:      provider,
		Op:            op,
		CorrelationID: OrNewCorrelationID(corrID),
		Timestamp:     time.Now().UTC(),
		Message:       msg,
	}
}

// NewNetwork builds a KindNetwork error. httpStatus may be 0 when the failure
// happened below the HTTP layer.
func NewNetwork(provider, op, corrID, msg string, retryable bool, httpStatus int, cause error) *Error {
	e := newError(KindNetwork, provider, op, corrID, msg)
	e.Retryable = retryable
	e.HTTPStatus = httpStatus
	e.Cause = cause
	return e
}

// NewTimeout builds a KindTimeout error for an attempt that exceeded d.
func NewTimeout(provider, op, corrID string, d time.Duration) *Error {
	e := newError(KindTimeout, provider, op, corrID, fmt.Sprintf("attempt exceeded %s", d))
	e.Duration = d
	return e
}

// NewRateLimit builds a KindRateLimit error. retryAfter is zero when the
// upstream did not send a Retry-After header.
func NewRateLimit(provider, op, corrID string, retryAfter time.Duration, cause error) *Error {
	e := newError(KindRateLimit, provider, op, corrID, "rate limited by upstream")
	e.HTTPStatus = 429
	e.RetryAfter = retryAfter
	e.Cause = cause
	return e
}

// NewAuthentication builds a KindAuthentication error.
func NewAuthentication(provider, op, corrID string, httpStatus int, cause error) *Error {
	e := newError(KindAuthentication, provider, op, corrID, "authentication rejected by upstream")
	e.HTTPStatus = httpStatus
	e.Cause = cause
	return e
}

// NewCircuitOpen builds a KindCircuitOpen error naming the refusing state.
func NewCircuitOpen(provider, op, corrID, state string) *Error {
	e := newError(KindCircuitOpen, provider, op, corrID, "circuit breaker refused the call")
	e.BreakerState = state
	return e
}

// NewValidation builds a KindValidation error for a bad input field.
func NewValidation(provider, op, corrID, field, value, msg string) *Error {
	e := newError(KindValidation, provider, op, corrID, msg)
	e.Field = field
	e.Value = value
	return e
}

// NewConfiguration builds a KindConfiguration error.
func NewConfiguration(provider, op, corrID, msg string) *Error {
	return newError(KindConfiguration, provider, op, corrID, msg)
}

// NewCache builds a KindCache error for a failed cache operation.
func NewCache(provider, op, corrID, cacheOp, key string, cause error) *Error {
	e := newError(KindCache, provider, op, corrID, fmt.Sprintf("cache %s failed", cacheOp))
	e.CacheOp = cacheOp
	e.CacheKey = key
	e.Cause = cause
	return e
}

// NewQuota builds a KindQuota error.
func NewQuota(provider, op, corrID string, limit, current int64, cause error) *Error {
	e := newError(KindQuota, provider, op, corrID, "upstream quota exhausted")
	e.Limit = limit
	e.Current = current
	e.Cause = cause
	return e
}

// NewServiceUnavailable builds a KindServiceUnavailable error.
func NewServiceUnavailable(provider, op, corrID string, retryAfter time.Duration, cause error) *Error {
	e := newError(KindServiceUnavailable, provider, op, corrID, "upstream unavailable")
	e.RetryAfter = retryAfter
	e.Cause = cause
	return e
}

// ── Correlation ids ──────────────────────────────────────────────────────────

var corrCounter atomic.Int64

// NewCorrelationID generates a process-unique correlation id of the form
// corr-{unix-ms}-{counter}.
func NewCorrelationID() string {
	return fmt.Sprintf("corr-%d-%d", time.Now().UnixMilli(), corrCounter.Add(1))
}

// OrNewCorrelationID returns id unchanged when non-empty, otherwise a fresh id.
func OrNewCorrelationID(id string) string {
	if id != "" {
		return id
	}
	return NewCorrelationID()
}

type corrKey struct{}

// WithCorrelationID stores id in ctx for downstream layers.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey{}, id)
}

// CorrelationIDFrom returns the correlation id stored in ctx, or "".
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(corrKey{}).(string)
	return id
}

// ── Classification ───────────────────────────────────────────────────────────

// StatusCoder is implemented by upstream error types that observed an HTTP
// status code.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryHinter is implemented by upstream error types that parsed a
// Retry-After header.
type RetryHinter interface {
	RetryAfter() time.Duration
}

// Classify converts a raw upstream failure into the taxonomy. Rules are
// applied in order; the first match wins:
//
//  1. Already a *Error → returned unchanged.
//  2. Network-layer failure (dial, DNS, reset, TLS) → Network, retryable.
//  3. Deadline exceeded → Timeout.
//  4. HTTP status present: 5xx → Network retryable; 429 → RateLimit;
//     401/403 → Authentication; other 4xx → Network non-retryable.
//  5. Message mentions quota exhaustion → Quota.
//  6. Message mentions unavailability/maintenance → ServiceUnavailable.
//  7. Anything else → Network, retryable, cause attached.
func Classify(provider, op, corrID string, err error, attemptTimeout time.Duration) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeout(provider, op, corrID, attemptTimeout)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return NewTimeout(provider, op, corrID, attemptTimeout)
		}
		return NewNetwork(provider, op, corrID, "network failure", true, 0, err)
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return NewNetwork(provider, op, corrID, "network failure", true, 0, err)
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status >= 500:
			return NewNetwork(provider, op, corrID, "upstream server error", true, status, err)
		case status == 429:
			var retryAfter time.Duration
			var rh RetryHinter
			if errors.As(err, &rh) {
				retryAfter = rh.RetryAfter()
			}
			return NewRateLimit(provider, op, corrID, retryAfter, err)
		case status == 401 || status == 403:
			return NewAuthentication(provider, op, corrID, status, err)
		case status >= 400:
			return NewNetwork(provider, op, corrID, "upstream rejected request", false, status, err)
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "quota") || strings.Contains(msg, "limit exceeded") {
		return NewQuota(provider, op, corrID, 0, 0, err)
	}
	if strings.Contains(msg, "service unavailable") || strings.Contains(msg, "maintenance") {
		return NewServiceUnavailable(provider, op, corrID, 0, err)
	}

	return NewNetwork(provider, op, corrID, "upstream call failed", true, 0, err)
}
