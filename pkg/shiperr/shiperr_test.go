package shiperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// upstreamErr is a test double implementing StatusCoder and RetryHinter the
// way carrier adapters do.
type upstreamErr struct {
	status     int
	retryAfter time.Duration
	msg        string
}

func (e *upstreamErr) Error() string             { return e.msg }
func (e *upstreamErr) HTTPStatus() int           { return e.status }
func (e *upstreamErr) RetryAfter() time.Duration { return e.retryAfter }

func TestClassifyPassThrough(t *testing.T) {
	orig := NewValidation("shippo", "purchase", "req-1", "rateId", "", "rateId is required")
	got := Classify("shippo", "purchase", "other-corr", orig, time.Second)
	if got != orig {
		t.Fatal("existing taxonomy errors must pass through unchanged")
	}
}

func TestClassifyDeadline(t *testing.T) {
	e := Classify("easypost", "quote", "req-1", context.DeadlineExceeded, 250*time.Millisecond)
	if e.Kind != KindTimeout {
		t.Fatalf("kind = %s, want timeout", e.Kind)
	}
	if e.Duration != 250*time.Millisecond {
		t.Fatalf("duration = %s, want 250ms", e.Duration)
	}
	if !e.IsRetryable() {
		t.Error("timeouts must be retryable")
	}
}

func TestClassifyNetError(t *testing.T) {
	cause := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	e := Classify("veeqo", "quote", "", cause, time.Second)
	if e.Kind != KindNetwork || !e.IsRetryable() {
		t.Fatalf("got kind=%s retryable=%v, want retryable network", e.Kind, e.IsRetryable())
	}
	if e.CorrelationID == "" {
		t.Error("correlation id must be generated when the caller supplied none")
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantKind  Kind
		retryable bool
	}{
		{500, KindNetwork, true},
		{503, KindNetwork, true},
		{429, KindRateLimit, true},
		{401, KindAuthentication, false},
		{403, KindAuthentication, false},
		{404, KindNetwork, false},
		{422, KindNetwork, false},
	}
	for _, tc := range tests {
		e := Classify("shippo", "quote", "req-9", &upstreamErr{status: tc.status, msg: "boom"}, time.Second)
		if e.Kind != tc.wantKind {
			t.Errorf("status %d: kind = %s, want %s", tc.status, e.Kind, tc.wantKind)
		}
		if e.IsRetryable() != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, e.IsRetryable(), tc.retryable)
		}
		if e.CorrelationID != "req-9" {
			t.Errorf("status %d: correlation id %q not propagated", tc.status, e.CorrelationID)
		}
	}
}

func TestClassifyRetryAfterHint(t *testing.T) {
	e := Classify("easypost", "quote", "", &upstreamErr{status: 429, retryAfter: 30 * time.Second, msg: "slow down"}, time.Second)
	if e.RetryAfter != 30*time.Second {
		t.Fatalf("retry after = %s, want 30s", e.RetryAfter)
	}
}

func TestClassifyMessageHeuristics(t *testing.T) {
	e := Classify("veeqo", "quote", "", errors.New("monthly quota reached"), time.Second)
	if e.Kind != KindQuota {
		t.Fatalf("kind = %s, want quota", e.Kind)
	}
	if e.IsRetryable() {
		t.Error("quota errors must not be retried")
	}

	e = Classify("veeqo", "quote", "", errors.New("scheduled maintenance in progress"), time.Second)
	if e.Kind != KindServiceUnavailable || !e.IsRetryable() {
		t.Fatalf("got kind=%s retryable=%v, want retryable service_unavailable", e.Kind, e.IsRetryable())
	}
}

func TestClassifyFallback(t *testing.T) {
	cause := errors.New("something odd")
	e := Classify("shippo", "health", "", cause, time.Second)
	if e.Kind != KindNetwork || !e.IsRetryable() {
		t.Fatalf("fallback must be retryable network, got kind=%s retryable=%v", e.Kind, e.IsRetryable())
	}
	if !errors.Is(e, cause) {
		t.Error("original cause must remain reachable via errors.Is")
	}
}

func TestNonRetryableKinds(t *testing.T) {
	errs := []*Error{
		NewAuthentication("a", "op", "", 401, nil),
		NewCircuitOpen("a", "op", "", "open"),
		NewValidation("a", "op", "", "f", "", "bad"),
		NewConfiguration("a", "op", "", "missing key"),
		NewQuota("a", "op", "", 10, 11, nil),
		NewCache("a", "op", "", "get", "k", nil),
	}
	for _, e := range errs {
		if e.IsRetryable() {
			t.Errorf("%s must not be retryable", e.Kind)
		}
	}
}

func TestCorrelationIDFormat(t *testing.T) {
	id := NewCorrelationID()
	if !strings.HasPrefix(id, "corr-") {
		t.Fatalf("id %q missing corr- prefix", id)
	}
	if id == NewCorrelationID() {
		t.Error("consecutive ids must differ")
	}
}

func TestCorrelationContext(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "req-42")
	if got := CorrelationIDFrom(ctx); got != "req-42" {
		t.Fatalf("got %q, want req-42", got)
	}
	if got := CorrelationIDFrom(context.Background()); got != "" {
		t.Fatalf("empty context returned %q", got)
	}
}

func TestErrorString(t *testing.T) {
	e := NewNetwork("easypost", "quote", "req-1", "upstream server error", true, 502, fmt.Errorf("bad gateway"))
	s := e.Error()
	for _, want := range []string{"easypost", "quote", "network", "status=502", "bad gateway"} {
		if !strings.Contains(s, want) {
			t.Errorf("error string %q missing %q", s, want)
		}
	}
}
