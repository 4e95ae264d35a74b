package apierr

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/shipping-gateway/pkg/shiperr"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("failed to parse error body: %v", err)
	}
	return env.Error
}

func TestWrite(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusBadRequest, APIError{
		Message: "bad input",
		Type:    TypeInvalidRequest,
		Code:    CodeInvalidRequest,
	})

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", ctx.Response.Header.ContentType())
	}
	if e := decode(t, ctx); e.Message != "bad input" || e.Code != CodeInvalidRequest {
		t.Errorf("unexpected body: %+v", e)
	}
}

func TestWriteTaxonomy_StatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", shiperr.NewValidation("easypost", "purchase", "corr-1-1", "shipment_id", "", "shipment_id required"),
			fasthttp.StatusBadRequest, CodeInvalidRequest},
		{"configuration", shiperr.NewConfiguration("fedex", "purchase", "corr-1-2", "unknown carrier"),
			fasthttp.StatusBadRequest, CodeUnknownCarrier},
		{"rate_limit", shiperr.NewRateLimit("shippo", "quote", "corr-1-3", 7*time.Second, nil),
			fasthttp.StatusTooManyRequests, CodeRateLimitExceeded},
		{"timeout", shiperr.NewTimeout("veeqo", "quote", "corr-1-4", 30*time.Second),
			fasthttp.StatusGatewayTimeout, CodeCarrierTimeout},
		{"circuit_open", shiperr.NewCircuitOpen("easypost", "quote", "corr-1-5", "open"),
			fasthttp.StatusServiceUnavailable, CodeCircuitOpen},
		{"unavailable", shiperr.NewServiceUnavailable("shippo", "quote", "corr-1-6", time.Minute, nil),
			fasthttp.StatusServiceUnavailable, CodeCarrierError},
		{"authentication", shiperr.NewAuthentication("veeqo", "quote", "corr-1-7", 401, nil),
			fasthttp.StatusBadGateway, CodeCarrierError},
		{"network", shiperr.NewNetwork("easypost", "quote", "corr-1-8", "boom", true, 502, nil),
			fasthttp.StatusBadGateway, CodeCarrierError},
		{"plain_error", errors.New("boom"),
			fasthttp.StatusBadGateway, CodeInternalError},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			WriteTaxonomy(ctx, c.err)

			if ctx.Response.StatusCode() != c.wantStatus {
				t.Errorf("status = %d, want %d", ctx.Response.StatusCode(), c.wantStatus)
			}
			if e := decode(t, ctx); e.Code != c.wantCode {
				t.Errorf("code = %q, want %q", e.Code, c.wantCode)
			}
		})
	}
}

func TestWriteTaxonomy_CarriesCorrelationID(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteTaxonomy(ctx, shiperr.NewTimeout("shippo", "quote", "corr-42-7", 30*time.Second))

	e := decode(t, ctx)
	if e.CorrelationID != "corr-42-7" {
		t.Errorf("correlation_id = %q, want corr-42-7", e.CorrelationID)
	}
	if e.Carrier != "shippo" {
		t.Errorf("carrier = %q, want shippo", e.Carrier)
	}
}

func TestWriteTaxonomy_RateLimitRetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteTaxonomy(ctx, shiperr.NewRateLimit("shippo", "quote", "", 7*time.Second, nil))

	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "7" {
		t.Errorf("Retry-After = %q, want 7", got)
	}
}

func TestWriteRateLimit(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimit(ctx, 30*time.Second)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
}

func TestWriteRateLimit_FallbackRetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimit(ctx, 0)

	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After = %q, want fallback 60", got)
	}
}

func TestWriteInvalid(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteInvalid(ctx, "field 'carrier' is required")

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if e := decode(t, ctx); e.Type != TypeInvalidRequest {
		t.Errorf("type = %q, want %q", e.Type, TypeInvalidRequest)
	}
}
