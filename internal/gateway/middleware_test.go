package gateway

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

// --- correlationID middleware -------------------------------------------------

func TestCorrelationID_MintsWhenMissing(t *testing.T) {
	handler := correlationID(func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue(correlationIDKey).(string)
		if id == "" {
			t.Error("correlation id should be stored on the request")
		}
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	echoed := string(ctx.Response.Header.Peek(headerCorrelationID))
	if !strings.HasPrefix(echoed, "corr-") {
		t.Errorf("echoed id = %q, want a minted corr-* id", echoed)
	}
}

func TestCorrelationID_PreservesClientID(t *testing.T) {
	handler := correlationID(func(ctx *fasthttp.RequestCtx) {
		if id, _ := ctx.UserValue(correlationIDKey).(string); id != "corr-trace-7" {
			t.Errorf("stored id = %q, want the client's", id)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set(headerCorrelationID, "corr-trace-7")
	handler(ctx)

	if got := string(ctx.Response.Header.Peek(headerCorrelationID)); got != "corr-trace-7" {
		t.Errorf("echoed id = %q, want corr-trace-7", got)
	}
}

// --- recovery middleware ----------------------------------------------------

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(correlationID(func(ctx *fasthttp.RequestCtx) {
		panic("mock panic")
	}))

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set(headerCorrelationID, "corr-boom-1")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json content type, got %s",
			string(ctx.Response.Header.ContentType()))
	}

	var out struct {
		Error struct {
			Message       string `json:"message"`
			Code          string `json:"code"`
			CorrelationID string `json:"correlation_id"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("failed to parse error body: %v", err)
	}
	if out.Error.Message != "internal server error" || out.Error.Code != "internal_error" {
		t.Errorf("unexpected envelope: %+v", out.Error)
	}
	if out.Error.CorrelationID != "corr-boom-1" {
		t.Errorf("correlation_id = %q, want corr-boom-1", out.Error.CorrelationID)
	}
}

// --- timing middleware ------------------------------------------------------

func TestTiming_SetsHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	rt := string(ctx.Response.Header.Peek("X-Response-Time"))
	if rt == "" {
		t.Error("X-Response-Time header should be set")
	}
}

// --- securityHeaders middleware ---------------------------------------------

func TestSecurityHeaders_AllSet(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	for _, h := range hardeningHeaders {
		if got := string(ctx.Response.Header.Peek(h[0])); got != h[1] {
			t.Errorf("%s = %q, want %q", h[0], got, h[1])
		}
	}
}

// --- corsHandler middleware -------------------------------------------------

func TestCORS_OpenByDefault(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("expected open CORS, got %q", got)
	}
	allowed := string(ctx.Response.Header.Peek("Access-Control-Allow-Headers"))
	if !strings.Contains(allowed, headerCorrelationID) {
		t.Errorf("allow-headers %q must include %s", allowed, headerCorrelationID)
	}
}

func TestCORS_Allowlist(t *testing.T) {
	handler := corsHandler([]string{"https://app.example.com"})(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin"))
	if got != "https://app.example.com" {
		t.Errorf("expected allowlisted origin, got %q", got)
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	called := false
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		called = true
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)

	if called {
		t.Error("preflight must not reach the handler")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("expected 204, got %d", ctx.Response.StatusCode())
	}
}

// --- chain --------------------------------------------------------------------

func TestChain_Ordering(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	handler := chain(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("outer"), mw("inner"))

	handler(&fasthttp.RequestCtx{})

	want := []string{"outer", "inner", "handler"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
