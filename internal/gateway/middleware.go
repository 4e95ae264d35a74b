package gateway

import (
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/shipping-gateway/pkg/apierr"
	"github.com/nulpointcorp/shipping-gateway/pkg/shiperr"
)

const (
	headerCorrelationID = "X-Correlation-ID"

	// correlationIDKey is the request user-value under which the stamped
	// correlation id is stored for handlers.
	correlationIDKey = "correlation_id"
)

// correlationID stamps every request with a correlation id. A client-supplied
// X-Correlation-ID wins so callers can trace a request across systems;
// otherwise one is minted. The id is echoed on the response and stored on the
// request for handlers and the error envelope.
func correlationID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := shiperr.OrNewCorrelationID(string(ctx.Request.Header.Peek(headerCorrelationID)))
		ctx.Response.Header.Set(headerCorrelationID, id)
		ctx.SetUserValue(correlationIDKey, id)
		next(ctx)
	}
}

// recovery converts a handler panic into a 500 error envelope instead of
// tearing down the connection. The stamped correlation id, when present, is
// carried into the envelope so the log line and the client response match up.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				corrID, _ := ctx.UserValue(correlationIDKey).(string)
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("correlation_id", corrID),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.APIError{
					Message:       "internal server error",
					Type:          apierr.TypeServerError,
					Code:          apierr.CodeInternalError,
					CorrelationID: corrID,
				})
			}
		}()
		next(ctx)
	}
}

// timing reports the total handler duration in X-Response-Time, using Go's
// Duration string format (e.g. "2.5ms").
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// hardeningHeaders is the OWASP header set applied to every response. The API
// serves no HTML, so the CSP denies everything and X-XSS-Protection is
// disabled in favour of it.
var hardeningHeaders = [...][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Content-Security-Policy", "default-src 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "geolocation=(), camera=(), microphone=()"},
}

func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		for _, h := range hardeningHeaders {
			ctx.Response.Header.Set(h[0], h[1])
		}
	}
}

// corsHandler returns a CORS middleware for the given allowed origins.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *  (open)
//   - specific origins      → joined with ", "  (strict allowlist)
//
// Only the methods the gateway actually routes are advertised. OPTIONS
// preflights are answered with 204 No Content without reaching a handler.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-ID")
			ctx.Response.Header.Set("Access-Control-Expose-Headers", "X-Correlation-ID, X-Response-Time, Retry-After")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// chain wraps h with the given middleware, first entry outermost:
//
//	chain(h, mw1, mw2) → mw1(mw2(h))
func chain(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
