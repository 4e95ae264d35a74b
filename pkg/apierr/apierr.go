// Package apierr provides structured API error responses and the mapping
// from the internal error taxonomy to HTTP statuses.
package apierr

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/shipping-gateway/pkg/shiperr"
)

// ErrorType constants.
const (
	TypeCarrierError      = "carrier_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeCarrierError      = "carrier_error"
	CodeCarrierTimeout    = "carrier_timeout"
	CodeCircuitOpen       = "circuit_open"
	CodeInvalidRequest    = "invalid_request"
	CodeUnknownCarrier    = "unknown_carrier"
	CodeInternalError     = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message       string `json:"message"`
		Type          string `json:"type"`
		Code          string `json:"code"`
		Carrier       string `json:"carrier,omitempty"`
		CorrelationID string `json:"correlation_id,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// WriteTaxonomy maps a taxonomy error onto the client-facing response:
//
//	Validation          → 400
//	Authentication      → 502 (the gateway's carrier credential is bad, not the caller's)
//	RateLimit           → 429 + Retry-After
//	Timeout             → 504
//	CircuitOpen         → 503
//	ServiceUnavailable  → 503 + Retry-After
//	Configuration       → 400
//	everything else     → 502
func WriteTaxonomy(ctx *fasthttp.RequestCtx, err error) {
	var se *shiperr.Error
	if !errors.As(err, &se) {
		Write(ctx, fasthttp.StatusBadGateway, APIError{
			Message: err.Error(), Type: TypeServerError, Code: CodeInternalError,
		})
		return
	}

	e := APIError{
		Message:       se.Message,
		Carrier:       se.Provider,
		CorrelationID: se.CorrelationID,
	}

	switch se.Kind {
	case shiperr.KindValidation:
		e.Type, e.Code = TypeInvalidRequest, CodeInvalidRequest
		Write(ctx, fasthttp.StatusBadRequest, e)
	case shiperr.KindConfiguration:
		e.Type, e.Code = TypeInvalidRequest, CodeUnknownCarrier
		Write(ctx, fasthttp.StatusBadRequest, e)
	case shiperr.KindRateLimit:
		setRetryAfter(ctx, se.RetryAfter)
		e.Type, e.Code = TypeRateLimitError, CodeRateLimitExceeded
		Write(ctx, fasthttp.StatusTooManyRequests, e)
	case shiperr.KindTimeout:
		e.Type, e.Code = TypeCarrierError, CodeCarrierTimeout
		Write(ctx, fasthttp.StatusGatewayTimeout, e)
	case shiperr.KindCircuitOpen:
		e.Type, e.Code = TypeCarrierError, CodeCircuitOpen
		Write(ctx, fasthttp.StatusServiceUnavailable, e)
	case shiperr.KindServiceUnavailable:
		setRetryAfter(ctx, se.RetryAfter)
		e.Type, e.Code = TypeCarrierError, CodeCarrierError
		Write(ctx, fasthttp.StatusServiceUnavailable, e)
	case shiperr.KindAuthentication:
		e.Type, e.Code = TypeAuthenticationErr, CodeCarrierError
		Write(ctx, fasthttp.StatusBadGateway, e)
	default:
		e.Type, e.Code = TypeCarrierError, CodeCarrierError
		Write(ctx, fasthttp.StatusBadGateway, e)
	}
}

// WriteRateLimit writes a 429 for the gateway's own admission limiter.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	setRetryAfter(ctx, retryAfter)
	Write(ctx, fasthttp.StatusTooManyRequests, APIError{
		Message: "rate limit exceeded",
		Type:    TypeRateLimitError,
		Code:    CodeRateLimitExceeded,
	})
}

// WriteInvalid writes a 400 for a malformed request body.
func WriteInvalid(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, APIError{
		Message: msg, Type: TypeInvalidRequest, Code: CodeInvalidRequest,
	})
}

func setRetryAfter(ctx *fasthttp.RequestCtx, d time.Duration) {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 60
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
}
