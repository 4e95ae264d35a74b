package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/shipping-gateway/internal/carriers"
	"github.com/nulpointcorp/shipping-gateway/internal/registry"
	"github.com/nulpointcorp/shipping-gateway/internal/resilience"
	"github.com/nulpointcorp/shipping-gateway/pkg/shiperr"
)

// fakeCarrier is a scriptable carriers.Carrier for edge tests.
type fakeCarrier struct {
	name        string
	enabled     bool
	quotes      []carriers.RateQuote
	quoteErr    error
	result      *carriers.PurchaseResult
	purchaseErr error
	healthy     bool
}

func (f *fakeCarrier) Name() string  { return f.name }
func (f *fakeCarrier) Enabled() bool { return f.enabled }

func (f *fakeCarrier) Quote(context.Context, *carriers.ShipmentInput) ([]carriers.RateQuote, error) {
	return f.quotes, f.quoteErr
}

func (f *fakeCarrier) Purchase(context.Context, *carriers.PurchaseRequest) (*carriers.PurchaseResult, error) {
	return f.result, f.purchaseErr
}

func (f *fakeCarrier) HealthCheck(context.Context) bool { return f.healthy }

func newTestGateway(opts Options, cs ...carriers.Carrier) *Gateway {
	return New(registry.New(nil, cs...), opts)
}

// serveGateway starts the full router on an in-memory listener and returns an
// HTTP client + cleanup.
func serveGateway(t *testing.T, g *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, g.Handler())
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

func postJSON(t *testing.T, client *http.Client, url, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("POST", url, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

const shipmentBody = `{
	"from": {"street1": "417 Montgomery St", "city": "San Francisco", "state": "CA", "zip": "94104", "country": "US"},
	"to":   {"street1": "179 N Harbor Dr", "city": "Redondo Beach", "state": "CA", "zip": "90277", "country": "US"},
	"parcel": {"length": 10, "width": 8, "height": 4, "weight": 16}
}`

// --- handleRates --------------------------------------------------------------

func TestHandleRates_MergesAndSorts(t *testing.T) {
	g := newTestGateway(Options{},
		&fakeCarrier{name: "easypost", enabled: true, quotes: []carriers.RateQuote{
			{Provider: "easypost", RateID: "r1", Amount: 899, Currency: "USD"},
			{Provider: "easypost", RateID: "r2", Amount: 1599, Currency: "USD"},
		}},
		&fakeCarrier{name: "shippo", enabled: true, quotes: []carriers.RateQuote{
			{Provider: "shippo", RateID: "r3", Amount: 749, Currency: "USD"},
		}},
	)
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := postJSON(t, client, "http://test/v1/rates", shipmentBody)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID response header should be set")
	}

	var out ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to parse rates response: %v", err)
	}
	if out.Count != 3 || len(out.Rates) != 3 {
		t.Fatalf("expected 3 rates, got %+v", out)
	}
	for i, want := range []int64{749, 899, 1599} {
		if out.Rates[i].Amount != want {
			t.Errorf("rates[%d].Amount = %d, want %d", i, out.Rates[i].Amount, want)
		}
	}
	if out.CorrelationID == "" {
		t.Error("correlation_id should be set in the body")
	}
}

func TestHandleRates_PartialFailureStillServes(t *testing.T) {
	g := newTestGateway(Options{},
		&fakeCarrier{name: "easypost", enabled: true, quotes: []carriers.RateQuote{
			{Provider: "easypost", RateID: "r1", Amount: 899, Currency: "USD"},
		}},
		&fakeCarrier{name: "shippo", enabled: true,
			quoteErr: shiperr.NewNetwork("shippo", "quote", "", "upstream down", true, 503, nil)},
	)
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := postJSON(t, client, "http://test/v1/rates", shipmentBody)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 || out.Rates[0].Provider != "easypost" {
		t.Fatalf("expected the surviving carrier's rate, got %+v", out)
	}
}

func TestHandleRates_InvalidJSON(t *testing.T) {
	g := newTestGateway(Options{}, &fakeCarrier{name: "easypost", enabled: true})
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := postJSON(t, client, "http://test/v1/rates", `{not json`)
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleRates_InvalidShipment(t *testing.T) {
	g := newTestGateway(Options{}, &fakeCarrier{name: "easypost", enabled: true})
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	// Destination has no zip.
	resp := postJSON(t, client, "http://test/v1/rates", `{
		"from": {"zip": "94104", "country": "US"},
		"to":   {"country": "US"},
		"parcel": {"length": 10, "width": 8, "height": 4, "weight": 16}
	}`)
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleRates_NoCarriers(t *testing.T) {
	g := newTestGateway(Options{}, &fakeCarrier{name: "easypost", enabled: false})
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := postJSON(t, client, "http://test/v1/rates", shipmentBody)
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
}

func TestHandleRates_PreservesClientCorrelationID(t *testing.T) {
	g := newTestGateway(Options{}, &fakeCarrier{name: "easypost", enabled: true})
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	req, _ := http.NewRequest("POST", "http://test/v1/rates", bytes.NewReader([]byte(shipmentBody)))
	req.Header.Set("X-Correlation-ID", "corr-custom-42")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("X-Correlation-ID"); got != "corr-custom-42" {
		t.Errorf("expected preserved correlation id, got %q", got)
	}
}

// --- handleLabels -------------------------------------------------------------

func TestHandleLabels_Success(t *testing.T) {
	g := newTestGateway(Options{},
		&fakeCarrier{name: "easypost", enabled: true, result: &carriers.PurchaseResult{
			Provider:     "easypost",
			ShipmentID:   "shp_123",
			LabelURL:     "https://labels.example/1.png",
			TrackingCode: "9400110898825022579493",
		}},
	)
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := postJSON(t, client, "http://test/v1/labels",
		`{"carrier":"easypost","rate_id":"r1","shipment_id":"shp_123"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out carriers.PurchaseResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.LabelURL == "" || out.TrackingCode == "" {
		t.Fatalf("incomplete purchase result: %+v", out)
	}
}

func TestHandleLabels_MissingFields(t *testing.T) {
	g := newTestGateway(Options{}, &fakeCarrier{name: "easypost", enabled: true})
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	for _, body := range []string{
		`{"rate_id":"r1"}`,
		`{"carrier":"easypost"}`,
	} {
		resp := postJSON(t, client, "http://test/v1/labels", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestHandleLabels_UnknownCarrier(t *testing.T) {
	g := newTestGateway(Options{}, &fakeCarrier{name: "easypost", enabled: true})
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := postJSON(t, client, "http://test/v1/labels", `{"carrier":"fedex","rate_id":"r1"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Error.Code != "unknown_carrier" {
		t.Errorf("expected unknown_carrier code, got %q", out.Error.Code)
	}
}

func TestHandleLabels_CircuitOpen(t *testing.T) {
	g := newTestGateway(Options{},
		&fakeCarrier{name: "easypost", enabled: true,
			purchaseErr: shiperr.NewCircuitOpen("easypost", "purchase", "", "open")},
	)
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	resp := postJSON(t, client, "http://test/v1/labels", `{"carrier":"easypost","rate_id":"r1"}`)
	resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestHandleLabels_RateLimited(t *testing.T) {
	limiter := resilience.NewSlidingWindow(resilience.SlidingWindowConfig{
		Window:      time.Minute,
		MaxRequests: 1,
	})
	g := newTestGateway(Options{Limiter: limiter},
		&fakeCarrier{name: "easypost", enabled: true, result: &carriers.PurchaseResult{
			Provider: "easypost", LabelURL: "https://labels.example/1.png",
		}},
	)
	client, cleanup := serveGateway(t, g)
	defer cleanup()

	first := postJSON(t, client, "http://test/v1/labels", `{"carrier":"easypost","rate_id":"r1"}`)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", first.StatusCode)
	}

	second := postJSON(t, client, "http://test/v1/labels", `{"carrier":"easypost","rate_id":"r1"}`)
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}

// --- handleHealth / handleReadiness -------------------------------------------

func TestHandleHealth_Degraded(t *testing.T) {
	g := newTestGateway(Options{Version: "1.2.3"},
		&fakeCarrier{name: "easypost", enabled: true, healthy: true},
		&fakeCarrier{name: "shippo", enabled: true, healthy: false},
	)

	ctx := &fasthttp.RequestCtx{}
	g.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}

	var out healthResponse
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}
	if out.Status != registry.StatusDegraded {
		t.Errorf("expected DEGRADED, got %s", out.Status)
	}
	if out.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %s", out.Version)
	}
	if !out.Carriers["easypost"] || out.Carriers["shippo"] {
		t.Errorf("unexpected carriers map: %+v", out.Carriers)
	}
}

func TestHandleHealth_Unhealthy(t *testing.T) {
	g := newTestGateway(Options{},
		&fakeCarrier{name: "easypost", enabled: true, healthy: false},
	)

	ctx := &fasthttp.RequestCtx{}
	g.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_OK(t *testing.T) {
	g := newTestGateway(Options{}, &fakeCarrier{name: "easypost", enabled: true})

	ctx := &fasthttp.RequestCtx{}
	g.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_CacheDown(t *testing.T) {
	g := newTestGateway(Options{CacheReady: func() bool { return false }},
		&fakeCarrier{name: "easypost", enabled: true})

	ctx := &fasthttp.RequestCtx{}
	g.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_NoCarriers(t *testing.T) {
	g := newTestGateway(Options{}, &fakeCarrier{name: "easypost", enabled: false})

	ctx := &fasthttp.RequestCtx{}
	g.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", ctx.Response.StatusCode())
	}
}

// --- writeJSON ----------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}
