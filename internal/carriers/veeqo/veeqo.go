// Package veeqo implements the Veeqo carrier adapter.
//
// Veeqo routes labels through sub-carriers, so its quotes carry a service
// type and sub-carrier id that must be echoed back at purchase time, and a
// purchase is tied to the warehouse allocation being shipped. The allocation
// id travels opaquely in ProviderExtras under "allocation_id".
package veeqo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nulpointcorp/shipping-gateway/internal/carriers"
	"github.com/nulpointcorp/shipping-gateway/pkg/shiperr"
)

const (
	defaultBaseURL = "https://api.veeqo.com"
	providerName   = "veeqo"

	// ExtraAllocationID is the ProviderExtras key carrying the warehouse
	// allocation a purchase ships against.
	ExtraAllocationID = "allocation_id"
)

// parcel uses Veeqo's expected units: inches and ounces.
type parcel struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Weight float64 `json:"weight"`
}

type quoteRequest struct {
	Parcel      parcel `json:"parcel"`
	OriginZip   string `json:"origin_zip"`
	DestZip     string `json:"destination_zip"`
	DestCountry string `json:"destination_country"`
}

type quote struct {
	RemoteShipmentID string `json:"remote_shipment_id"`
	Name             string `json:"name"`
	Carrier          string `json:"carrier"`
	BaseRate         string `json:"base_rate"`
	Currency         string `json:"currency"`
	ServiceType      string `json:"service_type"`
	SubCarrierID     string `json:"sub_carrier_id"`
	DeliveryDays     *int   `json:"expected_transit_days"`
}

type shipmentRequest struct {
	AllocationID     string `json:"allocation_id"`
	RemoteShipmentID string `json:"remote_shipment_id"`
	ServiceType      string `json:"service_type,omitempty"`
	SubCarrierID     string `json:"sub_carrier_id,omitempty"`
}

type shipmentResponse struct {
	ID             int64          `json:"id"`
	LabelURL       string         `json:"label_url"`
	TrackingNumber trackingNumber `json:"tracking_number"`
	TrackingURL    string         `json:"tracking_url"`
}

type trackingNumber struct {
	Value string `json:"tracking_number"`
}

type Carrier struct {
	apiKey   string
	baseURL  string
	disabled bool
	client   *http.Client
	pipe     *carriers.Pipeline
}

type Option func(*Carrier)

func WithBaseURL(url string) Option {
	return func(c *Carrier) { c.baseURL = url }
}

func WithDisabled(d bool) Option {
	return func(c *Carrier) { c.disabled = d }
}

func New(apiKey string, pipe *carriers.Pipeline, opts ...Option) *Carrier {
	c := &Carrier{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: carriers.RequestTimeout},
		pipe:    pipe,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Carrier) Name() string { return providerName }

func (c *Carrier) Enabled() bool { return c.apiKey != "" && !c.disabled }

func (c *Carrier) Quote(ctx context.Context, in *carriers.ShipmentInput) ([]carriers.RateQuote, error) {
	return c.pipe.Quote(ctx, in, func(ctx context.Context) ([]carriers.RateQuote, error) {
		return c.fetchQuotes(ctx, in)
	})
}

func (c *Carrier) fetchQuotes(ctx context.Context, in *carriers.ShipmentInput) ([]carriers.RateQuote, error) {
	body, err := json.Marshal(quoteRequest{
		Parcel:      toParcel(in.Parcel),
		OriginZip:   in.From.Zip,
		DestZip:     in.To.Zip,
		DestCountry: in.To.Country,
	})
	if err != nil {
		return nil, fmt.Errorf("veeqo: marshal quote request: %w", err)
	}

	var raw []quote
	if err := c.do(ctx, http.MethodPost, "/shipping/quotes", body, &raw); err != nil {
		return nil, err
	}

	quotes := make([]carriers.RateQuote, 0, len(raw))
	for _, q := range raw {
		amount, err := carriers.MinorUnits(q.BaseRate)
		if err != nil {
			return nil, fmt.Errorf("veeqo: quote %s: %w", q.RemoteShipmentID, err)
		}
		quotes = append(quotes, carriers.RateQuote{
			Provider:        providerName,
			RateID:          q.RemoteShipmentID,
			Service:         q.Name,
			Carrier:         q.Carrier,
			Amount:          amount,
			Currency:        q.Currency,
			EstDeliveryDays: q.DeliveryDays,
			ServiceType:     q.ServiceType,
			SubCarrierID:    q.SubCarrierID,
		})
	}
	return quotes, nil
}

func (c *Carrier) Purchase(ctx context.Context, req *carriers.PurchaseRequest) (*carriers.PurchaseResult, error) {
	allocationID := req.Extras[ExtraAllocationID]
	if allocationID == "" {
		corrID := shiperr.OrNewCorrelationID(shiperr.CorrelationIDFrom(ctx))
		return nil, shiperr.NewValidation(providerName, "purchase", corrID,
			ExtraAllocationID, "", "veeqo purchases ship against a warehouse allocation")
	}

	return c.pipe.Purchase(ctx, req, func(ctx context.Context) (*carriers.PurchaseResult, error) {
		return c.buyLabel(ctx, allocationID, req)
	})
}

func (c *Carrier) buyLabel(ctx context.Context, allocationID string, req *carriers.PurchaseRequest) (*carriers.PurchaseResult, error) {
	body, err := json.Marshal(shipmentRequest{
		AllocationID:     allocationID,
		RemoteShipmentID: req.RateID,
		ServiceType:      req.Extras["service_type"],
		SubCarrierID:     req.Extras["sub_carrier_id"],
	})
	if err != nil {
		return nil, fmt.Errorf("veeqo: marshal shipment: %w", err)
	}

	var sr shipmentResponse
	if err := c.do(ctx, http.MethodPost, "/shipping/shipments", body, &sr); err != nil {
		return nil, err
	}

	return &carriers.PurchaseResult{
		Provider:     providerName,
		ShipmentID:   strconv.FormatInt(sr.ID, 10),
		LabelURL:     sr.LabelURL,
		TrackingCode: sr.TrackingNumber.Value,
		TrackingURL:  sr.TrackingURL,
	}, nil
}

// HealthCheck fetches the authenticated user — Veeqo's cheapest probe.
func (c *Carrier) HealthCheck(ctx context.Context) bool {
	return c.pipe.Health(ctx, func(ctx context.Context) error {
		var out json.RawMessage
		return c.do(ctx, http.MethodGet, "/current_user", nil, &out)
	})
}

func (c *Carrier) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("veeqo: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("veeqo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("veeqo: decode response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	pe := &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			pe.Message = body.Message
		} else if body.Error != "" {
			pe.Message = body.Error
		}
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			pe.RetryAfterHint = time.Duration(secs) * time.Second
		}
	}
	return pe
}

type ProviderError struct {
	StatusCode     int
	Message        string
	RetryAfterHint time.Duration
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("veeqo: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements shiperr.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// RetryAfter implements shiperr.RetryHinter.
func (e *ProviderError) RetryAfter() time.Duration { return e.RetryAfterHint }

// toParcel converts to the inches/ounces Veeqo expects on the wire. The
// conversion never leaks into the cache key, which hashes the caller's
// original units.
func toParcel(p carriers.Parcel) parcel {
	return parcel{
		Length: carriers.ToInches(p.Length, p.DistanceUnit),
		Width:  carriers.ToInches(p.Width, p.DistanceUnit),
		Height: carriers.ToInches(p.Height, p.DistanceUnit),
		Weight: carriers.ToOunces(p.Weight, p.MassUnit),
	}
}
