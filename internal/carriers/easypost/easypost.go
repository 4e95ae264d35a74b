// Package easypost implements the EasyPost carrier adapter.
//
// EasyPost's quote flow creates a shipment object whose id is needed again at
// purchase time, so every RateQuote carries the parent ShipmentID and
// Purchase validates that the caller sent it back.
package easypost

import (
	"bytes"
	"context"
	"encoding/base64"
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
	defaultBaseURL = "https://api.easypost.com/v2"
	providerName   = "easypost"
)

type address struct {
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
}

// parcel uses EasyPost's native units: inches and ounces.
type parcel struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Weight float64 `json:"weight"`
}

type shipmentRequest struct {
	Shipment shipmentPayload `json:"shipment"`
}

type shipmentPayload struct {
	ToAddress   address `json:"to_address"`
	FromAddress address `json:"from_address"`
	Parcel      parcel  `json:"parcel"`
	Reference   string  `json:"reference,omitempty"`
}

type shipmentResponse struct {
	ID    string  `json:"id"`
	Rates []rate  `json:"rates"`
	Error *apiErr `json:"error,omitempty"`
}

type rate struct {
	ID           string `json:"id"`
	Carrier      string `json:"carrier"`
	Service      string `json:"service"`
	Rate         string `json:"rate"`
	Currency     string `json:"currency"`
	DeliveryDays *int   `json:"delivery_days"`
}

type buyRequest struct {
	Rate rateRef `json:"rate"`
}

type rateRef struct {
	ID string `json:"id"`
}

type buyResponse struct {
	ID           string        `json:"id"`
	TrackingCode string        `json:"tracking_code"`
	PostageLabel *postageLabel `json:"postage_label"`
	Tracker      *tracker      `json:"tracker"`
	Error        *apiErr       `json:"error,omitempty"`
}

type postageLabel struct {
	LabelURL string `json:"label_url"`
}

type tracker struct {
	PublicURL string `json:"public_url"`
}

type apiErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
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

// WithDisabled administratively removes the carrier from traffic without
// unconfiguring its key.
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
	body, err := json.Marshal(shipmentRequest{Shipment: shipmentPayload{
		ToAddress:   toAddress(in.To),
		FromAddress: toAddress(in.From),
		Parcel:      toParcel(in.Parcel),
		Reference:   in.Reference,
	}})
	if err != nil {
		return nil, fmt.Errorf("easypost: marshal shipment: %w", err)
	}

	var sr shipmentResponse
	if err := c.do(ctx, http.MethodPost, "/shipments", body, &sr); err != nil {
		return nil, err
	}

	quotes := make([]carriers.RateQuote, 0, len(sr.Rates))
	for _, r := range sr.Rates {
		amount, err := carriers.MinorUnits(r.Rate)
		if err != nil {
			return nil, fmt.Errorf("easypost: rate %s: %w", r.ID, err)
		}
		quotes = append(quotes, carriers.RateQuote{
			Provider:        providerName,
			RateID:          r.ID,
			ShipmentID:      sr.ID,
			Service:         r.Service,
			Carrier:         r.Carrier,
			Amount:          amount,
			Currency:        r.Currency,
			EstDeliveryDays: r.DeliveryDays,
		})
	}
	return quotes, nil
}

func (c *Carrier) Purchase(ctx context.Context, req *carriers.PurchaseRequest) (*carriers.PurchaseResult, error) {
	if req.ShipmentID == "" {
		corrID := shiperr.OrNewCorrelationID(shiperr.CorrelationIDFrom(ctx))
		return nil, shiperr.NewValidation(providerName, "purchase", corrID,
			"shipment_id", "", "easypost purchases need the shipment_id returned with the quote")
	}

	return c.pipe.Purchase(ctx, req, func(ctx context.Context) (*carriers.PurchaseResult, error) {
		return c.buyLabel(ctx, req)
	})
}

func (c *Carrier) buyLabel(ctx context.Context, req *carriers.PurchaseRequest) (*carriers.PurchaseResult, error) {
	body, err := json.Marshal(buyRequest{Rate: rateRef{ID: req.RateID}})
	if err != nil {
		return nil, fmt.Errorf("easypost: marshal buy: %w", err)
	}

	var br buyResponse
	if err := c.do(ctx, http.MethodPost, "/shipments/"+req.ShipmentID+"/buy", body, &br); err != nil {
		return nil, err
	}

	res := &carriers.PurchaseResult{
		Provider:     providerName,
		ShipmentID:   br.ID,
		TrackingCode: br.TrackingCode,
	}
	if br.PostageLabel != nil {
		res.LabelURL = br.PostageLabel.LabelURL
	}
	if br.Tracker != nil {
		res.TrackingURL = br.Tracker.PublicURL
	}
	return res, nil
}

// HealthCheck lists the account's addresses — the cheapest authenticated call
// EasyPost offers.
func (c *Carrier) HealthCheck(ctx context.Context) bool {
	return c.pipe.Health(ctx, func(ctx context.Context) error {
		var out json.RawMessage
		return c.do(ctx, http.MethodGet, "/addresses", nil, &out)
	})
}

func (c *Carrier) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("easypost: %w", err)
	}
	// EasyPost authenticates with HTTP basic auth, key as username.
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.apiKey+":")))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("easypost: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("easypost: decode response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	var wrapper struct {
		Error *apiErr `json:"error"`
	}
	pe := &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
	if json.Unmarshal(raw, &wrapper) == nil && wrapper.Error != nil {
		pe.Message = wrapper.Error.Message
		pe.Code = wrapper.Error.Code
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
	Code           string
	RetryAfterHint time.Duration
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("easypost: %s (status=%d, code=%s)", e.Message, e.StatusCode, e.Code)
}

// HTTPStatus implements shiperr.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// RetryAfter implements shiperr.RetryHinter.
func (e *ProviderError) RetryAfter() time.Duration { return e.RetryAfterHint }

func toAddress(a carriers.Address) address {
	return address{
		Name:    a.Name,
		Company: a.Company,
		Street1: a.Street1,
		Street2: a.Street2,
		City:    a.City,
		State:   a.State,
		Zip:     a.Zip,
		Country: a.Country,
		Phone:   a.Phone,
		Email:   a.Email,
	}
}

// toParcel converts to EasyPost's native inches and ounces.
func toParcel(p carriers.Parcel) parcel {
	return parcel{
		Length: carriers.ToInches(p.Length, p.DistanceUnit),
		Width:  carriers.ToInches(p.Width, p.DistanceUnit),
		Height: carriers.ToInches(p.Height, p.DistanceUnit),
		Weight: carriers.ToOunces(p.Weight, p.MassUnit),
	}
}
