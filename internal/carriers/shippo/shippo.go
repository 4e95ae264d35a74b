// Package shippo implements the Shippo carrier adapter.
//
// Shippo accepts arbitrary distance/mass units on the wire and its purchase
// flow needs only the rate object id, which makes it the simplest of the
// adapters.
package shippo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/shipping-gateway/internal/carriers"
)

const (
	defaultBaseURL = "https://api.goshippo.com"
	providerName   = "shippo"
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

type parcel struct {
	Length       string `json:"length"`
	Width        string `json:"width"`
	Height       string `json:"height"`
	Weight       string `json:"weight"`
	DistanceUnit string `json:"distance_unit"`
	MassUnit     string `json:"mass_unit"`
}

type shipmentRequest struct {
	AddressFrom address  `json:"address_from"`
	AddressTo   address  `json:"address_to"`
	Parcels     []parcel `json:"parcels"`
	Async       bool     `json:"async"`
}

type shipmentResponse struct {
	ObjectID string `json:"object_id"`
	Rates    []rate `json:"rates"`
}

type rate struct {
	ObjectID      string        `json:"object_id"`
	Amount        string        `json:"amount"`
	Currency      string        `json:"currency"`
	Provider      string        `json:"provider"`
	ServiceLevel  serviceLevel  `json:"servicelevel"`
	EstimatedDays *int          `json:"estimated_days"`
}

type serviceLevel struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

type transactionRequest struct {
	Rate          string `json:"rate"`
	LabelFileType string `json:"label_file_type"`
	Async         bool   `json:"async"`
}

type transactionResponse struct {
	ObjectID            string    `json:"object_id"`
	Status              string    `json:"status"`
	LabelURL            string    `json:"label_url"`
	TrackingNumber      string    `json:"tracking_number"`
	TrackingURLProvider string    `json:"tracking_url_provider"`
	Messages            []message `json:"messages"`
}

type message struct {
	Source string `json:"source"`
	Text   string `json:"text"`
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
	body, err := json.Marshal(shipmentRequest{
		AddressFrom: toAddress(in.From),
		AddressTo:   toAddress(in.To),
		Parcels:     []parcel{toParcel(in.Parcel)},
		Async:       false,
	})
	if err != nil {
		return nil, fmt.Errorf("shippo: marshal shipment: %w", err)
	}

	var sr shipmentResponse
	if err := c.do(ctx, http.MethodPost, "/shipments/", body, &sr); err != nil {
		return nil, err
	}

	quotes := make([]carriers.RateQuote, 0, len(sr.Rates))
	for _, r := range sr.Rates {
		amount, err := carriers.MinorUnits(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("shippo: rate %s: %w", r.ObjectID, err)
		}
		quotes = append(quotes, carriers.RateQuote{
			Provider:        providerName,
			RateID:          r.ObjectID,
			Service:         r.ServiceLevel.Name,
			Carrier:         r.Provider,
			Amount:          amount,
			Currency:        r.Currency,
			EstDeliveryDays: r.EstimatedDays,
		})
	}
	return quotes, nil
}

func (c *Carrier) Purchase(ctx context.Context, req *carriers.PurchaseRequest) (*carriers.PurchaseResult, error) {
	return c.pipe.Purchase(ctx, req, func(ctx context.Context) (*carriers.PurchaseResult, error) {
		return c.buyLabel(ctx, req)
	})
}

func (c *Carrier) buyLabel(ctx context.Context, req *carriers.PurchaseRequest) (*carriers.PurchaseResult, error) {
	body, err := json.Marshal(transactionRequest{
		Rate:          req.RateID,
		LabelFileType: "PDF",
		Async:         false,
	})
	if err != nil {
		return nil, fmt.Errorf("shippo: marshal transaction: %w", err)
	}

	var tr transactionResponse
	if err := c.do(ctx, http.MethodPost, "/transactions/", body, &tr); err != nil {
		return nil, err
	}

	// Shippo reports label failures with HTTP 201 and status ERROR.
	if tr.Status != "SUCCESS" {
		return nil, &ProviderError{
			StatusCode: http.StatusPaymentRequired,
			Message:    fmt.Sprintf("transaction %s: %s", tr.ObjectID, joinMessages(tr.Messages)),
		}
	}

	return &carriers.PurchaseResult{
		Provider:     providerName,
		LabelURL:     tr.LabelURL,
		TrackingCode: tr.TrackingNumber,
		TrackingURL:  tr.TrackingURLProvider,
	}, nil
}

// HealthCheck lists one address — a cheap authenticated round-trip.
func (c *Carrier) HealthCheck(ctx context.Context) bool {
	return c.pipe.Health(ctx, func(ctx context.Context) error {
		var out json.RawMessage
		return c.do(ctx, http.MethodGet, "/addresses/?results=1", nil, &out)
	})
}

func (c *Carrier) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("shippo: %w", err)
	}
	req.Header.Set("Authorization", "ShippoToken "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("shippo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("shippo: decode response: %w", err)
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
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		pe.Message = body.Detail
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
	return fmt.Sprintf("shippo: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements shiperr.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// RetryAfter implements shiperr.RetryHinter.
func (e *ProviderError) RetryAfter() time.Duration { return e.RetryAfterHint }

func joinMessages(msgs []message) string {
	if len(msgs) == 0 {
		return "no further detail"
	}
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Text
	}
	return strings.Join(parts, "; ")
}

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

// toParcel passes the caller's units straight through — Shippo takes the
// units on the wire.
func toParcel(p carriers.Parcel) parcel {
	return parcel{
		Length:       formatFloat(p.Length),
		Width:        formatFloat(p.Width),
		Height:       formatFloat(p.Height),
		Weight:       formatFloat(p.Weight),
		DistanceUnit: p.DistanceUnit,
		MassUnit:     p.MassUnit,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
