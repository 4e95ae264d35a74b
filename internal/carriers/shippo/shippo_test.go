package shippo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulpointcorp/shipping-gateway/internal/carriers"
	"github.com/nulpointcorp/shipping-gateway/internal/resilience"
	"github.com/nulpointcorp/shipping-gateway/pkg/shiperr"
)

func newTestCarrier(srv *httptest.Server) *Carrier {
	pipe := carriers.NewPipeline(carriers.PipelineConfig{
		Provider: "shippo",
		Retry: resilience.RetryConfig{
			MaxAttempts:       1,
			BaseDelay:         time.Millisecond,
			PerAttemptTimeout: time.Second,
		},
	}, nil, nil, nil)
	return New("mock-api-key", pipe, WithBaseURL(srv.URL))
}

func baseShipment() *carriers.ShipmentInput {
	return &carriers.ShipmentInput{
		From: carriers.Address{
			Street1: "215 Clayton St",
			City:    "San Francisco",
			State:   "CA",
			Zip:     "94117",
			Country: "US",
		},
		To: carriers.Address{
			Street1: "1092 Indian Summer Ct",
			City:    "San Jose",
			State:   "CA",
			Zip:     "95122",
			Country: "US",
		},
		Parcel: carriers.Parcel{Length: 5, Width: 5, Height: 5, Weight: 2, MassUnit: carriers.UnitPound},
	}
}

func TestCarrier_Name(t *testing.T) {
	c := New("key", nil)
	if c.Name() != "shippo" {
		t.Fatalf("expected 'shippo', got %q", c.Name())
	}
}

func TestCarrier_Quote_Success(t *testing.T) {
	two := 2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/shipments/" {
			t.Errorf("expected POST /shipments/, got %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "ShippoToken mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}

		var body shipmentRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Async {
			t.Error("rate shopping must be synchronous")
		}
		if len(body.Parcels) != 1 {
			t.Fatalf("expected 1 parcel, got %d", len(body.Parcels))
		}
		// Units pass through untranslated.
		if body.Parcels[0].Weight != "2" || body.Parcels[0].MassUnit != "lb" {
			t.Errorf("unexpected parcel weight: %+v", body.Parcels[0])
		}
		if body.Parcels[0].DistanceUnit != "in" {
			t.Errorf("expected defaulted distance unit in, got %q", body.Parcels[0].DistanceUnit)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(shipmentResponse{
			ObjectID: "shpmt_abc",
			Rates: []rate{
				{
					ObjectID:      "rate_xyz",
					Amount:        "5.50",
					Currency:      "USD",
					Provider:      "USPS",
					ServiceLevel:  serviceLevel{Name: "Priority Mail", Token: "usps_priority"},
					EstimatedDays: &two,
				},
			},
		})
	}))
	defer srv.Close()

	quotes, err := newTestCarrier(srv).Quote(context.Background(), baseShipment())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(quotes) != 1 {
		t.Fatalf("expected 1 quote, got %d", len(quotes))
	}
	q := quotes[0]
	if q.Provider != "shippo" || q.RateID != "rate_xyz" {
		t.Errorf("unexpected quote identity: %+v", q)
	}
	if q.ShipmentID != "" {
		t.Error("shippo rates purchase by rate id alone; shipment id must stay empty")
	}
	if q.Amount != 550 || q.Carrier != "USPS" || q.Service != "Priority Mail" {
		t.Errorf("unexpected normalization: %+v", q)
	}
	if q.EstDeliveryDays == nil || *q.EstDeliveryDays != 2 {
		t.Errorf("expected 2 delivery days, got %v", q.EstDeliveryDays)
	}
}

func TestCarrier_Quote_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"detail":"upstream carrier timeout"}`))
	}))
	defer srv.Close()

	_, err := newTestCarrier(srv).Quote(context.Background(), baseShipment())

	var se *shiperr.Error
	if !errors.As(err, &se) || se.Kind != shiperr.KindNetwork || !se.Retryable {
		t.Fatalf("err = %v, want retryable network error", err)
	}
	if se.HTTPStatus != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", se.HTTPStatus)
	}
}

func TestCarrier_Purchase_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transactions/" {
			t.Errorf("expected path /transactions/, got %s", r.URL.Path)
		}

		var body transactionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Rate != "rate_xyz" || body.Async {
			t.Errorf("unexpected transaction request: %+v", body)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transactionResponse{
			ObjectID:            "txn_1",
			Status:              "SUCCESS",
			LabelURL:            "https://shippo-delivery.s3.amazonaws.com/label.pdf",
			TrackingNumber:      "92055901755477000000000015",
			TrackingURLProvider: "https://tools.usps.com/go/track?q=92055",
		})
	}))
	defer srv.Close()

	res, err := newTestCarrier(srv).Purchase(context.Background(), &carriers.PurchaseRequest{RateID: "rate_xyz"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Provider != "shippo" || res.LabelURL == "" || res.TrackingCode == "" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestCarrier_Purchase_TransactionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(transactionResponse{
			ObjectID: "txn_2",
			Status:   "ERROR",
			Messages: []message{{Source: "USPS", Text: "rate expired"}},
		})
	}))
	defer srv.Close()

	_, err := newTestCarrier(srv).Purchase(context.Background(), &carriers.PurchaseRequest{RateID: "rate_old"})

	var se *shiperr.Error
	if !errors.As(err, &se) || se.IsRetryable() {
		t.Fatalf("err = %v, want non-retryable taxonomy error", err)
	}
}

func TestCarrier_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/addresses/" {
			t.Errorf("expected path /addresses/, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	if !newTestCarrier(srv).HealthCheck(context.Background()) {
		t.Fatal("healthy upstream must report true")
	}
}
