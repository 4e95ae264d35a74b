// Package carriers defines the common interface and normalized types used by
// all shipping carrier implementations (EasyPost, Shippo, Veeqo, and others).
//
// Each carrier lives in its own sub-package and implements the Carrier
// interface. The normalized model is carrier-neutral: adapters translate it
// to and from their upstream's native payloads, so callers never see a
// provider-specific field outside of ProviderExtras.
package carriers

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Supported distance and mass units for Parcel.
const (
	UnitInch       = "in"
	UnitCentimeter = "cm"

	UnitOunce    = "oz"
	UnitPound    = "lb"
	UnitGram     = "g"
	UnitKilogram = "kg"
)

// Default resilience constants shared by every adapter.
const (
	MaxRetries       = 3
	RequestTimeout   = 30 * time.Second
	FailureThreshold = 5
	RecoveryTimeout  = 60 * time.Second
)

type (
	// Address is a normalized postal address.
	Address struct {
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

	// Parcel is a normalized package description. Dimensions use
	// DistanceUnit ("in" or "cm", default "in"); Weight uses MassUnit
	// ("oz", "lb", "g" or "kg", default "oz").
	Parcel struct {
		Length       float64 `json:"length"`
		Width        float64 `json:"width"`
		Height       float64 `json:"height"`
		Weight       float64 `json:"weight"`
		DistanceUnit string  `json:"distance_unit,omitempty"`
		MassUnit     string  `json:"mass_unit,omitempty"`
	}

	// ShipmentInput — normalized quote request.
	ShipmentInput struct {
		From   Address `json:"from"`
		To     Address `json:"to"`
		Parcel Parcel  `json:"parcel"`

		// Reference is an optional caller-supplied order reference passed
		// through to carriers that accept one.
		Reference string `json:"reference,omitempty"`

		// ProviderExtras carries opaque carrier-specific identifiers, for
		// example the warehouse allocation id Veeqo requires. Keys are
		// carrier-defined; unknown keys are ignored.
		ProviderExtras map[string]string `json:"provider_extras,omitempty"`
	}

	// RateQuote — one normalized shipping rate from one carrier.
	RateQuote struct {
		Provider string `json:"provider"`

		// RateID identifies this rate for a later purchase.
		RateID string `json:"rate_id"`

		// ShipmentID is set by carriers whose purchase flow needs the parent
		// shipment object (EasyPost). Empty otherwise.
		ShipmentID string `json:"shipment_id,omitempty"`

		Service string `json:"service"`
		Carrier string `json:"carrier"`

		// Amount is the price in minor units (cents) to keep ordering and
		// equality exact.
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`

		// EstDeliveryDays is nil when the carrier gave no estimate.
		EstDeliveryDays *int `json:"est_delivery_days,omitempty"`

		// ServiceType and SubCarrierID are set by carriers that route through
		// sub-carriers (Veeqo). Empty otherwise.
		ServiceType  string `json:"service_type,omitempty"`
		SubCarrierID string `json:"sub_carrier_id,omitempty"`
	}

	// PurchaseRequest — normalized label purchase request. RateID is always
	// required; ShipmentID and Extras are needed only by carriers whose flow
	// demands them (the adapter validates).
	PurchaseRequest struct {
		RateID     string            `json:"rate_id"`
		ShipmentID string            `json:"shipment_id,omitempty"`
		Extras     map[string]string `json:"extras,omitempty"`
	}

	// PurchaseResult — normalized label purchase response.
	PurchaseResult struct {
		Provider     string `json:"provider"`
		ShipmentID   string `json:"shipment_id,omitempty"`
		LabelURL     string `json:"label_url"`
		TrackingCode string `json:"tracking_code"`
		TrackingURL  string `json:"tracking_url,omitempty"`
	}
)

// Carrier — shipping carrier interface.
type Carrier interface {
	Name() string

	// Enabled reports whether the carrier is configured and should receive
	// traffic. Disabled carriers are skipped by fan-out and rejected for
	// direct routing.
	Enabled() bool

	// Quote returns the carrier's rates for the shipment.
	Quote(ctx context.Context, in *ShipmentInput) ([]RateQuote, error)

	// Purchase buys a label for a previously quoted rate.
	Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResult, error)

	// HealthCheck probes the upstream. It never returns an error: false
	// means the carrier is currently unusable.
	HealthCheck(ctx context.Context) bool
}

// Normalize fills unit defaults and validates the shipment. It mutates in
// place so adapters can rely on DistanceUnit/MassUnit being set.
func (in *ShipmentInput) Normalize() error {
	if in.Parcel.DistanceUnit == "" {
		in.Parcel.DistanceUnit = UnitInch
	}
	if in.Parcel.MassUnit == "" {
		in.Parcel.MassUnit = UnitOunce
	}

	switch in.Parcel.DistanceUnit {
	case UnitInch, UnitCentimeter:
	default:
		return fmt.Errorf("unsupported distance unit %q", in.Parcel.DistanceUnit)
	}
	switch in.Parcel.MassUnit {
	case UnitOunce, UnitPound, UnitGram, UnitKilogram:
	default:
		return fmt.Errorf("unsupported mass unit %q", in.Parcel.MassUnit)
	}

	if in.Parcel.Length <= 0 || in.Parcel.Width <= 0 || in.Parcel.Height <= 0 {
		return fmt.Errorf("parcel dimensions must be positive")
	}
	if in.Parcel.Weight <= 0 {
		return fmt.Errorf("parcel weight must be positive")
	}
	for _, a := range []struct {
		label string
		addr  *Address
	}{{"from", &in.From}, {"to", &in.To}} {
		if a.addr.Zip == "" || a.addr.Country == "" {
			return fmt.Errorf("%s address needs zip and country", a.label)
		}
	}
	return nil
}

// MinorUnits converts a carrier's decimal amount string (e.g. "7.33") to
// minor units, rounding half away from zero.
func MinorUnits(s string) (int64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return int64(math.Round(v * 100)), nil
}
