package carriers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Cache key policy. Keys are namespaced by operation so purchase-time
// invalidation can target one carrier's quotes with a single glob:
//
//	rate:{provider}:{hash}   — quote responses
//	health:{provider}        — health probe results
//	purchase:{provider}:{id} — purchase idempotency guards
//
// The rate hash covers only fields that influence pricing, lowercased so
// "Boston"/"boston" share an entry. Field order is fixed by the canonical
// structs below, never by the caller's input.

type (
	keyAddress struct {
		City    string `json:"city"`
		State   string `json:"state"`
		Zip     string `json:"zip"`
		Country string `json:"country"`
	}

	keyInput struct {
		Provider string     `json:"provider"`
		From     keyAddress `json:"from"`
		To       keyAddress `json:"to"`
		Weight   string     `json:"weight"`
		Dims     string     `json:"dims"`
	}
)

func canonicalAddress(a Address) keyAddress {
	return keyAddress{
		City:    strings.ToLower(strings.TrimSpace(a.City)),
		State:   strings.ToLower(strings.TrimSpace(a.State)),
		Zip:     strings.ToLower(strings.TrimSpace(a.Zip)),
		Country: strings.ToLower(strings.TrimSpace(a.Country)),
	}
}

// RateQuoteKey returns the cache key for a quote request.
func RateQuoteKey(provider string, in *ShipmentInput) string {
	massUnit := in.Parcel.MassUnit
	if massUnit == "" {
		massUnit = UnitOunce
	}
	distanceUnit := in.Parcel.DistanceUnit
	if distanceUnit == "" {
		distanceUnit = UnitInch
	}

	canon := keyInput{
		Provider: strings.ToLower(provider),
		From:     canonicalAddress(in.From),
		To:       canonicalAddress(in.To),
		Weight:   fmt.Sprintf("%g%s", in.Parcel.Weight, massUnit),
		Dims:     fmt.Sprintf("%gx%gx%g%s", in.Parcel.Length, in.Parcel.Width, in.Parcel.Height, distanceUnit),
	}

	data, _ := json.Marshal(canon) // canonical structs cannot fail to marshal
	sum := sha256.Sum256(data)
	return fmt.Sprintf("rate:%s:%s", canon.Provider, hex.EncodeToString(sum[:])[:16])
}

// RateQuotePattern returns the glob matching every cached quote for provider.
func RateQuotePattern(provider string) string {
	return "rate:" + strings.ToLower(provider) + ":*"
}

// HealthKey returns the cache key for a carrier's health probe result.
func HealthKey(provider string) string {
	return "health:" + strings.ToLower(provider)
}

// PurchaseKey returns the cache key guarding a purchase for rateID.
func PurchaseKey(provider, rateID string) string {
	return fmt.Sprintf("purchase:%s:%s", strings.ToLower(provider), rateID)
}
