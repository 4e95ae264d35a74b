package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// services is a pool of carrier/service pairs used to build mock rates.
var services = []struct {
	carrier string
	service string
}{
	{"USPS", "Priority"},
	{"USPS", "GroundAdvantage"},
	{"UPS", "Ground"},
	{"UPS", "2ndDayAir"},
	{"FedEx", "FEDEX_GROUND"},
	{"FedEx", "PRIORITY_OVERNIGHT"},
	{"DHL", "ExpressWorldwide"},
}

// fakeAmount returns a plausible rate as a decimal string, e.g. "12.47".
func fakeAmount() string {
	cents := 500 + rand.IntN(4500)
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

// fakeDays returns an estimated delivery span, occasionally absent like real
// carriers do for some services.
func fakeDays() *int {
	if rand.IntN(4) == 0 {
		return nil
	}
	d := 1 + rand.IntN(7)
	return &d
}

// fakeTracking returns a tracking code in USPS-ish format.
func fakeTracking() string {
	return fmt.Sprintf("94001108988250%08d", rand.IntN(100000000))
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
