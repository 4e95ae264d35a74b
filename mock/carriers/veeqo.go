package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
)

// newVeeqoHandler returns an http.Handler simulating the Veeqo shipping API.
// Veeqo returns a bare array of quotes and ships against a warehouse
// allocation, echoing the chosen sub-carrier routing fields.
func newVeeqoHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// POST /shipping/quotes — quote the parcel.
	mux.HandleFunc("/shipping/quotes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeVeeqoError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeVeeqoError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		quotes := make([]map[string]any, cfg.RateCount)
		for i := range quotes {
			s := services[rand.IntN(len(services))]
			quotes[i] = map[string]any{
				"remote_shipment_id":    fmt.Sprintf("rs_%x", rand.Int64()),
				"name":                  s.service,
				"carrier":               s.carrier,
				"base_rate":             fakeAmount(),
				"currency":              "USD",
				"service_type":          s.service,
				"sub_carrier_id":        fmt.Sprintf("sub_%d", rand.IntN(100)),
				"expected_transit_days": fakeDays(),
			}
		}

		writeJSON(w, http.StatusOK, quotes)
	})

	// POST /shipping/shipments — ship an allocation with a quoted rate.
	mux.HandleFunc("/shipping/shipments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeVeeqoError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeVeeqoError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		var req struct {
			AllocationID     string `json:"allocation_id"`
			RemoteShipmentID string `json:"remote_shipment_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
			req.AllocationID == "" || req.RemoteShipmentID == "" {
			writeVeeqoError(w, http.StatusUnprocessableEntity, "allocation_id and remote_shipment_id are required")
			return
		}

		id := rand.Int64N(1_000_000)
		tracking := fakeTracking()

		writeJSON(w, http.StatusCreated, map[string]any{
			"id":        id,
			"label_url": fmt.Sprintf("https://mock.veeqo.test/labels/%d.pdf", id),
			"tracking_number": map[string]string{
				"tracking_number": tracking,
			},
			"tracking_url": "https://track.veeqo.test/" + tracking,
		})
	})

	// GET /current_user — health check.
	mux.HandleFunc("/current_user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"user": map[string]any{"id": 1, "email": "mock@veeqo.test"},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeVeeqoError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path)
	})

	return mux
}

// writeVeeqoError writes Veeqo's {"message": ...} error shape.
func writeVeeqoError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
