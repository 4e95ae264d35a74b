package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newEasyPostHandler returns an http.Handler simulating the EasyPost API.
// EasyPost creates a shipment object whose rates each carry an id, and labels
// are bought per shipment via POST /shipments/{id}/buy.
func newEasyPostHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// POST /shipments — create a shipment and quote it.
	// POST /shipments/{id}/buy — buy a previously quoted rate.
	mux.HandleFunc("/shipments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeEasyPostError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeEasyPostError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "mock internal error")
			return
		}

		shipmentID := fmt.Sprintf("shp_%x", rand.Int64())
		rates := make([]map[string]any, cfg.RateCount)
		for i := range rates {
			s := services[rand.IntN(len(services))]
			rates[i] = map[string]any{
				"id":            fmt.Sprintf("rate_%x", rand.Int64()),
				"carrier":       s.carrier,
				"service":       s.service,
				"rate":          fakeAmount(),
				"currency":      "USD",
				"delivery_days": fakeDays(),
			}
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"id":     shipmentID,
			"object": "Shipment",
			"rates":  rates,
		})
	})

	mux.HandleFunc("/shipments/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/buy") {
			writeEasyPostError(w, http.StatusNotFound, "NOT_FOUND", "mock: unknown path "+r.URL.Path)
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeEasyPostError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "mock internal error")
			return
		}

		shipmentID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/shipments/"), "/buy")
		tracking := fakeTracking()

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            shipmentID,
			"object":        "Shipment",
			"tracking_code": tracking,
			"postage_label": map[string]string{
				"label_url": fmt.Sprintf("https://mock.easypost.test/labels/%s.png", shipmentID),
			},
			"tracker": map[string]string{
				"public_url": "https://track.easypost.test/" + tracking,
			},
		})
	})

	// GET /addresses — health check.
	mux.HandleFunc("/addresses", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"addresses": []any{}})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeEasyPostError(w, http.StatusNotFound, "NOT_FOUND", "mock: unknown path "+r.URL.Path)
	})

	return mux
}

func writeEasyPostError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": msg,
		},
	})
}
