package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
)

// newShippoHandler returns an http.Handler simulating the Shippo API.
// Shippo quotes via POST /shipments/ and buys labels via POST /transactions/
// against a rate's object_id alone.
func newShippoHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// POST /shipments/ — create a shipment and quote it synchronously.
	mux.HandleFunc("/shipments/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeShippoError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeShippoError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		rates := make([]map[string]any, cfg.RateCount)
		for i := range rates {
			s := services[rand.IntN(len(services))]
			rates[i] = map[string]any{
				"object_id": fmt.Sprintf("%x", rand.Int64()),
				"amount":    fakeAmount(),
				"currency":  "USD",
				"provider":  s.carrier,
				"servicelevel": map[string]string{
					"name":  s.service,
					"token": s.carrier + "_" + s.service,
				},
				"estimated_days": fakeDays(),
			}
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"object_id": fmt.Sprintf("%x", rand.Int64()),
			"status":    "SUCCESS",
			"rates":     rates,
		})
	})

	// POST /transactions/ — buy a label for a rate.
	mux.HandleFunc("/transactions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeShippoError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeShippoError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		var req struct {
			Rate string `json:"rate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rate == "" {
			writeShippoError(w, http.StatusBadRequest, "rate is required")
			return
		}

		objectID := fmt.Sprintf("%x", rand.Int64())
		tracking := fakeTracking()

		writeJSON(w, http.StatusCreated, map[string]any{
			"object_id":             objectID,
			"status":                "SUCCESS",
			"label_url":             fmt.Sprintf("https://mock.shippo.test/labels/%s.pdf", objectID),
			"tracking_number":       tracking,
			"tracking_url_provider": "https://track.shippo.test/" + tracking,
			"messages":              []any{},
		})
	})

	// GET /addresses/ — health check.
	mux.HandleFunc("/addresses/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"results": []any{}})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeShippoError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path)
	})

	return mux
}

// writeShippoError writes Shippo's flat {"detail": ...} error shape.
func writeShippoError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
