package main

import (
	"encoding/json"
	"net/http"

	"github.com/connwatch/reporter/internal/delivery"
	"github.com/connwatch/reporter/internal/ingest"
	"github.com/connwatch/reporter/internal/metrics"
	"github.com/connwatch/reporter/internal/tracker"
)

func setupRouter(ingestHandler *ingest.Handler, collector *metrics.Collector, deliverer *delivery.Deliverer, track *tracker.Tracker) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/samples", ingestHandler.Samples)
	mux.HandleFunc("/v1/connections/close", ingestHandler.Close)
	mux.HandleFunc("/v1/stream", ingestHandler.Stream)
	mux.HandleFunc("/metrics", collector.Handler(track.Counts))
	mux.HandleFunc("/healthz", healthzHandler(deliverer))

	return mux
}

func healthzHandler(deliverer *delivery.Deliverer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(deliverer.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}
