// Collectorsim is a mock telemetry collector used for manual reporter
// testing. It accepts report envelopes on /v1/reports and can inject
// failures on demand.
//
// Usage:
//
//	go run main.go -port 9400
//	go run main.go -port 9400 -fail-rate 0.5 -fail-status 503
//
// POST /toggle flips the collector between healthy and unavailable, so
// breaker opening, queueing and replay can be exercised by hand.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"
)

func main() {
	var (
		port       = flag.Int("port", 9400, "port to listen on")
		failRate   = flag.Float64("fail-rate", 0, "fraction of reports to reject (0..1)")
		failStatus = flag.Int("fail-status", 503, "status code for injected failures")
		latency    = flag.Duration("latency", 0, "artificial processing delay")
	)
	flag.Parse()

	var down atomic.Bool
	var received, rejected atomic.Int64

	mux := http.NewServeMux()

	mux.HandleFunc("/v1/reports", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if *latency > 0 {
			time.Sleep(*latency)
		}

		if down.Load() || rand.Float64() < *failRate {
			n := rejected.Add(1)
			log.Printf("rejected: status=%d bytes=%d total_rejected=%d", *failStatus, len(body), n)
			http.Error(w, "injected failure", *failStatus)
			return
		}

		n := received.Add(1)
		log.Printf("received: bytes=%d total=%d", len(body), n)
		w.WriteHeader(http.StatusAccepted)
	})

	// health endpoint used as breaker probe target
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/toggle", func(w http.ResponseWriter, r *http.Request) {
		now := !down.Load()
		down.Store(now)
		log.Printf("toggled: down=%v", now)
		fmt.Fprintf(w, "down=%v\n", now)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("starting collectorsim on %s (fail-rate=%.2f)", addr, *failRate)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
