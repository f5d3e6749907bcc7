package metrics

import (
	"encoding/json"
	"net/http"
)

// Handler serves the metrics snapshot as JSON, folding in the live
// per-origin connection counts from the tracker.
func (c *Collector) Handler(connCounts func() map[string]int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := c.metrics.Snapshot()
		if connCounts != nil {
			snap.TrackedConnections = connCounts()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}
