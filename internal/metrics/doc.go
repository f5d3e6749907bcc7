// Package metrics aggregates delivery pipeline events into per-origin
// counters and latency percentiles. Events flow through a buffered channel
// so emitters never block on the aggregation lock.
package metrics
