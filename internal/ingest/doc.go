// Package ingest is the producer-facing boundary. It admits sample
// envelopes over HTTP and WebSocket, enforces the origin allow-list and
// per-origin rate limits, and hands admitted records to the delivery
// pipeline. No delivery decisions are made here.
package ingest
