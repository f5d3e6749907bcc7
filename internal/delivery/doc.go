// Package delivery is the pipeline's front door: it sends records through
// the breaker-guarded retrying transport, converts an open breaker into a
// queued outcome instead of an error, and replays the queue after the
// breaker closes.
package delivery
