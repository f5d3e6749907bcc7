// Package retry wraps a single fallible call with bounded retries,
// exponential backoff and jitter.
//
// Errors are classified before every retry decision: terminal errors
// (permission, quota, invalid input, invalidated context) abort immediately,
// everything else is retryable by default. breaker.ErrOpen is special-cased
// and always propagated untouched, because the right reaction to an open
// breaker is queueing, not hammering it with retries.
package retry
