// Package breaker implements the circuit breaker guarding outbound pushes
// and persistence calls.
//
// A breaker prevents hammering a collector or store that is already failing.
// It has three states:
//
//   - CLOSED: normal operation, calls pass through
//   - OPEN: too many consecutive failures, calls fail fast with ErrOpen
//   - HALF-OPEN: probing; two consecutive successes close the breaker again,
//     any failure reopens it immediately
//
// Usage:
//
//	registry := breaker.NewRegistry(5, 60*time.Second)
//	cb := registry.GetBreaker("collector")
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return transport.Send(ctx, record)
//	})
//	if errors.Is(err, breaker.ErrOpen) {
//	    // queue the record instead of sending
//	}
//
// A background Run loop re-evaluates an open breaker on a timer so recovery
// does not depend on fresh traffic arriving.
package breaker
