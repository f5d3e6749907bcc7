package breaker

import (
	"sync"
	"time"
)

// Registry hands out named breakers sharing one default configuration, so
// the transport and each persistence tier get their own failure horizon
// while staying observable in one place.
type Registry struct {
	mutex        sync.RWMutex
	breakers     map[string]*CircuitBreaker
	threshold    int
	resetTimeout time.Duration
	defaults     []Option
}

func NewRegistry(threshold int, resetTimeout time.Duration, defaults ...Option) *Registry {
	return &Registry{
		breakers:     make(map[string]*CircuitBreaker),
		threshold:    threshold,
		resetTimeout: resetTimeout,
		defaults:     defaults,
	}
}

// GetBreaker returns the breaker registered under name, creating it on first
// use. Extra options apply only on creation.
func (r *Registry) GetBreaker(name string, opts ...Option) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[name]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	combined := make([]Option, 0, len(r.defaults)+len(opts)+1)
	combined = append(combined, WithName(name))
	combined = append(combined, r.defaults...)
	combined = append(combined, opts...)

	cb = New(r.threshold, r.resetTimeout, combined...)
	r.breakers[name] = cb
	return cb
}

func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

// Stats reports the current state of every registered breaker.
func (r *Registry) Stats() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.State()
	}
	return stats
}
