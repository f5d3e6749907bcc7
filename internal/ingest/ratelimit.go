package ingest

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// OriginRateLimiter throttles sample submissions per origin. Entries for
// origins that stop reporting are removed by a background cleanup loop.
type OriginRateLimiter struct {
	mutex    sync.Mutex
	limiters map[string]*originEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	clk      clock.Clock
	stopCh   chan struct{}
}

type originEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewOriginRateLimiter(r float64, burst int, cleanupInterval time.Duration, clk clock.Clock) *OriginRateLimiter {
	l := &OriginRateLimiter{
		limiters: make(map[string]*originEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		clk:      clk,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a submission from origin fits its token bucket.
func (l *OriginRateLimiter) Allow(origin string) bool {
	l.mutex.Lock()
	entry, exists := l.limiters[origin]
	if !exists {
		entry = &originEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: l.clk.Now(),
		}
		l.limiters[origin] = entry
	} else {
		entry.lastSeen = l.clk.Now()
	}
	limiter := entry.limiter
	l.mutex.Unlock()

	return limiter.Allow()
}

func (l *OriginRateLimiter) cleanupLoop() {
	ticker := l.clk.Ticker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *OriginRateLimiter) removeStale() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	threshold := l.clk.Now().Add(-l.cleanup * 2)
	for origin, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, origin)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *OriginRateLimiter) Stop() {
	close(l.stopCh)
}
