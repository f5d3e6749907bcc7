package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/connwatch/reporter/internal/breaker"
	"github.com/connwatch/reporter/internal/retry"
	"github.com/connwatch/reporter/internal/storage"
)

const defaultVolatileCapacity = 256

// Tier identifies which layer of the chain served or absorbed an operation.
type Tier int

const (
	TierPrimary Tier = iota
	TierSecondary
	TierVolatile
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierVolatile:
		return "volatile"
	default:
		return "unknown"
	}
}

// StorageError is returned by Write only when both persistent tiers reject
// the state. A failure of the primary alone is a degraded success.
type StorageError struct {
	Primary   error
	Secondary error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage chain write failed: primary: %v; secondary: %v", e.Primary, e.Secondary)
}

func (e *StorageError) Unwrap() []error {
	return []error{e.Primary, e.Secondary}
}

// Stats counts which tier served reads and how many writes landed on the
// secondary only.
type Stats struct {
	PrimaryReads   int64
	FallbackReads  int64
	DegradedWrites int64
}

// Chain layers three storage tiers: a breaker-guarded primary, an
// always-written secondary, and a volatile LRU cache that absorbs state
// written while both persistent tiers are unavailable.
type Chain struct {
	primary   storage.Store
	secondary storage.Store
	volatile  *lru.Cache[string, json.RawMessage]
	breaker   *breaker.CircuitBreaker
	retry     *retry.Policy
	logger    *slog.Logger

	mutex sync.Mutex
	stats Stats
}

type Option func(*Chain)

func WithLogger(log *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = log
	}
}

// New builds a chain over the given tiers. The breaker and retry policy
// guard the primary only; the secondary is always hit directly.
func New(primary, secondary storage.Store, cb *breaker.CircuitBreaker, pol *retry.Policy, volatileCapacity int, opts ...Option) (*Chain, error) {
	if volatileCapacity <= 0 {
		volatileCapacity = defaultVolatileCapacity
	}

	volatile, err := lru.New[string, json.RawMessage](volatileCapacity)
	if err != nil {
		return nil, fmt.Errorf("create volatile cache: %w", err)
	}

	c := &Chain{
		primary:   primary,
		secondary: secondary,
		volatile:  volatile,
		breaker:   cb,
		retry:     pol,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Write persists entries to every tier it can reach. The volatile cache is
// updated first so a read issued while both persistent tiers are down still
// observes this write.
func (c *Chain) Write(ctx context.Context, entries map[string]json.RawMessage) error {
	for key, val := range entries {
		c.volatile.Add(key, val)
	}

	primaryErr := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retry.Do(ctx, func(ctx context.Context) error {
			return c.primary.Set(ctx, entries)
		})
	})

	secondaryErr := c.secondary.Set(ctx, entries)

	if primaryErr == nil {
		if secondaryErr != nil {
			c.logger.Warn("secondary store write failed", "error", secondaryErr)
		}
		return nil
	}

	if secondaryErr == nil {
		c.mutex.Lock()
		c.stats.DegradedWrites++
		c.mutex.Unlock()

		c.logger.Warn("primary store unavailable, state persisted to secondary only",
			"tier", TierSecondary, "error", primaryErr)
		return nil
	}

	return &StorageError{Primary: primaryErr, Secondary: secondaryErr}
}

// Read serves from the primary when it answers, otherwise from a merged
// secondary+volatile view. Volatile entries win collisions: they are newer
// than anything the secondary could have captured before the outage.
func (c *Chain) Read(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retry.Do(ctx, func(ctx context.Context) error {
			var getErr error
			out, getErr = c.primary.Get(ctx, keys)
			return getErr
		})
	})
	if err == nil {
		c.mutex.Lock()
		c.stats.PrimaryReads++
		c.mutex.Unlock()
		return out, nil
	}

	c.logger.Warn("primary store unavailable, serving fallback view",
		"tier", TierSecondary, "error", err)

	merged, secondaryErr := c.secondary.Get(ctx, keys)
	if secondaryErr != nil {
		c.logger.Warn("secondary store read failed", "tier", TierVolatile, "error", secondaryErr)
		merged = make(map[string]json.RawMessage)
	}

	if keys == nil {
		keys = c.volatile.Keys()
	}
	for _, key := range keys {
		if val, ok := c.volatile.Get(key); ok {
			merged[key] = val
		}
	}

	c.mutex.Lock()
	c.stats.FallbackReads++
	c.mutex.Unlock()

	return merged, nil
}

func (c *Chain) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stats
}
