package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/connwatch/reporter/internal/fallback"
)

const (
	connectionsKey  = "connections"
	originCountsKey = "origin_counts"

	// Floor for the effective staleness age. Even with an aggressive
	// threshold a connection gets at least this long between updates
	// before it is considered abandoned.
	minStaleAge = 30 * time.Second

	defaultStaleThreshold = 5 * time.Minute
	defaultScanInterval   = time.Minute
)

// Connection is one tracked producer connection.
type Connection struct {
	ID         string    `json:"id"`
	Origin     string    `json:"origin"`
	LastUpdate time.Time `json:"last_update"`
}

// CleanupResult reports the outcome of retiring a single stale connection.
type CleanupResult struct {
	ID      string
	Origin  string
	Success bool
	Err     error
}

// CleanupFunc retires one stale connection, typically by delivering a
// retirement notice to the collector. A non-nil error keeps the record.
type CleanupFunc func(ctx context.Context, conn Connection) error

// Tracker maintains the set of live connections and the per-origin counts
// derived from it. Every mutation recomputes the counts from scratch and
// co-writes both maps through the fallback chain.
type Tracker struct {
	mutex       sync.Mutex
	connections map[string]Connection
	counts      map[string]int

	chain          *fallback.Chain
	cleanup        CleanupFunc
	staleThreshold time.Duration
	scanInterval   time.Duration
	clk            clock.Clock
	logger         *slog.Logger
}

type Option func(*Tracker)

func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) {
		t.clk = clk
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = log
	}
}

// WithStaleThreshold sets the threshold Run passes to CleanupStale.
func WithStaleThreshold(threshold time.Duration) Option {
	return func(t *Tracker) {
		t.staleThreshold = threshold
	}
}

// WithScanInterval sets how often Run scans for stale connections.
func WithScanInterval(interval time.Duration) Option {
	return func(t *Tracker) {
		t.scanInterval = interval
	}
}

// New builds a tracker over the given chain and restores any persisted
// connection state so restarts keep their counts. A restore failure is
// logged and the tracker starts empty.
func New(ctx context.Context, chain *fallback.Chain, cleanup CleanupFunc, opts ...Option) *Tracker {
	t := &Tracker{
		connections:    make(map[string]Connection),
		counts:         make(map[string]int),
		chain:          chain,
		cleanup:        cleanup,
		staleThreshold: defaultStaleThreshold,
		scanInterval:   defaultScanInterval,
		clk:            clock.New(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.restore(ctx)
	return t
}

func (t *Tracker) restore(ctx context.Context) {
	state, err := t.chain.Read(ctx, []string{connectionsKey, originCountsKey})
	if err != nil {
		t.logger.Warn("connection state restore failed, starting empty", "error", err)
		return
	}

	if raw, ok := state[connectionsKey]; ok {
		if err := json.Unmarshal(raw, &t.connections); err != nil {
			t.logger.Warn("persisted connections unreadable, starting empty", "error", err)
			t.connections = make(map[string]Connection)
			return
		}
	}

	// Counts are derived state. Recompute rather than trust the persisted
	// copy, which may be older than the connections map.
	t.recomputeLocked()

	if len(t.connections) > 0 {
		t.logger.Info("connection state restored",
			"connections", len(t.connections), "origins", len(t.counts))
	}
}

// RecordActivity upserts the connection and persists the full state.
func (t *Tracker) RecordActivity(ctx context.Context, id, origin string, ts time.Time) error {
	t.mutex.Lock()
	t.connections[id] = Connection{ID: id, Origin: origin, LastUpdate: ts}
	t.recomputeLocked()
	state := t.snapshotLocked()
	t.mutex.Unlock()

	return t.persist(ctx, state)
}

// RecordClosed removes the connection and persists the full state. Closing
// an unknown connection is a no-op.
func (t *Tracker) RecordClosed(ctx context.Context, id string) error {
	t.mutex.Lock()
	if _, ok := t.connections[id]; !ok {
		t.mutex.Unlock()
		return nil
	}
	delete(t.connections, id)
	t.recomputeLocked()
	state := t.snapshotLocked()
	t.mutex.Unlock()

	return t.persist(ctx, state)
}

// Counts returns a copy of the per-origin connection counts.
func (t *Tracker) Counts() map[string]int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	out := make(map[string]int, len(t.counts))
	for origin, n := range t.counts {
		out[origin] = n
	}
	return out
}

// Len returns the number of tracked connections.
func (t *Tracker) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.connections)
}

// CleanupStale retires every connection whose age exceeds
// max(2*threshold, 30s). The cleanup callback runs outside the lock; a
// callback failure keeps the record for the next scan. One result is
// returned per stale connection, and state is persisted once after the
// scan when anything was removed.
func (t *Tracker) CleanupStale(ctx context.Context, threshold time.Duration) []CleanupResult {
	staleAge := 2 * threshold
	if staleAge < minStaleAge {
		staleAge = minStaleAge
	}
	now := t.clk.Now()

	t.mutex.Lock()
	var stale []Connection
	for _, conn := range t.connections {
		if now.Sub(conn.LastUpdate) > staleAge {
			stale = append(stale, conn)
		}
	}
	t.mutex.Unlock()

	if len(stale) == 0 {
		return nil
	}

	results := make([]CleanupResult, 0, len(stale))
	for _, conn := range stale {
		res := CleanupResult{ID: conn.ID, Origin: conn.Origin}
		if t.cleanup != nil {
			res.Err = t.cleanup(ctx, conn)
		}
		res.Success = res.Err == nil
		results = append(results, res)

		if res.Err != nil {
			t.logger.Warn("stale connection cleanup failed",
				"connection_id", conn.ID, "origin", conn.Origin, "error", res.Err)
		}
	}

	t.mutex.Lock()
	removed := 0
	for i, conn := range stale {
		if !results[i].Success {
			continue
		}
		// Skip records refreshed while the callback ran.
		current, ok := t.connections[conn.ID]
		if !ok || !current.LastUpdate.Equal(conn.LastUpdate) {
			continue
		}
		delete(t.connections, conn.ID)
		removed++
	}
	if removed > 0 {
		t.recomputeLocked()
	}
	state := t.snapshotLocked()
	t.mutex.Unlock()

	if removed > 0 {
		if err := t.persist(ctx, state); err != nil {
			t.logger.Warn("connection state persist failed after cleanup", "error", err)
		}
		t.logger.Info("stale connections retired", "removed", removed, "scanned", len(stale))
	}

	return results
}

// Run scans for stale connections on the configured interval until ctx is
// cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clk.Ticker(t.scanInterval)
	defer ticker.Stop()

	t.logger.Info("connection tracker started",
		"scan_interval", t.scanInterval, "stale_threshold", t.staleThreshold)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("connection tracker stopped")
			return
		case <-ticker.C:
			t.CleanupStale(ctx, t.staleThreshold)
		}
	}
}

func (t *Tracker) recomputeLocked() {
	counts := make(map[string]int, len(t.counts))
	for _, conn := range t.connections {
		counts[conn.Origin]++
	}
	t.counts = counts
}

func (t *Tracker) snapshotLocked() map[string]json.RawMessage {
	conns, err := json.Marshal(t.connections)
	if err != nil {
		t.logger.Error("connection map marshal failed", "error", err)
		conns = []byte("{}")
	}
	counts, err := json.Marshal(t.counts)
	if err != nil {
		t.logger.Error("origin count marshal failed", "error", err)
		counts = []byte("{}")
	}

	return map[string]json.RawMessage{
		connectionsKey:  conns,
		originCountsKey: counts,
	}
}

func (t *Tracker) persist(ctx context.Context, state map[string]json.RawMessage) error {
	return t.chain.Write(ctx, state)
}
