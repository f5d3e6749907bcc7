package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/connwatch/reporter/internal/breaker"
	"github.com/connwatch/reporter/internal/metrics"
	"github.com/connwatch/reporter/internal/retry"
)

// Record is one pending delivery. Once enqueued it is owned by the queue:
// callers must not retain or mutate it.
type Record struct {
	ID         string          `json:"id"`
	Origin     string          `json:"origin"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// EnqueueResult reports where a record landed and a rough replay estimate.
// Queued is always true: the queue accepts every record, evicting the oldest
// when full.
type EnqueueResult struct {
	Queued         bool
	Position       int
	EstimatedDelay time.Duration
}

// Stats is a point-in-time snapshot of queue accounting.
type Stats struct {
	Length          int
	QueuedRequests  int64
	DroppedRequests int64
	Draining        bool
}

// SendFunc delivers one record, typically the breaker-wrapped transport.
type SendFunc func(ctx context.Context, rec *Record) error

// StateFunc reports the guarding breaker's current state, so a drain can
// stop as soon as the breaker reopens.
type StateFunc func() breaker.State

// minPerBatchEstimate floors the per-batch time estimate when no response
// time has been observed yet.
const minPerBatchEstimate = 100 * time.Millisecond

type Config struct {
	MaxSize          int
	BatchConcurrency int
	MaxAttempts      int
	InterBatchDelay  time.Duration
}

// DeliveryQueue is a bounded FIFO of records awaiting delivery while the
// collector is unreachable. It only grows while the breaker is open and is
// replayed in rate-limited batches after the breaker closes.
type DeliveryQueue struct {
	mutex    sync.Mutex
	records  []*Record
	draining bool

	queuedTotal  int64
	droppedTotal int64

	cfg         Config
	send        SendFunc
	state       StateFunc
	avgResponse func() time.Duration

	collector *metrics.Collector
	clk       clock.Clock
	logger    *slog.Logger
}

type Option func(*DeliveryQueue)

// WithClock replaces the wall clock used for inter-batch delays.
func WithClock(clk clock.Clock) Option {
	return func(q *DeliveryQueue) {
		q.clk = clk
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(q *DeliveryQueue) {
		q.logger = log
	}
}

// WithAvgResponse feeds observed send latency into replay estimates,
// usually wired to the transport breaker's counters.
func WithAvgResponse(fn func() time.Duration) Option {
	return func(q *DeliveryQueue) {
		q.avgResponse = fn
	}
}

// WithCollector reports dropped records to the metrics pipeline.
func WithCollector(c *metrics.Collector) Option {
	return func(q *DeliveryQueue) {
		q.collector = c
	}
}

func New(cfg Config, send SendFunc, state StateFunc, opts ...Option) *DeliveryQueue {
	q := &DeliveryQueue{
		cfg:    cfg,
		send:   send,
		state:  state,
		clk:    clock.New(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Enqueue appends rec, evicting the oldest record first when the queue is
// at capacity. The returned position is 1-based.
func (q *DeliveryQueue) Enqueue(rec *Record) EnqueueResult {
	q.mutex.Lock()

	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = q.clk.Now()
	}

	if len(q.records) >= q.cfg.MaxSize {
		evicted := q.records[0]
		q.records = q.records[1:]
		q.droppedTotal++
		q.logger.Warn("delivery queue full, evicting oldest record",
			slog.String("evicted_id", evicted.ID),
			slog.String("origin", evicted.Origin))
		q.collector.Emit(metrics.Event{
			Type:      metrics.EventRecordDropped,
			Timestamp: q.clk.Now(),
			Origin:    evicted.Origin,
			Reason:    "queue overflow",
		})
	}

	q.records = append(q.records, rec)
	q.queuedTotal++

	result := EnqueueResult{
		Queued:         true,
		Position:       len(q.records),
		EstimatedDelay: q.estimateLocked(),
	}

	q.mutex.Unlock()

	q.logger.Debug("record queued",
		slog.String("id", rec.ID),
		slog.Int("position", result.Position),
		slog.Duration("estimated_delay", result.EstimatedDelay))

	return result
}

// estimateLocked projects how long replaying the current backlog will take:
// ceil(len/batch) batches, each costing the observed average response time
// (floored at 100ms), with the inter-batch delay between them.
func (q *DeliveryQueue) estimateLocked() time.Duration {
	if len(q.records) == 0 {
		return 0
	}

	batches := (len(q.records) + q.cfg.BatchConcurrency - 1) / q.cfg.BatchConcurrency

	perBatch := minPerBatchEstimate
	if q.avgResponse != nil {
		if avg := q.avgResponse(); avg > perBatch {
			perBatch = avg
		}
	}

	return time.Duration(batches)*perBatch + time.Duration(batches-1)*q.cfg.InterBatchDelay
}

// Drain replays the backlog in batches of BatchConcurrency until the queue
// empties, the breaker reopens, or ctx is cancelled. Only one drain runs at
// a time; concurrent triggers are no-ops.
func (q *DeliveryQueue) Drain(ctx context.Context) {
	q.mutex.Lock()
	if q.draining {
		q.mutex.Unlock()
		return
	}
	q.draining = true
	pending := len(q.records)
	q.mutex.Unlock()

	defer func() {
		q.mutex.Lock()
		q.draining = false
		q.mutex.Unlock()
	}()

	if pending == 0 {
		return
	}

	q.logger.Info("draining delivery queue", slog.Int("pending", pending))

	for {
		if ctx.Err() != nil {
			return
		}

		if q.state() != breaker.StateClosed {
			q.logger.Warn("drain stopped, breaker no longer closed",
				slog.Int("pending", q.Len()))
			return
		}

		batch := q.takeBatch()
		if len(batch) == 0 {
			q.logger.Info("delivery queue drained")
			return
		}

		if reopened := q.sendBatch(ctx, batch); reopened {
			q.logger.Warn("drain stopped, breaker reopened mid-batch",
				slog.Int("pending", q.Len()))
			return
		}

		if q.Len() == 0 {
			q.logger.Info("delivery queue drained")
			return
		}

		select {
		case <-q.clk.After(q.cfg.InterBatchDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (q *DeliveryQueue) takeBatch() []*Record {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	n := q.cfg.BatchConcurrency
	if n > len(q.records) {
		n = len(q.records)
	}
	if n == 0 {
		return nil
	}

	batch := make([]*Record, n)
	copy(batch, q.records[:n])
	q.records = q.records[n:]
	return batch
}

// sendBatch delivers one batch concurrently. Failed records go back to the
// front of the queue with their attempt count bumped, unless the failure is
// terminal or the attempt budget is spent, in which case they are dropped.
// Records rejected by an open breaker are re-inserted without consuming an
// attempt, since the send never ran.
func (q *DeliveryQueue) sendBatch(ctx context.Context, batch []*Record) (reopened bool) {
	results := make([]error, len(batch))

	var wg sync.WaitGroup
	for i, rec := range batch {
		wg.Add(1)
		go func(i int, rec *Record) {
			defer wg.Done()
			results[i] = q.send(ctx, rec)
		}(i, rec)
	}
	wg.Wait()

	var requeue []*Record
	for i, err := range results {
		rec := batch[i]

		switch {
		case err == nil:
			q.logger.Debug("queued record delivered", slog.String("id", rec.ID))

		case errors.Is(err, breaker.ErrOpen):
			reopened = true
			requeue = append(requeue, rec)

		case retry.Classify(err) == retry.ClassTerminal:
			q.drop(rec, err, "terminal error")

		default:
			rec.Attempts++
			if rec.Attempts < q.cfg.MaxAttempts {
				requeue = append(requeue, rec)
			} else {
				q.drop(rec, err, "max attempts reached")
			}
		}
	}

	if len(requeue) > 0 {
		q.reinsertFront(requeue)
	}

	return reopened
}

func (q *DeliveryQueue) drop(rec *Record, err error, reason string) {
	q.mutex.Lock()
	q.droppedTotal++
	q.mutex.Unlock()

	q.logger.Warn("record dropped",
		slog.String("id", rec.ID),
		slog.String("origin", rec.Origin),
		slog.Int("attempts", rec.Attempts),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
	q.collector.Emit(metrics.Event{
		Type:      metrics.EventRecordDropped,
		Timestamp: q.clk.Now(),
		Origin:    rec.Origin,
		Reason:    reason,
	})
}

func (q *DeliveryQueue) reinsertFront(recs []*Record) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	merged := make([]*Record, 0, len(recs)+len(q.records))
	merged = append(merged, recs...)
	merged = append(merged, q.records...)

	// Producers may have refilled the queue while the batch was in flight,
	// so the merge can overshoot the cap. Same policy as Enqueue: the
	// oldest records go first.
	for len(merged) > q.cfg.MaxSize {
		evicted := merged[0]
		merged = merged[1:]
		q.droppedTotal++
		q.logger.Warn("delivery queue full, evicting oldest record",
			slog.String("evicted_id", evicted.ID),
			slog.String("origin", evicted.Origin))
		q.collector.Emit(metrics.Event{
			Type:      metrics.EventRecordDropped,
			Timestamp: q.clk.Now(),
			Origin:    evicted.Origin,
			Reason:    "queue overflow",
		})
	}

	q.records = merged
}

func (q *DeliveryQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.records)
}

func (q *DeliveryQueue) Stats() Stats {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return Stats{
		Length:          len(q.records),
		QueuedRequests:  q.queuedTotal,
		DroppedRequests: q.droppedTotal,
		Draining:        q.draining,
	}
}
