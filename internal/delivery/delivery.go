package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/connwatch/reporter/internal/breaker"
	"github.com/connwatch/reporter/internal/metrics"
	"github.com/connwatch/reporter/internal/queue"
	"github.com/connwatch/reporter/internal/retry"
	"github.com/connwatch/reporter/internal/transport"
)

// Outcome tags what happened to a record handed to Deliver.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeQueued
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeQueued:
		return "queued"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result describes the fate of one record. Position and EstimatedDelay are
// set only for OutcomeQueued, Reason only for OutcomeRejected.
type Result struct {
	Outcome        Outcome
	Position       int
	EstimatedDelay time.Duration
	Reason         string
}

// Stats merges breaker and queue accounting into one health view.
type Stats struct {
	State               breaker.State `json:"state"`
	NetworkConnectivity bool          `json:"network_connectivity"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureTime     time.Time     `json:"last_failure_time"`
	TotalRequests       int64         `json:"total_requests"`
	SuccessfulRequests  int64         `json:"successful_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	QueuedRequests      int64         `json:"queued_requests"`
	DroppedRequests     int64         `json:"dropped_requests"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	QueueLength         int           `json:"queue_length"`
}

const defaultDrainDelay = 100 * time.Millisecond

// Deliverer pushes records at the collector through the breaker-guarded
// retrying transport, queueing them while the collector is unreachable and
// replaying the backlog once the breaker closes again.
type Deliverer struct {
	transport transport.Transport
	breaker   *breaker.CircuitBreaker
	retry     *retry.Policy
	queue     *queue.DeliveryQueue
	collector *metrics.Collector

	mutex        sync.Mutex
	baseCtx      context.Context
	drainPending bool

	drainDelay time.Duration
	clk        clock.Clock
	logger     *slog.Logger

	sub *breaker.Subscription
}

type Option func(*Deliverer)

func WithClock(clk clock.Clock) Option {
	return func(d *Deliverer) {
		d.clk = clk
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(d *Deliverer) {
		d.logger = log
	}
}

func WithCollector(c *metrics.Collector) Option {
	return func(d *Deliverer) {
		d.collector = c
	}
}

// WithDrainDelay sets how long after the breaker closes the queue replay
// starts.
func WithDrainDelay(delay time.Duration) Option {
	return func(d *Deliverer) {
		d.drainDelay = delay
	}
}

// New assembles a deliverer over the given transport, breaker and retry
// policy, building its own bounded queue from qcfg. Replays send through
// the breaker without the retry layer: a failed replay goes back to the
// queue, which already owns the attempt budget.
func New(t transport.Transport, cb *breaker.CircuitBreaker, pol *retry.Policy, qcfg queue.Config, opts ...Option) *Deliverer {
	d := &Deliverer{
		transport:  t,
		breaker:    cb,
		retry:      pol,
		drainDelay: defaultDrainDelay,
		clk:        clock.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.queue = queue.New(qcfg, d.replaySend, cb.State,
		queue.WithClock(d.clk),
		queue.WithLogger(d.logger),
		queue.WithCollector(d.collector),
		queue.WithAvgResponse(func() time.Duration {
			return cb.Counters().AvgResponseTime
		}))

	return d
}

// Start subscribes to breaker transitions so the queue is replayed whenever
// the collector link recovers. ctx bounds all deferred drains.
func (d *Deliverer) Start(ctx context.Context) {
	d.mutex.Lock()
	d.baseCtx = ctx
	d.mutex.Unlock()

	d.sub = d.breaker.Subscribe(d.onTransition)
}

// Stop detaches from the breaker. In-flight drains finish on their own
// context.
func (d *Deliverer) Stop() {
	if d.sub != nil {
		d.sub.Unsubscribe()
	}
}

// Deliver sends one record. The breaker wraps the whole retry loop, so a
// record that exhausts its retries costs exactly one breaker failure.
func (d *Deliverer) Deliver(ctx context.Context, rec *queue.Record) (Result, error) {
	start := d.clk.Now()

	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		return d.retry.Do(ctx, func(ctx context.Context) error {
			return d.transport.Send(ctx, rec)
		})
	})

	switch {
	case err == nil:
		d.collector.Emit(metrics.Event{
			Type:      metrics.EventDeliveryAccepted,
			Timestamp: d.clk.Now(),
			Origin:    rec.Origin,
			Duration:  d.clk.Now().Sub(start),
		})
		return Result{Outcome: OutcomeAccepted}, nil

	case errors.Is(err, breaker.ErrOpen):
		res := d.queue.Enqueue(rec)
		d.collector.Emit(metrics.Event{
			Type:      metrics.EventDeliveryQueued,
			Timestamp: d.clk.Now(),
			Origin:    rec.Origin,
		})
		d.logger.Info("collector unreachable, record queued",
			slog.String("id", rec.ID),
			slog.Int("position", res.Position),
			slog.Duration("estimated_delay", res.EstimatedDelay))
		return Result{
			Outcome:        OutcomeQueued,
			Position:       res.Position,
			EstimatedDelay: res.EstimatedDelay,
		}, nil

	default:
		reason := "retries exhausted"
		if retry.Classify(err) == retry.ClassTerminal {
			reason = "terminal error"
		}
		d.collector.Emit(metrics.Event{
			Type:      metrics.EventDeliveryRejected,
			Timestamp: d.clk.Now(),
			Origin:    rec.Origin,
			Reason:    reason,
		})
		d.logger.Warn("delivery rejected",
			slog.String("id", rec.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		return Result{Outcome: OutcomeRejected, Reason: reason}, err
	}
}

// replaySend is the queue's send function: breaker-guarded, no retry layer.
func (d *Deliverer) replaySend(ctx context.Context, rec *queue.Record) error {
	return d.breaker.Execute(ctx, func(ctx context.Context) error {
		return d.transport.Send(ctx, rec)
	})
}

func (d *Deliverer) onTransition(from, to breaker.State) {
	d.collector.Emit(metrics.Event{
		Type:      metrics.EventBreakerTransition,
		Timestamp: d.clk.Now(),
		Breaker:   d.breaker.Name(),
		From:      from,
		To:        to,
	})

	switch to {
	case breaker.StateOpen:
		d.logger.Warn("collector link open, deliveries will be queued",
			slog.Int("queue_length", d.queue.Len()))
	case breaker.StateClosed:
		d.scheduleDrain()
	}
}

// scheduleDrain arms a single deferred replay. Draining directly from the
// transition callback would re-enter the breaker while its subscribers are
// being notified, so the replay runs from a timer instead. A pending timer
// absorbs further close transitions.
func (d *Deliverer) scheduleDrain() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.drainPending {
		return
	}
	d.drainPending = true

	d.clk.AfterFunc(d.drainDelay, func() {
		d.mutex.Lock()
		d.drainPending = false
		ctx := d.baseCtx
		d.mutex.Unlock()

		if ctx == nil {
			ctx = context.Background()
		}
		d.drain(ctx)
	})
}

func (d *Deliverer) drain(ctx context.Context) {
	before := d.queue.Stats()
	if before.Length == 0 {
		return
	}

	d.queue.Drain(ctx)

	after := d.queue.Stats()
	delivered := before.Length - after.Length - int(after.DroppedRequests-before.DroppedRequests)
	d.collector.Emit(metrics.Event{
		Type:      metrics.EventDrainCompleted,
		Timestamp: d.clk.Now(),
		Delivered: delivered,
		Requeued:  after.Length,
	})
}

// Stats merges the breaker's counters with the queue's accounting.
func (d *Deliverer) Stats() Stats {
	counters := d.breaker.Counters()
	qstats := d.queue.Stats()

	return Stats{
		State:               d.breaker.State(),
		NetworkConnectivity: d.breaker.NetworkConnectivity(),
		ConsecutiveFailures: counters.ConsecutiveFailures,
		LastFailureTime:     counters.LastFailureTime,
		TotalRequests:       counters.TotalRequests,
		SuccessfulRequests:  counters.SuccessfulRequests,
		FailedRequests:      counters.FailedRequests,
		QueuedRequests:      qstats.QueuedRequests,
		DroppedRequests:     qstats.DroppedRequests,
		AvgResponseTime:     counters.AvgResponseTime,
		QueueLength:         qstats.Length,
	}
}
