package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/connwatch/reporter/internal/breaker"
	"github.com/connwatch/reporter/internal/fallback"
)

type EventType string

const (
	EventDeliveryAccepted  EventType = "delivery_accepted"
	EventDeliveryQueued    EventType = "delivery_queued"
	EventDeliveryRejected  EventType = "delivery_rejected"
	EventRecordDropped     EventType = "record_dropped"
	EventBreakerTransition EventType = "breaker_transition"
	EventDrainCompleted    EventType = "drain_completed"
	EventStorageDegraded   EventType = "storage_degraded"
	EventConnectionRetired EventType = "connection_retired"
)

// Event is one observation from the delivery pipeline. Fields beyond Type,
// Timestamp and Origin are meaningful only for the event types that set them.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Origin    string
	Duration  time.Duration
	Reason    string
	Breaker   string
	From      breaker.State
	To        breaker.State
	Tier      fallback.Tier
	Delivered int
	Requeued  int
}

type Collector struct {
	eventCh chan Event
	metrics *Metrics
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan Event, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

// Emit queues an event without blocking, dropping it when the buffer is
// full. Safe on a nil collector so pipeline components can run unmetered.
func (c *Collector) Emit(event Event) {
	if c == nil {
		return
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event Event) {
	switch event.Type {
	case EventDeliveryAccepted:
		c.metrics.RecordAccepted(event.Origin, event.Duration)

	case EventDeliveryQueued:
		c.metrics.RecordQueued(event.Origin)

	case EventDeliveryRejected:
		c.metrics.RecordRejected(event.Origin, event.Reason)

	case EventRecordDropped:
		c.metrics.RecordDropped(event.Origin, event.Reason)

	case EventBreakerTransition:
		c.metrics.RecordBreakerState(event.Breaker, event.To.String())

	case EventDrainCompleted:
		c.metrics.RecordDrain(event.Delivered, event.Requeued)

	case EventStorageDegraded:
		c.metrics.RecordStorageDegradation(event.Tier.String())

	case EventConnectionRetired:
		c.metrics.RecordRetirement(event.Origin)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
