package metrics_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/connwatch/reporter/internal/breaker"
	"github.com/connwatch/reporter/internal/fallback"
	"github.com/connwatch/reporter/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(GinkgoWriter, nil))
}

var _ = Describe("Collector", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		collector *metrics.Collector
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)

		collector = metrics.NewCollector(64, testLogger())
		collector.Start(ctx)
	})

	snapshot := func() metrics.Snapshot { return collector.Snapshot() }

	It("should aggregate accepted deliveries per origin", func() {
		for _, d := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond} {
			collector.Emit(metrics.Event{
				Type:      metrics.EventDeliveryAccepted,
				Timestamp: time.Now(),
				Origin:    "probe-a",
				Duration:  d,
			})
		}

		Eventually(func() int64 { return snapshot().TotalDeliveries }).Should(Equal(int64(3)))

		snap := snapshot()
		om := snap.Origins["probe-a"]
		Expect(om.Accepted).To(Equal(int64(3)))
		Expect(om.AvgDelivery).To(Equal(200 * time.Millisecond))
		Expect(om.P50Delivery).To(Equal(200 * time.Millisecond))
		Expect(om.P99Delivery).To(Equal(300 * time.Millisecond))
	})

	It("should count queued, rejected and dropped records", func() {
		collector.Emit(metrics.Event{Type: metrics.EventDeliveryQueued, Origin: "probe-a"})
		collector.Emit(metrics.Event{Type: metrics.EventDeliveryRejected, Origin: "probe-a", Reason: "terminal error"})
		collector.Emit(metrics.Event{Type: metrics.EventDeliveryRejected, Origin: "probe-a", Reason: "retries exhausted"})
		collector.Emit(metrics.Event{Type: metrics.EventRecordDropped, Origin: "probe-a", Reason: "queue overflow"})

		Eventually(func() int64 { return snapshot().Origins["probe-a"].Rejected }).Should(Equal(int64(2)))

		om := snapshot().Origins["probe-a"]
		Expect(om.Queued).To(Equal(int64(1)))
		Expect(om.Dropped).To(Equal(int64(1)))
		Expect(om.RejectReasons).To(HaveKeyWithValue("terminal error", int64(1)))
		Expect(om.RejectReasons).To(HaveKeyWithValue("retries exhausted", int64(1)))
	})

	It("should track the latest breaker state per breaker", func() {
		collector.Emit(metrics.Event{
			Type:    metrics.EventBreakerTransition,
			Breaker: "collector",
			From:    breaker.StateClosed,
			To:      breaker.StateOpen,
		})
		collector.Emit(metrics.Event{
			Type:    metrics.EventBreakerTransition,
			Breaker: "collector",
			From:    breaker.StateOpen,
			To:      breaker.StateHalfOpen,
		})

		Eventually(func() int64 { return snapshot().BreakerTransitions }).Should(Equal(int64(2)))
		Expect(snapshot().Breakers).To(HaveKeyWithValue("collector", "HALF-OPEN"))
	})

	It("should accumulate drain outcomes", func() {
		collector.Emit(metrics.Event{Type: metrics.EventDrainCompleted, Delivered: 5, Requeued: 2})
		collector.Emit(metrics.Event{Type: metrics.EventDrainCompleted, Delivered: 3, Requeued: 0})

		Eventually(func() int64 { return snapshot().Drains.Runs }).Should(Equal(int64(2)))

		drains := snapshot().Drains
		Expect(drains.Delivered).To(Equal(int64(8)))
		Expect(drains.Requeued).To(Equal(int64(2)))
	})

	It("should count storage degradations per tier", func() {
		collector.Emit(metrics.Event{Type: metrics.EventStorageDegraded, Tier: fallback.TierSecondary})

		Eventually(func() map[string]int64 { return snapshot().StorageDegradations }).
			Should(HaveKeyWithValue("secondary", int64(1)))
	})

	It("should count retired connections per origin", func() {
		collector.Emit(metrics.Event{Type: metrics.EventConnectionRetired, Origin: "probe-a"})

		Eventually(func() int64 { return snapshot().Origins["probe-a"].Retired }).Should(Equal(int64(1)))
	})

	It("should flush buffered events on shutdown", func() {
		collector.Emit(metrics.Event{Type: metrics.EventDeliveryQueued, Origin: "probe-a"})
		collector.Emit(metrics.Event{Type: metrics.EventDeliveryQueued, Origin: "probe-a"})
		cancel()

		Eventually(func() int64 { return snapshot().Origins["probe-a"].Queued }).Should(Equal(int64(2)))
	})
})

var _ = Describe("Emit", func() {
	It("should be a no-op on a nil collector", func() {
		var c *metrics.Collector
		Expect(func() {
			c.Emit(metrics.Event{Type: metrics.EventDeliveryAccepted})
		}).NotTo(Panic())
	})

	It("should drop events instead of blocking when the buffer is full", func() {
		c := metrics.NewCollector(1, testLogger())

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 10; i++ {
				c.Emit(metrics.Event{Type: metrics.EventDeliveryQueued, Origin: "probe-a"})
			}
		}()

		Eventually(done).Should(BeClosed())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		c.Start(ctx)

		Eventually(func() int64 { return c.Snapshot().Origins["probe-a"].Queued }).Should(Equal(int64(1)))
	})
})

var _ = Describe("Handler", func() {
	It("should serve the snapshot with live connection counts", func() {
		collector := metrics.NewCollector(64, testLogger())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		collector.Start(ctx)

		collector.Emit(metrics.Event{
			Type:     metrics.EventDeliveryAccepted,
			Origin:   "probe-a",
			Duration: 50 * time.Millisecond,
		})
		Eventually(func() int64 { return collector.Snapshot().TotalDeliveries }).Should(Equal(int64(1)))

		handler := collector.Handler(func() map[string]int {
			return map[string]int{"probe-a": 2}
		})

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		w := httptest.NewRecorder()
		handler(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("Content-Type")).To(Equal("application/json"))

		var snap metrics.Snapshot
		Expect(json.Unmarshal(w.Body.Bytes(), &snap)).To(Succeed())
		Expect(snap.TotalDeliveries).To(Equal(int64(1)))
		Expect(snap.TrackedConnections).To(Equal(map[string]int{"probe-a": 2}))
	})

	It("should omit connection counts without a provider", func() {
		collector := metrics.NewCollector(64, testLogger())

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		w := httptest.NewRecorder()
		collector.Handler(nil)(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))

		var snap metrics.Snapshot
		Expect(json.Unmarshal(w.Body.Bytes(), &snap)).To(Succeed())
		Expect(snap.TrackedConnections).To(BeNil())
	})
})
