package tracker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/connwatch/reporter/internal/breaker"
	"github.com/connwatch/reporter/internal/fallback"
	"github.com/connwatch/reporter/internal/retry"
	"github.com/connwatch/reporter/internal/storage"
	"github.com/connwatch/reporter/internal/tracker"
)

// retirements collects cleanup callback invocations across goroutines.
type retirements struct {
	mu    sync.Mutex
	conns []tracker.Connection
	err   error
}

func (r *retirements) cleanup(ctx context.Context, conn tracker.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, conn)
	return r.err
}

func (r *retirements) seen() []tracker.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tracker.Connection(nil), r.conns...)
}

func newChain(secondary storage.Store) *fallback.Chain {
	GinkgoHelper()
	cb := breaker.New(5, time.Minute)
	pol := retry.New(0, time.Millisecond, retry.WithJitterMax(0))
	chain, err := fallback.New(storage.NewMemory(), secondary, cb, pol, 64)
	Expect(err).NotTo(HaveOccurred())
	return chain
}

var _ = Describe("Tracker", func() {
	var (
		ctx       context.Context
		mock      *clock.Mock
		secondary *storage.MemoryStore
		chain     *fallback.Chain
		retired   *retirements
		track     *tracker.Tracker
	)

	BeforeEach(func() {
		ctx = context.Background()
		mock = clock.NewMock()
		secondary = storage.NewMemory()
		chain = newChain(secondary)
		retired = &retirements{}
		track = tracker.New(ctx, chain, retired.cleanup, tracker.WithClock(mock))
	})

	Describe("RecordActivity", func() {
		It("should count connections per origin", func() {
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			Expect(track.RecordActivity(ctx, "c2", "probe-a", mock.Now())).To(Succeed())
			Expect(track.RecordActivity(ctx, "c3", "probe-b", mock.Now())).To(Succeed())

			Expect(track.Len()).To(Equal(3))
			Expect(track.Counts()).To(Equal(map[string]int{"probe-a": 2, "probe-b": 1}))
		})

		It("should upsert rather than duplicate a known connection", func() {
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now().Add(time.Second))).To(Succeed())

			Expect(track.Len()).To(Equal(1))
			Expect(track.Counts()).To(Equal(map[string]int{"probe-a": 1}))
		})

		It("should move a reconnecting connection to its new origin", func() {
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			Expect(track.RecordActivity(ctx, "c1", "probe-b", mock.Now())).To(Succeed())

			Expect(track.Counts()).To(Equal(map[string]int{"probe-b": 1}))
		})

		It("should persist connections and counts together", func() {
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())

			state, err := secondary.Get(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(HaveKey("connections"))
			Expect(state).To(HaveKey("origin_counts"))

			var conns map[string]tracker.Connection
			Expect(json.Unmarshal(state["connections"], &conns)).To(Succeed())
			Expect(conns).To(HaveKey("c1"))

			var counts map[string]int
			Expect(json.Unmarshal(state["origin_counts"], &counts)).To(Succeed())
			Expect(counts).To(Equal(map[string]int{"probe-a": 1}))
		})
	})

	Describe("RecordClosed", func() {
		It("should remove the connection and refresh counts", func() {
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			Expect(track.RecordActivity(ctx, "c2", "probe-a", mock.Now())).To(Succeed())

			Expect(track.RecordClosed(ctx, "c1")).To(Succeed())

			Expect(track.Len()).To(Equal(1))
			Expect(track.Counts()).To(Equal(map[string]int{"probe-a": 1}))
		})

		It("should ignore unknown connections", func() {
			Expect(track.RecordClosed(ctx, "never-seen")).To(Succeed())
			Expect(track.Len()).To(BeZero())
		})
	})

	Describe("restore", func() {
		It("should rebuild state from the chain on startup", func() {
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			Expect(track.RecordActivity(ctx, "c2", "probe-b", mock.Now())).To(Succeed())

			restored := tracker.New(ctx, chain, nil, tracker.WithClock(mock))

			Expect(restored.Len()).To(Equal(2))
			Expect(restored.Counts()).To(Equal(map[string]int{"probe-a": 1, "probe-b": 1}))
		})

		It("should recompute counts instead of trusting the persisted copy", func() {
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			Expect(chain.Write(ctx, map[string]json.RawMessage{
				"origin_counts": json.RawMessage(`{"ghost":99}`),
			})).To(Succeed())

			restored := tracker.New(ctx, chain, nil, tracker.WithClock(mock))

			Expect(restored.Counts()).To(Equal(map[string]int{"probe-a": 1}))
		})

		It("should start empty when the persisted connections are unreadable", func() {
			Expect(chain.Write(ctx, map[string]json.RawMessage{
				"connections": json.RawMessage(`"not a map"`),
			})).To(Succeed())

			restored := tracker.New(ctx, chain, nil, tracker.WithClock(mock))

			Expect(restored.Len()).To(BeZero())
		})
	})

	Describe("CleanupStale", func() {
		It("should retire connections older than twice the threshold", func() {
			Expect(track.RecordActivity(ctx, "old", "probe-a", mock.Now())).To(Succeed())
			mock.Add(100 * time.Second)
			Expect(track.RecordActivity(ctx, "fresh", "probe-a", mock.Now())).To(Succeed())

			results := track.CleanupStale(ctx, 5*time.Second)

			Expect(results).To(HaveLen(1))
			Expect(results[0].ID).To(Equal("old"))
			Expect(results[0].Success).To(BeTrue())
			Expect(track.Len()).To(Equal(1))
			Expect(retired.seen()).To(HaveLen(1))
		})

		It("should never use a staleness age below thirty seconds", func() {
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			mock.Add(29 * time.Second)

			// 2*1s would mark this stale; the floor keeps it alive.
			Expect(track.CleanupStale(ctx, time.Second)).To(BeEmpty())
			Expect(track.Len()).To(Equal(1))
		})

		It("should scale the staleness age with the threshold", func() {
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			mock.Add(100 * time.Second)

			// Age 100s is stale for a 5s threshold but not for 60s.
			Expect(track.CleanupStale(ctx, time.Minute)).To(BeEmpty())
			Expect(track.Len()).To(Equal(1))
		})

		It("should keep the record when the cleanup callback fails", func() {
			retired.err = errors.New("collector unreachable")
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			mock.Add(time.Hour)

			results := track.CleanupStale(ctx, 5*time.Second)

			Expect(results).To(HaveLen(1))
			Expect(results[0].Success).To(BeFalse())
			Expect(results[0].Err).To(HaveOccurred())
			Expect(track.Len()).To(Equal(1))

			// The next scan retries it once the collector recovers.
			retired.err = nil
			Expect(track.CleanupStale(ctx, 5*time.Second)).To(HaveLen(1))
			Expect(track.Len()).To(BeZero())
		})

		It("should keep a record refreshed while its callback ran", func() {
			var tr *tracker.Tracker
			tr = tracker.New(ctx, chain, func(ctx context.Context, conn tracker.Connection) error {
				// The producer reconnects mid-retirement.
				return tr.RecordActivity(ctx, conn.ID, conn.Origin, mock.Now())
			}, tracker.WithClock(mock))

			Expect(tr.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			mock.Add(time.Hour)

			results := tr.CleanupStale(ctx, 5*time.Second)

			Expect(results).To(HaveLen(1))
			Expect(results[0].Success).To(BeTrue())
			Expect(tr.Len()).To(Equal(1))
		})

		It("should persist the pruned state", func() {
			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			mock.Add(time.Hour)

			Expect(track.CleanupStale(ctx, 5*time.Second)).To(HaveLen(1))

			state, err := secondary.Get(ctx, []string{"connections"})
			Expect(err).NotTo(HaveOccurred())

			var conns map[string]tracker.Connection
			Expect(json.Unmarshal(state["connections"], &conns)).To(Succeed())
			Expect(conns).To(BeEmpty())
		})
	})

	Describe("Run", func() {
		It("should scan on the configured interval until cancelled", func() {
			track = tracker.New(ctx, chain, retired.cleanup,
				tracker.WithClock(mock),
				tracker.WithStaleThreshold(5*time.Second),
				tracker.WithScanInterval(time.Minute))

			Expect(track.RecordActivity(ctx, "c1", "probe-a", mock.Now())).To(Succeed())
			mock.Add(time.Hour)

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				track.Run(runCtx)
			}()

			time.Sleep(20 * time.Millisecond)
			mock.Add(time.Minute)

			Eventually(track.Len).Should(BeZero())
			Expect(retired.seen()).To(HaveLen(1))

			cancel()
			Eventually(done).Should(BeClosed())
		})
	})
})
