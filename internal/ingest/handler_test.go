package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/connwatch/reporter/internal/breaker"
	"github.com/connwatch/reporter/internal/delivery"
	"github.com/connwatch/reporter/internal/fallback"
	"github.com/connwatch/reporter/internal/ingest"
	"github.com/connwatch/reporter/internal/queue"
	"github.com/connwatch/reporter/internal/retry"
	"github.com/connwatch/reporter/internal/storage"
	"github.com/connwatch/reporter/internal/tracker"
)

// fakeTransport fails with a switchable error and remembers what it sent.
type fakeTransport struct {
	mu   sync.Mutex
	err  error
	sent []*queue.Record
}

func (t *fakeTransport) Send(ctx context.Context, rec *queue.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, rec)
	return nil
}

func (t *fakeTransport) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// pipeline bundles the wiring behind one ingest handler.
type pipeline struct {
	handler   *ingest.Handler
	transport *fakeTransport
	tracker   *tracker.Tracker
	deliverer *delivery.Deliverer
}

func newPipeline(cfg ingest.Config) *pipeline {
	GinkgoHelper()

	ft := &fakeTransport{}
	cb := breaker.New(3, time.Minute, breaker.WithName("collector"))
	pol := retry.New(0, time.Millisecond, retry.WithJitterMax(0))
	d := delivery.New(ft, cb, pol, queue.Config{
		MaxSize:          10,
		BatchConcurrency: 2,
		MaxAttempts:      3,
		InterBatchDelay:  time.Millisecond,
	})

	chainBreaker := breaker.New(5, time.Minute, breaker.WithName("storage"))
	chain, err := fallback.New(storage.NewMemory(), storage.NewMemory(), chainBreaker, pol, 64)
	Expect(err).NotTo(HaveOccurred())
	track := tracker.New(context.Background(), chain, nil)

	h := ingest.New(cfg, d, track)
	DeferCleanup(h.Stop)

	return &pipeline{handler: h, transport: ft, tracker: track, deliverer: d}
}

func postSamples(h *ingest.Handler, body string) (*httptest.ResponseRecorder, map[string]any) {
	GinkgoHelper()

	req := httptest.NewRequest(http.MethodPost, "/v1/samples", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Samples(w, req)

	reply := make(map[string]any)
	Expect(json.Unmarshal(w.Body.Bytes(), &reply)).To(Succeed())
	return w, reply
}

func sampleBody(connID, origin string) string {
	return `{"connection_id":"` + connID + `","origin":"` + origin + `","samples":[{"rtt_ms":42}]}`
}

var _ = Describe("Handler", func() {
	Describe("Samples", func() {
		It("should accept a valid envelope and track its connection", func() {
			p := newPipeline(ingest.Config{})

			w, reply := postSamples(p.handler, sampleBody("c1", "probe-a"))

			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(reply).To(HaveKeyWithValue("status", "accepted"))
			Expect(reply["record_id"]).NotTo(BeEmpty())

			Expect(p.transport.sentCount()).To(Equal(1))
			Expect(p.tracker.Len()).To(Equal(1))
			Expect(p.tracker.Counts()).To(Equal(map[string]int{"probe-a": 1}))
		})

		It("should reject non-POST requests", func() {
			p := newPipeline(ingest.Config{})

			req := httptest.NewRequest(http.MethodGet, "/v1/samples", nil)
			w := httptest.NewRecorder()
			p.handler.Samples(w, req)

			Expect(w.Code).To(Equal(http.StatusMethodNotAllowed))
		})

		It("should reject malformed JSON", func() {
			p := newPipeline(ingest.Config{})

			w, reply := postSamples(p.handler, "not json")

			Expect(w.Code).To(Equal(http.StatusUnprocessableEntity))
			Expect(reply).To(HaveKeyWithValue("error", "invalid sample"))
		})

		It("should reject envelopes with missing fields", func() {
			p := newPipeline(ingest.Config{})

			w, _ := postSamples(p.handler, `{"connection_id":"c1","samples":[1]}`)

			Expect(w.Code).To(Equal(http.StatusUnprocessableEntity))
			Expect(p.tracker.Len()).To(BeZero())
		})

		It("should reject origins outside the allow list before tracking them", func() {
			p := newPipeline(ingest.Config{AllowedOrigins: []string{"probe-a"}})

			w, reply := postSamples(p.handler, sampleBody("c1", "intruder"))

			Expect(w.Code).To(Equal(http.StatusForbidden))
			Expect(reply).To(HaveKeyWithValue("error", "origin not allowed"))
			Expect(p.tracker.Len()).To(BeZero())
			Expect(p.transport.sentCount()).To(BeZero())
		})

		It("should admit allow-listed origins", func() {
			p := newPipeline(ingest.Config{AllowedOrigins: []string{"probe-a", "probe-b"}})

			w, _ := postSamples(p.handler, sampleBody("c1", "probe-b"))

			Expect(w.Code).To(Equal(http.StatusAccepted))
		})

		It("should rate limit an origin past its burst", func() {
			p := newPipeline(ingest.Config{SampleRate: 1, SampleBurst: 2})

			for i := 0; i < 2; i++ {
				w, _ := postSamples(p.handler, sampleBody("c1", "probe-a"))
				Expect(w.Code).To(Equal(http.StatusAccepted))
			}

			w, reply := postSamples(p.handler, sampleBody("c1", "probe-a"))

			Expect(w.Code).To(Equal(http.StatusTooManyRequests))
			Expect(reply).To(HaveKeyWithValue("error", "rate limited"))
		})

		It("should limit origins independently", func() {
			p := newPipeline(ingest.Config{SampleRate: 1, SampleBurst: 1})

			w, _ := postSamples(p.handler, sampleBody("c1", "probe-a"))
			Expect(w.Code).To(Equal(http.StatusAccepted))
			w, _ = postSamples(p.handler, sampleBody("c2", "probe-a"))
			Expect(w.Code).To(Equal(http.StatusTooManyRequests))

			w, _ = postSamples(p.handler, sampleBody("c3", "probe-b"))
			Expect(w.Code).To(Equal(http.StatusAccepted))
		})

		It("should answer queued when the collector link is open", func() {
			p := newPipeline(ingest.Config{})
			p.transport.setErr(errors.New("connection refused"))

			// Three rejected deliveries trip the collector breaker.
			for i := 0; i < 3; i++ {
				w, reply := postSamples(p.handler, sampleBody("c1", "probe-a"))
				Expect(w.Code).To(Equal(http.StatusBadGateway))
				Expect(reply).To(HaveKeyWithValue("status", "rejected"))
			}

			w, reply := postSamples(p.handler, sampleBody("c1", "probe-a"))

			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(reply).To(HaveKeyWithValue("status", "queued"))
			Expect(reply["position"]).To(BeNumerically("==", 1))
			Expect(reply).To(HaveKey("estimated_delay_ms"))
			Expect(p.deliverer.Stats().QueueLength).To(Equal(1))
		})
	})

	Describe("Close", func() {
		It("should forget the connection", func() {
			p := newPipeline(ingest.Config{})
			_, _ = postSamples(p.handler, sampleBody("c1", "probe-a"))
			Expect(p.tracker.Len()).To(Equal(1))

			req := httptest.NewRequest(http.MethodPost, "/v1/connections/close",
				strings.NewReader(`{"connection_id":"c1"}`))
			w := httptest.NewRecorder()
			p.handler.Close(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(p.tracker.Len()).To(BeZero())
		})

		It("should reject a close without a connection id", func() {
			p := newPipeline(ingest.Config{})

			req := httptest.NewRequest(http.MethodPost, "/v1/connections/close",
				strings.NewReader(`{}`))
			w := httptest.NewRecorder()
			p.handler.Close(w, req)

			Expect(w.Code).To(Equal(http.StatusUnprocessableEntity))
		})

		It("should reject non-POST requests", func() {
			p := newPipeline(ingest.Config{})

			req := httptest.NewRequest(http.MethodGet, "/v1/connections/close", nil)
			w := httptest.NewRecorder()
			p.handler.Close(w, req)

			Expect(w.Code).To(Equal(http.StatusMethodNotAllowed))
		})

		It("should answer closed for unknown connections", func() {
			p := newPipeline(ingest.Config{})

			req := httptest.NewRequest(http.MethodPost, "/v1/connections/close",
				strings.NewReader(`{"connection_id":"never-seen"}`))
			w := httptest.NewRecorder()
			p.handler.Close(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
		})
	})
})
