package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/connwatch/reporter/internal/delivery"
	"github.com/connwatch/reporter/internal/queue"
	"github.com/connwatch/reporter/internal/tracker"
)

type sampleEnvelope struct {
	ConnectionID string          `json:"connection_id"`
	Origin       string          `json:"origin"`
	Samples      json.RawMessage `json:"samples"`
}

type closeEnvelope struct {
	ConnectionID string `json:"connection_id"`
}

type Config struct {
	// AllowedOrigins restricts which origins may submit samples. Empty
	// means every origin is accepted.
	AllowedOrigins []string

	// Per-origin token bucket for sample submissions.
	SampleRate  float64
	SampleBurst int

	// CleanupInterval bounds how long an idle origin keeps its limiter.
	CleanupInterval time.Duration
}

const (
	defaultSampleRate      = 50
	defaultSampleBurst     = 100
	defaultCleanupInterval = 5 * time.Minute
)

// Handler is the producer-facing boundary: it admits sample envelopes over
// HTTP and WebSocket and routes them into the delivery pipeline.
type Handler struct {
	deliverer *delivery.Deliverer
	tracker   *tracker.Tracker
	limiter   *OriginRateLimiter
	allowed   map[string]struct{}
	upgrader  websocket.Upgrader
	clk       clock.Clock
	logger    *slog.Logger
}

type Option func(*Handler)

func WithClock(clk clock.Clock) Option {
	return func(h *Handler) {
		h.clk = clk
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = log
	}
}

func New(cfg Config, d *delivery.Deliverer, t *tracker.Tracker, opts ...Option) *Handler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.SampleBurst <= 0 {
		cfg.SampleBurst = defaultSampleBurst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}

	h := &Handler{
		deliverer: d,
		tracker:   t,
		allowed:   make(map[string]struct{}, len(cfg.AllowedOrigins)),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clk:    clock.New(),
		logger: slog.Default(),
	}
	for _, origin := range cfg.AllowedOrigins {
		h.allowed[origin] = struct{}{}
	}
	for _, opt := range opts {
		opt(h)
	}

	h.limiter = NewOriginRateLimiter(cfg.SampleRate, cfg.SampleBurst, cfg.CleanupInterval, h.clk)

	return h
}

// Stop releases the handler's background resources.
func (h *Handler) Stop() {
	h.limiter.Stop()
}

// Samples handles POST /v1/samples.
func (h *Handler) Samples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respond(w, http.StatusMethodNotAllowed, errorBody("method not allowed"))
		return
	}

	var env sampleEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respond(w, http.StatusUnprocessableEntity, errorBody("invalid sample"))
		return
	}

	status, body := h.process(r.Context(), env)
	respond(w, status, body)
}

// Close handles POST /v1/connections/close.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respond(w, http.StatusMethodNotAllowed, errorBody("method not allowed"))
		return
	}

	var env closeEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.ConnectionID == "" {
		respond(w, http.StatusUnprocessableEntity, errorBody("invalid close request"))
		return
	}

	if err := h.tracker.RecordClosed(r.Context(), env.ConnectionID); err != nil {
		h.logger.Warn("connection close not persisted",
			slog.String("connection_id", env.ConnectionID),
			slog.String("error", err.Error()))
	}

	respond(w, http.StatusOK, map[string]any{"status": "closed"})
}

// process runs one envelope through admission and delivery. Shared by the
// HTTP and WebSocket paths.
func (h *Handler) process(ctx context.Context, env sampleEnvelope) (int, map[string]any) {
	if env.ConnectionID == "" || env.Origin == "" || len(env.Samples) == 0 {
		return http.StatusUnprocessableEntity, errorBody("invalid sample")
	}

	if !h.originAllowed(env.Origin) {
		return http.StatusForbidden, errorBody("origin not allowed")
	}

	if !h.limiter.Allow(env.Origin) {
		return http.StatusTooManyRequests, errorBody("rate limited")
	}

	if err := h.tracker.RecordActivity(ctx, env.ConnectionID, env.Origin, h.clk.Now()); err != nil {
		h.logger.Warn("connection activity not persisted",
			slog.String("connection_id", env.ConnectionID),
			slog.String("error", err.Error()))
	}

	rec := &queue.Record{
		ID:      uuid.NewString(),
		Origin:  env.Origin,
		Payload: env.Samples,
	}

	res, _ := h.deliverer.Deliver(ctx, rec)
	switch res.Outcome {
	case delivery.OutcomeAccepted:
		return http.StatusAccepted, map[string]any{
			"status":    "accepted",
			"record_id": rec.ID,
		}

	case delivery.OutcomeQueued:
		return http.StatusAccepted, map[string]any{
			"status":             "queued",
			"record_id":          rec.ID,
			"position":           res.Position,
			"estimated_delay_ms": res.EstimatedDelay.Milliseconds(),
		}

	default:
		return http.StatusBadGateway, map[string]any{
			"status": "rejected",
			"reason": res.Reason,
		}
	}
}

func (h *Handler) originAllowed(origin string) bool {
	if len(h.allowed) == 0 {
		return true
	}
	_, ok := h.allowed[origin]
	return ok
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}
