package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/connwatch/reporter/config"
	"github.com/connwatch/reporter/internal/breaker"
	"github.com/connwatch/reporter/internal/delivery"
	"github.com/connwatch/reporter/internal/fallback"
	"github.com/connwatch/reporter/internal/httpserver"
	"github.com/connwatch/reporter/internal/ingest"
	"github.com/connwatch/reporter/internal/metrics"
	"github.com/connwatch/reporter/internal/queue"
	"github.com/connwatch/reporter/internal/retry"
	"github.com/connwatch/reporter/internal/storage"
	"github.com/connwatch/reporter/internal/tracker"
	"github.com/connwatch/reporter/internal/transport"
	"github.com/connwatch/reporter/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	primary, closePrimary, err := openPrimaryStore(cfg)
	if err != nil {
		log.Error("Failed to open primary store", slog.Any("err", err))
		os.Exit(1)
	}
	defer closePrimary()

	secondary := storage.NewFile(cfg.Storage.FallbackPath)

	registry := breaker.NewRegistry(
		cfg.Breaker.FailureThreshold,
		config.Duration(cfg.Breaker.ResetTimeout, 60*time.Second),
		breaker.WithLogger(log),
		breaker.WithHealthCheckInterval(config.Duration(cfg.Breaker.HealthCheckInterval, 30*time.Second)),
	)

	policy := retry.New(
		cfg.Retry.MaxAttempts,
		config.Duration(cfg.Retry.BaseDelay, time.Second),
		retry.WithLogger(log),
		retry.WithJitterMax(config.Duration(cfg.Retry.JitterMax, time.Second)),
	)

	storageBreaker := registry.GetBreaker("storage-primary")

	chain, err := fallback.New(primary, secondary, storageBreaker, policy,
		cfg.Storage.VolatileCapacity, fallback.WithLogger(log))
	if err != nil {
		log.Error("Failed to build storage chain", slog.Any("err", err))
		os.Exit(1)
	}

	collector := metrics.NewCollector(1024, log)
	collector.Start(ctx)

	collectorTransport := transport.NewHTTP(
		cfg.Collector.URL,
		cfg.Collector.HealthURL,
		config.Duration(cfg.Collector.Timeout, 10*time.Second),
		log,
	)

	collectorBreaker := registry.GetBreaker("collector",
		breaker.WithProbe(collectorTransport.Probe))

	deliverer := delivery.New(collectorTransport, collectorBreaker, policy,
		queue.Config{
			MaxSize:          cfg.Queue.MaxSize,
			BatchConcurrency: cfg.Queue.BatchConcurrency,
			MaxAttempts:      cfg.Retry.MaxAttempts,
			InterBatchDelay:  config.Duration(cfg.Queue.InterBatchDelay, time.Second),
		},
		delivery.WithLogger(log),
		delivery.WithCollector(collector),
	)
	deliverer.Start(ctx)
	defer deliverer.Stop()

	track := tracker.New(ctx, chain, retirementCleanup(deliverer, collector),
		tracker.WithLogger(log),
		tracker.WithStaleThreshold(config.Duration(cfg.Tracker.StaleThreshold, 5*time.Minute)),
		tracker.WithScanInterval(config.Duration(cfg.Tracker.ScanInterval, time.Minute)),
	)

	go collectorBreaker.Run(ctx)
	go storageBreaker.Run(ctx)
	go track.Run(ctx)

	ingestHandler := ingest.New(
		ingest.Config{
			AllowedOrigins: cfg.Ingest.AllowedOrigins,
			SampleRate:     cfg.Ingest.SampleRate,
			SampleBurst:    cfg.Ingest.SampleBurst,
		},
		deliverer, track,
		ingest.WithLogger(log),
	)
	defer ingestHandler.Stop()

	mux := setupRouter(ingestHandler, collector, deliverer, track)

	srv, err := httpserver.New(cfg.Server.Address, mux)
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("Reporter started",
		slog.String("address", cfg.Server.Address),
		slog.String("collector", cfg.Collector.URL))

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting reporter", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

func openPrimaryStore(cfg *config.Config) (storage.Store, func(), error) {
	if cfg.Storage.Type == config.StorageMemory {
		return storage.NewMemory(), func() {}, nil
	}

	db, err := storage.OpenBadger(cfg.Storage.Dir)
	if err != nil {
		return nil, nil, err
	}

	return storage.NewBadger(db), func() { _ = db.Close() }, nil
}

// retirementCleanup delivers a retirement notice for each stale connection.
// A queued notice still counts as retired: the record is owned by the
// delivery queue from then on.
func retirementCleanup(deliverer *delivery.Deliverer, collector *metrics.Collector) tracker.CleanupFunc {
	return func(ctx context.Context, conn tracker.Connection) error {
		payload, err := json.Marshal(map[string]any{
			"event":         "connection_retired",
			"connection_id": conn.ID,
			"origin":        conn.Origin,
			"last_update":   conn.LastUpdate,
		})
		if err != nil {
			return err
		}

		res, err := deliverer.Deliver(ctx, &queue.Record{
			ID:      uuid.NewString(),
			Origin:  conn.Origin,
			Payload: payload,
		})
		if res.Outcome == delivery.OutcomeRejected {
			return err
		}

		collector.Emit(metrics.Event{
			Type:      metrics.EventConnectionRetired,
			Timestamp: time.Now(),
			Origin:    conn.Origin,
		})
		return nil
	}
}
