package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"canopy-ads/internal/adapter/postgres"
	"canopy-ads/internal/config"
	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/experiment"
	"canopy-ads/internal/db"
	"canopy-ads/internal/queue"
)

// snapshotIngestor adapts the experiment manager to the queue consumer so
// the worker does not need the full orchestrator wiring.
type snapshotIngestor struct {
	experiments *experiment.Manager
}

func (i snapshotIngestor) IngestSnapshot(ctx context.Context, snap domain.MetricSnapshot) (bool, error) {
	return i.experiments.Record(ctx, snap)
}

// main is the entry point of the canopy-ads snapshot worker. It consumes
// metric snapshots from the AMQP queue and applies them to experiment
// statistics until a termination signal arrives.
func main() {
	exitCode := 1
	defer func() {
		if r := recover(); r != nil {
			panic(r)
		} else {
			os.Exit(exitCode)
		}
	}()

	// Load .env if present; deployments normally rely on the OS environment.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using OS environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	var logger *slog.Logger
	{
		var handler slog.Handler
		level := cfg.Log.SlogLevel()
		switch cfg.Log.SlogFormat() {
		case "json":
			handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
		default:
			handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
		}
		logger = slog.New(handler)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.Psql)
	if err != nil {
		logger.Error("database connection error", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.New(pool)

	consumer, err := queue.NewConsumer(cfg.Queue.URL, snapshotIngestor{experiment.NewManager(store)}, logger)
	if err != nil {
		logger.Error("queue connection error", slog.Any("error", err))
		return
	}
	defer consumer.Close()

	logger.Info("snapshot worker consuming", slog.String("queue", queue.SnapshotQueue))
	if err = consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", slog.Any("error", err))
		return
	}
	logger.Info("snapshot worker stopped")
	exitCode = 0
}
