package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"canopy-ads/internal/config"
	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/db"
	"canopy-ads/internal/queue"
)

// main seeds the database with demo campaigns and, when the queue is
// enabled, publishes a fresh metric snapshot per seeded variant so the
// ingest pipeline has traffic to chew on.
func main() {
	exitCode := 1
	defer func() {
		if r := recover(); r != nil {
			panic(r)
		} else {
			os.Exit(exitCode)
		}
	}()

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

	if cfg.Psql.RunMigrations {
		if err = db.Migrate(cfg.Psql.Addr.String()); err != nil {
			logger.Error("migration error", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("migrations applied successfully")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.Psql)
	if err != nil {
		logger.Error("database connection error", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err = db.Seed(ctx, pool); err != nil {
		logger.Error("seed error", slog.Any("error", err))
		return
	}
	logger.Info("demo data seeded")

	if cfg.Queue.Enabled {
		if err = publishDemoSnapshots(ctx, cfg.Queue.URL, pool, logger); err != nil {
			logger.Error("snapshot publish error", slog.Any("error", err))
			return
		}
	}
	exitCode = 0
}

// publishDemoSnapshots emits one current-hour snapshot per variant of the
// seeded monitoring campaign, exercising the broker path end to end.
func publishDemoSnapshots(ctx context.Context, url string, pool *pgxpool.Pool, logger *slog.Logger) error {
	rows, err := pool.Query(ctx, `SELECT v.id, v.platform FROM variants v
JOIN campaigns c ON c.id = v.campaign_id WHERE c.state = 'monitoring' AND NOT v.retired`)
	if err != nil {
		return err
	}
	type target struct {
		variantID string
		platform  string
	}
	targets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (target, error) {
		var t target
		err := row.Scan(&t.variantID, &t.platform)
		return t, err
	})
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		logger.Info("no monitoring variants to publish snapshots for")
		return nil
	}

	pub, err := queue.NewPublisher(url)
	if err != nil {
		return err
	}
	defer pub.Close()

	windowStart := time.Now().Truncate(time.Hour)
	for _, t := range targets {
		snap := domain.MetricSnapshot{
			SnapshotID:  uuid.NewString(),
			VariantID:   t.variantID,
			Platform:    domain.Platform(t.platform),
			WindowStart: windowStart,
			WindowEnd:   windowStart.Add(time.Hour),
			Impressions: 500,
			Clicks:      20,
			Conversions: 3,
			SpendMicros: 450_000,
		}
		if err := pub.PublishSnapshot(snap); err != nil {
			return err
		}
	}
	logger.Info("demo snapshots published", slog.Int("count", len(targets)))
	return nil
}
