package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"canopy-ads/internal/adapter/generator"
	httpadapter "canopy-ads/internal/adapter/http"
	"canopy-ads/internal/adapter/market"
	"canopy-ads/internal/adapter/platform"
	"canopy-ads/internal/adapter/postgres"
	"canopy-ads/internal/config"
	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/orchestrator"
	"canopy-ads/internal/core/policy"
	"canopy-ads/internal/db"
	"canopy-ads/internal/queue"
)

// main is the entry point of the canopy-ads API server. It loads
// configuration, optionally runs database migrations, wires the campaign
// orchestrator with its platform adapters and compliance policies, then
// starts the HTTP server. On receiving a termination signal it gracefully
// shuts down the server and drains campaign runners.
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

	// Load configuration from environment variables.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	var logger *slog.Logger
	{
		// Initialise structured logger based on configuration.
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

	// Optionally run migrations if configured. We use the Psql sub‑config.
	if cfg.Psql.RunMigrations {
		if err = db.Migrate(cfg.Psql.Addr.String()); err != nil {
			logger.Error("migration error", slog.Any("error", err))
		} else {
			logger.Info("migrations applied successfully")
		}
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

	policies, err := loadPolicies(cfg.Orchestrator.PolicyPath, logger)
	if err != nil {
		logger.Error("policy load error", slog.Any("error", err))
		return
	}
	go func() {
		if err := policies.Watch(ctx); err != nil {
			logger.Error("policy watcher stopped", slog.Any("error", err))
		}
	}()

	workflow, err := loadWorkflow(cfg.Orchestrator.WorkflowPath)
	if err != nil {
		logger.Error("workflow load error", slog.Any("error", err))
		return
	}

	svc, err := orchestrator.New(
		store,
		generator.NewTemplated(policies, 0),
		platform.SimulatedRegistry(0.05),
		market.NewStatic(time.Now()),
		policies,
		orchestrator.Options{
			Workflow:              workflow,
			TickInterval:          cfg.Orchestrator.TickInterval,
			CancelGrace:           cfg.Orchestrator.CancelGrace,
			CallTimeout:           cfg.Orchestrator.CallTimeout,
			ExperimentMinSample:   cfg.Orchestrator.ExperimentMinSample,
			ExperimentConfidence:  cfg.Orchestrator.ExperimentConfidence,
			ExperimentMaxDuration: cfg.Orchestrator.ExperimentMaxDuration,
			MaxShift:              cfg.Orchestrator.MaxShift,
			MinShare:              cfg.Orchestrator.MinShare,
			ShiftFactor:           cfg.Orchestrator.ShiftFactor,
		},
		logger,
	)
	if err != nil {
		logger.Error("orchestrator setup error", slog.Any("error", err))
		return
	}
	svc.Start(ctx)
	defer svc.Close()

	// Re-enter campaigns that were in flight when the previous process died.
	if err = svc.Recover(ctx); err != nil {
		logger.Error("campaign recovery error", slog.Any("error", err))
		return
	}

	// Single-process deployments can consume metric snapshots in-process
	// instead of running the dedicated worker.
	if cfg.Queue.Enabled {
		consumer, err := queue.NewConsumer(cfg.Queue.URL, svc, logger)
		if err != nil {
			logger.Error("queue connection error", slog.Any("error", err))
			return
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("snapshot consumer stopped", slog.Any("error", err))
			}
		}()
	}

	handler := httpadapter.NewHandler(svc, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("server listening", slog.Int("port", int(cfg.HTTP.Port)))
		if err = srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	value := <-quit
	exitCode = 128 + int(value.(syscall.Signal))

	// The signal context is already cancelled here, so the shutdown timeout
	// needs a fresh parent.
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	} else {
		logger.Info("server gracefully stopped")
	}
}

// loadPolicies builds the compliance policy source from a YAML file when a
// path is configured, falling back to the built-in table otherwise.
func loadPolicies(path string, logger *slog.Logger) (*policy.Source, error) {
	if path == "" {
		return policy.NewSource(policy.Builtin(), logger), nil
	}
	return policy.NewFileSource(path, logger)
}

// workflowFile is the YAML wire form of a workflow definition. Durations
// are Go duration strings ("30s", "5m"); the domain types stay
// serialization-free.
type workflowFile struct {
	Name   string      `yaml:"name"`
	Stages []stageFile `yaml:"stages"`
}

type stageFile struct {
	Type      string    `yaml:"type"`
	Platforms []string  `yaml:"platforms"`
	Timeout   string    `yaml:"timeout"`
	Retry     retryFile `yaml:"retry"`
}

type retryFile struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	BaseInterval string  `yaml:"base_interval"`
	Factor       float64 `yaml:"factor"`
}

// loadWorkflow reads the stage pipeline from a YAML file when a path is
// configured, falling back to the built-in default pipeline otherwise. A
// configured file that fails to parse or validate aborts startup rather
// than being silently replaced.
func loadWorkflow(path string) (domain.WorkflowDefinition, error) {
	if path == "" {
		return domain.DefaultWorkflow(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.WorkflowDefinition{}, fmt.Errorf("read workflow file: %w", err)
	}
	var file workflowFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return domain.WorkflowDefinition{}, fmt.Errorf("parse workflow file %s: %w", path, err)
	}
	wf := domain.WorkflowDefinition{Name: file.Name}
	for i, fs := range file.Stages {
		stage := domain.Stage{
			Type: domain.StageType(fs.Type),
			Retry: domain.RetryPolicy{
				MaxAttempts: fs.Retry.MaxAttempts,
				Factor:      fs.Retry.Factor,
			},
		}
		for _, p := range fs.Platforms {
			stage.Platforms = append(stage.Platforms, domain.Platform(p))
		}
		if stage.Timeout, err = parseDuration(fs.Timeout); err != nil {
			return domain.WorkflowDefinition{}, fmt.Errorf("workflow stage %d timeout: %w", i, err)
		}
		if stage.Retry.BaseInterval, err = parseDuration(fs.Retry.BaseInterval); err != nil {
			return domain.WorkflowDefinition{}, fmt.Errorf("workflow stage %d retry interval: %w", i, err)
		}
		wf.Stages = append(wf.Stages, stage)
	}
	if err := wf.Validate(); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	return wf, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
