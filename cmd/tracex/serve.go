package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/opensource-finance/tracex/internal/api"
	"github.com/opensource-finance/tracex/internal/bus"
	"github.com/opensource-finance/tracex/internal/cache"
	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/metrics"
	"github.com/opensource-finance/tracex/internal/repository"
	"github.com/opensource-finance/tracex/internal/rules"
	"github.com/opensource-finance/tracex/internal/scoring"
	"github.com/opensource-finance/tracex/internal/tadp"
	"github.com/opensource-finance/tracex/internal/worker"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the bus worker",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "HTTP listen port",
				EnvVars: []string{"TRACEX_PORT"},
			},
			&cli.BoolFlag{
				Name:    "worker",
				Usage:   "Consume ingested transactions from the bus (always on in the Pro tier)",
				EnvVars: []string{"TRACEX_ASYNC_WORKER"},
			},
			&cli.BoolFlag{
				Name:    "topology",
				Usage:   "Run layering and cycle searches by default",
				EnvVars: []string{"TRACEX_INCLUDE_TOPOLOGY"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("port") {
				cfg.Server.Port = c.Int("port")
			}
			if c.IsSet("topology") {
				cfg.Engine.IncludeTopology = c.Bool("topology")
			}
			return serve(cfg, cfg.Tier == domain.TierPro || c.Bool("worker"))
		},
	}
}

func serve(cfg *domain.Config, runWorker bool) error {
	slog.Info("starting tracex",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"include_topology", cfg.Engine.IncludeTopology,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	repo, err := repository.New(cfg.Repository, repository.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	rawBus, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	busImpl := bus.Instrument(rawBus, m)
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := buildEngine(cfg, rules.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}

	processor := tadp.NewProcessor()
	processor.AnalyzeTopology = cfg.Engine.IncludeTopology

	svc := scoring.NewService(engine, processor,
		scoring.WithRepository(repo),
		scoring.WithCache(cacheImpl, cfg.Cache.LocalTTL),
		scoring.WithBus(busImpl),
		scoring.WithMetrics(m),
		scoring.WithTopology(cfg.Engine.IncludeTopology),
	)

	warmed, err := svc.Warm(ctx, cfg.Engine.WarmDays)
	if err != nil {
		slog.Warn("history warm-up failed", "error", err)
	}
	m.RecordHistorySize(len(engine.History().Keys()))
	slog.Info("history warmed", "transactions", warmed, "days", cfg.Engine.WarmDays)

	var asyncWorker *worker.Worker
	if runWorker {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{Workers: cfg.Engine.Workers}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, svc, api.Options{
		Version: Version,
		Auth:    cfg.Auth,
		Metrics: m,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("tracex is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"auth", cfg.Auth.JWTSecret != "",
		"worker", asyncWorker != nil,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("tracex shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	w := os.Stderr
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  TRACE-X risk scoring engine", version)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Tier:       %s\n", cfg.Tier)
	fmt.Fprintf(w, "  Repository: %s\n", cfg.Repository.Driver)
	fmt.Fprintf(w, "  Cache:      %s\n", cfg.Cache.Type)
	fmt.Fprintf(w, "  EventBus:   %s\n", cfg.EventBus.Type)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  API:        http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(w, "  Health:     http://%s:%d/health\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(w, "  Metrics:    http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(w)
}
