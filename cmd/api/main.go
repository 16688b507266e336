package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-scheduler/cmd/mainconfig"
	"github.com/wolfman30/clinic-scheduler/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-scheduler/internal/config"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

func main() {
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic-scheduler API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, metricsHandler := setupMetrics()
	deps, closeDeps, err := connectDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect dependencies", "error", err)
		os.Exit(1)
	}
	defer closeDeps()
	deps.Registerer = registry

	app, err := bootstrap.New(ctx, cfg, logger, deps)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	workersDone := make(chan struct{})
	if runsWorkersInline(cfg) {
		go func() {
			defer close(workersDone)
			if err := app.RunWorkers(ctx); err != nil {
				logger.Error("workers stopped", "error", err)
			}
		}()
	} else {
		close(workersDone)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.Router(metricsHandler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop before shutdown deadline")
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// runsWorkersInline reports whether the runner and outbox deliverer belong in
// this process. A memory job store or queue is invisible to a separate worker.
func runsWorkersInline(cfg *appconfig.Config) bool {
	return cfg.UseMemoryQueue || cfg.JobStore == "" || cfg.JobStore == "memory"
}

// setupMetrics builds a dedicated registry with the Go runtime collectors and
// the handler that serves it.
func setupMetrics() (*prometheus.Registry, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// connectDeps opens the external connections the configuration asks for.
// The returned func closes whatever was opened.
func connectDeps(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (bootstrap.Deps, func(), error) {
	var (
		deps    bootstrap.Deps
		pool    *pgxpool.Pool
		auditDB *sql.DB
		rdb     *redis.Client
	)
	closeAll := func() {
		if rdb != nil {
			_ = rdb.Close()
		}
		if auditDB != nil {
			_ = auditDB.Close()
		}
		if pool != nil {
			pool.Close()
		}
	}

	var err error
	if pool, err = bootstrap.OpenPostgres(ctx, cfg); err != nil {
		return deps, func() {}, err
	}
	if auditDB, err = bootstrap.OpenAuditDB(cfg); err != nil {
		closeAll()
		return deps, func() {}, err
	}
	rdb = bootstrap.BuildRedisClient(ctx, cfg, logger, true)

	deps.Postgres = pool
	deps.AuditDB = auditDB
	deps.Redis = rdb

	if mainconfig.NeedsAWS(cfg) {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			closeAll()
			return deps, func() {}, fmt.Errorf("load aws config: %w", err)
		}
		deps.AWS = &awsCfg
	}
	return deps, closeAll, nil
}
