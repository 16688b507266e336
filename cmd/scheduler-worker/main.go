package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-scheduler/cmd/mainconfig"
	"github.com/wolfman30/clinic-scheduler/internal/app/bootstrap"
	"github.com/wolfman30/clinic-scheduler/internal/config"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.JobStore == "" || cfg.JobStore == "memory" {
		logger.Error("scheduler worker needs a shared job store (JOB_STORE=postgres or redis)")
		os.Exit(1)
	}

	pool, err := bootstrap.OpenPostgres(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}
	auditDB, err := bootstrap.OpenAuditDB(cfg)
	if err != nil {
		logger.Error("failed to open audit db", "error", err)
		os.Exit(1)
	}
	if auditDB != nil {
		defer func() { _ = auditDB.Close() }()
	}
	rdb := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	reg := prometheus.NewRegistry()
	deps := bootstrap.Deps{Postgres: pool, AuditDB: auditDB, Redis: rdb, Registerer: reg}
	if mainconfig.NeedsAWS(cfg) {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		deps.AWS = &awsCfg
	}

	app, err := bootstrap.New(ctx, cfg, logger, deps)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- app.RunWorkers(ctx) }()
	logger.Info("scheduler worker started", "job_store", cfg.JobStore, "queue", cfg.JobQueueURL != "")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		logger.Info("scheduler worker shutting down")
	case err := <-done:
		if err != nil {
			logger.Error("workers exited", "error", err)
			os.Exit(1)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop before shutdown deadline")
	}
}
