package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/wolfman30/clinic-scheduler/internal/app/bootstrap"
	"github.com/wolfman30/clinic-scheduler/internal/config"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

func main() {
	count := flag.Int("appointments", 20, "appointments to book")
	days := flag.Int("days", 14, "days ahead to spread bookings over")
	seedValue := flag.Int64("seed", 0, "faker seed, 0 for random")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("seed requires DATABASE_URL")
		os.Exit(1)
	}
	pool, err := bootstrap.OpenPostgres(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	rdb := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	app, err := bootstrap.New(ctx, cfg, logger, bootstrap.Deps{Postgres: pool, Redis: rdb})
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	faker := gofakeit.New(uint64(*seedValue))
	booked, err := seed(ctx, app.Availability, app.Appointments, faker, *count, *days, time.Now())
	if err != nil {
		logger.Error("seed failed", "error", err, "booked", booked)
		os.Exit(1)
	}
	logger.Info("seed complete", "booked", booked)
}
