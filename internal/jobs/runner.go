package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Dispatcher hands claimed jobs to whoever executes them.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Runner polls the store for due jobs and dispatches them.
type Runner struct {
	store      Store
	dispatcher Dispatcher
	clock      Clock
	interval   time.Duration
	batchSize  int
	logger     *logging.Logger
}

type RunnerConfig struct {
	Interval  time.Duration
	BatchSize int
	Clock     Clock
}

func NewRunner(store Store, dispatcher Dispatcher, cfg RunnerConfig, logger *logging.Logger) *Runner {
	if store == nil || dispatcher == nil {
		panic("jobs: store and dispatcher required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{
		store:      store,
		dispatcher: dispatcher,
		clock:      cfg.Clock,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		logger:     logger,
	}
}

// Tick claims one batch of due jobs and dispatches each of them. A job whose
// dispatch fails stays running until its lease expires and is then claimed
// again.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	jobs, err := r.store.ClaimDue(ctx, r.clock.Now(), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("jobs: claim due: %w", err)
	}
	dispatched := 0
	for _, job := range jobs {
		if err := r.dispatcher.Dispatch(ctx, job); err != nil {
			r.logger.Error("failed to dispatch job", "job_key", job.Key, "error", err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// Run ticks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("job runner started", "interval", r.interval.String(), "batch_size", r.batchSize)
	for {
		if n, err := r.Tick(ctx); err != nil {
			r.logger.Error("job runner tick failed", "error", err)
		} else if n > 0 {
			r.logger.Debug("job runner dispatched jobs", "count", n)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped")
			return
		case <-ticker.C:
		}
	}
}
