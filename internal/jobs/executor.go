package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-scheduler/internal/observability/metrics"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.jobs")

// JobHandler executes one job type.
type JobHandler interface {
	Handle(ctx context.Context, job Job) error
}

type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Alerter raises an operator alert for a job that exhausted its retries.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Executor runs claimed jobs and applies the retry policy.
type Executor struct {
	store    Store
	clock    Clock
	policy   RetryPolicy
	alerter  Alerter
	metrics  *metrics.SchedulerMetrics
	logger   *logging.Logger
	mu       sync.RWMutex
	handlers map[Type]JobHandler
}

type ExecutorOption func(*Executor)

func WithExecutorClock(clock Clock) ExecutorOption {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func WithExecutorPolicy(policy RetryPolicy) ExecutorOption {
	return func(e *Executor) {
		if policy.MaxAttempts > 0 {
			e.policy = policy
		}
	}
}

func WithAlerter(a Alerter) ExecutorOption {
	return func(e *Executor) { e.alerter = a }
}

func WithExecutorMetrics(m *metrics.SchedulerMetrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

func NewExecutor(store Store, logger *logging.Logger, opts ...ExecutorOption) *Executor {
	if store == nil {
		panic("jobs: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Executor{
		store:    store,
		clock:    SystemClock{},
		policy:   DefaultRetryPolicy(),
		logger:   logger,
		handlers: make(map[Type]JobHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register binds a handler to a job type, replacing any previous one.
func (e *Executor) Register(t Type, h JobHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = h
}

func (e *Executor) handler(t Type) (JobHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[t]
	return h, ok
}

// Execute runs a claimed job. The job is skipped when it was cancelled (or
// replaced under the same key) after being claimed. Handler errors are
// recorded on the job and are not returned; only store errors are.
func (e *Executor) Execute(ctx context.Context, job Job) error {
	ctx, span := tracer.Start(ctx, "jobs.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.key", job.Key),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempt", job.Attempts),
	)

	current, err := e.store.Get(ctx, job.Key)
	if errors.Is(err, ErrJobNotFound) || (err == nil && current.ID != job.ID) {
		e.logger.Info("skipping cancelled job", "job_key", job.Key, "job_id", job.ID)
		e.metrics.ObserveExecuted(string(job.Type), "skipped", 0)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("jobs: load %s: %w", job.Key, err)
	}

	now := e.clock.Now()
	delay := now.Sub(job.ExecuteAt).Seconds()

	h, ok := e.handler(job.Type)
	if !ok {
		runErr := Permanent(fmt.Errorf("no handler registered for %s", job.Type))
		return e.fail(ctx, job, runErr, delay)
	}

	runErr := h.Handle(ctx, job)
	if runErr == nil {
		if err := e.store.Complete(ctx, job.Key, job.ID); err != nil {
			span.RecordError(err)
			return fmt.Errorf("jobs: complete %s: %w", job.Key, err)
		}
		e.metrics.ObserveExecuted(string(job.Type), "success", delay)
		e.logger.Info("job executed", "job_key", job.Key, "attempt", job.Attempts)
		return nil
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.policy.MaxAttempts
	}
	if IsPermanent(runErr) || job.Attempts >= maxAttempts {
		return e.fail(ctx, job, runErr, delay)
	}

	next := now.Add(e.policy.Delay(job.Attempts))
	if err := e.store.Reschedule(ctx, job.Key, job.ID, next, runErr.Error()); err != nil {
		return fmt.Errorf("jobs: reschedule %s: %w", job.Key, err)
	}
	e.metrics.ObserveExecuted(string(job.Type), "retry", delay)
	e.logger.Warn("job failed, retry scheduled",
		"job_key", job.Key,
		"attempt", job.Attempts,
		"next_attempt_at", next,
		"error", runErr,
	)
	return nil
}

func (e *Executor) fail(ctx context.Context, job Job, runErr error, delay float64) error {
	if err := e.store.Fail(ctx, job.Key, job.ID, runErr.Error()); err != nil {
		return fmt.Errorf("jobs: fail %s: %w", job.Key, err)
	}
	e.metrics.ObserveExecuted(string(job.Type), "failed", delay)
	e.logger.Error("job failed permanently",
		"job_key", job.Key,
		"attempts", job.Attempts,
		"error", runErr,
	)
	if e.alerter != nil {
		subject := fmt.Sprintf("Scheduled job %s failed", job.Key)
		body := fmt.Sprintf("Job %s (%s) failed after %d attempt(s) at %s.\nLast error: %v",
			job.Key, job.Type, job.Attempts, e.clock.Now().Format(time.RFC3339), runErr)
		if err := e.alerter.Alert(ctx, subject, body); err != nil {
			e.logger.Error("failed to send job failure alert", "job_key", job.Key, "error", err)
		}
	}
	return nil
}
