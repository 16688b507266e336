package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-scheduler/internal/observability/metrics"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Spec describes a job to schedule. Either ExecuteAt or Delay sets the due
// time; an empty Key defaults to Key(Type, EntityID).
type Spec struct {
	Key       string
	Type      Type
	EntityID  string
	ExecuteAt time.Time
	Delay     time.Duration
	Payload   map[string]string
}

// Scheduler is the entry point used by request handlers. It is safe for
// concurrent use from any number of goroutines.
type Scheduler struct {
	store   Store
	clock   Clock
	policy  RetryPolicy
	metrics *metrics.SchedulerMetrics
	logger  *logging.Logger
}

type SchedulerOption func(*Scheduler)

func WithClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) SchedulerOption {
	return func(s *Scheduler) {
		if policy.MaxAttempts > 0 {
			s.policy = policy
		}
	}
}

func WithMetrics(m *metrics.SchedulerMetrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(store Store, logger *logging.Logger, opts ...SchedulerOption) *Scheduler {
	if store == nil {
		panic("jobs: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scheduler{
		store:  store,
		clock:  SystemClock{},
		policy: DefaultRetryPolicy(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the scheduler's clock reading.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// ScheduleMessage enqueues a job. An active job with the same key is kept and
// ErrDuplicateJob is returned.
func (s *Scheduler) ScheduleMessage(ctx context.Context, spec Spec) (Job, error) {
	if spec.Type == "" || spec.EntityID == "" {
		return Job{}, fmt.Errorf("%w: type and entity id required", ErrInvalidJob)
	}
	now := s.clock.Now()
	executeAt := spec.ExecuteAt
	if executeAt.IsZero() {
		executeAt = now.Add(spec.Delay)
	}
	key := spec.Key
	if key == "" {
		key = Key(spec.Type, spec.EntityID)
	}
	job := Job{
		ID:          uuid.NewString(),
		Key:         key,
		Type:        spec.Type,
		EntityID:    spec.EntityID,
		ExecuteAt:   executeAt.UTC(),
		Payload:     spec.Payload,
		Status:      StatusPending,
		MaxAttempts: s.policy.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Add(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			s.metrics.ObserveScheduled(string(spec.Type), "duplicate")
			return Job{}, err
		}
		s.metrics.ObserveScheduled(string(spec.Type), "error")
		return Job{}, fmt.Errorf("jobs: schedule %s: %w", key, err)
	}
	s.metrics.ObserveScheduled(string(spec.Type), "scheduled")
	s.logger.Debug("job scheduled", "job_key", key, "job_type", spec.Type, "execute_at", job.ExecuteAt)
	return job, nil
}

// Cancel removes the active job for key. Absent keys are not an error.
func (s *Scheduler) Cancel(ctx context.Context, key string) (bool, error) {
	removed, err := s.store.Remove(ctx, key)
	if err != nil {
		return false, err
	}
	return removed, nil
}

// CancelJobsForAppointment removes every appointment job type by key. Each
// type is attempted independently; failures are logged and joined into the
// returned error without stopping the remaining types.
func (s *Scheduler) CancelJobsForAppointment(ctx context.Context, appointmentID string) ([]string, error) {
	var (
		removed []string
		errs    []error
	)
	for _, t := range AppointmentTypes {
		key := Key(t, appointmentID)
		ok, err := s.store.Remove(ctx, key)
		if err != nil {
			s.logger.Error("failed to cancel job", "job_key", key, "appointment_id", appointmentID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if ok {
			removed = append(removed, key)
			s.metrics.ObserveCancelled(string(t))
		}
	}
	if len(removed) > 0 {
		s.logger.Info("appointment jobs cancelled", "appointment_id", appointmentID, "job_keys", removed)
	}
	return removed, errors.Join(errs...)
}

// CancelJobsForConsultation removes the follow-up job for a consultation. The
// deterministic key is tried first; a payload scan then catches follow-ups
// scheduled under a custom key.
func (s *Scheduler) CancelJobsForConsultation(ctx context.Context, consultationID string) ([]string, error) {
	var removed []string
	key := Key(TypeFollowUp, consultationID)
	ok, err := s.store.Remove(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("jobs: cancel %s: %w", key, err)
	}
	if ok {
		removed = append(removed, key)
		s.metrics.ObserveCancelled(string(TypeFollowUp))
	}

	matches, err := s.store.FindActive(ctx, TypeFollowUp, FieldConsultationID, consultationID)
	if err != nil {
		return removed, fmt.Errorf("jobs: scan follow-ups: %w", err)
	}
	for _, job := range matches {
		ok, err := s.store.Remove(ctx, job.Key)
		if err != nil {
			s.logger.Error("failed to cancel follow-up", "job_key", job.Key, "consultation_id", consultationID, "error", err)
			continue
		}
		if ok {
			removed = append(removed, job.Key)
			s.metrics.ObserveCancelled(string(TypeFollowUp))
		}
	}
	return removed, nil
}

// Get returns the active job for key.
func (s *Scheduler) Get(ctx context.Context, key string) (Job, error) {
	return s.store.Get(ctx, key)
}

// FailedJobs lists jobs that exhausted their retries.
func (s *Scheduler) FailedJobs(ctx context.Context, limit int) ([]Job, error) {
	return s.store.ListFailed(ctx, limit)
}

// RetryFailed puts the latest failed job for key back in the queue, due now.
func (s *Scheduler) RetryFailed(ctx context.Context, key string) (Job, error) {
	job, err := s.store.Requeue(ctx, key, s.clock.Now())
	if err != nil {
		return Job{}, err
	}
	s.logger.Info("failed job requeued", "job_key", key)
	return job, nil
}
