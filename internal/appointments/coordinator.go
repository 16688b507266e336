package appointments

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/events"
	"github.com/wolfman30/clinic-scheduler/internal/jobs"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Scheduler is the job scheduling surface the lifecycle needs.
type Scheduler interface {
	ScheduleMessage(ctx context.Context, spec jobs.Spec) (jobs.Job, error)
	CancelJobsForAppointment(ctx context.Context, appointmentID string) ([]string, error)
	CancelJobsForConsultation(ctx context.Context, consultationID string) ([]string, error)
}

// SideEffects records calendar and cache work for background delivery.
type SideEffects interface {
	Enqueue(ctx context.Context, eventType string, payload any) error
}

// Coordinator keeps an appointment's message jobs and calendar event in step
// with its status.
type Coordinator struct {
	scheduler   Scheduler
	outbox      SideEffects
	noShowGrace time.Duration
	now         func() time.Time
	logger      *logging.Logger
}

func NewCoordinator(scheduler Scheduler, outbox SideEffects, noShowGrace time.Duration, logger *logging.Logger) *Coordinator {
	if scheduler == nil {
		panic("appointments: scheduler required")
	}
	if noShowGrace <= 0 {
		noShowGrace = 2 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		scheduler:   scheduler,
		outbox:      outbox,
		noShowGrace: noShowGrace,
		now:         time.Now,
		logger:      logger,
	}
}

// WithClock overrides the time source used to skip past-due jobs.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	if now != nil {
		c.now = now
	}
	return c
}

// JobPlan lists the message jobs for an appointment. Jobs whose time already
// passed are omitted, except the confirmation which is always sent now.
func (c *Coordinator) JobPlan(appt *Appointment) []jobs.Spec {
	now := c.now().UTC()
	payload := func() map[string]string {
		return map[string]string{jobs.FieldAppointmentID: appt.ID}
	}
	plan := []jobs.Spec{{
		Type:      jobs.TypeConfirmation,
		EntityID:  appt.ID,
		ExecuteAt: now,
		Payload:   payload(),
	}}
	timed := []struct {
		t  jobs.Type
		at time.Time
	}{
		{jobs.TypeReminder24h, appt.Start.Add(-24 * time.Hour)},
		{jobs.TypeReminder1h, appt.Start.Add(-time.Hour)},
		{jobs.TypeMarkNoShow, appt.End().Add(c.noShowGrace)},
	}
	for _, j := range timed {
		if !j.at.After(now) {
			continue
		}
		plan = append(plan, jobs.Spec{Type: j.t, EntityID: appt.ID, ExecuteAt: j.at, Payload: payload()})
	}
	return plan
}

// ScheduleAppointmentJobs enqueues the plan. Each job is scheduled
// independently; an existing job under the same key is kept.
func (c *Coordinator) ScheduleAppointmentJobs(ctx context.Context, appt *Appointment) ([]string, error) {
	return c.schedule(ctx, appt, c.JobPlan(appt))
}

func (c *Coordinator) schedule(ctx context.Context, appt *Appointment, plan []jobs.Spec) ([]string, error) {
	var (
		keys []string
		errs []error
	)
	for _, spec := range plan {
		job, err := c.scheduler.ScheduleMessage(ctx, spec)
		switch {
		case errors.Is(err, jobs.ErrDuplicateJob):
			c.logger.Debug("job already scheduled", "appointment_id", appt.ID, "job_type", spec.Type)
		case err != nil:
			c.logger.Error("failed to schedule job", "appointment_id", appt.ID, "job_type", spec.Type, "error", err)
			errs = append(errs, err)
		default:
			keys = append(keys, job.Key)
		}
	}
	return keys, errors.Join(errs...)
}

// OnAppointmentStatusChanged applies the cancellation policy for a new
// status. Failures are logged and returned but never undo the transition.
func (c *Coordinator) OnAppointmentStatusChanged(ctx context.Context, appt *Appointment, next Status) ([]string, error) {
	if !next.Terminal() {
		return nil, nil
	}
	removed, err := c.scheduler.CancelJobsForAppointment(ctx, appt.ID)
	if err != nil {
		c.logger.Error("partial job cancellation", "appointment_id", appt.ID, "status", next, "error", err)
	}

	switch next {
	case StatusCancelled:
		c.enqueue(ctx, events.TypeCalendarDelete, events.CalendarEventV1{AppointmentID: appt.ID, EventID: appt.CalendarEventID})
	case StatusCompleted:
		c.enqueue(ctx, events.TypeCalendarComplete, events.CalendarEventV1{AppointmentID: appt.ID, EventID: appt.CalendarEventID})
	}
	return removed, err
}

// OnRescheduled replaces every job of the appointment with a plan for its
// new start.
func (c *Coordinator) OnRescheduled(ctx context.Context, appt *Appointment) ([]string, error) {
	if _, err := c.scheduler.CancelJobsForAppointment(ctx, appt.ID); err != nil {
		c.logger.Error("partial job cancellation on reschedule", "appointment_id", appt.ID, "error", err)
	}
	return c.ScheduleAppointmentJobs(ctx, appt)
}

func (c *Coordinator) enqueue(ctx context.Context, eventType string, payload any) {
	if c.outbox == nil {
		return
	}
	if err := c.outbox.Enqueue(ctx, eventType, payload); err != nil {
		c.logger.Error("failed to record side effect", "type", eventType, "error", err)
	}
}

// ScheduleFollowUp enqueues the seguimiento job for a consultation.
func (c *Coordinator) ScheduleFollowUp(ctx context.Context, cons *Consultation) (string, error) {
	if cons.FollowUpAt == nil {
		return "", nil
	}
	job, err := c.scheduler.ScheduleMessage(ctx, jobs.Spec{
		Type:      jobs.TypeFollowUp,
		EntityID:  cons.ID,
		ExecuteAt: cons.FollowUpAt.UTC(),
		Payload: map[string]string{
			jobs.FieldConsultationID: cons.ID,
			jobs.FieldAppointmentID:  cons.AppointmentID,
		},
	})
	if err != nil {
		return "", err
	}
	return job.Key, nil
}

// CancelFollowUp removes the follow-up of a consultation.
func (c *Coordinator) CancelFollowUp(ctx context.Context, consultationID string) ([]string, error) {
	return c.scheduler.CancelJobsForConsultation(ctx, consultationID)
}
