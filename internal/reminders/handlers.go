// Package reminders turns due jobs into patient messages. Every handler
// reloads the appointment or consultation first, so a job that outlived its
// appointment is skipped instead of sent.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-scheduler/internal/appointments"
	"github.com/wolfman30/clinic-scheduler/internal/jobs"
	"github.com/wolfman30/clinic-scheduler/internal/messaging"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.reminders")

// AppointmentService is the slice of the appointment service the handlers
// need.
type AppointmentService interface {
	Get(ctx context.Context, id string) (*appointments.Appointment, error)
	GetPatient(ctx context.Context, id string) (*appointments.Patient, error)
	GetConsultation(ctx context.Context, id string) (*appointments.Consultation, error)
	Location(ctx context.Context) *time.Location
	MarkReminderSent(ctx context.Context, id string) error
	MarkNoShow(ctx context.Context, id string) (*appointments.Appointment, error)
}

// Handlers executes the five message job types.
type Handlers struct {
	appointments AppointmentService
	sender       messaging.Sender
	deliveries   messaging.DeliveryStore
	renderer     *Renderer
	channel      messaging.Channel
	clinicName   string
	now          func() time.Time
	logger       *logging.Logger
}

type Option func(*Handlers)

func WithChannel(ch messaging.Channel) Option {
	return func(h *Handlers) { h.channel = ch }
}

func WithClinicName(name string) Option {
	return func(h *Handlers) {
		if name != "" {
			h.clinicName = name
		}
	}
}

func WithRenderer(r *Renderer) Option {
	return func(h *Handlers) {
		if r != nil {
			h.renderer = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandlers builds the handlers with the default templates.
func NewHandlers(svc AppointmentService, sender messaging.Sender, deliveries messaging.DeliveryStore, logger *logging.Logger, opts ...Option) (*Handlers, error) {
	if svc == nil || sender == nil {
		return nil, errors.New("reminders: appointment service and sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	renderer, err := NewRenderer(DefaultTemplates)
	if err != nil {
		return nil, err
	}
	h := &Handlers{
		appointments: svc,
		sender:       sender,
		deliveries:   deliveries,
		renderer:     renderer,
		channel:      messaging.ChannelWhatsApp,
		clinicName:   "la clínica",
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger.WithComponent("reminders"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register wires every job type into the executor.
func (h *Handlers) Register(e *jobs.Executor) {
	e.Register(jobs.TypeConfirmation, jobs.HandlerFunc(h.Confirmation))
	e.Register(jobs.TypeReminder24h, jobs.HandlerFunc(h.Reminder24h))
	e.Register(jobs.TypeReminder1h, jobs.HandlerFunc(h.Reminder1h))
	e.Register(jobs.TypeMarkNoShow, jobs.HandlerFunc(h.MarkNoShow))
	e.Register(jobs.TypeFollowUp, jobs.HandlerFunc(h.FollowUp))
}

func (h *Handlers) Confirmation(ctx context.Context, job jobs.Job) error {
	return h.appointmentMessage(ctx, job)
}

// Reminder24h sends the day-before reminder and marks the confirmation as
// reminded. Once the message is out the job succeeds even if the mark fails,
// so a retry never sends the reminder twice.
func (h *Handlers) Reminder24h(ctx context.Context, job jobs.Job) error {
	appt, err := h.appointmentMessageFor(ctx, job)
	if err != nil || appt == nil {
		return err
	}
	if err := h.appointments.MarkReminderSent(ctx, appt.ID); err != nil && !appointments.IsNotFound(err) {
		h.logger.Error("failed to mark reminder sent", "job_key", job.Key, "appointment_id", appt.ID, "error", err)
	}
	return nil
}

func (h *Handlers) Reminder1h(ctx context.Context, job jobs.Job) error {
	return h.appointmentMessage(ctx, job)
}

// MarkNoShow closes an appointment that was still active after its end plus
// the grace period.
func (h *Handlers) MarkNoShow(ctx context.Context, job jobs.Job) error {
	appt, ok, err := h.liveAppointment(ctx, job)
	if err != nil || !ok {
		return err
	}
	if _, err := h.appointments.MarkNoShow(ctx, appt.ID); err != nil {
		if errors.Is(err, appointments.ErrTerminalState) || appointments.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("reminders: mark no-show: %w", err)
	}
	h.logger.Info("appointment marked as no-show", "appointment_id", appt.ID)
	return nil
}

// FollowUp messages the patient of a consultation.
func (h *Handlers) FollowUp(ctx context.Context, job jobs.Job) error {
	ctx, span := tracer.Start(ctx, "reminders.follow_up")
	defer span.End()

	id := entityID(job, jobs.FieldConsultationID)
	cons, err := h.appointments.GetConsultation(ctx, id)
	if appointments.IsNotFound(err) {
		h.logger.Info("skipping follow-up for missing consultation", "consultation_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reminders: load consultation: %w", err)
	}
	patient, err := h.appointments.GetPatient(ctx, cons.PatientID)
	if appointments.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reminders: load patient: %w", err)
	}

	start := h.now()
	if cons.FollowUpAt != nil {
		start = *cons.FollowUpAt
	}
	data := newMessageData(patient.Name, h.clinicName, "", start, h.appointments.Location(ctx))
	return h.send(ctx, job, cons.AppointmentID, patient, data)
}

func (h *Handlers) appointmentMessage(ctx context.Context, job jobs.Job) error {
	_, err := h.appointmentMessageFor(ctx, job)
	return err
}

// appointmentMessageFor sends the job's message and returns the appointment,
// or nil when the job was skipped.
func (h *Handlers) appointmentMessageFor(ctx context.Context, job jobs.Job) (*appointments.Appointment, error) {
	ctx, span := tracer.Start(ctx, "reminders.appointment_message")
	defer span.End()
	span.SetAttributes(attribute.String("job.type", string(job.Type)))

	appt, ok, err := h.liveAppointment(ctx, job)
	if err != nil || !ok {
		return nil, err
	}
	patient, err := h.appointments.GetPatient(ctx, appt.PatientID)
	if appointments.IsNotFound(err) {
		h.logger.Warn("skipping message for missing patient", "appointment_id", appt.ID, "patient_id", appt.PatientID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reminders: load patient: %w", err)
	}
	data := newMessageData(patient.Name, h.clinicName, appt.AccessCode, appt.Start, h.appointments.Location(ctx))
	if err := h.send(ctx, job, appt.ID, patient, data); err != nil {
		return nil, err
	}
	return appt, nil
}

// liveAppointment loads the job's appointment and reports whether it is still
// active.
func (h *Handlers) liveAppointment(ctx context.Context, job jobs.Job) (*appointments.Appointment, bool, error) {
	id := entityID(job, jobs.FieldAppointmentID)
	appt, err := h.appointments.Get(ctx, id)
	if appointments.IsNotFound(err) {
		h.logger.Info("skipping job for missing appointment", "job_key", job.Key, "appointment_id", id)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reminders: load appointment: %w", err)
	}
	if !appt.Status.Active() {
		h.logger.Info("skipping job for closed appointment", "job_key", job.Key, "status", appt.Status)
		return nil, false, nil
	}
	return appt, true, nil
}

func (h *Handlers) send(ctx context.Context, job jobs.Job, appointmentID string, patient *appointments.Patient, data MessageData) error {
	if messaging.NormalizeE164(patient.Phone) == "" {
		h.logger.Warn("patient has no phone, message skipped", "job_key", job.Key, "patient_id", patient.ID)
		return nil
	}
	body, err := h.renderer.Render(job.Type, data)
	if err != nil {
		return jobs.Permanent(err)
	}

	msg := messaging.Outbound{To: patient.Phone, Body: body, Channel: h.channel}
	providerID, sendErr := h.sender.Send(ctx, msg)

	now := h.now()
	delivery := messaging.Delivery{
		ID:            uuid.NewString(),
		JobKey:        job.Key,
		JobType:       string(job.Type),
		AppointmentID: appointmentID,
		Channel:       h.channel,
		To:            messaging.NormalizeE164(patient.Phone),
		ProviderID:    providerID,
		Status:        messaging.StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if sendErr != nil {
		delivery.Status = messaging.StatusFailed
		delivery.Error = sendErr.Error()
	}
	h.recordDelivery(ctx, delivery)

	if sendErr != nil {
		return fmt.Errorf("reminders: send %s: %w", job.Type, sendErr)
	}
	h.logger.Info("message sent", "job_key", job.Key, "provider_id", providerID, "channel", h.channel)
	return nil
}

// recordDelivery never fails the job: the message is already out and a retry
// would send it twice.
func (h *Handlers) recordDelivery(ctx context.Context, d messaging.Delivery) {
	if h.deliveries == nil {
		return
	}
	if err := h.deliveries.Record(ctx, d); err != nil {
		h.logger.Error("failed to record delivery", "job_key", d.JobKey, "error", err)
	}
}

func entityID(job jobs.Job, field string) string {
	if job.EntityID != "" {
		return job.EntityID
	}
	return job.Payload[field]
}
