package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-scheduler/internal/audit"
	"github.com/wolfman30/clinic-scheduler/internal/availability"
	"github.com/wolfman30/clinic-scheduler/internal/clinic"
	"github.com/wolfman30/clinic-scheduler/internal/events"
	"github.com/wolfman30/clinic-scheduler/internal/observability/metrics"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.appointments")

const maxInsertAttempts = 3

// SlotChecker re-validates a start instant against live data.
type SlotChecker interface {
	Check(ctx context.Context, start time.Time, opts availability.Options) error
	Config(ctx context.Context) (*clinic.Config, error)
}

// BookRequest identifies the patient either by id or by contact details.
type BookRequest struct {
	PatientID string
	Name      string
	Phone     string
	Email     string
	Start     time.Time
	Notes     string
}

func (r BookRequest) validate() error {
	if r.Start.IsZero() {
		return fmt.Errorf("%w: start is required", ErrInvalidRequest)
	}
	if r.PatientID != "" {
		return nil
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if normalizePhone(r.Phone) == "" && normalizeEmail(r.Email) == "" {
		return fmt.Errorf("%w: phone or email is required", ErrInvalidRequest)
	}
	return nil
}

// ConsultationInput is what the office records after a visit.
type ConsultationInput struct {
	Notes      string
	FollowUpAt *time.Time
}

// Service is the appointment lifecycle controller.
type Service struct {
	clinicID    string
	repo        Repository
	slots       SlotChecker
	codes       *CodeGenerator
	coordinator *Coordinator
	effects     SideEffects
	auditor     audit.Recorder
	locker      SlotLocker
	metrics     *metrics.SchedulerMetrics
	now         func() time.Time
	logger      *logging.Logger
}

type Option func(*Service)

func WithClinicID(id string) Option {
	return func(s *Service) {
		if id != "" {
			s.clinicID = id
		}
	}
}

func WithSideEffects(e SideEffects) Option {
	return func(s *Service) { s.effects = e }
}

func WithAuditor(a audit.Recorder) Option {
	return func(s *Service) { s.auditor = a }
}

func WithSlotLocker(l SlotLocker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithMetrics(m *metrics.SchedulerMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithCodeGenerator(g *CodeGenerator) Option {
	return func(s *Service) {
		if g != nil {
			s.codes = g
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(repo Repository, slots SlotChecker, coordinator *Coordinator, logger *logging.Logger, opts ...Option) *Service {
	if repo == nil || slots == nil || coordinator == nil {
		panic("appointments: repository, slot checker and coordinator required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		clinicID:    "default",
		repo:        repo,
		slots:       slots,
		codes:       NewCodeGenerator(repo),
		coordinator: coordinator,
		locker:      noopLocker{},
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location returns the clinic's presentation time zone.
func (s *Service) Location(ctx context.Context) *time.Location {
	cfg, err := s.slots.Config(ctx)
	if err != nil {
		s.logger.Warn("clinic config unavailable, presenting UTC", "error", err)
		return time.UTC
	}
	return cfg.Location()
}

// Book creates an appointment. Steps run in order: slot re-check, patient
// resolution, access code, insert. Calendar sync, cache invalidation and job
// scheduling follow on a best-effort basis and never fail the booking.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.book")
	defer span.End()

	appt, patient, cfg, err := s.book(ctx, req)
	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveBooking(bookingOutcome(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("appointment.id", appt.ID))
	s.metrics.ObserveBooking("booked")
	s.logger.Info("appointment booked", "appointment_id", appt.ID, "patient_id", patient.ID, "start", appt.Start)

	s.enqueue(ctx, events.TypeCalendarCreate, events.CalendarCreateV1{
		AppointmentID: appt.ID,
		Summary:       "Cita: " + patient.Name,
		Description:   fmt.Sprintf("Código %s. %s", appt.AccessCode, appt.Notes),
		Start:         appt.Start,
		End:           appt.End(),
	})
	s.invalidate(ctx, appt, cfg.Location())
	keys, _ := s.coordinator.ScheduleAppointmentJobs(ctx, appt)
	s.record(ctx, audit.Event{
		EventType:     audit.EventBooked,
		AppointmentID: appt.ID,
		PatientID:     patient.ID,
		Actor:         audit.ActorPatient,
		JobKeys:       keys,
		Details:       audit.Details(map[string]any{"start": appt.Start, "duration_minutes": appt.DurationMinutes}),
	})
	return appt, nil
}

func (s *Service) book(ctx context.Context, req BookRequest) (*Appointment, *Patient, *clinic.Config, error) {
	if err := req.validate(); err != nil {
		return nil, nil, nil, err
	}
	start := req.Start.UTC()
	cfg, err := s.slots.Config(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("appointments: load clinic config: %w", err)
	}

	var (
		appt    *Appointment
		patient *Patient
	)
	err = s.locker.WithSlotLock(ctx, start, func(ctx context.Context) error {
		if err := s.slots.Check(ctx, start, availability.Options{}); err != nil {
			return err
		}

		patient, err = s.resolvePatient(ctx, req)
		if err != nil {
			return err
		}
		if err := s.ensureNoActiveAppointment(ctx, patient.ID); err != nil {
			return err
		}

		now := s.now().UTC()
		for attempt := 1; ; attempt++ {
			code, err := s.codes.Generate(ctx)
			if err != nil {
				return err
			}
			appt = &Appointment{
				ID:                 uuid.NewString(),
				PatientID:          patient.ID,
				Start:              start,
				DurationMinutes:    cfg.SlotMinutes,
				Status:             StatusPending,
				ConfirmationStatus: ConfirmationPending,
				AccessCode:         code,
				Notes:              strings.TrimSpace(req.Notes),
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			err = s.repo.CreateAppointment(ctx, appt, cfg.MaxSimultaneous)
			if errors.Is(err, ErrCodeCollision) && attempt < maxInsertAttempts {
				continue
			}
			return err
		}
	})
	if errors.Is(err, errLockNotAcquired) {
		return nil, nil, nil, ErrSlotBusy
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return appt, patient, cfg, nil
}

func (s *Service) ensureNoActiveAppointment(ctx context.Context, patientID string) error {
	existing, err := s.repo.ActiveAppointmentForPatient(ctx, patientID, s.now().UTC())
	switch {
	case errors.Is(err, ErrAppointmentNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("appointments: check active appointment: %w", err)
	}
	s.logger.Info("patient already has an upcoming appointment", "patient_id", patientID, "appointment_id", existing.ID)
	return ErrActiveAppointmentExists
}

// resolvePatient reuses a patient matched by phone or email and rejects
// contact details that point at two different identities.
func (s *Service) resolvePatient(ctx context.Context, req BookRequest) (*Patient, error) {
	if req.PatientID != "" {
		return s.repo.GetPatient(ctx, req.PatientID)
	}
	phone := normalizePhone(req.Phone)
	email := normalizeEmail(req.Email)

	byPhone, err := s.lookupPatient(ctx, phone, s.repo.FindPatientByPhone)
	if err != nil {
		return nil, err
	}
	byEmail, err := s.lookupPatient(ctx, email, s.repo.FindPatientByEmail)
	if err != nil {
		return nil, err
	}

	switch {
	case byPhone != nil && byEmail != nil:
		if byPhone.ID != byEmail.ID {
			return nil, ErrIdentityConflict
		}
		return byPhone, nil
	case byPhone != nil:
		if email != "" && byPhone.Email != "" && byPhone.Email != email {
			return nil, ErrIdentityConflict
		}
		return byPhone, nil
	case byEmail != nil:
		if phone != "" && byEmail.Phone != "" && byEmail.Phone != phone {
			return nil, ErrIdentityConflict
		}
		return byEmail, nil
	}

	patient := &Patient{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(req.Name),
		Phone:     phone,
		Email:     email,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreatePatient(ctx, patient); err != nil {
		return nil, err
	}
	return patient, nil
}

func (s *Service) lookupPatient(ctx context.Context, value string, find func(context.Context, string) (*Patient, error)) (*Patient, error) {
	if value == "" {
		return nil, nil
	}
	p, err := find(ctx, value)
	if errors.Is(err, ErrPatientNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: find patient: %w", err)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Appointment, error) {
	return s.repo.GetAppointment(ctx, id)
}

func (s *Service) GetByCode(ctx context.Context, code string) (*Appointment, error) {
	code = NormalizeCode(code)
	if len(code) != codeLength {
		return nil, ErrAppointmentNotFound
	}
	return s.repo.GetByAccessCode(ctx, code)
}

// ConfirmByOffice marks the appointment confirmed by staff. Jobs stay.
func (s *Service) ConfirmByOffice(ctx context.Context, id string) (*Appointment, error) {
	return s.transition(ctx, id, StatusChange{Status: StatusConfirmed}, audit.ActorOffice, audit.EventConfirmedByOffice)
}

// ConfirmByPatient records the patient's confirmation through their code.
func (s *Service) ConfirmByPatient(ctx context.Context, code string) (*Appointment, error) {
	current, err := s.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	appt, err := s.repo.UpdateConfirmation(ctx, current.ID, ConfirmationConfirmed)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, appt, s.Location(ctx))
	s.record(ctx, audit.Event{
		EventType:     audit.EventConfirmedByPatient,
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Actor:         audit.ActorPatient,
	})
	return appt, nil
}

// CancelByPatient cancels through the access code.
func (s *Service) CancelByPatient(ctx context.Context, code, reason string) (*Appointment, error) {
	current, err := s.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, current.ID, StatusChange{
		Status:       StatusCancelled,
		Confirmation: ConfirmationCancelled,
		Reason:       strings.TrimSpace(reason),
	}, audit.ActorPatient, audit.EventCancelled)
}

// Cancel is the office cancellation.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Appointment, error) {
	return s.transition(ctx, id, StatusChange{Status: StatusCancelled, Reason: strings.TrimSpace(reason)}, audit.ActorOffice, audit.EventCancelled)
}

func (s *Service) Complete(ctx context.Context, id string) (*Appointment, error) {
	return s.transition(ctx, id, StatusChange{Status: StatusCompleted}, audit.ActorOffice, audit.EventCompleted)
}

// MarkNoShow is reached from the marcar_no_asistio job or by staff.
func (s *Service) MarkNoShow(ctx context.Context, id string) (*Appointment, error) {
	return s.transition(ctx, id, StatusChange{Status: StatusNoShow}, audit.ActorSystem, audit.EventNoShow)
}

// MarkReminderSent moves a pending confirmation to reminder_sent. Other
// confirmation states are left untouched.
func (s *Service) MarkReminderSent(ctx context.Context, id string) error {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return err
	}
	if appt.ConfirmationStatus != ConfirmationPending {
		return nil
	}
	_, err = s.repo.UpdateConfirmation(ctx, id, ConfirmationReminderSent)
	return err
}

func (s *Service) transition(ctx context.Context, id string, change StatusChange, actor audit.Actor, eventType audit.EventType) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.transition")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id), attribute.String("appointment.status", string(change.Status)))

	appt, err := s.repo.UpdateStatus(ctx, id, change)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	removed, _ := s.coordinator.OnAppointmentStatusChanged(ctx, appt, change.Status)
	s.invalidate(ctx, appt, s.Location(ctx))

	var details map[string]any
	if change.Reason != "" {
		details = map[string]any{"reason": change.Reason}
	}
	s.record(ctx, audit.Event{
		EventType:     eventType,
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Actor:         actor,
		JobKeys:       removed,
		Details:       audit.Details(details),
	})
	s.logger.Info("appointment status changed", "appointment_id", appt.ID, "status", appt.Status, "cancelled_jobs", len(removed))
	return appt, nil
}

// Reschedule moves an active appointment to newStart and replaces its jobs.
func (s *Service) Reschedule(ctx context.Context, id string, newStart time.Time) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.reschedule")
	defer span.End()

	if newStart.IsZero() {
		return nil, fmt.Errorf("%w: start is required", ErrInvalidRequest)
	}
	newStart = newStart.UTC()
	current, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.Active() {
		return nil, ErrTerminalState
	}
	cfg, err := s.slots.Config(ctx)
	if err != nil {
		return nil, fmt.Errorf("appointments: load clinic config: %w", err)
	}

	var updated *Appointment
	err = s.locker.WithSlotLock(ctx, newStart, func(ctx context.Context) error {
		if err := s.slots.Check(ctx, newStart, availability.Options{ExcludeAppointmentID: id}); err != nil {
			return err
		}
		updated, err = s.repo.UpdateStart(ctx, id, newStart, cfg.MaxSimultaneous)
		return err
	})
	if errors.Is(err, errLockNotAcquired) {
		err = ErrSlotBusy
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	keys, _ := s.coordinator.OnRescheduled(ctx, updated)
	s.enqueue(ctx, events.TypeCalendarDelete, events.CalendarEventV1{AppointmentID: id, EventID: current.CalendarEventID})
	s.enqueue(ctx, events.TypeCalendarCreate, events.CalendarCreateV1{
		AppointmentID: id,
		Summary:       "Cita reprogramada",
		Description:   fmt.Sprintf("Código %s", updated.AccessCode),
		Start:         updated.Start,
		End:           updated.End(),
	})
	s.invalidate(ctx, current, cfg.Location())
	s.invalidate(ctx, updated, cfg.Location())
	s.record(ctx, audit.Event{
		EventType:     audit.EventRescheduled,
		AppointmentID: id,
		PatientID:     updated.PatientID,
		Actor:         audit.ActorOffice,
		JobKeys:       keys,
		Details:       audit.Details(map[string]any{"from": current.Start, "to": updated.Start}),
	})
	s.logger.Info("appointment rescheduled", "appointment_id", id, "from", current.Start, "to", updated.Start)
	return updated, nil
}

// RecordConsultation completes the appointment when still active, stores the
// consultation and programs its follow-up if a date is given.
func (s *Service) RecordConsultation(ctx context.Context, appointmentID string, in ConsultationInput) (*Consultation, error) {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status == StatusCancelled || appt.Status == StatusNoShow {
		return nil, ErrTerminalState
	}
	now := s.now().UTC()
	if in.FollowUpAt != nil && !in.FollowUpAt.After(now) {
		return nil, fmt.Errorf("%w: follow-up must be in the future", ErrInvalidRequest)
	}
	if appt.Status.Active() {
		if _, err := s.Complete(ctx, appointmentID); err != nil && !errors.Is(err, ErrTerminalState) {
			return nil, err
		}
	}

	cons := &Consultation{
		ID:            uuid.NewString(),
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Notes:         strings.TrimSpace(in.Notes),
		FollowUpAt:    in.FollowUpAt,
		CreatedAt:     now,
	}
	if cons.FollowUpAt != nil {
		at := cons.FollowUpAt.UTC()
		cons.FollowUpAt = &at
	}
	if err := s.repo.CreateConsultation(ctx, cons); err != nil {
		return nil, err
	}

	var keys []string
	if key, err := s.coordinator.ScheduleFollowUp(ctx, cons); err != nil {
		s.logger.Error("failed to schedule follow-up", "consultation_id", cons.ID, "error", err)
	} else if key != "" {
		keys = append(keys, key)
	}
	s.record(ctx, audit.Event{
		EventType:     audit.EventConsultationCreated,
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Actor:         audit.ActorOffice,
		JobKeys:       keys,
	})
	return cons, nil
}

// CancelFollowUp drops the pending follow-up of a consultation.
func (s *Service) CancelFollowUp(ctx context.Context, consultationID string) ([]string, error) {
	cons, err := s.repo.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	removed, err := s.coordinator.CancelFollowUp(ctx, consultationID)
	if err != nil {
		return removed, fmt.Errorf("appointments: cancel follow-up: %w", err)
	}
	s.record(ctx, audit.Event{
		EventType:     audit.EventFollowUpCancelled,
		AppointmentID: cons.AppointmentID,
		PatientID:     cons.PatientID,
		Actor:         audit.ActorOffice,
		JobKeys:       removed,
	})
	return removed, nil
}

// GetConsultation loads a consultation.
func (s *Service) GetConsultation(ctx context.Context, id string) (*Consultation, error) {
	return s.repo.GetConsultation(ctx, id)
}

// GetPatient loads a patient.
func (s *Service) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return s.repo.GetPatient(ctx, id)
}

func (s *Service) invalidate(ctx context.Context, appt *Appointment, loc *time.Location) {
	s.enqueue(ctx, events.TypeCacheInvalidate, events.CacheInvalidateV1{
		AppointmentID: appt.ID,
		Date:          appt.Start.In(loc).Format("2006-01-02"),
	})
}

func (s *Service) enqueue(ctx context.Context, eventType string, payload any) {
	if s.effects == nil {
		return
	}
	if err := s.effects.Enqueue(ctx, eventType, payload); err != nil {
		s.logger.Error("failed to record side effect", "type", eventType, "error", err)
	}
}

func (s *Service) record(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	event.ClinicID = s.clinicID
	if err := s.auditor.Record(ctx, event); err != nil {
		s.logger.Error("failed to record audit event", "event_type", event.EventType, "appointment_id", event.AppointmentID, "error", err)
	}
}

func bookingOutcome(err error) string {
	switch {
	case IsValidation(err):
		return "invalid"
	case IsConflict(err):
		return "conflict"
	case IsNotFound(err):
		return "not_found"
	}
	return "error"
}
