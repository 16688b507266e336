package appointments

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Repository persists patients, appointments and consultations.
type Repository interface {
	CreatePatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id string) (*Patient, error)
	FindPatientByPhone(ctx context.Context, phone string) (*Patient, error)
	FindPatientByEmail(ctx context.Context, email string) (*Patient, error)

	// CreateAppointment inserts appt unless maxSimultaneous non-cancelled
	// appointments already overlap it, in which case ErrSlotUnavailable.
	CreateAppointment(ctx context.Context, appt *Appointment, maxSimultaneous int) error
	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	GetByAccessCode(ctx context.Context, code string) (*Appointment, error)
	AccessCodeExists(ctx context.Context, code string) (bool, error)
	// ListAppointmentsBetween returns non-cancelled appointments overlapping
	// [from, to), ordered by start.
	ListAppointmentsBetween(ctx context.Context, from, to time.Time) ([]Appointment, error)
	// ActiveAppointmentForPatient returns the patient's pending or confirmed
	// appointment starting after now, or ErrAppointmentNotFound.
	ActiveAppointmentForPatient(ctx context.Context, patientID string, now time.Time) (*Appointment, error)
	// UpdateStatus applies change while the appointment is active and
	// returns ErrTerminalState otherwise.
	UpdateStatus(ctx context.Context, id string, change StatusChange) (*Appointment, error)
	// UpdateConfirmation sets the patient confirmation of an active
	// appointment.
	UpdateConfirmation(ctx context.Context, id string, status ConfirmationStatus) (*Appointment, error)
	// UpdateStart moves an active appointment, subject to the same capacity
	// check as CreateAppointment, and resets its confirmation to pending.
	UpdateStart(ctx context.Context, id string, start time.Time, maxSimultaneous int) (*Appointment, error)
	CalendarEventID(ctx context.Context, appointmentID string) (string, error)
	SetCalendarEventID(ctx context.Context, appointmentID, eventID string) error

	CreateConsultation(ctx context.Context, c *Consultation) error
	GetConsultation(ctx context.Context, id string) (*Consultation, error)
}

// InMemoryRepository is a Repository guarded by one mutex, so capacity
// checks and inserts are atomic.
type InMemoryRepository struct {
	mu            sync.RWMutex
	patients      map[string]*Patient
	appointments  map[string]*Appointment
	consultations map[string]*Consultation
	now           func() time.Time
}

var _ Repository = (*InMemoryRepository)(nil)

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		patients:      make(map[string]*Patient),
		appointments:  make(map[string]*Appointment),
		consultations: make(map[string]*Consultation),
		now:           time.Now,
	}
}

func (r *InMemoryRepository) CreatePatient(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.patients[p.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetPatient(_ context.Context, id string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepository) FindPatientByPhone(_ context.Context, phone string) (*Patient, error) {
	return r.findPatient(func(p *Patient) bool { return phone != "" && p.Phone == phone })
}

func (r *InMemoryRepository) FindPatientByEmail(_ context.Context, email string) (*Patient, error) {
	return r.findPatient(func(p *Patient) bool { return email != "" && p.Email == email })
}

func (r *InMemoryRepository) findPatient(match func(*Patient) bool) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.patients {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (r *InMemoryRepository) CreateAppointment(_ context.Context, appt *Appointment, maxSimultaneous int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.appointments {
		if existing.AccessCode == appt.AccessCode {
			return ErrCodeCollision
		}
	}
	if r.overlapping(appt.Start, appt.End(), "") >= maxSimultaneous {
		return ErrSlotUnavailable
	}
	cp := *appt
	r.appointments[appt.ID] = &cp
	return nil
}

func (r *InMemoryRepository) overlapping(start, end time.Time, exclude string) int {
	n := 0
	for id, a := range r.appointments {
		if id == exclude || a.Status == StatusCancelled {
			continue
		}
		if a.Overlaps(start, end) {
			n++
		}
	}
	return n
}

func (r *InMemoryRepository) GetAppointment(_ context.Context, id string) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *InMemoryRepository) GetByAccessCode(_ context.Context, code string) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.appointments {
		if a.AccessCode == code {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *InMemoryRepository) AccessCodeExists(ctx context.Context, code string) (bool, error) {
	_, err := r.GetByAccessCode(ctx, code)
	if errors.Is(err, ErrAppointmentNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *InMemoryRepository) ListAppointmentsBetween(_ context.Context, from, to time.Time) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Appointment
	for _, a := range r.appointments {
		if a.Status != StatusCancelled && a.Overlaps(from, to) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (r *InMemoryRepository) ActiveAppointmentForPatient(_ context.Context, patientID string, now time.Time) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Appointment
	for _, a := range r.appointments {
		if a.PatientID != patientID || !a.Status.Active() || !a.Start.After(now) {
			continue
		}
		if found == nil || a.Start.Before(found.Start) {
			found = a
		}
	}
	if found == nil {
		return nil, ErrAppointmentNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *InMemoryRepository) UpdateStatus(_ context.Context, id string, change StatusChange) (*Appointment, error) {
	return r.mutateActive(id, func(a *Appointment) error {
		a.Status = change.Status
		if change.Confirmation != "" {
			a.ConfirmationStatus = change.Confirmation
		}
		if change.Reason != "" {
			a.CancelReason = change.Reason
		}
		return nil
	})
}

func (r *InMemoryRepository) UpdateConfirmation(_ context.Context, id string, status ConfirmationStatus) (*Appointment, error) {
	return r.mutateActive(id, func(a *Appointment) error {
		a.ConfirmationStatus = status
		return nil
	})
}

func (r *InMemoryRepository) UpdateStart(_ context.Context, id string, start time.Time, maxSimultaneous int) (*Appointment, error) {
	return r.mutateActive(id, func(a *Appointment) error {
		end := start.Add(a.Duration())
		if r.overlapping(start, end, id) >= maxSimultaneous {
			return ErrSlotUnavailable
		}
		a.Start = start
		a.ConfirmationStatus = ConfirmationPending
		return nil
	})
}

func (r *InMemoryRepository) mutateActive(id string, fn func(*Appointment) error) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if !a.Status.Active() {
		return nil, ErrTerminalState
	}
	next := *a
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = r.now().UTC()
	*a = next
	return &next, nil
}

func (r *InMemoryRepository) CalendarEventID(_ context.Context, appointmentID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[appointmentID]
	if !ok {
		return "", ErrAppointmentNotFound
	}
	return a.CalendarEventID, nil
}

func (r *InMemoryRepository) SetCalendarEventID(_ context.Context, appointmentID, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[appointmentID]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.CalendarEventID = eventID
	return nil
}

func (r *InMemoryRepository) CreateConsultation(_ context.Context, c *Consultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.consultations[c.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetConsultation(_ context.Context, id string) (*Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consultations[id]
	if !ok {
		return nil, ErrConsultationNotFound
	}
	cp := *c
	return &cp, nil
}
