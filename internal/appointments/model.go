// Package appointments owns the appointment lifecycle: booking, office and
// patient confirmation, cancellation, rescheduling, completion and no-show,
// plus the message jobs that follow each appointment.
package appointments

import (
	"strings"
	"time"
)

// Status is the office-facing lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Active reports whether the appointment still occupies its slot and has
// pending messages.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

// ConfirmationStatus tracks the patient's side of the conversation.
type ConfirmationStatus string

const (
	ConfirmationPending      ConfirmationStatus = "pending"
	ConfirmationReminderSent ConfirmationStatus = "reminder_sent"
	ConfirmationConfirmed    ConfirmationStatus = "confirmed_by_patient"
	ConfirmationCancelled    ConfirmationStatus = "cancelled_by_patient"
)

// Patient is the person an appointment belongs to.
type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Appointment is one booked visit. Start is stored in UTC.
type Appointment struct {
	ID                 string             `json:"id"`
	PatientID          string             `json:"patient_id"`
	Start              time.Time          `json:"start"`
	DurationMinutes    int                `json:"duration_minutes"`
	Status             Status             `json:"status"`
	ConfirmationStatus ConfirmationStatus `json:"confirmation_status"`
	AccessCode         string             `json:"access_code"`
	CalendarEventID    string             `json:"calendar_event_id,omitempty"`
	Notes              string             `json:"notes,omitempty"`
	CancelReason       string             `json:"cancel_reason,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func (a *Appointment) Duration() time.Duration {
	return time.Duration(a.DurationMinutes) * time.Minute
}

func (a *Appointment) End() time.Time {
	return a.Start.Add(a.Duration())
}

// Overlaps reports whether a occupies any part of [start, end).
func (a *Appointment) Overlaps(start, end time.Time) bool {
	return a.Start.Before(end) && a.End().After(start)
}

// Consultation records what happened during a completed visit.
type Consultation struct {
	ID            string     `json:"id"`
	AppointmentID string     `json:"appointment_id"`
	PatientID     string     `json:"patient_id"`
	Notes         string     `json:"notes,omitempty"`
	FollowUpAt    *time.Time `json:"follow_up_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// StatusChange is a conditional transition applied by the repository. It
// only applies while the appointment is active.
type StatusChange struct {
	Status       Status
	Confirmation ConfirmationStatus
	Reason       string
}

// NormalizeCode upper-cases and trims a patient-supplied access code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
