// Package jobs schedules, cancels and executes delayed per-appointment
// message jobs.
//
// A job's identity is its deterministic key "{type}-{entityID}". At most one
// active (pending or running) job exists per key; scheduling an existing key
// is rejected with ErrDuplicateJob and leaves the existing job untouched.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Type is the message a job delivers.
type Type string

const (
	TypeConfirmation Type = "confirmacion"
	TypeReminder24h  Type = "recordatorio_24h"
	TypeReminder1h   Type = "recordatorio_1h"
	TypeMarkNoShow   Type = "marcar_no_asistio"
	TypeFollowUp     Type = "seguimiento"
)

// AppointmentTypes are the job types keyed by appointment id.
var AppointmentTypes = []Type{TypeConfirmation, TypeReminder24h, TypeReminder1h, TypeMarkNoShow}

// Payload field names.
const (
	FieldAppointmentID  = "appointment_id"
	FieldConsultationID = "consultation_id"
)

// Status of a stored job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
)

// ClaimLease bounds how long a claimed job may stay running before another
// runner reclaims it.
const ClaimLease = 5 * time.Minute

var (
	ErrDuplicateJob = errors.New("jobs: job with this key already scheduled")
	ErrJobNotFound  = errors.New("jobs: job not found")
	ErrInvalidJob   = errors.New("jobs: invalid job")
)

// Key builds the deterministic job key.
func Key(t Type, entityID string) string {
	return fmt.Sprintf("%s-%s", t, entityID)
}

// Job is one scheduled message.
type Job struct {
	ID          string            `json:"id"`
	Key         string            `json:"key"`
	Type        Type              `json:"type"`
	EntityID    string            `json:"entity_id"`
	ExecuteAt   time.Time         `json:"execute_at"`
	Payload     map[string]string `json:"payload,omitempty"`
	Status      Status            `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	LastError   string            `json:"last_error,omitempty"`
	LeaseUntil  time.Time         `json:"lease_until,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (j Job) validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: id required", ErrInvalidJob)
	case j.Key == "":
		return fmt.Errorf("%w: key required", ErrInvalidJob)
	case j.Type == "":
		return fmt.Errorf("%w: type required", ErrInvalidJob)
	case j.ExecuteAt.IsZero():
		return fmt.Errorf("%w: execute time required", ErrInvalidJob)
	}
	return nil
}

// RetryPolicy is the bounded retry applied to failing executions.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is 3 attempts with exponential backoff from 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: time.Hour}
}

// Delay returns the wait before the next attempt after `attempt` failures.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		attempt = 20
	}
	delay := p.BaseDelay * time.Duration(1<<(attempt-1))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
