// Package audit keeps an append-only trail of appointment lifecycle events.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventType names what happened to an appointment.
type EventType string

const (
	EventBooked              EventType = "appointment.booked"
	EventConfirmedByOffice   EventType = "appointment.confirmed_by_office"
	EventConfirmedByPatient  EventType = "appointment.confirmed_by_patient"
	EventCancelled           EventType = "appointment.cancelled"
	EventCompleted           EventType = "appointment.completed"
	EventNoShow              EventType = "appointment.no_show"
	EventRescheduled         EventType = "appointment.rescheduled"
	EventConsultationCreated EventType = "consultation.created"
	EventFollowUpCancelled   EventType = "consultation.follow_up_cancelled"
)

// Actor is who triggered the event.
type Actor string

const (
	ActorOffice  Actor = "office"
	ActorPatient Actor = "patient"
	ActorSystem  Actor = "system"
)

// Event is an immutable audit record.
type Event struct {
	ID            string          `json:"id"`
	EventType     EventType       `json:"event_type"`
	ClinicID      string          `json:"clinic_id"`
	AppointmentID string          `json:"appointment_id,omitempty"`
	PatientID     string          `json:"patient_id,omitempty"`
	Actor         Actor           `json:"actor"`
	JobKeys       []string        `json:"job_keys,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Recorder is the write side used by services.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Log writes events to appointment_audit_events.
type Log struct {
	db *sql.DB
}

var _ Recorder = (*Log)(nil)

func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// Record appends an event.
func (l *Log) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Actor == "" {
		event.Actor = ActorSystem
	}

	query := `
		INSERT INTO appointment_audit_events (
			id, event_type, clinic_id, appointment_id, patient_id,
			actor, job_keys, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := l.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.ClinicID,
		nullString(event.AppointmentID),
		nullString(event.PatientID),
		event.Actor,
		pq.Array(event.JobKeys),
		nullJSON(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record event: %w", err)
	}
	return nil
}

// Filter narrows Query.
type Filter struct {
	ClinicID      string
	AppointmentID string
	EventType     EventType
	StartTime     time.Time
	EndTime       time.Time
	Limit         int
}

// Query returns events newest first.
func (l *Log) Query(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT id, event_type, clinic_id, appointment_id, patient_id,
		       actor, job_keys, details, created_at
		FROM appointment_audit_events
		WHERE clinic_id = $1
	`
	args := []any{filter.ClinicID}
	argIdx := 2

	if filter.AppointmentID != "" {
		query += fmt.Sprintf(" AND appointment_id = $%d", argIdx)
		args = append(args, filter.AppointmentID)
		argIdx++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                 Event
			apptID, patientID sql.NullString
			details           []byte
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.ClinicID, &apptID, &patientID,
			&e.Actor, pq.Array(&e.JobKeys), &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: failed to scan event: %w", err)
		}
		e.AppointmentID = apptID.String
		e.PatientID = patientID.String
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Details marshals v for Event.Details, dropping it on error.
func Details(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
