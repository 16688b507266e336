package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the pgx surface the repository needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PostgresRepository stores appointments in Postgres. Capacity checks run in
// serializable transactions so two concurrent bookings of the same slot
// cannot both commit.
type PostgresRepository struct {
	db DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db DB) *PostgresRepository {
	if db == nil {
		panic("appointments: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const appointmentColumns = `id, patient_id, start_at, duration_minutes, status, confirmation_status, access_code, COALESCE(calendar_event_id, ''), COALESCE(notes, ''), COALESCE(cancel_reason, ''), created_at, updated_at`

const patientColumns = `id, name, COALESCE(phone, ''), COALESCE(email, ''), created_at`

func (r *PostgresRepository) CreatePatient(ctx context.Context, p *Patient) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO patients (id, name, phone, email, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)`,
		p.ID, p.Name, p.Phone, p.Email, p.CreatedAt.UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrIdentityConflict
	}
	if err != nil {
		return fmt.Errorf("appointments: insert patient: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return scanPatient(r.db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id))
}

func (r *PostgresRepository) FindPatientByPhone(ctx context.Context, phone string) (*Patient, error) {
	return scanPatient(r.db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE phone = $1`, phone))
}

func (r *PostgresRepository) FindPatientByEmail(ctx context.Context, email string) (*Patient, error) {
	return scanPatient(r.db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE email = $1`, email))
}

func (r *PostgresRepository) CreateAppointment(ctx context.Context, appt *Appointment, maxSimultaneous int) error {
	err := r.inSerializableTx(ctx, func(tx pgx.Tx) error {
		if err := checkCapacity(ctx, tx, appt.Start, appt.End(), "", maxSimultaneous); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO appointments (id, patient_id, start_at, end_at, duration_minutes, status, confirmation_status, access_code, notes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $10)`,
			appt.ID, appt.PatientID, appt.Start.UTC(), appt.End().UTC(), appt.DurationMinutes,
			string(appt.Status), string(appt.ConfirmationStatus), appt.AccessCode, appt.Notes, appt.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return mapWriteError("insert appointment", err)
	}
	return nil
}

func checkCapacity(ctx context.Context, tx pgx.Tx, start, end time.Time, exclude string, maxSimultaneous int) error {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE status <> 'cancelled' AND start_at < $2 AND end_at > $1 AND id <> $3`,
		start.UTC(), end.UTC(), exclude,
	).Scan(&n)
	if err != nil {
		return err
	}
	if n >= maxSimultaneous {
		return ErrSlotUnavailable
	}
	return nil
}

func (r *PostgresRepository) inSerializableTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mapWriteError turns serialization, exclusion and unique violations into
// conflicts.
func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "23P01":
			return ErrSlotUnavailable
		case "23505":
			if pgErr.ConstraintName == "appointments_access_code_key" {
				return ErrCodeCollision
			}
			return ErrSlotUnavailable
		}
	}
	if errors.Is(err, ErrSlotUnavailable) || errors.Is(err, ErrTerminalState) || errors.Is(err, ErrAppointmentNotFound) {
		return err
	}
	return fmt.Errorf("appointments: %s: %w", op, err)
}

func (r *PostgresRepository) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	return scanAppointment(r.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
}

func (r *PostgresRepository) GetByAccessCode(ctx context.Context, code string) (*Appointment, error) {
	return scanAppointment(r.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE access_code = $1`, code))
}

func (r *PostgresRepository) AccessCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE access_code = $1)`, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("appointments: check access code: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) ListAppointmentsBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status <> 'cancelled' AND start_at < $2 AND end_at > $1
		ORDER BY start_at`,
		from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("appointments: list between: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *appt)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ActiveAppointmentForPatient(ctx context.Context, patientID string, now time.Time) (*Appointment, error) {
	return scanAppointment(r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1 AND status IN ('pending', 'confirmed') AND start_at > $2
		ORDER BY start_at
		LIMIT 1`,
		patientID, now.UTC(),
	))
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, change StatusChange) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    confirmation_status = COALESCE(NULLIF($3, ''), confirmation_status),
		    cancel_reason = COALESCE(NULLIF($4, ''), cancel_reason),
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'confirmed')
		RETURNING `+appointmentColumns,
		id, string(change.Status), string(change.Confirmation), change.Reason,
	)
	return r.activeUpdateResult(ctx, id, row)
}

func (r *PostgresRepository) UpdateConfirmation(ctx context.Context, id string, status ConfirmationStatus) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET confirmation_status = $2, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'confirmed')
		RETURNING `+appointmentColumns,
		id, string(status),
	)
	return r.activeUpdateResult(ctx, id, row)
}

// activeUpdateResult scans a conditional update and tells a missing row from
// a terminal one.
func (r *PostgresRepository) activeUpdateResult(ctx context.Context, id string, row pgx.Row) (*Appointment, error) {
	appt, err := scanAppointment(row)
	if !errors.Is(err, ErrAppointmentNotFound) {
		return appt, err
	}
	if _, getErr := r.GetAppointment(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrTerminalState
}

func (r *PostgresRepository) UpdateStart(ctx context.Context, id string, start time.Time, maxSimultaneous int) (*Appointment, error) {
	var updated *Appointment
	err := r.inSerializableTx(ctx, func(tx pgx.Tx) error {
		current, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if !current.Status.Active() {
			return ErrTerminalState
		}
		end := start.Add(current.Duration())
		if err := checkCapacity(ctx, tx, start, end, id, maxSimultaneous); err != nil {
			return err
		}
		updated, err = scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointments
			SET start_at = $2, end_at = $3, confirmation_status = 'pending', updated_at = now()
			WHERE id = $1
			RETURNING `+appointmentColumns,
			id, start.UTC(), end.UTC(),
		))
		return err
	})
	if err != nil {
		return nil, mapWriteError("reschedule appointment", err)
	}
	return updated, nil
}

func (r *PostgresRepository) CalendarEventID(ctx context.Context, appointmentID string) (string, error) {
	var eventID string
	err := r.db.QueryRow(ctx, `SELECT COALESCE(calendar_event_id, '') FROM appointments WHERE id = $1`, appointmentID).Scan(&eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrAppointmentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("appointments: load calendar event: %w", err)
	}
	return eventID, nil
}

func (r *PostgresRepository) SetCalendarEventID(ctx context.Context, appointmentID, eventID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE appointments SET calendar_event_id = $2, updated_at = now() WHERE id = $1`, appointmentID, eventID)
	if err != nil {
		return fmt.Errorf("appointments: set calendar event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PostgresRepository) CreateConsultation(ctx context.Context, c *Consultation) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO consultations (id, appointment_id, patient_id, notes, follow_up_at, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		c.ID, c.AppointmentID, c.PatientID, c.Notes, c.FollowUpAt, c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("appointments: insert consultation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetConsultation(ctx context.Context, id string) (*Consultation, error) {
	var c Consultation
	var notes *string
	err := r.db.QueryRow(ctx, `
		SELECT id, appointment_id, patient_id, notes, follow_up_at, created_at
		FROM consultations WHERE id = $1`, id,
	).Scan(&c.ID, &c.AppointmentID, &c.PatientID, &notes, &c.FollowUpAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConsultationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: load consultation: %w", err)
	}
	if notes != nil {
		c.Notes = *notes
	}
	return &c, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.Email, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: scan patient: %w", err)
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a            Appointment
		status       string
		confirmation string
	)
	err := row.Scan(&a.ID, &a.PatientID, &a.Start, &a.DurationMinutes, &status, &confirmation,
		&a.AccessCode, &a.CalendarEventID, &a.Notes, &a.CancelReason, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: scan appointment: %w", err)
	}
	a.Status = Status(status)
	a.ConfirmationStatus = ConfirmationStatus(confirmation)
	a.Start = a.Start.UTC()
	return &a, nil
}
