package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a delayed-task table. A partial unique index on job_key
// over non-failed rows enforces one active job per key.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db DB) *PostgresStore {
	if db == nil {
		panic("jobs: db required")
	}
	return &PostgresStore{db: db}
}

const jobColumns = `id, job_key, job_type, entity_id, payload, execute_at, status, attempts, max_attempts, last_error, lease_until, created_at, updated_at`

func (s *PostgresStore) Add(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(nonNilPayload(job.Payload))
	if err != nil {
		return fmt.Errorf("jobs: marshal payload: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO scheduled_jobs (id, job_key, job_type, entity_id, payload, execute_at, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8, $8)
		ON CONFLICT (job_key) WHERE status <> 'failed' DO NOTHING`,
		job.ID, job.Key, string(job.Type), job.EntityID, payload, job.ExecuteAt.UTC(), job.MaxAttempts, job.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("jobs: insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateJob
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE job_key = $1 AND status <> 'failed'`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

func (s *PostgresStore) Remove(ctx context.Context, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM scheduled_jobs WHERE job_key = $1 AND status <> 'failed'`, key)
	if err != nil {
		return false, fmt.Errorf("jobs: remove job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FindActive(ctx context.Context, t Type, field, value string) ([]Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_jobs
		WHERE job_type = $1 AND status <> 'failed' AND payload->>$2 = $3
		ORDER BY execute_at`,
		string(t), field, value,
	)
	if err != nil {
		return nil, fmt.Errorf("jobs: scan active: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE scheduled_jobs
		SET status = 'running', attempts = attempts + 1, lease_until = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE (status = 'pending' AND execute_at <= $1)
			   OR (status = 'running' AND lease_until < $1)
			ORDER BY execute_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now.UTC(), now.UTC().Add(ClaimLease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("jobs: claim due: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sortByExecuteAt(jobs)
	return jobs, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM scheduled_jobs WHERE job_key = $1 AND id = $2`, key, id); err != nil {
		return fmt.Errorf("jobs: complete job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reschedule(ctx context.Context, key, id string, at time.Time, lastErr string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = 'pending', execute_at = $3, last_error = $4, lease_until = NULL, updated_at = now()
		WHERE job_key = $1 AND id = $2 AND status = 'running'`,
		key, id, at.UTC(), lastErr,
	)
	if err != nil {
		return fmt.Errorf("jobs: reschedule job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, key, id string, lastErr string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = 'failed', last_error = $3, lease_until = NULL, updated_at = now()
		WHERE job_key = $1 AND id = $2 AND status <> 'failed'`,
		key, id, lastErr,
	)
	if err != nil {
		return fmt.Errorf("jobs: fail job: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_jobs
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("jobs: list failed: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) Requeue(ctx context.Context, key string, at time.Time) (Job, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE scheduled_jobs
		SET status = 'pending', attempts = 0, last_error = NULL, execute_at = $2, updated_at = now()
		WHERE id = (
			SELECT id FROM scheduled_jobs
			WHERE job_key = $1 AND status = 'failed'
			ORDER BY updated_at DESC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		key, at.UTC(),
	)
	job, err := scanJob(row)
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Job{}, ErrJobNotFound
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		return Job{}, ErrDuplicateJob
	case err != nil:
		return Job{}, fmt.Errorf("jobs: requeue job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		job       Job
		jobType   string
		status    string
		payload   []byte
		lastError *string
		lease     *time.Time
	)
	err := row.Scan(&job.ID, &job.Key, &jobType, &job.EntityID, &payload, &job.ExecuteAt, &status,
		&job.Attempts, &job.MaxAttempts, &lastError, &lease, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	job.Type = Type(jobType)
	job.Status = Status(status)
	if lastError != nil {
		job.LastError = *lastError
	}
	if lease != nil {
		job.LeaseUntil = *lease
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return Job{}, fmt.Errorf("jobs: decode payload: %w", err)
		}
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobs: scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func nonNilPayload(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}
