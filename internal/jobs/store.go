package jobs

import (
	"context"
	"time"
)

// Store is the queue backing the scheduler. Implementations must be safe for
// concurrent use. Mutations after a claim are fenced by (key, id) so a job
// that was cancelled and re-scheduled under the same key is never touched by
// the stale execution.
type Store interface {
	// Add inserts a pending job. ErrDuplicateJob if the key is active.
	Add(ctx context.Context, job Job) error
	// Get returns the active job for key.
	Get(ctx context.Context, key string) (Job, error)
	// Remove deletes the active job for key. Missing keys report false.
	Remove(ctx context.Context, key string) (bool, error)
	// FindActive scans active jobs of type t whose payload field equals value.
	FindActive(ctx context.Context, t Type, field, value string) ([]Job, error)
	// ClaimDue moves due pending jobs, and running jobs whose lease expired,
	// to running and increments their attempt count.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// Complete deletes a running job after success.
	Complete(ctx context.Context, key, id string) error
	// Reschedule returns a running job to pending at the given time.
	Reschedule(ctx context.Context, key, id string, at time.Time, lastErr string) error
	// Fail parks a job in the failed list.
	Fail(ctx context.Context, key, id string, lastErr string) error
	// ListFailed returns failed jobs, most recent first.
	ListFailed(ctx context.Context, limit int) ([]Job, error)
	// Requeue moves the latest failed job for key back to pending.
	Requeue(ctx context.Context, key string, at time.Time) (Job, error)
}
