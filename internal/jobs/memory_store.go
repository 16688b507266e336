package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process. Combined with a ManualClock it is the
// deterministic scheduler used in tests and single-process deployments.
type MemoryStore struct {
	mu     sync.Mutex
	active map[string]*Job
	failed []Job
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{active: make(map[string]*Job)}
}

func (s *MemoryStore) Add(_ context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.active[job.Key]; exists {
		return ErrDuplicateJob
	}
	job.Status = StatusPending
	job.Payload = copyPayload(job.Payload)
	s.active[job.Key] = &job
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.active[key]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return clone(job), nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[key]; !ok {
		return false, nil
	}
	delete(s.active, key)
	return true, nil
}

func (s *MemoryStore) FindActive(_ context.Context, t Type, field, value string) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, job := range s.active {
		if job.Type == t && job.Payload[field] == value {
			out = append(out, clone(job))
		}
	}
	sortByExecuteAt(out)
	return out, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, job := range s.active {
		switch {
		case job.Status == StatusPending && !job.ExecuteAt.After(now):
			due = append(due, job)
		case job.Status == StatusRunning && job.LeaseUntil.Before(now):
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExecuteAt.Before(due[j].ExecuteAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Job, 0, len(due))
	for _, job := range due {
		job.Status = StatusRunning
		job.Attempts++
		job.LeaseUntil = now.Add(ClaimLease)
		job.UpdatedAt = now
		out = append(out, clone(job))
	}
	return out, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.active[key]; ok && job.ID == id {
		delete(s.active, key)
	}
	return nil
}

func (s *MemoryStore) Reschedule(_ context.Context, key, id string, at time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.active[key]; ok && job.ID == id && job.Status == StatusRunning {
		job.Status = StatusPending
		job.ExecuteAt = at
		job.LastError = lastErr
		job.LeaseUntil = time.Time{}
		job.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, key, id string, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.active[key]
	if !ok || job.ID != id {
		return nil
	}
	delete(s.active, key)
	failed := clone(job)
	failed.Status = StatusFailed
	failed.LastError = lastErr
	failed.LeaseUntil = time.Time{}
	s.failed = append(s.failed, failed)
	return nil
}

func (s *MemoryStore) ListFailed(_ context.Context, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.failed))
	for i := len(s.failed) - 1; i >= 0; i-- {
		out = append(out, s.failed[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Requeue(_ context.Context, key string, at time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.active[key]; exists {
		return Job{}, ErrDuplicateJob
	}
	for i := len(s.failed) - 1; i >= 0; i-- {
		if s.failed[i].Key != key {
			continue
		}
		job := s.failed[i]
		s.failed = append(s.failed[:i], s.failed[i+1:]...)
		job.Status = StatusPending
		job.Attempts = 0
		job.LastError = ""
		job.ExecuteAt = at
		job.UpdatedAt = at
		s.active[key] = &job
		return clone(&job), nil
	}
	return Job{}, ErrJobNotFound
}

// Len reports the number of active jobs.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func clone(job *Job) Job {
	out := *job
	out.Payload = copyPayload(job.Payload)
	return out
}

func copyPayload(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func sortByExecuteAt(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ExecuteAt.Before(jobs[j].ExecuteAt) })
}
