package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	failedListCap = 1000
	// maxTxRetries bounds optimistic-lock retries when a watched job hash
	// changes between WATCH and EXEC.
	maxTxRetries = 10
)

// RedisStore is a delay queue on Redis: one hash per job, a sorted set of
// pending keys scored by due time, a sorted set of running keys scored by
// lease expiry and a capped list of failed jobs. Multi-key updates use
// WATCH/MULTI so concurrent cancels and claims cannot interleave.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if client == nil {
		panic("jobs: redis client required")
	}
	if prefix == "" {
		prefix = "jobs"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) jobKey(key string) string { return s.prefix + ":job:" + key }
func (s *RedisStore) pendingKey() string       { return s.prefix + ":pending" }
func (s *RedisStore) runningKey() string       { return s.prefix + ":running" }
func (s *RedisStore) activeKey() string        { return s.prefix + ":active" }
func (s *RedisStore) failedKey() string        { return s.prefix + ":failed" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func (s *RedisStore) Add(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	job.Status = StatusPending
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: marshal job: %w", err)
	}

	hashKey := s.jobKey(job.Key)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, hashKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrDuplicateJob
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, hashKey, "id", job.ID, "data", data)
			p.ZAdd(ctx, s.pendingKey(), redis.Z{Score: score(job.ExecuteAt), Member: job.Key})
			p.SAdd(ctx, s.activeKey(), job.Key)
			return nil
		})
		return err
	}, hashKey)
	switch {
	case errors.Is(err, ErrDuplicateJob):
		return ErrDuplicateJob
	case err != nil:
		return fmt.Errorf("jobs: add job: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Job, error) {
	job, err := s.load(ctx, s.client, key)
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) (bool, error) {
	hashKey := s.jobKey(key)
	removed := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		removed = false
		exists, err := tx.Exists(ctx, hashKey).Result()
		if err != nil || exists == 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			s.unlink(ctx, p, key)
			return nil
		})
		removed = err == nil
		return err
	}, hashKey)
	if err != nil {
		return false, fmt.Errorf("jobs: remove job: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) FindActive(ctx context.Context, t Type, field, value string) ([]Job, error) {
	keys, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: scan active: %w", err)
	}
	var out []Job
	for _, key := range keys {
		job, err := s.load(ctx, s.client, key)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Type == t && job.Payload[field] == value {
			out = append(out, job)
		}
	}
	sortByExecuteAt(out)
	return out, nil
}

func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	max := strconv.FormatFloat(score(now), 'f', 0, 64)
	by := &redis.ZRangeBy{Min: "-inf", Max: max}
	if limit > 0 {
		by.Count = int64(limit)
	}
	due, err := s.client.ZRangeByScore(ctx, s.pendingKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: list due: %w", err)
	}
	expired, err := s.client.ZRangeByScore(ctx, s.runningKey(), &redis.ZRangeBy{Min: "-inf", Max: "(" + max}).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: list expired leases: %w", err)
	}

	var claimed []Job
	for _, key := range append(due, expired...) {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		job, ok, err := s.claim(ctx, key, now)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, job)
		}
	}
	sortByExecuteAt(claimed)
	return claimed, nil
}

func (s *RedisStore) claim(ctx context.Context, key string, now time.Time) (Job, bool, error) {
	hashKey := s.jobKey(key)
	var claimed Job
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		job, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if job.Status == StatusRunning && !job.LeaseUntil.Before(now) {
			return ErrJobNotFound
		}
		job.Status = StatusRunning
		job.Attempts++
		job.LeaseUntil = now.Add(ClaimLease)
		job.UpdatedAt = now
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, hashKey, "data", data)
			p.ZRem(ctx, s.pendingKey(), key)
			p.ZAdd(ctx, s.runningKey(), redis.Z{Score: score(job.LeaseUntil), Member: key})
			return nil
		})
		claimed = job
		return err
	}, hashKey)
	switch {
	case errors.Is(err, ErrJobNotFound), errors.Is(err, redis.TxFailedErr):
		return Job{}, false, nil
	case err != nil:
		return Job{}, false, fmt.Errorf("jobs: claim %s: %w", key, err)
	}
	return claimed, true, nil
}

func (s *RedisStore) Complete(ctx context.Context, key, id string) error {
	return s.mutate(ctx, key, id, func(p redis.Pipeliner, _ Job) error {
		s.unlink(ctx, p, key)
		return nil
	})
}

func (s *RedisStore) Reschedule(ctx context.Context, key, id string, at time.Time, lastErr string) error {
	return s.mutate(ctx, key, id, func(p redis.Pipeliner, job Job) error {
		if job.Status != StatusRunning {
			return nil
		}
		job.Status = StatusPending
		job.ExecuteAt = at
		job.LastError = lastErr
		job.LeaseUntil = time.Time{}
		job.UpdatedAt = at
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		p.HSet(ctx, s.jobKey(key), "data", data)
		p.ZRem(ctx, s.runningKey(), key)
		p.ZAdd(ctx, s.pendingKey(), redis.Z{Score: score(at), Member: key})
		return nil
	})
}

func (s *RedisStore) Fail(ctx context.Context, key, id string, lastErr string) error {
	return s.mutate(ctx, key, id, func(p redis.Pipeliner, job Job) error {
		job.Status = StatusFailed
		job.LastError = lastErr
		job.LeaseUntil = time.Time{}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		s.unlink(ctx, p, key)
		p.LPush(ctx, s.failedKey(), data)
		p.LTrim(ctx, s.failedKey(), 0, failedListCap-1)
		return nil
	})
}

func (s *RedisStore) ListFailed(ctx context.Context, limit int) ([]Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.LRange(ctx, s.failedKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: list failed: %w", err)
	}
	out := make([]Job, 0, len(raw))
	for _, item := range raw {
		var job Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			return nil, fmt.Errorf("jobs: decode failed job: %w", err)
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) Requeue(ctx context.Context, key string, at time.Time) (Job, error) {
	raw, err := s.client.LRange(ctx, s.failedKey(), 0, -1).Result()
	if err != nil {
		return Job{}, fmt.Errorf("jobs: list failed: %w", err)
	}
	for _, item := range raw {
		var job Job
		if err := json.Unmarshal([]byte(item), &job); err != nil || job.Key != key {
			continue
		}
		job.Attempts = 0
		job.LastError = ""
		job.ExecuteAt = at
		job.UpdatedAt = at
		if err := s.Add(ctx, job); err != nil {
			return Job{}, err
		}
		if err := s.client.LRem(ctx, s.failedKey(), 1, item).Err(); err != nil {
			return Job{}, fmt.Errorf("jobs: drop failed entry: %w", err)
		}
		job.Status = StatusPending
		return job, nil
	}
	return Job{}, ErrJobNotFound
}

// mutate applies fn to the job only when its id still matches.
func (s *RedisStore) mutate(ctx context.Context, key, id string, fn func(redis.Pipeliner, Job) error) error {
	hashKey := s.jobKey(key)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		job, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if job.ID != id {
			return ErrJobNotFound
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return fn(p, job)
		})
		return err
	}, hashKey)
	if err == nil || errors.Is(err, ErrJobNotFound) {
		return nil
	}
	return fmt.Errorf("jobs: update %s: %w", key, err)
}

// watch runs fn in a WATCH transaction on keys, retrying when another client
// touched a watched key before EXEC. fn re-reads state on every attempt.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (s *RedisStore) unlink(ctx context.Context, p redis.Pipeliner, key string) {
	p.Del(ctx, s.jobKey(key))
	p.ZRem(ctx, s.pendingKey(), key)
	p.ZRem(ctx, s.runningKey(), key)
	p.SRem(ctx, s.activeKey(), key)
}

type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c hashReader, key string) (Job, error) {
	data, err := c.HGet(ctx, s.jobKey(key), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("jobs: load %s: %w", key, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("jobs: decode %s: %w", key, err)
	}
	return job, nil
}
