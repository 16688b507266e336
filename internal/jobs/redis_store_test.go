package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test-jobs"), mr
}

func TestRedisStoreAddRejectsDuplicates(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()
	job := sampleJob()

	require.NoError(t, store.Add(ctx, job))
	assert.True(t, mr.Exists("test-jobs:job:recordatorio_24h-apt-1"))

	dup := job
	dup.ID = "job-2"
	assert.ErrorIs(t, store.Add(ctx, dup), ErrDuplicateJob)

	stored, err := store.Get(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, "job-1", stored.ID)
}

func TestRedisStoreRemove(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, sampleJob()))

	removed, err := store.Remove(ctx, "recordatorio_24h-apt-1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Remove(ctx, "recordatorio_24h-apt-1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = store.Get(ctx, "recordatorio_24h-apt-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// interleaveHook runs fn once, right before the first MULTI/EXEC pipeline of
// the hooked client reaches Redis.
type interleaveHook struct {
	once sync.Once
	fn   func()
}

func (h *interleaveHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *interleaveHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *interleaveHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.once.Do(h.fn)
		return next(ctx, cmds)
	}
}

// setupRacingRedisStores returns two stores sharing one server. The first
// store's client runs fn between its WATCH and its first EXEC.
func setupRacingRedisStores(t *testing.T, fn func(other *RedisStore)) (*RedisStore, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	otherClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = otherClient.Close() })
	other := NewRedisStore(otherClient, "test-jobs")

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	client.AddHook(&interleaveHook{fn: func() { fn(other) }})
	return NewRedisStore(client, "test-jobs"), other
}

func TestRedisStoreRemoveRetriesAfterConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	var claimed []Job
	store, other := setupRacingRedisStores(t, func(other *RedisStore) {
		var err error
		claimed, err = other.ClaimDue(ctx, t0, 10)
		require.NoError(t, err)
	})
	require.NoError(t, other.Add(ctx, sampleJob()))

	removed, err := store.Remove(ctx, "recordatorio_24h-apt-1")
	require.NoError(t, err)
	assert.True(t, removed)
	require.Len(t, claimed, 1)

	_, err = store.Get(ctx, "recordatorio_24h-apt-1")
	assert.ErrorIs(t, err, ErrJobNotFound)

	// The worker's late completion must not touch the replacement job.
	fresh := sampleJob()
	fresh.ID = "job-2"
	require.NoError(t, store.Add(ctx, fresh))
	require.NoError(t, other.Complete(ctx, claimed[0].Key, claimed[0].ID))

	stored, err := store.Get(ctx, fresh.Key)
	require.NoError(t, err)
	assert.Equal(t, "job-2", stored.ID)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestRedisStoreAddRetriesWhenKeyTouchedConcurrently(t *testing.T) {
	ctx := context.Background()
	store, _ := setupRacingRedisStores(t, func(other *RedisStore) {
		require.NoError(t, other.client.HSet(ctx, other.jobKey("recordatorio_24h-apt-1"), "id", "stale").Err())
		require.NoError(t, other.client.Del(ctx, other.jobKey("recordatorio_24h-apt-1")).Err())
	})

	require.NoError(t, store.Add(ctx, sampleJob()))

	stored, err := store.Get(ctx, "recordatorio_24h-apt-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", stored.ID)
}

func TestRedisStoreClaimCompleteFlow(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()
	job := sampleJob()
	require.NoError(t, store.Add(ctx, job))

	claimed, err := store.ClaimDue(ctx, t0.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = store.ClaimDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, StatusRunning, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)

	again, err := store.ClaimDue(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again, "running job is leased")

	require.NoError(t, store.Complete(ctx, job.Key, "someone-else"))
	_, err = store.Get(ctx, job.Key)
	require.NoError(t, err, "fenced complete must not remove the job")

	require.NoError(t, store.Complete(ctx, job.Key, job.ID))
	_, err = store.Get(ctx, job.Key)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRedisStoreRescheduleAndLeaseExpiry(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()
	job := sampleJob()
	require.NoError(t, store.Add(ctx, job))

	_, err := store.ClaimDue(ctx, t0, 10)
	require.NoError(t, err)
	require.NoError(t, store.Reschedule(ctx, job.Key, job.ID, t0.Add(5*time.Second), "timeout"))

	stored, err := store.Get(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, "timeout", stored.LastError)

	claimed, err := store.ClaimDue(ctx, t0.Add(5*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)

	reclaimed, err := store.ClaimDue(ctx, t0.Add(5*time.Second+ClaimLease+time.Second), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 3, reclaimed[0].Attempts)
}

func TestRedisStoreFailListAndRequeue(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()
	job := sampleJob()
	require.NoError(t, store.Add(ctx, job))
	_, err := store.ClaimDue(ctx, t0, 10)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, job.Key, job.ID, "gave up"))
	_, err = store.Get(ctx, job.Key)
	assert.ErrorIs(t, err, ErrJobNotFound)

	failed, err := store.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, StatusFailed, failed[0].Status)
	assert.Equal(t, "gave up", failed[0].LastError)

	requeued, err := store.Requeue(ctx, job.Key, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, requeued.Status)
	assert.Zero(t, requeued.Attempts)

	failed, err = store.ListFailed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)

	_, err = store.Requeue(ctx, job.Key, t0)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRedisStoreFindActive(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	for i, cons := range []string{"cons-1", "cons-1", "cons-2"} {
		job := Job{
			ID:        "id-" + string(rune('a'+i)),
			Key:       "seguimiento-" + string(rune('a'+i)),
			Type:      TypeFollowUp,
			EntityID:  cons,
			ExecuteAt: t0.Add(time.Duration(i) * time.Hour),
			Payload:   map[string]string{FieldConsultationID: cons},
		}
		require.NoError(t, store.Add(ctx, job))
	}

	matches, err := store.FindActive(ctx, TypeFollowUp, FieldConsultationID, "cons-1")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "seguimiento-a", matches[0].Key)
	assert.Equal(t, "seguimiento-b", matches[1].Key)
}
