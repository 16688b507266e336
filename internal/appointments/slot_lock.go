package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var errLockNotAcquired = errors.New("appointments: slot lock not acquired")

// SlotLocker serializes bookings of one slot start across API instances.
type SlotLocker interface {
	WithSlotLock(ctx context.Context, start time.Time, fn func(ctx context.Context) error) error
}

type noopLocker struct{}

func (noopLocker) WithSlotLock(ctx context.Context, _ time.Time, fn func(context.Context) error) error {
	return fn(ctx)
}

// RedisSlotLocker holds a per-slot SETNX key for the duration of fn. The
// repository capacity check remains authoritative.
type RedisSlotLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSlotLocker(client *redis.Client, ttl time.Duration) *RedisSlotLocker {
	if client == nil {
		panic("appointments: redis client required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisSlotLocker{client: client, ttl: ttl}
}

func (l *RedisSlotLocker) WithSlotLock(ctx context.Context, start time.Time, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:slot:%s", start.UTC().Format(time.RFC3339))
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("appointments: acquire slot lock: %w", err)
	}
	if !ok {
		return errLockNotAcquired
	}
	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	lockCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()
	return fn(lockCtx)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *RedisSlotLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("appointments: release slot lock: %w", err)
	}
	return nil
}
