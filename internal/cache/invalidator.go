// Package cache drops cached appointment reads after a write.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

const (
	detailKeyPrefix = "appointments:detail:"
	listKeyPrefix   = "appointments:list:"
	scanBatch       = 100
)

// DetailKey is the cache key of one appointment.
func DetailKey(appointmentID string) string {
	return detailKeyPrefix + appointmentID
}

// ListKeyPattern matches every cached list page of a day ("2006-01-02").
func ListKeyPattern(date string) string {
	return listKeyPrefix + date + "*"
}

// RedisInvalidator deletes the detail key of an appointment and the list keys
// of its day.
type RedisInvalidator struct {
	client *redis.Client
	logger *logging.Logger
}

func NewRedisInvalidator(client *redis.Client, logger *logging.Logger) *RedisInvalidator {
	if client == nil {
		panic("cache: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisInvalidator{client: client, logger: logger}
}

// InvalidateAppointment removes cached reads. Either id or date may be empty.
func (c *RedisInvalidator) InvalidateAppointment(ctx context.Context, appointmentID, date string) error {
	if appointmentID == "" && date == "" {
		return errors.New("cache: appointment id or date required")
	}
	keys := []string{}
	if appointmentID != "" {
		keys = append(keys, DetailKey(appointmentID))
	}
	if date != "" {
		listKeys, err := c.scan(ctx, ListKeyPattern(date))
		if err != nil {
			return err
		}
		keys = append(keys, listKeys...)
	}
	if len(keys) == 0 {
		return nil
	}
	removed, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("cache: delete keys: %w", err)
	}
	c.logger.Debug("cache invalidated", "appointment_id", appointmentID, "date", date, "removed", removed)
	return nil
}

func (c *RedisInvalidator) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("cache: scan %s: %w", pattern, err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// NoopInvalidator is used when no Redis is configured.
type NoopInvalidator struct{}

func (NoopInvalidator) InvalidateAppointment(context.Context, string, string) error { return nil }
