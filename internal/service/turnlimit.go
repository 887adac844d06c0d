package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTurnsPerMinute = 100

// RedisTurnLimiter enforces the "100 turns per minute per user" cap (§4.8)
// across every server instance, using the same Redis coordination
// internal/service/lock.go uses for cross-instance locking, applied here to
// a fixed one-minute counting window keyed by user and window bucket
// instead of mutual exclusion. Implements session.TurnRateLimiter.
type RedisTurnLimiter struct {
	client *redis.Client
	max    int
	window time.Duration
}

// NewRedisTurnLimiter creates a RedisTurnLimiter. max<=0 defaults to 100;
// window<=0 defaults to one minute.
func NewRedisTurnLimiter(client *redis.Client, max int, window time.Duration) *RedisTurnLimiter {
	if max <= 0 {
		max = defaultTurnsPerMinute
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisTurnLimiter{client: client, max: max, window: window}
}

// Allow increments userID's counter for the current fixed window and
// reports whether it is still within the cap. The counter's TTL is set on
// the first increment of each window so stale buckets expire on their own.
func (l *RedisTurnLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	bucket := time.Now().UTC().Unix() / int64(l.window/time.Second)
	key := fmt.Sprintf("turnrate:%s:%d", userID, bucket)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("service.RedisTurnLimiter: %w", err)
	}
	if count == 1 {
		l.client.Expire(ctx, key, l.window)
	}
	return count <= int64(l.max), nil
}
