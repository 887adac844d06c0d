package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyLock serializes work per key. §4.3/§5 require at-most-one in-flight
// usage update per (user_id, yyyy_mm); concurrent updates take this lock,
// serialize, and fold into a single write.
type KeyLock interface {
	// Lock blocks until key is acquired or ctx is done, returning an unlock
	// function that must be called exactly once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// InProcessLock is a single-instance KeyLock backed by per-key mutexes,
// generalizing internal/middleware/ratelimit.go's sync.Map-of-state
// pattern to mutual exclusion instead of sliding-window counting. Used
// when no Redis endpoint is configured (§6: "missing optional providers
// disable the corresponding feature" — here, multi-instance lock sharing).
type InProcessLock struct {
	locks sync.Map // key string -> *sync.Mutex
}

// NewInProcessLock creates an InProcessLock.
func NewInProcessLock() *InProcessLock {
	return &InProcessLock{}
}

func (l *InProcessLock) Lock(ctx context.Context, key string) (func(), error) {
	v, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)

	done := make(chan struct{})
	go func() {
		mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return mu.Unlock, nil
	case <-ctx.Done():
		go func() { <-done; mu.Unlock() }()
		return nil, ctx.Err()
	}
}

// RedisLock is a distributed KeyLock using Redis SET NX PX, so the
// (user_id, yyyy_mm) mutual exclusion in §4.3/§5 holds across multiple
// server instances, not just within one process.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLock creates a RedisLock with the given lease TTL and poll interval.
func NewRedisLock(client *redis.Client, ttl, retry time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &RedisLock{client: client, ttl: ttl, retry: retry}
}

func (l *RedisLock) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := "lock:" + key

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("service.RedisLock: %w", err)
		}
		if ok {
			return func() {
				// Best-effort release; TTL bounds worst-case hold time if
				// this delete never runs (process crash between here and there).
				unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				l.releaseIfOwner(unlockCtx, redisKey, token)
			}, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// releaseIfOwner deletes redisKey only if its value still matches token,
// avoiding releasing a lock acquired by a later holder after TTL expiry.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (l *RedisLock) releaseIfOwner(ctx context.Context, key, token string) {
	releaseScript.Run(ctx, l.client, []string{key}, token)
}
