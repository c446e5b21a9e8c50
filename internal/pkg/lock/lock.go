package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release gives the lock back. It is safe to call after the TTL has lapsed.
type Release func(ctx context.Context) error

// Only the holder token may delete the key.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out SET NX leases on Redis keys.
// A nil client turns every call into a granted no-op so single-node
// deployments without Redis still run.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Enabled reports whether a Redis client backs the locker.
func (l *RedisLocker) Enabled() bool {
	return l != nil && l.client != nil
}

// TryLock acquires key for ttl without blocking.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	if !l.Enabled() {
		return func(context.Context) error { return nil }, true, nil
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("unlock %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// MarkOnce records key for ttl and reports whether this call was the first.
// Used for reminder and webhook event dedupe.
func (l *RedisLocker) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", key, err)
	}
	return ok, nil
}

// Forget removes a mark so a failed step can be retried on the next delivery.
func (l *RedisLocker) Forget(ctx context.Context, key string) error {
	if !l.Enabled() {
		return nil
	}
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", key, err)
	}
	return nil
}
