package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilClientGrantsEverything(t *testing.T) {
	l := NewRedisLocker(nil)
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, release(ctx))

	first, err := l.MarkOnce(ctx, "k", time.Second)
	require.NoError(t, err)
	second, err := l.MarkOnce(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, second)
	assert.False(t, l.Enabled())
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLockExclusive(t *testing.T) {
	l := NewRedisLocker(redisClient(t))
	ctx := context.Background()
	key := "test:lock:" + uuid.NewString()

	release, ok, err := l.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))

	release, ok, err = l.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, release(ctx))
}

func TestRedisMarkOnce(t *testing.T) {
	l := NewRedisLocker(redisClient(t))
	ctx := context.Background()
	key := "test:mark:" + uuid.NewString()

	first, err := l.MarkOnce(ctx, key, 5*time.Second)
	require.NoError(t, err)
	second, err := l.MarkOnce(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, l.Forget(ctx, key))
	again, err := l.MarkOnce(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, again)
}
