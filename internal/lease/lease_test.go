package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	first, err := l.Acquire(ctx, "clearing", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "clearing", time.Minute)
	assert.ErrorIs(t, err, ErrNotObtained)

	_, err = l.Acquire(ctx, "payouts", time.Minute)
	assert.NoError(t, err, "distinct keys are independent")

	require.NoError(t, first.Release(ctx))
	second, err := l.Acquire(ctx, "clearing", time.Minute)
	require.NoError(t, err)

	// An expired lease can be taken over; the stale holder's release is a no-op.
	now = now.Add(2 * time.Minute)
	third, err := l.Acquire(ctx, "clearing", time.Minute)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
	_, err = l.Acquire(ctx, "clearing", time.Minute)
	assert.ErrorIs(t, err, ErrNotObtained)
	require.NoError(t, third.Release(ctx))
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())

	l := NewRedisLocker(rdb)
	key := "settlement:test:" + time.Now().Format(time.RFC3339Nano)

	held, err := l.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, ErrNotObtained)

	require.NoError(t, held.Release(ctx))
	again, err := l.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}
