package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, buckets map[string]BucketConfig) *RedisLuaLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLuaLimiter(rdb, buckets)
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	cfg := NewBucketConfigFromPerMinute(30)
	assert.Equal(t, int64(30), cfg.Capacity)
	assert.InDelta(t, 0.5, cfg.RefillRate, 1e-9)

	assert.Zero(t, NewBucketConfigFromPerMinute(0))
	assert.Zero(t, NewBucketConfigFromPerMinute(-1))
}

func TestAllow_ConsumesBucket(t *testing.T) {
	l := newTestLimiter(t, map[string]BucketConfig{
		"create": {Capacity: 2, RefillRate: 0.001},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "create", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d within capacity", i)
	}

	allowed, retryAfter, err := l.Allow(ctx, "create", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestAllow_UnknownBucketFailsOpen(t *testing.T) {
	l := newTestLimiter(t, nil)

	allowed, retryAfter, err := l.Allow(context.Background(), "nope", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
}

func TestAllow_RedisDownFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := NewRedisLuaLimiter(rdb, map[string]BucketConfig{
		"create": {Capacity: 1, RefillRate: 1},
	})
	mr.Close()

	allowed, _, err := l.Allow(context.Background(), "create", 1)
	assert.Error(t, err)
	assert.True(t, allowed)
}

func TestAllow_NilLimiter(t *testing.T) {
	var l *RedisLuaLimiter
	allowed, _, err := l.Allow(context.Background(), "create", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestSetBucketConfig(t *testing.T) {
	l := newTestLimiter(t, map[string]BucketConfig{})
	l.SetBucketConfig("create", BucketConfig{Capacity: 1, RefillRate: 0.001})

	allowed, _, err := l.Allow(context.Background(), "create", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = l.Allow(context.Background(), "create", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestToInt64AndToFloat64(t *testing.T) {
	assert.Equal(t, int64(3), toInt64(int64(3)))
	assert.Equal(t, int64(3), toInt64(3))
	assert.Equal(t, int64(3), toInt64(3.7))
	assert.Zero(t, toInt64("3"))

	assert.Equal(t, 3.5, toFloat64(3.5))
	assert.Equal(t, 3.0, toFloat64(int64(3)))
	assert.Equal(t, 3.0, toFloat64(3))
	assert.Zero(t, toFloat64("3"))
}
