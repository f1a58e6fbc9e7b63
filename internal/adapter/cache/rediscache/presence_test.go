package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPresence(t *testing.T) (*Presence, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewPresence(rdb, time.Minute, time.Hour), mr
}

func TestPresence_RegisterAndUnregister(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.RegisterSession(ctx, "u1", "s1", "pod-a"))
	require.NoError(t, p.RegisterSession(ctx, "u1", "s2", "pod-b"))

	online, err := p.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	count, err := p.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// One session left; the user stays online.
	require.NoError(t, p.UnregisterSession(ctx, "u1", "s1"))
	online, err = p.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	// Last session gone; the user drops out of the online view.
	require.NoError(t, p.UnregisterSession(ctx, "u1", "s2"))
	online, err = p.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	count, err = p.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPresence_EvictUser(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.RegisterSession(ctx, "u1", "s1", "pod-a"))
	require.NoError(t, p.EvictUser(ctx, "u1"))

	online, err := p.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresence_SessionEntriesAgeOut(t *testing.T) {
	p, mr := newTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.RegisterSession(ctx, "u1", "s1", "pod-a"))
	mr.FastForward(2 * time.Minute)

	online, err := p.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresence_TouchUsersRefreshesTTL(t *testing.T) {
	p, mr := newTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.RegisterSession(ctx, "u1", "s1", "pod-a"))
	mr.FastForward(45 * time.Second)
	require.NoError(t, p.TouchUsers(ctx, []string{"u1"}))
	mr.FastForward(45 * time.Second)

	online, err := p.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestPresence_PendingEventCache(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.CachePendingEvent(ctx, "u1", 7, []byte(`{"v":1}`)))
	// A duplicate for the same broadcast overwrites.
	require.NoError(t, p.CachePendingEvent(ctx, "u1", 7, []byte(`{"v":2}`)))
	require.NoError(t, p.CachePendingEvent(ctx, "u1", 8, []byte(`{"v":3}`)))

	events, err := p.PendingEvents(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, []byte(`{"v":2}`), events[7])
	assert.Equal(t, []byte(`{"v":3}`), events[8])

	require.NoError(t, p.RemovePendingEvent(ctx, "u1", 7))
	events, err = p.PendingEvents(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.NoError(t, p.ClearPendingEvents(ctx, "u1"))
	events, err = p.PendingEvents(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, events)
}
