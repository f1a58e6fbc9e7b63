package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

type fakeLocks struct {
	mu       sync.Mutex
	acquired []string
	denied   map[string]bool
}

func (f *fakeLocks) WithLease(ctx domain.Context, name string, _, _ time.Duration, fn func(ctx domain.Context) error) (bool, error) {
	f.mu.Lock()
	if f.denied[name] {
		f.mu.Unlock()
		return false, nil
	}
	f.acquired = append(f.acquired, name)
	f.mu.Unlock()
	return true, fn(ctx)
}

func newTestLifecycle(repo *fakeBroadcastRepo, ub *fakeUserBroadcastRepo, sessions *fakeSessionRepo, locks *fakeLocks, dir *fakeDirectory) *LifecycleController {
	svc := newTestBroadcastService(repo, ub, dir)
	conns := NewConnectionManager(sessions, newFakePresence(), "pod-a", 8, time.Minute, time.Minute)
	return NewLifecycleController(repo, ub, sessions, locks, svc, conns, LifecycleConfig{
		Interval:         time.Minute,
		BatchSize:        100,
		SessionRetention: 72 * time.Hour,
		PurgeHourUTC:     2,
	})
}

func TestExpireActive_SupersedesAndNotifies(t *testing.T) {
	repo := newFakeBroadcastRepo()
	ub := newFakeUserBroadcastRepo()
	ub.userIDs = []string{"u1", "u2"}
	lc := newTestLifecycle(repo, ub, newFakeSessionRepo(), &fakeLocks{}, &fakeDirectory{})

	repo.expired = []domain.Broadcast{{ID: 5, TargetType: domain.TargetAll, Status: domain.BroadcastExpired}}

	require.NoError(t, lc.ExpireActive(context.Background()))

	assert.Equal(t, []int64{5}, ub.superseded)
	require.Len(t, ub.readEvts, 2)
	for _, ev := range ub.readEvts {
		decoded, err := domain.DecodeDeliveryEvent(ev.Payload)
		require.NoError(t, err)
		assert.Equal(t, domain.EventExpired, decoded.EventType)
		assert.Equal(t, int64(5), decoded.BroadcastID)
	}
}

func TestExpireActive_NothingClaimed(t *testing.T) {
	repo := newFakeBroadcastRepo()
	ub := newFakeUserBroadcastRepo()
	lc := newTestLifecycle(repo, ub, newFakeSessionRepo(), &fakeLocks{}, &fakeDirectory{})

	require.NoError(t, lc.ExpireActive(context.Background()))
	assert.Empty(t, ub.superseded)
}

func TestActivateScheduled_NoDueBroadcasts(t *testing.T) {
	lc := newTestLifecycle(newFakeBroadcastRepo(), newFakeUserBroadcastRepo(), newFakeSessionRepo(), &fakeLocks{}, &fakeDirectory{})
	assert.NoError(t, lc.ActivateScheduled(context.Background()))
}

func TestPurgeOldSessions(t *testing.T) {
	sessions := newFakeSessionRepo()
	lc := newTestLifecycle(newFakeBroadcastRepo(), newFakeUserBroadcastRepo(), sessions, &fakeLocks{}, &fakeDirectory{})
	assert.NoError(t, lc.PurgeOldSessions(context.Background()))
}

func TestEveryWithLease_SkipsWhenHeldElsewhere(t *testing.T) {
	repo := newFakeBroadcastRepo()
	ub := newFakeUserBroadcastRepo()
	locks := &fakeLocks{denied: map[string]bool{"job": true}}
	lc := newTestLifecycle(repo, ub, newFakeSessionRepo(), locks, &fakeDirectory{})
	lc.cfg.Interval = 10 * time.Millisecond

	ran := 0
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		lc.everyWithLease(ctx, "job", lc.cfg.Interval, func(ctx domain.Context) error {
			ran++
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	assert.Zero(t, ran)
	assert.Empty(t, locks.acquired)
}

func TestEveryWithLease_RunsUnderLease(t *testing.T) {
	locks := &fakeLocks{}
	lc := newTestLifecycle(newFakeBroadcastRepo(), newFakeUserBroadcastRepo(), newFakeSessionRepo(), locks, &fakeDirectory{})

	var mu sync.Mutex
	ran := 0
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		lc.everyWithLease(ctx, "job", 10*time.Millisecond, func(ctx domain.Context) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
