package rediscache

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// releaseScript deletes the lock only when the holder token still matches,
// so a lease that expired and was re-acquired elsewhere is never released by
// the old holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locks implements named distributed leases on Redis. Semantics follow the
// scheduler's needs: minHold keeps the lease held even when fn returns early
// so sibling pods skip the same tick; maxHold is the key TTL so a crashed
// holder releases eventually.
type Locks struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLocks constructs a lease manager.
func NewLocks(rdb *redis.Client) *Locks {
	return &Locks{rdb: rdb, release: redis.NewScript(releaseScript)}
}

// WithLease runs fn while holding the named lease. Returns false without
// error when the lease is held elsewhere.
func (l *Locks) WithLease(ctx domain.Context, name string, minHold, maxHold time.Duration, fn func(ctx domain.Context) error) (bool, error) {
	token := uuid.NewString()
	key := "lock:" + name
	ok, err := l.rdb.SetNX(ctx, key, token, maxHold).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	start := time.Now()
	fnErr := fn(ctx)

	if held := time.Since(start); held < minHold {
		select {
		case <-time.After(minHold - held):
		case <-ctx.Done():
		}
	}
	if err := l.release.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil && err != redis.Nil {
		slog.Warn("lease release failed; key will expire on its own",
			slog.String("lock", name), slog.Any("error", err))
	}
	return true, fnErr
}
