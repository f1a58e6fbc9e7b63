// Package rediscache implements the presence store, the pending-event cache,
// and the distributed named leases on Redis. All state here is short-lived
// and rebuilt from the database after a cold loss.
package rediscache

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

const (
	onlineUsersKey   = "online-users"
	userSessPrefix   = "user-sess:"
	pendingEvtPrefix = "pending-evt:"
)

// Presence is the cluster-wide view of connected users plus the pending-event
// cache for offline recipients.
type Presence struct {
	rdb        *redis.Client
	sessionTTL time.Duration
	pendingTTL time.Duration
}

// NewPresence constructs a Presence store. sessionTTL should be the stale
// threshold so entries of crashed pods age out on their own; pendingTTL
// bounds how long cached events wait for a reconnect (the PENDING rows in
// the database remain the durable fallback).
func NewPresence(rdb *redis.Client, sessionTTL, pendingTTL time.Duration) *Presence {
	return &Presence{rdb: rdb, sessionTTL: sessionTTL, pendingTTL: pendingTTL}
}

func userSessKey(userID string) string { return userSessPrefix + userID }
func pendingKey(userID string) string  { return pendingEvtPrefix + userID }
func broadcastField(id int64) string   { return strconv.FormatInt(id, 10) }

// RegisterSession records a live session in the cluster-wide view.
func (p *Presence) RegisterSession(ctx domain.Context, userID, sessionID, podID string) error {
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, userSessKey(userID), sessionID, podID)
	pipe.Expire(ctx, userSessKey(userID), p.sessionTTL)
	pipe.SAdd(ctx, onlineUsersKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=presence.register: %w", err)
	}
	return nil
}

// UnregisterSession removes one session; the user stays online while other
// sessions remain.
func (p *Presence) UnregisterSession(ctx domain.Context, userID, sessionID string) error {
	if err := p.rdb.HDel(ctx, userSessKey(userID), sessionID).Err(); err != nil {
		return fmt.Errorf("op=presence.unregister: %w", err)
	}
	n, err := p.rdb.HLen(ctx, userSessKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("op=presence.unregister: %w", err)
	}
	if n == 0 {
		return p.EvictUser(ctx, userID)
	}
	return nil
}

// EvictUser drops the user from the online view entirely.
func (p *Presence) EvictUser(ctx domain.Context, userID string) error {
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, userSessKey(userID))
	pipe.SRem(ctx, onlineUsersKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=presence.evict: %w", err)
	}
	return nil
}

// IsOnline reports whether the user has at least one live session on any pod.
func (p *Presence) IsOnline(ctx domain.Context, userID string) (bool, error) {
	n, err := p.rdb.Exists(ctx, userSessKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=presence.is_online: %w", err)
	}
	return n > 0, nil
}

// OnlineCount returns the size of the online-users set.
func (p *Presence) OnlineCount(ctx domain.Context) (int64, error) {
	n, err := p.rdb.SCard(ctx, onlineUsersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("op=presence.online_count: %w", err)
	}
	return n, nil
}

// TouchUsers refreshes the presence TTL for users with sessions on this pod.
// Called from the DB heartbeat loop so presence outlives the stale threshold
// only while the pod is actually alive.
func (p *Presence) TouchUsers(ctx domain.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := p.rdb.Pipeline()
	for _, u := range userIDs {
		pipe.Expire(ctx, userSessKey(u), p.sessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=presence.touch: %w", err)
	}
	return nil
}

// CachePendingEvent parks a delivery payload for an offline user, keyed by
// broadcast id so duplicate CREATED events overwrite rather than multiply.
func (p *Presence) CachePendingEvent(ctx domain.Context, userID string, broadcastID int64, payload []byte) error {
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, pendingKey(userID), broadcastField(broadcastID), payload)
	pipe.Expire(ctx, pendingKey(userID), p.pendingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=presence.cache_pending: %w", err)
	}
	return nil
}

// PendingEvents returns the cached payloads for a user keyed by broadcast id.
func (p *Presence) PendingEvents(ctx domain.Context, userID string) (map[int64][]byte, error) {
	m, err := p.rdb.HGetAll(ctx, pendingKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=presence.pending_events: %w", err)
	}
	out := make(map[int64][]byte, len(m))
	for field, payload := range m {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		out[id] = []byte(payload)
	}
	return out, nil
}

// RemovePendingEvent drops one cached entry (cancelled or delivered).
func (p *Presence) RemovePendingEvent(ctx domain.Context, userID string, broadcastID int64) error {
	if err := p.rdb.HDel(ctx, pendingKey(userID), broadcastField(broadcastID)).Err(); err != nil {
		return fmt.Errorf("op=presence.remove_pending: %w", err)
	}
	return nil
}

// ClearPendingEvents drops the whole pending cache for a user.
func (p *Presence) ClearPendingEvents(ctx domain.Context, userID string) error {
	if err := p.rdb.Del(ctx, pendingKey(userID)).Err(); err != nil {
		return fmt.Errorf("op=presence.clear_pending: %w", err)
	}
	return nil
}
