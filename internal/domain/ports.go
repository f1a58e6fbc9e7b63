package domain

import "time"

// BroadcastFilter narrows admin listings.
type BroadcastFilter string

const (
	FilterAll       BroadcastFilter = "all"
	FilterActive    BroadcastFilter = "active"
	FilterScheduled BroadcastFilter = "scheduled"
)

// BroadcastRepository persists broadcasts and drives their lifecycle.
// Multi-row operations are atomic: the implementation runs them in one
// transaction so outbox rows commit with the business rows they describe.
type BroadcastRepository interface {
	// CreateActive inserts an ACTIVE broadcast and, once its id is assigned,
	// invokes materialize to stamp the delivery rows and CREATED outbox
	// events. Everything commits together along with a seeded statistics row.
	CreateActive(ctx Context, b Broadcast, materialize func(b Broadcast) ([]UserBroadcast, []OutboxEvent, error)) (Broadcast, error)
	// CreateScheduled inserts a SCHEDULED broadcast; targeting happens at
	// activation time.
	CreateScheduled(ctx Context, b Broadcast) (Broadcast, error)
	Get(ctx Context, id int64) (Broadcast, error)
	List(ctx Context, filter BroadcastFilter) ([]Broadcast, error)
	// ActivateDue claims due SCHEDULED broadcasts with FOR UPDATE SKIP
	// LOCKED and, per broadcast, invokes materialize to resolve targets and
	// events, then flips the row ACTIVE and inserts the materialized rows.
	// The whole batch commits or rolls back together.
	ActivateDue(ctx Context, now time.Time, limit int, materialize func(ctx Context, b Broadcast) ([]UserBroadcast, []OutboxEvent, error)) (int, error)
	// ClaimExpired flips ACTIVE broadcasts past their expiry to EXPIRED and
	// returns the claimed rows.
	ClaimExpired(ctx Context, now time.Time, limit int) ([]Broadcast, error)
	// Cancel flips a SCHEDULED or ACTIVE broadcast to CANCELLED and inserts
	// the given outbox events in the same transaction. Returns false when
	// the broadcast was already terminal (cancel is then a no-op).
	Cancel(ctx Context, id int64, events []OutboxEvent) (bool, error)
}

// UserBroadcastRepository persists per-recipient delivery records and the
// statistics counters coupled to their transitions.
type UserBroadcastRepository interface {
	// FindPending returns the unique PENDING row for (user, broadcast).
	FindPending(ctx Context, userID string, broadcastID int64) (UserBroadcast, error)
	// ListPendingByUser returns PENDING rows in created-at ascending order.
	ListPendingByUser(ctx Context, userID string) ([]UserBroadcast, error)
	ListByBroadcast(ctx Context, broadcastID int64) ([]UserBroadcast, error)
	ListUserIDs(ctx Context, broadcastID int64) ([]string, error)
	// ListForUser returns the user's messages joined with broadcast content,
	// newest first, for the history listing.
	ListForUser(ctx Context, userID string, limit int) ([]UserMessage, error)
	// MarkDelivered performs the conditional PENDING->DELIVERED transition
	// and increments total_delivered in the same statement. Returns false
	// when another pod already delivered the row.
	MarkDelivered(ctx Context, userBroadcastID string) (bool, error)
	// MarkFailed performs the conditional PENDING->FAILED transition for a
	// dead-lettered delivery and increments total_failed in the same
	// statement. Returns false when the row already left PENDING.
	MarkFailed(ctx Context, userID string, broadcastID int64) (bool, error)
	// MarkRead performs the conditional UNREAD->READ transition, increments
	// total_read, and inserts the READ outbox events atomically. Returns
	// false when the row was already read.
	MarkRead(ctx Context, userID string, broadcastID int64, events []OutboxEvent) (bool, error)
	// Supersede flips still-PENDING rows of an expired broadcast to
	// SUPERSEDED and inserts the EXPIRED outbox events atomically.
	Supersede(ctx Context, broadcastID int64, events []OutboxEvent) (int64, error)
	GetStatistics(ctx Context, broadcastID int64) (BroadcastStatistics, error)
}

// UserMessage is a delivery record joined with its broadcast content.
type UserMessage struct {
	UserBroadcast
	Content    string
	SenderName string
	Priority   string
	Category   string
}

// OutboxRepository drains co-committed events to the bus.
type OutboxRepository interface {
	// Drain locks up to limit rows with FOR UPDATE SKIP LOCKED, hands them
	// to publish, and deletes them iff publish returns nil; any error rolls
	// the transaction back leaving the rows for the next tick. Returns the
	// number of rows published and deleted.
	Drain(ctx Context, limit int, publish func(ctx Context, events []OutboxEvent) error) (int, error)
}

// SessionRepository persists SSE session rows.
type SessionRepository interface {
	// Upsert merges on (user_id, session_id) and re-activates the row.
	Upsert(ctx Context, s UserSession) (UserSession, error)
	// MarkInactive is bound by (session, pod) so another pod's session with
	// the same id cannot be clobbered.
	MarkInactive(ctx Context, sessionID, podID string) error
	// TouchHeartbeats updates last_heartbeat for this pod's sessions in one
	// batched statement.
	TouchHeartbeats(ctx Context, sessionIDs []string, now time.Time) error
	ListStale(ctx Context, olderThan time.Time) ([]UserSession, error)
	MarkStaleInactive(ctx Context, sessionIDs []string) error
	// PurgeInactive hard-deletes INACTIVE rows disconnected before the cutoff.
	PurgeInactive(ctx Context, before time.Time) (int64, error)
	CountActiveByPod(ctx Context) (map[string]int64, error)
}

// PreferencesRepository loads per-user delivery preferences. Callers chunk
// the id list; one call is one batch.
type PreferencesRepository interface {
	FindByUserIDs(ctx Context, userIDs []string) (map[string]UserPreferences, error)
}

// DltRepository persists quarantined bus records.
type DltRepository interface {
	Insert(ctx Context, rec DltRecord) (DltRecord, error)
	Get(ctx Context, id string) (DltRecord, error)
	List(ctx Context, limit, offset int) ([]DltRecord, error)
	Delete(ctx Context, id string) error
}

// EventPublisher produces records to the message bus.
type EventPublisher interface {
	Publish(ctx Context, topic, key string, payload []byte) error
	// PublishTombstone emits a nil-value record as a compaction hint.
	PublishTombstone(ctx Context, topic, key string) error
}

// PresenceStore is the cluster-wide view of connected users plus the
// pending-event cache for offline recipients. It must tolerate cold loss.
type PresenceStore interface {
	RegisterSession(ctx Context, userID, sessionID, podID string) error
	UnregisterSession(ctx Context, userID, sessionID string) error
	EvictUser(ctx Context, userID string) error
	IsOnline(ctx Context, userID string) (bool, error)
	OnlineCount(ctx Context) (int64, error)
	TouchUsers(ctx Context, userIDs []string) error

	CachePendingEvent(ctx Context, userID string, broadcastID int64, payload []byte) error
	PendingEvents(ctx Context, userID string) (map[int64][]byte, error)
	RemovePendingEvent(ctx Context, userID string, broadcastID int64) error
	ClearPendingEvents(ctx Context, userID string) error
}

// LockManager runs fn under a named distributed lease. minHold keeps the
// lease held even when fn returns early (so sibling pods skip the tick);
// maxHold bounds the lease so a crashed holder releases eventually.
// Returns false without error when the lease is held elsewhere.
type LockManager interface {
	WithLease(ctx Context, name string, minHold, maxHold time.Duration, fn func(ctx Context) error) (bool, error)
}

// UserDirectory is the external roster authority. Implementations must fail
// loudly (ErrDirectoryUnavailable) rather than return a partial roster.
type UserDirectory interface {
	AllUsers(ctx Context) ([]string, error)
	UsersInRole(ctx Context, role string) ([]string, error)
}
