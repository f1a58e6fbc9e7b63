// Package domain holds the core entities, ports, and error taxonomy of the
// broadcast delivery pipeline. It has no dependencies on adapters.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrRateLimited          = errors.New("rate limited")
	ErrDirectoryUnavailable = errors.New("user directory unavailable")
	ErrUnprocessable        = errors.New("unprocessable payload")
	ErrInternal             = errors.New("internal error")
)

// Context is an alias so ports read cleanly; adapters pass context.Context through.
type Context = context.Context

// BroadcastStatus enumerates the broadcast lifecycle.
type BroadcastStatus string

const (
	BroadcastScheduled BroadcastStatus = "SCHEDULED"
	BroadcastActive    BroadcastStatus = "ACTIVE"
	BroadcastExpired   BroadcastStatus = "EXPIRED"
	BroadcastCancelled BroadcastStatus = "CANCELLED"
)

// TargetType selects how a broadcast's recipient set is resolved.
type TargetType string

const (
	TargetAll      TargetType = "ALL"
	TargetSelected TargetType = "SELECTED"
	TargetRole     TargetType = "ROLE"
)

// Broadcast is an admin-authored message with a target set and lifecycle.
// Status only moves forward: SCHEDULED -> ACTIVE -> (EXPIRED|CANCELLED),
// or ACTIVE -> (EXPIRED|CANCELLED) for immediate broadcasts.
type Broadcast struct {
	ID          int64
	SenderID    string
	SenderName  string
	Content     string
	TargetType  TargetType
	TargetIDs   []string
	Priority    string
	Category    string
	ScheduledAt *time.Time
	ExpiresAt   *time.Time
	Status      BroadcastStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeliveryStatus tracks per-recipient delivery. PENDING may move to
// DELIVERED or FAILED; EXPIRED broadcasts flip still-PENDING rows to SUPERSEDED.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryDelivered  DeliveryStatus = "DELIVERED"
	DeliveryFailed     DeliveryStatus = "FAILED"
	DeliverySuperseded DeliveryStatus = "SUPERSEDED"
)

// ReadStatus tracks whether a recipient has acknowledged a message.
type ReadStatus string

const (
	ReadUnread ReadStatus = "UNREAD"
	ReadRead   ReadStatus = "READ"
)

// UserBroadcast is the per-recipient delivery record. Exactly one row exists
// per (broadcast, targeted user) pair.
type UserBroadcast struct {
	ID             string
	BroadcastID    int64
	UserID         string
	DeliveryStatus DeliveryStatus
	ReadStatus     ReadStatus
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OutboxEvent is a bus event co-committed with the business rows that
// produced it. Rows are drained by the outbox publisher and deleted on ack.
type OutboxEvent struct {
	ID        string
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// BroadcastStatistics holds monotonic per-broadcast counters.
// Invariants: TotalDelivered <= TotalTargeted, TotalRead <= TotalDelivered.
type BroadcastStatistics struct {
	BroadcastID    int64
	TotalTargeted  int64
	TotalDelivered int64
	TotalRead      int64
	TotalFailed    int64
	CalculatedAt   time.Time
}

// ConnectionStatus enumerates SSE session states.
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "ACTIVE"
	ConnectionInactive ConnectionStatus = "INACTIVE"
)

// UserSession is one live SSE connection. A user may hold several ACTIVE
// sessions (one per tab or device); a session is owned by one pod while ACTIVE.
type UserSession struct {
	ID             int64
	UserID         string
	SessionID      string
	PodID          string
	Status         ConnectionStatus
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	LastHeartbeat  time.Time
}

// UserPreferences filters which broadcasts a user receives. The quiet-hours
// window supports overnight spans (Start > End means "across midnight").
type UserPreferences struct {
	UserID               string
	NotificationsEnabled bool
	Categories           []string
	QuietStart           string
	QuietEnd             string
	Timezone             string
}

// DltRecord is a quarantined bus record. Payload bytes are preserved verbatim
// between ingest and redrive.
type DltRecord struct {
	ID                string
	OriginalTopic     string
	OriginalPartition int32
	OriginalOffset    int64
	ExceptionMessage  string
	Payload           []byte
	FailedAt          time.Time
}
