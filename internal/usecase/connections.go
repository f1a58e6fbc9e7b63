package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/broadcast-hub/internal/adapter/observability"
	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// PendingReplayer flushes a user's backlog after a reconnect. Implemented by
// DeliveryService; set on the ConnectionManager after construction because
// delivery also needs the manager as its SinkRegistry.
type PendingReplayer interface {
	ReplayPending(ctx domain.Context, userID string) error
}

// ConnectionManager owns this pod's live SSE sinks and keeps the
// cluster-wide session state (DB rows, Redis presence) in step with them.
type ConnectionManager struct {
	sessions domain.SessionRepository
	presence domain.PresenceStore
	replayer PendingReplayer
	podID    string

	bufSize           int
	heartbeatInterval time.Duration
	staleThreshold    time.Duration

	mu          sync.RWMutex
	sinks       map[string]chan domain.SSEEvent
	userSinks   map[string]map[string]struct{}
	sessionUser map[string]string
}

// NewConnectionManager constructs a ConnectionManager.
func NewConnectionManager(sessions domain.SessionRepository, presence domain.PresenceStore, podID string, bufSize int, heartbeatInterval, staleThreshold time.Duration) *ConnectionManager {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &ConnectionManager{
		sessions:          sessions,
		presence:          presence,
		podID:             podID,
		bufSize:           bufSize,
		heartbeatInterval: heartbeatInterval,
		staleThreshold:    staleThreshold,
		sinks:             make(map[string]chan domain.SSEEvent),
		userSinks:         make(map[string]map[string]struct{}),
		sessionUser:       make(map[string]string),
	}
}

// SetReplayer wires the reconnect replay flow. Must be called before Open.
func (m *ConnectionManager) SetReplayer(r PendingReplayer) { m.replayer = r }

// Open registers a new session for the user and returns its id and sink.
// An empty sessionID mints one. The backlog replay runs asynchronously; the
// CONNECTED event is the first thing on the sink.
func (m *ConnectionManager) Open(ctx domain.Context, userID, sessionID string) (string, <-chan domain.SSEEvent, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := time.Now().UTC()
	if _, err := m.sessions.Upsert(ctx, domain.UserSession{
		UserID:        userID,
		SessionID:     sessionID,
		PodID:         m.podID,
		Status:        domain.ConnectionActive,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}); err != nil {
		return "", nil, fmt.Errorf("op=connections.open: %w", err)
	}
	if err := m.presence.RegisterSession(ctx, userID, sessionID, m.podID); err != nil {
		return "", nil, fmt.Errorf("op=connections.open: %w", err)
	}

	sink := make(chan domain.SSEEvent, m.bufSize)
	m.mu.Lock()
	m.sinks[sessionID] = sink
	if m.userSinks[userID] == nil {
		m.userSinks[userID] = make(map[string]struct{})
	}
	m.userSinks[userID][sessionID] = struct{}{}
	m.sessionUser[sessionID] = userID
	m.mu.Unlock()
	observability.SSESessionsOpen.Inc()

	m.emitToSession(sessionID, domain.SSEEvent{
		Name: domain.SSEConnected,
		Data: map[string]string{"message": "connected", "sessionId": sessionID},
	})

	if m.replayer != nil {
		go func() {
			if err := m.replayer.ReplayPending(ctx, userID); err != nil {
				slog.Error("pending replay failed",
					slog.String("user_id", userID),
					slog.String("session_id", sessionID),
					slog.Any("error", err))
			}
		}()
	}
	return sessionID, sink, nil
}

// Close tears one session down: local maps, the DB row (bound to this pod),
// and presence. Safe to call twice.
func (m *ConnectionManager) Close(ctx domain.Context, sessionID string) {
	m.mu.Lock()
	sink, ok := m.sinks[sessionID]
	userID := m.sessionUser[sessionID]
	if ok {
		delete(m.sinks, sessionID)
		delete(m.sessionUser, sessionID)
		if set := m.userSinks[userID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(m.userSinks, userID)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(sink)
	observability.SSESessionsOpen.Dec()

	if err := m.sessions.MarkInactive(ctx, sessionID, m.podID); err != nil {
		slog.Error("session mark-inactive failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}
	if err := m.presence.UnregisterSession(ctx, userID, sessionID); err != nil {
		slog.Warn("presence unregister failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

// HasLocalSinks reports whether the user has at least one sink on this pod.
func (m *ConnectionManager) HasLocalSinks(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.userSinks[userID]) > 0
}

// EmitToUser fans an event out to every sink the user holds on this pod.
func (m *ConnectionManager) EmitToUser(userID string, ev domain.SSEEvent) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.userSinks[userID]))
	for id := range m.userSinks[userID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.emitToSession(id, ev)
	}
}

// emitToSession is a non-blocking send. A full buffer means the client
// stopped reading; that one session is closed asynchronously and its
// siblings are untouched.
func (m *ConnectionManager) emitToSession(sessionID string, ev domain.SSEEvent) {
	m.mu.RLock()
	sink, ok := m.sinks[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case sink <- ev:
		observability.SSEEventsEmittedTotal.WithLabelValues(ev.Name).Inc()
	default:
		observability.SSEEmitDroppedTotal.Inc()
		slog.Warn("sink buffer full, closing session", slog.String("session_id", sessionID))
		go m.Close(context.Background(), sessionID)
	}
}

// RunHeartbeats drives both heartbeat timers until ctx is cancelled: the
// server-push HEARTBEAT to every local sink and the batched DB heartbeat
// for this pod's sessions, plus the presence TTL refresh.
func (m *ConnectionManager) RunHeartbeats(ctx domain.Context) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.pushHeartbeats(now)
			m.touchHeartbeats(ctx, now)
		}
	}
}

func (m *ConnectionManager) pushHeartbeats(now time.Time) {
	payload := map[string]string{"timestamp": now.UTC().Format(time.RFC3339)}
	m.mu.RLock()
	ids := make([]string, 0, len(m.sinks))
	for id := range m.sinks {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.emitToSession(id, domain.SSEEvent{Name: domain.SSEHeartbeat, Data: payload})
	}
}

func (m *ConnectionManager) touchHeartbeats(ctx domain.Context, now time.Time) {
	m.mu.RLock()
	sessionIDs := make([]string, 0, len(m.sinks))
	for id := range m.sinks {
		sessionIDs = append(sessionIDs, id)
	}
	userIDs := make([]string, 0, len(m.userSinks))
	for u := range m.userSinks {
		userIDs = append(userIDs, u)
	}
	m.mu.RUnlock()
	if len(sessionIDs) == 0 {
		return
	}
	if err := m.sessions.TouchHeartbeats(ctx, sessionIDs, now.UTC()); err != nil {
		slog.Error("db heartbeat failed", slog.Any("error", err))
	}
	if err := m.presence.TouchUsers(ctx, userIDs); err != nil {
		slog.Warn("presence touch failed", slog.Any("error", err))
	}
}

// CleanupStale closes sessions whose heartbeat stopped. Runs under the
// lifecycle lease so one pod sweeps per tick; each pod only tears down its
// own local sinks, the batch INACTIVE update covers the rest.
func (m *ConnectionManager) CleanupStale(ctx domain.Context) error {
	cutoff := time.Now().UTC().Add(-m.staleThreshold)
	stale, err := m.sessions.ListStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=connections.cleanup_stale: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		ids = append(ids, s.SessionID)
		if s.PodID == m.podID {
			m.Close(ctx, s.SessionID)
		}
	}
	if err := m.sessions.MarkStaleInactive(ctx, ids); err != nil {
		return fmt.Errorf("op=connections.cleanup_stale: %w", err)
	}
	for _, s := range stale {
		if s.PodID == m.podID {
			continue
		}
		if err := m.presence.UnregisterSession(ctx, s.UserID, s.SessionID); err != nil {
			slog.Warn("presence cleanup failed",
				slog.String("session_id", s.SessionID), slog.Any("error", err))
		}
	}
	slog.Info("stale sessions cleaned", slog.Int("count", len(stale)))
	return nil
}

// ConnectionStats is the per-pod view exposed on the admin surface.
type ConnectionStats struct {
	OnlineUsers   int64            `json:"onlineUsers"`
	SessionsByPod map[string]int64 `json:"sessionsByPod"`
	LocalSessions int              `json:"localSessions"`
	PodID         string           `json:"podId"`
}

// Stats reports the cluster connection picture.
func (m *ConnectionManager) Stats(ctx domain.Context) (ConnectionStats, error) {
	byPod, err := m.sessions.CountActiveByPod(ctx)
	if err != nil {
		return ConnectionStats{}, fmt.Errorf("op=connections.stats: %w", err)
	}
	online, err := m.presence.OnlineCount(ctx)
	if err != nil {
		return ConnectionStats{}, fmt.Errorf("op=connections.stats: %w", err)
	}
	m.mu.RLock()
	local := len(m.sinks)
	m.mu.RUnlock()
	return ConnectionStats{
		OnlineUsers:   online,
		SessionsByPod: byPod,
		LocalSessions: local,
		PodID:         m.podID,
	}, nil
}

// MarshalEventData renders an SSE event's data field as JSON.
func MarshalEventData(ev domain.SSEEvent) ([]byte, error) {
	b, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("op=connections.marshal_event: %w", err)
	}
	return b, nil
}
