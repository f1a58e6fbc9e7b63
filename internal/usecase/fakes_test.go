package usecase

import (
	"sync"
	"time"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// In-memory fakes for the domain ports. Only the behavior the tests lean on
// is modeled; everything else is a plain map or slice.

type fakeBroadcastRepo struct {
	mu         sync.Mutex
	nextID     int64
	broadcasts map[int64]domain.Broadcast
	rows       []domain.UserBroadcast
	events     []domain.OutboxEvent
	cancelled  []int64
	expired    []domain.Broadcast
}

func newFakeBroadcastRepo() *fakeBroadcastRepo {
	return &fakeBroadcastRepo{nextID: 1, broadcasts: map[int64]domain.Broadcast{}}
}

func (f *fakeBroadcastRepo) CreateActive(ctx domain.Context, b domain.Broadcast, materialize func(b domain.Broadcast) ([]domain.UserBroadcast, []domain.OutboxEvent, error)) (domain.Broadcast, error) {
	f.mu.Lock()
	b.ID = f.nextID
	f.nextID++
	f.mu.Unlock()
	rows, events, err := materialize(b)
	if err != nil {
		return domain.Broadcast{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts[b.ID] = b
	f.rows = append(f.rows, rows...)
	f.events = append(f.events, events...)
	return b, nil
}

func (f *fakeBroadcastRepo) CreateScheduled(_ domain.Context, b domain.Broadcast) (domain.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b.ID = f.nextID
	f.nextID++
	f.broadcasts[b.ID] = b
	return b, nil
}

func (f *fakeBroadcastRepo) Get(_ domain.Context, id int64) (domain.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.broadcasts[id]
	if !ok {
		return domain.Broadcast{}, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeBroadcastRepo) List(_ domain.Context, _ domain.BroadcastFilter) ([]domain.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Broadcast, 0, len(f.broadcasts))
	for _, b := range f.broadcasts {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeBroadcastRepo) ActivateDue(_ domain.Context, _ time.Time, _ int, _ func(ctx domain.Context, b domain.Broadcast) ([]domain.UserBroadcast, []domain.OutboxEvent, error)) (int, error) {
	return 0, nil
}

func (f *fakeBroadcastRepo) ClaimExpired(_ domain.Context, _ time.Time, _ int) ([]domain.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claimed := f.expired
	f.expired = nil
	return claimed, nil
}

func (f *fakeBroadcastRepo) Cancel(_ domain.Context, id int64, events []domain.OutboxEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	f.events = append(f.events, events...)
	return true, nil
}

type fakeUserBroadcastRepo struct {
	mu         sync.Mutex
	pending    map[string][]domain.UserBroadcast
	delivered  map[string]int
	readEvts   []domain.OutboxEvent
	readOK     bool
	userIDs    []string
	listLimits []int
	superseded []int64
	failed     [][2]any
}

func newFakeUserBroadcastRepo() *fakeUserBroadcastRepo {
	return &fakeUserBroadcastRepo{pending: map[string][]domain.UserBroadcast{}, delivered: map[string]int{}, readOK: true}
}

func (f *fakeUserBroadcastRepo) addPending(rows ...domain.UserBroadcast) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.pending[r.UserID] = append(f.pending[r.UserID], r)
	}
}

func (f *fakeUserBroadcastRepo) FindPending(_ domain.Context, userID string, broadcastID int64) (domain.UserBroadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.pending[userID] {
		if r.BroadcastID == broadcastID {
			return r, nil
		}
	}
	return domain.UserBroadcast{}, domain.ErrNotFound
}

func (f *fakeUserBroadcastRepo) ListPendingByUser(_ domain.Context, userID string) ([]domain.UserBroadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.UserBroadcast(nil), f.pending[userID]...), nil
}

func (f *fakeUserBroadcastRepo) ListByBroadcast(_ domain.Context, _ int64) ([]domain.UserBroadcast, error) {
	return nil, nil
}

func (f *fakeUserBroadcastRepo) ListUserIDs(_ domain.Context, _ int64) ([]string, error) {
	return f.userIDs, nil
}

func (f *fakeUserBroadcastRepo) ListForUser(_ domain.Context, _ string, limit int) ([]domain.UserMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listLimits = append(f.listLimits, limit)
	return nil, nil
}

func (f *fakeUserBroadcastRepo) MarkDelivered(_ domain.Context, userBroadcastID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[userBroadcastID]++
	if f.delivered[userBroadcastID] > 1 {
		return false, nil
	}
	for user, rows := range f.pending {
		kept := rows[:0]
		for _, r := range rows {
			if r.ID != userBroadcastID {
				kept = append(kept, r)
			}
		}
		f.pending[user] = kept
	}
	return true, nil
}

func (f *fakeUserBroadcastRepo) MarkFailed(_ domain.Context, userID string, broadcastID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.pending[userID][:0]
	flipped := false
	for _, r := range f.pending[userID] {
		if r.BroadcastID == broadcastID {
			flipped = true
			continue
		}
		kept = append(kept, r)
	}
	f.pending[userID] = kept
	if flipped {
		f.failed = append(f.failed, [2]any{userID, broadcastID})
	}
	return flipped, nil
}

func (f *fakeUserBroadcastRepo) MarkRead(_ domain.Context, _ string, _ int64, events []domain.OutboxEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readEvts = append(f.readEvts, events...)
	return f.readOK, nil
}

func (f *fakeUserBroadcastRepo) Supersede(_ domain.Context, broadcastID int64, events []domain.OutboxEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.superseded = append(f.superseded, broadcastID)
	f.readEvts = append(f.readEvts, events...)
	return int64(len(events)), nil
}

func (f *fakeUserBroadcastRepo) GetStatistics(_ domain.Context, broadcastID int64) (domain.BroadcastStatistics, error) {
	return domain.BroadcastStatistics{BroadcastID: broadcastID}, nil
}

type fakePresence struct {
	mu      sync.Mutex
	online  map[string]bool
	pending map[string]map[int64][]byte
	touched [][]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: map[string]bool{}, pending: map[string]map[int64][]byte{}}
}

func (f *fakePresence) RegisterSession(_ domain.Context, userID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = true
	return nil
}

func (f *fakePresence) UnregisterSession(_ domain.Context, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.online, userID)
	return nil
}

func (f *fakePresence) EvictUser(_ domain.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.online, userID)
	return nil
}

func (f *fakePresence) IsOnline(_ domain.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID], nil
}

func (f *fakePresence) OnlineCount(_ domain.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.online)), nil
}

func (f *fakePresence) TouchUsers(_ domain.Context, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, userIDs)
	return nil
}

func (f *fakePresence) CachePendingEvent(_ domain.Context, userID string, broadcastID int64, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[userID] == nil {
		f.pending[userID] = map[int64][]byte{}
	}
	f.pending[userID][broadcastID] = payload
	return nil
}

func (f *fakePresence) PendingEvents(_ domain.Context, userID string) (map[int64][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[int64][]byte{}
	for k, v := range f.pending[userID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakePresence) RemovePendingEvent(_ domain.Context, userID string, broadcastID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending[userID], broadcastID)
	return nil
}

func (f *fakePresence) ClearPendingEvents(_ domain.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, userID)
	return nil
}

type fakeSinks struct {
	mu     sync.Mutex
	local  map[string]bool
	events map[string][]domain.SSEEvent
}

func newFakeSinks() *fakeSinks {
	return &fakeSinks{local: map[string]bool{}, events: map[string][]domain.SSEEvent{}}
}

func (f *fakeSinks) HasLocalSinks(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local[userID]
}

func (f *fakeSinks) EmitToUser(userID string, ev domain.SSEEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[userID] = append(f.events[userID], ev)
}

func (f *fakeSinks) emitted(userID string) []domain.SSEEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SSEEvent(nil), f.events[userID]...)
}

type fakeOutboxRepo struct {
	mu     sync.Mutex
	events []domain.OutboxEvent
}

func (f *fakeOutboxRepo) Drain(ctx domain.Context, limit int, publish func(ctx domain.Context, events []domain.OutboxEvent) error) (int, error) {
	f.mu.Lock()
	n := limit
	if n > len(f.events) {
		n = len(f.events)
	}
	batch := append([]domain.OutboxEvent(nil), f.events[:n]...)
	f.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}
	if err := publish(ctx, batch); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.events = f.events[n:]
	f.mu.Unlock()
	return len(batch), nil
}

type fakePublisher struct {
	mu         sync.Mutex
	published  []domain.OutboxEvent
	tombstones []string
	failTopics map[string]bool
}

func (f *fakePublisher) Publish(_ domain.Context, topic, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTopics[topic] {
		return domain.ErrInternal
	}
	f.published = append(f.published, domain.OutboxEvent{Topic: topic, Key: key, Payload: payload})
	return nil
}

func (f *fakePublisher) PublishTombstone(_ domain.Context, topic, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tombstones = append(f.tombstones, topic+"/"+key)
	return nil
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]domain.UserSession
	touched  [][]string
	inactive []string
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: map[string]domain.UserSession{}}
}

func (f *fakeSessionRepo) Upsert(_ domain.Context, s domain.UserSession) (domain.UserSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.SessionID] = s
	return s, nil
}

func (f *fakeSessionRepo) MarkInactive(_ domain.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inactive = append(f.inactive, sessionID)
	if s, ok := f.sessions[sessionID]; ok {
		s.Status = domain.ConnectionInactive
		f.sessions[sessionID] = s
	}
	return nil
}

func (f *fakeSessionRepo) TouchHeartbeats(_ domain.Context, ids []string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, ids)
	return nil
}

func (f *fakeSessionRepo) ListStale(_ domain.Context, olderThan time.Time) ([]domain.UserSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.UserSession
	for _, s := range f.sessions {
		if s.Status == domain.ConnectionActive && s.LastHeartbeat.Before(olderThan) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) MarkStaleInactive(_ domain.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if s, ok := f.sessions[id]; ok {
			s.Status = domain.ConnectionInactive
			f.sessions[id] = s
		}
	}
	return nil
}

func (f *fakeSessionRepo) PurgeInactive(_ domain.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeSessionRepo) CountActiveByPod(_ domain.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int64{}
	for _, s := range f.sessions {
		if s.Status == domain.ConnectionActive {
			out[s.PodID]++
		}
	}
	return out, nil
}
