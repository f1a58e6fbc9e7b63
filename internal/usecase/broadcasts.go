package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// Topics carries the bus topic names broadcasts are routed to. Selected and
// role broadcasts ride their own topic so a large ALL fan-out cannot delay
// them.
type Topics struct {
	Selected string
	Group    string
}

// ForTargetType returns the topic a broadcast's events ride on.
func (t Topics) ForTargetType(tt domain.TargetType) string {
	if tt == domain.TargetAll {
		return t.Group
	}
	return t.Selected
}

// BroadcastService implements the admin broadcast operations and the
// user-facing read path.
type BroadcastService struct {
	broadcasts     domain.BroadcastRepository
	userBroadcasts domain.UserBroadcastRepository
	targeting      *Targeting
	topics         Topics
	podID          string
	now            func() time.Time
}

// NewBroadcastService constructs a BroadcastService.
func NewBroadcastService(b domain.BroadcastRepository, ub domain.UserBroadcastRepository, targeting *Targeting, topics Topics, podID string) *BroadcastService {
	return &BroadcastService{
		broadcasts:     b,
		userBroadcasts: ub,
		targeting:      targeting,
		topics:         topics,
		podID:          podID,
		now:            time.Now,
	}
}

// Create validates and persists a broadcast. A future scheduled-at stores a
// SCHEDULED row for the lifecycle controller to activate; otherwise the
// broadcast goes out immediately: targeting, delivery rows, statistics seed,
// and one CREATED outbox event per recipient all commit in one transaction.
func (s *BroadcastService) Create(ctx domain.Context, b domain.Broadcast) (domain.Broadcast, error) {
	now := s.now().UTC()
	if err := s.validate(b, now); err != nil {
		return domain.Broadcast{}, err
	}
	if b.ScheduledAt != nil && b.ScheduledAt.After(now) {
		b.Status = domain.BroadcastScheduled
		created, err := s.broadcasts.CreateScheduled(ctx, b)
		if err != nil {
			return domain.Broadcast{}, fmt.Errorf("op=broadcasts.create: %w", err)
		}
		return created, nil
	}
	b.Status = domain.BroadcastActive
	b.ScheduledAt = nil
	created, err := s.broadcasts.CreateActive(ctx, b, func(created domain.Broadcast) ([]domain.UserBroadcast, []domain.OutboxEvent, error) {
		return s.Materialize(ctx, created)
	})
	if err != nil {
		return domain.Broadcast{}, fmt.Errorf("op=broadcasts.create: %w", err)
	}
	return created, nil
}

func (s *BroadcastService) validate(b domain.Broadcast, now time.Time) error {
	if b.Content == "" {
		return fmt.Errorf("op=broadcasts.validate: %w: empty content", domain.ErrInvalidArgument)
	}
	switch b.TargetType {
	case domain.TargetAll:
	case domain.TargetSelected, domain.TargetRole:
		if len(b.TargetIDs) == 0 {
			return fmt.Errorf("op=broadcasts.validate: %w: %s broadcast without targets", domain.ErrInvalidArgument, b.TargetType)
		}
	default:
		return fmt.Errorf("op=broadcasts.validate: %w: target type %q", domain.ErrInvalidArgument, b.TargetType)
	}
	if b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
		return fmt.Errorf("op=broadcasts.validate: %w: expires-at in the past", domain.ErrInvalidArgument)
	}
	if b.ScheduledAt != nil && b.ExpiresAt != nil && !b.ExpiresAt.After(*b.ScheduledAt) {
		return fmt.Errorf("op=broadcasts.validate: %w: expires-at before scheduled-at", domain.ErrInvalidArgument)
	}
	return nil
}

// Materialize resolves the target set and builds the delivery rows plus one
// CREATED outbox event per recipient. Called inside the creating or
// activating transaction once the broadcast id is known.
func (s *BroadcastService) Materialize(ctx domain.Context, b domain.Broadcast) ([]domain.UserBroadcast, []domain.OutboxEvent, error) {
	userIDs, err := s.targeting.Resolve(ctx, b)
	if err != nil {
		return nil, nil, fmt.Errorf("op=broadcasts.materialize: %w", err)
	}
	now := s.now().UTC()
	topic := s.topics.ForTargetType(b.TargetType)
	rows := make([]domain.UserBroadcast, 0, len(userIDs))
	events := make([]domain.OutboxEvent, 0, len(userIDs))
	for _, userID := range userIDs {
		row := domain.UserBroadcast{
			ID:             ulid.Make().String(),
			BroadcastID:    b.ID,
			UserID:         userID,
			DeliveryStatus: domain.DeliveryPending,
			ReadStatus:     domain.ReadUnread,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		rows = append(rows, row)
		payload, err := domain.EncodeDeliveryEvent(domain.MessageDeliveryEvent{
			EventID:     uuid.NewString(),
			BroadcastID: b.ID,
			UserID:      userID,
			EventType:   domain.EventCreated,
			PodID:       s.podID,
			Timestamp:   now,
			Message: &domain.BroadcastMessage{
				UserBroadcastID: row.ID,
				BroadcastID:     b.ID,
				Content:         b.Content,
				SenderName:      b.SenderName,
				Priority:        b.Priority,
				Category:        b.Category,
				CreatedAt:       now,
			},
		})
		if err != nil {
			return nil, nil, err
		}
		events = append(events, domain.OutboxEvent{
			ID:        uuid.NewString(),
			Topic:     topic,
			Key:       userID,
			Payload:   payload,
			CreatedAt: now,
		})
	}
	return rows, events, nil
}

// Cancel flips a broadcast to CANCELLED and queues one CANCELLED event per
// targeted user. Cancelling an already-terminal broadcast is a no-op.
func (s *BroadcastService) Cancel(ctx domain.Context, id int64) error {
	b, err := s.broadcasts.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=broadcasts.cancel: %w", err)
	}
	userIDs, err := s.userBroadcasts.ListUserIDs(ctx, id)
	if err != nil {
		return fmt.Errorf("op=broadcasts.cancel: %w", err)
	}
	events, err := s.lifecycleEvents(b, userIDs, domain.EventCancelled)
	if err != nil {
		return err
	}
	if _, err := s.broadcasts.Cancel(ctx, id, events); err != nil {
		return fmt.Errorf("op=broadcasts.cancel: %w", err)
	}
	return nil
}

// lifecycleEvents builds one event of the given type per targeted user.
func (s *BroadcastService) lifecycleEvents(b domain.Broadcast, userIDs []string, et domain.EventType) ([]domain.OutboxEvent, error) {
	now := s.now().UTC()
	topic := s.topics.ForTargetType(b.TargetType)
	events := make([]domain.OutboxEvent, 0, len(userIDs))
	for _, userID := range userIDs {
		payload, err := domain.EncodeDeliveryEvent(domain.MessageDeliveryEvent{
			EventID:     uuid.NewString(),
			BroadcastID: b.ID,
			UserID:      userID,
			EventType:   et,
			PodID:       s.podID,
			Timestamp:   now,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, domain.OutboxEvent{
			ID:        uuid.NewString(),
			Topic:     topic,
			Key:       userID,
			Payload:   payload,
			CreatedAt: now,
		})
	}
	return events, nil
}

// Get loads one broadcast.
func (s *BroadcastService) Get(ctx domain.Context, id int64) (domain.Broadcast, error) {
	return s.broadcasts.Get(ctx, id)
}

// List returns broadcasts for the admin listing.
func (s *BroadcastService) List(ctx domain.Context, filter domain.BroadcastFilter) ([]domain.Broadcast, error) {
	return s.broadcasts.List(ctx, filter)
}

// Deliveries returns the per-recipient rows and counters for one broadcast.
func (s *BroadcastService) Deliveries(ctx domain.Context, id int64) ([]domain.UserBroadcast, domain.BroadcastStatistics, error) {
	rows, err := s.userBroadcasts.ListByBroadcast(ctx, id)
	if err != nil {
		return nil, domain.BroadcastStatistics{}, fmt.Errorf("op=broadcasts.deliveries: %w", err)
	}
	stats, err := s.userBroadcasts.GetStatistics(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, domain.BroadcastStatistics{}, fmt.Errorf("op=broadcasts.deliveries: %w", err)
	}
	return rows, stats, nil
}

// MarkRead acknowledges a message: the UNREAD->READ transition, the
// totalRead increment, and the READ outbox event commit atomically. Reading
// an already-read message is a no-op.
func (s *BroadcastService) MarkRead(ctx domain.Context, userID string, broadcastID int64) error {
	b, err := s.broadcasts.Get(ctx, broadcastID)
	if err != nil {
		return fmt.Errorf("op=broadcasts.mark_read: %w", err)
	}
	events, err := s.lifecycleEvents(b, []string{userID}, domain.EventRead)
	if err != nil {
		return err
	}
	if _, err := s.userBroadcasts.MarkRead(ctx, userID, broadcastID, events); err != nil {
		return fmt.Errorf("op=broadcasts.mark_read: %w", err)
	}
	return nil
}

// Messages returns the user's message history, newest first.
func (s *BroadcastService) Messages(ctx domain.Context, userID string, limit int) ([]domain.UserMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.userBroadcasts.ListForUser(ctx, userID, limit)
}
