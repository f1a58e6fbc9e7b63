package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/broadcast-hub/internal/adapter/observability"
	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// SinkRegistry is the slice of the connection manager the delivery flow
// needs: local sink lookup and fan-out.
type SinkRegistry interface {
	HasLocalSinks(userID string) bool
	EmitToUser(userID string, ev domain.SSEEvent)
}

// DeliveryService performs the per-recipient delivery flow. It is safe to
// run on every pod concurrently: the status transition is conditional, so
// replays and cross-pod duplicates never double-count.
type DeliveryService struct {
	userBroadcasts domain.UserBroadcastRepository
	broadcasts     domain.BroadcastRepository
	presence       domain.PresenceStore
	sinks          SinkRegistry
	podID          string
}

// NewDeliveryService constructs a DeliveryService.
func NewDeliveryService(ub domain.UserBroadcastRepository, b domain.BroadcastRepository, presence domain.PresenceStore, sinks SinkRegistry, podID string) *DeliveryService {
	return &DeliveryService{userBroadcasts: ub, broadcasts: b, presence: presence, sinks: sinks, podID: podID}
}

// Deliver handles one CREATED event. The PENDING-row lookup is the
// idempotency guard: a duplicate event finds no row and returns nil.
func (s *DeliveryService) Deliver(ctx domain.Context, ev domain.MessageDeliveryEvent) error {
	row, err := s.userBroadcasts.FindPending(ctx, ev.UserID, ev.BroadcastID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Debug("no pending row, delivery already handled",
				slog.String("user_id", ev.UserID), slog.Int64("broadcast_id", ev.BroadcastID))
			return nil
		}
		return fmt.Errorf("op=delivery.deliver: %w", err)
	}

	msg, err := s.messageFor(ctx, row, ev.Message)
	if err != nil {
		return err
	}

	if s.sinks.HasLocalSinks(ev.UserID) {
		return s.deliverLocal(ctx, row, msg)
	}

	online, err := s.presence.IsOnline(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("op=delivery.deliver: %w", err)
	}
	if online {
		// The user's sinks live on another pod; that pod's dispatcher
		// consumes the same event and delivers there.
		return nil
	}
	return s.cachePending(ctx, ev.UserID, msg)
}

// ReplayPending flushes a reconnecting user's backlog: PENDING rows in
// created-at ascending order, using the cached pending payload where one
// exists. Each row flips to DELIVERED at most once.
func (s *DeliveryService) ReplayPending(ctx domain.Context, userID string) error {
	rows, err := s.userBroadcasts.ListPendingByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("op=delivery.replay: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	cached, err := s.presence.PendingEvents(ctx, userID)
	if err != nil {
		slog.Warn("pending cache unavailable, replaying from rows only",
			slog.String("user_id", userID), slog.Any("error", err))
		cached = nil
	}

	for _, row := range rows {
		var inline *domain.BroadcastMessage
		if payload, ok := cached[row.BroadcastID]; ok {
			if cev, err := domain.DecodeDeliveryEvent(payload); err == nil {
				inline = cev.Message
			}
		}
		msg, err := s.messageFor(ctx, row, inline)
		if err != nil {
			slog.Error("replay skipping row",
				slog.String("user_broadcast_id", row.ID), slog.Any("error", err))
			continue
		}
		if err := s.deliverLocal(ctx, row, msg); err != nil {
			return err
		}
	}
	return nil
}

// deliverLocal emits MESSAGE to the user's local sinks and performs the
// conditional PENDING->DELIVERED transition. When another pod won the race
// the update touches zero rows and nothing is counted.
func (s *DeliveryService) deliverLocal(ctx domain.Context, row domain.UserBroadcast, msg domain.BroadcastMessage) error {
	s.sinks.EmitToUser(row.UserID, domain.SSEEvent{
		Name: domain.SSEMessage,
		ID:   row.ID,
		Data: msg,
	})
	// The sink may have closed between the check and the emit; the row then
	// stays PENDING and replays on the next reconnect.
	if !s.sinks.HasLocalSinks(row.UserID) {
		return nil
	}
	delivered, err := s.userBroadcasts.MarkDelivered(ctx, row.ID)
	if err != nil {
		return fmt.Errorf("op=delivery.mark_delivered: %w", err)
	}
	if delivered {
		observability.MessagesDeliveredTotal.Inc()
	}
	if err := s.presence.RemovePendingEvent(ctx, row.UserID, row.BroadcastID); err != nil {
		slog.Warn("pending cache cleanup failed",
			slog.String("user_id", row.UserID), slog.Any("error", err))
	}
	return nil
}

// MarkFailed records the terminal failure of a CREATED event that was
// dead-lettered. The transition is conditional, so a pod that delivered the
// row in the meantime wins and nothing is counted here.
func (s *DeliveryService) MarkFailed(ctx domain.Context, userID string, broadcastID int64) error {
	failed, err := s.userBroadcasts.MarkFailed(ctx, userID, broadcastID)
	if err != nil {
		return fmt.Errorf("op=delivery.mark_failed: %w", err)
	}
	if !failed {
		return nil
	}
	observability.MessagesFailedTotal.Inc()
	if err := s.presence.RemovePendingEvent(ctx, userID, broadcastID); err != nil {
		slog.Warn("pending cache cleanup failed",
			slog.String("user_id", userID), slog.Any("error", err))
	}
	return nil
}

// cachePending parks the event for an offline user, keyed by broadcast id so
// duplicates overwrite.
func (s *DeliveryService) cachePending(ctx domain.Context, userID string, msg domain.BroadcastMessage) error {
	payload, err := domain.EncodeDeliveryEvent(domain.MessageDeliveryEvent{
		EventID:     msg.UserBroadcastID,
		BroadcastID: msg.BroadcastID,
		UserID:      userID,
		EventType:   domain.EventCreated,
		PodID:       s.podID,
		Timestamp:   time.Now().UTC(),
		Message:     &msg,
	})
	if err != nil {
		return err
	}
	if err := s.presence.CachePendingEvent(ctx, userID, msg.BroadcastID, payload); err != nil {
		return fmt.Errorf("op=delivery.cache_pending: %w", err)
	}
	observability.PendingCachedTotal.Inc()
	return nil
}

// messageFor composes the client DTO, loading broadcast content only when
// the event did not inline it.
func (s *DeliveryService) messageFor(ctx domain.Context, row domain.UserBroadcast, inline *domain.BroadcastMessage) (domain.BroadcastMessage, error) {
	if inline != nil {
		msg := *inline
		msg.UserBroadcastID = row.ID
		msg.BroadcastID = row.BroadcastID
		return msg, nil
	}
	b, err := s.broadcasts.Get(ctx, row.BroadcastID)
	if err != nil {
		return domain.BroadcastMessage{}, fmt.Errorf("op=delivery.message_for: %w", err)
	}
	return domain.BroadcastMessage{
		UserBroadcastID: row.ID,
		BroadcastID:     b.ID,
		Content:         b.Content,
		SenderName:      b.SenderName,
		Priority:        b.Priority,
		Category:        b.Category,
		CreatedAt:       b.CreatedAt,
	}, nil
}
