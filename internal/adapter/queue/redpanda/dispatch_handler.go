package redpanda

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// failMarker in a message body makes the CREATED handler fail on purpose.
// It exercises the retry and dead-letter path end to end in staging.
const failMarker = "FAIL_ME"

// MessageDeliverer performs the CREATED-event delivery flow against this
// pod's local sinks and the shared store.
type MessageDeliverer interface {
	Deliver(ctx domain.Context, ev domain.MessageDeliveryEvent) error
	// MarkFailed flips the recipient's still-PENDING row to FAILED after a
	// dead-lettered delivery.
	MarkFailed(ctx domain.Context, userID string, broadcastID int64) error
}

// SinkEmitter pushes an SSE event to a user's sinks on this pod. Emitting to
// a user with no local sinks is a no-op.
type SinkEmitter interface {
	EmitToUser(userID string, ev domain.SSEEvent)
}

// PendingCache is the slice of the presence store the handler needs to keep
// the offline cache consistent with read and removal events.
type PendingCache interface {
	RemovePendingEvent(ctx domain.Context, userID string, broadcastID int64) error
}

// DispatchHandler routes delivery events by type. CREATED goes through the
// full delivery flow; the rest are cross-pod UI sync signals.
type DispatchHandler struct {
	deliverer MessageDeliverer
	sinks     SinkEmitter
	pending   PendingCache
}

// NewDispatchHandler constructs a DispatchHandler.
func NewDispatchHandler(deliverer MessageDeliverer, sinks SinkEmitter, pending PendingCache) *DispatchHandler {
	return &DispatchHandler{deliverer: deliverer, sinks: sinks, pending: pending}
}

// Handle routes one event. Errors bubble to the dispatcher retry flow, so
// only failures a retry could fix may be returned.
func (h *DispatchHandler) Handle(ctx domain.Context, ev domain.MessageDeliveryEvent) error {
	switch ev.EventType {
	case domain.EventCreated:
		return h.handleCreated(ctx, ev)
	case domain.EventRead:
		h.sinks.EmitToUser(ev.UserID, domain.SSEEvent{
			Name: domain.SSEMessageRead,
			Data: map[string]any{"broadcastId": ev.BroadcastID},
		})
		return nil
	case domain.EventCancelled, domain.EventExpired:
		return h.handleRemoved(ctx, ev)
	default:
		// Unknown types from newer producers are skipped, not retried.
		return nil
	}
}

// DeadLettered marks the delivery row FAILED when a CREATED event exhausts
// its retries. Other event types are UI sync signals with no row to flip.
func (h *DispatchHandler) DeadLettered(ctx domain.Context, ev domain.MessageDeliveryEvent) {
	if ev.EventType != domain.EventCreated {
		return
	}
	if err := h.deliverer.MarkFailed(ctx, ev.UserID, ev.BroadcastID); err != nil {
		slog.Error("mark failed after dead-letter",
			slog.String("user_id", ev.UserID),
			slog.Int64("broadcast_id", ev.BroadcastID),
			slog.Any("error", err))
	}
}

func (h *DispatchHandler) handleCreated(ctx domain.Context, ev domain.MessageDeliveryEvent) error {
	if ev.Message == nil {
		return fmt.Errorf("op=dispatch.created: %w: missing message body", domain.ErrUnprocessable)
	}
	if ev.TransientFailure || strings.Contains(ev.Message.Content, failMarker) {
		return fmt.Errorf("op=dispatch.created: induced failure for broadcast %d", ev.BroadcastID)
	}
	return h.deliverer.Deliver(ctx, ev)
}

func (h *DispatchHandler) handleRemoved(ctx domain.Context, ev domain.MessageDeliveryEvent) error {
	if err := h.pending.RemovePendingEvent(ctx, ev.UserID, ev.BroadcastID); err != nil {
		return fmt.Errorf("op=dispatch.removed: %w", err)
	}
	h.sinks.EmitToUser(ev.UserID, domain.SSEEvent{
		Name: domain.SSEMessageRemoved,
		Data: map[string]any{"broadcastId": ev.BroadcastID, "reason": string(ev.EventType)},
	})
	return nil
}
