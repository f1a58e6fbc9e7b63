package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

func deliveryEvent(userID string, broadcastID int64) domain.MessageDeliveryEvent {
	return domain.MessageDeliveryEvent{
		EventID:     "ev-1",
		BroadcastID: broadcastID,
		UserID:      userID,
		EventType:   domain.EventCreated,
		Timestamp:   time.Now().UTC(),
		Message: &domain.BroadcastMessage{
			BroadcastID: broadcastID,
			Content:     "hello",
			SenderName:  "ops",
			Priority:    "NORMAL",
		},
	}
}

func TestDeliver_NoPendingRowIsNoOp(t *testing.T) {
	ub := newFakeUserBroadcastRepo()
	sinks := newFakeSinks()
	svc := NewDeliveryService(ub, newFakeBroadcastRepo(), newFakePresence(), sinks, "pod-a")

	err := svc.Deliver(context.Background(), deliveryEvent("u1", 7))
	require.NoError(t, err)
	assert.Empty(t, sinks.emitted("u1"))
}

func TestDeliver_LocalSinkMarksDelivered(t *testing.T) {
	ub := newFakeUserBroadcastRepo()
	ub.addPending(domain.UserBroadcast{ID: "ub-1", UserID: "u1", BroadcastID: 7, DeliveryStatus: domain.DeliveryPending})
	sinks := newFakeSinks()
	sinks.local["u1"] = true
	svc := NewDeliveryService(ub, newFakeBroadcastRepo(), newFakePresence(), sinks, "pod-a")

	require.NoError(t, svc.Deliver(context.Background(), deliveryEvent("u1", 7)))

	got := sinks.emitted("u1")
	require.Len(t, got, 1)
	assert.Equal(t, domain.SSEMessage, got[0].Name)
	assert.Equal(t, "ub-1", got[0].ID)
	msg, ok := got[0].Data.(domain.BroadcastMessage)
	require.True(t, ok)
	assert.Equal(t, "ub-1", msg.UserBroadcastID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, 1, ub.delivered["ub-1"])
}

func TestMarkFailed_FlipsRowAndClearsCache(t *testing.T) {
	ub := newFakeUserBroadcastRepo()
	ub.addPending(domain.UserBroadcast{ID: "ub-1", UserID: "u1", BroadcastID: 7, DeliveryStatus: domain.DeliveryPending})
	presence := newFakePresence()
	presence.pending["u1"] = map[int64][]byte{7: []byte("cached")}
	svc := NewDeliveryService(ub, newFakeBroadcastRepo(), presence, newFakeSinks(), "pod-a")

	require.NoError(t, svc.MarkFailed(context.Background(), "u1", 7))

	require.Len(t, ub.failed, 1)
	assert.Equal(t, [2]any{"u1", int64(7)}, ub.failed[0])
	assert.Empty(t, presence.pending["u1"])
}

func TestMarkFailed_AlreadyDeliveredIsNoOp(t *testing.T) {
	ub := newFakeUserBroadcastRepo()
	svc := NewDeliveryService(ub, newFakeBroadcastRepo(), newFakePresence(), newFakeSinks(), "pod-a")

	require.NoError(t, svc.MarkFailed(context.Background(), "u1", 7))
	assert.Empty(t, ub.failed)
}

func TestDeliver_OnlineElsewhereLeavesRowAlone(t *testing.T) {
	ub := newFakeUserBroadcastRepo()
	ub.addPending(domain.UserBroadcast{ID: "ub-1", UserID: "u1", BroadcastID: 7, DeliveryStatus: domain.DeliveryPending})
	presence := newFakePresence()
	presence.online["u1"] = true
	svc := NewDeliveryService(ub, newFakeBroadcastRepo(), presence, newFakeSinks(), "pod-a")

	require.NoError(t, svc.Deliver(context.Background(), deliveryEvent("u1", 7)))
	assert.Zero(t, ub.delivered["ub-1"])
	assert.Empty(t, presence.pending["u1"])
}

func TestDeliver_OfflineCachesPendingEvent(t *testing.T) {
	ub := newFakeUserBroadcastRepo()
	ub.addPending(domain.UserBroadcast{ID: "ub-1", UserID: "u1", BroadcastID: 7, DeliveryStatus: domain.DeliveryPending})
	presence := newFakePresence()
	svc := NewDeliveryService(ub, newFakeBroadcastRepo(), presence, newFakeSinks(), "pod-a")

	require.NoError(t, svc.Deliver(context.Background(), deliveryEvent("u1", 7)))

	payload, ok := presence.pending["u1"][7]
	require.True(t, ok)
	ev, err := domain.DecodeDeliveryEvent(payload)
	require.NoError(t, err)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hello", ev.Message.Content)
	assert.Equal(t, "ub-1", ev.Message.UserBroadcastID)
	assert.Zero(t, ub.delivered["ub-1"])
}

func TestDeliver_LoadsContentWhenEventHasNoMessage(t *testing.T) {
	broadcasts := newFakeBroadcastRepo()
	b, err := broadcasts.CreateScheduled(context.Background(), domain.Broadcast{Content: "from the row", SenderName: "ops"})
	require.NoError(t, err)

	ub := newFakeUserBroadcastRepo()
	ub.addPending(domain.UserBroadcast{ID: "ub-1", UserID: "u1", BroadcastID: b.ID, DeliveryStatus: domain.DeliveryPending})
	sinks := newFakeSinks()
	sinks.local["u1"] = true
	svc := NewDeliveryService(ub, broadcasts, newFakePresence(), sinks, "pod-a")

	ev := deliveryEvent("u1", b.ID)
	ev.Message = nil
	require.NoError(t, svc.Deliver(context.Background(), ev))

	got := sinks.emitted("u1")
	require.Len(t, got, 1)
	msg := got[0].Data.(domain.BroadcastMessage)
	assert.Equal(t, "from the row", msg.Content)
}

func TestReplayPending_FlushesBacklogInOrder(t *testing.T) {
	ub := newFakeUserBroadcastRepo()
	ub.addPending(
		domain.UserBroadcast{ID: "ub-1", UserID: "u1", BroadcastID: 1, DeliveryStatus: domain.DeliveryPending},
		domain.UserBroadcast{ID: "ub-2", UserID: "u1", BroadcastID: 2, DeliveryStatus: domain.DeliveryPending},
	)
	presence := newFakePresence()
	payload, err := domain.EncodeDeliveryEvent(deliveryEvent("u1", 1))
	require.NoError(t, err)
	require.NoError(t, presence.CachePendingEvent(context.Background(), "u1", 1, payload))

	broadcasts := newFakeBroadcastRepo()
	broadcasts.broadcasts[2] = domain.Broadcast{ID: 2, Content: "second", SenderName: "ops"}

	sinks := newFakeSinks()
	sinks.local["u1"] = true
	svc := NewDeliveryService(ub, broadcasts, presence, sinks, "pod-a")

	require.NoError(t, svc.ReplayPending(context.Background(), "u1"))

	got := sinks.emitted("u1")
	require.Len(t, got, 2)
	assert.Equal(t, "ub-1", got[0].ID)
	assert.Equal(t, "ub-2", got[1].ID)
	assert.Equal(t, "hello", got[0].Data.(domain.BroadcastMessage).Content)
	assert.Equal(t, "second", got[1].Data.(domain.BroadcastMessage).Content)
	assert.Equal(t, 1, ub.delivered["ub-1"])
	assert.Equal(t, 1, ub.delivered["ub-2"])
	// Cached payload is dropped once the row is delivered.
	assert.Empty(t, presence.pending["u1"])
}

func TestDeliverLocal_SinkClosedMidFlightKeepsRowPending(t *testing.T) {
	ub := newFakeUserBroadcastRepo()
	row := domain.UserBroadcast{ID: "ub-1", UserID: "u1", BroadcastID: 7, DeliveryStatus: domain.DeliveryPending}
	ub.addPending(row)
	sinks := newFakeSinks()
	svc := NewDeliveryService(ub, newFakeBroadcastRepo(), newFakePresence(), sinks, "pod-a")

	// HasLocalSinks is false at re-check time, so the row is not marked.
	require.NoError(t, svc.deliverLocal(context.Background(), row, domain.BroadcastMessage{UserBroadcastID: "ub-1", BroadcastID: 7}))
	assert.Zero(t, ub.delivered["ub-1"])
}
