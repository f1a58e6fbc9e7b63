package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates MessageDeliveryEvent handling in the dispatcher.
type EventType string

const (
	EventCreated   EventType = "CREATED"
	EventRead      EventType = "READ"
	EventCancelled EventType = "CANCELLED"
	EventExpired   EventType = "EXPIRED"
)

// BroadcastMessage is the message body inlined in CREATED events and pushed
// to clients as the MESSAGE SSE payload.
type BroadcastMessage struct {
	UserBroadcastID string    `json:"userBroadcastId"`
	BroadcastID     int64     `json:"broadcastId"`
	Content         string    `json:"content"`
	SenderName      string    `json:"senderName"`
	Priority        string    `json:"priority"`
	Category        string    `json:"category"`
	CreatedAt       time.Time `json:"createdAt"`
}

// MessageDeliveryEvent is the wire payload on the bus. Decoding is
// forward-compatible: unknown fields are ignored.
type MessageDeliveryEvent struct {
	EventID          string            `json:"eventId"`
	BroadcastID      int64             `json:"broadcastId"`
	UserID           string            `json:"userId"`
	EventType        EventType         `json:"eventType"`
	PodID            string            `json:"podId"`
	Timestamp        time.Time         `json:"timestamp"`
	Message          *BroadcastMessage `json:"message,omitempty"`
	TransientFailure bool              `json:"transientFailure,omitempty"`
}

// EncodeDeliveryEvent serializes an event for the outbox / bus.
func EncodeDeliveryEvent(ev MessageDeliveryEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("op=event.encode: %w", err)
	}
	return b, nil
}

// DecodeDeliveryEvent parses a bus payload. A payload that does not decode,
// or that carries no event type, is unprocessable.
func DecodeDeliveryEvent(b []byte) (MessageDeliveryEvent, error) {
	var ev MessageDeliveryEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return MessageDeliveryEvent{}, fmt.Errorf("op=event.decode: %w: %v", ErrUnprocessable, err)
	}
	if ev.EventType == "" {
		return MessageDeliveryEvent{}, fmt.Errorf("op=event.decode: %w: missing event type", ErrUnprocessable)
	}
	return ev, nil
}

// SSE event names pushed to clients.
const (
	SSEConnected      = "CONNECTED"
	SSEHeartbeat      = "HEARTBEAT"
	SSEMessage        = "MESSAGE"
	SSEMessageRead    = "MESSAGE_READ"
	SSEMessageRemoved = "MESSAGE_REMOVED"
)

// SSEEvent is one named server-sent event. ID is set only for MESSAGE events
// (the user-broadcast id) so clients can dedup on reconnect.
type SSEEvent struct {
	Name string
	ID   string
	Data any
}
