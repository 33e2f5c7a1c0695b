package ports

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventTypeKeepalive is reserved for synthetic frames emitted when a
// subscriber has been idle for the configured timeout. It never appears in
// session history.
const EventTypeKeepalive = "keepalive"

// Event is a single telemetry record broadcast to a session.
//
// Data is carried as raw JSON and forwarded byte-for-byte: the core performs
// no schema validation, and key order inside the payload is whatever the
// producer sent. Events are immutable once created; the history ring owns the
// canonical copy and queues only ever hold formatted frames.
type Event struct {
	// ID is an optional producer-assigned identifier, surfaced as the SSE
	// "id:" field so clients can resume with Last-Event-ID.
	ID string `json:"id,omitempty"`

	// Type tags the event, e.g. "task.started" or "research.finding".
	Type string `json:"type"`

	// Data is the opaque payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Retry, when non-zero, is surfaced as the SSE "retry:" reconnect hint.
	Retry time.Duration `json:"retry,omitempty"`

	// Timestamp records event creation time.
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event from an arbitrary payload, marshalling it once.
// Payloads that fail to marshal are forwarded as a JSON string of their Go
// representation rather than rejected; the core never drops producer data.
func NewEvent(eventType string, payload any) Event {
	return Event{
		Type:      eventType,
		Data:      marshalPayload(payload),
		Timestamp: time.Now(),
	}
}

// NewRawEvent builds an event from a pre-serialized payload. The bytes are
// passed through untouched.
func NewRawEvent(eventType string, data []byte) Event {
	return Event{
		Type:      eventType,
		Data:      json.RawMessage(data),
		Timestamp: time.Now(),
	}
}

func marshalPayload(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	if raw, ok := payload.([]byte); ok {
		return json.RawMessage(raw)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		fallback, _ := json.Marshal(fmt.Sprintf("%v", payload))
		return fallback
	}
	return data
}

// Size estimates the in-memory footprint of the event for memory accounting.
func (e Event) Size() int {
	return len(e.ID) + len(e.Type) + len(e.Data) + 48
}

// EventListener receives every event broadcast through the facade. The
// broadcaster itself satisfies this so orchestration code can treat it as a
// plain event sink.
type EventListener interface {
	OnEvent(sessionID string, event Event)
}
