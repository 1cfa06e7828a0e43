package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies notification events delivered to clients
type EventKind string

const (
	EventCallRequested   EventKind = "call_requested"
	EventCallAccepted    EventKind = "call_accepted"
	EventCallRejected    EventKind = "call_rejected"
	EventSessionEnded    EventKind = "session_ended"
	EventPresenceChanged EventKind = "presence_changed"
)

// NotificationEvent is delivered at-least-once to a single recipient.
// Clients deduplicate by EventID; undelivered events are retained for the
// dispatcher's retention window and replayed on reconnect.
type NotificationEvent struct {
	EventID     uuid.UUID              `json:"event_id"`
	RecipientID uuid.UUID              `json:"recipient_id"`
	Kind        EventKind              `json:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Delivered   bool                   `json:"delivered"`
	CreatedAt   time.Time              `json:"created_at"`
}
