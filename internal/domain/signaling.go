package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SignalEnvelope carries one SDP offer/answer or ICE candidate between the
// two participants of a session. Payloads are opaque to the core; only the
// per-sender sequence number matters for ordering. Envelopes exist in
// transit only and are never persisted.
type SignalEnvelope struct {
	SessionID       uuid.UUID       `json:"session_id"`
	FromParticipant uuid.UUID       `json:"from_participant"`
	Sequence        uint64          `json:"sequence"`
	Payload         json.RawMessage `json:"payload"`
	Timestamp       time.Time       `json:"timestamp"`
}
