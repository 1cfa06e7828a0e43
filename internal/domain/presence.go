package domain

import (
	"time"

	"github.com/google/uuid"
)

// PresenceStatus represents a doctor's live availability
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceBusy    PresenceStatus = "busy"
)

// PresenceRecord tracks one doctor's availability. status == online implies
// a heartbeat within the configured liveness window; an expired heartbeat
// transitions the record to offline autonomously.
type PresenceRecord struct {
	DoctorID      uuid.UUID      `json:"doctor_id"`
	Status        PresenceStatus `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
}
