package domain

import "github.com/google/uuid"

// Role distinguishes the two sides of a consultation
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Participant identifies an authenticated, connected client.
// Identity comes from the external auth provider's token and is trusted
// as-is; the core never re-validates credentials.
type Participant struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	Role          Role      `json:"role"`
}
