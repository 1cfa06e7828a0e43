package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of a consultation session
type SessionState string

const (
	SessionRequested SessionState = "requested"
	SessionRinging   SessionState = "ringing"
	SessionConnected SessionState = "connected"
	SessionEnded     SessionState = "ended"
	SessionRejected  SessionState = "rejected"
	SessionTimedOut  SessionState = "timed_out"
	SessionFailed    SessionState = "failed"
)

// IsTerminal reports whether the state admits no further transitions
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionEnded, SessionRejected, SessionTimedOut, SessionFailed:
		return true
	}
	return false
}

// IsDecidable reports whether the session can still be accepted or rejected
func (s SessionState) IsDecidable() bool {
	return s == SessionRequested || s == SessionRinging
}

// EndReason records why a session reached a terminal state
type EndReason string

const (
	EndReasonCompleted EndReason = "completed"
	EndReasonCancelled EndReason = "cancelled"
	EndReasonRejected  EndReason = "rejected"
	EndReasonTimeout   EndReason = "timeout"
	EndReasonExpired   EndReason = "expired"
	EndReasonError     EndReason = "error"
)

// CallType represents the consultation medium
type CallType string

const (
	CallTypeVideo CallType = "video"
	CallTypeAudio CallType = "audio"
	CallTypeText  CallType = "text"
)

// ValidCallType reports whether t is a recognized call type
func ValidCallType(t CallType) bool {
	return t == CallTypeVideo || t == CallTypeAudio || t == CallTypeText
}

// CallSession represents one patient-doctor consultation attempt.
// Mutated only through the session service; archived once terminal.
type CallSession struct {
	SessionID uuid.UUID    `json:"session_id"`
	PatientID uuid.UUID    `json:"patient_id"`
	DoctorID  uuid.UUID    `json:"doctor_id"`
	CallType  CallType     `json:"call_type"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	EndReason EndReason    `json:"end_reason,omitempty"`
}

// PeerOf returns the other participant of the session, or uuid.Nil if
// participantID is not a member.
func (s *CallSession) PeerOf(participantID uuid.UUID) uuid.UUID {
	switch participantID {
	case s.PatientID:
		return s.DoctorID
	case s.DoctorID:
		return s.PatientID
	}
	return uuid.Nil
}

// HasParticipant reports whether participantID is one of the two parties
func (s *CallSession) HasParticipant(participantID uuid.UUID) bool {
	return participantID == s.PatientID || participantID == s.DoctorID
}

// SessionTransition is one entry in a session's audit trail.
// Appended to the Cassandra transition log for external billing/record
// systems.
type SessionTransition struct {
	SessionID uuid.UUID    `json:"session_id"`
	FromState SessionState `json:"from_state"`
	ToState   SessionState `json:"to_state"`
	Reason    EndReason    `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}
