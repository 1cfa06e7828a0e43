package notification

import (
	"context"
	"time"

	"github.com/google/uuid"

	"carelink-backend/pkg/push"
)

// PushAdapter bridges the dispatcher's fallback to the push service
type PushAdapter struct {
	service *push.Service
}

// NewPushAdapter creates a PushAdapter
func NewPushAdapter(service *push.Service) *PushAdapter {
	return &PushAdapter{service: service}
}

// SendIncomingCall wakes the recipient's device for a consultation request
func (a *PushAdapter) SendIncomingCall(ctx context.Context, recipientID uuid.UUID, payload map[string]interface{}) error {
	data := &push.ConsultNotificationData{
		Timestamp: time.Now().Unix(),
	}
	if v, ok := payload["session_id"].(string); ok {
		if id, err := uuid.Parse(v); err == nil {
			data.SessionID = id
		}
	}
	if v, ok := payload["patient_id"].(string); ok {
		if id, err := uuid.Parse(v); err == nil {
			data.PatientID = id
		}
	}
	if v, ok := payload["call_type"].(string); ok {
		data.CallType = v
	}

	return a.service.SendIncomingConsult(ctx, data, recipientID)
}

// SendMissedCall tells a doctor about a consultation request that timed
// out unanswered
func (a *PushAdapter) SendMissedCall(ctx context.Context, recipientID uuid.UUID, payload map[string]interface{}) error {
	var sessionID uuid.UUID
	if v, ok := payload["session_id"].(string); ok {
		if id, err := uuid.Parse(v); err == nil {
			sessionID = id
		}
	}
	return a.service.SendMissedConsult(ctx, sessionID, recipientID)
}
