package notification

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/service/presence"
)

// MockPublisher is a mock implementation of Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, recipientID uuid.UUID, kind domain.EventKind, payload map[string]interface{}) error {
	args := m.Called(ctx, recipientID, kind, payload)
	return args.Error(0)
}

// TestPresenceFanout_Watch tests that a watching patient receives the
// doctor's presence changes
func TestPresenceFanout_Watch(t *testing.T) {
	mockPublisher := new(MockPublisher)
	fanout := NewPresenceFanout(mockPublisher)

	patientID := uuid.New()
	doctorID := uuid.New()
	fanout.Watch(patientID, doctorID)

	mockPublisher.On("Publish", mock.Anything, patientID, domain.EventPresenceChanged, mock.Anything).Return(nil)

	fanout.OnPresenceChanged(domain.PresenceRecord{
		DoctorID: doctorID,
		Status:   domain.PresenceOnline,
	})

	mockPublisher.AssertExpectations(t)
	call := mockPublisher.Calls[0]
	payload := call.Arguments.Get(3).(map[string]interface{})
	assert.Equal(t, doctorID.String(), payload["doctor_id"])
	assert.Equal(t, string(domain.PresenceOnline), payload["status"])
}

// TestPresenceFanout_OnlyWatchedDoctor tests that changes for other
// doctors do not reach the patient
func TestPresenceFanout_OnlyWatchedDoctor(t *testing.T) {
	mockPublisher := new(MockPublisher)
	fanout := NewPresenceFanout(mockPublisher)

	fanout.Watch(uuid.New(), uuid.New())

	fanout.OnPresenceChanged(domain.PresenceRecord{
		DoctorID: uuid.New(),
		Status:   domain.PresenceOnline,
	})

	mockPublisher.AssertNotCalled(t, "Publish")
}

// TestPresenceFanout_Unwatch tests that an unwatched doctor stops
// producing events
func TestPresenceFanout_Unwatch(t *testing.T) {
	mockPublisher := new(MockPublisher)
	fanout := NewPresenceFanout(mockPublisher)

	patientID := uuid.New()
	doctorID := uuid.New()
	fanout.Watch(patientID, doctorID)
	fanout.Unwatch(patientID, doctorID)

	fanout.OnPresenceChanged(domain.PresenceRecord{
		DoctorID: doctorID,
		Status:   domain.PresenceOffline,
	})

	mockPublisher.AssertNotCalled(t, "Publish")
}

// TestPresenceFanout_UnwatchAll tests that a disconnecting patient drops
// every watch at once
func TestPresenceFanout_UnwatchAll(t *testing.T) {
	mockPublisher := new(MockPublisher)
	fanout := NewPresenceFanout(mockPublisher)

	patientID := uuid.New()
	first := uuid.New()
	second := uuid.New()
	fanout.Watch(patientID, first)
	fanout.Watch(patientID, second)
	fanout.UnwatchAll(patientID)

	fanout.OnPresenceChanged(domain.PresenceRecord{DoctorID: first, Status: domain.PresenceBusy})
	fanout.OnPresenceChanged(domain.PresenceRecord{DoctorID: second, Status: domain.PresenceBusy})

	mockPublisher.AssertNotCalled(t, "Publish")
}

// TestPresenceFanout_TrackerIntegration tests the full path from a
// tracker state change to a presence_changed event for the watcher
func TestPresenceFanout_TrackerIntegration(t *testing.T) {
	mockPublisher := new(MockPublisher)
	fanout := NewPresenceFanout(mockPublisher)

	tracker := presence.NewTracker(30*time.Second, time.Second, nil, nil)
	tracker.Subscribe(fanout.OnPresenceChanged)

	patientID := uuid.New()
	doctorID := uuid.New()
	fanout.Watch(patientID, doctorID)

	mockPublisher.On("Publish", mock.Anything, patientID, domain.EventPresenceChanged, mock.Anything).Return(nil)

	tracker.SetOnline(context.Background(), doctorID)
	tracker.SetBusy(doctorID, true)
	tracker.SetOffline(context.Background(), doctorID)

	mockPublisher.AssertNumberOfCalls(t, "Publish", 3)
	last := mockPublisher.Calls[len(mockPublisher.Calls)-1]
	payload := last.Arguments.Get(3).(map[string]interface{})
	assert.Equal(t, string(domain.PresenceOffline), payload["status"])
}
