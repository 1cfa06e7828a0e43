package notification

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Log = zap.NewNop()
	logger.Sugar = logger.Log.Sugar()
	os.Exit(m.Run())
}

// MockEventQueue is a mock implementation of EventQueue
type MockEventQueue struct {
	mock.Mock
}

func (m *MockEventQueue) Enqueue(ctx context.Context, event *domain.NotificationEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventQueue) Pending(ctx context.Context, recipientID uuid.UUID) ([]*domain.NotificationEvent, error) {
	args := m.Called(ctx, recipientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.NotificationEvent), args.Error(1)
}

func (m *MockEventQueue) Remove(ctx context.Context, recipientID uuid.UUID, eventID uuid.UUID) (bool, error) {
	args := m.Called(ctx, recipientID, eventID)
	return args.Bool(0), args.Error(1)
}

// MockLiveDeliverer is a mock implementation of LiveDeliverer
type MockLiveDeliverer struct {
	mock.Mock
}

func (m *MockLiveDeliverer) DeliverEvent(recipientID uuid.UUID, event *domain.NotificationEvent) bool {
	args := m.Called(recipientID, event)
	return args.Bool(0)
}

// MockPushSender is a mock implementation of PushSender
type MockPushSender struct {
	mock.Mock
}

func (m *MockPushSender) SendIncomingCall(ctx context.Context, recipientID uuid.UUID, payload map[string]interface{}) error {
	args := m.Called(ctx, recipientID, payload)
	return args.Error(0)
}

func (m *MockPushSender) SendMissedCall(ctx context.Context, recipientID uuid.UUID, payload map[string]interface{}) error {
	args := m.Called(ctx, recipientID, payload)
	return args.Error(0)
}

// TestPublish_LiveDelivery tests queue-then-deliver for a connected recipient
func TestPublish_LiveDelivery(t *testing.T) {
	mockQueue := new(MockEventQueue)
	mockLive := new(MockLiveDeliverer)
	dispatcher := NewDispatcher(mockQueue, mockLive, nil, nil)

	recipientID := uuid.New()
	mockQueue.On("Enqueue", mock.Anything, mock.AnythingOfType("*domain.NotificationEvent")).Return(nil)
	mockLive.On("DeliverEvent", recipientID, mock.AnythingOfType("*domain.NotificationEvent")).Return(true)

	err := dispatcher.Publish(context.Background(), recipientID, domain.EventCallAccepted, map[string]interface{}{
		"session_id": uuid.New().String(),
	})

	assert.NoError(t, err)
	mockQueue.AssertExpectations(t)
	mockLive.AssertExpectations(t)
}

// TestPublish_QueueFailureStillDelivers tests degraded-queue behavior
func TestPublish_QueueFailureStillDelivers(t *testing.T) {
	mockQueue := new(MockEventQueue)
	mockLive := new(MockLiveDeliverer)
	dispatcher := NewDispatcher(mockQueue, mockLive, nil, nil)

	recipientID := uuid.New()
	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("redis unavailable"))
	mockLive.On("DeliverEvent", recipientID, mock.Anything).Return(true)

	err := dispatcher.Publish(context.Background(), recipientID, domain.EventSessionEnded, nil)

	assert.NoError(t, err)
	mockLive.AssertExpectations(t)
}

// TestPublish_PushFallback tests waking an offline recipient for an
// incoming call
func TestPublish_PushFallback(t *testing.T) {
	mockQueue := new(MockEventQueue)
	mockLive := new(MockLiveDeliverer)
	mockPush := new(MockPushSender)
	dispatcher := NewDispatcher(mockQueue, mockLive, mockPush, nil)

	recipientID := uuid.New()
	payload := map[string]interface{}{"session_id": uuid.New().String()}

	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)
	mockLive.On("DeliverEvent", recipientID, mock.Anything).Return(false)
	mockPush.On("SendIncomingCall", mock.Anything, recipientID, payload).Return(nil)

	err := dispatcher.Publish(context.Background(), recipientID, domain.EventCallRequested, payload)

	assert.NoError(t, err)
	mockPush.AssertExpectations(t)
}

// TestPublish_MissedCallPushFallback tests waking a disconnected doctor
// whose ringing request timed out
func TestPublish_MissedCallPushFallback(t *testing.T) {
	mockQueue := new(MockEventQueue)
	mockLive := new(MockLiveDeliverer)
	mockPush := new(MockPushSender)
	dispatcher := NewDispatcher(mockQueue, mockLive, mockPush, nil)

	doctorID := uuid.New()
	payload := map[string]interface{}{
		"session_id": uuid.New().String(),
		"doctor_id":  doctorID.String(),
		"end_reason": string(domain.EndReasonTimeout),
	}

	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)
	mockLive.On("DeliverEvent", doctorID, mock.Anything).Return(false)
	mockPush.On("SendMissedCall", mock.Anything, doctorID, payload).Return(nil)

	err := dispatcher.Publish(context.Background(), doctorID, domain.EventSessionEnded, payload)

	assert.NoError(t, err)
	mockPush.AssertExpectations(t)
}

// TestPublish_NoMissedCallForPatient tests that the patient side of a
// timeout does not get a missed-call push
func TestPublish_NoMissedCallForPatient(t *testing.T) {
	mockQueue := new(MockEventQueue)
	mockLive := new(MockLiveDeliverer)
	mockPush := new(MockPushSender)
	dispatcher := NewDispatcher(mockQueue, mockLive, mockPush, nil)

	patientID := uuid.New()
	payload := map[string]interface{}{
		"session_id": uuid.New().String(),
		"doctor_id":  uuid.New().String(),
		"end_reason": string(domain.EndReasonTimeout),
	}

	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)
	mockLive.On("DeliverEvent", patientID, mock.Anything).Return(false)

	err := dispatcher.Publish(context.Background(), patientID, domain.EventSessionEnded, payload)

	assert.NoError(t, err)
	mockPush.AssertNotCalled(t, "SendMissedCall")
}

// TestPublish_NoMissedCallWhenDelivered tests that a live-delivered
// timeout event skips the push fallback
func TestPublish_NoMissedCallWhenDelivered(t *testing.T) {
	mockQueue := new(MockEventQueue)
	mockLive := new(MockLiveDeliverer)
	mockPush := new(MockPushSender)
	dispatcher := NewDispatcher(mockQueue, mockLive, mockPush, nil)

	doctorID := uuid.New()
	payload := map[string]interface{}{
		"doctor_id":  doctorID.String(),
		"end_reason": string(domain.EndReasonTimeout),
	}

	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)
	mockLive.On("DeliverEvent", doctorID, mock.Anything).Return(true)

	err := dispatcher.Publish(context.Background(), doctorID, domain.EventSessionEnded, payload)

	assert.NoError(t, err)
	mockPush.AssertNotCalled(t, "SendMissedCall")
}

// TestPublish_NoPushForNonCallEvents tests that events unrelated to
// incoming or missed calls never use the push fallback
func TestPublish_NoPushForNonCallEvents(t *testing.T) {
	mockQueue := new(MockEventQueue)
	mockLive := new(MockLiveDeliverer)
	mockPush := new(MockPushSender)
	dispatcher := NewDispatcher(mockQueue, mockLive, mockPush, nil)

	recipientID := uuid.New()
	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)
	mockLive.On("DeliverEvent", recipientID, mock.Anything).Return(false)

	err := dispatcher.Publish(context.Background(), recipientID, domain.EventSessionEnded, nil)

	assert.NoError(t, err)
	mockPush.AssertNotCalled(t, "SendIncomingCall")
}

// TestAcknowledge tests dropping an acknowledged event, idempotently
func TestAcknowledge(t *testing.T) {
	mockQueue := new(MockEventQueue)
	mockLive := new(MockLiveDeliverer)
	dispatcher := NewDispatcher(mockQueue, mockLive, nil, nil)

	recipientID := uuid.New()
	eventID := uuid.New()

	mockQueue.On("Remove", mock.Anything, recipientID, eventID).Return(true, nil).Once()
	mockQueue.On("Remove", mock.Anything, recipientID, eventID).Return(false, nil).Once()

	assert.NoError(t, dispatcher.Acknowledge(context.Background(), recipientID, eventID))
	// Second acknowledgment of the same event is a no-op
	assert.NoError(t, dispatcher.Acknowledge(context.Background(), recipientID, eventID))
	mockQueue.AssertExpectations(t)
}

// TestDrainPending tests oldest-first replay on reconnect
func TestDrainPending(t *testing.T) {
	mockQueue := new(MockEventQueue)
	mockLive := new(MockLiveDeliverer)
	dispatcher := NewDispatcher(mockQueue, mockLive, nil, nil)

	recipientID := uuid.New()
	now := time.Now()
	newer := &domain.NotificationEvent{
		EventID:     uuid.New(),
		RecipientID: recipientID,
		Kind:        domain.EventSessionEnded,
		CreatedAt:   now,
	}
	older := &domain.NotificationEvent{
		EventID:     uuid.New(),
		RecipientID: recipientID,
		Kind:        domain.EventCallRequested,
		CreatedAt:   now.Add(-time.Minute),
	}

	mockQueue.On("Pending", mock.Anything, recipientID).Return([]*domain.NotificationEvent{newer, older}, nil)

	var order []uuid.UUID
	mockLive.On("DeliverEvent", recipientID, mock.Anything).Run(func(args mock.Arguments) {
		order = append(order, args.Get(1).(*domain.NotificationEvent).EventID)
	}).Return(true)

	err := dispatcher.DrainPending(context.Background(), recipientID)

	assert.NoError(t, err)
	assert.Equal(t, []uuid.UUID{older.EventID, newer.EventID}, order)
}

// TestDrainPending_Empty tests replay with nothing queued
func TestDrainPending_Empty(t *testing.T) {
	mockQueue := new(MockEventQueue)
	mockLive := new(MockLiveDeliverer)
	dispatcher := NewDispatcher(mockQueue, mockLive, nil, nil)

	recipientID := uuid.New()
	mockQueue.On("Pending", mock.Anything, recipientID).Return([]*domain.NotificationEvent{}, nil)

	assert.NoError(t, dispatcher.DrainPending(context.Background(), recipientID))
	mockLive.AssertNotCalled(t, "DeliverEvent")
}
