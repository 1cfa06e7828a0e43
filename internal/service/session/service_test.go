package session

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/pkg/errors"
	"carelink-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Log = zap.NewNop()
	logger.Sugar = logger.Log.Sugar()
	os.Exit(m.Run())
}

// MockPresence is a mock implementation of PresenceChecker
type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) IsOnline(doctorID uuid.UUID) bool {
	args := m.Called(doctorID)
	return args.Bool(0)
}

func (m *MockPresence) SetBusy(doctorID uuid.UUID, busy bool) {
	m.Called(doctorID, busy)
}

// MockCoordinator is a mock implementation of ChannelController
type MockCoordinator struct {
	mock.Mock
}

func (m *MockCoordinator) OpenChannel(session *domain.CallSession) error {
	args := m.Called(session)
	return args.Error(0)
}

func (m *MockCoordinator) CloseChannel(sessionID uuid.UUID) {
	m.Called(sessionID)
}

// MockDispatcher is a mock implementation of EventPublisher
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Publish(ctx context.Context, recipientID uuid.UUID, kind domain.EventKind, payload map[string]interface{}) error {
	args := m.Called(ctx, recipientID, kind, payload)
	return args.Error(0)
}

func newTestService(presence *MockPresence, coordinator *MockCoordinator, dispatcher *MockDispatcher, ringing time.Duration) *Service {
	return NewService(presence, coordinator, dispatcher, nil, nil, ringing, 4*time.Hour, nil)
}

// TestRequest tests admitting a consultation request
func TestRequest(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, true).Return()
	mockDispatcher.On("Publish", mock.Anything, doctorID, domain.EventCallRequested, mock.Anything).Return(nil)

	sess, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)

	assert.NoError(t, err)
	assert.NotNil(t, sess)
	assert.Equal(t, domain.SessionRequested, sess.State)
	assert.Equal(t, patientID, sess.PatientID)
	assert.Equal(t, doctorID, sess.DoctorID)
	assert.Equal(t, 1, service.ActiveCount())

	mockPresence.AssertExpectations(t)
	mockDispatcher.AssertExpectations(t)
}

// TestRequest_DoctorOffline tests admission when the doctor is not online
func TestRequest_DoctorOffline(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	doctorID := uuid.New()
	mockPresence.On("IsOnline", doctorID).Return(false)

	sess, err := service.Request(context.Background(), uuid.New(), doctorID, domain.CallTypeVideo)

	assert.Nil(t, sess)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDoctorUnavailable))
	assert.Equal(t, 0, service.ActiveCount())
	mockDispatcher.AssertNotCalled(t, "Publish")
}

// TestRequest_DoctorBusy tests that a doctor holds at most one
// non-terminal session
func TestRequest_DoctorBusy(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	doctorID := uuid.New()
	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, true).Return()
	mockDispatcher.On("Publish", mock.Anything, doctorID, domain.EventCallRequested, mock.Anything).Return(nil)

	_, err := service.Request(context.Background(), uuid.New(), doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)

	sess, err := service.Request(context.Background(), uuid.New(), doctorID, domain.CallTypeVideo)
	assert.Nil(t, sess)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDoctorBusy))
	assert.Equal(t, 1, service.ActiveCount())
}

// TestRequest_InvalidCallType tests rejection of unknown call types
func TestRequest_InvalidCallType(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	_, err := service.Request(context.Background(), uuid.New(), uuid.New(), domain.CallType("fax"))
	assert.Error(t, err)
	mockPresence.AssertNotCalled(t, "IsOnline")
}

// TestRequest_ConcurrentOneWinner tests that concurrent requests for one
// doctor admit exactly one session
func TestRequest_ConcurrentOneWinner(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	doctorID := uuid.New()
	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, true).Return()
	mockDispatcher.On("Publish", mock.Anything, doctorID, domain.EventCallRequested, mock.Anything).Return(nil)

	const patients = 16
	var wg sync.WaitGroup
	var admitted, busy int32
	for i := 0; i < patients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Request(context.Background(), uuid.New(), doctorID, domain.CallTypeVideo)
			switch {
			case err == nil:
				atomic.AddInt32(&admitted, 1)
			case errors.IsCode(err, errors.ErrCodeDoctorBusy):
				atomic.AddInt32(&busy, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted)
	assert.Equal(t, int32(patients-1), busy)
	assert.Equal(t, 1, service.ActiveCount())
	mockPresence.AssertNumberOfCalls(t, "SetBusy", 1)
}

// TestAcceptRejectRace tests that of a concurrent accept and reject
// exactly one wins and the loser observes the resolved state
func TestAcceptRejectRace(t *testing.T) {
	for i := 0; i < 25; i++ {
		mockPresence := new(MockPresence)
		mockCoordinator := new(MockCoordinator)
		mockDispatcher := new(MockDispatcher)
		service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

		doctorID := uuid.New()
		mockPresence.On("IsOnline", doctorID).Return(true)
		mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
		mockCoordinator.On("OpenChannel", mock.Anything).Return(nil)
		mockCoordinator.On("CloseChannel", mock.AnythingOfType("uuid.UUID")).Return()
		mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		requested, err := service.Request(context.Background(), uuid.New(), doctorID, domain.CallTypeVideo)
		assert.NoError(t, err)

		start := make(chan struct{})
		results := make(chan error, 2)
		go func() {
			<-start
			_, err := service.Accept(context.Background(), requested.SessionID, doctorID)
			results <- err
		}()
		go func() {
			<-start
			results <- service.Reject(context.Background(), requested.SessionID, doctorID)
		}()
		close(start)

		first, second := <-results, <-results
		if first == nil {
			assert.True(t, errors.IsCode(second, errors.ErrCodeSessionAlreadyResolved))
		} else {
			assert.NoError(t, second)
			assert.True(t, errors.IsCode(first, errors.ErrCodeSessionAlreadyResolved))
		}
	}
}

// TestAccept tests the doctor accepting a ringing request
func TestAccept(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, true).Return()
	mockDispatcher.On("Publish", mock.Anything, doctorID, domain.EventCallRequested, mock.Anything).Return(nil)
	mockDispatcher.On("Publish", mock.Anything, patientID, domain.EventCallAccepted, mock.Anything).Return(nil)
	mockCoordinator.On("OpenChannel", mock.AnythingOfType("*domain.CallSession")).Return(nil)

	requested, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)

	service.Ring(requested.SessionID, doctorID)

	connected, err := service.Accept(context.Background(), requested.SessionID, doctorID)
	assert.NoError(t, err)
	assert.Equal(t, domain.SessionConnected, connected.State)

	mockCoordinator.AssertExpectations(t)
	mockDispatcher.AssertExpectations(t)
}

// TestAccept_ParticipantMismatch tests that only the routed doctor can accept
func TestAccept_ParticipantMismatch(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	doctorID := uuid.New()
	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, true).Return()
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), uuid.New(), doctorID, domain.CallTypeAudio)
	assert.NoError(t, err)

	_, err = service.Accept(context.Background(), requested.SessionID, uuid.New())
	assert.True(t, errors.IsCode(err, errors.ErrCodeParticipantMismatch))
}

// TestAccept_UnknownSession tests accepting a session that does not exist
func TestAccept_UnknownSession(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	_, err := service.Accept(context.Background(), uuid.New(), uuid.New())
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownSession))
}

// TestReject tests the doctor declining a request
func TestReject(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, true).Return()
	mockPresence.On("SetBusy", doctorID, false).Return()
	mockCoordinator.On("CloseChannel", mock.AnythingOfType("uuid.UUID")).Return()
	mockDispatcher.On("Publish", mock.Anything, doctorID, domain.EventCallRequested, mock.Anything).Return(nil)
	mockDispatcher.On("Publish", mock.Anything, patientID, domain.EventCallRejected, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)

	err = service.Reject(context.Background(), requested.SessionID, doctorID)
	assert.NoError(t, err)
	assert.Equal(t, 0, service.ActiveCount())

	// The doctor is free for a new request immediately
	_, err = service.Request(context.Background(), uuid.New(), doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)
}

// TestReject_AlreadyResolved tests that the losing resolver observes the
// first transition
func TestReject_AlreadyResolved(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockCoordinator.On("OpenChannel", mock.Anything).Return(nil)
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)

	_, err = service.Accept(context.Background(), requested.SessionID, doctorID)
	assert.NoError(t, err)

	err = service.Reject(context.Background(), requested.SessionID, doctorID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionAlreadyResolved))
}

// TestCancel tests the patient withdrawing before the doctor decides
func TestCancel(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockCoordinator.On("CloseChannel", mock.AnythingOfType("uuid.UUID")).Return()
	mockDispatcher.On("Publish", mock.Anything, doctorID, domain.EventCallRequested, mock.Anything).Return(nil)
	mockDispatcher.On("Publish", mock.Anything, doctorID, domain.EventCallRejected, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)

	err = service.Cancel(context.Background(), requested.SessionID, patientID)
	assert.NoError(t, err)
	assert.Equal(t, 0, service.ActiveCount())
	mockDispatcher.AssertExpectations(t)
}

// TestCancel_AfterConnect tests that cancelling a live session ends it
func TestCancel_AfterConnect(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockCoordinator.On("OpenChannel", mock.Anything).Return(nil)
	mockCoordinator.On("CloseChannel", mock.AnythingOfType("uuid.UUID")).Return()
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)
	_, err = service.Accept(context.Background(), requested.SessionID, doctorID)
	assert.NoError(t, err)

	err = service.Cancel(context.Background(), requested.SessionID, patientID)
	assert.NoError(t, err)
	assert.Equal(t, 0, service.ActiveCount())

	// Both sides are told the session is over
	mockDispatcher.AssertCalled(t, "Publish", mock.Anything, patientID, domain.EventSessionEnded, mock.Anything)
	mockDispatcher.AssertCalled(t, "Publish", mock.Anything, doctorID, domain.EventSessionEnded, mock.Anything)
}

// TestEnd tests closing a connected session
func TestEnd(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockCoordinator.On("OpenChannel", mock.Anything).Return(nil)
	mockCoordinator.On("CloseChannel", mock.AnythingOfType("uuid.UUID")).Return()
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)
	_, err = service.Accept(context.Background(), requested.SessionID, doctorID)
	assert.NoError(t, err)

	err = service.End(context.Background(), requested.SessionID, doctorID, domain.EndReasonCompleted)
	assert.NoError(t, err)
	assert.Equal(t, 0, service.ActiveCount())
	mockCoordinator.AssertCalled(t, "CloseChannel", requested.SessionID)

	_, err = service.Get(requested.SessionID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownSession))
}

// TestEnd_ParticipantMismatch tests that an outsider cannot end a session
func TestEnd_ParticipantMismatch(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	doctorID := uuid.New()
	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockCoordinator.On("OpenChannel", mock.Anything).Return(nil)
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), uuid.New(), doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)
	_, err = service.Accept(context.Background(), requested.SessionID, doctorID)
	assert.NoError(t, err)

	err = service.End(context.Background(), requested.SessionID, uuid.New(), domain.EndReasonCompleted)
	assert.True(t, errors.IsCode(err, errors.ErrCodeParticipantMismatch))
	assert.Equal(t, 1, service.ActiveCount())
}

// TestRingingTimeout tests that an unanswered request times out
func TestRingingTimeout(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, 30*time.Millisecond)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockCoordinator.On("CloseChannel", mock.AnythingOfType("uuid.UUID")).Return()
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return service.ActiveCount() == 0
	}, time.Second, 10*time.Millisecond)

	// The losing accept sees the timeout, not a fresh session
	_, err = service.Accept(context.Background(), requested.SessionID, doctorID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownSession))
	mockDispatcher.AssertCalled(t, "Publish", mock.Anything, patientID, domain.EventSessionEnded, mock.Anything)
}

// TestRingingTimeout_CancelledByAccept tests that accepting stops the timer
func TestRingingTimeout_CancelledByAccept(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, 30*time.Millisecond)

	doctorID := uuid.New()
	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockCoordinator.On("OpenChannel", mock.Anything).Return(nil)
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), uuid.New(), doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)
	_, err = service.Accept(context.Background(), requested.SessionID, doctorID)
	assert.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	sess, err := service.Get(requested.SessionID)
	assert.NoError(t, err)
	assert.Equal(t, domain.SessionConnected, sess.State)
}

// TestFail_Idempotent tests that repeated failure signals collapse silently
func TestFail_Idempotent(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockCoordinator.On("OpenChannel", mock.Anything).Return(nil)
	mockCoordinator.On("CloseChannel", mock.AnythingOfType("uuid.UUID")).Return()
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)
	_, err = service.Accept(context.Background(), requested.SessionID, doctorID)
	assert.NoError(t, err)

	service.Fail(context.Background(), requested.SessionID, "relay overflow")
	service.Fail(context.Background(), requested.SessionID, "relay overflow")

	assert.Equal(t, 0, service.ActiveCount())
	mockCoordinator.AssertNumberOfCalls(t, "CloseChannel", 1)
}

// TestFailDoctorSessions tests failing whatever session is routed to a
// doctor who went offline
func TestFailDoctorSessions(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockCoordinator.On("CloseChannel", mock.AnythingOfType("uuid.UUID")).Return()
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)

	service.FailDoctorSessions(context.Background(), doctorID)
	assert.Equal(t, 0, service.ActiveCount())

	// No session routed: a no-op
	service.FailDoctorSessions(context.Background(), uuid.New())
}

// TestFailPatientSessions tests failing a connected session when the
// patient's connection goes away
func TestFailPatientSessions(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockCoordinator.On("OpenChannel", mock.Anything).Return(nil)
	mockCoordinator.On("CloseChannel", mock.AnythingOfType("uuid.UUID")).Return()
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)
	_, err = service.Accept(context.Background(), requested.SessionID, doctorID)
	assert.NoError(t, err)

	service.FailPatientSessions(context.Background(), patientID)
	assert.Equal(t, 0, service.ActiveCount())
	mockCoordinator.AssertCalled(t, "CloseChannel", requested.SessionID)

	// The doctor is told the session is over
	mockDispatcher.AssertCalled(t, "Publish", mock.Anything, doctorID, domain.EventSessionEnded, mock.Anything)
}

// TestFailPatientSessions_RingingLeftAlone tests that a patient disconnect
// does not collapse a request that is still ringing
func TestFailPatientSessions_RingingLeftAlone(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := newTestService(mockPresence, mockCoordinator, mockDispatcher, time.Minute)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)

	service.FailPatientSessions(context.Background(), patientID)
	assert.Equal(t, 1, service.ActiveCount())

	sess, err := service.Get(requested.SessionID)
	assert.NoError(t, err)
	assert.Equal(t, domain.SessionRequested, sess.State)
}

// TestMaxSessionDuration tests that a connected session is ended when it
// outlives the allowed duration
func TestMaxSessionDuration(t *testing.T) {
	mockPresence := new(MockPresence)
	mockCoordinator := new(MockCoordinator)
	mockDispatcher := new(MockDispatcher)
	service := NewService(mockPresence, mockCoordinator, mockDispatcher, nil, nil, time.Minute, 30*time.Millisecond, nil)

	patientID := uuid.New()
	doctorID := uuid.New()

	mockPresence.On("IsOnline", doctorID).Return(true)
	mockPresence.On("SetBusy", doctorID, mock.Anything).Return()
	mockCoordinator.On("OpenChannel", mock.Anything).Return(nil)
	mockCoordinator.On("CloseChannel", mock.AnythingOfType("uuid.UUID")).Return()
	mockDispatcher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	requested, err := service.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	assert.NoError(t, err)
	_, err = service.Accept(context.Background(), requested.SessionID, doctorID)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return service.ActiveCount() == 0
	}, time.Second, 10*time.Millisecond)

	// Both sides are told the session is over
	mockDispatcher.AssertCalled(t, "Publish", mock.Anything, patientID, domain.EventSessionEnded, mock.Anything)
	mockDispatcher.AssertCalled(t, "Publish", mock.Anything, doctorID, domain.EventSessionEnded, mock.Anything)
	mockCoordinator.AssertCalled(t, "CloseChannel", requested.SessionID)

	err = service.End(context.Background(), requested.SessionID, doctorID, domain.EndReasonCompleted)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownSession))
}
