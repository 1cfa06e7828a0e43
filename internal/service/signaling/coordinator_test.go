package signaling

import (
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
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

// recordingDeliverer captures delivered frames per recipient
type recordingDeliverer struct {
	mu        sync.Mutex
	delivered map[uuid.UUID][]uint64
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{delivered: make(map[uuid.UUID][]uint64)}
}

func (d *recordingDeliverer) DeliverSignal(recipientID uuid.UUID, envelope *domain.SignalEnvelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered[recipientID] = append(d.delivered[recipientID], envelope.Sequence)
}

func (d *recordingDeliverer) sequences(recipientID uuid.UUID) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.delivered[recipientID]...)
}

func connectedSession() *domain.CallSession {
	return &domain.CallSession{
		SessionID: uuid.New(),
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
		CallType:  domain.CallTypeVideo,
		State:     domain.SessionConnected,
	}
}

func frame(sess *domain.CallSession, from uuid.UUID, seq uint64) *domain.SignalEnvelope {
	return &domain.SignalEnvelope{
		SessionID:       sess.SessionID,
		FromParticipant: from,
		Sequence:        seq,
		Payload:         json.RawMessage(`{"type":"offer"}`),
	}
}

// TestOpenChannel_RequiresConnected tests that only connected sessions get
// a relay
func TestOpenChannel_RequiresConnected(t *testing.T) {
	deliverer := newRecordingDeliverer()
	coordinator := NewCoordinator(deliverer, 32, nil)

	sess := connectedSession()
	sess.State = domain.SessionRinging

	err := coordinator.OpenChannel(sess)
	assert.Error(t, err)
	assert.False(t, coordinator.IsOpen(sess.SessionID))
}

// TestRelay_InOrder tests in-order frames flowing straight to the peer
func TestRelay_InOrder(t *testing.T) {
	deliverer := newRecordingDeliverer()
	coordinator := NewCoordinator(deliverer, 32, nil)

	sess := connectedSession()
	assert.NoError(t, coordinator.OpenChannel(sess))

	for seq := uint64(1); seq <= 3; seq++ {
		err := coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, seq))
		assert.NoError(t, err)
	}

	assert.Equal(t, []uint64{1, 2, 3}, deliverer.sequences(sess.DoctorID))
	assert.Empty(t, deliverer.sequences(sess.PatientID))
}

// TestRelay_Reorder tests that an out-of-order frame waits for its gap and
// is flushed with it
func TestRelay_Reorder(t *testing.T) {
	deliverer := newRecordingDeliverer()
	coordinator := NewCoordinator(deliverer, 32, nil)

	sess := connectedSession()
	assert.NoError(t, coordinator.OpenChannel(sess))

	assert.NoError(t, coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 2)))
	assert.NoError(t, coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 3)))
	assert.Empty(t, deliverer.sequences(sess.DoctorID))

	assert.NoError(t, coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 1)))
	assert.Equal(t, []uint64{1, 2, 3}, deliverer.sequences(sess.DoctorID))
}

// TestRelay_DuplicateAndStale tests silent dropping of replayed sequences
func TestRelay_DuplicateAndStale(t *testing.T) {
	deliverer := newRecordingDeliverer()
	coordinator := NewCoordinator(deliverer, 32, nil)

	sess := connectedSession()
	assert.NoError(t, coordinator.OpenChannel(sess))

	assert.NoError(t, coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 1)))
	// Stale: already delivered
	assert.NoError(t, coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 1)))
	// Duplicate of a buffered frame
	assert.NoError(t, coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 3)))
	assert.NoError(t, coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 3)))
	assert.NoError(t, coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 2)))

	assert.Equal(t, []uint64{1, 2, 3}, deliverer.sequences(sess.DoctorID))
}

// TestRelay_IndependentDirections tests that each sender has its own
// sequence space
func TestRelay_IndependentDirections(t *testing.T) {
	deliverer := newRecordingDeliverer()
	coordinator := NewCoordinator(deliverer, 32, nil)

	sess := connectedSession()
	assert.NoError(t, coordinator.OpenChannel(sess))

	assert.NoError(t, coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 1)))
	assert.NoError(t, coordinator.Relay(sess.DoctorID, frame(sess, sess.DoctorID, 1)))
	assert.NoError(t, coordinator.Relay(sess.DoctorID, frame(sess, sess.DoctorID, 2)))

	assert.Equal(t, []uint64{1}, deliverer.sequences(sess.DoctorID))
	assert.Equal(t, []uint64{1, 2}, deliverer.sequences(sess.PatientID))
}

// TestRelay_UnknownSession tests relaying into a session with no channel
func TestRelay_UnknownSession(t *testing.T) {
	deliverer := newRecordingDeliverer()
	coordinator := NewCoordinator(deliverer, 32, nil)

	sess := connectedSession()
	err := coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 1))
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownSession))
}

// TestRelay_ParticipantMismatch tests that outsiders cannot inject frames
func TestRelay_ParticipantMismatch(t *testing.T) {
	deliverer := newRecordingDeliverer()
	coordinator := NewCoordinator(deliverer, 32, nil)

	sess := connectedSession()
	assert.NoError(t, coordinator.OpenChannel(sess))

	outsider := uuid.New()
	err := coordinator.Relay(outsider, frame(sess, outsider, 1))
	assert.True(t, errors.IsCode(err, errors.ErrCodeParticipantMismatch))
}

// TestRelay_Overflow tests teardown when the reorder buffer bound is hit
func TestRelay_Overflow(t *testing.T) {
	deliverer := newRecordingDeliverer()
	coordinator := NewCoordinator(deliverer, 4, nil)

	var failedSession uuid.UUID
	var failureCause string
	coordinator.SetFailureHandler(func(sessionID uuid.UUID, cause string) {
		failedSession = sessionID
		failureCause = cause
	})

	sess := connectedSession()
	assert.NoError(t, coordinator.OpenChannel(sess))

	// Fill the buffer with gapped frames, sequence 1 never arrives
	for seq := uint64(2); seq <= 5; seq++ {
		assert.NoError(t, coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, seq)))
	}

	err := coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 6))
	assert.True(t, errors.IsCode(err, errors.ErrCodeChannelOverflow))
	assert.False(t, coordinator.IsOpen(sess.SessionID))
	assert.Equal(t, sess.SessionID, failedSession)
	assert.NotEmpty(t, failureCause)
	assert.Empty(t, deliverer.sequences(sess.DoctorID))
}

// TestCloseChannel tests teardown and idempotency
func TestCloseChannel(t *testing.T) {
	deliverer := newRecordingDeliverer()
	coordinator := NewCoordinator(deliverer, 32, nil)

	sess := connectedSession()
	assert.NoError(t, coordinator.OpenChannel(sess))
	assert.Equal(t, 1, coordinator.OpenCount())

	coordinator.CloseChannel(sess.SessionID)
	coordinator.CloseChannel(sess.SessionID)
	assert.Equal(t, 0, coordinator.OpenCount())

	err := coordinator.Relay(sess.PatientID, frame(sess, sess.PatientID, 1))
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownSession))
}
