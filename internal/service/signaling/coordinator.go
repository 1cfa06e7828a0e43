package signaling

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/pkg/errors"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
)

// Deliverer pushes an in-order signal frame to a participant's connection.
// The websocket hub implements this; delivery to an offline participant is
// the hub's problem, not the coordinator's.
type Deliverer interface {
	DeliverSignal(recipientID uuid.UUID, envelope *domain.SignalEnvelope)
}

// FailureHandler is invoked when a channel is torn down for a transport
// fault. Wired to the session service's Fail.
type FailureHandler func(sessionID uuid.UUID, cause string)

// Coordinator relays signaling frames between the two participants of a
// connected session. Frames from one sender are delivered to the peer in
// strict sequence order; out-of-order arrivals wait in a bounded reorder
// buffer.
type Coordinator struct {
	mu       sync.Mutex
	channels map[uuid.UUID]*channel

	deliverer  Deliverer
	onFailure  FailureHandler
	bufferSize int
	metrics    *metrics.Metrics
}

type channel struct {
	session *domain.CallSession
	streams map[uuid.UUID]*senderStream
}

// senderStream tracks per-sender ordering state. Sequences start at 1;
// next is the sequence the peer expects to see delivered.
type senderStream struct {
	next    uint64
	pending map[uint64]*domain.SignalEnvelope
}

// NewCoordinator creates a signaling coordinator. m may be nil.
func NewCoordinator(deliverer Deliverer, bufferSize int, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		channels:   make(map[uuid.UUID]*channel),
		deliverer:  deliverer,
		bufferSize: bufferSize,
		metrics:    m,
	}
}

// SetFailureHandler wires the teardown callback. Must be called before any
// channel is opened; split from the constructor because the session service
// and the coordinator reference each other.
func (c *Coordinator) SetFailureHandler(handler FailureHandler) {
	c.onFailure = handler
}

// OpenChannel activates the relay for a connected session
func (c *Coordinator) OpenChannel(session *domain.CallSession) error {
	if session.State != domain.SessionConnected {
		return errors.InvalidInputError("signaling channel requires a connected session")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.channels[session.SessionID]; exists {
		return nil
	}

	snapshot := *session
	c.channels[session.SessionID] = &channel{
		session: &snapshot,
		streams: map[uuid.UUID]*senderStream{
			session.PatientID: {next: 1, pending: make(map[uint64]*domain.SignalEnvelope)},
			session.DoctorID:  {next: 1, pending: make(map[uint64]*domain.SignalEnvelope)},
		},
	}
	if c.metrics != nil {
		c.metrics.SetOpenChannels(len(c.channels))
	}

	logger.Info("signaling channel opened",
		zap.String("session_id", session.SessionID.String()))
	return nil
}

// CloseChannel tears down the relay for a session. Buffered frames are
// discarded. Idempotent.
func (c *Coordinator) CloseChannel(sessionID uuid.UUID) {
	c.mu.Lock()
	_, existed := c.channels[sessionID]
	delete(c.channels, sessionID)
	open := len(c.channels)
	c.mu.Unlock()

	if !existed {
		return
	}
	if c.metrics != nil {
		c.metrics.SetOpenChannels(open)
	}
	logger.Debug("signaling channel closed",
		zap.String("session_id", sessionID.String()))
}

// Relay accepts a frame from senderID and delivers it, plus any buffered
// successors it unblocks, to the peer in sequence order. Duplicate and
// stale sequences are dropped silently. Exceeding the reorder buffer tears
// the channel down and fails the session.
func (c *Coordinator) Relay(senderID uuid.UUID, envelope *domain.SignalEnvelope) error {
	c.mu.Lock()
	ch, ok := c.channels[envelope.SessionID]
	if !ok {
		c.mu.Unlock()
		return errors.UnknownSessionError()
	}
	stream, member := ch.streams[senderID]
	if !member {
		c.mu.Unlock()
		return errors.ParticipantMismatchError()
	}
	peer := ch.session.PeerOf(senderID)

	if envelope.Sequence < stream.next {
		c.mu.Unlock()
		logger.Debug("dropping stale signal frame",
			zap.String("session_id", envelope.SessionID.String()),
			zap.Uint64("sequence", envelope.Sequence))
		return nil
	}
	if _, dup := stream.pending[envelope.Sequence]; dup {
		c.mu.Unlock()
		return nil
	}

	if envelope.Sequence > stream.next {
		if len(stream.pending) >= c.bufferSize {
			delete(c.channels, envelope.SessionID)
			open := len(c.channels)
			sessionID := envelope.SessionID
			c.mu.Unlock()

			if c.metrics != nil {
				c.metrics.RecordChannelOverflow()
				c.metrics.SetOpenChannels(open)
			}
			logger.Warn("signal reorder buffer overflow, tearing down channel",
				zap.String("session_id", sessionID.String()),
				zap.String("sender_id", senderID.String()))
			if c.onFailure != nil {
				c.onFailure(sessionID, "signal reorder buffer overflow")
			}
			return errors.ChannelOverflowError()
		}
		stream.pending[envelope.Sequence] = envelope
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.RecordSignalBuffered()
		}
		return nil
	}

	// In-order frame: deliver it and flush every contiguous successor
	// already waiting in the buffer.
	deliverable := []*domain.SignalEnvelope{envelope}
	stream.next++
	for {
		next, ok := stream.pending[stream.next]
		if !ok {
			break
		}
		delete(stream.pending, stream.next)
		deliverable = append(deliverable, next)
		stream.next++
	}
	c.mu.Unlock()

	for _, frame := range deliverable {
		c.deliverer.DeliverSignal(peer, frame)
		if c.metrics != nil {
			c.metrics.RecordSignalRelayed(string(ch.session.CallType))
		}
	}
	return nil
}

// IsOpen reports whether a session has an active relay
func (c *Coordinator) IsOpen(sessionID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[sessionID]
	return ok
}

// OpenCount returns the number of active channels
func (c *Coordinator) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}
