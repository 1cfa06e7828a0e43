package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	pkgctx "carelink-backend/pkg/context"
	"carelink-backend/pkg/errors"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
)

// PresenceChecker is the session service's view of the presence tracker.
// IsOnline is called under the admission mutex so the presence read and the
// per-doctor busy check form one atomic decision.
type PresenceChecker interface {
	IsOnline(doctorID uuid.UUID) bool
	SetBusy(doctorID uuid.UUID, busy bool)
}

// ChannelController opens and closes the signaling relay for a session
type ChannelController interface {
	OpenChannel(session *domain.CallSession) error
	CloseChannel(sessionID uuid.UUID)
}

// EventPublisher delivers notification events to participants
type EventPublisher interface {
	Publish(ctx context.Context, recipientID uuid.UUID, kind domain.EventKind, payload map[string]interface{}) error
}

// ArchiveRepository persists terminal sessions for history queries and
// external billing/record consumers
type ArchiveRepository interface {
	Archive(ctx context.Context, session *domain.CallSession) error
}

// TransitionLogger appends state transitions to the audit trail
type TransitionLogger interface {
	Append(ctx context.Context, transition *domain.SessionTransition) error
}

// Service governs consultation session lifecycles. All transitions happen
// under one mutex: the first transition wins, later resolvers observe the
// already-resolved state.
type Service struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*activeSession
	byDoctor map[uuid.UUID]uuid.UUID // doctor -> non-terminal session

	presence    PresenceChecker
	coordinator ChannelController
	dispatcher  EventPublisher
	archive     ArchiveRepository
	transitions TransitionLogger

	ringingTimeout     time.Duration
	maxSessionDuration time.Duration
	metrics            *metrics.Metrics
}

type activeSession struct {
	session *domain.CallSession
	timer   *time.Timer
}

// NewService creates a session service. archive, transitions and m may be
// nil; coordinator and dispatcher must not be.
func NewService(
	presence PresenceChecker,
	coordinator ChannelController,
	dispatcher EventPublisher,
	archive ArchiveRepository,
	transitions TransitionLogger,
	ringingTimeout time.Duration,
	maxSessionDuration time.Duration,
	m *metrics.Metrics,
) *Service {
	return &Service{
		sessions:           make(map[uuid.UUID]*activeSession),
		byDoctor:           make(map[uuid.UUID]uuid.UUID),
		presence:           presence,
		coordinator:        coordinator,
		dispatcher:         dispatcher,
		archive:            archive,
		transitions:        transitions,
		ringingTimeout:     ringingTimeout,
		maxSessionDuration: maxSessionDuration,
		metrics:            m,
	}
}

// Request admits a new consultation request. Presence read and busy-index
// insert happen under one lock so two patients can never be granted the
// same doctor.
func (s *Service) Request(ctx context.Context, patientID, doctorID uuid.UUID, callType domain.CallType) (*domain.CallSession, error) {
	if !domain.ValidCallType(callType) {
		return nil, errors.InvalidInputError("unknown call type")
	}

	s.mu.Lock()
	if !s.presence.IsOnline(doctorID) {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordAdmissionDenied("doctor_unavailable")
		}
		return nil, errors.DoctorUnavailableError()
	}
	if _, busy := s.byDoctor[doctorID]; busy {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordAdmissionDenied("doctor_busy")
		}
		return nil, errors.DoctorBusyError()
	}

	sess := &domain.CallSession{
		SessionID: uuid.New(),
		PatientID: patientID,
		DoctorID:  doctorID,
		CallType:  callType,
		State:     domain.SessionRequested,
		CreatedAt: time.Now(),
	}
	active := &activeSession{session: sess}
	active.timer = time.AfterFunc(s.ringingTimeout, func() {
		s.onRingingTimeout(sess.SessionID)
	})
	s.sessions[sess.SessionID] = active
	s.byDoctor[doctorID] = sess.SessionID
	activeCount := len(s.byDoctor)
	snapshot := *sess
	s.mu.Unlock()

	s.presence.SetBusy(doctorID, true)
	if s.metrics != nil {
		s.metrics.SetActiveSessions(activeCount)
	}
	s.logTransition(&snapshot, "", domain.SessionRequested)

	s.notify(ctx, doctorID, domain.EventCallRequested, eventPayload(&snapshot))

	logger.Info("consultation requested",
		zap.String("session_id", sess.SessionID.String()),
		zap.String("patient_id", patientID.String()),
		zap.String("doctor_id", doctorID.String()),
		zap.String("call_type", string(callType)))

	return &snapshot, nil
}

// Ring marks the doctor's client as actively ringing. Valid only from
// REQUESTED; a stale or repeated ring is ignored.
func (s *Service) Ring(sessionID, doctorID uuid.UUID) {
	s.mu.Lock()
	active, ok := s.sessions[sessionID]
	if !ok || active.session.DoctorID != doctorID || active.session.State != domain.SessionRequested {
		s.mu.Unlock()
		return
	}
	active.session.State = domain.SessionRinging
	snapshot := *active.session
	s.mu.Unlock()

	s.logTransition(&snapshot, domain.SessionRequested, domain.SessionRinging)
}

// Accept resolves a decidable session to CONNECTED. Exactly one of
// concurrent Accept/Reject wins; the others get SessionAlreadyResolved.
func (s *Service) Accept(ctx context.Context, sessionID, doctorID uuid.UUID) (*domain.CallSession, error) {
	s.mu.Lock()
	active, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.UnknownSessionError()
	}
	if active.session.DoctorID != doctorID {
		s.mu.Unlock()
		return nil, errors.ParticipantMismatchError()
	}
	if !active.session.State.IsDecidable() {
		s.mu.Unlock()
		return nil, errors.SessionAlreadyResolvedError()
	}
	from := active.session.State
	active.session.State = domain.SessionConnected
	active.timer.Stop()
	// The ringing timer's slot now guards the maximum duration instead
	if s.maxSessionDuration > 0 {
		active.timer = time.AfterFunc(s.maxSessionDuration, func() {
			s.onMaxDuration(sessionID)
		})
	}
	snapshot := *active.session
	s.mu.Unlock()

	if err := s.coordinator.OpenChannel(&snapshot); err != nil {
		// The transition already won; a relay setup failure is a
		// transport fault and surfaces as FAILED.
		logger.Error("failed to open signaling channel",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		s.Fail(ctx, sessionID, "channel setup failed")
		return nil, errors.GetAppError(err)
	}

	s.logTransition(&snapshot, from, domain.SessionConnected)
	s.notify(ctx, snapshot.PatientID, domain.EventCallAccepted, eventPayload(&snapshot))

	logger.Info("consultation accepted",
		zap.String("session_id", sessionID.String()),
		zap.String("doctor_id", doctorID.String()))

	return &snapshot, nil
}

// Reject resolves a decidable session to REJECTED
func (s *Service) Reject(ctx context.Context, sessionID, doctorID uuid.UUID) error {
	return s.resolveDecidable(ctx, sessionID, doctorID, true, domain.SessionRejected, domain.EndReasonRejected)
}

// Cancel withdraws the patient's request. Before CONNECTED it behaves like
// a rejection with end_reason cancelled; after CONNECTED it routes through
// End.
func (s *Service) Cancel(ctx context.Context, sessionID, patientID uuid.UUID) error {
	s.mu.Lock()
	active, ok := s.sessions[sessionID]
	if ok && active.session.State == domain.SessionConnected {
		s.mu.Unlock()
		return s.End(ctx, sessionID, patientID, domain.EndReasonCancelled)
	}
	s.mu.Unlock()
	return s.resolveDecidable(ctx, sessionID, patientID, false, domain.SessionRejected, domain.EndReasonCancelled)
}

// resolveDecidable collapses Reject and Cancel: both move a decidable
// session to REJECTED and notify the peer.
func (s *Service) resolveDecidable(ctx context.Context, sessionID, callerID uuid.UUID, callerIsDoctor bool, to domain.SessionState, reason domain.EndReason) error {
	s.mu.Lock()
	active, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return errors.UnknownSessionError()
	}
	expected := active.session.PatientID
	if callerIsDoctor {
		expected = active.session.DoctorID
	}
	if callerID != expected {
		s.mu.Unlock()
		return errors.ParticipantMismatchError()
	}
	if !active.session.State.IsDecidable() {
		s.mu.Unlock()
		return errors.SessionAlreadyResolvedError()
	}
	from := active.session.State
	snapshot := s.terminateLocked(active, to, reason)
	s.mu.Unlock()

	s.finishTerminal(ctx, &snapshot, from)

	peer := snapshot.PatientID
	if !callerIsDoctor {
		peer = snapshot.DoctorID
	}
	s.notify(ctx, peer, domain.EventCallRejected, eventPayload(&snapshot))

	return nil
}

// End closes a CONNECTED session
func (s *Service) End(ctx context.Context, sessionID, participantID uuid.UUID, reason domain.EndReason) error {
	if reason == "" {
		reason = domain.EndReasonCompleted
	}

	s.mu.Lock()
	active, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return errors.UnknownSessionError()
	}
	if !active.session.HasParticipant(participantID) {
		s.mu.Unlock()
		return errors.ParticipantMismatchError()
	}
	if active.session.State != domain.SessionConnected {
		s.mu.Unlock()
		return errors.SessionAlreadyResolvedError()
	}
	snapshot := s.terminateLocked(active, domain.SessionEnded, reason)
	s.mu.Unlock()

	s.finishTerminal(ctx, &snapshot, domain.SessionConnected)

	payload := eventPayload(&snapshot)
	s.notify(ctx, snapshot.PatientID, domain.EventSessionEnded, payload)
	s.notify(ctx, snapshot.DoctorID, domain.EventSessionEnded, payload)

	if s.metrics != nil && snapshot.EndedAt != nil {
		s.metrics.RecordSessionDuration(string(snapshot.CallType), snapshot.EndedAt.Sub(snapshot.CreatedAt))
	}

	logger.Info("consultation ended",
		zap.String("session_id", sessionID.String()),
		zap.String("end_reason", string(reason)))

	return nil
}

// Fail forces any non-terminal session to FAILED. Idempotent: repeated
// failure signals for an already-terminal session are logged, never
// surfaced.
func (s *Service) Fail(ctx context.Context, sessionID uuid.UUID, cause string) {
	s.mu.Lock()
	active, ok := s.sessions[sessionID]
	if !ok || active.session.State.IsTerminal() {
		s.mu.Unlock()
		logger.Debug("failure signal for resolved session",
			zap.String("session_id", sessionID.String()),
			zap.String("cause", cause))
		return
	}
	from := active.session.State
	snapshot := s.terminateLocked(active, domain.SessionFailed, domain.EndReasonError)
	s.mu.Unlock()

	s.finishTerminal(ctx, &snapshot, from)

	payload := eventPayload(&snapshot)
	payload["cause"] = cause
	s.notify(ctx, snapshot.PatientID, domain.EventSessionEnded, payload)
	s.notify(ctx, snapshot.DoctorID, domain.EventSessionEnded, payload)

	logger.Warn("consultation failed",
		zap.String("session_id", sessionID.String()),
		zap.String("cause", cause))
}

// FailDoctorSessions fails whatever non-terminal session is routed to the
// doctor. Wired to presence expiry.
func (s *Service) FailDoctorSessions(ctx context.Context, doctorID uuid.UUID) {
	s.mu.Lock()
	sessionID, ok := s.byDoctor[doctorID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.Fail(ctx, sessionID, "doctor presence lost")
}

// FailPatientSessions fails any connected session the patient is party to.
// Wired to the patient's connection teardown; a request still ringing is
// left for the doctor to resolve or the ringing timer to collect, since
// the patient may reconnect and replay its pending events.
func (s *Service) FailPatientSessions(ctx context.Context, patientID uuid.UUID) {
	s.mu.Lock()
	var connected []uuid.UUID
	for id, active := range s.sessions {
		if active.session.PatientID == patientID && active.session.State == domain.SessionConnected {
			connected = append(connected, id)
		}
	}
	s.mu.Unlock()

	for _, sessionID := range connected {
		s.Fail(ctx, sessionID, "patient connection lost")
	}
}

// Get returns a copy of a live (non-archived) session
func (s *Service) Get(sessionID uuid.UUID) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.UnknownSessionError()
	}
	snapshot := *active.session
	return &snapshot, nil
}

// ActiveCount returns the number of non-terminal sessions
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byDoctor)
}

// onRingingTimeout fires when a session stayed undecided past the ringing
// timeout. It transitions REQUESTED/RINGING -> TIMED_OUT exactly once; a
// session resolved in the meantime is left alone.
func (s *Service) onRingingTimeout(sessionID uuid.UUID) {
	ctx := context.Background()

	s.mu.Lock()
	active, ok := s.sessions[sessionID]
	if !ok || !active.session.State.IsDecidable() {
		s.mu.Unlock()
		return
	}
	from := active.session.State
	snapshot := s.terminateLocked(active, domain.SessionTimedOut, domain.EndReasonTimeout)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordRingingTimeout()
	}
	s.finishTerminal(ctx, &snapshot, from)

	payload := eventPayload(&snapshot)
	s.notify(ctx, snapshot.PatientID, domain.EventSessionEnded, payload)
	s.notify(ctx, snapshot.DoctorID, domain.EventSessionEnded, payload)

	logger.Info("consultation timed out unanswered",
		zap.String("session_id", sessionID.String()))
}

// onMaxDuration fires when a connected session outlives the allowed
// duration. The session ends for both participants with end_reason
// expired; a session already terminal is left alone.
func (s *Service) onMaxDuration(sessionID uuid.UUID) {
	ctx := context.Background()

	s.mu.Lock()
	active, ok := s.sessions[sessionID]
	if !ok || active.session.State != domain.SessionConnected {
		s.mu.Unlock()
		return
	}
	snapshot := s.terminateLocked(active, domain.SessionEnded, domain.EndReasonExpired)
	s.mu.Unlock()

	s.finishTerminal(ctx, &snapshot, domain.SessionConnected)

	payload := eventPayload(&snapshot)
	s.notify(ctx, snapshot.PatientID, domain.EventSessionEnded, payload)
	s.notify(ctx, snapshot.DoctorID, domain.EventSessionEnded, payload)

	if s.metrics != nil && snapshot.EndedAt != nil {
		s.metrics.RecordSessionDuration(string(snapshot.CallType), snapshot.EndedAt.Sub(snapshot.CreatedAt))
	}

	logger.Info("consultation reached maximum duration",
		zap.String("session_id", sessionID.String()))
}

// terminateLocked applies a terminal transition. Caller holds s.mu.
func (s *Service) terminateLocked(active *activeSession, to domain.SessionState, reason domain.EndReason) domain.CallSession {
	now := time.Now()
	active.session.State = to
	active.session.EndedAt = &now
	active.session.EndReason = reason
	if active.timer != nil {
		active.timer.Stop()
	}
	delete(s.byDoctor, active.session.DoctorID)
	delete(s.sessions, active.session.SessionID)
	return *active.session
}

// finishTerminal runs the out-of-lock bookkeeping shared by every terminal
// transition: release the relay, clear the busy flag, archive, audit.
func (s *Service) finishTerminal(ctx context.Context, snapshot *domain.CallSession, from domain.SessionState) {
	s.coordinator.CloseChannel(snapshot.SessionID)
	s.presence.SetBusy(snapshot.DoctorID, false)

	if s.metrics != nil {
		s.metrics.RecordSessionTerminal(string(snapshot.CallType), string(snapshot.State))
		s.mu.Lock()
		activeCount := len(s.byDoctor)
		s.mu.Unlock()
		s.metrics.SetActiveSessions(activeCount)
	}

	s.logTransition(snapshot, from, snapshot.State)

	if s.archive != nil {
		archived := *snapshot
		go func() {
			ctx, cancel := pkgctx.WithMediumTimeout(context.Background())
			defer cancel()
			if err := s.archive.Archive(ctx, &archived); err != nil {
				logger.Error("failed to archive session",
					zap.String("session_id", archived.SessionID.String()),
					zap.Error(err))
			}
		}()
	}
}

func (s *Service) logTransition(sess *domain.CallSession, from, to domain.SessionState) {
	if s.transitions == nil {
		return
	}
	t := &domain.SessionTransition{
		SessionID: sess.SessionID,
		FromState: from,
		ToState:   to,
		Reason:    sess.EndReason,
		At:        time.Now(),
	}
	go func() {
		ctx, cancel := pkgctx.WithMediumTimeout(context.Background())
		defer cancel()
		if err := s.transitions.Append(ctx, t); err != nil {
			logger.Debug("failed to append session transition",
				zap.String("session_id", t.SessionID.String()),
				zap.Error(err))
		}
	}()
}

func (s *Service) notify(ctx context.Context, recipientID uuid.UUID, kind domain.EventKind, payload map[string]interface{}) {
	if err := s.dispatcher.Publish(ctx, recipientID, kind, payload); err != nil {
		logger.Warn("failed to publish notification event",
			zap.String("recipient_id", recipientID.String()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func eventPayload(sess *domain.CallSession) map[string]interface{} {
	payload := map[string]interface{}{
		"session_id": sess.SessionID.String(),
		"patient_id": sess.PatientID.String(),
		"doctor_id":  sess.DoctorID.String(),
		"call_type":  string(sess.CallType),
		"state":      string(sess.State),
	}
	if sess.EndReason != "" {
		payload["end_reason"] = string(sess.EndReason)
	}
	return payload
}
