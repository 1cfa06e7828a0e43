package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/pkg/errors"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
)

// Mirror replicates presence state to a shared store (Redis) so sibling
// services can read it. All mirror writes are best-effort.
type Mirror interface {
	SetOnline(ctx context.Context, doctorID uuid.UUID) error
	SetOffline(ctx context.Context, doctorID uuid.UUID) error
	Refresh(ctx context.Context, doctorID uuid.UUID) error
}

// ChangeListener receives presence_changed notifications
type ChangeListener func(record domain.PresenceRecord)

// OfflineListener is invoked when a doctor goes offline, whether explicitly
// or by heartbeat expiry. The session service uses it to fail any session
// still routed to the doctor.
type OfflineListener func(doctorID uuid.UUID)

// Tracker maintains per-doctor online/offline/busy state with
// heartbeat-based expiry. All reads and writes go through one mutex so the
// session service can combine a presence read with its busy check without
// racing the sweeper.
type Tracker struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.PresenceRecord

	window time.Duration
	sweep  time.Duration

	mirror    Mirror
	metrics   *metrics.Metrics
	listeners []ChangeListener
	onOffline []OfflineListener

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTracker creates a presence tracker. mirror and m may be nil.
func NewTracker(window, sweep time.Duration, mirror Mirror, m *metrics.Metrics) *Tracker {
	return &Tracker{
		records: make(map[uuid.UUID]*domain.PresenceRecord),
		window:  window,
		sweep:   sweep,
		mirror:  mirror,
		metrics: m,
		stop:    make(chan struct{}),
	}
}

// Subscribe registers a presence_changed listener. Not safe to call after
// Start.
func (t *Tracker) Subscribe(l ChangeListener) {
	t.listeners = append(t.listeners, l)
}

// OnOffline registers an offline listener. Not safe to call after Start.
func (t *Tracker) OnOffline(l OfflineListener) {
	t.onOffline = append(t.onOffline, l)
}

// Start launches the expiry sweeper
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.sweep)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
				t.sweepExpired(ctx)
			}
		}
	}()
}

// Stop terminates the sweeper
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// SetOnline marks a doctor online and stamps a fresh heartbeat
func (t *Tracker) SetOnline(ctx context.Context, doctorID uuid.UUID) {
	t.mu.Lock()
	rec, ok := t.records[doctorID]
	if !ok {
		rec = &domain.PresenceRecord{DoctorID: doctorID}
		t.records[doctorID] = rec
	}
	changed := rec.Status != domain.PresenceOnline
	rec.Status = domain.PresenceOnline
	rec.LastHeartbeat = time.Now()
	snapshot := *rec
	online := t.onlineCountLocked()
	t.mu.Unlock()

	if t.mirror != nil {
		if err := t.mirror.SetOnline(ctx, doctorID); err != nil {
			logger.Warn("presence mirror set online failed",
				zap.String("doctor_id", doctorID.String()),
				zap.Error(err))
		}
	}
	if t.metrics != nil {
		t.metrics.SetDoctorsOnline(online)
	}
	if changed {
		t.notifyChanged(snapshot)
	}
}

// Heartbeat refreshes a doctor's liveness. Returns PresenceExpired if the
// doctor is offline; the client must call SetOnline again.
func (t *Tracker) Heartbeat(ctx context.Context, doctorID uuid.UUID) error {
	t.mu.Lock()
	rec, ok := t.records[doctorID]
	if !ok || rec.Status == domain.PresenceOffline {
		t.mu.Unlock()
		return errors.PresenceExpiredError()
	}
	rec.LastHeartbeat = time.Now()
	t.mu.Unlock()

	if t.mirror != nil {
		if err := t.mirror.Refresh(ctx, doctorID); err != nil {
			logger.Debug("presence mirror refresh failed",
				zap.String("doctor_id", doctorID.String()),
				zap.Error(err))
		}
	}
	return nil
}

// SetOffline marks a doctor offline explicitly
func (t *Tracker) SetOffline(ctx context.Context, doctorID uuid.UUID) {
	t.markOffline(ctx, doctorID)
}

// SetBusy toggles the busy flag for an online doctor. Busy doctors remain
// subject to heartbeat expiry.
func (t *Tracker) SetBusy(doctorID uuid.UUID, busy bool) {
	t.mu.Lock()
	rec, ok := t.records[doctorID]
	if !ok || rec.Status == domain.PresenceOffline {
		t.mu.Unlock()
		return
	}
	var want domain.PresenceStatus
	if busy {
		want = domain.PresenceBusy
	} else {
		want = domain.PresenceOnline
	}
	if rec.Status == want {
		t.mu.Unlock()
		return
	}
	rec.Status = want
	snapshot := *rec
	t.mu.Unlock()

	t.notifyChanged(snapshot)
}

// IsOnline reports whether the doctor is reachable (online or busy)
func (t *Tracker) IsOnline(doctorID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[doctorID]
	return ok && rec.Status != domain.PresenceOffline
}

// Get returns a copy of the doctor's presence record
func (t *Tracker) Get(doctorID uuid.UUID) (domain.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[doctorID]
	if !ok {
		return domain.PresenceRecord{DoctorID: doctorID, Status: domain.PresenceOffline}, false
	}
	return *rec, true
}

// OnlineDoctors lists doctors currently reachable
func (t *Tracker) OnlineDoctors() []domain.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.PresenceRecord, 0, len(t.records))
	for _, rec := range t.records {
		if rec.Status != domain.PresenceOffline {
			out = append(out, *rec)
		}
	}
	return out
}

// sweepExpired collects doctors whose heartbeat aged past the liveness
// window and marks them offline. Offline is authoritative until a fresh
// SetOnline; there are no retries.
func (t *Tracker) sweepExpired(ctx context.Context) {
	cutoff := time.Now().Add(-t.window)

	t.mu.Lock()
	var expired []uuid.UUID
	for id, rec := range t.records {
		if rec.Status != domain.PresenceOffline && rec.LastHeartbeat.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	t.mu.Unlock()

	for _, id := range expired {
		logger.Info("presence heartbeat expired",
			zap.String("doctor_id", id.String()))
		if t.metrics != nil {
			t.metrics.RecordPresenceExpiry()
		}
		t.markOffline(ctx, id)
	}
}

func (t *Tracker) markOffline(ctx context.Context, doctorID uuid.UUID) {
	t.mu.Lock()
	rec, ok := t.records[doctorID]
	if !ok || rec.Status == domain.PresenceOffline {
		t.mu.Unlock()
		return
	}
	rec.Status = domain.PresenceOffline
	snapshot := *rec
	online := t.onlineCountLocked()
	t.mu.Unlock()

	if t.mirror != nil {
		if err := t.mirror.SetOffline(ctx, doctorID); err != nil {
			logger.Warn("presence mirror set offline failed",
				zap.String("doctor_id", doctorID.String()),
				zap.Error(err))
		}
	}
	if t.metrics != nil {
		t.metrics.SetDoctorsOnline(online)
	}

	t.notifyChanged(snapshot)
	for _, l := range t.onOffline {
		l(doctorID)
	}
}

func (t *Tracker) onlineCountLocked() int {
	n := 0
	for _, rec := range t.records {
		if rec.Status != domain.PresenceOffline {
			n++
		}
	}
	return n
}

func (t *Tracker) notifyChanged(rec domain.PresenceRecord) {
	for _, l := range t.listeners {
		l(rec)
	}
}
