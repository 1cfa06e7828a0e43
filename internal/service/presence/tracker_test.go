package presence

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

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

// nopMirror discards replication calls
type nopMirror struct{}

func (nopMirror) SetOnline(ctx context.Context, doctorID uuid.UUID) error  { return nil }
func (nopMirror) SetOffline(ctx context.Context, doctorID uuid.UUID) error { return nil }
func (nopMirror) Refresh(ctx context.Context, doctorID uuid.UUID) error    { return nil }

// TestSetOnlineAndHeartbeat tests the basic online/heartbeat cycle
func TestSetOnlineAndHeartbeat(t *testing.T) {
	tracker := NewTracker(30*time.Second, time.Second, nopMirror{}, nil)

	doctorID := uuid.New()
	assert.False(t, tracker.IsOnline(doctorID))

	tracker.SetOnline(context.Background(), doctorID)
	assert.True(t, tracker.IsOnline(doctorID))

	err := tracker.Heartbeat(context.Background(), doctorID)
	assert.NoError(t, err)

	rec, ok := tracker.Get(doctorID)
	assert.True(t, ok)
	assert.Equal(t, domain.PresenceOnline, rec.Status)
}

// TestHeartbeat_Expired tests that a heartbeat for an offline doctor is
// rejected rather than silently resurrecting presence
func TestHeartbeat_Expired(t *testing.T) {
	tracker := NewTracker(30*time.Second, time.Second, nopMirror{}, nil)

	doctorID := uuid.New()
	err := tracker.Heartbeat(context.Background(), doctorID)
	assert.True(t, errors.IsCode(err, errors.ErrCodePresenceExpired))

	tracker.SetOnline(context.Background(), doctorID)
	tracker.SetOffline(context.Background(), doctorID)

	err = tracker.Heartbeat(context.Background(), doctorID)
	assert.True(t, errors.IsCode(err, errors.ErrCodePresenceExpired))
}

// TestSweepExpiry tests that a missed liveness window flips the doctor
// offline and fires the offline hooks
func TestSweepExpiry(t *testing.T) {
	tracker := NewTracker(40*time.Millisecond, 10*time.Millisecond, nopMirror{}, nil)

	var mu sync.Mutex
	var wentOffline []uuid.UUID
	tracker.OnOffline(func(doctorID uuid.UUID) {
		mu.Lock()
		defer mu.Unlock()
		wentOffline = append(wentOffline, doctorID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker.Start(ctx)
	defer tracker.Stop()

	doctorID := uuid.New()
	tracker.SetOnline(ctx, doctorID)

	assert.Eventually(t, func() bool {
		return !tracker.IsOnline(doctorID)
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{doctorID}, wentOffline)
}

// TestHeartbeatKeepsAlive tests that regular heartbeats survive the sweeper
func TestHeartbeatKeepsAlive(t *testing.T) {
	tracker := NewTracker(50*time.Millisecond, 10*time.Millisecond, nopMirror{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker.Start(ctx)
	defer tracker.Stop()

	doctorID := uuid.New()
	tracker.SetOnline(ctx, doctorID)

	for i := 0; i < 6; i++ {
		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, tracker.Heartbeat(ctx, doctorID))
	}
	assert.True(t, tracker.IsOnline(doctorID))
}

// TestSetBusy tests the busy flag lifecycle
func TestSetBusy(t *testing.T) {
	tracker := NewTracker(30*time.Second, time.Second, nopMirror{}, nil)

	doctorID := uuid.New()
	tracker.SetOnline(context.Background(), doctorID)

	tracker.SetBusy(doctorID, true)
	rec, _ := tracker.Get(doctorID)
	assert.Equal(t, domain.PresenceBusy, rec.Status)
	// Busy still counts as reachable for session routing
	assert.True(t, tracker.IsOnline(doctorID))

	tracker.SetBusy(doctorID, false)
	rec, _ = tracker.Get(doctorID)
	assert.Equal(t, domain.PresenceOnline, rec.Status)
}

// TestChangeListener tests presence change fan-out
func TestChangeListener(t *testing.T) {
	tracker := NewTracker(30*time.Second, time.Second, nopMirror{}, nil)

	var mu sync.Mutex
	var statuses []domain.PresenceStatus
	tracker.Subscribe(func(rec domain.PresenceRecord) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, rec.Status)
	})

	doctorID := uuid.New()
	tracker.SetOnline(context.Background(), doctorID)
	tracker.SetOffline(context.Background(), doctorID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.PresenceStatus{domain.PresenceOnline, domain.PresenceOffline}, statuses)
}

// TestOnlineDoctors tests the directory listing
func TestOnlineDoctors(t *testing.T) {
	tracker := NewTracker(30*time.Second, time.Second, nopMirror{}, nil)

	first := uuid.New()
	second := uuid.New()
	gone := uuid.New()

	tracker.SetOnline(context.Background(), first)
	tracker.SetOnline(context.Background(), second)
	tracker.SetOnline(context.Background(), gone)
	tracker.SetOffline(context.Background(), gone)

	online := tracker.OnlineDoctors()
	assert.Len(t, online, 2)
	ids := map[uuid.UUID]bool{}
	for _, rec := range online {
		ids[rec.DoctorID] = true
	}
	assert.True(t, ids[first])
	assert.True(t, ids[second])
	assert.False(t, ids[gone])
}
