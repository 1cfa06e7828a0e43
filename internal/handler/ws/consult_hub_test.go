package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carelink-backend/internal/database"
	"carelink-backend/internal/domain"
	"carelink-backend/internal/service/notification"
	"carelink-backend/internal/service/presence"
	"carelink-backend/internal/service/session"
	"carelink-backend/internal/service/signaling"
	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Log = zap.NewNop()
	logger.Sugar = logger.Log.Sugar()
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// memoryQueue is an in-memory EventQueue for tests
type memoryQueue struct {
	mu     sync.Mutex
	events map[uuid.UUID][]*domain.NotificationEvent
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{events: make(map[uuid.UUID][]*domain.NotificationEvent)}
}

func (q *memoryQueue) Enqueue(ctx context.Context, event *domain.NotificationEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events[event.RecipientID] = append(q.events[event.RecipientID], event)
	return nil
}

func (q *memoryQueue) Pending(ctx context.Context, recipientID uuid.UUID) ([]*domain.NotificationEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.NotificationEvent, len(q.events[recipientID]))
	copy(out, q.events[recipientID])
	return out, nil
}

func (q *memoryQueue) Remove(ctx context.Context, recipientID uuid.UUID, eventID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.events[recipientID]
	for i, event := range pending {
		if event.EventID == eventID {
			q.events[recipientID] = append(pending[:i], pending[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// testStack is the fully wired hub with its backing services
type testStack struct {
	hub      *ConsultHub
	tracker  *presence.Tracker
	sessions *session.Service
	server   *httptest.Server
}

// newTestStack wires a hub against an unreachable Redis so fan-out
// degrades to local delivery only
func newTestStack(t *testing.T) *testStack {
	t.Helper()

	redisClient := &database.RedisClient{
		Client: redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 10 * time.Millisecond,
			MaxRetries:  -1,
		}),
	}

	tracker := presence.NewTracker(30*time.Second, time.Second, nil, nil)
	hub := NewConsultHub(redisClient, tracker, nil)

	coordinator := signaling.NewCoordinator(hub, 32, nil)
	dispatcher := notification.NewDispatcher(newMemoryQueue(), hub, nil, nil)
	sessions := session.NewService(tracker, coordinator, dispatcher, nil, nil, time.Minute, time.Hour, nil)
	fanout := notification.NewPresenceFanout(dispatcher)
	tracker.Subscribe(fanout.OnPresenceChanged)
	tracker.OnOffline(func(doctorID uuid.UUID) {
		sessions.FailDoctorSessions(context.Background(), doctorID)
	})
	hub.Bind(sessions, coordinator, dispatcher, fanout)

	// Compressed keepalive timings keep the deadline tests fast
	hub.pongWait = 400 * time.Millisecond
	hub.pingInterval = 360 * time.Millisecond

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		id, err := uuid.Parse(c.Query("participant_id"))
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set("participant_id", id)
		c.Set("role", c.Query("role"))
		hub.ServeWS(c)
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testStack{hub: hub, tracker: tracker, sessions: sessions, server: server}
}

func (s *testStack) dial(t *testing.T, participantID uuid.UUID, role domain.Role) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") +
		"/ws?participant_id=" + participantID.String() + "&role=" + string(role)
	header := http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	return conn
}

// TestServeWS_KeepaliveOutlivesPongWait tests that an idle but
// pong-responsive connection survives several read deadline windows
func TestServeWS_KeepaliveOutlivesPongWait(t *testing.T) {
	stack := newTestStack(t)

	doctorID := uuid.New()
	conn := stack.dial(t, doctorID, domain.RoleDoctor)
	defer conn.Close()

	assert.Eventually(t, func() bool {
		return stack.tracker.IsOnline(doctorID)
	}, time.Second, 10*time.Millisecond)

	// The default ping handler answers the server's keepalive pings, so
	// the connection must stay up well past the pong wait without any
	// application frames.
	closed := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	select {
	case err := <-closed:
		t.Fatalf("connection dropped inside keepalive window: %v", err)
	case <-time.After(5 * stack.hub.pongWait):
	}
	assert.True(t, stack.tracker.IsOnline(doctorID))

	conn.Close()
	assert.Eventually(t, func() bool {
		return !stack.tracker.IsOnline(doctorID)
	}, time.Second, 10*time.Millisecond)
}

// TestNewConsultHub_KeepaliveDefaults tests that the default ping period
// leaves headroom inside the pong wait
func TestNewConsultHub_KeepaliveDefaults(t *testing.T) {
	hub := NewConsultHub(&database.RedisClient{}, nil, nil)
	assert.Equal(t, constants.WebSocketPongWait, hub.pongWait)
	assert.Equal(t, constants.WebSocketPingInterval, hub.pingInterval)
	assert.Less(t, hub.pingInterval, hub.pongWait)
}

// TestServeWS_PatientDisconnectFailsSession tests that dropping the
// patient's connection fails the connected session
func TestServeWS_PatientDisconnectFailsSession(t *testing.T) {
	stack := newTestStack(t)

	patientID := uuid.New()
	doctorID := uuid.New()
	stack.tracker.SetOnline(context.Background(), doctorID)

	requested, err := stack.sessions.Request(context.Background(), patientID, doctorID, domain.CallTypeVideo)
	require.NoError(t, err)
	_, err = stack.sessions.Accept(context.Background(), requested.SessionID, doctorID)
	require.NoError(t, err)

	conn := stack.dial(t, patientID, domain.RolePatient)
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	assert.Eventually(t, func() bool {
		return stack.sessions.ActiveCount() == 0
	}, time.Second, 10*time.Millisecond)
}

// TestServeWS_WatchDeliversPresenceChanges tests that a patient watching
// a doctor receives presence_changed events over its connection
func TestServeWS_WatchDeliversPresenceChanges(t *testing.T) {
	stack := newTestStack(t)

	patientID := uuid.New()
	doctorID := uuid.New()

	conn := stack.dial(t, patientID, domain.RolePatient)
	defer conn.Close()

	err := conn.WriteJSON(&ClientFrame{Type: FrameWatch, DoctorID: doctorID})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	stack.tracker.SetOnline(context.Background(), doctorID)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame ServerFrame
	for {
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == FrameEvent && frame.Event != nil {
			break
		}
	}

	assert.Equal(t, domain.EventPresenceChanged, frame.Event.Kind)
	assert.Equal(t, patientID, frame.Event.RecipientID)
	assert.Equal(t, doctorID.String(), frame.Event.Payload["doctor_id"])
	assert.Equal(t, string(domain.PresenceOnline), frame.Event.Payload["status"])
}
