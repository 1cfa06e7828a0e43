package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carelink-backend/internal/database"
	"carelink-backend/internal/domain"
	"carelink-backend/internal/service/notification"
	"carelink-backend/internal/service/presence"
	"carelink-backend/internal/service/session"
	"carelink-backend/internal/service/signaling"
	"carelink-backend/pkg/constants"
	appErrors "carelink-backend/pkg/errors"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
)

// Client frame types
const (
	FrameHeartbeat = "heartbeat"
	FrameSignal    = "signal"
	FrameAck       = "ack"
	FrameRing      = "ring"
	FrameWatch     = "watch"
	FrameUnwatch   = "unwatch"
)

// Server frame types
const (
	FrameEvent = "event"
	FrameError = "error"
)

// ClientFrame is a frame received from a participant's connection
type ClientFrame struct {
	Type      string          `json:"type"`
	SessionID uuid.UUID       `json:"session_id,omitempty"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EventID   uuid.UUID       `json:"event_id,omitempty"`
	DoctorID  uuid.UUID       `json:"doctor_id,omitempty"`
}

// ServerFrame is a frame pushed to a participant's connection
type ServerFrame struct {
	Type      string                    `json:"type"`
	SessionID uuid.UUID                 `json:"session_id,omitempty"`
	Sequence  uint64                    `json:"sequence,omitempty"`
	Payload   json.RawMessage           `json:"payload,omitempty"`
	Event     *domain.NotificationEvent `json:"event,omitempty"`
	Code      string                    `json:"code,omitempty"`
	Message   string                    `json:"message,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

// GetAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

var consultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		allowedOrigins := GetAllowedOrigins()
		for allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// ConsultHub manages one WebSocket connection per participant. It is the
// delivery surface for both signaling frames and notification events;
// frames addressed to a participant connected to a sibling instance travel
// over Redis Pub/Sub.
type ConsultHub struct {
	clients map[uuid.UUID]*Client
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client

	redisClient *database.RedisClient

	tracker     *presence.Tracker
	sessions    *session.Service
	coordinator *signaling.Coordinator
	dispatcher  *notification.Dispatcher
	fanout      *notification.PresenceFanout

	// Keepalive timings; the ping period stays below the pong wait so a
	// responsive peer never hits its read deadline.
	pongWait     time.Duration
	pingInterval time.Duration

	maxConnections int
	semaphore      chan struct{}
	metrics        *metrics.Metrics
}

// Client represents one participant's WebSocket connection
type Client struct {
	hub           *ConsultHub
	conn          *websocket.Conn
	send          chan []byte
	participantID uuid.UUID
	role          domain.Role
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConsultHub creates the hub. Bind must be called before ServeWS.
func NewConsultHub(redisClient *database.RedisClient, tracker *presence.Tracker, m *metrics.Metrics) *ConsultHub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	hub := &ConsultHub{
		clients:        make(map[uuid.UUID]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		redisClient:    redisClient,
		tracker:        tracker,
		pongWait:       constants.WebSocketPongWait,
		pingInterval:   constants.WebSocketPingInterval,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
		metrics:        m,
	}

	go hub.run()

	return hub
}

// Bind wires the services the hub dispatches inbound frames to. Split from
// the constructor because the hub is also those services' delivery surface.
func (h *ConsultHub) Bind(sessions *session.Service, coordinator *signaling.Coordinator, dispatcher *notification.Dispatcher, fanout *notification.PresenceFanout) {
	h.sessions = sessions
	h.coordinator = coordinator
	h.dispatcher = dispatcher
	h.fanout = fanout
}

// run handles hub registration lifecycle
func (h *ConsultHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			// A second connection for the same participant replaces the
			// first; the stale one is closed out.
			if prev, ok := h.clients[client.participantID]; ok {
				prev.cancel()
				prev.conn.Close()
			}
			h.clients[client.participantID] = client
			h.mu.Unlock()

			if h.metrics != nil {
				h.metrics.IncrementWebSocketConnections()
			}

			go h.onConnect(client)

		case client := <-h.unregister:
			h.mu.Lock()
			current, ok := h.clients[client.participantID]
			if ok && current == client {
				delete(h.clients, client.participantID)
				client.cancel()
			}
			h.mu.Unlock()
			if !ok || current != client {
				continue
			}

			if h.metrics != nil {
				h.metrics.DecrementWebSocketConnections()
			}

			switch client.role {
			case domain.RoleDoctor:
				// Offline presence fails the doctor's session via the
				// tracker's offline hook
				h.tracker.SetOffline(context.Background(), client.participantID)
			case domain.RolePatient:
				if h.sessions != nil {
					h.sessions.FailPatientSessions(context.Background(), client.participantID)
				}
				if h.fanout != nil {
					h.fanout.UnwatchAll(client.participantID)
				}
			}
		}
	}
}

// onConnect runs post-registration work: doctors go online, and queued
// events from the disconnect window are replayed.
func (h *ConsultHub) onConnect(client *Client) {
	ctx := client.ctx
	if client.role == domain.RoleDoctor {
		h.tracker.SetOnline(ctx, client.participantID)
	}

	if err := h.dispatcher.DrainPending(ctx, client.participantID); err != nil {
		logger.Warn("failed to replay pending events",
			zap.String("participant_id", client.participantID.String()),
			zap.Error(err))
	}

	go h.subscribeToParticipant(client)
}

// subscribeToParticipant relays frames published by sibling instances for
// this participant. The subscription lives as long as the connection.
func (h *ConsultHub) subscribeToParticipant(client *Client) {
	channel := participantChannel(client.participantID)
	pubsub := h.redisClient.SafeSubscribe(client.ctx, channel)
	if pubsub == nil {
		logger.Warn("participant fan-out unavailable, redis degraded",
			zap.String("participant_id", client.participantID.String()))
		return
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-client.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			client.enqueue([]byte(msg.Payload))
		}
	}
}

func participantChannel(participantID uuid.UUID) string {
	return "participant:" + participantID.String()
}

// DeliverSignal pushes an in-order signaling frame to the recipient
func (h *ConsultHub) DeliverSignal(recipientID uuid.UUID, envelope *domain.SignalEnvelope) {
	frame := &ServerFrame{
		Type:      FrameSignal,
		SessionID: envelope.SessionID,
		Sequence:  envelope.Sequence,
		Payload:   envelope.Payload,
		Timestamp: time.Now(),
	}
	h.deliver(recipientID, frame)
}

// DeliverEvent pushes a notification event. Returns false when the
// recipient has no connection on this instance; the frame is still
// published for sibling instances, and the event stays queued until
// acknowledged either way.
func (h *ConsultHub) DeliverEvent(recipientID uuid.UUID, event *domain.NotificationEvent) bool {
	frame := &ServerFrame{
		Type:      FrameEvent,
		Event:     event,
		Timestamp: time.Now(),
	}
	return h.deliver(recipientID, frame)
}

func (h *ConsultHub) deliver(recipientID uuid.UUID, frame *ServerFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("failed to marshal server frame", zap.Error(err))
		return false
	}

	h.mu.RLock()
	client, ok := h.clients[recipientID]
	h.mu.RUnlock()

	if ok {
		client.enqueue(data)
		return true
	}

	// Not connected here; a sibling instance may hold the connection
	h.redisClient.SafePublish(context.Background(), participantChannel(recipientID), data)
	return false
}

// ServeWS upgrades an authenticated request to a consult connection
func (h *ConsultHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	participantIDVal, exists := c.Get("participant_id")
	if !exists {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	participantID, ok := participantIDVal.(uuid.UUID)
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid participant_id"})
		return
	}

	roleVal, _ := c.Get("role")
	roleStr, _ := roleVal.(string)
	role := domain.Role(roleStr)
	if role != domain.RoleDoctor && role != domain.RolePatient {
		<-h.semaphore
		c.JSON(http.StatusForbidden, gin.H{"error": "unknown role"})
		return
	}

	conn, err := consultUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("participant_id", participantID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		participantID: participantID,
		role:          role,
		ctx:           ctx,
		cancel:        cancel,
	}

	h.register <- client

	go client.writePump()
	go func() {
		client.readPump()
		<-h.semaphore
	}()
}

// enqueue hands a frame to the client's write pump, dropping the client
// when its buffer is full
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		logger.Warn("client send buffer full, dropping connection",
			zap.String("participant_id", c.participantID.String()))
		c.conn.Close()
	}
}

func (c *Client) sendError(err error) {
	appErr := appErrors.GetAppError(err)
	frame := &ServerFrame{
		Type:      FrameError,
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Timestamp: time.Now(),
	}
	if data, marshalErr := json.Marshal(frame); marshalErr == nil {
		c.enqueue(data)
	}
}

// readPump reads and dispatches client frames
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("participant_id", c.participantID.String()),
					zap.Error(err))
			}
			break
		}

		var frame ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			logger.Warn("invalid frame from WebSocket",
				zap.String("participant_id", c.participantID.String()),
				zap.Error(err))
			continue
		}

		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *ClientFrame) {
	switch frame.Type {
	case FrameHeartbeat:
		if c.role != domain.RoleDoctor {
			return
		}
		if err := c.hub.tracker.Heartbeat(c.ctx, c.participantID); err != nil {
			c.sendError(err)
		}

	case FrameSignal:
		envelope := &domain.SignalEnvelope{
			SessionID:       frame.SessionID,
			FromParticipant: c.participantID,
			Sequence:        frame.Sequence,
			Payload:         frame.Payload,
			Timestamp:       time.Now(),
		}
		if err := c.hub.coordinator.Relay(c.participantID, envelope); err != nil {
			c.sendError(err)
		}

	case FrameAck:
		if frame.EventID == uuid.Nil {
			return
		}
		if err := c.hub.dispatcher.Acknowledge(c.ctx, c.participantID, frame.EventID); err != nil {
			logger.Debug("event acknowledgment failed",
				zap.String("participant_id", c.participantID.String()),
				zap.String("event_id", frame.EventID.String()),
				zap.Error(err))
		}

	case FrameRing:
		if c.role != domain.RoleDoctor {
			return
		}
		c.hub.sessions.Ring(frame.SessionID, c.participantID)

	case FrameWatch:
		if c.role != domain.RolePatient || frame.DoctorID == uuid.Nil {
			return
		}
		c.hub.fanout.Watch(c.participantID, frame.DoctorID)

	case FrameUnwatch:
		if c.role != domain.RolePatient || frame.DoctorID == uuid.Nil {
			return
		}
		c.hub.fanout.Unwatch(c.participantID, frame.DoctorID)

	default:
		logger.Debug("unknown frame type",
			zap.String("participant_id", c.participantID.String()),
			zap.String("type", frame.Type))
	}
}

// writePump writes frames and keepalive pings to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
