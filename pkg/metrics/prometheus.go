package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metrics for the signaling service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Session Metrics
	sessionsTotal          *prometheus.CounterVec
	sessionsActive         prometheus.Gauge
	sessionDuration        *prometheus.HistogramVec
	sessionAdmissionDenied *prometheus.CounterVec
	ringingTimeoutsTotal   prometheus.Counter

	// Signaling Metrics
	signalsRelayedTotal   *prometheus.CounterVec
	signalsBufferedTotal  prometheus.Counter
	channelOverflowsTotal prometheus.Counter
	channelsOpen          prometheus.Gauge

	// Presence Metrics
	doctorsOnline         prometheus.Gauge
	presenceExpiriesTotal prometheus.Counter

	// Notification Metrics
	eventsPublishedTotal *prometheus.CounterVec
	eventsDeliveredTotal *prometheus.CounterVec
	eventsQueuedTotal    prometheus.Counter
	eventsReplayedTotal  prometheus.Counter

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics on a dedicated registry
func NewMetrics(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: registry,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "consult_sessions_total",
				Help:        "Total number of consultation sessions by terminal state",
				ConstLabels: labels,
			},
			[]string{"call_type", "state"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "consult_sessions_active",
				Help:        "Number of non-terminal consultation sessions",
				ConstLabels: labels,
			},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "consult_session_duration_seconds",
				Help:        "Consultation duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"call_type"},
		),
		sessionAdmissionDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "consult_admission_denied_total",
				Help:        "Call requests denied at admission",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		ringingTimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "consult_ringing_timeouts_total",
				Help:        "Sessions that expired unanswered",
				ConstLabels: labels,
			},
		),

		signalsRelayedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signal_relayed_total",
				Help:        "Signaling frames relayed between peers",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		signalsBufferedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "signal_buffered_total",
				Help:        "Out-of-order signaling frames held for reordering",
				ConstLabels: labels,
			},
		),
		channelOverflowsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "signal_channel_overflows_total",
				Help:        "Relay channels torn down due to reorder buffer overflow",
				ConstLabels: labels,
			},
		),
		channelsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "signal_channels_open",
				Help:        "Number of open relay channels",
				ConstLabels: labels,
			},
		),

		doctorsOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "presence_doctors_online",
				Help:        "Number of doctors currently online",
				ConstLabels: labels,
			},
		),
		presenceExpiriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "presence_expiries_total",
				Help:        "Doctors marked offline by heartbeat expiry",
				ConstLabels: labels,
			},
		),

		eventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "notification_events_published_total",
				Help:        "Notification events published by kind",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		eventsDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "notification_events_delivered_total",
				Help:        "Notification events delivered by path",
				ConstLabels: labels,
			},
			[]string{"path"},
		),
		eventsQueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "notification_events_queued_total",
				Help:        "Notification events queued for offline recipients",
				ConstLabels: labels,
			},
		),
		eventsReplayedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "notification_events_replayed_total",
				Help:        "Queued notification events replayed on reconnect",
				ConstLabels: labels,
			},
		),

		pushNotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: labels,
			},
			[]string{"type", "platform"},
		),
		pushNotificationsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: labels,
			},
			[]string{"type", "platform", "reason"},
		),
	}

	registry.MustRegister(
		m.httpRequestsTotal, m.httpRequestDuration, m.httpRequestsInFlight,
		m.websocketConnections, m.websocketMessagesTotal, m.websocketErrorsTotal,
		m.sessionsTotal, m.sessionsActive, m.sessionDuration,
		m.sessionAdmissionDenied, m.ringingTimeoutsTotal,
		m.signalsRelayedTotal, m.signalsBufferedTotal, m.channelOverflowsTotal, m.channelsOpen,
		m.doctorsOnline, m.presenceExpiriesTotal,
		m.eventsPublishedTotal, m.eventsDeliveredTotal, m.eventsQueuedTotal, m.eventsReplayedTotal,
		m.pushNotificationsTotal, m.pushNotificationsFailed,
	)

	return m
}

// GetRegistry returns the dedicated registry for the /metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

// IncrementWebSocketConnections increments the active connection gauge
func (m *Metrics) IncrementWebSocketConnections() {
	m.websocketConnections.Inc()
}

// DecrementWebSocketConnections decrements the active connection gauge
func (m *Metrics) DecrementWebSocketConnections() {
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// Session Metrics Methods

// RecordSessionTerminal records a session reaching a terminal state
func (m *Metrics) RecordSessionTerminal(callType, state string) {
	m.sessionsTotal.WithLabelValues(callType, state).Inc()
}

// SetActiveSessions sets the number of non-terminal sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.sessionsActive.Set(float64(count))
}

// RecordSessionDuration records the duration of a completed consultation
func (m *Metrics) RecordSessionDuration(callType string, duration time.Duration) {
	m.sessionDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordAdmissionDenied records a call request denied at admission
func (m *Metrics) RecordAdmissionDenied(reason string) {
	m.sessionAdmissionDenied.WithLabelValues(reason).Inc()
}

// RecordRingingTimeout records a session that expired unanswered
func (m *Metrics) RecordRingingTimeout() {
	m.ringingTimeoutsTotal.Inc()
}

// Signaling Metrics Methods

// RecordSignalRelayed records a relayed signaling frame
func (m *Metrics) RecordSignalRelayed(result string) {
	m.signalsRelayedTotal.WithLabelValues(result).Inc()
}

// RecordSignalBuffered records an out-of-order frame held for reordering
func (m *Metrics) RecordSignalBuffered() {
	m.signalsBufferedTotal.Inc()
}

// RecordChannelOverflow records a relay channel torn down by overflow
func (m *Metrics) RecordChannelOverflow() {
	m.channelOverflowsTotal.Inc()
}

// SetOpenChannels sets the number of open relay channels
func (m *Metrics) SetOpenChannels(count int) {
	m.channelsOpen.Set(float64(count))
}

// Presence Metrics Methods

// SetDoctorsOnline sets the online doctor gauge
func (m *Metrics) SetDoctorsOnline(count int) {
	m.doctorsOnline.Set(float64(count))
}

// RecordPresenceExpiry records a doctor marked offline by heartbeat expiry
func (m *Metrics) RecordPresenceExpiry() {
	m.presenceExpiriesTotal.Inc()
}

// Notification Metrics Methods

// RecordEventPublished records a published notification event
func (m *Metrics) RecordEventPublished(kind string) {
	m.eventsPublishedTotal.WithLabelValues(kind).Inc()
}

// RecordEventDelivered records a delivered event; path is "live" or "replay"
func (m *Metrics) RecordEventDelivered(path string) {
	m.eventsDeliveredTotal.WithLabelValues(path).Inc()
}

// RecordEventQueued records an event queued for an offline recipient
func (m *Metrics) RecordEventQueued() {
	m.eventsQueuedTotal.Inc()
}

// RecordEventReplayed records a queued event replayed on reconnect
func (m *Metrics) RecordEventReplayed() {
	m.eventsReplayedTotal.Inc()
}

// Push Notification Metrics Methods

// RecordPushNotification records a push notification
func (m *Metrics) RecordPushNotification(notifType, platform string) {
	m.pushNotificationsTotal.WithLabelValues(notifType, platform).Inc()
}

// RecordPushNotificationFailure records a failed push notification
func (m *Metrics) RecordPushNotificationFailure(notifType, platform, reason string) {
	m.pushNotificationsFailed.WithLabelValues(notifType, platform, reason).Inc()
}
