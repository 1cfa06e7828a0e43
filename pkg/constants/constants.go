// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPongWait is how long a connection may stay silent before the
	// read deadline trips
	WebSocketPongWait = 60 * time.Second

	// WebSocketPingInterval is the keepalive ping period; must be shorter
	// than WebSocketPongWait so a responsive peer always extends its deadline
	WebSocketPingInterval = 54 * time.Second

	// WebSocketWriteTimeout is the deadline for a single WebSocket write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Consultation session constants
const (
	// RingingTimeout is how long a call request may stay unanswered before
	// it transitions to timed_out
	RingingTimeout = 60 * time.Second

	// MaxSessionDuration is the maximum allowed consultation duration
	MaxSessionDuration = 4 * time.Hour
)

// Presence constants
const (
	// PresenceLivenessWindow is the maximum age of a heartbeat before a
	// doctor is considered offline
	PresenceLivenessWindow = 30 * time.Second

	// PresenceSweepInterval is how often expired heartbeats are collected
	PresenceSweepInterval = 1 * time.Second

	// PresenceMirrorTTL is the TTL on the Redis presence mirror key
	PresenceMirrorTTL = 2 * PresenceLivenessWindow
)

// Signaling constants
const (
	// SignalReorderBufferSize bounds how many out-of-order frames a relay
	// channel holds per sender before tearing down
	SignalReorderBufferSize = 32
)

// Notification constants
const (
	// EventRetentionWindow is how long undelivered notification events are
	// kept for redelivery
	EventRetentionWindow = 5 * time.Minute

	// PushTokenExpiry is the TTL on a participant's push token set
	PushTokenExpiry = 30 * 24 * time.Hour
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)
