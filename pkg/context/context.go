package context

import (
	"context"
	"time"
)

// Timeout tiers for background work spawned off the request path
const (
	// ShortTimeout is for Redis lookups and presence mirror writes
	ShortTimeout = 5 * time.Second

	// MediumTimeout is for archive and transition-log writes
	MediumTimeout = 10 * time.Second

	// LongTimeout is for batch redelivery of pending notifications
	LongTimeout = 60 * time.Second
)

// WithShortTimeout creates a context with a short timeout
func WithShortTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ShortTimeout)
}

// WithMediumTimeout creates a context with a medium timeout
func WithMediumTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, MediumTimeout)
}

// WithLongTimeout creates a context with a long timeout
func WithLongTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, LongTimeout)
}
