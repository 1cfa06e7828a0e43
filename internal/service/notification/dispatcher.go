package notification

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
)

// EventQueue is the durable pending-event store. Events survive there
// until acknowledged or the retention window lapses.
type EventQueue interface {
	Enqueue(ctx context.Context, event *domain.NotificationEvent) error
	Pending(ctx context.Context, recipientID uuid.UUID) ([]*domain.NotificationEvent, error)
	Remove(ctx context.Context, recipientID uuid.UUID, eventID uuid.UUID) (bool, error)
}

// LiveDeliverer pushes an event frame over an open connection. Returns
// false when the recipient has no live connection on this instance.
type LiveDeliverer interface {
	DeliverEvent(recipientID uuid.UUID, event *domain.NotificationEvent) bool
}

// PushSender is the out-of-band fallback for waking a recipient whose
// connection is down
type PushSender interface {
	SendIncomingCall(ctx context.Context, recipientID uuid.UUID, payload map[string]interface{}) error
	SendMissedCall(ctx context.Context, recipientID uuid.UUID, payload map[string]interface{}) error
}

// Dispatcher delivers notification events at least once. Every event is
// queued before delivery is attempted; the queue entry is dropped only on
// an explicit acknowledgment, so a connection lost mid-delivery replays
// the event on reconnect.
type Dispatcher struct {
	queue   EventQueue
	live    LiveDeliverer
	push    PushSender
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher. push and m may be nil.
func NewDispatcher(queue EventQueue, live LiveDeliverer, push PushSender, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		live:    live,
		push:    push,
		metrics: m,
	}
}

// Publish records an event for a recipient and attempts immediate
// delivery. A queue write failure does not block the live attempt; the
// degraded path just loses the replay guarantee for this one event.
func (d *Dispatcher) Publish(ctx context.Context, recipientID uuid.UUID, kind domain.EventKind, payload map[string]interface{}) error {
	event := &domain.NotificationEvent{
		EventID:     uuid.New(),
		RecipientID: recipientID,
		Kind:        kind,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}

	if err := d.queue.Enqueue(ctx, event); err != nil {
		logger.Warn("failed to queue notification event, delivering without replay guarantee",
			zap.String("event_id", event.EventID.String()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	} else if d.metrics != nil {
		d.metrics.RecordEventQueued()
	}
	if d.metrics != nil {
		d.metrics.RecordEventPublished(string(kind))
	}

	delivered := d.live.DeliverEvent(recipientID, event)
	if delivered {
		if d.metrics != nil {
			d.metrics.RecordEventDelivered("live")
		}
		return nil
	}

	// No live connection. Incoming and missed calls are worth waking the
	// device for; everything else waits in the queue for the next connect.
	if d.push != nil {
		d.pushFallback(ctx, recipientID, kind, payload)
	}
	return nil
}

// pushFallback wakes the recipient's device for the event kinds that
// warrant it
func (d *Dispatcher) pushFallback(ctx context.Context, recipientID uuid.UUID, kind domain.EventKind, payload map[string]interface{}) {
	var err error
	switch kind {
	case domain.EventCallRequested:
		err = d.push.SendIncomingCall(ctx, recipientID, payload)
	case domain.EventSessionEnded:
		// A ringing timeout addressed to the doctor means a missed call
		if payload["end_reason"] != string(domain.EndReasonTimeout) ||
			payload["doctor_id"] != recipientID.String() {
			return
		}
		err = d.push.SendMissedCall(ctx, recipientID, payload)
	default:
		return
	}
	if err != nil {
		logger.Warn("push fallback failed",
			zap.String("recipient_id", recipientID.String()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

// Acknowledge drops an event from the recipient's pending queue.
// Idempotent: acknowledging an unknown or already-acknowledged event is
// not an error.
func (d *Dispatcher) Acknowledge(ctx context.Context, recipientID, eventID uuid.UUID) error {
	removed, err := d.queue.Remove(ctx, recipientID, eventID)
	if err != nil {
		return err
	}
	if removed && d.metrics != nil {
		d.metrics.RecordEventDelivered("acknowledged")
	}
	return nil
}

// DrainPending redelivers every unacknowledged event to a freshly
// connected recipient, oldest first. Events stay queued until the client
// acknowledges them.
func (d *Dispatcher) DrainPending(ctx context.Context, recipientID uuid.UUID) error {
	pending, err := d.queue.Pending(ctx, recipientID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	replayed := 0
	for _, event := range pending {
		if !d.live.DeliverEvent(recipientID, event) {
			break
		}
		replayed++
		if d.metrics != nil {
			d.metrics.RecordEventReplayed()
		}
	}

	logger.Info("replayed pending notification events",
		zap.String("recipient_id", recipientID.String()),
		zap.Int("pending", len(pending)),
		zap.Int("replayed", replayed))
	return nil
}
