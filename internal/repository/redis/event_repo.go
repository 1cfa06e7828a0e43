package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carelink-backend/internal/database"
	"carelink-backend/internal/domain"
	"carelink-backend/pkg/constants"
)

// EventRepository holds undelivered notification events per recipient.
// Each recipient has a hash keyed by event ID; the whole inbox expires
// after the retention window, which bounds replay after long disconnects.
type EventRepository struct {
	client    *database.RedisClient
	retention time.Duration
}

// NewEventRepository creates a new EventRepository. A non-positive
// retention falls back to the default window.
func NewEventRepository(client *database.RedisClient, retention time.Duration) *EventRepository {
	if retention <= 0 {
		retention = constants.EventRetentionWindow
	}
	return &EventRepository{client: client, retention: retention}
}

func inboxKey(recipientID uuid.UUID) string {
	return fmt.Sprintf("inbox:%s", recipientID)
}

// Enqueue stores an event until it is acknowledged or retention lapses
func (r *EventRepository) Enqueue(ctx context.Context, event *domain.NotificationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := inboxKey(event.RecipientID)
	if err := r.client.SafeHSet(ctx, key, event.EventID.String(), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	// Retention applies to the inbox as a whole; a steady trickle of new
	// events keeps older unacknowledged ones alive, which errs toward
	// redelivery.
	if err := r.client.SafeExpire(ctx, key, r.retention).Err(); err != nil {
		return fmt.Errorf("failed to set inbox retention: %w", err)
	}
	return nil
}

// Pending returns all unacknowledged events for a recipient, unordered
func (r *EventRepository) Pending(ctx context.Context, recipientID uuid.UUID) ([]*domain.NotificationEvent, error) {
	entries, err := r.client.SafeHGetAll(ctx, inboxKey(recipientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}

	events := make([]*domain.NotificationEvent, 0, len(entries))
	for _, raw := range entries {
		var event domain.NotificationEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// Remove drops an acknowledged event. Returns false when the event was not
// queued, which keeps acknowledgments idempotent.
func (r *EventRepository) Remove(ctx context.Context, recipientID uuid.UUID, eventID uuid.UUID) (bool, error) {
	n, err := r.client.SafeHDel(ctx, inboxKey(recipientID), eventID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove event: %w", err)
	}
	return n > 0, nil
}
