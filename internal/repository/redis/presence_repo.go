package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"carelink-backend/internal/database"
	"carelink-backend/pkg/constants"
)

const onlineDoctorsKey = "presence:doctors:online"

// PresenceRepository mirrors doctor presence into Redis so sibling
// instances and other services can read it. The in-process tracker is the
// source of truth; every key carries a TTL twice the liveness window so a
// crashed instance cannot leave a doctor online forever.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(doctorID uuid.UUID) string {
	return fmt.Sprintf("presence:doctor:%s", doctorID)
}

// SetOnline marks a doctor online in the shared store
func (r *PresenceRepository) SetOnline(ctx context.Context, doctorID uuid.UUID) error {
	if err := r.client.SafeSet(ctx, presenceKey(doctorID), "online", constants.PresenceMirrorTTL).Err(); err != nil {
		return fmt.Errorf("failed to mirror doctor online: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, onlineDoctorsKey, doctorID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add doctor to online set: %w", err)
	}
	return nil
}

// SetOffline removes a doctor's presence from the shared store
func (r *PresenceRepository) SetOffline(ctx context.Context, doctorID uuid.UUID) error {
	if err := r.client.SafeDel(ctx, presenceKey(doctorID)).Err(); err != nil {
		return fmt.Errorf("failed to clear mirrored presence: %w", err)
	}
	if err := r.client.SafeSRem(ctx, onlineDoctorsKey, doctorID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove doctor from online set: %w", err)
	}
	return nil
}

// Refresh extends the TTL on a heartbeat
func (r *PresenceRepository) Refresh(ctx context.Context, doctorID uuid.UUID) error {
	ok, err := r.client.SafeExpire(ctx, presenceKey(doctorID), constants.PresenceMirrorTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh mirrored presence: %w", err)
	}
	if !ok {
		// Key already expired; re-create it so the mirror converges
		return r.SetOnline(ctx, doctorID)
	}
	return nil
}

// IsOnline reads mirrored presence. Used by services that do not host the
// tracker.
func (r *PresenceRepository) IsOnline(ctx context.Context, doctorID uuid.UUID) (bool, error) {
	n, err := r.client.SafeExists(ctx, presenceKey(doctorID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read mirrored presence: %w", err)
	}
	return n > 0, nil
}

// OnlineDoctors lists mirrored online doctor IDs. Entries whose presence
// key already expired are filtered out lazily.
func (r *PresenceRepository) OnlineDoctors(ctx context.Context) ([]uuid.UUID, error) {
	members, err := r.client.SafeSMembers(ctx, onlineDoctorsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online doctors: %w", err)
	}

	out := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		doctorID, err := uuid.Parse(member)
		if err != nil {
			continue
		}
		online, err := r.IsOnline(ctx, doctorID)
		if err != nil {
			return nil, err
		}
		if !online {
			r.client.SafeSRem(ctx, onlineDoctorsKey, member)
			continue
		}
		out = append(out, doctorID)
	}
	return out, nil
}
