package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/push"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PushTokenRepository handles push notification token storage in Redis
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{
		client: client,
	}
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	// Generate ID if not provided
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	// Set timestamps
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	// Serialize token
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	// Store token in Redis
	// Key format: push:token:{token}
	tokenKey := fmt.Sprintf("push:token:%s", token.Token)
	if err := r.client.Set(ctx, tokenKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	// Add to participant's token set
	// Key format: push:participant:{participantID}:tokens
	participantTokensKey := fmt.Sprintf("push:participant:%s:tokens", token.ParticipantID)
	if err := r.client.SAdd(ctx, participantTokensKey, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to participant set: %w", err)
	}

	// Set expiration on participant tokens set (30 days)
	if err := r.client.Expire(ctx, participantTokensKey, constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on participant tokens set",
			zap.String("participant_id", token.ParticipantID.String()),
			zap.Error(err))
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID.String()),
		zap.String("participant_id", token.ParticipantID.String()),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByToken retrieves a token by its value
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	tokenKey := fmt.Sprintf("push:token:%s", tokenStr)
	data, err := r.client.Get(ctx, tokenKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Token not found
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// GetByParticipantID retrieves all tokens for a user
func (r *PushTokenRepository) GetByParticipantID(ctx context.Context, participantID uuid.UUID) ([]*push.Token, error) {
	participantTokensKey := fmt.Sprintf("push:participant:%s:tokens", participantID)
	tokens, err := r.client.SMembers(ctx, participantTokensKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get participant tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenStr := range tokens {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("participant_id", participantID.String()),
				zap.String("token", tokenStr),
				zap.Error(err))
			continue
		}
		if token != nil {
			result = append(result, token)
		}
	}

	return result, nil
}

// Update updates an existing token
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = time.Now().Unix()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	tokenKey := fmt.Sprintf("push:token:%s", token.Token)
	if err := r.client.Set(ctx, tokenKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	logger.Debug("Push token updated",
		zap.String("token_id", token.ID.String()),
		zap.String("participant_id", token.ParticipantID.String()))

	return nil
}

// Delete removes a token
func (r *PushTokenRepository) Delete(ctx context.Context, tokenID uuid.UUID) error {
	// First, get the token to find its value and participant ID
	// We need to scan for the token since we only have the ID
	// In production, you might want to store token ID -> token mapping
	// For now, we'll use a different approach

	// Get all token keys and find the one with matching ID
	iter := r.client.Scan(ctx, 0, "push:token:*", 0).Iterator()
	for iter.Next(ctx) {
		tokenKey := iter.Val()
		data, err := r.client.Get(ctx, tokenKey).Bytes()
		if err != nil {
			continue
		}

		var token push.Token
		if err := json.Unmarshal(data, &token); err != nil {
			continue
		}

		if token.ID == tokenID {
			// Remove from participant's token set
			participantTokensKey := fmt.Sprintf("push:participant:%s:tokens", token.ParticipantID)
			r.client.SRem(ctx, participantTokensKey, token.Token)

			// Delete token
			if err := r.client.Del(ctx, tokenKey).Err(); err != nil {
				return fmt.Errorf("failed to delete token: %w", err)
			}

			logger.Debug("Push token deleted",
				zap.String("token_id", tokenID.String()),
				zap.String("participant_id", token.ParticipantID.String()))
			return nil
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan tokens: %w", err)
	}

	return nil // Token not found
}

// DeleteByParticipantID removes all tokens for a user
func (r *PushTokenRepository) DeleteByParticipantID(ctx context.Context, participantID uuid.UUID) error {
	participantTokensKey := fmt.Sprintf("push:participant:%s:tokens", participantID)
	tokens, err := r.client.SMembers(ctx, participantTokensKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get participant tokens: %w", err)
	}

	// Delete all tokens
	for _, tokenStr := range tokens {
		tokenKey := fmt.Sprintf("push:token:%s", tokenStr)
		if err := r.client.Del(ctx, tokenKey).Err(); err != nil {
			logger.Warn("Failed to delete token",
				zap.String("participant_id", participantID.String()),
				zap.String("token", tokenStr),
				zap.Error(err))
		}
	}

	// Delete participant tokens set
	if err := r.client.Del(ctx, participantTokensKey).Err(); err != nil {
		return fmt.Errorf("failed to delete participant tokens set: %w", err)
	}

	logger.Debug("All push tokens deleted for participant",
		zap.String("participant_id", participantID.String()),
		zap.Int("count", len(tokens)))

	return nil
}

// MarkInactive marks a token as inactive
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenID uuid.UUID) error {
	// Find the token
	iter := r.client.Scan(ctx, 0, "push:token:*", 0).Iterator()
	for iter.Next(ctx) {
		tokenKey := iter.Val()
		data, err := r.client.Get(ctx, tokenKey).Bytes()
		if err != nil {
			continue
		}

		var token push.Token
		if err := json.Unmarshal(data, &token); err != nil {
			continue
		}

		if token.ID == tokenID {
			token.Active = false
			token.UpdatedAt = time.Now().Unix()

			data, err := json.Marshal(token)
			if err != nil {
				return fmt.Errorf("failed to marshal token: %w", err)
			}

			if err := r.client.Set(ctx, tokenKey, data, 0).Err(); err != nil {
				return fmt.Errorf("failed to update token: %w", err)
			}

			logger.Debug("Push token marked as inactive",
				zap.String("token_id", tokenID.String()),
				zap.String("participant_id", token.ParticipantID.String()))
			return nil
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan tokens: %w", err)
	}

	return nil // Token not found
}

// CleanupInactiveTokens removes tokens that have been inactive for more than the specified duration
func (r *PushTokenRepository) CleanupInactiveTokens(ctx context.Context, inactiveDuration time.Duration) error {
	cutoff := time.Now().Add(-inactiveDuration).Unix()
	count := 0

	iter := r.client.Scan(ctx, 0, "push:token:*", 0).Iterator()
	for iter.Next(ctx) {
		tokenKey := iter.Val()
		data, err := r.client.Get(ctx, tokenKey).Bytes()
		if err != nil {
			continue
		}

		var token push.Token
		if err := json.Unmarshal(data, &token); err != nil {
			continue
		}

		// Delete inactive tokens older than cutoff
		if !token.Active && token.UpdatedAt < cutoff {
			// Remove from participant's token set
			participantTokensKey := fmt.Sprintf("push:participant:%s:tokens", token.ParticipantID)
			r.client.SRem(ctx, participantTokensKey, token.Token)

			// Delete token
			if err := r.client.Del(ctx, tokenKey).Err(); err != nil {
				logger.Warn("Failed to delete inactive token",
					zap.String("token_id", token.ID.String()),
					zap.Error(err))
				continue
			}
			count++
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan tokens: %w", err)
	}

	logger.Info("Cleanup inactive push tokens completed",
		zap.Int("count", count),
		zap.Duration("inactive_duration", inactiveDuration))

	return nil
}

// GetActiveTokensCount returns the count of active tokens for a participant
func (r *PushTokenRepository) GetActiveTokensCount(ctx context.Context, participantID uuid.UUID) (int, error) {
	tokens, err := r.GetByParticipantID(ctx, participantID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, token := range tokens {
		if token.Active {
			count++
		}
	}

	return count, nil
}
