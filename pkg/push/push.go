package push

import (
	"context"
	"encoding/json"
	"fmt"

	"carelink-backend/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
	SendToParticipant(ctx context.Context, notification *Notification, participantID uuid.UUID) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Priority    string            `json:"priority,omitempty"` // high, normal, low
	Sound       string            `json:"sound,omitempty"`
	Badge       *int              `json:"badge,omitempty"`
	Category    string            `json:"category,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
}

// ConsultNotificationData contains data for consultation push notifications
type ConsultNotificationData struct {
	SessionID   uuid.UUID `json:"session_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	PatientName string    `json:"patient_name"`
	CallType    string    `json:"call_type"`
	Timestamp   int64     `json:"timestamp"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
	TokenTypeWeb  TokenType = "web"  // Web Push
)

// Token represents a push notification token for a participant
type Token struct {
	ID            uuid.UUID `json:"id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	Token         string    `json:"token"`
	Type          TokenType `json:"type"`
	DeviceID      string    `json:"device_id,omitempty"`
	Platform      string    `json:"platform,omitempty"` // ios, android, web
	Active        bool      `json:"active"`
	CreatedAt     int64     `json:"created_at"`
	UpdatedAt     int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByParticipantID(ctx context.Context, participantID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	Delete(ctx context.Context, tokenID uuid.UUID) error
	DeleteByParticipantID(ctx context.Context, participantID uuid.UUID) error
	MarkInactive(ctx context.Context, tokenID uuid.UUID) error
	GetActiveTokensCount(ctx context.Context, participantID uuid.UUID) (int, error)
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a new push notification token for a participant
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	// Check if token already exists
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		// Update existing token
		existing.Active = true
		existing.UpdatedAt = token.UpdatedAt
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		return s.repo.Update(ctx, existing)
	}

	// Store new token
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a push notification token
func (s *Service) UnregisterToken(ctx context.Context, tokenID uuid.UUID) error {
	return s.repo.Delete(ctx, tokenID)
}

// UnregisterAllTokens removes all tokens for a participant
func (s *Service) UnregisterAllTokens(ctx context.Context, participantID uuid.UUID) error {
	return s.repo.DeleteByParticipantID(ctx, participantID)
}

// SendIncomingConsult wakes a doctor's device for a new consultation
// request when no live connection is available
func (s *Service) SendIncomingConsult(ctx context.Context, data *ConsultNotificationData, doctorID uuid.UUID) error {
	body := "A patient is requesting a consultation"
	if data.PatientName != "" {
		body = fmt.Sprintf("%s is requesting a consultation", data.PatientName)
	}

	notification := &Notification{
		Title:    "Incoming Consultation",
		Body:     body,
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CONSULT",
		Data: map[string]string{
			"type":       "consult_requested",
			"session_id": data.SessionID.String(),
			"patient_id": data.PatientID.String(),
			"call_type":  data.CallType,
			"timestamp":  fmt.Sprintf("%d", data.Timestamp),
		},
	}

	tokens, err := s.activeTokens(ctx, doctorID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		logger.Info("No active push tokens for doctor",
			zap.String("doctor_id", doctorID.String()))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, tokens)
	if err != nil {
		logger.Error("Failed to send consult notification",
			zap.String("session_id", data.SessionID.String()),
			zap.Int("token_count", len(tokens)),
			zap.Error(err))
		return fmt.Errorf("failed to send consult notification: %w", err)
	}

	logger.Info("Consult notification sent",
		zap.String("session_id", data.SessionID.String()),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	return nil
}

// SendMissedConsult tells a doctor about a request that timed out unanswered
func (s *Service) SendMissedConsult(ctx context.Context, sessionID uuid.UUID, doctorID uuid.UUID) error {
	notification := &Notification{
		Title:    "Missed Consultation",
		Body:     "A consultation request went unanswered",
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":       "consult_missed",
			"session_id": sessionID.String(),
		},
	}

	tokens, err := s.activeTokens(ctx, doctorID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}

	result, err := s.provider.Send(ctx, notification, tokens)
	if err != nil {
		logger.Error("Failed to send missed consult notification",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		return err
	}

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	return nil
}

// activeTokens collects a participant's active token strings
func (s *Service) activeTokens(ctx context.Context, participantID uuid.UUID) ([]string, error) {
	tokens, err := s.repo.GetByParticipantID(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get push tokens: %w", err)
	}

	var out []string
	for _, token := range tokens {
		if token.Active {
			out = append(out, token.Token)
		}
	}
	return out, nil
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		token, err := s.repo.GetByToken(ctx, tokenStr)
		if err == nil && token != nil {
			if err := s.repo.MarkInactive(ctx, token.ID); err != nil {
				logger.Warn("Failed to mark token as inactive",
					zap.String("token_id", token.ID.String()),
					zap.Error(err))
			}
		}
	}
}

// GetTokenByValue retrieves a token by its value
func (s *Service) GetTokenByValue(ctx context.Context, tokenStr string) (*Token, error) {
	return s.repo.GetByToken(ctx, tokenStr)
}

// GetTokensByParticipantID retrieves all tokens for a participant
func (s *Service) GetTokensByParticipantID(ctx context.Context, participantID uuid.UUID) ([]*Token, error) {
	return s.repo.GetByParticipantID(ctx, participantID)
}

// GetActiveTokensCount returns the count of active tokens for a participant
func (s *Service) GetActiveTokensCount(ctx context.Context, participantID uuid.UUID) (int, error) {
	return s.repo.GetActiveTokensCount(ctx, participantID)
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	// For testing purposes
	NotificationsSent int
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	// Return success for all tokens
	return &SendResult{
		SuccessCount:  len(tokens),
		FailureCount:  0,
		InvalidTokens: nil,
		Errors:        nil,
	}, nil
}

// SendToParticipant implements Provider interface
func (m *MockProvider) SendToParticipant(ctx context.Context, notification *Notification, participantID uuid.UUID) (*SendResult, error) {
	m.NotificationsSent++

	logger.Debug("MockProvider: Sending notification to participant",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.String("participant_id", participantID.String()))

	return &SendResult{
		SuccessCount:  1,
		FailureCount:  0,
		InvalidTokens: nil,
		Errors:        nil,
	}, nil
}

// ToJSON converts notification to JSON
func (n *Notification) ToJSON() ([]byte, error) {
	return json.Marshal(n)
}

// FromJSON creates notification from JSON
func FromJSON(data []byte) (*Notification, error) {
	var notification Notification
	err := json.Unmarshal(data, &notification)
	return &notification, err
}
