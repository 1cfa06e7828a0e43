package push

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/push"
	"carelink-backend/pkg/response"
)

// Handler handles push notification token HTTP requests
type Handler struct {
	pushService *push.Service
}

// NewHandler creates a new push notification handler
func NewHandler(pushService *push.Service) *Handler {
	return &Handler{
		pushService: pushService,
	}
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns web"`
	DeviceID string         `json:"device_id"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// UnregisterTokenRequest represents request to unregister a push token
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// RegisterToken registers a push token for the authenticated participant
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	participantID, ok := participantFromContext(c)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token := &push.Token{
		ParticipantID: participantID,
		Token:         req.Token,
		Type:          req.Type,
		DeviceID:      req.DeviceID,
		Platform:      req.Platform,
		Active:        true,
		CreatedAt:     time.Now().Unix(),
		UpdatedAt:     time.Now().Unix(),
	}

	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		logger.Error("Failed to register push token",
			zap.String("participant_id", participantID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to register token")
		return
	}

	logger.Info("Push token registered",
		zap.String("participant_id", participantID.String()),
		zap.String("token_type", string(req.Type)),
		zap.String("platform", req.Platform))

	response.Success(c, http.StatusOK, gin.H{
		"token_id": token.ID,
	})
}

// UnregisterToken removes one push token
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	participantID, ok := participantFromContext(c)
	if !ok {
		return
	}

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token, err := h.pushService.GetTokenByValue(c.Request.Context(), req.Token)
	if err != nil {
		response.InternalError(c, "Failed to get token")
		return
	}

	// A token may only be removed by the participant it belongs to
	if token == nil || token.ParticipantID != participantID {
		response.NotFound(c, "Token not found")
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), token.ID); err != nil {
		logger.Error("Failed to unregister push token",
			zap.String("participant_id", participantID.String()),
			zap.String("token_id", token.ID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to unregister token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Token unregistered",
	})
}

// UnregisterAllTokens removes every push token of the authenticated
// participant, typically on logout
// DELETE /v1/push/tokens/all
func (h *Handler) UnregisterAllTokens(c *gin.Context) {
	participantID, ok := participantFromContext(c)
	if !ok {
		return
	}

	if err := h.pushService.UnregisterAllTokens(c.Request.Context(), participantID); err != nil {
		logger.Error("Failed to unregister all push tokens",
			zap.String("participant_id", participantID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to unregister tokens")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "All tokens unregistered",
	})
}

// GetTokens lists the authenticated participant's push tokens
// GET /v1/push/tokens
func (h *Handler) GetTokens(c *gin.Context) {
	participantID, ok := participantFromContext(c)
	if !ok {
		return
	}

	tokens, err := h.pushService.GetTokensByParticipantID(c.Request.Context(), participantID)
	if err != nil {
		logger.Error("Failed to get push tokens",
			zap.String("participant_id", participantID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to get tokens")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

// GetTokenCount returns the count of active push tokens
// GET /v1/push/tokens/count
func (h *Handler) GetTokenCount(c *gin.Context) {
	participantID, ok := participantFromContext(c)
	if !ok {
		return
	}

	count, err := h.pushService.GetActiveTokensCount(c.Request.Context(), participantID)
	if err != nil {
		logger.Error("Failed to get push token count",
			zap.String("participant_id", participantID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to get token count")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"active_tokens_count": count,
	})
}

func participantFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("participant_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	participantID, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid participant ID")
		return uuid.Nil, false
	}
	return participantID, true
}
