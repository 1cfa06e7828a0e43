package presence

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/service/presence"
	"carelink-backend/pkg/response"
)

// Handler handles presence HTTP requests. The WebSocket heartbeat is the
// primary liveness channel; these endpoints exist for clients that cannot
// hold a socket open and for the patient-facing directory.
type Handler struct {
	tracker *presence.Tracker
}

// NewHandler creates a new presence handler
func NewHandler(tracker *presence.Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// Online marks the calling doctor online
// POST /v1/presence/online
func (h *Handler) Online(c *gin.Context) {
	doctorID, ok := doctorFromContext(c)
	if !ok {
		return
	}

	h.tracker.SetOnline(c.Request.Context(), doctorID)
	rec, _ := h.tracker.Get(doctorID)
	response.Success(c, http.StatusOK, rec)
}

// Heartbeat refreshes the calling doctor's liveness
// POST /v1/presence/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	doctorID, ok := doctorFromContext(c)
	if !ok {
		return
	}

	if err := h.tracker.Heartbeat(c.Request.Context(), doctorID); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": domain.PresenceOnline})
}

// Offline marks the calling doctor offline
// POST /v1/presence/offline
func (h *Handler) Offline(c *gin.Context) {
	doctorID, ok := doctorFromContext(c)
	if !ok {
		return
	}

	h.tracker.SetOffline(c.Request.Context(), doctorID)
	response.Success(c, http.StatusOK, gin.H{"status": domain.PresenceOffline})
}

// Get returns one doctor's presence
// GET /v1/presence/:doctor_id
func (h *Handler) Get(c *gin.Context) {
	doctorID, err := uuid.Parse(c.Param("doctor_id"))
	if err != nil {
		response.ValidationError(c, "Invalid doctor ID")
		return
	}

	rec, _ := h.tracker.Get(doctorID)
	response.Success(c, http.StatusOK, rec)
}

// List returns all reachable doctors
// GET /v1/presence
func (h *Handler) List(c *gin.Context) {
	online := h.tracker.OnlineDoctors()
	response.Success(c, http.StatusOK, gin.H{
		"doctors": online,
		"count":   len(online),
	})
}

func doctorFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("participant_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	doctorID, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid participant ID")
		return uuid.Nil, false
	}
	if role, _ := c.Get("role"); role != string(domain.RoleDoctor) {
		response.Forbidden(c, "Only doctors publish presence")
		return uuid.Nil, false
	}
	return doctorID, true
}
