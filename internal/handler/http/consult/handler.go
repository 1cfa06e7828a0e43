package consult

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/repository/cockroach"
	"carelink-backend/internal/service/session"
	"carelink-backend/pkg/pagination"
	"carelink-backend/pkg/response"
)

// Handler handles consultation HTTP requests
type Handler struct {
	sessions *session.Service
	archive  *cockroach.SessionRepository
}

// NewHandler creates a new consult handler. archive may be nil when the
// service runs without history storage.
func NewHandler(sessions *session.Service, archive *cockroach.SessionRepository) *Handler {
	return &Handler{
		sessions: sessions,
		archive:  archive,
	}
}

// RequestConsultRequest represents a consultation request body
type RequestConsultRequest struct {
	DoctorID string `json:"doctor_id" binding:"required,uuid"`
	CallType string `json:"call_type" binding:"required,oneof=video audio text"`
}

// EndConsultRequest carries the optional end reason
type EndConsultRequest struct {
	Reason string `json:"reason" binding:"omitempty,oneof=completed cancelled error"`
}

// Request starts a new consultation request
// POST /v1/consults
func (h *Handler) Request(c *gin.Context) {
	var req RequestConsultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	patientID, ok := participantFromContext(c)
	if !ok {
		return
	}
	if role, _ := c.Get("role"); role != string(domain.RolePatient) {
		response.Forbidden(c, "Only patients can request consultations")
		return
	}

	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		response.ValidationError(c, "Invalid doctor ID")
		return
	}

	sess, err := h.sessions.Request(c.Request.Context(), patientID, doctorID, domain.CallType(req.CallType))
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, sess)
}

// Accept resolves a ringing consultation to connected
// POST /v1/consults/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	sessionID, doctorID, ok := sessionAndParticipant(c)
	if !ok {
		return
	}

	sess, err := h.sessions.Accept(c.Request.Context(), sessionID, doctorID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, sess)
}

// Reject declines a ringing consultation
// POST /v1/consults/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	sessionID, doctorID, ok := sessionAndParticipant(c)
	if !ok {
		return
	}

	if err := h.sessions.Reject(c.Request.Context(), sessionID, doctorID); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session_id": sessionID,
		"state":      domain.SessionRejected,
	})
}

// Cancel withdraws the patient's consultation request
// POST /v1/consults/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	sessionID, patientID, ok := sessionAndParticipant(c)
	if !ok {
		return
	}

	if err := h.sessions.Cancel(c.Request.Context(), sessionID, patientID); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session_id": sessionID,
		"end_reason": domain.EndReasonCancelled,
	})
}

// End closes a connected consultation
// POST /v1/consults/:id/end
func (h *Handler) End(c *gin.Context) {
	sessionID, participantID, ok := sessionAndParticipant(c)
	if !ok {
		return
	}

	var req EndConsultRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.sessions.End(c.Request.Context(), sessionID, participantID, domain.EndReason(req.Reason)); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session_id": sessionID,
		"state":      domain.SessionEnded,
	})
}

// Get returns a session, live or archived
// GET /v1/consults/:id
func (h *Handler) Get(c *gin.Context) {
	sessionID, participantID, ok := sessionAndParticipant(c)
	if !ok {
		return
	}

	sess, err := h.sessions.Get(sessionID)
	if err != nil && h.archive != nil {
		sess, err = h.archive.GetByID(c.Request.Context(), sessionID)
	}
	if err != nil {
		response.AppError(c, err)
		return
	}
	if !sess.HasParticipant(participantID) {
		response.Forbidden(c, "Not a participant of this session")
		return
	}

	response.Success(c, http.StatusOK, sess)
}

// History lists the caller's archived consultations
// GET /v1/consults/history
func (h *Handler) History(c *gin.Context) {
	participantID, ok := participantFromContext(c)
	if !ok {
		return
	}
	if h.archive == nil {
		response.Success(c, http.StatusOK, []*domain.CallSession{})
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"), "created_at", c.Query("sort_order"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	sessions, err := h.archive.ListByParticipant(c.Request.Context(), participantID, params.Limit, params.Offset)
	if err != nil {
		response.AppError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.CallSession{}
	}

	total, err := h.archive.CountByParticipant(c.Request.Context(), participantID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, pagination.BuildPaginationResponse(params, total, sessions))
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

func sessionAndParticipant(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return uuid.Nil, uuid.Nil, false
	}
	participantID, ok := participantFromContext(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return sessionID, participantID, true
}
