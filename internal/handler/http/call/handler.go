package call

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatwave-callkit/internal/call"
	"chatwave-callkit/internal/domain"
	"chatwave-callkit/pkg/response"
)

// Handler handles call control HTTP requests
type Handler struct {
	manager *call.Manager
}

// NewHandler creates a new call handler
func NewHandler(manager *call.Manager) *Handler {
	return &Handler{
		manager: manager,
	}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	RemoteID string `json:"remote_id" binding:"required"`
	CallType string `json:"call_type" binding:"required,oneof=audio video"`
}

// InitiateCall starts a new outbound call
// POST /v1/calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callID, err := h.manager.Initiate(c.Request.Context(), req.RemoteID, domain.CallType(req.CallType))
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"call_id": callID,
	})
}

// AcceptCall answers an incoming pending call
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	callID := c.Param("id")

	if err := h.manager.Accept(c.Request.Context(), callID); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call accepted",
		"call_id": callID,
	})
}

// RejectCall declines an incoming pending call
// POST /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	callID := c.Param("id")

	if err := h.manager.Reject(c.Request.Context(), callID); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call rejected",
		"call_id": callID,
	})
}

// EndCall terminates the current call
// POST /v1/calls/end
func (h *Handler) EndCall(c *gin.Context) {
	if err := h.manager.End(c.Request.Context()); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call ended",
	})
}

// ToggleMediaRequest represents a local track toggle request
type ToggleMediaRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ToggleAudio enables or disables the local audio track
// POST /v1/calls/audio
func (h *Handler) ToggleAudio(c *gin.Context) {
	var req ToggleMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	h.manager.ToggleAudio(*req.Enabled)

	response.Success(c, http.StatusOK, gin.H{
		"audio_enabled": *req.Enabled,
	})
}

// ToggleVideo enables or disables the local video track
// POST /v1/calls/video
func (h *Handler) ToggleVideo(c *gin.Context) {
	var req ToggleMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	h.manager.ToggleVideo(*req.Enabled)

	response.Success(c, http.StatusOK, gin.H{
		"video_enabled": *req.Enabled,
	})
}

// GetStatus returns the current call status
// GET /v1/calls/status
func (h *Handler) GetStatus(c *gin.Context) {
	response.Success(c, http.StatusOK, h.manager.Status())
}
