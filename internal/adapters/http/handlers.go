package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/liveclass/coordinator/internal/app"
	"github.com/liveclass/coordinator/internal/domain"
)

type Handlers struct {
	coord *app.Coordinator
}

type startRequest struct {
	ResourceID string `json:"resource_id" binding:"required"`
	OwnerID    string `json:"owner_id" binding:"required"`
}

type joinRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

type leaveRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type endRequest struct {
	RequesterID string `json:"requester_id" binding:"required"`
}

func (h *Handlers) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource_id and owner_id are required"})
		return
	}

	res, err := h.coord.Start(c.Request.Context(), domain.ResourceID(req.ResourceID), domain.UserID(req.OwnerID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and role are required"})
		return
	}

	res, err := h.coord.Join(
		c.Request.Context(),
		domain.MeetingID(c.Param("meetingID")),
		domain.UserID(req.UserID),
		domain.Role(req.Role),
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) Leave(c *gin.Context) {
	var req leaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	if err := h.coord.Leave(c.Request.Context(), domain.MeetingID(c.Param("meetingID")), domain.UserID(req.UserID)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) End(c *gin.Context) {
	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requester_id is required"})
		return
	}

	if err := h.coord.End(c.Request.Context(), domain.MeetingID(c.Param("meetingID")), domain.UserID(req.RequesterID)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Status never fails; an unknown meeting is a steady state pollers can
// sit on.
func (h *Handlers) Status(c *gin.Context) {
	st := h.coord.GetStatus(c.Request.Context(), domain.MeetingID(c.Param("meetingID")))
	c.JSON(http.StatusOK, st)
}

// writeError maps the domain taxonomy onto status codes. Retryable
// failures carry a Retry-After hint.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrCredentialBuild):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case domain.Retryable(err):
		c.Header("Retry-After", "2")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	default:
		// CredentialConfig, UIDExhausted, authority failures.
		log.Error().Str("module", "adapters.http").Err(err).Msg("lifecycle call failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
