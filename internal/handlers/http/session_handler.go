package http

import (
	"errors"
	"net/http"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
	apperrors "teleconsulta/pkg/errors"

	"github.com/gin-gonic/gin"
)

// NoticeFeed returns the most recent notices, oldest first.
type NoticeFeed interface {
	Recent() []domain.Notice
}

// SessionHandler is the session agent's control API.
type SessionHandler struct {
	session ports.SessionController
	preview ports.PreviewController
	notices NoticeFeed
}

func NewSessionHandler(session ports.SessionController, preview ports.PreviewController, notices NoticeFeed) *SessionHandler {
	return &SessionHandler{
		session: session,
		preview: preview,
		notices: notices,
	}
}

func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	s := router.Group("/session")
	{
		s.GET("", h.GetSession)
		s.POST("", h.StartSession)
		s.DELETE("", h.StopSession)
		s.POST("/publish", h.SetPublish)
		s.POST("/screenshare", h.SetScreenShare)
		s.GET("/notices", h.ListNotices)
	}

	p := router.Group("/preview")
	{
		p.GET("", h.GetPreview)
		p.POST("/play", h.PlayPreview)
	}
}

type StartSessionRequest struct {
	Room string `json:"room" binding:"required,max=128"`
}

type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	snap, err := h.session.Snapshot(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *SessionHandler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("room is required"))
		return
	}
	if err := h.session.Start(c.Request.Context(), req.Room); err != nil {
		c.Error(err)
		return
	}
	h.GetSession(c)
}

func (h *SessionHandler) StopSession(c *gin.Context) {
	if err := h.session.Stop(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) SetPublish(c *gin.Context) {
	enabled, ok := bindToggle(c)
	if !ok {
		return
	}
	if err := h.session.SetPublishIntent(c.Request.Context(), enabled); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"publish_intent": enabled})
}

func (h *SessionHandler) SetScreenShare(c *gin.Context) {
	enabled, ok := bindToggle(c)
	if !ok {
		return
	}
	err := h.session.SetScreenShare(c.Request.Context(), enabled)
	if errors.Is(err, domain.ErrNotConnected) {
		c.Error(apperrors.NewSessionInactiveError("screen share needs a connected session"))
		return
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"screen_share": enabled})
}

func (h *SessionHandler) ListNotices(c *gin.Context) {
	notices := []domain.Notice{}
	if h.notices != nil {
		notices = append(notices, h.notices.Recent()...)
	}
	c.JSON(http.StatusOK, gin.H{"notices": notices})
}

func (h *SessionHandler) GetPreview(c *gin.Context) {
	c.JSON(http.StatusOK, h.preview.Status())
}

// PlayPreview is the user gesture that unblocks playback.
func (h *SessionHandler) PlayPreview(c *gin.Context) {
	err := h.preview.ResumePlayback(c.Request.Context())
	switch {
	case errors.Is(err, domain.ErrNoSource):
		c.Error(apperrors.NewConflictError("no camera source"))
		return
	case errors.Is(err, domain.ErrAutoplayBlocked):
		c.Error(apperrors.NewConflictError("playback still blocked"))
		return
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.preview.Status())
}

func bindToggle(c *gin.Context) (bool, bool) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(`body must be {"enabled": true|false}`))
		return false, false
	}
	return *req.Enabled, true
}
