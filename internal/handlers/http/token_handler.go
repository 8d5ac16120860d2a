package http

import (
	"errors"
	"net/http"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
	"teleconsulta/internal/core/services"
	apperrors "teleconsulta/pkg/errors"

	"github.com/gin-gonic/gin"
)

// TokenMetrics counts issuance outcomes.
type TokenMetrics interface {
	RecordTokenIssued(result string)
}

type TokenHandler struct {
	tokens  services.JoinTokenService
	metrics TokenMetrics
}

func NewTokenHandler(tokens services.JoinTokenService, metrics TokenMetrics) *TokenHandler {
	return &TokenHandler{tokens: tokens, metrics: metrics}
}

// SetupRoutes registers the public credential endpoint and the operator
// routes. operator guards the latter.
func (h *TokenHandler) SetupRoutes(router *gin.Engine, operator gin.HandlerFunc) {
	router.POST("/session/token", h.IssueToken)

	rooms := router.Group("/rooms", operator)
	{
		rooms.GET("/:room/issuances", h.ListIssuances)
	}
}

type TokenRequest struct {
	RoomName        string `json:"roomName" binding:"required,max=128"`
	ParticipantName string `json:"participantName" binding:"max=64"`
}

func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.record("invalid")
		c.Error(apperrors.NewInvalidInputError("roomName is required"))
		return
	}

	cred, err := h.tokens.Issue(c.Request.Context(), ports.TokenRequest{
		RoomName:        domain.RoomName(req.RoomName),
		ParticipantName: req.ParticipantName,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidRoom), errors.Is(err, services.ErrInvalidName):
		h.record("invalid")
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	default:
		h.record("error")
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "could not issue token", http.StatusInternalServerError))
		return
	}

	h.record("issued")
	c.JSON(http.StatusOK, cred)
}

func (h *TokenHandler) ListIssuances(c *gin.Context) {
	room := domain.CanonicalRoomName(c.Param("room"))
	issuances, err := h.tokens.ActiveIssuances(c.Request.Context(), room)
	if err != nil {
		c.Error(apperrors.NewServiceUnavailableError("issuance registry unavailable"))
		return
	}
	if issuances == nil {
		issuances = []*domain.Issuance{}
	}
	c.JSON(http.StatusOK, gin.H{
		"room_name": room,
		"issuances": issuances,
	})
}

func (h *TokenHandler) record(result string) {
	if h.metrics != nil {
		h.metrics.RecordTokenIssued(result)
	}
}
