package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"habit-chat/internal/domain"
	"habit-chat/internal/service"
)

// AiHandler expone el resolver de respuestas IA y la gestion de personajes.
type AiHandler struct {
	logger   *zap.Logger
	resolver *service.AiResolver
}

func NewAiHandler(logger *zap.Logger, resolver *service.AiResolver) *AiHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AiHandler{logger: logger, resolver: resolver}
}

// RequestResponse maneja POST /ai/responses.
func (h *AiHandler) RequestResponse(c *gin.Context) {
	var req struct {
		Trigger        string     `json:"trigger" binding:"required"`
		HabitName      string     `json:"habit_name"`
		Streak         int        `json:"streak"`
		DueAt          *time.Time `json:"due_at"`
		Note           string     `json:"note"`
		CharacterID    string     `json:"character_id"`
		ConversationID string     `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid ai response request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	userID := ""
	if claims, ok := GetAuthClaims(c); ok {
		userID = claims.UserID
	}
	out := h.resolver.Resolve(c.Request.Context(), domain.AiRequest{
		UserID:         userID,
		Trigger:        domain.Trigger(req.Trigger),
		CharacterID:    req.CharacterID,
		ConversationID: req.ConversationID,
		Params: domain.TriggerParams{
			HabitName: req.HabitName,
			Streak:    req.Streak,
			DueAt:     req.DueAt,
			Note:      req.Note,
		},
	})

	switch o := out.(type) {
	case domain.AiReplied:
		c.JSON(http.StatusCreated, gin.H{
			"message":    o.Message,
			"origin":     o.Result.Origin,
			"latency_ms": o.Result.Latency.Milliseconds(),
		})
	case domain.AiUnavailable:
		h.logger.Info("ai response unavailable", zap.Error(o.Reason))
		c.JSON(http.StatusConflict, gin.H{"error": "no ai character available"})
	case domain.AiFailed:
		if errors.Is(o.Err, service.ErrInvalidInput) {
			h.logger.Warn("invalid ai response request", zap.Error(o.Err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		h.logger.Error("ai response failed", zap.Error(o.Err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not generate ai response"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected ai outcome"})
	}
}

// ListCharacters maneja GET /characters.
func (h *AiHandler) ListCharacters(c *gin.Context) {
	chars, err := h.resolver.ListCharacters(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "could not list characters")
		return
	}
	c.JSON(http.StatusOK, gin.H{"characters": chars})
}

// CreateCharacter maneja POST /characters.
func (h *AiHandler) CreateCharacter(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
		Type string `json:"type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid create character request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	char, err := h.resolver.CreateCharacter(c.Request.Context(), req.Name, domain.CharacterType(req.Type))
	if err != nil {
		respondError(c, h.logger, err, "could not create character")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"character": char})
}

// SelectCharacter maneja POST /characters/:id/select.
func (h *AiHandler) SelectCharacter(c *gin.Context) {
	char, err := h.resolver.SelectCharacter(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "could not select character")
		return
	}
	c.JSON(http.StatusOK, gin.H{"character": char})
}
