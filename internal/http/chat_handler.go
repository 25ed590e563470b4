package http

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"habit-chat/internal/domain"
	"habit-chat/internal/repository"
	"habit-chat/internal/service"
)

// ConnectionState expone el estado del canal en tiempo real y el aviso de lectura al servidor.
type ConnectionState interface {
	State() domain.ConnectionState
	MarkRead(ctx context.Context, conversationID string, ids []string) error
}

// ChatHandler mantiene dependencias para endpoints de conversaciones y mensajes.
type ChatHandler struct {
	logger        *zap.Logger
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	rollup        *service.RollupEngine
	dispatcher    *service.Dispatcher
	reconciler    *service.SyncReconciler
	conn          ConnectionState
}

// NewChatHandler crea una instancia de ChatHandler con dependencias necesarias.
func NewChatHandler(
	logger *zap.Logger,
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	rollup *service.RollupEngine,
	dispatcher *service.Dispatcher,
	reconciler *service.SyncReconciler,
	conn ConnectionState,
) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		logger:        logger,
		conversations: conversations,
		messages:      messages,
		rollup:        rollup,
		dispatcher:    dispatcher,
		reconciler:    reconciler,
		conn:          conn,
	}
}

// ListConversations maneja GET /conversations.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	convs, err := h.conversations.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "could not list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// StreamConversations maneja GET /conversations/stream (server-sent events).
func (h *ChatHandler) StreamConversations(c *gin.Context) {
	updates, cancel := h.rollup.Updates()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case conv, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("conversation", conv)
			return true
		}
	})
}

// ListMessages maneja GET /conversations/:id/messages.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	msgs, err := h.messages.ListByConversationID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "could not list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage maneja POST /conversations/:id/messages.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req struct {
		Content     string `json:"content" binding:"required"`
		ReceiverID  string `json:"receiver_id"`
		MessageType string `json:"message_type"`
		ReplyToID   string `json:"reply_to_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid send message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	msg, err := h.dispatcher.Send(c.Request.Context(), service.SendRequest{
		ConversationID: c.Param("id"),
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		MessageType:    domain.MessageType(strings.ToLower(req.MessageType)),
		ReplyToID:      req.ReplyToID,
	})
	if err != nil {
		respondError(c, h.logger, err, "could not send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// RetryMessage maneja POST /messages/:id/retry.
func (h *ChatHandler) RetryMessage(c *gin.Context) {
	msg, err := h.dispatcher.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "could not retry message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// EditMessage maneja PATCH /messages/:id.
func (h *ChatHandler) EditMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid edit message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	msg, err := h.dispatcher.Edit(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		respondError(c, h.logger, err, "could not edit message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DeleteMessage maneja DELETE /messages/:id.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	if err := h.dispatcher.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err, "could not delete message")
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkRead maneja POST /conversations/:id/read. Sin message_ids marca toda la conversacion.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	var req struct {
		MessageIDs []string `json:"message_ids"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Warn("invalid mark read request", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	id := c.Param("id")
	conv, marked, err := h.rollup.MarkRead(c.Request.Context(), id, req.MessageIDs)
	if err != nil {
		respondError(c, h.logger, err, "could not mark conversation read")
		return
	}
	if marked > 0 && h.conn != nil && h.conn.State() == domain.StateConnected {
		if err := h.conn.MarkRead(c.Request.Context(), id, req.MessageIDs); err != nil {
			h.logger.Warn("read receipt not delivered", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "marked": marked})
}

// UpdateFlags maneja PATCH /conversations/:id.
func (h *ChatHandler) UpdateFlags(c *gin.Context) {
	var flags domain.FlagUpdate
	if err := c.ShouldBindJSON(&flags); err != nil {
		h.logger.Warn("invalid flags request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	conv, err := h.rollup.SetFlags(c.Request.Context(), c.Param("id"), flags)
	if err != nil {
		respondError(c, h.logger, err, "could not update conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// Typing maneja POST /conversations/:id/typing.
func (h *ChatHandler) Typing(c *gin.Context) {
	var req struct {
		Typing bool `json:"typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.dispatcher.SendTyping(c.Request.Context(), c.Param("id"), req.Typing); err != nil {
		h.logger.Debug("typing signal not delivered", zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

// Sync maneja POST /sync.
func (h *ChatHandler) Sync(c *gin.Context) {
	report, err := h.reconciler.Sync(c.Request.Context())
	if err != nil {
		h.logger.Warn("sync failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "sync failed", "report": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Connection maneja GET /connection.
func (h *ChatHandler) Connection(c *gin.Context) {
	state := domain.StateDisconnected
	if h.conn != nil {
		state = h.conn.State()
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}
