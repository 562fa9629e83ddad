package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messenger-service/internal/delivery"
	"messenger-service/internal/middleware"
	"messenger-service/internal/repositories"
	"messenger-service/internal/telemetry"
)

const defaultPageSize = 50

// MessageHandler owns the message history and message mutation endpoints.
// Sends and mutations go through the delivery engine so REST and websocket
// clients observe the same ordering and broadcasts.
type MessageHandler struct {
	convRepo repositories.ConversationRepository
	msgRepo  repositories.MessageRepository
	engine   *delivery.Engine
	audit    *telemetry.AuditEmitter
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(convRepo repositories.ConversationRepository, msgRepo repositories.MessageRepository, engine *delivery.Engine, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{
		convRepo: convRepo,
		msgRepo:  msgRepo,
		engine:   engine,
		audit:    audit,
	}
}

// GetMessages returns a page of conversation history in ascending order.
// Pagination walks backwards: pass the oldest seq from the previous page as
// before_seq to fetch the page before it.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	userID := middleware.UserID(c)
	member, err := h.convRepo.IsParticipant(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return
	}

	var beforeSeq int64
	if raw := c.Query("before_seq"); raw != "" {
		if beforeSeq, err = strconv.ParseInt(raw, 10, 64); err != nil || beforeSeq < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before_seq"})
			return
		}
	}
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 || limit > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	msgs, err := h.msgRepo.ListPage(c.Request.Context(), chatID, userID, beforeSeq, limit)
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage stores a message through the delivery engine and returns the
// stored snapshot. Connected participants receive it over their sockets.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	var req struct {
		Content     string `json:"content" binding:"required"`
		MessageType string `json:"message_type"`
		TempID      string `json:"temp_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)
	msg, err := h.engine.Send(c.Request.Context(), chatID, userID, req.Content, req.MessageType, req.TempID)
	if err != nil {
		if delivery.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(statusFromError(err), gin.H{"error": "failed to send message"})
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// EditMessage rewrites the caller's own message.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)
	msg, err := h.engine.Edit(c.Request.Context(), messageID, userID, req.Content)
	if err != nil {
		if delivery.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(statusFromError(err), gin.H{"error": "could not edit message"})
		return
	}

	c.JSON(http.StatusOK, msg)
}

// DeleteMessage removes a message for the caller only, or tombstones it for
// everyone when delete_for_everyone is set. Delete for everyone is sender only.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	var req struct {
		DeleteForEveryone bool `json:"delete_for_everyone"`
	}
	// Body is optional; absence means delete for me.
	_ = c.ShouldBindJSON(&req)

	userID := middleware.UserID(c)
	if err := h.engine.Delete(c.Request.Context(), messageID, userID, req.DeleteForEveryone); err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "could not delete message"})
		return
	}

	if req.DeleteForEveryone {
		h.audit.Emit(c.Request.Context(), "message_deleted_for_all",
			fmt.Sprintf("message_id=%d", messageID), requestIDFromContext(c), userIDFromContext(c))
	}

	c.Status(http.StatusNoContent)
}

// ReactToMessage toggles the caller's emoji reaction.
func (h *MessageHandler) ReactToMessage(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)
	msg, err := h.engine.React(c.Request.Context(), messageID, userID, req.Emoji)
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "could not update reaction"})
		return
	}

	c.JSON(http.StatusOK, msg)
}
