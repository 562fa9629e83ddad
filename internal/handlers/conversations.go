package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messenger-service/internal/middleware"
	"messenger-service/internal/repositories"
)

// ConversationHandler manages the conversation list endpoints.
type ConversationHandler struct {
	convRepo repositories.ConversationRepository
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(convRepo repositories.ConversationRepository) *ConversationHandler {
	return &ConversationHandler{convRepo: convRepo}
}

// ListChats returns the caller's conversations, pinned first, newest
// activity next, with unread counts and last message previews.
func (h *ConversationHandler) ListChats(c *gin.Context) {
	userID := middleware.UserID(c)

	chats, err := h.convRepo.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// PinChat toggles the caller's pin flag on a conversation.
func (h *ConversationHandler) PinChat(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	var req struct {
		Pinned *bool `json:"pinned" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
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

	if err := h.convRepo.SetPinned(c.Request.Context(), chatID, userID, *req.Pinned); err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "could not update pin"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pinned": *req.Pinned})
}

// DeleteChatForMe hides the conversation for the caller. The peer keeps
// their copy; new activity makes the chat visible again.
func (h *ConversationHandler) DeleteChatForMe(c *gin.Context) {
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

	if err := h.convRepo.HideForUser(c.Request.Context(), chatID, userID); err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "could not hide chat"})
		return
	}

	c.Status(http.StatusNoContent)
}
