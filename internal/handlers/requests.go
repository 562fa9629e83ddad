package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"messenger-service/internal/middleware"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
)

// RequestHandler manages chat request endpoints.
type RequestHandler struct {
	requestRepo repositories.RequestRepository
	userRepo    repositories.UserRepository
}

// NewRequestHandler builds a RequestHandler.
func NewRequestHandler(requestRepo repositories.RequestRepository, userRepo repositories.UserRepository) *RequestHandler {
	return &RequestHandler{requestRepo: requestRepo, userRepo: userRepo}
}

// CreateRequest sends a chat request to another user.
func (h *RequestHandler) CreateRequest(c *gin.Context) {
	var req struct {
		ReceiverID int64  `json:"receiver_id" binding:"required"`
		Message    string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)

	receiver, err := h.userRepo.GetByID(c.Request.Context(), req.ReceiverID)
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "user not found"})
		return
	}
	if receiver.WhoCanMessage == models.MessageFromNobody {
		c.JSON(http.StatusForbidden, gin.H{"error": "user does not accept requests"})
		return
	}

	request, err := h.requestRepo.Create(c.Request.Context(), userID, req.ReceiverID, strings.TrimSpace(req.Message))
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "could not create request"})
		return
	}

	c.JSON(http.StatusCreated, request)
}

// ListRequests returns pending requests addressed to the caller.
func (h *RequestHandler) ListRequests(c *gin.Context) {
	userID := middleware.UserID(c)

	requests, err := h.requestRepo.ListForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load requests"})
		return
	}

	senderIDs := make([]int64, 0, len(requests))
	seen := map[int64]struct{}{}
	for _, r := range requests {
		if _, ok := seen[r.SenderID]; !ok {
			seen[r.SenderID] = struct{}{}
			senderIDs = append(senderIDs, r.SenderID)
		}
	}

	users, err := h.userRepo.GetMany(c.Request.Context(), senderIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load senders"})
		return
	}
	usernameByID := map[int64]string{}
	for _, u := range users {
		usernameByID[u.ID] = u.Username
	}

	type requestResponse struct {
		ID             int64  `json:"id"`
		SenderID       int64  `json:"sender_id"`
		SenderUsername string `json:"sender_username,omitempty"`
		Message        string `json:"message,omitempty"`
		Status         string `json:"status"`
	}

	resp := make([]requestResponse, 0, len(requests))
	for _, r := range requests {
		resp = append(resp, requestResponse{
			ID:             r.ID,
			SenderID:       r.SenderID,
			SenderUsername: usernameByID[r.SenderID],
			Message:        r.Text,
			Status:         r.Status,
		})
	}

	c.JSON(http.StatusOK, gin.H{"requests": resp})
}

// RespondRequest accepts or declines a pending request. Accepting creates
// the conversation and returns its id.
func (h *RequestHandler) RespondRequest(c *gin.Context) {
	requestID, err := strconv.ParseInt(c.Param("request_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}

	var req struct {
		Accept *bool `json:"accept" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)
	request, conv, err := h.requestRepo.Respond(c.Request.Context(), requestID, userID, *req.Accept)
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "could not respond to request"})
		return
	}

	resp := gin.H{"status": request.Status}
	if conv != nil {
		resp["chat_id"] = conv.ID
	}
	c.JSON(http.StatusOK, resp)
}
