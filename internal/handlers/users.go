package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"messenger-service/internal/auth"
	"messenger-service/internal/middleware"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
	"messenger-service/internal/telemetry"
)

const searchLimit = 20

// UserHandler owns account and profile endpoints.
type UserHandler struct {
	userRepo repositories.UserRepository
	audit    *telemetry.AuditEmitter
}

// NewUserHandler builds a UserHandler.
func NewUserHandler(userRepo repositories.UserRepository, audit *telemetry.AuditEmitter) *UserHandler {
	return &UserHandler{userRepo: userRepo, audit: audit}
}

// Me returns the caller's own account, including privacy settings.
func (h *UserHandler) Me(c *gin.Context) {
	user, err := h.userRepo.GetByID(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "failed to load account"})
		return
	}
	user.PasswordHash = ""
	c.JSON(http.StatusOK, user)
}

// Search finds users by username prefix, excluding the caller.
func (h *UserHandler) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusOK, gin.H{"users": []models.User{}})
		return
	}

	users, err := h.userRepo.Search(c.Request.Context(), query, middleware.UserID(c), searchLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}

	views := make([]models.User, 0, len(users))
	for _, u := range users {
		views = append(views, u.PublicView())
	}
	c.JSON(http.StatusOK, gin.H{"users": views})
}

// UpdateProfile patches the caller's bio and avatar. Absent fields are left
// untouched.
func (h *UserHandler) UpdateProfile(c *gin.Context) {
	var req struct {
		Bio       *string `json:"bio"`
		AvatarURL *string `json:"avatar_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.userRepo.UpdateProfile(c.Request.Context(), middleware.UserID(c), repositories.ProfilePatch{
		Bio:       req.Bio,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "could not update profile"})
		return
	}

	user.PasswordHash = ""
	c.JSON(http.StatusOK, user)
}

// UpdatePrivacy patches the caller's privacy flags.
func (h *UserHandler) UpdatePrivacy(c *gin.Context) {
	var req struct {
		HideLastSeen     *bool   `json:"hide_last_seen"`
		HideOnlineStatus *bool   `json:"hide_online_status"`
		WhoCanMessage    *string `json:"who_can_message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.WhoCanMessage != nil &&
		*req.WhoCanMessage != models.MessageFromEveryone && *req.WhoCanMessage != models.MessageFromNobody {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid who_can_message value"})
		return
	}

	user, err := h.userRepo.UpdatePrivacy(c.Request.Context(), middleware.UserID(c), repositories.PrivacyPatch{
		HideLastSeen:     req.HideLastSeen,
		HideOnlineStatus: req.HideOnlineStatus,
		WhoCanMessage:    req.WhoCanMessage,
	})
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "could not update privacy settings"})
		return
	}

	h.audit.Emit(c.Request.Context(), "privacy_updated", "privacy flags changed",
		requestIDFromContext(c), userIDFromContext(c))

	user.PasswordHash = ""
	c.JSON(http.StatusOK, user)
}

// ChangePassword verifies the current password and stores a new hash.
func (h *UserHandler) ChangePassword(c *gin.Context) {
	var req struct {
		CurrentPassword string `json:"current_password" binding:"required"`
		NewPassword     string `json:"new_password" binding:"required,min=8"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)
	user, err := h.userRepo.GetByID(c.Request.Context(), userID)
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": "failed to load account"})
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.CurrentPassword) {
		c.JSON(http.StatusForbidden, gin.H{"error": "current password is incorrect"})
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update password"})
		return
	}
	if err := h.userRepo.UpdatePassword(c.Request.Context(), userID, hash); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update password"})
		return
	}

	h.audit.Emit(c.Request.Context(), "password_changed", "account password rotated",
		requestIDFromContext(c), userIDFromContext(c))

	c.Status(http.StatusNoContent)
}
