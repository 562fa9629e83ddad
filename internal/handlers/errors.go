package handlers

import (
	"errors"
	"net/http"

	"messenger-service/internal/delivery"
	"messenger-service/internal/repositories"
)

// statusFromError maps domain errors onto HTTP status codes. Anything
// unrecognized is an internal error.
func statusFromError(err error) int {
	switch {
	case delivery.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, repositories.ErrNotParticipant),
		errors.Is(err, repositories.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repositories.ErrConversationNotFound),
		errors.Is(err, repositories.ErrMessageNotFound),
		errors.Is(err, repositories.ErrRequestNotFound),
		errors.Is(err, repositories.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, repositories.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
