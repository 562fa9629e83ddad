package repositories

import "errors"

// Sentinel errors shared by the repositories. Handlers map these onto HTTP
// statuses; the delivery engine maps them onto websocket error events.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrRequestNotFound      = errors.New("chat request not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrNotParticipant       = errors.New("not a conversation participant")
	ErrForbidden            = errors.New("forbidden")
	ErrConflict             = errors.New("conflict")
)
