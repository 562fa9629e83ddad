package presence

import (
	"context"
	"log/slog"

	"messenger-service/internal/models"
	"messenger-service/internal/observability"
	"messenger-service/internal/repositories"
	"messenger-service/internal/session"
)

// Broadcaster pushes ephemeral presence and typing state to interested live
// connections. Nothing here is queued for offline users: typing and status
// events are fire-and-forget and lost if no connection is live.
type Broadcaster struct {
	registry *session.Registry
	convRepo repositories.ConversationRepository
	userRepo repositories.UserRepository
	store    Store
	log      *slog.Logger
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster(registry *session.Registry, convRepo repositories.ConversationRepository, userRepo repositories.UserRepository, store Store, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		convRepo: convRepo,
		userRepo: userRepo,
		store:    store,
		log:      log,
	}
}

// UserOnline records the online transition and notifies every peer who
// shares a conversation with the user, unless the user hides their status.
func (b *Broadcaster) UserOnline(ctx context.Context, userID int64) {
	if err := b.userRepo.SetOnline(ctx, userID, true); err != nil {
		b.log.ErrorContext(ctx, "presence: set online failed", "user_id", userID, "error", err)
	}
	if err := b.store.SetOnline(ctx, userID); err != nil {
		b.log.WarnContext(ctx, "presence: mirror online failed", "user_id", userID, "error", err)
	}
	b.broadcastStatus(ctx, userID, true)
}

// UserOffline records the offline transition after the registry's grace
// period and notifies peers.
func (b *Broadcaster) UserOffline(ctx context.Context, userID int64) {
	if err := b.userRepo.SetOnline(ctx, userID, false); err != nil {
		b.log.ErrorContext(ctx, "presence: set offline failed", "user_id", userID, "error", err)
	}
	if err := b.store.SetOffline(ctx, userID); err != nil {
		b.log.WarnContext(ctx, "presence: mirror offline failed", "user_id", userID, "error", err)
	}
	b.broadcastStatus(ctx, userID, false)
}

func (b *Broadcaster) broadcastStatus(ctx context.Context, userID int64, online bool) {
	user, err := b.userRepo.GetByID(ctx, userID)
	if err != nil {
		b.log.ErrorContext(ctx, "presence: load user failed", "user_id", userID, "error", err)
		return
	}
	if user.HideOnlineStatus {
		// The user still functions normally for delivery; peers simply are
		// not told.
		return
	}

	data := models.UserStatusChangeData{UserID: userID, IsOnline: online}
	if !online && !user.HideLastSeen {
		data.LastSeenAt = user.LastSeenAt
	}
	event := models.ServerEvent{Event: models.EventUserStatusChange, Data: data}

	peers, err := b.convRepo.PeerIDs(ctx, userID)
	if err != nil {
		b.log.ErrorContext(ctx, "presence: load peers failed", "user_id", userID, "error", err)
		return
	}
	for _, peerID := range peers {
		for _, conn := range b.registry.ConnectionsFor(peerID) {
			if err := conn.Send(event); err != nil {
				b.log.DebugContext(ctx, "presence: status push dropped", "peer_id", peerID, "error", err)
			}
		}
	}
	observability.IncWSEvent("presence", models.EventUserStatusChange)
}

// Typing broadcasts a typing indicator to the other participant's
// connections subscribed to the conversation. Best effort, no ack.
func (b *Broadcaster) Typing(ctx context.Context, conversationID, userID int64, isTyping bool) {
	conv, err := b.convRepo.Get(ctx, conversationID)
	if err != nil {
		b.log.DebugContext(ctx, "presence: typing for unknown conversation", "conversation_id", conversationID, "error", err)
		return
	}
	if !conv.HasParticipant(userID) {
		return
	}

	event := models.ServerEvent{Event: models.EventUserTyping, Data: models.UserTypingData{
		ChatID:   conversationID,
		UserID:   userID,
		IsTyping: isTyping,
	}}
	for _, conn := range b.registry.ConnectionsFor(conv.PeerOf(userID)) {
		if !conn.Subscribed(conversationID) {
			continue
		}
		if err := conn.Send(event); err != nil {
			b.log.DebugContext(ctx, "presence: typing push dropped", "conversation_id", conversationID, "error", err)
		}
	}
	observability.IncWSEvent("presence", models.EventUserTyping)
}
