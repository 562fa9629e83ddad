package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"messenger-service/internal/auth"
	"messenger-service/internal/delivery"
	"messenger-service/internal/models"
	"messenger-service/internal/observability"
	"messenger-service/internal/presence"
	"messenger-service/internal/repositories"
	"messenger-service/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler owns the websocket endpoint: handshake, event dispatch and
// connection lifecycle.
type Handler struct {
	registry    *session.Registry
	engine      *delivery.Engine
	broadcaster *presence.Broadcaster
	convRepo    repositories.ConversationRepository
	issuer      *auth.TokenIssuer
	log         *slog.Logger
}

// NewHandler constructs the websocket handler.
func NewHandler(registry *session.Registry, engine *delivery.Engine, broadcaster *presence.Broadcaster, convRepo repositories.ConversationRepository, issuer *auth.TokenIssuer, log *slog.Logger) *Handler {
	return &Handler{
		registry:    registry,
		engine:      engine,
		broadcaster: broadcaster,
		convRepo:    convRepo,
		issuer:      issuer,
		log:         log,
	}
}

// Handle authenticates, upgrades and registers the connection, then serves
// its inbound event stream until disconnect.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messenger-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	userID, err := h.authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := NewClient(context.Background(), conn, info)
	h.registry.Register(client)

	observability.IncWSActive()
	observability.IncWSEvent("chat", "ws_connect")
	h.publishLifecycle(ctx, info, "ws_connect", "")

	go h.serve(client, info)
}

func (h *Handler) authenticate(c *gin.Context) (int64, error) {
	token := c.GetHeader("Authorization")
	if token != "" {
		parts := strings.SplitN(token, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return 0, auth.ErrInvalidToken
		}
		return h.issuer.Validate(parts[1])
	}
	if token = c.Query("token"); token != "" {
		return h.issuer.Validate(token)
	}
	return 0, auth.ErrInvalidToken
}

func (h *Handler) serve(client *Client, info ConnInfo) {
	ctx := context.Background()
	var closeReason string
	defer func() {
		h.registry.Unregister(client.ID())
		observability.DecWSActive()
		observability.IncWSEvent("chat", "ws_disconnect")
		h.publishLifecycle(ctx, info, "ws_disconnect", closeReason)
		client.Close()
	}()

	err := client.readLoop(func(data []byte) {
		h.dispatch(ctx, client, data)
	})
	if err != nil {
		closeReason = err.Error()
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			observability.IncWSEvent("chat", "ws_error")
			h.publishLifecycle(ctx, info, "ws_error", closeReason)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, client *Client, data []byte) {
	var event models.ClientEvent
	if err := json.Unmarshal(data, &event); err != nil {
		h.sendError(client, "malformed event")
		return
	}
	observability.IncWSEvent("chat", event.Event)

	switch event.Event {
	case models.EventSendMessage:
		h.onSendMessage(ctx, client, event.Data)
	case models.EventTyping:
		h.onTyping(ctx, client, event.Data, true)
	case models.EventStopTyping:
		h.onTyping(ctx, client, event.Data, false)
	case models.EventMarkAsRead:
		h.onMarkAsRead(ctx, client, event.Data)
	case models.EventMarkDelivered:
		h.onMarkDelivered(ctx, client, event.Data)
	case models.EventJoinChat:
		h.onJoinChat(ctx, client, event.Data)
	case models.EventSync:
		h.onSync(ctx, client, event.Data)
	default:
		h.log.DebugContext(ctx, "ws: unknown event", "event", event.Event, "conn_id", client.ID())
	}
}

func (h *Handler) onSendMessage(ctx context.Context, client *Client, data json.RawMessage) {
	var payload models.SendMessageData
	if err := json.Unmarshal(data, &payload); err != nil {
		h.sendError(client, "malformed send_message")
		return
	}
	// SenderID comes from the authenticated connection, never the payload.
	if _, err := h.engine.Send(ctx, payload.ChatID, client.UserID(), payload.Content, payload.MessageType, payload.TempID); err != nil {
		h.log.InfoContext(ctx, "ws: send rejected", "chat_id", payload.ChatID, "user_id", client.UserID(), "error", err)
		h.sendError(client, sendErrorText(err))
	}
}

func sendErrorText(err error) string {
	switch {
	case delivery.IsValidation(err):
		return err.Error()
	case errors.Is(err, repositories.ErrNotParticipant), errors.Is(err, repositories.ErrForbidden):
		return "not allowed"
	case errors.Is(err, repositories.ErrConversationNotFound):
		return "conversation not found"
	default:
		return "failed to send message"
	}
}

func (h *Handler) onTyping(ctx context.Context, client *Client, data json.RawMessage, isTyping bool) {
	var payload models.TypingData
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	h.broadcaster.Typing(ctx, payload.ChatID, client.UserID(), isTyping)
}

func (h *Handler) onMarkAsRead(ctx context.Context, client *Client, data json.RawMessage) {
	var payload models.MarkAsReadData
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	h.engine.MarkRead(ctx, payload.MessageID, client.UserID())
}

func (h *Handler) onMarkDelivered(ctx context.Context, client *Client, data json.RawMessage) {
	var payload models.MarkDeliveredData
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	h.engine.Acknowledge(ctx, payload.MessageID, client.UserID())
}

func (h *Handler) onJoinChat(ctx context.Context, client *Client, data json.RawMessage) {
	var payload models.JoinChatData
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	member, err := h.convRepo.IsParticipant(ctx, payload.ChatID, client.UserID())
	if err != nil || !member {
		h.sendError(client, "not a conversation participant")
		return
	}
	client.Subscribe(payload.ChatID)
}

func (h *Handler) onSync(ctx context.Context, client *Client, data json.RawMessage) {
	var payload models.SyncData
	if err := json.Unmarshal(data, &payload); err != nil {
		h.sendError(client, "malformed sync")
		return
	}
	msgs, err := h.engine.Sync(ctx, payload.ChatID, client.UserID(), payload.Watermark)
	if err != nil {
		h.log.InfoContext(ctx, "ws: sync rejected", "chat_id", payload.ChatID, "user_id", client.UserID(), "error", err)
		h.sendError(client, "sync failed")
		return
	}
	client.Subscribe(payload.ChatID)
	if err := client.Send(models.ServerEvent{Event: models.EventSyncMessages, Data: models.SyncMessagesData{
		ChatID:    payload.ChatID,
		Watermark: payload.Watermark,
		Messages:  msgs,
	}}); err != nil {
		h.log.DebugContext(ctx, "ws: sync push dropped", "chat_id", payload.ChatID, "error", err)
	}
}

func (h *Handler) sendError(client *Client, text string) {
	_ = client.Send(models.ServerEvent{Event: models.EventError, Data: models.ErrorData{Error: text}})
}

func (h *Handler) publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	_ = observability.PublishEvent(ctx, "ws_events.chats", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]any{
			"ws": map[string]any{
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]any{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
