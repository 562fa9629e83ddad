package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"messenger-service/internal/models"
	"messenger-service/internal/observability"
	"messenger-service/internal/repositories"
	"messenger-service/internal/session"
)

// Validation errors surfaced synchronously to the sender, never retried.
var (
	ErrEmptyContent    = errors.New("message content is empty")
	ErrContentTooLarge = errors.New("message content too large")
	ErrBadMessageType  = errors.New("unsupported message type")
)

// IsValidation reports whether the error is a send-validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyContent) || errors.Is(err, ErrContentTooLarge) || errors.Is(err, ErrBadMessageType)
}

const (
	storeAttempts    = 3
	storeBackoffBase = 100 * time.Millisecond
)

// Engine is the delivery core: it validates a send, makes it durable,
// fans it out to every recipient connection and tracks delivery/read
// acknowledgements. Authoritative message state begins at Stored; the
// client-side "sending" state exists only as the temp_id echoed back.
type Engine struct {
	convRepo      repositories.ConversationRepository
	msgRepo       repositories.MessageRepository
	userRepo      repositories.UserRepository
	registry      *session.Registry
	log           *slog.Logger
	maxMessageLen int

	// Per-conversation dispatch locks. Holding the lock across the durable
	// append and the outbound enqueue gives each recipient connection the
	// stored order; the enqueue only queues on buffered per-connection
	// channels, so slow recipient transport never blocks the sender.
	dispatchMu sync.Map // conversationID -> *sync.Mutex
}

// NewEngine constructs the delivery engine.
func NewEngine(convRepo repositories.ConversationRepository, msgRepo repositories.MessageRepository, userRepo repositories.UserRepository, registry *session.Registry, log *slog.Logger, maxMessageLen int) *Engine {
	if maxMessageLen <= 0 {
		maxMessageLen = 4096
	}
	return &Engine{
		convRepo:      convRepo,
		msgRepo:       msgRepo,
		userRepo:      userRepo,
		registry:      registry,
		log:           log,
		maxMessageLen: maxMessageLen,
	}
}

func (e *Engine) convLock(conversationID int64) *sync.Mutex {
	mu, _ := e.dispatchMu.LoadOrStore(conversationID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Send validates, durably stores and fans out one message. The returned
// message carries the server-assigned id and order key; tempID correlates it
// with the sender's optimistic entry and is echoed only to the sender's own
// connections.
func (e *Engine) Send(ctx context.Context, conversationID, senderID int64, content, messageType, tempID string) (models.Message, error) {
	if content == "" {
		return models.Message{}, ErrEmptyContent
	}
	if len(content) > e.maxMessageLen {
		return models.Message{}, ErrContentTooLarge
	}
	if messageType == "" {
		messageType = models.MessageTypeText
	}
	if messageType != models.MessageTypeText && messageType != models.MessageTypeImage {
		return models.Message{}, ErrBadMessageType
	}

	conv, err := e.convRepo.Get(ctx, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return models.Message{}, repositories.ErrNotParticipant
	}

	receiver, err := e.userRepo.GetByID(ctx, conv.PeerOf(senderID))
	if err != nil {
		return models.Message{}, err
	}
	if receiver.WhoCanMessage == models.MessageFromNobody {
		return models.Message{}, repositories.ErrForbidden
	}

	mu := e.convLock(conversationID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	msg, err := e.appendWithRetry(ctx, conversationID, senderID, content, messageType)
	if err != nil {
		return models.Message{}, err
	}
	observability.IncMessageStored(messageType)

	// New activity makes the conversation visible again on both sides.
	if err := e.convRepo.UnhideForUser(ctx, conversationID, conv.User1ID); err != nil {
		e.log.WarnContext(ctx, "delivery: unhide failed", "conversation_id", conversationID, "error", err)
	}
	if err := e.convRepo.UnhideForUser(ctx, conversationID, conv.User2ID); err != nil {
		e.log.WarnContext(ctx, "delivery: unhide failed", "conversation_id", conversationID, "error", err)
	}

	e.fanOut(ctx, conv, msg, senderID, tempID)
	observability.ObserveFanout(time.Since(start))
	return msg, nil
}

// appendWithRetry retries transient storage failures with backoff. Domain
// errors are surfaced immediately; the message is never reported stored
// unless the append committed.
func (e *Engine) appendWithRetry(ctx context.Context, conversationID, senderID int64, content, messageType string) (models.Message, error) {
	var lastErr error
	backoff := storeBackoffBase
	for attempt := 0; attempt < storeAttempts; attempt++ {
		msg, err := e.msgRepo.Append(ctx, conversationID, senderID, content, messageType)
		if err == nil {
			return msg, nil
		}
		if errors.Is(err, repositories.ErrConversationNotFound) || errors.Is(err, repositories.ErrNotParticipant) {
			return models.Message{}, err
		}
		lastErr = err
		e.log.WarnContext(ctx, "delivery: append failed, retrying", "conversation_id", conversationID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return models.Message{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	observability.IncStoreFailure()
	return models.Message{}, fmt.Errorf("store message: %w", lastErr)
}

// fanOut enqueues the stored message on every participant connection.
// Push failures are not retried; reconciliation is the recovery path.
func (e *Engine) fanOut(ctx context.Context, conv models.Conversation, msg models.Message, senderID int64, tempID string) {
	for _, userID := range []int64{conv.User1ID, conv.User2ID} {
		data := models.ReceiveMessageData{Message: msg}
		if userID == senderID {
			data.TempID = tempID
		}
		event := models.ServerEvent{Event: models.EventReceiveMessage, Data: data}
		for _, conn := range e.registry.ConnectionsFor(userID) {
			if err := conn.Send(event); err != nil {
				e.log.DebugContext(ctx, "delivery: push dropped", "message_id", msg.ID, "user_id", userID, "error", err)
				observability.IncDeliveryDropped()
			}
		}
	}
	_ = observability.PublishEvent(ctx, "message_events.stored", observability.EventEnvelope{
		EventType: "message_events",
		EventName: "message_stored",
		Payload: map[string]any{
			"message_id":      msg.ID,
			"conversation_id": msg.ConversationID,
			"seq":             msg.Seq,
			"sender_id":       msg.SenderID,
		},
	}, nil)
}

// Acknowledge records a transport-level delivery ack from one of the user's
// connections. The user-level delivered flag flips on the first ack only;
// the sender's connections are then told exactly once.
func (e *Engine) Acknowledge(ctx context.Context, messageID, userID int64) {
	msg, first, err := e.msgRepo.MarkDelivered(ctx, messageID, userID)
	if err != nil {
		e.log.WarnContext(ctx, "delivery: ack failed", "message_id", messageID, "user_id", userID, "error", err)
		return
	}
	if !first {
		return
	}
	e.notifyStatus(ctx, msg, models.MessageStatusData{
		MessageID: msg.ID,
		ChatID:    msg.ConversationID,
		UserID:    userID,
		Delivered: true,
	})
}

// MarkRead sets the reader's read receipt. Idempotent: only the first
// transition produces a status event. A non-participant reader is logged and
// ignored, since reads race with membership checks on the client.
func (e *Engine) MarkRead(ctx context.Context, messageID, readerID int64) {
	msg, changed, err := e.msgRepo.MarkRead(ctx, messageID, readerID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotParticipant) || errors.Is(err, repositories.ErrMessageNotFound) {
			e.log.InfoContext(ctx, "delivery: mark read ignored", "message_id", messageID, "reader_id", readerID, "reason", err)
			return
		}
		e.log.WarnContext(ctx, "delivery: mark read failed", "message_id", messageID, "reader_id", readerID, "error", err)
		return
	}
	if !changed {
		return
	}
	readAt := msg.ReadAt[readerID]
	e.notifyStatus(ctx, msg, models.MessageStatusData{
		MessageID: msg.ID,
		ChatID:    msg.ConversationID,
		UserID:    readerID,
		Delivered: true,
		ReadAt:    &readAt,
	})
}

func (e *Engine) notifyStatus(ctx context.Context, msg models.Message, data models.MessageStatusData) {
	conv, err := e.convRepo.Get(ctx, msg.ConversationID)
	if err != nil {
		e.log.WarnContext(ctx, "delivery: status notify failed", "conversation_id", msg.ConversationID, "error", err)
		return
	}
	event := models.ServerEvent{Event: models.EventMessageStatus, Data: data}
	e.broadcast(ctx, conv, event)
}

// Edit rewrites the sender's own message and broadcasts the new snapshot.
func (e *Engine) Edit(ctx context.Context, messageID, editorID int64, content string) (models.Message, error) {
	if content == "" {
		return models.Message{}, ErrEmptyContent
	}
	if len(content) > e.maxMessageLen {
		return models.Message{}, ErrContentTooLarge
	}
	msg, err := e.msgRepo.Edit(ctx, messageID, editorID, content)
	if err != nil {
		return models.Message{}, err
	}
	e.broadcastUpdated(ctx, msg)
	return msg, nil
}

// Delete removes a message for the requester only, or tombstones it for
// everyone when forEveryone is set.
func (e *Engine) Delete(ctx context.Context, messageID, requesterID int64, forEveryone bool) error {
	if !forEveryone {
		return e.msgRepo.HideForUser(ctx, messageID, requesterID)
	}
	msg, err := e.msgRepo.DeleteForAll(ctx, messageID, requesterID)
	if err != nil {
		return err
	}
	e.broadcastUpdated(ctx, msg)
	return nil
}

// React toggles the user's reaction and broadcasts the new snapshot.
func (e *Engine) React(ctx context.Context, messageID, userID int64, emoji string) (models.Message, error) {
	msg, err := e.msgRepo.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	member, err := e.convRepo.IsParticipant(ctx, msg.ConversationID, userID)
	if err != nil {
		return models.Message{}, err
	}
	if !member {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	msg, err = e.msgRepo.ToggleReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return models.Message{}, err
	}
	e.broadcastUpdated(ctx, msg)
	return msg, nil
}

func (e *Engine) broadcastUpdated(ctx context.Context, msg models.Message) {
	conv, err := e.convRepo.Get(ctx, msg.ConversationID)
	if err != nil {
		e.log.WarnContext(ctx, "delivery: update notify failed", "conversation_id", msg.ConversationID, "error", err)
		return
	}
	e.broadcast(ctx, conv, models.ServerEvent{Event: models.EventMessageUpdated, Data: msg})
}

func (e *Engine) broadcast(ctx context.Context, conv models.Conversation, event models.ServerEvent) {
	for _, userID := range []int64{conv.User1ID, conv.User2ID} {
		for _, conn := range e.registry.ConnectionsFor(userID) {
			if err := conn.Send(event); err != nil {
				e.log.DebugContext(ctx, "delivery: broadcast dropped", "user_id", userID, "error", err)
			}
		}
	}
}
