package delivery

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/mocks"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
	"messenger-service/internal/session"
)

type fakeConn struct {
	id     string
	userID int64
	subs   map[int64]bool

	mu     sync.Mutex
	events []models.ServerEvent
}

func (f *fakeConn) ID() string    { return f.id }
func (f *fakeConn) UserID() int64 { return f.userID }

func (f *fakeConn) Subscribed(convID int64) bool { return f.subs[convID] }

func (f *fakeConn) Send(event models.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeConn) Close() {}

func (f *fakeConn) received() []models.ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ServerEvent, len(f.events))
	copy(out, f.events)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(convRepo *mocks.ConversationRepositoryMock, msgRepo *mocks.MessageRepositoryMock, userRepo *mocks.UserRepositoryMock, conns ...session.Conn) *Engine {
	registry := session.NewRegistry(time.Minute)
	for _, conn := range conns {
		registry.Register(conn)
	}
	return NewEngine(convRepo, msgRepo, userRepo, registry, testLogger(), 4096)
}

func TestSendValidation(t *testing.T) {
	engine := newTestEngine(new(mocks.ConversationRepositoryMock), new(mocks.MessageRepositoryMock), new(mocks.UserRepositoryMock))

	_, err := engine.Send(context.Background(), 5, 1, "", models.MessageTypeText, "")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = engine.Send(context.Background(), 5, 1, strings.Repeat("x", 5000), models.MessageTypeText, "")
	assert.ErrorIs(t, err, ErrContentTooLarge)

	_, err = engine.Send(context.Background(), 5, 1, "hi", "video", "")
	assert.ErrorIs(t, err, ErrBadMessageType)
}

func TestSendNotParticipant(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	engine := newTestEngine(convRepo, new(mocks.MessageRepositoryMock), new(mocks.UserRepositoryMock))

	convRepo.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5, User1ID: 2, User2ID: 3}, nil).Once()

	_, err := engine.Send(context.Background(), 5, 1, "hi", models.MessageTypeText, "")
	assert.ErrorIs(t, err, repositories.ErrNotParticipant)
	convRepo.AssertExpectations(t)
}

func TestSendBlockedByReceiverPrivacy(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)
	engine := newTestEngine(convRepo, new(mocks.MessageRepositoryMock), userRepo)

	convRepo.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5, User1ID: 1, User2ID: 2}, nil).Once()
	userRepo.On("GetByID", mock.Anything, int64(2)).Return(models.User{ID: 2, WhoCanMessage: models.MessageFromNobody}, nil).Once()

	_, err := engine.Send(context.Background(), 5, 1, "hi", models.MessageTypeText, "")
	assert.ErrorIs(t, err, repositories.ErrForbidden)
}

func TestSendFansOutWithTempIDForSenderOnly(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)

	sender := &fakeConn{id: "s", userID: 1}
	recipient := &fakeConn{id: "r", userID: 2}
	engine := newTestEngine(convRepo, msgRepo, userRepo, sender, recipient)

	conv := models.Conversation{ID: 5, User1ID: 1, User2ID: 2}
	stored := models.Message{ID: 10, ConversationID: 5, SenderID: 1, Seq: 1, Content: "hi"}

	convRepo.On("Get", mock.Anything, int64(5)).Return(conv, nil).Once()
	userRepo.On("GetByID", mock.Anything, int64(2)).Return(models.User{ID: 2, WhoCanMessage: models.MessageFromEveryone}, nil).Once()
	msgRepo.On("Append", mock.Anything, int64(5), int64(1), "hi", models.MessageTypeText).Return(stored, nil).Once()
	convRepo.On("UnhideForUser", mock.Anything, int64(5), int64(1)).Return(nil).Once()
	convRepo.On("UnhideForUser", mock.Anything, int64(5), int64(2)).Return(nil).Once()

	msg, err := engine.Send(context.Background(), 5, 1, "hi", "", "tmp-42")
	require.NoError(t, err)
	assert.Equal(t, int64(10), msg.ID)

	senderEvents := sender.received()
	require.Len(t, senderEvents, 1)
	assert.Equal(t, models.EventReceiveMessage, senderEvents[0].Event)
	senderData := senderEvents[0].Data.(models.ReceiveMessageData)
	assert.Equal(t, "tmp-42", senderData.TempID)

	recipientEvents := recipient.received()
	require.Len(t, recipientEvents, 1)
	recipientData := recipientEvents[0].Data.(models.ReceiveMessageData)
	assert.Empty(t, recipientData.TempID, "temp id must not leak to the recipient")
	assert.Equal(t, int64(10), recipientData.ID)

	convRepo.AssertExpectations(t)
	msgRepo.AssertExpectations(t)
}

func TestSendSucceedsWithRecipientOffline(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)
	engine := newTestEngine(convRepo, msgRepo, userRepo)

	conv := models.Conversation{ID: 5, User1ID: 1, User2ID: 2}
	convRepo.On("Get", mock.Anything, int64(5)).Return(conv, nil).Once()
	userRepo.On("GetByID", mock.Anything, int64(2)).Return(models.User{ID: 2, WhoCanMessage: models.MessageFromEveryone}, nil).Once()
	msgRepo.On("Append", mock.Anything, int64(5), int64(1), "hi", models.MessageTypeText).
		Return(models.Message{ID: 11, ConversationID: 5, SenderID: 1, Seq: 2}, nil).Once()
	convRepo.On("UnhideForUser", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()

	msg, err := engine.Send(context.Background(), 5, 1, "hi", models.MessageTypeText, "")
	require.NoError(t, err)
	assert.False(t, msg.Delivered, "no connection acked, message is stored but not delivered")
}

func TestSendRetriesTransientAppendFailure(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)
	engine := newTestEngine(convRepo, msgRepo, userRepo)

	conv := models.Conversation{ID: 5, User1ID: 1, User2ID: 2}
	convRepo.On("Get", mock.Anything, int64(5)).Return(conv, nil).Once()
	userRepo.On("GetByID", mock.Anything, int64(2)).Return(models.User{ID: 2, WhoCanMessage: models.MessageFromEveryone}, nil).Once()
	msgRepo.On("Append", mock.Anything, int64(5), int64(1), "hi", models.MessageTypeText).
		Return(models.Message{}, assert.AnError).Once()
	msgRepo.On("Append", mock.Anything, int64(5), int64(1), "hi", models.MessageTypeText).
		Return(models.Message{ID: 12, ConversationID: 5, SenderID: 1, Seq: 3}, nil).Once()
	convRepo.On("UnhideForUser", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()

	msg, err := engine.Send(context.Background(), 5, 1, "hi", models.MessageTypeText, "")
	require.NoError(t, err)
	assert.Equal(t, int64(12), msg.ID)
	msgRepo.AssertExpectations(t)
}

func TestAcknowledgeBroadcastsFirstAckOnly(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)

	sender := &fakeConn{id: "s", userID: 1}
	engine := newTestEngine(convRepo, msgRepo, new(mocks.UserRepositoryMock), sender)

	msg := models.Message{ID: 10, ConversationID: 5, SenderID: 1}
	msgRepo.On("MarkDelivered", mock.Anything, int64(10), int64(2)).Return(msg, true, nil).Once()
	msgRepo.On("MarkDelivered", mock.Anything, int64(10), int64(2)).Return(msg, false, nil).Once()
	convRepo.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5, User1ID: 1, User2ID: 2}, nil).Once()

	engine.Acknowledge(context.Background(), 10, 2)
	engine.Acknowledge(context.Background(), 10, 2)

	events := sender.received()
	require.Len(t, events, 1, "second ack must not broadcast again")
	assert.Equal(t, models.EventMessageStatus, events[0].Event)
	status := events[0].Data.(models.MessageStatusData)
	assert.True(t, status.Delivered)
	assert.Nil(t, status.ReadAt)
}

func TestMarkReadBroadcastsFirstTransitionOnly(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)

	sender := &fakeConn{id: "s", userID: 1}
	engine := newTestEngine(convRepo, msgRepo, new(mocks.UserRepositoryMock), sender)

	readAt := time.Now()
	msg := models.Message{ID: 10, ConversationID: 5, SenderID: 1, ReadAt: map[int64]time.Time{2: readAt}}
	msgRepo.On("MarkRead", mock.Anything, int64(10), int64(2)).Return(msg, true, nil).Once()
	msgRepo.On("MarkRead", mock.Anything, int64(10), int64(2)).Return(msg, false, nil).Once()
	convRepo.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5, User1ID: 1, User2ID: 2}, nil).Once()

	engine.MarkRead(context.Background(), 10, 2)
	engine.MarkRead(context.Background(), 10, 2)

	events := sender.received()
	require.Len(t, events, 1)
	status := events[0].Data.(models.MessageStatusData)
	assert.True(t, status.Delivered, "read implies delivered")
	require.NotNil(t, status.ReadAt)
	assert.WithinDuration(t, readAt, *status.ReadAt, time.Second)
}

func TestMarkReadIgnoresNonParticipant(t *testing.T) {
	msgRepo := new(mocks.MessageRepositoryMock)
	sender := &fakeConn{id: "s", userID: 1}
	engine := newTestEngine(new(mocks.ConversationRepositoryMock), msgRepo, new(mocks.UserRepositoryMock), sender)

	msgRepo.On("MarkRead", mock.Anything, int64(10), int64(9)).
		Return(models.Message{}, false, repositories.ErrNotParticipant).Once()

	engine.MarkRead(context.Background(), 10, 9)
	assert.Empty(t, sender.received())
}

func TestDeleteForMeDoesNotBroadcast(t *testing.T) {
	msgRepo := new(mocks.MessageRepositoryMock)
	peer := &fakeConn{id: "p", userID: 2}
	engine := newTestEngine(new(mocks.ConversationRepositoryMock), msgRepo, new(mocks.UserRepositoryMock), peer)

	msgRepo.On("HideForUser", mock.Anything, int64(10), int64(1)).Return(nil).Once()

	require.NoError(t, engine.Delete(context.Background(), 10, 1, false))
	assert.Empty(t, peer.received())
	msgRepo.AssertExpectations(t)
}

func TestDeleteForEveryoneBroadcastsTombstone(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)

	peer := &fakeConn{id: "p", userID: 2}
	engine := newTestEngine(convRepo, msgRepo, new(mocks.UserRepositoryMock), peer)

	tombstone := models.Message{ID: 10, ConversationID: 5, SenderID: 1, Content: models.TombstoneContent, DeletedForAll: true}
	msgRepo.On("DeleteForAll", mock.Anything, int64(10), int64(1)).Return(tombstone, nil).Once()
	convRepo.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5, User1ID: 1, User2ID: 2}, nil).Once()

	require.NoError(t, engine.Delete(context.Background(), 10, 1, true))

	events := peer.received()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMessageUpdated, events[0].Event)
	got := events[0].Data.(models.Message)
	assert.True(t, got.DeletedForAll)
	assert.Empty(t, got.Content)
}

func TestDeleteForEveryoneSenderOnly(t *testing.T) {
	msgRepo := new(mocks.MessageRepositoryMock)
	engine := newTestEngine(new(mocks.ConversationRepositoryMock), msgRepo, new(mocks.UserRepositoryMock))

	msgRepo.On("DeleteForAll", mock.Anything, int64(10), int64(2)).
		Return(models.Message{}, repositories.ErrForbidden).Once()

	err := engine.Delete(context.Background(), 10, 2, true)
	assert.ErrorIs(t, err, repositories.ErrForbidden)
}

func TestReactHidesMessageExistenceFromOutsiders(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	engine := newTestEngine(convRepo, msgRepo, new(mocks.UserRepositoryMock))

	msgRepo.On("Get", mock.Anything, int64(10)).Return(models.Message{ID: 10, ConversationID: 5}, nil).Once()
	convRepo.On("IsParticipant", mock.Anything, int64(5), int64(9)).Return(false, nil).Once()

	_, err := engine.React(context.Background(), 10, 9, "👍")
	assert.ErrorIs(t, err, repositories.ErrMessageNotFound)
}

func TestReactBroadcastsUpdatedSnapshot(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)

	peer := &fakeConn{id: "p", userID: 1}
	engine := newTestEngine(convRepo, msgRepo, new(mocks.UserRepositoryMock), peer)

	reacted := models.Message{ID: 10, ConversationID: 5, SenderID: 1, Reactions: map[string][]int64{"👍": {2}}}
	msgRepo.On("Get", mock.Anything, int64(10)).Return(models.Message{ID: 10, ConversationID: 5, SenderID: 1}, nil).Once()
	convRepo.On("IsParticipant", mock.Anything, int64(5), int64(2)).Return(true, nil).Once()
	msgRepo.On("ToggleReaction", mock.Anything, int64(10), int64(2), "👍").Return(reacted, nil).Once()
	convRepo.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5, User1ID: 1, User2ID: 2}, nil).Once()

	msg, err := engine.React(context.Background(), 10, 2, "👍")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, msg.Reactions["👍"])
	require.Len(t, peer.received(), 1)
}

func TestSyncRequiresMembership(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	engine := newTestEngine(convRepo, msgRepo, new(mocks.UserRepositoryMock))

	convRepo.On("IsParticipant", mock.Anything, int64(5), int64(9)).Return(false, nil).Once()

	_, err := engine.Sync(context.Background(), 5, 9, 0)
	assert.ErrorIs(t, err, repositories.ErrNotParticipant)
}

func TestSyncReturnsEverythingChangedSinceWatermark(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	engine := newTestEngine(convRepo, msgRepo, new(mocks.UserRepositoryMock))

	changed := []models.Message{
		{ID: 10, ConversationID: 5, Seq: 3},
		{ID: 11, ConversationID: 5, Seq: 4},
	}
	convRepo.On("IsParticipant", mock.Anything, int64(5), int64(2)).Return(true, nil).Once()
	msgRepo.On("UpdatedAfter", mock.Anything, int64(5), int64(2), int64(2)).Return(changed, nil).Once()

	msgs, err := engine.Sync(context.Background(), 5, 2, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Less(t, msgs[0].Seq, msgs[1].Seq, "sync output is ordered by seq")
}
