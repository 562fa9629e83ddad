package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/mocks"
	"messenger-service/internal/models"
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

func newTestBroadcaster(convRepo *mocks.ConversationRepositoryMock, userRepo *mocks.UserRepositoryMock, conns ...session.Conn) *Broadcaster {
	registry := session.NewRegistry(time.Minute)
	for _, conn := range conns {
		registry.Register(conn)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBroadcaster(registry, convRepo, userRepo, NewRedisStore(""), logger)
}

func TestUserOnlineNotifiesPeers(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)

	peer := &fakeConn{id: "p", userID: 2}
	stranger := &fakeConn{id: "x", userID: 9}
	b := newTestBroadcaster(convRepo, userRepo, peer, stranger)

	userRepo.On("SetOnline", mock.Anything, int64(1), true).Return(nil).Once()
	userRepo.On("GetByID", mock.Anything, int64(1)).Return(models.User{ID: 1}, nil).Once()
	convRepo.On("PeerIDs", mock.Anything, int64(1)).Return([]int64{2}, nil).Once()

	b.UserOnline(context.Background(), 1)

	events := peer.received()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUserStatusChange, events[0].Event)
	data := events[0].Data.(models.UserStatusChangeData)
	assert.True(t, data.IsOnline)
	assert.Empty(t, stranger.received(), "users outside any shared conversation hear nothing")
}

func TestUserOfflineCarriesLastSeen(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)

	peer := &fakeConn{id: "p", userID: 2}
	b := newTestBroadcaster(convRepo, userRepo, peer)

	lastSeen := time.Now()
	userRepo.On("SetOnline", mock.Anything, int64(1), false).Return(nil).Once()
	userRepo.On("GetByID", mock.Anything, int64(1)).Return(models.User{ID: 1, LastSeenAt: &lastSeen}, nil).Once()
	convRepo.On("PeerIDs", mock.Anything, int64(1)).Return([]int64{2}, nil).Once()

	b.UserOffline(context.Background(), 1)

	events := peer.received()
	require.Len(t, events, 1)
	data := events[0].Data.(models.UserStatusChangeData)
	assert.False(t, data.IsOnline)
	require.NotNil(t, data.LastSeenAt)
}

func TestHiddenOnlineStatusSuppressesBroadcast(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)

	peer := &fakeConn{id: "p", userID: 2}
	b := newTestBroadcaster(convRepo, userRepo, peer)

	userRepo.On("SetOnline", mock.Anything, int64(1), true).Return(nil).Once()
	userRepo.On("GetByID", mock.Anything, int64(1)).Return(models.User{ID: 1, HideOnlineStatus: true}, nil).Once()

	b.UserOnline(context.Background(), 1)

	assert.Empty(t, peer.received())
	convRepo.AssertNotCalled(t, "PeerIDs", mock.Anything, mock.Anything)
}

func TestHiddenLastSeenOmitsTimestamp(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)

	peer := &fakeConn{id: "p", userID: 2}
	b := newTestBroadcaster(convRepo, userRepo, peer)

	lastSeen := time.Now()
	userRepo.On("SetOnline", mock.Anything, int64(1), false).Return(nil).Once()
	userRepo.On("GetByID", mock.Anything, int64(1)).Return(models.User{ID: 1, HideLastSeen: true, LastSeenAt: &lastSeen}, nil).Once()
	convRepo.On("PeerIDs", mock.Anything, int64(1)).Return([]int64{2}, nil).Once()

	b.UserOffline(context.Background(), 1)

	events := peer.received()
	require.Len(t, events, 1)
	data := events[0].Data.(models.UserStatusChangeData)
	assert.False(t, data.IsOnline)
	assert.Nil(t, data.LastSeenAt)
}

func TestTypingReachesOnlySubscribedPeerConns(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)

	subscribed := &fakeConn{id: "a", userID: 2, subs: map[int64]bool{5: true}}
	elsewhere := &fakeConn{id: "b", userID: 2}
	typistOwn := &fakeConn{id: "c", userID: 1, subs: map[int64]bool{5: true}}
	b := newTestBroadcaster(convRepo, userRepo, subscribed, elsewhere, typistOwn)

	convRepo.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5, User1ID: 1, User2ID: 2}, nil).Once()

	b.Typing(context.Background(), 5, 1, true)

	events := subscribed.received()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUserTyping, events[0].Event)
	data := events[0].Data.(models.UserTypingData)
	assert.True(t, data.IsTyping)
	assert.Equal(t, int64(1), data.UserID)

	assert.Empty(t, elsewhere.received(), "connections not joined to the chat stay quiet")
	assert.Empty(t, typistOwn.received(), "the typist does not get their own indicator")
}

func TestTypingFromNonParticipantDropped(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)

	peer := &fakeConn{id: "a", userID: 2, subs: map[int64]bool{5: true}}
	b := newTestBroadcaster(convRepo, userRepo, peer)

	convRepo.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5, User1ID: 1, User2ID: 2}, nil).Once()

	b.Typing(context.Background(), 5, 9, true)
	assert.Empty(t, peer.received())
}
