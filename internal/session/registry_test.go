package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/models"
)

type fakeConn struct {
	id     string
	userID int64

	mu     sync.Mutex
	events []models.ServerEvent
	closed bool
}

func (f *fakeConn) ID() string    { return f.id }
func (f *fakeConn) UserID() int64 { return f.userID }

func (f *fakeConn) Subscribed(convID int64) bool { return true }

func (f *fakeConn) Send(event models.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func TestRegisterFiresOnlineOnce(t *testing.T) {
	registry := NewRegistry(time.Minute)
	var online atomic.Int64
	registry.OnPresenceChange(
		func(userID int64) { online.Add(1) },
		func(userID int64) {},
	)

	registry.Register(&fakeConn{id: "a", userID: 1})
	registry.Register(&fakeConn{id: "b", userID: 1})

	assert.Equal(t, int64(1), online.Load())
	assert.True(t, registry.IsOnline(1))
	assert.Len(t, registry.ConnectionsFor(1), 2)
}

func TestUnregisterKeepsUserOnlineWhileConnsRemain(t *testing.T) {
	registry := NewRegistry(10 * time.Millisecond)
	var offline atomic.Int64
	registry.OnPresenceChange(
		func(userID int64) {},
		func(userID int64) { offline.Add(1) },
	)

	registry.Register(&fakeConn{id: "a", userID: 1})
	registry.Register(&fakeConn{id: "b", userID: 1})
	registry.Unregister("a")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), offline.Load())
	assert.True(t, registry.IsOnline(1))
}

func TestOfflineFiresAfterGrace(t *testing.T) {
	registry := NewRegistry(10 * time.Millisecond)
	done := make(chan int64, 1)
	registry.OnPresenceChange(
		func(userID int64) {},
		func(userID int64) { done <- userID },
	)

	registry.Register(&fakeConn{id: "a", userID: 7})
	registry.Unregister("a")

	select {
	case userID := <-done:
		assert.Equal(t, int64(7), userID)
	case <-time.After(time.Second):
		t.Fatal("offline transition never fired")
	}
	assert.False(t, registry.IsOnline(7))
}

func TestReconnectWithinGraceSuppressesTransitions(t *testing.T) {
	registry := NewRegistry(100 * time.Millisecond)
	var online, offline atomic.Int64
	registry.OnPresenceChange(
		func(userID int64) { online.Add(1) },
		func(userID int64) { offline.Add(1) },
	)

	registry.Register(&fakeConn{id: "a", userID: 1})
	registry.Unregister("a")
	registry.Register(&fakeConn{id: "b", userID: 1})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), online.Load(), "reconnect must not fire online again")
	assert.Equal(t, int64(0), offline.Load(), "reconnect within grace must cancel offline")
	assert.True(t, registry.IsOnline(1))
}

func TestUnregisterUnknownConnIsNoop(t *testing.T) {
	registry := NewRegistry(time.Minute)
	registry.Unregister("missing")
	assert.False(t, registry.IsOnline(1))
}

func TestCloseAll(t *testing.T) {
	registry := NewRegistry(time.Minute)
	a := &fakeConn{id: "a", userID: 1}
	b := &fakeConn{id: "b", userID: 2}
	registry.Register(a)
	registry.Register(b)

	registry.CloseAll()

	require.True(t, a.closed)
	require.True(t, b.closed)
}
