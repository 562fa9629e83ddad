package session

import (
	"sync"
	"time"

	"messenger-service/internal/models"
)

// Conn is one live client connection. Implemented by the websocket layer;
// tests substitute fakes.
type Conn interface {
	ID() string
	UserID() int64
	// Subscribed reports whether the connection joined the conversation.
	Subscribed(conversationID int64) bool
	// Send queues an event for delivery. Events queued on one connection are
	// written in queueing order; a full or closed connection returns an error
	// and the event is dropped (reconciliation covers the gap).
	Send(event models.ServerEvent) error
	Close()
}

// Registry maps authenticated users to their live connections. A user may
// hold several connections at once (multi-device); the registry reports the
// online transition on the first one and, after a grace period that absorbs
// quick reconnects, the offline transition after the last one closes.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	byUser map[int64]map[string]Conn
	timers map[int64]*time.Timer

	grace     time.Duration
	onOnline  func(userID int64)
	onOffline func(userID int64)
}

// NewRegistry creates a registry with the given offline grace period.
func NewRegistry(grace time.Duration) *Registry {
	return &Registry{
		conns:  make(map[string]Conn),
		byUser: make(map[int64]map[string]Conn),
		timers: make(map[int64]*time.Timer),
		grace:  grace,
	}
}

// OnPresenceChange installs the online/offline transition callbacks. Must be
// called before the first Register.
func (r *Registry) OnPresenceChange(onOnline, onOffline func(userID int64)) {
	r.onOnline = onOnline
	r.onOffline = onOffline
}

// Register adds a connection and returns its id. The first connection for a
// user cancels any pending offline timer and fires the online callback.
func (r *Registry) Register(conn Conn) string {
	userID := conn.UserID()

	r.mu.Lock()
	r.conns[conn.ID()] = conn
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]Conn)
		r.byUser[userID] = set
	}
	wasOnline := len(set) > 0
	set[conn.ID()] = conn

	if timer, ok := r.timers[userID]; ok {
		timer.Stop()
		delete(r.timers, userID)
		wasOnline = true // reconnected within the grace window, no transition
	}
	onOnline := r.onOnline
	r.mu.Unlock()

	if !wasOnline && onOnline != nil {
		onOnline(userID)
	}
	return conn.ID()
}

// Unregister removes a connection. When the user's last connection goes away
// the offline transition is deferred by the grace period.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	userID := conn.UserID()
	if set, ok := r.byUser[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, userID)
			r.timers[userID] = time.AfterFunc(r.grace, func() {
				r.fireOffline(userID)
			})
		}
	}
	r.mu.Unlock()
}

func (r *Registry) fireOffline(userID int64) {
	r.mu.Lock()
	if _, stillPending := r.timers[userID]; !stillPending {
		r.mu.Unlock()
		return
	}
	delete(r.timers, userID)
	if len(r.byUser[userID]) > 0 {
		r.mu.Unlock()
		return
	}
	onOffline := r.onOffline
	r.mu.Unlock()

	if onOffline != nil {
		onOffline(userID)
	}
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]Conn, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// CloseAll shuts every connection down, used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}
