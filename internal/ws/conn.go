package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"messenger-service/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 512 * 1024
	outboundQueue  = 256
)

var errClientClosed = errors.New("client connection closed")

// ConnInfo is handshake metadata retained for the connection's lifetime,
// used for correlation in events and logs.
type ConnInfo struct {
	ConnID      string
	UserID      int64
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// Client is one live websocket connection. Writes go through a buffered
// queue drained by a single pump goroutine, so enqueueing never blocks on
// the peer's transport and events for one connection keep their order.
type Client struct {
	info   ConnInfo
	conn   *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu   sync.RWMutex
	subs map[int64]struct{}
}

// NewClient wraps an upgraded connection and starts its write pump.
func NewClient(parent context.Context, conn *websocket.Conn, info ConnInfo) *Client {
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		info:   info,
		conn:   conn,
		out:    make(chan []byte, outboundQueue),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int64]struct{}),
	}
	go c.writePump()
	return c
}

func (c *Client) ID() string    { return c.info.ConnID }
func (c *Client) UserID() int64 { return c.info.UserID }

// Subscribe records that the client joined a conversation.
func (c *Client) Subscribe(conversationID int64) {
	c.mu.Lock()
	c.subs[conversationID] = struct{}{}
	c.mu.Unlock()
}

// Subscribed reports whether the client joined the conversation.
func (c *Client) Subscribed(conversationID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[conversationID]
	return ok
}

// Send queues an event for the write pump. A full queue or closed
// connection drops the event; reconciliation covers the gap on reconnect.
func (c *Client) Send(event models.ServerEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.ctx.Done():
		return errClientClosed
	default:
		return errors.New("outbound queue full")
	}
}

// Close tears the connection down exactly once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *Client) writePump() {
	defer c.Close()
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// readLoop feeds inbound frames to the handler until the peer goes away.
func (c *Client) readLoop(onEvent func([]byte)) error {
	defer c.Close()
	c.conn.SetReadLimit(maxInboundSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(data) > 0 {
			onEvent(data)
		}
	}
}
