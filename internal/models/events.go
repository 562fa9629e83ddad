package models

import (
	"encoding/json"
	"time"
)

// Websocket event names, both directions. The envelope is
// {"event": <name>, "data": {...}}.
const (
	EventSendMessage      = "send_message"
	EventReceiveMessage   = "receive_message"
	EventTyping           = "typing"
	EventStopTyping       = "stop_typing"
	EventUserTyping       = "user_typing"
	EventMarkAsRead       = "mark_as_read"
	EventMarkDelivered    = "mark_delivered"
	EventMessageStatus    = "message_status"
	EventMessageUpdated   = "message_updated"
	EventUserStatusChange = "user_status_change"
	EventJoinChat         = "join_chat"
	EventSync             = "sync"
	EventSyncMessages     = "sync_messages"
	EventError            = "error"
)

// ClientEvent is the inbound envelope.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerEvent is the outbound envelope.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type SendMessageData struct {
	ChatID      int64  `json:"chatId"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	TempID      string `json:"temp_id"`
}

type TypingData struct {
	ChatID int64 `json:"chatId"`
	UserID int64 `json:"userId"`
}

type MarkAsReadData struct {
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId"`
	UserID    int64 `json:"userId"`
}

type MarkDeliveredData struct {
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId"`
}

type JoinChatData struct {
	ChatID int64 `json:"chatId"`
}

type SyncData struct {
	ChatID    int64 `json:"chatId"`
	Watermark int64 `json:"watermark"`
}

// ReceiveMessageData carries a stored message. TempID is echoed only to the
// sender's own connections so the client can reconcile its optimistic entry.
type ReceiveMessageData struct {
	Message
	TempID string `json:"temp_id,omitempty"`
}

type MessageStatusData struct {
	MessageID int64      `json:"messageId"`
	ChatID    int64      `json:"chatId"`
	UserID    int64      `json:"userId"`
	Delivered bool       `json:"delivered"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

type UserTypingData struct {
	ChatID   int64 `json:"chatId"`
	UserID   int64 `json:"userId"`
	IsTyping bool  `json:"isTyping"`
}

type UserStatusChangeData struct {
	UserID     int64      `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

type SyncMessagesData struct {
	ChatID    int64     `json:"chatId"`
	Watermark int64     `json:"watermark"`
	Messages  []Message `json:"messages"`
}

type ErrorData struct {
	Error string `json:"error"`
}
