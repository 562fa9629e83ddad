package models

import "time"

// Message types accepted on the send path.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
)

// Message is one entry in a conversation's ordered log.
//
// Seq is the order key: assigned once, server-side, strictly monotonic within
// the conversation. UpdatedSeq starts equal to Seq and is bumped from the same
// counter whenever the message's visible state changes (edit, delete-for-all,
// reaction, read receipt), so a reconnecting client can ask for everything
// with UpdatedSeq above its watermark.
type Message struct {
	ID             int64      `db:"id" json:"id"`
	ConversationID int64      `db:"conversation_id" json:"chat_id"`
	SenderID       int64      `db:"sender_id" json:"sender_id"`
	Content        string     `db:"content" json:"content"`
	MessageType    string     `db:"message_type" json:"message_type"`
	Seq            int64      `db:"seq" json:"seq"`
	UpdatedSeq     int64      `db:"updated_seq" json:"-"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	EditedAt       *time.Time `db:"edited_at" json:"edited_at,omitempty"`
	DeletedForAll  bool       `db:"deleted_for_all" json:"deleted_for_all"`

	// Attached by the repository, not columns on messages.
	Delivered bool                `json:"delivered"`
	ReadAt    map[int64]time.Time `json:"read_at,omitempty"`
	Reactions map[string][]int64  `json:"reactions,omitempty"`
}

// Receipt is a per-recipient delivery/read record.
type Receipt struct {
	MessageID   int64      `db:"message_id"`
	UserID      int64      `db:"user_id"`
	DeliveredAt *time.Time `db:"delivered_at"`
	ReadAt      *time.Time `db:"read_at"`
}

// Reaction is one (user, emoji) membership row.
type Reaction struct {
	MessageID int64  `db:"message_id"`
	UserID    int64  `db:"user_id"`
	Emoji     string `db:"emoji"`
}

// TombstoneContent replaces the content of a message deleted for everyone.
const TombstoneContent = ""
