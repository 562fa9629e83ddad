package models

import "time"

// Conversation is a private chat between exactly two users.
// user1_id is always the smaller id so the pair is unique.
type Conversation struct {
	ID        int64     `db:"id" json:"id"`
	User1ID   int64     `db:"user1_id" json:"user1_id"`
	User2ID   int64     `db:"user2_id" json:"user2_id"`
	LastSeq   int64     `db:"last_seq" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// HasParticipant reports whether the user belongs to the conversation.
func (c Conversation) HasParticipant(userID int64) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// PeerOf returns the other participant.
func (c Conversation) PeerOf(userID int64) int64 {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// ConversationSummary is the per-user list view of a conversation.
type ConversationSummary struct {
	ID              int64      `db:"id" json:"id"`
	FriendID        int64      `db:"friend_id" json:"friend_id"`
	FriendUsername  string     `db:"friend_username" json:"friend_username,omitempty"`
	Pinned          bool       `db:"pinned" json:"pinned"`
	UnreadCount     int        `db:"unread_count" json:"unread_count"`
	LastMessage     *string    `db:"last_message" json:"last_message_content,omitempty"`
	LastMessageTime *time.Time `db:"last_message_time" json:"last_message_time,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// ConversationState models per-user pin/hidden flags.
type ConversationState struct {
	ConversationID int64 `db:"conversation_id" json:"conversation_id"`
	UserID         int64 `db:"user_id" json:"user_id"`
	Pinned         bool  `db:"pinned" json:"pinned"`
	Hidden         bool  `db:"hidden" json:"hidden"`
}
