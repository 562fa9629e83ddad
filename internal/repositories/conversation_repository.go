package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"messenger-service/internal/models"
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	Create(ctx context.Context, userA, userB int64) (models.Conversation, error)
	Get(ctx context.Context, conversationID int64) (models.Conversation, error)
	GetByParticipants(ctx context.Context, userA, userB int64) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	List(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	SetPinned(ctx context.Context, conversationID, userID int64, pinned bool) error
	HideForUser(ctx context.Context, conversationID, userID int64) error
	UnhideForUser(ctx context.Context, conversationID, userID int64) error
	PeerIDs(ctx context.Context, userID int64) ([]int64, error)
}

// ConversationRepo is the sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

func orderPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// Create inserts the conversation for the pair, returning the existing row if
// the pair already has one.
func (r *ConversationRepo) Create(ctx context.Context, userA, userB int64) (models.Conversation, error) {
	if userA == userB {
		return models.Conversation{}, ErrConflict
	}
	user1, user2 := orderPair(userA, userB)

	var conv models.Conversation
	err := r.db.QueryRowxContext(ctx, `INSERT INTO conversations (user1_id, user2_id) VALUES ($1, $2)
        ON CONFLICT (user1_id, user2_id) DO UPDATE SET user1_id = EXCLUDED.user1_id
        RETURNING id, user1_id, user2_id, last_seq, created_at`, user1, user2).StructScan(&conv)
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, user1_id, user2_id, last_seq, created_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// GetByParticipants fetches the conversation for an unordered pair of users.
func (r *ConversationRepo) GetByParticipants(ctx context.Context, userA, userB int64) (models.Conversation, error) {
	user1, user2 := orderPair(userA, userB)
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, user1_id, user2_id, last_seq, created_at FROM conversations WHERE user1_id=$1 AND user2_id=$2`, user1, user2)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1 AND (user1_id=$2 OR user2_id=$2))`, conversationID, userID)
	return exists, err
}

// List returns the conversations visible to the user, pinned first, most
// recent activity next, with unread counters and last-message preview.
func (r *ConversationRepo) List(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	query := `SELECT c.id,
            CASE WHEN c.user1_id=$1 THEN c.user2_id ELSE c.user1_id END AS friend_id,
            u.username AS friend_username,
            COALESCE(cs.pinned, FALSE) AS pinned,
            (SELECT COUNT(*) FROM messages m
                JOIN message_receipts mr ON mr.message_id = m.id AND mr.user_id = $1
                WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND mr.read_at IS NULL) AS unread_count,
            lm.content AS last_message,
            lm.created_at AS last_message_time,
            c.created_at
        FROM conversations c
        JOIN users u ON u.id = CASE WHEN c.user1_id=$1 THEN c.user2_id ELSE c.user1_id END
        LEFT JOIN conversation_state cs ON cs.conversation_id = c.id AND cs.user_id = $1
        LEFT JOIN LATERAL (
            SELECT content, created_at FROM messages
            WHERE conversation_id = c.id
            ORDER BY seq DESC LIMIT 1
        ) lm ON TRUE
        WHERE (c.user1_id=$1 OR c.user2_id=$1)
          AND COALESCE(cs.hidden, FALSE) = FALSE
        ORDER BY COALESCE(cs.pinned, FALSE) DESC, COALESCE(lm.created_at, c.created_at) DESC`

	var result []models.ConversationSummary
	err := r.db.SelectContext(ctx, &result, query, userID)
	return result, err
}

// SetPinned toggles the pin flag for the user.
func (r *ConversationRepo) SetPinned(ctx context.Context, conversationID, userID int64, pinned bool) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO conversation_state (conversation_id, user_id, pinned) VALUES ($1, $2, $3)
        ON CONFLICT (conversation_id, user_id) DO UPDATE SET pinned = EXCLUDED.pinned`, conversationID, userID, pinned)
	return err
}

// HideForUser marks the conversation hidden for the user.
func (r *ConversationRepo) HideForUser(ctx context.Context, conversationID, userID int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO conversation_state (conversation_id, user_id, hidden) VALUES ($1, $2, TRUE)
        ON CONFLICT (conversation_id, user_id) DO UPDATE SET hidden = TRUE`, conversationID, userID)
	return err
}

// UnhideForUser clears the hidden flag, used when new activity arrives.
func (r *ConversationRepo) UnhideForUser(ctx context.Context, conversationID, userID int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO conversation_state (conversation_id, user_id, hidden) VALUES ($1, $2, FALSE)
        ON CONFLICT (conversation_id, user_id) DO UPDATE SET hidden = FALSE`, conversationID, userID)
	return err
}

// PeerIDs returns every user sharing a conversation with the given user,
// used for presence fan-out.
func (r *ConversationRepo) PeerIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT CASE WHEN user1_id=$1 THEN user2_id ELSE user1_id END
        FROM conversations WHERE user1_id=$1 OR user2_id=$1`, userID)
	return ids, err
}
