package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"messenger-service/internal/models"
)

// MessageRepository is the conversation store: it owns the ordered message
// log and all per-message state (receipts, reactions, per-user deletions).
type MessageRepository interface {
	Append(ctx context.Context, conversationID, senderID int64, content, messageType string) (models.Message, error)
	Get(ctx context.Context, messageID int64) (models.Message, error)
	Edit(ctx context.Context, messageID, editorID int64, content string) (models.Message, error)
	DeleteForAll(ctx context.Context, messageID, requesterID int64) (models.Message, error)
	HideForUser(ctx context.Context, messageID, userID int64) error
	ToggleReaction(ctx context.Context, messageID, userID int64, emoji string) (models.Message, error)
	MarkRead(ctx context.Context, messageID, readerID int64) (models.Message, bool, error)
	MarkDelivered(ctx context.Context, messageID, userID int64) (models.Message, bool, error)
	ListPage(ctx context.Context, conversationID, viewerID, beforeSeq int64, limit int) ([]models.Message, error)
	UpdatedAfter(ctx context.Context, conversationID, viewerID, watermark int64) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed MessageRepository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, message_type, seq, updated_seq, created_at, edited_at, deleted_for_all`

// nextSeq advances the conversation's order-key counter. The row update takes
// a row lock on the conversation, which serializes all writers of the same
// log; cross-conversation writes do not contend.
func nextSeq(ctx context.Context, tx *sqlx.Tx, conversationID int64) (int64, error) {
	var seq int64
	err := tx.GetContext(ctx, &seq, `UPDATE conversations SET last_seq = last_seq + 1 WHERE id=$1 RETURNING last_seq`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConversationNotFound
	}
	return seq, err
}

// Append stores a message at the end of the conversation log and creates the
// recipient's receipt row. The order key is assigned here and never changes.
func (r *MessageRepo) Append(ctx context.Context, conversationID, senderID int64, content, messageType string) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	var conv models.Conversation
	err = tx.GetContext(ctx, &conv, `SELECT id, user1_id, user2_id, last_seq, created_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return models.Message{}, ErrNotParticipant
	}

	seq, err := nextSeq(ctx, tx, conversationID)
	if err != nil {
		return models.Message{}, err
	}

	var msg models.Message
	err = tx.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, content, message_type, seq, updated_seq)
        VALUES ($1, $2, $3, $4, $5, $5) RETURNING `+messageColumns, conversationID, senderID, content, messageType, seq).StructScan(&msg)
	if err != nil {
		return models.Message{}, err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO message_receipts (message_id, user_id) VALUES ($1, $2)`, msg.ID, conv.PeerOf(senderID)); err != nil {
		return models.Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	msg.ReadAt = map[int64]time.Time{}
	msg.Reactions = map[string][]int64{}
	return msg, nil
}

// Get retrieves a single message with receipts and reactions attached.
func (r *MessageRepo) Get(ctx context.Context, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs := []models.Message{msg}
	if err := r.attachDetails(ctx, msgs); err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// lockMessage loads a message row for update inside a transaction.
func lockMessage(ctx context.Context, tx *sqlx.Tx, messageID int64) (models.Message, error) {
	var msg models.Message
	err := tx.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1 FOR UPDATE`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// Edit replaces the content of the editor's own message. A tombstoned message
// behaves as missing.
func (r *MessageRepo) Edit(ctx context.Context, messageID, editorID int64, content string) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	msg, err := lockMessage(ctx, tx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.DeletedForAll {
		return models.Message{}, ErrMessageNotFound
	}
	if msg.SenderID != editorID {
		return models.Message{}, ErrForbidden
	}

	seq, err := nextSeq(ctx, tx, msg.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	err = tx.QueryRowxContext(ctx, `UPDATE messages SET content=$2, edited_at=NOW(), updated_seq=$3 WHERE id=$1 RETURNING `+messageColumns,
		messageID, content, seq).StructScan(&msg)
	if err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return r.Get(ctx, messageID)
}

// DeleteForAll replaces the message with a tombstone. Only the sender may do
// this; repeated calls are no-ops.
func (r *MessageRepo) DeleteForAll(ctx context.Context, messageID, requesterID int64) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	msg, err := lockMessage(ctx, tx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != requesterID {
		return models.Message{}, ErrForbidden
	}
	if msg.DeletedForAll {
		if err := tx.Commit(); err != nil {
			return models.Message{}, err
		}
		return r.Get(ctx, messageID)
	}

	seq, err := nextSeq(ctx, tx, msg.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET content=$2, deleted_for_all=TRUE, updated_seq=$3 WHERE id=$1`,
		messageID, models.TombstoneContent, seq); err != nil {
		return models.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1`, messageID); err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return r.Get(ctx, messageID)
}

// HideForUser adds the user to the message's deleted-for set. Idempotent.
func (r *MessageRepo) HideForUser(ctx context.Context, messageID, userID int64) error {
	res, err := r.db.ExecContext(ctx, `INSERT INTO message_hidden (message_id, user_id)
        SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM messages WHERE id=$1)
        ON CONFLICT DO NOTHING`, messageID, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM messages WHERE id=$1)`, messageID); err == nil && !exists {
			return ErrMessageNotFound
		}
	}
	return nil
}

// ToggleReaction flips the user's membership in the emoji's reactor set.
// Tombstoned messages reject reactions the same way edits are rejected.
func (r *MessageRepo) ToggleReaction(ctx context.Context, messageID, userID int64, emoji string) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	msg, err := lockMessage(ctx, tx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.DeletedForAll {
		return models.Message{}, ErrMessageNotFound
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3`, messageID, userID, emoji)
	if err != nil {
		return models.Message{}, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, err
	}
	if removed == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)`, messageID, userID, emoji); err != nil {
			return models.Message{}, err
		}
	}

	seq, err := nextSeq(ctx, tx, msg.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET updated_seq=$2 WHERE id=$1`, messageID, seq); err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return r.Get(ctx, messageID)
}

// MarkRead sets the reader's read_at if unset. The flag is monotonic; the
// second return reports whether this call made the transition.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID, readerID int64) (models.Message, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, false, err
	}
	defer tx.Rollback()

	msg, err := lockMessage(ctx, tx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}

	var conv models.Conversation
	if err := tx.GetContext(ctx, &conv, `SELECT id, user1_id, user2_id, last_seq, created_at FROM conversations WHERE id=$1`, msg.ConversationID); err != nil {
		return models.Message{}, false, err
	}
	if !conv.HasParticipant(readerID) {
		return models.Message{}, false, ErrNotParticipant
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO message_receipts (message_id, user_id, delivered_at, read_at) VALUES ($1, $2, NOW(), NOW())
        ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = NOW(), delivered_at = COALESCE(message_receipts.delivered_at, NOW())
        WHERE message_receipts.read_at IS NULL`, messageID, readerID)
	if err != nil {
		return models.Message{}, false, err
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, false, err
	}
	if changed > 0 {
		seq, err := nextSeq(ctx, tx, msg.ConversationID)
		if err != nil {
			return models.Message{}, false, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET updated_seq=$2 WHERE id=$1`, messageID, seq); err != nil {
			return models.Message{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, false, err
	}
	msg, err = r.Get(ctx, messageID)
	return msg, changed > 0, err
}

// MarkDelivered records the first transport-level acknowledgement for the
// user. Later acknowledgements from other devices are no-ops.
func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID, userID int64) (models.Message, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, false, err
	}
	defer tx.Rollback()

	msg, err := lockMessage(ctx, tx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	if msg.SenderID == userID {
		return msg, false, nil
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO message_receipts (message_id, user_id, delivered_at) VALUES ($1, $2, NOW())
        ON CONFLICT (message_id, user_id) DO UPDATE SET delivered_at = NOW()
        WHERE message_receipts.delivered_at IS NULL`, messageID, userID)
	if err != nil {
		return models.Message{}, false, err
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, false, err
	}
	if changed > 0 {
		seq, err := nextSeq(ctx, tx, msg.ConversationID)
		if err != nil {
			return models.Message{}, false, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET updated_seq=$2 WHERE id=$1`, messageID, seq); err != nil {
			return models.Message{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, false, err
	}
	msg, err = r.Get(ctx, messageID)
	return msg, changed > 0, err
}

// ListPage returns one page of the conversation log in ascending seq order,
// excluding messages the viewer deleted for themselves. beforeSeq=0 requests
// the newest page; pass the smallest seq of the previous page to go back.
func (r *MessageRepo) ListPage(ctx context.Context, conversationID, viewerID, beforeSeq int64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages m
        WHERE conversation_id=$1
          AND ($3 = 0 OR seq < $3)
          AND NOT EXISTS (SELECT 1 FROM message_hidden mh WHERE mh.message_id = m.id AND mh.user_id = $2)
        ORDER BY seq DESC LIMIT $4`
	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, conversationID, viewerID, beforeSeq, limit); err != nil {
		return nil, err
	}
	// reverse into ascending order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if err := r.attachDetails(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// UpdatedAfter returns, in seq order, every message whose updated_seq is
// above the watermark: strictly newer messages plus full snapshots of older
// messages whose status changed since the client last synced.
func (r *MessageRepo) UpdatedAfter(ctx context.Context, conversationID, viewerID, watermark int64) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m
        WHERE conversation_id=$1 AND updated_seq > $3
          AND NOT EXISTS (SELECT 1 FROM message_hidden mh WHERE mh.message_id = m.id AND mh.user_id = $2)
        ORDER BY seq ASC`
	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, conversationID, viewerID, watermark); err != nil {
		return nil, err
	}
	if err := r.attachDetails(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// attachDetails loads receipts and reactions for a batch of messages.
func (r *MessageRepo) attachDetails(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(msgs))
	byID := make(map[int64]*models.Message, len(msgs))
	for i := range msgs {
		msgs[i].ReadAt = map[int64]time.Time{}
		msgs[i].Reactions = map[string][]int64{}
		ids = append(ids, msgs[i].ID)
		byID[msgs[i].ID] = &msgs[i]
	}

	query, args, err := sqlx.In(`SELECT message_id, user_id, delivered_at, read_at FROM message_receipts WHERE message_id IN (?)`, ids)
	if err != nil {
		return err
	}
	var receipts []models.Receipt
	if err := r.db.SelectContext(ctx, &receipts, r.db.Rebind(query), args...); err != nil {
		return err
	}
	for _, rc := range receipts {
		msg := byID[rc.MessageID]
		if rc.DeliveredAt != nil {
			msg.Delivered = true
		}
		if rc.ReadAt != nil {
			msg.ReadAt[rc.UserID] = *rc.ReadAt
		}
	}

	query, args, err = sqlx.In(`SELECT message_id, user_id, emoji FROM message_reactions WHERE message_id IN (?) ORDER BY user_id`, ids)
	if err != nil {
		return err
	}
	var reactions []models.Reaction
	if err := r.db.SelectContext(ctx, &reactions, r.db.Rebind(query), args...); err != nil {
		return err
	}
	for _, re := range reactions {
		msg := byID[re.MessageID]
		msg.Reactions[re.Emoji] = append(msg.Reactions[re.Emoji], re.UserID)
	}
	return nil
}
