package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messenger-service/internal/models"
)

// RequestRepository handles chat request lifecycle. Accepting a request
// creates the conversation in the same transaction.
type RequestRepository interface {
	Create(ctx context.Context, senderID, receiverID int64, text string) (models.ChatRequest, error)
	Get(ctx context.Context, requestID int64) (models.ChatRequest, error)
	ListForUser(ctx context.Context, userID int64) ([]models.ChatRequest, error)
	Respond(ctx context.Context, requestID, responderID int64, accept bool) (models.ChatRequest, *models.Conversation, error)
}

// RequestRepo is the sqlx implementation of RequestRepository.
type RequestRepo struct {
	db *sqlx.DB
}

// NewRequestRepo constructs a RequestRepo.
func NewRequestRepo(db *sqlx.DB) *RequestRepo {
	return &RequestRepo{db: db}
}

const requestColumns = `id, sender_id, receiver_id, text, status, created_at`

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Create inserts a pending request. A duplicate pending request to the same
// receiver, or an already-existing conversation with them, is a conflict.
func (r *RequestRepo) Create(ctx context.Context, senderID, receiverID int64, text string) (models.ChatRequest, error) {
	if senderID == receiverID {
		return models.ChatRequest{}, ErrConflict
	}

	user1, user2 := orderPair(senderID, receiverID)
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversations WHERE user1_id=$1 AND user2_id=$2)`, user1, user2); err != nil {
		return models.ChatRequest{}, err
	}
	if exists {
		return models.ChatRequest{}, ErrConflict
	}

	var req models.ChatRequest
	err := r.db.QueryRowxContext(ctx, `INSERT INTO chat_requests (sender_id, receiver_id, text) VALUES ($1, $2, $3) RETURNING `+requestColumns,
		senderID, receiverID, text).StructScan(&req)
	if isUniqueViolation(err) {
		return models.ChatRequest{}, ErrConflict
	}
	return req, err
}

// Get fetches a single request.
func (r *RequestRepo) Get(ctx context.Context, requestID int64) (models.ChatRequest, error) {
	var req models.ChatRequest
	err := r.db.GetContext(ctx, &req, `SELECT `+requestColumns+` FROM chat_requests WHERE id=$1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatRequest{}, ErrRequestNotFound
	}
	return req, err
}

// ListForUser returns pending requests addressed to the user.
func (r *RequestRepo) ListForUser(ctx context.Context, userID int64) ([]models.ChatRequest, error) {
	var reqs []models.ChatRequest
	err := r.db.SelectContext(ctx, &reqs, `SELECT `+requestColumns+` FROM chat_requests
        WHERE receiver_id=$1 AND status=$2 ORDER BY created_at DESC`, userID, models.RequestPending)
	return reqs, err
}

// Respond resolves a pending request. Only the receiver may respond, a
// resolved request conflicts, and accepting creates the conversation.
func (r *RequestRepo) Respond(ctx context.Context, requestID, responderID int64, accept bool) (models.ChatRequest, *models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.ChatRequest{}, nil, err
	}
	defer tx.Rollback()

	var req models.ChatRequest
	err = tx.GetContext(ctx, &req, `SELECT `+requestColumns+` FROM chat_requests WHERE id=$1 FOR UPDATE`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatRequest{}, nil, ErrRequestNotFound
	}
	if err != nil {
		return models.ChatRequest{}, nil, err
	}
	if req.ReceiverID != responderID {
		return models.ChatRequest{}, nil, ErrForbidden
	}
	if req.Status != models.RequestPending {
		return models.ChatRequest{}, nil, ErrConflict
	}

	status := models.RequestDeclined
	if accept {
		status = models.RequestAccepted
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chat_requests SET status=$2 WHERE id=$1`, requestID, status); err != nil {
		return models.ChatRequest{}, nil, err
	}
	req.Status = status

	var conv *models.Conversation
	if accept {
		user1, user2 := orderPair(req.SenderID, req.ReceiverID)
		var created models.Conversation
		err := tx.QueryRowxContext(ctx, `INSERT INTO conversations (user1_id, user2_id) VALUES ($1, $2)
            ON CONFLICT (user1_id, user2_id) DO UPDATE SET user1_id = EXCLUDED.user1_id
            RETURNING id, user1_id, user2_id, last_seq, created_at`, user1, user2).StructScan(&created)
		if err != nil {
			return models.ChatRequest{}, nil, err
		}
		conv = &created
	}

	if err := tx.Commit(); err != nil {
		return models.ChatRequest{}, nil, err
	}
	return req, conv, nil
}
