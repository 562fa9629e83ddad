package delivery

import (
	"context"

	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
)

// Sync implements the reconciliation protocol for one conversation. The
// watermark is the highest order key the client has observed (0 for a full
// sync). The result, in order-key order, contains every message the client
// is missing plus full snapshots of messages it already has whose status
// changed since the watermark. Whole snapshots are re-sent instead of
// computing per-field deltas.
//
// Messages returned here still count as undelivered until the client
// acknowledges them, exactly like a live push.
func (e *Engine) Sync(ctx context.Context, conversationID, userID, watermark int64) ([]models.Message, error) {
	member, err := e.convRepo.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, repositories.ErrNotParticipant
	}
	return e.msgRepo.UpdatedAfter(ctx, conversationID, userID, watermark)
}
