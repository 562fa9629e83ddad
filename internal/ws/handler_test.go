package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"messenger-service/internal/delivery"
	"messenger-service/internal/repositories"
)

func TestSendErrorText(t *testing.T) {
	assert.Equal(t, "message content is empty", sendErrorText(delivery.ErrEmptyContent))
	assert.Equal(t, "not allowed", sendErrorText(repositories.ErrNotParticipant))
	assert.Equal(t, "not allowed", sendErrorText(repositories.ErrForbidden))
	assert.Equal(t, "conversation not found", sendErrorText(repositories.ErrConversationNotFound))
	assert.Equal(t, "failed to send message", sendErrorText(assert.AnError))
}

func TestNewConnIDUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := newConnID()
		assert.Len(t, id, 32)
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}
