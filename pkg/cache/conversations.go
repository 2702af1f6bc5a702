package cache

import (
	"context"
	"fmt"
	"time"
)

// Conversation ids parsed out of upstream streams are persisted here so
// follow-up turns can resume the same upstream session.

const defaultConversationTTL = 24 * time.Hour

func conversationKey(userID, modelID string) string {
	return fmt.Sprintf("conv:%s:%s", userID, modelID)
}

// SetConversationTTL overrides how long conversation ids are retained.
// Non-positive values keep the default.
func (c *Cache) SetConversationTTL(ttl time.Duration) {
	if ttl > 0 {
		c.conversationTTL = ttl
	}
}

// SaveConversation stores the upstream conversation id for a (user, model)
// pair. The entry is TTL-bounded; an expired entry simply starts a fresh
// upstream conversation.
func (c *Cache) SaveConversation(ctx context.Context, userID, modelID, conversationID string) error {
	return c.Set(ctx, conversationKey(userID, modelID), conversationID, c.conversationTTL)
}

// Conversation returns the stored upstream conversation id, or empty string
// if none is known.
func (c *Cache) Conversation(ctx context.Context, userID, modelID string) (string, error) {
	val, err := c.Get(ctx, conversationKey(userID, modelID))
	if err != nil {
		// Missing key is not an error for callers; they start a new session.
		return "", nil
	}
	return val, nil
}
