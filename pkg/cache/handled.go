package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// HandledTTL bounds cache entries; Postgres remains the source of truth
	// once entries expire.
	HandledTTL = 24 * time.Hour

	handledKeyPrefix = "handled"
)

// HandledCache is a read-through cache of handled-command markers, keyed by
// consumer group so groups never see each other's entries. It stores
// positive answers only: a miss always falls back to the message store.
// Key format: "handled:{group}:{messageID}".
type HandledCache struct {
	client *RedisClient
	group  string
}

// NewHandledCache returns a HandledCache scoped to the given consumer group.
func NewHandledCache(r *RedisClient, group string) *HandledCache {
	return &HandledCache{client: r, group: group}
}

// Seen reports whether messageID was cached as handled. A missing key is
// (false, nil), not an error.
func (c *HandledCache) Seen(ctx context.Context, messageID string) (bool, error) {
	err := c.client.Client().Get(ctx, c.key(messageID)).Err()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return false, fmt.Errorf("cache seen: %w", err)
}

// Mark records messageID as handled with a bounded TTL. Called only after
// the handled-command row committed.
func (c *HandledCache) Mark(ctx context.Context, messageID string) error {
	if err := c.client.Client().Set(ctx, c.key(messageID), "1", HandledTTL).Err(); err != nil {
		return fmt.Errorf("cache mark: %w", err)
	}
	return nil
}

// key builds the Redis key: "handled:{group}:{messageID}"
func (c *HandledCache) key(messageID string) string {
	return fmt.Sprintf("%s:%s:%s", handledKeyPrefix, c.group, messageID)
}
