// Package cache provides the AI response cache: an in-memory Ristretto L1 in
// front of a Redis L2 shared across worker instances. Keys are a one-way
// digest of (persona, message, truncated context) so raw chat content never
// appears in storage keys.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ResponseTTL is how long a generated reply stays reusable.
const ResponseTTL = time.Hour

// digest returns the 16-hex-char content hash used in cache keys.
func digest(message, context string) string {
	sum := sha256.Sum256([]byte(message + ":" + context))
	return hex.EncodeToString(sum[:])[:16]
}

// Key builds the L2 key for a (persona, message, context) triple.
func Key(personaID int64, message, context string) string {
	return fmt.Sprintf("persona:%d:%s", personaID, digest(message, context))
}

// ResponseCache is the two-tier reply cache. Concurrent last-write-wins races
// on Set are acceptable: identical keys always carry identical values.
type ResponseCache struct {
	l1     *ristretto.Cache[string, string]
	l2     *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewResponseCache creates the cache. redisClient may be nil, in which case
// only L1 serves (single-process mode).
func NewResponseCache(redisClient *redis.Client, logger *zap.Logger) (*ResponseCache, error) {
	l1, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &ResponseCache{
		l1:     l1,
		l2:     redisClient,
		ttl:    ResponseTTL,
		logger: logger.Named("response_cache"),
	}, nil
}

// Get returns a previously generated reply for the triple, if any. An L2 hit
// is promoted into L1.
func (c *ResponseCache) Get(ctx context.Context, personaID int64, message, context string) (string, bool) {
	key := Key(personaID, message, context)

	if reply, found := c.l1.Get(key); found {
		c.logger.Debug("Response cache L1 hit", zap.String("key", key))
		return reply, true
	}

	if c.l2 != nil {
		reply, err := c.l2.Get(ctx, key).Result()
		if err == nil && reply != "" {
			c.l1.SetWithTTL(key, reply, 1, c.ttl)
			c.logger.Debug("Response cache L2 hit", zap.String("key", key))
			return reply, true
		}
	}

	c.logger.Debug("Response cache miss", zap.Int64("persona_id", personaID))
	return "", false
}

// Set stores a generated reply in both tiers.
func (c *ResponseCache) Set(ctx context.Context, personaID int64, message, context, reply string) {
	key := Key(personaID, message, context)
	c.l1.SetWithTTL(key, reply, 1, c.ttl)

	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, reply, c.ttl).Err(); err != nil {
			c.logger.Warn("Failed to write response cache L2",
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

// InvalidatePersona drops every cached reply for one persona. Triggered from
// the persona-edit flow when character content changes. L1 copies on other
// processes lapse by TTL.
func (c *ResponseCache) InvalidatePersona(ctx context.Context, personaID int64) (int, error) {
	c.l1.Clear()

	if c.l2 == nil {
		return 0, nil
	}
	pattern := fmt.Sprintf("persona:%d:*", personaID)
	deleted := 0
	iter := c.l2.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.l2.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("delete cached reply: %w", err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scan persona cache keys: %w", err)
	}
	c.logger.Info("Invalidated persona response cache",
		zap.Int64("persona_id", personaID),
		zap.Int("deleted", deleted))
	return deleted, nil
}

// Close releases L1 resources.
func (c *ResponseCache) Close() {
	c.l1.Close()
}
