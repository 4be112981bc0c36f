package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CharacterListTTL is how long a user's character list stays cached.
const CharacterListTTL = 10 * time.Minute

// CharacterListCache caches per-user character lists in Redis. Values are
// opaque JSON documents owned by the caller.
type CharacterListCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCharacterListCache creates the cache.
func NewCharacterListCache(client *redis.Client, logger *zap.Logger) *CharacterListCache {
	return &CharacterListCache{client: client, logger: logger.Named("character_cache")}
}

func characterListKey(userID, listType string) string {
	return fmt.Sprintf("user:%s:characters:%s", userID, listType)
}

// Get unmarshals the cached list into dest. Returns false on miss.
func (c *CharacterListCache) Get(ctx context.Context, userID, listType string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, characterListKey(userID, listType)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read character list cache: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode character list cache: %w", err)
	}
	return true, nil
}

// Set stores the list with the standard TTL.
func (c *CharacterListCache) Set(ctx context.Context, userID, listType string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode character list: %w", err)
	}
	if err := c.client.Set(ctx, characterListKey(userID, listType), data, CharacterListTTL).Err(); err != nil {
		return fmt.Errorf("write character list cache: %w", err)
	}
	return nil
}

// Invalidate drops all cached lists for the user.
func (c *CharacterListCache) Invalidate(ctx context.Context, userID string) error {
	pattern := fmt.Sprintf("user:%s:characters:*", userID)
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("invalidate character list cache: %w", err)
		}
	}
	return iter.Err()
}
