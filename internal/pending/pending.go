// Package pending buffers generated replies a user missed while
// disconnected. Entries live in a per-(user, room) sorted set scored by
// enqueue time and are replayed, oldest first, on the next room join. Only
// the duplex path uses this; a disconnected stream client just re-requests.
package pending

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RetentionTTL bounds how long missed replies wait for a reconnect.
const RetentionTTL = time.Hour

// Buffer is the pending-message store.
type Buffer struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewBuffer creates a buffer on the given Redis client.
func NewBuffer(client *redis.Client, logger *zap.Logger) *Buffer {
	return &Buffer{client: client, ttl: RetentionTTL, logger: logger.Named("pending")}
}

func key(userID string, roomID int64) string {
	return fmt.Sprintf("pending:%s:%d", userID, roomID)
}

// Enqueue stores one missed payload for the user in the room.
func (b *Buffer) Enqueue(ctx context.Context, userID string, roomID int64, payload []byte) error {
	k := key(userID, roomID)
	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: string(payload),
	})
	pipe.Expire(ctx, k, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue pending message: %w", err)
	}
	return nil
}

// DrainAndDelete returns all buffered payloads in ascending enqueue order
// and removes them in the same transaction; a second drain is empty.
func (b *Buffer) DrainAndDelete(ctx context.Context, userID string, roomID int64) ([][]byte, error) {
	k := key(userID, roomID)
	pipe := b.client.TxPipeline()
	rangeCmd := pipe.ZRange(ctx, k, 0, -1)
	pipe.Del(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("drain pending messages: %w", err)
	}
	members := rangeCmd.Val()
	if len(members) == 0 {
		return nil, nil
	}
	payloads := make([][]byte, len(members))
	for i, m := range members {
		payloads[i] = []byte(m)
	}
	b.logger.Debug("Drained pending messages",
		zap.String("user_id", userID),
		zap.Int64("room_id", roomID),
		zap.Int("count", len(payloads)))
	return payloads, nil
}
