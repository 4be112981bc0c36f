// Package presence tracks which users are connected, through which live
// connection handles, and which rooms they have open. Every record carries a
// short TTL refreshed by connection heartbeats, so a dead connection simply
// expires into offline without an explicit disconnect.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RecordTTL is the heartbeat window. A record not refreshed within it lapses.
const RecordTTL = 5 * time.Minute

// Tracker mutates presence state through atomic Redis set and TTL
// operations; multiple gateway instances share it safely.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewTracker creates a presence tracker.
func NewTracker(client *redis.Client, logger *zap.Logger) *Tracker {
	return &Tracker{client: client, ttl: RecordTTL, logger: logger.Named("presence")}
}

func onlineKey(userID string) string { return fmt.Sprintf("user:%s:online", userID) }
func handlesKey(userID string) string { return fmt.Sprintf("user:%s:handles", userID) }
func roomsKey(userID string) string { return fmt.Sprintf("user:%s:rooms", userID) }
func membersKey(roomID int64) string { return fmt.Sprintf("room:%d:members", roomID) }

// MarkOnline records a new live handle for the user and flags them online.
func (t *Tracker) MarkOnline(ctx context.Context, userID, handleID string) error {
	pipe := t.client.TxPipeline()
	pipe.Set(ctx, onlineKey(userID), handleID, t.ttl)
	pipe.SAdd(ctx, handlesKey(userID), handleID)
	pipe.Expire(ctx, handlesKey(userID), t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark online: %w", err)
	}
	t.logger.Debug("User online", zap.String("user_id", userID), zap.String("handle", handleID))
	return nil
}

// MarkOffline removes one live handle. The online flag is cleared only when
// the last handle goes away, so multi-tab sessions survive a single close.
func (t *Tracker) MarkOffline(ctx context.Context, userID, handleID string) error {
	if err := t.client.SRem(ctx, handlesKey(userID), handleID).Err(); err != nil {
		return fmt.Errorf("remove handle: %w", err)
	}
	remaining, err := t.client.SCard(ctx, handlesKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("count handles: %w", err)
	}
	if remaining == 0 {
		pipe := t.client.TxPipeline()
		pipe.Del(ctx, onlineKey(userID))
		pipe.Del(ctx, handlesKey(userID))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("clear online state: %w", err)
		}
		t.logger.Debug("User fully offline", zap.String("user_id", userID))
	}
	return nil
}

// Heartbeat refreshes the TTLs on the user's presence records. Called
// periodically by live connections.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) error {
	pipe := t.client.TxPipeline()
	pipe.Expire(ctx, onlineKey(userID), t.ttl)
	pipe.Expire(ctx, handlesKey(userID), t.ttl)
	pipe.Expire(ctx, roomsKey(userID), t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// IsOnline reports whether the user has any live, unexpired handle.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.Exists(ctx, onlineKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check online: %w", err)
	}
	return n == 1, nil
}

// JoinRoom records the user as a member of the room.
func (t *Tracker) JoinRoom(ctx context.Context, userID string, roomID int64) error {
	pipe := t.client.TxPipeline()
	pipe.SAdd(ctx, membersKey(roomID), userID)
	pipe.SAdd(ctx, roomsKey(userID), fmt.Sprintf("%d", roomID))
	pipe.Expire(ctx, roomsKey(userID), t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

// LeaveRoom removes the user from the room's member set.
func (t *Tracker) LeaveRoom(ctx context.Context, userID string, roomID int64) error {
	pipe := t.client.TxPipeline()
	pipe.SRem(ctx, membersKey(roomID), userID)
	pipe.SRem(ctx, roomsKey(userID), fmt.Sprintf("%d", roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

// IsInRoom reports whether the user currently has the room open.
func (t *Tracker) IsInRoom(ctx context.Context, userID string, roomID int64) (bool, error) {
	ok, err := t.client.SIsMember(ctx, membersKey(roomID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check room membership: %w", err)
	}
	return ok, nil
}

// OnlineMembersOf returns the room members whose online flag is still live.
func (t *Tracker) OnlineMembersOf(ctx context.Context, roomID int64) ([]string, error) {
	members, err := t.client.SMembers(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load room members: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	online := make([]string, 0, len(members))
	for _, userID := range members {
		n, err := t.client.Exists(ctx, onlineKey(userID)).Result()
		if err != nil {
			return nil, fmt.Errorf("check member online: %w", err)
		}
		if n == 1 {
			online = append(online, userID)
		}
	}
	return online, nil
}
