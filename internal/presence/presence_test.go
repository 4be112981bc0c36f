package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTracker(client, zaptest.NewLogger(t)), mr
}

func TestOnlineOffline(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	online, err := tr.IsOnline(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if online {
		t.Error("user should start offline")
	}

	if err := tr.MarkOnline(ctx, "user-1", "handle-a"); err != nil {
		t.Fatal(err)
	}
	if online, _ = tr.IsOnline(ctx, "user-1"); !online {
		t.Error("user should be online after MarkOnline")
	}

	if err := tr.MarkOffline(ctx, "user-1", "handle-a"); err != nil {
		t.Fatal(err)
	}
	if online, _ = tr.IsOnline(ctx, "user-1"); online {
		t.Error("user should be offline after last handle closes")
	}
}

func TestMultiHandleSurvivesSingleClose(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	// Two tabs.
	tr.MarkOnline(ctx, "user-1", "handle-a")
	tr.MarkOnline(ctx, "user-1", "handle-b")

	if err := tr.MarkOffline(ctx, "user-1", "handle-a"); err != nil {
		t.Fatal(err)
	}
	if online, _ := tr.IsOnline(ctx, "user-1"); !online {
		t.Error("user must stay online while another handle is live")
	}

	tr.MarkOffline(ctx, "user-1", "handle-b")
	if online, _ := tr.IsOnline(ctx, "user-1"); online {
		t.Error("user should be offline once both handles close")
	}
}

func TestPresenceExpiresWithoutHeartbeat(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	tr.MarkOnline(ctx, "user-1", "handle-a")
	mr.FastForward(RecordTTL * 2)

	if online, _ := tr.IsOnline(ctx, "user-1"); online {
		t.Error("stale presence should lapse after the TTL")
	}
}

func TestHeartbeatRefreshes(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	tr.MarkOnline(ctx, "user-1", "handle-a")
	mr.FastForward(RecordTTL / 2)
	if err := tr.Heartbeat(ctx, "user-1"); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(RecordTTL / 2)

	if online, _ := tr.IsOnline(ctx, "user-1"); !online {
		t.Error("heartbeat should have extended the record")
	}
}

func TestRoomMembership(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if in, _ := tr.IsInRoom(ctx, "user-1", 5); in {
		t.Error("user should not start in the room")
	}

	tr.JoinRoom(ctx, "user-1", 5)
	if in, _ := tr.IsInRoom(ctx, "user-1", 5); !in {
		t.Error("user should be in the room after join")
	}

	tr.LeaveRoom(ctx, "user-1", 5)
	if in, _ := tr.IsInRoom(ctx, "user-1", 5); in {
		t.Error("user should be out after leave")
	}
}

func TestOnlineMembersOf(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.MarkOnline(ctx, "user-1", "handle-a")
	tr.JoinRoom(ctx, "user-1", 5)
	// user-2 joined the room but never came online.
	tr.JoinRoom(ctx, "user-2", 5)

	online, err := tr.OnlineMembersOf(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 1 || online[0] != "user-1" {
		t.Errorf("online members = %v, want [user-1]", online)
	}
}
