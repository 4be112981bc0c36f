package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	return st
}

func seedRoom(t *testing.T, st *Store, roomID int64, personas ...Persona) {
	t.Helper()
	require.NoError(t, st.DB().Create(&Room{ID: roomID, Name: "test room", IsGroup: len(personas) > 1}).Error)
	for _, p := range personas {
		require.NoError(t, st.DB().Create(&p).Error)
		require.NoError(t, st.DB().Create(&RoomParticipant{RoomID: roomID, PersonaID: p.ID}).Error)
	}
}

func TestGetRoomWithParticipants(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedRoom(t, st, 1,
		Persona{ID: 10, Name: "Luna", Personality: "cheerful", ImageURL: "https://cdn/luna.png"},
		Persona{ID: 11, Name: "Rex", Personality: "gruff"},
	)

	room, err := st.GetRoomWithParticipants(ctx, 1)
	require.NoError(t, err)
	require.Len(t, room.Participants, 2)
	assert.Equal(t, "Luna", room.Participants[0].Persona.Name)
	assert.Equal(t, "https://cdn/luna.png", room.Participants[0].Persona.ImageURL)
}

func TestGetRoomMissing(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetRoomWithParticipants(context.Background(), 999)
	assert.True(t, errors.Is(err, ErrRoomNotFound))
}

func TestRecentChatLogsOrderAndLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedRoom(t, st, 1, Persona{ID: 10, Name: "Luna"})

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 15; i++ {
		require.NoError(t, st.CreateChatLog(ctx, &ChatLog{
			ID:         pseudoUUID(i),
			RoomID:     1,
			SenderType: SenderUser,
			SenderID:   "user-1",
			Text:       "message",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	logs, err := st.RecentChatLogs(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 10)
	// Most recent first.
	assert.Equal(t, pseudoUUID(14), logs[0].ID)
	assert.Equal(t, pseudoUUID(5), logs[9].ID)
}

func TestReplyForJob(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedRoom(t, st, 1, Persona{ID: 10, Name: "Luna"})

	reply, err := st.ReplyForJob(ctx, "job-1", 10)
	require.NoError(t, err)
	assert.Nil(t, reply, "no reply persisted yet")

	require.NoError(t, st.CreateChatLog(ctx, &ChatLog{
		ID: "log-1", RoomID: 1, JobID: "job-1",
		SenderType: SenderAI, SenderID: "10", Text: "hello",
	}))

	reply, err = st.ReplyForJob(ctx, "job-1", 10)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "hello", reply.Text)

	// Another persona on the same job is still unanswered.
	reply, err = st.ReplyForJob(ctx, "job-1", 11)
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestDuplicateAIReplyIsRejected(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedRoom(t, st, 1, Persona{ID: 10, Name: "Luna"})

	require.NoError(t, st.CreateChatLog(ctx, &ChatLog{
		ID: "log-1", RoomID: 1, JobID: "job-1",
		SenderType: SenderAI, SenderID: "10", Text: "hello",
	}))

	// A second worker running the same job must lose the insert.
	err := st.CreateChatLog(ctx, &ChatLog{
		ID: "log-2", RoomID: 1, JobID: "job-1",
		SenderType: SenderAI, SenderID: "10", Text: "hello again",
	})
	assert.True(t, errors.Is(err, ErrReplyExists))

	// The winner's row is untouched.
	reply, err := st.ReplyForJob(ctx, "job-1", 10)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "hello", reply.Text)

	// A different persona on the same job still inserts.
	require.NoError(t, st.CreateChatLog(ctx, &ChatLog{
		ID: "log-3", RoomID: 1, JobID: "job-1",
		SenderType: SenderAI, SenderID: "11", Text: "me too",
	}))
}

func TestUserRowsDoNotCollideAcrossJobs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedRoom(t, st, 1, Persona{ID: 10, Name: "Luna"})

	// User rows share an empty job id; two of them must both insert.
	require.NoError(t, st.CreateChatLog(ctx, &ChatLog{
		ID: "u-1", RoomID: 1, SenderType: SenderUser, SenderID: "user-1", Text: "first",
	}))
	require.NoError(t, st.CreateChatLog(ctx, &ChatLog{
		ID: "u-2", RoomID: 1, SenderType: SenderUser, SenderID: "user-1", Text: "second",
	}))

	users, ais, err := st.MessageCounts(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), users)
	assert.Equal(t, int64(0), ais)
}

func TestIncreaseFriendship(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	exp, err := st.IncreaseFriendship(ctx, "user-1", 10, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, exp)

	exp, err = st.IncreaseFriendship(ctx, "user-1", 10, 3.4)
	require.NoError(t, err)
	assert.Equal(t, 4.4, exp)

	// Negative deltas never decrease exp.
	exp, err = st.IncreaseFriendship(ctx, "user-1", 10, -5)
	require.NoError(t, err)
	assert.Equal(t, 4.4, exp)

	// Pairs are independent.
	exp, err = st.IncreaseFriendship(ctx, "user-2", 10, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, exp)

	got, err := st.GetFriendship(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.InDelta(t, 4.4, got, 1e-9)

	got, err = st.GetFriendship(ctx, "user-9", 99)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func pseudoUUID(i int) string {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute).Format("20060102150405")
}
