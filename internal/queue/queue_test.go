package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cfg := DefaultConfig()
	cfg.ClaimPollInterval = 10 * time.Millisecond
	return New(client, cfg, zaptest.NewLogger(t)), client
}

// expireDelay rewrites a delayed job's ready-at into the past so tests do not
// sleep through real backoff.
func expireDelay(t *testing.T, client *redis.Client, jobID string) {
	t.Helper()
	err := client.ZAdd(context.Background(), keyDelayed, redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: jobID,
	}).Err()
	require.NoError(t, err)
}

func claimOne(t *testing.T, q *Queue) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	return job
}

func TestSubmitAndClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, &Job{
		RoomID:   1,
		Message:  "hello",
		SenderID: "user-1",
		UserName: "Alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job := claimOne(t, q)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, PriorityOneOnOne, job.Priority)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "hello", job.Message)

	require.NoError(t, q.Ack(ctx, job))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts["waiting"])
	assert.Equal(t, int64(0), counts["active"])
}

func TestClaimRegistersActiveAtomically(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, &Job{RoomID: 1, Message: "hello", SenderID: "user-1"})
	require.NoError(t, err)

	job := claimOne(t, q)
	require.Equal(t, id, job.ID)

	// A single script did the move: the job is gone from waiting and
	// already registered in the active set with a claim timestamp, so a
	// crash right after the claim still leaves it sweepable.
	inWaiting, err := client.ZScore(ctx, keyWaiting, id).Result()
	assert.True(t, errors.Is(err, redis.Nil), "job still in waiting with score %v", inWaiting)

	claimedAt, err := client.ZScore(ctx, keyActive, id).Result()
	require.NoError(t, err, "job must be in the active set")
	assert.InDelta(t, float64(time.Now().UnixMilli()), claimedAt, float64(5*time.Second/time.Millisecond))

	state, err := client.HGet(ctx, jobKey(id), "state").Result()
	require.NoError(t, err)
	assert.Equal(t, "active", state)
	attempts, err := client.HGet(ctx, jobKey(id), "attempts").Result()
	require.NoError(t, err)
	assert.Equal(t, "1", attempts)
}

func TestOneOnOnePreemptsGroup(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	groupID, err := q.Submit(ctx, &Job{RoomID: 1, Message: "group", SenderID: "u", IsGroupChat: true})
	require.NoError(t, err)
	directID, err := q.Submit(ctx, &Job{RoomID: 2, Message: "direct", SenderID: "u"})
	require.NoError(t, err)

	first := claimOne(t, q)
	second := claimOne(t, q)
	assert.Equal(t, directID, first.ID, "one-on-one claimed before the earlier group job")
	assert.Equal(t, groupID, second.ID)
}

func TestSamePriorityIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Submit(ctx, &Job{RoomID: 1, Message: "m", SenderID: "u"})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond) // distinct submit millis
	}
	for _, want := range ids {
		assert.Equal(t, want, claimOne(t, q).ID)
	}
}

func TestRetryBacksOffThenPromotes(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, &Job{RoomID: 1, Message: "m", SenderID: "u"})
	require.NoError(t, err)

	job := claimOne(t, q)
	require.NoError(t, q.Retry(ctx, job, errors.New("ai service down")))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["delayed"])
	assert.Equal(t, int64(0), counts["active"])

	// Not claimable while delayed.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = q.Claim(shortCtx)
	cancel()
	assert.Error(t, err)

	expireDelay(t, client, id)
	again := claimOne(t, q)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, &Job{RoomID: 1, Message: "m", SenderID: "u"})
	require.NoError(t, err)

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		job := claimOne(t, q)
		require.Equal(t, attempt, job.Attempts)
		require.NoError(t, q.Retry(ctx, job, errors.New("still broken")))
		if attempt < MaxAttempts {
			expireDelay(t, client, id)
		}
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["dead"])
	assert.Equal(t, int64(0), counts["waiting"])
	assert.Equal(t, int64(0), counts["delayed"])

	// The dead-letter payload is the full job.
	payload, err := client.LRange(ctx, keyDead, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, payload, 1)
	dead, err := decodeJob([]byte(payload[0]))
	require.NoError(t, err)
	assert.Equal(t, id, dead.ID)
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, &Job{RoomID: 1, SenderID: "u"}) // empty message
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	_, err = q.Submit(ctx, &Job{Message: "m", SenderID: "u"}) // missing room
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestFailIsPermanent(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, &Job{RoomID: 1, Message: "m", SenderID: "u"})
	require.NoError(t, err)

	job := claimOne(t, q)
	require.NoError(t, q.Fail(ctx, job, errors.New("room deleted")))

	state, err := client.HGet(ctx, jobKey(id), "state").Result()
	require.NoError(t, err)
	assert.Equal(t, "failed", state)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts["waiting"])
	assert.Equal(t, int64(0), counts["delayed"])
	assert.Equal(t, int64(0), counts["dead"])
}

func TestStallSweepRequeues(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, &Job{RoomID: 1, Message: "m", SenderID: "u"})
	require.NoError(t, err)
	_ = claimOne(t, q)

	// Backdate the claim past the visibility timeout.
	stale := time.Now().Add(-q.config.VisibilityTimeout - time.Second).UnixMilli()
	require.NoError(t, client.ZAdd(ctx, keyActive, redis.Z{Score: float64(stale), Member: id}).Err())

	require.NoError(t, q.sweepStalled(ctx))

	reclaimed := claimOne(t, q)
	assert.Equal(t, id, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestFatalClassification(t *testing.T) {
	base := errors.New("missing room")
	assert.False(t, IsFatal(base))
	assert.True(t, IsFatal(Fatal(base)))

	wrapped := &FatalError{Err: base}
	assert.True(t, IsFatal(wrapped))
	assert.True(t, errors.Is(wrapped, base))
}

func TestQueueEventsEmitted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, &Job{RoomID: 1, Message: "m", SenderID: "u"})
	require.NoError(t, err)
	job := claimOne(t, q)
	require.NoError(t, q.Ack(ctx, job))

	kinds := make(map[EventKind]Event)
	for i := 0; i < 3; i++ {
		select {
		case ev := <-q.Events():
			kinds[ev.Kind] = ev
		case <-time.After(time.Second):
			t.Fatal("expected three lifecycle events")
		}
	}
	assert.Equal(t, id, kinds[EventQueued].JobID)
	assert.Equal(t, 1, kinds[EventActive].Attempts)
	assert.Contains(t, kinds, EventCompleted)
}
