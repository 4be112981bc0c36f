package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis layout, all under one prefix:
//
//	chatq:job:{id}   hash  payload, state, attempts
//	chatq:waiting    zset  score = priority*2^40 + submitMillis
//	chatq:delayed    zset  score = retry-ready unix millis
//	chatq:active     zset  score = claim unix millis (stall detection)
//	chatq:dead       list  full payloads of exhausted jobs
const (
	keyPrefix  = "chatq:"
	keyWaiting = keyPrefix + "waiting"
	keyDelayed = keyPrefix + "delayed"
	keyActive  = keyPrefix + "active"
	keyDead    = keyPrefix + "dead"
)

// priorityBand spaces priorities far above any unix-millis timestamp so the
// waiting score orders by priority first, submission time second.
const priorityBand = float64(1 << 40)

func jobKey(id string) string { return keyPrefix + "job:" + id }

// Config tunes queue behavior.
type Config struct {
	// ClaimPollInterval is how often a blocked Claim re-checks Redis.
	ClaimPollInterval time.Duration
	// VisibilityTimeout re-queues jobs whose worker went silent.
	VisibilityTimeout time.Duration
	// StallSweepInterval is how often the stall monitor runs.
	StallSweepInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ClaimPollInterval:  100 * time.Millisecond,
		VisibilityTimeout:  time.Minute,
		StallSweepInterval: 15 * time.Second,
	}
}

// Queue is the Redis-backed job queue. One Queue value is shared by every
// goroutine in a process; separate processes coordinate through Redis.
type Queue struct {
	client *redis.Client
	config Config
	logger *zap.Logger
	events chan Event

	stop   context.CancelFunc
	doneCh chan struct{}
}

// New creates a queue on the given Redis client.
func New(client *redis.Client, cfg Config, logger *zap.Logger) *Queue {
	return &Queue{
		client: client,
		config: cfg,
		logger: logger.Named("queue"),
		events: make(chan Event, eventBuffer),
	}
}

// Start launches the stall monitor. Optional: a submit-only gateway process
// never needs it.
func (q *Queue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.stop = cancel
	q.doneCh = make(chan struct{})
	go q.stallLoop(ctx)
}

// Stop halts the stall monitor.
func (q *Queue) Stop() {
	if q.stop != nil {
		q.stop()
		<-q.doneCh
	}
}

// Submit validates the job, assigns its id and priority, and enqueues it.
func (q *Queue) Submit(ctx context.Context, job *Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", Fatal(err)
	}
	job.ID = uuid.New().String()
	job.SubmittedAt = time.Now().UnixMilli()
	if job.IsGroupChat {
		job.Priority = PriorityGroup
	} else {
		job.Priority = PriorityOneOnOne
	}

	payload, err := job.encode()
	if err != nil {
		return "", err
	}
	score := float64(job.Priority)*priorityBand + float64(job.SubmittedAt)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), "payload", payload, "state", "waiting", "attempts", 0)
	pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: score, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}

	q.emit(Event{Kind: EventQueued, JobID: job.ID, RoomID: job.RoomID})
	q.logger.Info("Job queued",
		zap.String("job_id", job.ID),
		zap.Int64("room_id", job.RoomID),
		zap.Int("priority", job.Priority),
		zap.Bool("group", job.IsGroupChat))
	return job.ID, nil
}

// Claim blocks until a job is available (or ctx ends) and hands it to the
// caller. The claim increments the attempt counter; the caller must finish
// with Ack, Retry, or Fail.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	ticker := time.NewTicker(q.config.ClaimPollInterval)
	defer ticker.Stop()

	for {
		if err := q.promoteDue(ctx); err != nil {
			q.logger.Warn("Promoting delayed jobs failed", zap.Error(err))
		}
		job, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// promoteDue moves delayed jobs whose backoff elapsed back into waiting.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := time.Now().UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		// ZRem returning 0 means another worker already promoted it.
		removed, err := q.client.ZRem(ctx, keyDelayed, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := q.loadJob(ctx, id)
		if err != nil {
			q.logger.Warn("Delayed job unreadable, dropping", zap.String("job_id", id), zap.Error(err))
			continue
		}
		score := float64(job.Priority)*priorityBand + float64(job.SubmittedAt)
		if err := q.client.ZAdd(ctx, keyWaiting, redis.Z{Score: score, Member: id}).Err(); err != nil {
			return err
		}
	}
	return nil
}

// claimScript moves the best waiting job into the active set, bumps its
// attempt counter, and marks it active in one atomic step. If the claiming
// worker dies right after, the job is already in the active set and the
// stall sweep recovers it; at no point does it sit in no set at all.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local key = ARGV[2] .. id
local attempts = redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'state', 'active')
redis.call('ZADD', KEYS[2], ARGV[1], id)
return {id, attempts}
`)

// tryClaim pops at most one waiting job. The pop and the active-set
// registration run in one script, so concurrent workers never double-claim
// and a crash mid-claim never strands the job outside every set.
func (q *Queue) tryClaim(ctx context.Context) (*Job, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{keyWaiting, keyActive},
		time.Now().UnixMilli(), keyPrefix+"job:").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim waiting job: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("claim waiting job: unexpected script reply %v", res)
	}
	id, _ := vals[0].(string)
	attempts, _ := vals[1].(int64)

	job, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Attempts = int(attempts)
	if err := job.Validate(); err != nil {
		// Reject malformed payloads here rather than in worker logic.
		q.failInternal(ctx, job, Fatal(err))
		return nil, nil
	}

	q.emit(Event{Kind: EventActive, JobID: id, RoomID: job.RoomID, Attempts: job.Attempts})
	return job, nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	payload, err := q.client.HGet(ctx, jobKey(id), "payload").Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	job, err := decodeJob([]byte(payload))
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Ack marks the job completed and releases its state.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyActive, job.ID)
	pipe.HSet(ctx, jobKey(job.ID), "state", "completed")
	pipe.Expire(ctx, jobKey(job.ID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	q.emit(Event{Kind: EventCompleted, JobID: job.ID, RoomID: job.RoomID, Attempts: job.Attempts})
	return nil
}

// Retry reschedules a transiently failed job with exponential backoff, or
// dead-letters it once attempts are exhausted.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) error {
	q.emit(Event{Kind: EventFailed, JobID: job.ID, RoomID: job.RoomID,
		Attempts: job.Attempts, Cause: cause.Error()})

	if job.Attempts >= MaxAttempts {
		return q.deadLetter(ctx, job, cause)
	}

	backoff := RetryBackoffBase << (job.Attempts - 1)
	readyAt := time.Now().Add(backoff).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyActive, job.ID)
	pipe.HSet(ctx, jobKey(job.ID), "state", "delayed")
	pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(readyAt), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	q.logger.Warn("Job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", backoff),
		zap.Error(cause))
	return nil
}

// Fail records a permanent failure with no retry.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	q.failInternal(ctx, job, cause)
	return nil
}

func (q *Queue) failInternal(ctx context.Context, job *Job, cause error) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyActive, job.ID)
	pipe.HSet(ctx, jobKey(job.ID), "state", "failed")
	pipe.Expire(ctx, jobKey(job.ID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("Recording job failure failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	q.emit(Event{Kind: EventFailed, JobID: job.ID, RoomID: job.RoomID,
		Attempts: job.Attempts, Cause: cause.Error()})
	q.logger.Error("Job failed permanently",
		zap.String("job_id", job.ID),
		zap.Int64("room_id", job.RoomID),
		zap.Error(cause))
}

// deadLetter preserves the full payload for operator inspection.
func (q *Queue) deadLetter(ctx context.Context, job *Job, cause error) error {
	payload, err := job.encode()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyActive, job.ID)
	pipe.LPush(ctx, keyDead, payload)
	pipe.HSet(ctx, jobKey(job.ID), "state", "dead")
	pipe.Expire(ctx, jobKey(job.ID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}
	q.emit(Event{Kind: EventDeadLettered, JobID: job.ID, RoomID: job.RoomID,
		Attempts: job.Attempts, Cause: cause.Error()})
	q.logger.Error("Job dead-lettered",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause))
	return nil
}

// stallLoop re-queues jobs whose worker stopped heartbeating the active set.
func (q *Queue) stallLoop(ctx context.Context) {
	defer close(q.doneCh)
	ticker := time.NewTicker(q.config.StallSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.sweepStalled(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("Stall sweep failed", zap.Error(err))
			}
		}
	}
}

func (q *Queue) sweepStalled(ctx context.Context) error {
	cutoff := time.Now().Add(-q.config.VisibilityTimeout).UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, keyActive, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := q.loadJob(ctx, id)
		if err != nil {
			continue
		}
		score := float64(job.Priority)*priorityBand + float64(job.SubmittedAt)
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, jobKey(id), "state", "waiting")
		pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: score, Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		q.emit(Event{Kind: EventStalled, JobID: id, RoomID: job.RoomID, Attempts: job.Attempts})
		q.logger.Warn("Stalled job re-queued", zap.String("job_id", id))
	}
	return nil
}

// Counts reports queue depth per state for health surfaces.
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, keyWaiting)
	delayed := pipe.ZCard(ctx, keyDelayed)
	active := pipe.ZCard(ctx, keyActive)
	dead := pipe.LLen(ctx, keyDead)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	return map[string]int64{
		"waiting": waiting.Val(),
		"delayed": delayed.Val(),
		"active":  active.Val(),
		"dead":    dead.Val(),
	}, nil
}
