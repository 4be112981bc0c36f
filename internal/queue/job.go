// Package queue is the durable, priority-ordered, retryable work queue
// holding one job per inbound chat message that needs an AI reply. State
// lives in Redis so worker processes can crash and resume; execution is
// at-least-once and the worker pipeline keeps side effects idempotent.
//
// Ordering note: jobs leave the waiting set strictly by (priority,
// submission time), so same-room jobs are claimed in submission order.
// Per-room delivery order is therefore best-effort only when several workers
// interleave; deployments that need strict per-room ordering run a
// single-slot pool.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Priorities: lower wins. One-on-one conversations preempt group rounds.
const (
	PriorityOneOnOne = 1
	PriorityGroup    = 5
)

// MaxAttempts caps retries before a job is dead-lettered.
const MaxAttempts = 3

// RetryBackoffBase is the first retry delay; it doubles per attempt.
const RetryBackoffBase = 2 * time.Second

// Job is one unit of "generate and deliver AI replies for this message".
// The queue owns it exclusively until a worker claims it.
type Job struct {
	ID              string `json:"jobId"`
	RoomID          int64  `json:"roomId"`
	Message         string `json:"message"`
	SenderID        string `json:"senderId"`
	UserName        string `json:"userName"`
	IsGroupChat     bool   `json:"isGroupChat"`
	ResponseChannel string `json:"responseChannel,omitempty"`
	Priority        int    `json:"priority"`
	Attempts        int    `json:"attempts"`
	SubmittedAt     int64  `json:"submittedAt"` // unix millis
}

// StreamMode reports whether replies go to a one-shot response channel
// instead of the room channel.
func (j *Job) StreamMode() bool { return j.ResponseChannel != "" }

// Validate rejects malformed payloads at the queue boundary so they fail as
// fatal errors instead of deep in worker logic.
func (j *Job) Validate() error {
	if j.RoomID <= 0 {
		return errors.New("job: missing or invalid roomId")
	}
	if j.Message == "" {
		return errors.New("job: empty message")
	}
	if j.SenderID == "" {
		return errors.New("job: missing senderId")
	}
	return nil
}

func (j *Job) encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return data, nil
}

func decodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

// FatalError marks a job failure that must not be retried (missing room,
// malformed payload). Everything else is treated as transient.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(err error) error { return &FatalError{Err: err} }

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
