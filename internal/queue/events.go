package queue

// EventKind enumerates queue lifecycle transitions surfaced for
// observability.
type EventKind string

const (
	EventQueued       EventKind = "queued"
	EventActive       EventKind = "active"
	EventCompleted    EventKind = "completed"
	EventFailed       EventKind = "failed"
	EventStalled      EventKind = "stalled"
	EventDeadLettered EventKind = "dead_lettered"
)

// Event is one lifecycle transition. Consumers read them from
// Queue.Events(); a slow consumer loses events rather than blocking queue
// operations.
type Event struct {
	Kind     EventKind
	JobID    string
	RoomID   int64
	Attempts int
	Cause    string // failure reason, for failed / dead_lettered
}

const eventBuffer = 128

func (q *Queue) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
		q.logger.Debug("Dropping queue event, consumer behind")
	}
}

// Events returns the typed lifecycle event stream.
func (q *Queue) Events() <-chan Event { return q.events }
