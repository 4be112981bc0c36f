package relay

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Bus is the relay contract shared by the NATS implementation and the
// in-process one used by the monolith and tests.
type Bus interface {
	Publish(ctx context.Context, channel string, ev Event) error
	Subscribe(channel string) (*Subscription, error)
	Close() error
}

// Subscription delivers decoded events on a channel until Close. Events
// arriving faster than the consumer drains are dropped, keeping a slow
// gateway from backing up the publisher (the bus is not a durable log).
type Subscription struct {
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	cleanup func()
}

func newSubscription(buffer int, cleanup func()) *Subscription {
	return &Subscription{
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		cleanup: cleanup,
	}
}

// C is the event stream. It stays open; consumers select on Done to learn
// the subscription ended.
func (s *Subscription) C() <-chan Event { return s.ch }

// Done is closed when the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close tears the subscription down. Safe to call more than once, and safe
// against deliveries still in flight: the event channel itself is never
// closed, so a late deliver cannot panic.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cleanup != nil {
			s.cleanup()
		}
		close(s.done)
	})
}

func (s *Subscription) deliver(ev Event) {
	select {
	case <-s.done:
	case s.ch <- ev:
	default:
	}
}

const subscriptionBuffer = 64

// LocalBus is an in-process Bus. The monolith binary bridges its worker pool
// and gateway through it instead of a network hop; tests use it the same way.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	logger *zap.Logger
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(logger *zap.Logger) *LocalBus {
	return &LocalBus{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger.Named("relay"),
	}
}

// Publish fans the event out to current subscribers of the channel.
func (b *LocalBus) Publish(_ context.Context, channel string, ev Event) error {
	if _, err := Encode(ev); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for sub := range b.subs[channel] {
		sub.deliver(ev)
	}
	return nil
}

// Subscribe registers a listener on the channel.
func (b *LocalBus) Subscribe(channel string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[channel] = set
	}
	var sub *Subscription
	sub = newSubscription(subscriptionBuffer, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[channel], sub)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
	})
	set[sub] = struct{}{}
	return sub, nil
}

// Close drops all subscriptions.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.Close()
		}
	}
	return nil
}
