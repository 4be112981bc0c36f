package relay

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ev := Event{
		Type:        EventAIResponse,
		RoomID:      42,
		JobID:       "job-1",
		MessageID:   "msg-1",
		Content:     "안녕!",
		PersonaID:   7,
		PersonaName: "Luna",
	}
	data, err := Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got != ev {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, ev)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"surprise"}`)); err == nil {
		t.Error("unknown event type must be rejected")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("malformed payload must be rejected")
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	if _, err := Encode(Event{Type: "surprise"}); err == nil {
		t.Error("unknown event type must be rejected")
	}
}

func TestChannelNames(t *testing.T) {
	if got := RoomChannel(12); got != "room.12" {
		t.Errorf("RoomChannel = %q", got)
	}
	if got := ResponseChannel(12, "u-1", 1700000000000); got != "resp.12.u-1.1700000000000" {
		t.Errorf("ResponseChannel = %q", got)
	}
	if got := PersonaChannel(); got != "persona.updates" {
		t.Errorf("PersonaChannel = %q", got)
	}
}

func TestLocalBusFanOut(t *testing.T) {
	bus := NewLocalBus(zaptest.NewLogger(t))
	defer bus.Close()

	a, err := bus.Subscribe("room.1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := bus.Subscribe("room.1")
	if err != nil {
		t.Fatal(err)
	}
	other, err := bus.Subscribe("room.2")
	if err != nil {
		t.Fatal(err)
	}

	ev := Event{Type: EventComplete, RoomID: 1}
	if err := bus.Publish(context.Background(), "room.1", ev); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []*Subscription{a, b} {
		select {
		case got := <-sub.C():
			if got.Type != EventComplete {
				t.Errorf("got %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
	select {
	case got := <-other.C():
		t.Errorf("room.2 subscriber received %+v", got)
	default:
	}
}

func TestLocalBusPublishRejectsInvalidEvent(t *testing.T) {
	bus := NewLocalBus(zaptest.NewLogger(t))
	defer bus.Close()
	if err := bus.Publish(context.Background(), "room.1", Event{Type: "bogus"}); err == nil {
		t.Error("expected error for invalid event type")
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	bus := NewLocalBus(zaptest.NewLogger(t))
	defer bus.Close()

	sub, err := bus.Subscribe("room.1")
	if err != nil {
		t.Fatal(err)
	}
	sub.Close()
	sub.Close() // idempotent

	// Delivery after close must not panic.
	if err := bus.Publish(context.Background(), "room.1", Event{Type: EventComplete}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub.Done():
	default:
		t.Error("Done should be closed after Close")
	}
}

func TestDeliverAfterCloseDoesNotPanic(t *testing.T) {
	// A NATS callback can still be mid-flight when Close returns; a late
	// deliver must be a no-op, never a panic.
	sub := newSubscription(1, nil)
	sub.Close()
	sub.deliver(Event{Type: EventComplete})

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done should report the subscription as closed")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewLocalBus(zaptest.NewLogger(t))
	defer bus.Close()

	sub, err := bus.Subscribe("room.1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriptionBuffer*3; i++ {
			bus.Publish(context.Background(), "room.1", Event{Type: EventComplete})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
