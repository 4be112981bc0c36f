package relay

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus is the cross-process Bus. Channel names map directly onto NATS
// subjects; core NATS (not JetStream) matches the fire-and-forget contract.
type NATSBus struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSBus connects to the NATS server at url.
func NewNATSBus(url string, logger *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBus{conn: conn, logger: logger.Named("relay")}, nil
}

// Publish sends the event on the subject named by channel.
func (b *NATSBus) Publish(_ context.Context, channel string, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on the subject named by channel. Payloads that fail to
// decode are logged and dropped at this boundary.
func (b *NATSBus) Subscribe(channel string) (*Subscription, error) {
	sub := newSubscription(subscriptionBuffer, nil)
	natsSub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		ev, err := Decode(msg.Data)
		if err != nil {
			b.logger.Warn("Dropping malformed relay event",
				zap.String("channel", channel),
				zap.Error(err))
			return
		}
		sub.deliver(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	sub.cleanup = func() {
		if err := natsSub.Unsubscribe(); err != nil {
			b.logger.Debug("Unsubscribe failed", zap.String("channel", channel), zap.Error(err))
		}
	}
	return sub, nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
