package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is a raw message from the broker.
type Message struct {
	Channel string
	Key     []byte
	Value   []byte
}

// Decode unmarshals the message value into an Envelope.
func (m Message) Decode() (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return nil, fmt.Errorf("decode envelope on %s: %w", m.Channel, err)
	}
	return &env, nil
}

// Transport is the pub/sub abstraction the fusion layer runs on. The layer
// only requires at-least-once delivery and assumes no ordering guarantee
// across channels. The local implementation is the explicit degraded mode
// when no broker is reachable.
type Transport interface {
	// Start begins delivering subscribed messages. Delivery stops when the
	// context is cancelled.
	Start(ctx context.Context) error
	// Publish sends an envelope to a channel. Failures are reported, not
	// retried; observations are superseded by fresher ones on the next cycle.
	Publish(ctx context.Context, channel string, env *Envelope) error
	// Subscribe adds a channel to consume from. Safe to call after Start.
	Subscribe(channel string) error
	// Messages returns the channel of consumed messages.
	Messages() <-chan Message
	// Close stops the transport.
	Close() error
}
