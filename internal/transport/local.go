package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// LocalBroker is an in-process broker shared by any number of local
// transports. It backs two things: tests that need several agents and a hub
// on one wire, and the degraded single-device mode when no Kafka broker is
// reachable (one broker, one endpoint, same code path).
type LocalBroker struct {
	endpoints []*LocalTransport
	mu        sync.RWMutex
}

// NewLocalBroker creates an in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

// Endpoint creates a new transport attached to this broker.
func (b *LocalBroker) Endpoint() *LocalTransport {
	t := &LocalTransport{
		broker:   b,
		subs:     make(map[string]bool),
		messages: make(chan Message, 100),
	}
	b.mu.Lock()
	b.endpoints = append(b.endpoints, t)
	b.mu.Unlock()
	return t
}

// publish fans a message out to every endpoint subscribed to the channel,
// including the sender. Delivery to a closed or saturated endpoint is
// dropped; the fusion layer tolerates lost observations.
func (b *LocalBroker) publish(channel string, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ep := range b.endpoints {
		ep.deliver(channel, msg)
	}
}

// LocalTransport is one endpoint on a LocalBroker.
type LocalTransport struct {
	broker   *LocalBroker
	subs     map[string]bool
	messages chan Message
	closed   bool
	mu       sync.RWMutex
}

// NewLocalTransport returns a transport on a private broker: the explicit
// degraded mode where the device only ever sees its own messages.
func NewLocalTransport() *LocalTransport {
	return NewLocalBroker().Endpoint()
}

// Start is a no-op for the local transport.
func (t *LocalTransport) Start(ctx context.Context) error { return nil }

// Publish delivers the envelope to all subscribed endpoints on the broker.
func (t *LocalTransport) Publish(ctx context.Context, channel string, env *Envelope) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return fmt.Errorf("local publish to %s: transport closed", channel)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("local publish: marshal envelope: %w", err)
	}
	t.broker.publish(channel, Message{
		Channel: channel,
		Key:     []byte(env.DeviceID),
		Value:   data,
	})
	return nil
}

// Subscribe adds a channel to this endpoint's subscriptions.
func (t *LocalTransport) Subscribe(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[channel] = true
	return nil
}

// deliver hands a message to this endpoint if it is subscribed. The lock is
// held across the non-blocking send so Close cannot race it.
func (t *LocalTransport) deliver(channel string, msg Message) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || !t.subs[channel] {
		return
	}
	select {
	case t.messages <- msg:
	default:
	}
}

// Messages returns the channel of consumed messages.
func (t *LocalTransport) Messages() <-chan Message {
	return t.messages
}

// Close detaches the endpoint from the broker.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.messages)
	return nil
}
