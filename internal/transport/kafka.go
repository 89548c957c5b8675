package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaTransport implements Transport using segmentio/kafka-go. Each
// subscribed channel gets its own reader; all publishes share one writer.
type KafkaTransport struct {
	brokers        string
	consumerGroup  string
	publishTimeout time.Duration
	writer         *kafka.Writer
	readers        []*kafka.Reader
	channels       []string
	messages       chan Message
	ctx            context.Context
	mu             sync.Mutex
}

// NewKafkaTransport creates a Kafka transport for the given broker list
// (comma-separated host:port pairs).
func NewKafkaTransport(brokers, consumerGroup string, publishTimeout time.Duration) *KafkaTransport {
	if publishTimeout <= 0 {
		publishTimeout = 10 * time.Second
	}
	return &KafkaTransport{
		brokers:        brokers,
		consumerGroup:  consumerGroup,
		publishTimeout: publishTimeout,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		messages: make(chan Message, 100),
	}
}

// Start begins consuming from all channels subscribed so far.
func (t *KafkaTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ctx = ctx
	for _, ch := range t.channels[len(t.readers):] {
		t.startReader(ctx, ch)
	}
	return nil
}

// Publish sends an envelope to a Kafka topic, keyed by device ID so one
// device's messages stay on one partition.
func (t *KafkaTransport) Publish(ctx context.Context, channel string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka publish: marshal envelope: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.publishTimeout)
	defer cancel()

	err = t.writer.WriteMessages(writeCtx, kafka.Message{
		Topic: channel,
		Key:   []byte(env.DeviceID),
		Value: data,
		Time:  env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe adds a channel to consume from. Safe to call after Start.
func (t *KafkaTransport) Subscribe(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.channels {
		if c == channel {
			return nil
		}
	}
	t.channels = append(t.channels, channel)
	if t.ctx != nil {
		t.startReader(t.ctx, channel)
	}
	return nil
}

// startReader must be called with t.mu held.
func (t *KafkaTransport) startReader(ctx context.Context, channel string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(t.brokers, ","),
		Topic:    channel,
		GroupID:  t.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	t.readers = append(t.readers, reader)

	go func(r *kafka.Reader, ch string) {
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) {
					return
				}
				slog.Warn("KafkaTransport: read error", "channel", ch, "error", err)
				continue
			}
			select {
			case t.messages <- Message{Channel: ch, Key: msg.Key, Value: msg.Value}:
			case <-ctx.Done():
				return
			}
		}
	}(reader, channel)
}

// Messages returns the channel of consumed messages.
func (t *KafkaTransport) Messages() <-chan Message {
	return t.messages
}

// Close stops all readers and the writer. The messages channel is left open;
// consumers exit on their own context.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.readers {
		r.Close()
	}
	t.readers = nil
	return t.writer.Close()
}
