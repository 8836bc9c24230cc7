package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to Kafka, one topic per logical destination.
// Messages are keyed so all events for a transaction land on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topics map[Topic]string
}

// NewKafkaPublisher creates a publisher. topics maps logical topics to Kafka topic names;
// unmapped topics are published under their logical name.
func NewKafkaPublisher(brokers []string, topics map[Topic]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
		topics: topics,
	}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, e *Event) error {
	topic := string(e.Topic)
	if mapped, ok := p.topics[e.Topic]; ok && mapped != "" {
		topic = mapped
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(e.Key),
		Value: e.Payload,
		Time:  e.CreatedAt.UTC(),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(e.ID)},
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher logs events instead of delivering them. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that only logs.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, e *Event) error {
	p.logger.Info("event published",
		"event_id", e.ID, "topic", e.Topic, "type", e.Type, "key", e.Key, "payload", string(e.Payload))
	return nil
}

// Fanout publishes each event to every publisher registered for its topic.
// The first failure aborts delivery; the relay retries the whole event.
type Fanout struct {
	byTopic map[Topic][]Publisher
	all     []Publisher
}

// NewFanout creates a Fanout that sends every event to each of all.
func NewFanout(all ...Publisher) *Fanout {
	return &Fanout{byTopic: make(map[Topic][]Publisher), all: all}
}

// On additionally routes events of topic t to p.
func (f *Fanout) On(t Topic, p Publisher) *Fanout {
	f.byTopic[t] = append(f.byTopic[t], p)
	return f
}

// Publish implements Publisher.
func (f *Fanout) Publish(ctx context.Context, e *Event) error {
	for _, p := range f.all {
		if err := p.Publish(ctx, e); err != nil {
			return err
		}
	}
	for _, p := range f.byTopic[e.Topic] {
		if err := p.Publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
