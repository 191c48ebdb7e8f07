// Package producer publishes records to Kafka with franz-go.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"accredit/pkg/platform/outbox"
)

type Producer struct {
	client *kgo.Client
	logger *slog.Logger
}

// New connects a synchronous, all-ISR-acked producer.
func New(brokers []string, logger *slog.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Producer{client: client, logger: logger}, nil
}

// Produce writes one record and waits for the broker ack.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

func (p *Producer) Close() {
	p.client.Close()
}

// OutboxPublisher mirrors outbox entries onto a topic keyed by aggregate id,
// so every event of one learner/course lands on one partition in order.
type OutboxPublisher struct {
	producer *Producer
	topic    string
}

func NewOutboxPublisher(p *Producer, topic string) *OutboxPublisher {
	return &OutboxPublisher{producer: p, topic: topic}
}

func (o *OutboxPublisher) Publish(ctx context.Context, entry outbox.Entry) error {
	return o.producer.Produce(ctx, o.topic, []byte(entry.AggregateID), entry.Payload, map[string]string{
		"event_id":       entry.ID.String(),
		"event_type":     entry.EventType,
		"aggregate_type": entry.AggregateType,
	})
}
