// Package kafka publishes domain events staged in the transactional outbox.
package kafka

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
)

// Publisher writes one message per domain event, keyed by aggregate ID so
// events for the same hold or order stay ordered within a partition.
type Publisher struct {
	writer *kafkago.Writer
}

func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := p.writer.WriteMessages(ctx, kafkago.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("write message to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
