package usecase

import (
	"context"
	"fmt"

	drepo "LedgerFlow/internal/domain/repository"
	"LedgerFlow/pkg/kafka"
)

// KafkaQuarantine publishes rejected payloads to a dead-letter topic with
// the rejection reason in a header.
type KafkaQuarantine struct {
	producer *kafka.Producer
	topic    string
}

// NewKafkaQuarantine creates a quarantine sink over a Kafka producer.
func NewKafkaQuarantine(producer *kafka.Producer, topic string) drepo.Quarantine {
	return &KafkaQuarantine{producer: producer, topic: topic}
}

// Quarantine publishes one rejected payload.
func (q *KafkaQuarantine) Quarantine(ctx context.Context, payload []byte, reason string) error {
	err := q.producer.PublishBatch(ctx, q.topic, []kafka.Message{{
		Value:   payload,
		Headers: map[string]string{"reason": reason},
	}})
	if err != nil {
		return fmt.Errorf("publish quarantine: %w", err)
	}
	return nil
}
