package events

import (
	"context"
	"encoding/json"
	"fmt"
)

type messageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaPublisher writes JSON events keyed by scope:identity, so one record's
// events stay ordered within a partition.
type KafkaPublisher struct {
	producer messageProducer
	topic    string
}

func NewKafkaPublisher(producer messageProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode throttle event: %w", err)
	}
	headers := map[string]string{
		"event_type": string(event.Type),
		"event_id":   event.ID.String(),
	}
	return p.producer.ProduceMessage(ctx, p.topic, []byte(event.Scope+":"+event.Identity), value, headers)
}

// Close is a no-op; the producer is owned by the factory.
func (p *KafkaPublisher) Close() error { return nil }
