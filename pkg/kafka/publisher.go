package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/events"
)

// EventPublisher writes envelopes straight to Kafka without the outbox.
type EventPublisher struct {
	producer Producer
}

func NewEventPublisher(producer Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func (p *EventPublisher) Publish(ctx context.Context, event events.Envelope) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return p.producer.Produce(ctx, Message{
		Topic: event.Topic(),
		Key:   event.AggregateID,
		Value: value,
		Headers: map[string]string{
			correlation.MetadataKey: event.CorrelationID,
			"event_type":            string(event.Event),
		},
	})
}
