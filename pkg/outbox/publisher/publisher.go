// Package publisher stores events in the outbox table for the relay worker.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/db"
	"github.com/wleicht/salesapi/pkg/events"
	"github.com/wleicht/salesapi/pkg/outbox/domain"
	"github.com/wleicht/salesapi/pkg/outbox/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

type Publisher struct {
	pool          db.TxBeginner
	repo          repository.OutboxRepository
	aggregateType string
	logger        *zap.Logger
}

var _ events.TxPublisher = (*Publisher)(nil)

func New(pool db.TxBeginner, repo repository.OutboxRepository, aggregateType string, logger *zap.Logger) *Publisher {
	return &Publisher{
		pool:          pool,
		repo:          repo,
		aggregateType: aggregateType,
		logger:        logger,
	}
}

func (p *Publisher) Publish(ctx context.Context, event events.Envelope) error {
	return db.InTx(ctx, p.pool, p.logger, func(ctx context.Context, tx pgx.Tx) error {
		return p.PublishTx(ctx, tx, event)
	})
}

// PublishTx writes the event inside tx so it commits or rolls back with the caller's state change.
func (p *Publisher) PublishTx(ctx context.Context, tx pgx.Tx, event events.Envelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	carrier[correlation.MetadataKey] = event.CorrelationID
	carrier["event_type"] = string(event.Event)

	headers, err := json.Marshal(carrier)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	return p.repo.SaveOutboxEvent(ctx, tx, &domain.OutboxEvent{
		EventID:       event.EventID,
		AggregateType: p.aggregateType,
		AggregateID:   event.AggregateID,
		EventType:     string(event.Event),
		Topic:         event.Topic(),
		Payload:       payload,
		Headers:       headers,
	})
}
