// Package events holds the event contracts shared by the sales and inventory services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	TopicOrders    = "order_events"
	TopicInventory = "inventory_events"
)

type Type string

const (
	TypeOrderConfirmed Type = "OrderConfirmed"
	TypeOrderCancelled Type = "OrderCancelled"
	TypeStockDebited   Type = "StockDebited"
	TypeStockReleased  Type = "StockReleased"
)

// Envelope is the wire format of every message. AggregateID is the order id and
// doubles as the partition key, so all events of one order stay in order.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	Event         Type            `json:"event"`
	AggregateID   string          `json:"aggregate_id"`
	CorrelationID string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

func New(eventType Type, aggregateID, correlationID string, payload any) (Envelope, error) {
	return NewWithID(uuid.New(), eventType, aggregateID, correlationID, payload)
}

func NewWithID(id uuid.UUID, eventType Type, aggregateID, correlationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	return Envelope{
		EventID:       id,
		Event:         eventType,
		AggregateID:   aggregateID,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// DerivedID is stable for a given (source event, derived type) pair, so a
// re-emitted follow-up event keeps the id its consumers deduplicate on.
func DerivedID(source uuid.UUID, eventType Type) uuid.UUID {
	return uuid.NewSHA1(source, []byte(eventType))
}

func (e Envelope) Topic() string {
	switch e.Event {
	case TypeStockDebited, TypeStockReleased:
		return TopicInventory
	default:
		return TopicOrders
	}
}

func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}

	return nil
}

func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}

	if env.EventID == uuid.Nil || env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope is missing event_id or event type")
	}

	return env, nil
}

type Publisher interface {
	Publish(ctx context.Context, event Envelope) error
}

// TxPublisher publishes as part of the caller's transaction.
type TxPublisher interface {
	Publisher
	PublishTx(ctx context.Context, tx pgx.Tx, event Envelope) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Envelope) error { return nil }
