package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wleicht/salesapi/pkg/events"
	"github.com/wleicht/salesapi/pkg/idempotency"
	"github.com/wleicht/salesapi/pkg/metrics"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/services/inventory/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// FulfillmentService applies order outcome events to reservations exactly once per event id.
type FulfillmentService interface {
	HandleOrderConfirmed(ctx context.Context, env events.Envelope, event events.OrderConfirmed) (bool, error)
	HandleOrderCancelled(ctx context.Context, env events.Envelope, event events.OrderCancelled) (bool, error)
}

type fulfillmentService struct {
	ledger       idempotency.Ledger
	reservations ReservationService
	publisher    events.Publisher
	metrics      *metrics.SagaMetrics
	tracer       trace.Tracer
	logger       *zap.Logger
}

func NewFulfillmentService(
	ledger idempotency.Ledger,
	reservations ReservationService,
	publisher events.Publisher,
	m *metrics.SagaMetrics,
	logger *zap.Logger,
) FulfillmentService {
	return &fulfillmentService{
		ledger:       ledger,
		reservations: reservations,
		publisher:    publisher,
		metrics:      m,
		tracer:       otel.Tracer("inventory/fulfillment_service"),
		logger:       logger,
	}
}

func (s *fulfillmentService) HandleOrderConfirmed(ctx context.Context, env events.Envelope, event events.OrderConfirmed) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "FulfillmentService.HandleOrderConfirmed")
	defer span.End()

	span.SetAttributes(
		attribute.String("event_id", env.EventID.String()),
		attribute.String("order_id", event.OrderID.String()),
	)

	applied, err := s.ledger.TryApply(ctx, record(env, event.OrderID), func(ctx context.Context, tx pgx.Tx) error {
		res, err := s.reservations.DebitTx(ctx, tx, event.OrderID)
		if err != nil {
			return err
		}

		feedback, err := events.NewWithID(
			events.DerivedID(env.EventID, events.TypeStockDebited),
			events.TypeStockDebited,
			event.OrderID.String(),
			env.CorrelationID,
			stockDebited(event.OrderID, env.CorrelationID, res),
		)
		if err != nil {
			return err
		}

		if !res.AllSuccessful {
			mylogger.Warn(ctx, s.logger, "Debit incomplete for confirmed order",
				zap.String("order_id", event.OrderID.String()),
				zap.String("error", res.Error),
			)
		}

		return s.publish(ctx, tx, feedback)
	})

	return s.finish(ctx, span, env, applied, err)
}

func (s *fulfillmentService) HandleOrderCancelled(ctx context.Context, env events.Envelope, event events.OrderCancelled) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "FulfillmentService.HandleOrderCancelled")
	defer span.End()

	span.SetAttributes(
		attribute.String("event_id", env.EventID.String()),
		attribute.String("order_id", event.OrderID.String()),
	)

	applied, err := s.ledger.TryApply(ctx, record(env, event.OrderID), func(ctx context.Context, tx pgx.Tx) error {
		res, err := s.reservations.ReleaseTx(ctx, tx, event.OrderID)
		if err != nil {
			return err
		}

		if len(res.Items) == 0 {
			return nil
		}

		feedback, err := events.NewWithID(
			events.DerivedID(env.EventID, events.TypeStockReleased),
			events.TypeStockReleased,
			event.OrderID.String(),
			env.CorrelationID,
			stockReleased(event.OrderID, env.CorrelationID, res),
		)
		if err != nil {
			return err
		}

		return s.publish(ctx, tx, feedback)
	})

	return s.finish(ctx, span, env, applied, err)
}

// publish joins the ledger transaction when the publisher supports it. Otherwise a
// failed send aborts the transaction and the inbound event is redelivered.
func (s *fulfillmentService) publish(ctx context.Context, tx pgx.Tx, event events.Envelope) error {
	if txp, ok := s.publisher.(events.TxPublisher); ok {
		return txp.PublishTx(ctx, tx, event)
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Event, err)
	}

	return nil
}

func (s *fulfillmentService) finish(ctx context.Context, span trace.Span, env events.Envelope, applied bool, err error) (bool, error) {
	switch {
	case err != nil:
		span.RecordError(err)
		s.metrics.IncConsumed(string(env.Event), "error")
		return false, err
	case !applied:
		s.metrics.IncConsumed(string(env.Event), "duplicate")
	default:
		s.metrics.IncConsumed(string(env.Event), "applied")
		mylogger.Info(ctx, s.logger, "Event applied",
			zap.String("event_id", env.EventID.String()),
			zap.String("event", string(env.Event)),
		)
	}

	return applied, nil
}

func record(env events.Envelope, orderID uuid.UUID) idempotency.Record {
	return idempotency.Record{
		EventID:       env.EventID,
		EventType:     string(env.Event),
		OrderID:       orderID.String(),
		CorrelationID: env.CorrelationID,
	}
}

func stockDebited(orderID uuid.UUID, correlationID string, res domain.DebitResult) events.StockDebited {
	items := make([]events.StockDebitedItem, 0, len(res.Items))
	for _, item := range res.Items {
		items = append(items, events.StockDebitedItem{
			ProductID:       item.ProductID,
			Name:            item.Name,
			QuantityDebited: item.QuantityDebited,
			PreviousStock:   item.PreviousStock,
			NewStock:        item.NewStock,
		})
	}

	return events.StockDebited{
		OrderID:       orderID,
		Items:         items,
		Success:       res.AllSuccessful,
		Error:         res.Error,
		CorrelationID: correlationID,
		DebitedAt:     time.Now().UTC(),
	}
}

func stockReleased(orderID uuid.UUID, correlationID string, res domain.ReleaseResult) events.StockReleased {
	items := make([]events.StockReleasedItem, 0, len(res.Items))
	for _, rsv := range res.Items {
		items = append(items, events.StockReleasedItem{ProductID: rsv.ProductID, Quantity: rsv.Quantity})
	}

	return events.StockReleased{
		OrderID:       orderID,
		Items:         items,
		CorrelationID: correlationID,
		ReleasedAt:    time.Now().UTC(),
	}
}
