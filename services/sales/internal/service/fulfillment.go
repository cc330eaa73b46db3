package service

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/wleicht/salesapi/pkg/events"
	"github.com/wleicht/salesapi/pkg/idempotency"
	"github.com/wleicht/salesapi/pkg/metrics"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/services/sales/internal/domain"
	"github.com/wleicht/salesapi/services/sales/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OrderFulfillment closes the loop on inventory feedback.
type OrderFulfillment interface {
	HandleStockDebited(ctx context.Context, env events.Envelope, event events.StockDebited) (bool, error)
	HandleStockReleased(ctx context.Context, env events.Envelope, event events.StockReleased) (bool, error)
}

type orderFulfillment struct {
	ledger  idempotency.Ledger
	orders  repository.OrderRepository
	metrics *metrics.SagaMetrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewOrderFulfillment(ledger idempotency.Ledger, orders repository.OrderRepository, m *metrics.SagaMetrics, logger *zap.Logger) OrderFulfillment {
	return &orderFulfillment{
		ledger:  ledger,
		orders:  orders,
		metrics: m,
		tracer:  otel.Tracer("sales/order_fulfillment"),
		logger:  logger,
	}
}

// HandleStockDebited moves a confirmed order to fulfilled once the debit succeeded.
// A failed debit leaves the order confirmed and is logged for follow-up.
func (f *orderFulfillment) HandleStockDebited(ctx context.Context, env events.Envelope, event events.StockDebited) (bool, error) {
	ctx, span := f.tracer.Start(ctx, "OrderFulfillment.HandleStockDebited")
	defer span.End()

	span.SetAttributes(
		attribute.String("event_id", env.EventID.String()),
		attribute.String("order_id", event.OrderID.String()),
	)

	applied, err := f.ledger.TryApply(ctx, record(env, event.OrderID.String()), func(ctx context.Context, tx pgx.Tx) error {
		order, err := f.orders.GetByID(ctx, tx, event.OrderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			mylogger.Warn(ctx, f.logger, "StockDebited for unknown order", zap.String("order_id", event.OrderID.String()))
			return nil
		}
		if err != nil {
			return err
		}

		if !event.Success {
			mylogger.Error(ctx, f.logger, "Stock debit failed for confirmed order, needs attention",
				zap.String("order_id", order.ID.String()),
				zap.String("error", event.Error),
			)
			return nil
		}

		switch order.Status {
		case domain.OrderStatusFulfilled:
			return nil
		case domain.OrderStatusConfirmed:
			return f.orders.ChangeOrderStatus(ctx, tx, order.ID, domain.OrderStatusConfirmed, domain.OrderStatusFulfilled)
		default:
			mylogger.Warn(ctx, f.logger, "StockDebited for order that is not confirmed",
				zap.String("order_id", order.ID.String()),
				zap.String("status", string(order.Status)),
			)
			return nil
		}
	})

	return f.finish(ctx, span, env, applied, err)
}

// HandleStockReleased only records the release. Orders that were never
// confirmed have no row, so there is nothing to update.
func (f *orderFulfillment) HandleStockReleased(ctx context.Context, env events.Envelope, event events.StockReleased) (bool, error) {
	ctx, span := f.tracer.Start(ctx, "OrderFulfillment.HandleStockReleased")
	defer span.End()

	applied, err := f.ledger.TryApply(ctx, record(env, event.OrderID.String()), func(ctx context.Context, tx pgx.Tx) error {
		mylogger.Info(ctx, f.logger, "Stock released for order",
			zap.String("order_id", event.OrderID.String()),
			zap.Int("items", len(event.Items)),
		)
		return nil
	})

	return f.finish(ctx, span, env, applied, err)
}

func (f *orderFulfillment) finish(ctx context.Context, span trace.Span, env events.Envelope, applied bool, err error) (bool, error) {
	switch {
	case err != nil:
		span.RecordError(err)
		f.metrics.IncConsumed(string(env.Event), "error")
		return false, err
	case !applied:
		f.metrics.IncConsumed(string(env.Event), "duplicate")
		mylogger.Info(ctx, f.logger, "Event already applied", zap.String("event_id", env.EventID.String()))
	default:
		f.metrics.IncConsumed(string(env.Event), "applied")
	}

	return applied, nil
}

func record(env events.Envelope, orderID string) idempotency.Record {
	return idempotency.Record{
		EventID:       env.EventID,
		EventType:     string(env.Event),
		OrderID:       orderID,
		CorrelationID: env.CorrelationID,
	}
}
