package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wleicht/salesapi/pkg/config"
	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/db"
	"github.com/wleicht/salesapi/pkg/events"
	"github.com/wleicht/salesapi/pkg/metrics"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/pkg/utils"
	"github.com/wleicht/salesapi/services/sales/internal/domain"
	"github.com/wleicht/salesapi/services/sales/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OrderCoordinator drives an order from reservation to a terminal state.
// An order that is not confirmed never leaves its reservation behind, unless
// the commit outcome could not be determined.
type OrderCoordinator interface {
	CreateOrder(ctx context.Context, cmd domain.PlaceOrder) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
}

type Pool interface {
	db.TxBeginner
	repository.Querier
}

type orderCoordinator struct {
	pool      Pool
	orders    repository.OrderRepository
	inventory Inventory
	catalog   Catalog
	payments  Payments
	publisher events.Publisher
	validate  *validator.Validate
	cfg       config.Reservation
	metrics   *metrics.SagaMetrics
	tracer    trace.Tracer
	logger    *zap.Logger
}

func NewOrderCoordinator(
	pool Pool,
	orders repository.OrderRepository,
	inventory Inventory,
	catalog Catalog,
	payments Payments,
	publisher events.Publisher,
	validate *validator.Validate,
	cfg config.Reservation,
	m *metrics.SagaMetrics,
	logger *zap.Logger,
) OrderCoordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	return &orderCoordinator{
		pool:      pool,
		orders:    orders,
		inventory: inventory,
		catalog:   catalog,
		payments:  payments,
		publisher: publisher,
		validate:  validate,
		cfg:       cfg,
		metrics:   m,
		tracer:    otel.Tracer("sales/order_coordinator"),
		logger:    logger,
	}
}

func (c *orderCoordinator) CreateOrder(ctx context.Context, cmd domain.PlaceOrder) (*domain.Order, error) {
	ctx, span := c.tracer.Start(ctx, "OrderCoordinator.CreateOrder")
	defer span.End()

	if id := correlation.Sanitize(cmd.CorrelationID); id != "" {
		ctx = correlation.WithID(ctx, id)
	}
	ctx, correlationID := correlation.Ensure(ctx)

	if err := c.validate.StructCtx(ctx, cmd); err != nil {
		c.metrics.IncOrder("invalid")
		return nil, &ValidationError{Fields: utils.FormatValidationError(err)}
	}

	lines, err := mergeLines(cmd.Items)
	if err != nil {
		c.metrics.IncOrder("invalid")
		return nil, err
	}

	order := &domain.Order{
		ID:            uuid.New(),
		CustomerID:    cmd.CustomerID,
		Status:        domain.OrderStatusPending,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}

	span.SetAttributes(
		attribute.String("order_id", order.ID.String()),
		attribute.String("correlation_id", correlationID),
	)

	if err := c.reserve(ctx, order, lines); err != nil {
		return nil, c.fail(ctx, span, err)
	}

	items, err := c.resolveItems(ctx, lines)
	if err != nil {
		c.compensate(ctx, order, lines, "catalog lookup failed")
		if errors.Is(err, ErrProductNotFound) {
			err = &BusinessError{Reason: err.Error()}
		}
		return nil, c.fail(ctx, span, err)
	}
	order.Items = items
	order.CalculateTotal()

	start := time.Now()
	decision, err := c.payments.Authorize(ctx, correlationID, order.Total)
	c.metrics.ObserveStage("payment", start)
	if err != nil {
		c.compensate(ctx, order, lines, "payment could not be processed")
		return nil, c.fail(ctx, span, fmt.Errorf("payment: %w", err))
	}
	if !decision.Approved {
		c.compensate(ctx, order, lines, decision.Reason)
		return nil, c.fail(ctx, span, &BusinessError{Reason: decision.Reason})
	}

	if err := order.Transition(domain.OrderStatusConfirmed); err != nil {
		c.compensate(ctx, order, lines, "order could not be confirmed")
		return nil, c.fail(ctx, span, err)
	}

	if err := c.persist(ctx, order); err != nil {
		if errors.Is(err, errCommitUnknown) {
			mylogger.Error(ctx, c.logger, "Order outcome unknown, stock stays reserved until reconciled",
				zap.String("order_id", order.ID.String()),
				zap.Error(err),
			)
		} else {
			c.compensate(ctx, order, lines, "order could not be saved")
		}
		return nil, c.fail(ctx, span, err)
	}

	c.metrics.IncOrder("confirmed")
	mylogger.Info(ctx, c.logger, "Order confirmed",
		zap.String("order_id", order.ID.String()),
		zap.Int64("total", order.Total),
		zap.String("payment_band", decision.Band),
	)

	return order, nil
}

func (c *orderCoordinator) reserve(ctx context.Context, order *domain.Order, lines []domain.OrderLine) error {
	start := time.Now()
	defer c.metrics.ObserveStage("reserve", start)

	reserveCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	outcome, err := c.inventory.Reserve(reserveCtx, order.ID, lines)
	if err != nil {
		var business *BusinessError
		if errors.As(err, &business) {
			return err
		}

		// The reservation may have committed before the call failed.
		c.compensate(ctx, order, lines, "reservation outcome unknown")

		if errors.Is(err, ErrTemporarilyUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: reserve stock: %w", ErrTemporarilyUnavailable, err)
		}
		return fmt.Errorf("reserve stock: %w", err)
	}

	if !outcome.Success {
		reason := outcome.Reason
		if reason == "" {
			reason = "stock could not be reserved"
		}
		return &BusinessError{Reason: reason}
	}

	return nil
}

func (c *orderCoordinator) resolveItems(ctx context.Context, lines []domain.OrderLine) ([]domain.OrderItem, error) {
	start := time.Now()
	defer c.metrics.ObserveStage("catalog", start)

	items := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		product, err := c.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			return nil, err
		}

		items = append(items, domain.OrderItem{
			ProductID: line.ProductID,
			Name:      product.Name,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
		})
	}

	return items, nil
}

// persist stores the confirmed order. With a transactional publisher the
// OrderConfirmed event is written in the same transaction; otherwise it is sent
// after commit and a send failure is only logged.
func (c *orderCoordinator) persist(ctx context.Context, order *domain.Order) error {
	start := time.Now()
	defer c.metrics.ObserveStage("persist", start)

	txPublisher, atomic := c.publisher.(events.TxPublisher)

	var confirmed events.Envelope
	err := db.Retry(ctx, c.cfg.TransientRetries, func() error {
		return db.InTx(ctx, c.pool, c.logger, func(ctx context.Context, tx pgx.Tx) error {
			if err := c.orders.CreateOrder(ctx, tx, order); err != nil {
				return err
			}

			var err error
			confirmed, err = events.New(events.TypeOrderConfirmed, order.ID.String(), order.CorrelationID, orderConfirmed(order))
			if err != nil {
				return err
			}

			if atomic {
				return txPublisher.PublishTx(ctx, tx, confirmed)
			}
			return nil
		})
	})
	if err != nil {
		if err = c.checkCommitted(ctx, order, err); err != nil {
			return err
		}
	}

	if !atomic {
		if err := c.publisher.Publish(ctx, confirmed); err != nil {
			mylogger.Error(ctx, c.logger, "Order confirmed but OrderConfirmed was not published, reconcile manually",
				zap.String("order_id", order.ID.String()),
				zap.String("event_id", confirmed.EventID.String()),
				zap.Error(err),
			)
		}
	}

	return nil
}

// checkCommitted looks the order up after a failed persist. A commit error does
// not prove the rollback, so the order is only treated as unsaved when the row is
// missing. It returns nil when the order was in fact stored.
func (c *orderCoordinator) checkCommitted(ctx context.Context, order *domain.Order, persistErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	stored, err := c.orders.GetByID(ctx, c.pool, order.ID)
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		return fmt.Errorf("persist order: %w", persistErr)
	case err != nil:
		return fmt.Errorf("%w: persist order: %w (lookup: %v)", errCommitUnknown, persistErr, err)
	}

	mylogger.Warn(ctx, c.logger, "Order was stored despite persist error",
		zap.String("order_id", order.ID.String()),
		zap.Error(persistErr),
	)
	order.CreatedAt = stored.CreatedAt
	order.UpdatedAt = stored.UpdatedAt

	return nil
}

// compensate releases whatever the order holds and announces the cancellation.
// It runs on a detached context so a cancelled request still cleans up.
func (c *orderCoordinator) compensate(ctx context.Context, order *domain.Order, lines []domain.OrderLine, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	released, releaseErr := c.inventory.Release(ctx, order.ID)
	if releaseErr != nil {
		mylogger.Error(ctx, c.logger, "Compensating release failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(releaseErr),
		)
	}

	env, err := events.New(events.TypeOrderCancelled, order.ID.String(), order.CorrelationID, orderCancelled(order, lines, reason))
	if err == nil {
		err = c.publisher.Publish(ctx, env)
	}

	switch {
	case err != nil && releaseErr != nil:
		mylogger.Error(ctx, c.logger, "Compensation failed, stock stays reserved until released manually",
			zap.String("order_id", order.ID.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
	case err != nil:
		mylogger.Warn(ctx, c.logger, "OrderCancelled was not published",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
	default:
		mylogger.Info(ctx, c.logger, "Order compensated",
			zap.String("order_id", order.ID.String()),
			zap.String("reason", reason),
			zap.Int("released", released),
		)
	}
}

func (c *orderCoordinator) fail(ctx context.Context, span trace.Span, err error) error {
	var (
		business   *BusinessError
		validation *ValidationError
	)

	switch {
	case errors.As(err, &business):
		c.metrics.IncOrder("rejected")
		mylogger.Info(ctx, c.logger, "Order rejected", zap.String("reason", business.Reason))
	case errors.As(err, &validation):
		c.metrics.IncOrder("invalid")
	case errors.Is(err, ErrTemporarilyUnavailable):
		c.metrics.IncOrder("unavailable")
		span.RecordError(err)
		mylogger.Warn(ctx, c.logger, "Order failed, dependency unavailable", zap.Error(err))
	default:
		c.metrics.IncOrder("error")
		span.RecordError(err)
		mylogger.Error(ctx, c.logger, "Order failed", zap.Error(err))
	}

	return err
}

func (c *orderCoordinator) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	ctx, span := c.tracer.Start(ctx, "OrderCoordinator.GetOrder")
	defer span.End()

	order, err := c.orders.GetByID(ctx, c.pool, orderID)
	if err != nil {
		if !errors.Is(err, repository.ErrOrderNotFound) {
			span.RecordError(err)
		}
		return nil, err
	}

	return order, nil
}

// mergeLines folds repeated product ids together, keeping first-seen order.
func mergeLines(lines []domain.OrderLine) ([]domain.OrderLine, error) {
	index := make(map[int64]int, len(lines))
	merged := make([]domain.OrderLine, 0, len(lines))

	for n, line := range lines {
		i, ok := index[line.ProductID]
		if !ok {
			index[line.ProductID] = len(merged)
			merged = append(merged, line)
			continue
		}

		total := int64(merged[i].Quantity) + int64(line.Quantity)
		if total > math.MaxInt32 {
			field := fmt.Sprintf("items[%d].quantity", n)
			return nil, &ValidationError{Fields: map[string]string{
				field: fmt.Sprintf("total quantity for product %d must be at most %d", line.ProductID, math.MaxInt32),
			}}
		}
		merged[i].Quantity = int32(total)
	}

	return merged, nil
}

func eventItems(items []domain.OrderItem) []events.OrderItem {
	out := make([]events.OrderItem, 0, len(items))
	for _, item := range items {
		out = append(out, events.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return out
}

func orderConfirmed(order *domain.Order) events.OrderConfirmed {
	return events.OrderConfirmed{
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		Total:         order.Total,
		Items:         eventItems(order.Items),
		Status:        string(order.Status),
		CreatedAt:     order.CreatedAt,
		CorrelationID: order.CorrelationID,
	}
}

func orderCancelled(order *domain.Order, lines []domain.OrderLine, reason string) events.OrderCancelled {
	items := eventItems(order.Items)
	if len(items) == 0 {
		for _, line := range lines {
			items = append(items, events.OrderItem{ProductID: line.ProductID, Quantity: line.Quantity})
		}
	}

	return events.OrderCancelled{
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		Total:         order.Total,
		Items:         items,
		Status:        string(domain.OrderStatusCancelled),
		CreatedAt:     order.CreatedAt,
		CorrelationID: order.CorrelationID,
		Reason:        reason,
		CancelledAt:   time.Now().UTC(),
	}
}
