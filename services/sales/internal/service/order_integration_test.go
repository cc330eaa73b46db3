package service_test

import (
	"context"

	"github.com/google/uuid"
	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/events"
	"github.com/wleicht/salesapi/services/sales/internal/domain"
	"github.com/wleicht/salesapi/services/sales/internal/repository"
	"github.com/wleicht/salesapi/services/sales/internal/service"
)

func (s *SalesSuite) TestCreateOrder_PersistsOrderAndConfirmedEventTogether() {
	ctx := correlation.WithID(s.Ctx, "corr-persist")

	order, err := s.coordinator().CreateOrder(ctx, domain.PlaceOrder{
		CustomerID: 11,
		Items:      []domain.OrderLine{{ProductID: 1, Quantity: 1}, {ProductID: 2, Quantity: 1}},
	})
	s.Require().NoError(err)

	stored, err := s.Orders.GetByID(s.Ctx, s.DbPool, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStatusConfirmed, stored.Status)
	s.Require().EqualValues(10_000, stored.Total)
	s.Require().Equal("corr-persist", stored.CorrelationID)
	s.Require().Len(stored.Items, 2)
	s.Require().Equal("product", stored.Items[0].Name)
	s.Require().EqualValues(5000, stored.Items[0].UnitPrice)

	confirmed := s.outboxEvents(events.TypeOrderConfirmed)
	s.Require().Len(confirmed, 1)
	s.Require().Equal(order.ID.String(), confirmed[0].AggregateID)
	s.Require().Equal("corr-persist", confirmed[0].CorrelationID)

	var payload events.OrderConfirmed
	s.Require().NoError(confirmed[0].Decode(&payload))
	s.Require().Equal(order.ID, payload.OrderID)
	s.Require().EqualValues(11, payload.CustomerID)
	s.Require().False(payload.CreatedAt.IsZero())
}

// A declined payment leaves no order row, releases the reservation and emits OrderCancelled.
func (s *SalesSuite) TestCreateOrder_PaymentDeclinedCompensates() {
	s.Payment.TopRate = 0
	ctx := correlation.WithID(s.Ctx, "corr-scenario-c")

	_, err := s.coordinator().CreateOrder(ctx, domain.PlaceOrder{
		CustomerID: 11,
		Items:      []domain.OrderLine{{ProductID: 1, Quantity: 200}},
	})
	s.Require().ErrorIs(err, service.ErrUnprocessable)

	var orders int
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx, `SELECT COUNT(*) FROM orders`).Scan(&orders))
	s.Require().Zero(orders)

	s.Require().Len(s.Inventory.released, 1)

	cancelled := s.outboxEvents(events.TypeOrderCancelled)
	s.Require().Len(cancelled, 1)
	s.Require().Equal("corr-scenario-c", cancelled[0].CorrelationID)
	s.Require().Equal(s.Inventory.released[0].String(), cancelled[0].AggregateID)
	s.Require().Empty(s.outboxEvents(events.TypeOrderConfirmed))
}

func (s *SalesSuite) TestGetOrder_NotFound() {
	_, err := s.coordinator().GetOrder(s.Ctx, uuid.New())
	s.Require().ErrorIs(err, repository.ErrOrderNotFound)
}

func (s *SalesSuite) confirmedOrder() *domain.Order {
	order, err := s.coordinator().CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 3,
		Items:      []domain.OrderLine{{ProductID: 1, Quantity: 1}},
	})
	s.Require().NoError(err)
	return order
}

func (s *SalesSuite) TestStockDebited_FulfillsOrderOnce() {
	order := s.confirmedOrder()

	payload := events.StockDebited{OrderID: order.ID, Success: true, CorrelationID: order.CorrelationID}
	env, err := events.New(events.TypeStockDebited, order.ID.String(), order.CorrelationID, payload)
	s.Require().NoError(err)

	applied, err := s.Fulfillment.HandleStockDebited(s.Ctx, env, payload)
	s.Require().NoError(err)
	s.Require().True(applied)

	applied, err = s.Fulfillment.HandleStockDebited(s.Ctx, env, payload)
	s.Require().NoError(err)
	s.Require().False(applied)

	stored, err := s.Orders.GetByID(s.Ctx, s.DbPool, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStatusFulfilled, stored.Status)
}

func (s *SalesSuite) TestStockDebited_FailureKeepsOrderConfirmed() {
	order := s.confirmedOrder()

	payload := events.StockDebited{OrderID: order.ID, Success: false, Error: "reservation was already released"}
	env, err := events.New(events.TypeStockDebited, order.ID.String(), order.CorrelationID, payload)
	s.Require().NoError(err)

	applied, err := s.Fulfillment.HandleStockDebited(s.Ctx, env, payload)
	s.Require().NoError(err)
	s.Require().True(applied)

	stored, err := s.Orders.GetByID(s.Ctx, s.DbPool, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStatusConfirmed, stored.Status)
}

func (s *SalesSuite) TestChangeOrderStatus_RequiresExpectedStatus() {
	order := s.confirmedOrder()

	tx, err := s.DbPool.Begin(s.Ctx)
	s.Require().NoError(err)
	defer func() { _ = tx.Rollback(s.Ctx) }()

	err = s.Orders.ChangeOrderStatus(s.Ctx, tx, order.ID, domain.OrderStatusPending, domain.OrderStatusCancelled)
	s.Require().ErrorIs(err, repository.ErrStatusConflict)

	err = s.Orders.ChangeOrderStatus(s.Ctx, tx, order.ID, domain.OrderStatusFulfilled, domain.OrderStatusConfirmed)
	s.Require().ErrorIs(err, repository.ErrStatusConflict)
}

func (s *SalesSuite) TestProcessedEventsIndexedByOrder() {
	var indexes int
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx,
		`SELECT COUNT(*) FROM pg_indexes WHERE tablename = 'processed_events' AND indexname = 'idx_processed_events_order_id'`,
	).Scan(&indexes))
	s.Require().Equal(1, indexes)
}
