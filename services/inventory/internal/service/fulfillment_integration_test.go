package service_test

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/wleicht/salesapi/pkg/events"
	"github.com/wleicht/salesapi/services/inventory/internal/domain"
)

func (s *InventorySuite) confirmedEvent(orderID uuid.UUID, correlationID string) (events.Envelope, events.OrderConfirmed) {
	payload := events.OrderConfirmed{
		OrderID:       orderID,
		CustomerID:    7,
		Status:        "confirmed",
		CreatedAt:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	env, err := events.New(events.TypeOrderConfirmed, orderID.String(), correlationID, payload)
	s.Require().NoError(err)
	return env, payload
}

func (s *InventorySuite) outboxEvents(eventType events.Type) []events.Envelope {
	rows, err := s.DbPool.Query(s.Ctx, `SELECT payload FROM outbox WHERE event_type = $1 ORDER BY id`, string(eventType))
	s.Require().NoError(err)
	defer rows.Close()

	var out []events.Envelope
	for rows.Next() {
		var raw []byte
		s.Require().NoError(rows.Scan(&raw))

		var env events.Envelope
		s.Require().NoError(json.Unmarshal(raw, &env))
		out = append(out, env)
	}
	s.Require().NoError(rows.Err())

	return out
}

// Stock 100, order of 15: available drops to 85 and the reservation ends Debited.
func (s *InventorySuite) TestOrderConfirmed_DebitsReservation() {
	productID := s.createProduct("scenario-a", 100)
	orderID := uuid.New()
	s.reserve(orderID, domain.ReserveItem{ProductID: productID, Quantity: 15})

	env, payload := s.confirmedEvent(orderID, "corr-a")
	applied, err := s.Fulfillment.HandleOrderConfirmed(s.Ctx, env, payload)
	s.Require().NoError(err)
	s.Require().True(applied)

	s.Require().EqualValues(85, s.available(productID))

	reservations, err := s.Reservations.ListByOrder(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().Equal(domain.StatusDebited, reservations[0].Status)

	feedback := s.outboxEvents(events.TypeStockDebited)
	s.Require().Len(feedback, 1)
	s.Require().Equal(events.DerivedID(env.EventID, events.TypeStockDebited), feedback[0].EventID)
	s.Require().Equal("corr-a", feedback[0].CorrelationID)

	var debited events.StockDebited
	s.Require().NoError(feedback[0].Decode(&debited))
	s.Require().True(debited.Success)
	s.Require().Equal("corr-a", debited.CorrelationID)
	s.Require().Len(debited.Items, 1)
	s.Require().Equal("scenario-a", debited.Items[0].Name)
	s.Require().EqualValues(15, debited.Items[0].QuantityDebited)
	s.Require().EqualValues(100, debited.Items[0].PreviousStock)
	s.Require().EqualValues(85, debited.Items[0].NewStock)
}

// The same confirmed event delivered twice debits once.
func (s *InventorySuite) TestOrderConfirmed_DuplicateDeliveryAppliedOnce() {
	productID := s.createProduct("scenario-d", 40)
	orderID := uuid.New()
	s.reserve(orderID, domain.ReserveItem{ProductID: productID, Quantity: 5})

	env, payload := s.confirmedEvent(orderID, "corr-d")

	applied, err := s.Fulfillment.HandleOrderConfirmed(s.Ctx, env, payload)
	s.Require().NoError(err)
	s.Require().True(applied)
	afterFirst := s.available(productID)

	applied, err = s.Fulfillment.HandleOrderConfirmed(s.Ctx, env, payload)
	s.Require().NoError(err)
	s.Require().False(applied)

	s.Require().Equal(afterFirst, s.available(productID))
	s.Require().Len(s.outboxEvents(events.TypeStockDebited), 1)

	var ledgerRows int
	err = s.DbPool.QueryRow(s.Ctx, `SELECT COUNT(*) FROM processed_events WHERE event_id = $1`, env.EventID).Scan(&ledgerRows)
	s.Require().NoError(err)
	s.Require().Equal(1, ledgerRows)
}

func (s *InventorySuite) TestOrderCancelled_ReleasesAndEmitsFeedback() {
	productID := s.createProduct("cancelled", 10)
	orderID := uuid.New()
	s.reserve(orderID, domain.ReserveItem{ProductID: productID, Quantity: 3})

	payload := events.OrderCancelled{OrderID: orderID, Reason: "payment declined", CorrelationID: "corr-c"}
	env, err := events.New(events.TypeOrderCancelled, orderID.String(), "corr-c", payload)
	s.Require().NoError(err)

	applied, err := s.Fulfillment.HandleOrderCancelled(s.Ctx, env, payload)
	s.Require().NoError(err)
	s.Require().True(applied)
	s.Require().EqualValues(10, s.available(productID))

	released := s.outboxEvents(events.TypeStockReleased)
	s.Require().Len(released, 1)

	var body events.StockReleased
	s.Require().NoError(released[0].Decode(&body))
	s.Require().Equal(orderID, body.OrderID)
	s.Require().Len(body.Items, 1)
}

func (s *InventorySuite) TestOrderCancelled_AlreadyCompensatedIsQuiet() {
	productID := s.createProduct("compensated", 10)
	orderID := uuid.New()
	s.reserve(orderID, domain.ReserveItem{ProductID: productID, Quantity: 3})

	_, err := s.Reservations.Release(s.Ctx, orderID)
	s.Require().NoError(err)

	payload := events.OrderCancelled{OrderID: orderID, Reason: "payment declined"}
	env, err := events.New(events.TypeOrderCancelled, orderID.String(), "corr", payload)
	s.Require().NoError(err)

	applied, err := s.Fulfillment.HandleOrderCancelled(s.Ctx, env, payload)
	s.Require().NoError(err)
	s.Require().True(applied)
	s.Require().EqualValues(10, s.available(productID))
	s.Require().Empty(s.outboxEvents(events.TypeStockReleased))
}

func (s *InventorySuite) TestProcessedEventsIndexedByOrder() {
	var indexes int
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx,
		`SELECT COUNT(*) FROM pg_indexes WHERE tablename = 'processed_events' AND indexname = 'idx_processed_events_order_id'`,
	).Scan(&indexes))
	s.Require().Equal(1, indexes)
}
