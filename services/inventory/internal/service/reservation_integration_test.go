package service_test

import (
	"sync"

	"github.com/google/uuid"
	"github.com/wleicht/salesapi/services/inventory/internal/domain"
	"github.com/wleicht/salesapi/services/inventory/internal/service"
)

func (s *InventorySuite) reserve(orderID uuid.UUID, items ...domain.ReserveItem) domain.ReservationResult {
	res, err := s.Reservations.Reserve(s.Ctx, domain.ReserveCommand{
		OrderID:       orderID,
		CorrelationID: "corr-" + orderID.String(),
		Items:         items,
	})
	s.Require().NoError(err)
	return res
}

func (s *InventorySuite) TestReserve_DecrementsAvailable() {
	productID := s.createProduct("vinyl", 100)
	orderID := uuid.New()

	res := s.reserve(orderID, domain.ReserveItem{ProductID: productID, Quantity: 15})
	s.Require().True(res.Success)
	s.Require().Len(res.Items, 1)
	s.Require().Equal(domain.ItemReserved, res.Items[0].Status)
	s.Require().EqualValues(85, res.Items[0].Available)
	s.Require().EqualValues(85, s.available(productID))

	reservations, err := s.Reservations.ListByOrder(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().Len(reservations, 1)
	s.Require().Equal(domain.StatusReserved, reservations[0].Status)
	s.Require().Equal("corr-"+orderID.String(), reservations[0].CorrelationID)
}

func (s *InventorySuite) TestReserve_ConcurrentOrdersNeverOversell() {
	productID := s.createProduct("limited", 20)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			res, err := s.Reservations.Reserve(s.Ctx, domain.ReserveCommand{
				OrderID: uuid.New(),
				Items:   []domain.ReserveItem{{ProductID: productID, Quantity: 6}},
			})
			s.NoError(err)
			if res.Success {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Require().LessOrEqual(success, 3)
	s.Require().EqualValues(20-6*success, s.available(productID))
}

func (s *InventorySuite) TestReserve_StressSumNeverExceedsStock() {
	const stock = 50
	productID := s.createProduct("stress", stock)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int64
	)
	for i := range 30 {
		wg.Add(1)
		go func(qty int32) {
			defer wg.Done()

			res, err := s.Reservations.Reserve(s.Ctx, domain.ReserveCommand{
				OrderID: uuid.New(),
				Items:   []domain.ReserveItem{{ProductID: productID, Quantity: qty}},
			})
			s.NoError(err)
			if res.Success {
				mu.Lock()
				reserved += int64(qty)
				mu.Unlock()
			}
		}(int32(i%5 + 1))
	}
	wg.Wait()

	s.Require().LessOrEqual(reserved, int64(stock))
	s.Require().EqualValues(stock-reserved, s.available(productID))

	var held int64
	err := s.DbPool.QueryRow(s.Ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM reservations WHERE product_id = $1 AND status = 'reserved'`,
		productID,
	).Scan(&held)
	s.Require().NoError(err)
	s.Require().Equal(reserved, held)
}

func (s *InventorySuite) TestReserve_AllOrNothing() {
	plenty := s.createProduct("plenty", 10)
	scarce := s.createProduct("scarce", 1)
	orderID := uuid.New()

	res := s.reserve(orderID,
		domain.ReserveItem{ProductID: plenty, Quantity: 3},
		domain.ReserveItem{ProductID: scarce, Quantity: 2},
	)
	s.Require().False(res.Success)
	s.Require().Len(res.Items, 2)

	byProduct := map[int64]domain.ItemResult{}
	for _, item := range res.Items {
		byProduct[item.ProductID] = item
	}
	s.Require().Equal(domain.ItemRolledBack, byProduct[plenty].Status)
	s.Require().Equal(domain.ItemInsufficientStock, byProduct[scarce].Status)
	s.Require().Contains(res.FailureReason(), "insufficient stock")

	s.Require().EqualValues(10, s.available(plenty))
	s.Require().EqualValues(1, s.available(scarce))

	reservations, err := s.Reservations.ListByOrder(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().Empty(reservations)
}

func (s *InventorySuite) TestReserve_UnknownProduct() {
	res := s.reserve(uuid.New(), domain.ReserveItem{ProductID: 999999, Quantity: 1})
	s.Require().False(res.Success)
	s.Require().Equal(domain.ItemProductNotFound, res.Items[0].Status)
}

func (s *InventorySuite) TestReserve_RejectsInvalidCommand() {
	_, err := s.Reservations.Reserve(s.Ctx, domain.ReserveCommand{
		OrderID: uuid.New(),
		Items:   []domain.ReserveItem{{ProductID: 1, Quantity: 0}},
	})
	s.Require().ErrorIs(err, service.ErrInvalidReservation)

	_, err = s.Reservations.Reserve(s.Ctx, domain.ReserveCommand{OrderID: uuid.New()})
	s.Require().ErrorIs(err, service.ErrInvalidReservation)
}

func (s *InventorySuite) TestReserve_ReplayReturnsExistingReservation() {
	productID := s.createProduct("replay", 10)
	orderID := uuid.New()

	first := s.reserve(orderID, domain.ReserveItem{ProductID: productID, Quantity: 4})
	second := s.reserve(orderID, domain.ReserveItem{ProductID: productID, Quantity: 4})

	s.Require().True(first.Success)
	s.Require().True(second.Success)
	s.Require().EqualValues(6, s.available(productID))
}

func (s *InventorySuite) TestReserve_ResolvedOrderIsRefused() {
	productID := s.createProduct("resolved", 10)
	orderID := uuid.New()

	s.reserve(orderID, domain.ReserveItem{ProductID: productID, Quantity: 4})
	_, err := s.Reservations.Release(s.Ctx, orderID)
	s.Require().NoError(err)

	_, err = s.Reservations.Reserve(s.Ctx, domain.ReserveCommand{
		OrderID: orderID,
		Items:   []domain.ReserveItem{{ProductID: productID, Quantity: 4}},
	})
	s.Require().ErrorIs(err, service.ErrOrderAlreadyResolved)
	s.Require().EqualValues(10, s.available(productID))
}

func (s *InventorySuite) TestRelease_RestoresStockOnce() {
	productID := s.createProduct("release", 30)
	orderID := uuid.New()
	s.reserve(orderID, domain.ReserveItem{ProductID: productID, Quantity: 12})

	first, err := s.Reservations.Release(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().Len(first.Items, 1)
	s.Require().EqualValues(30, s.available(productID))

	second, err := s.Reservations.Release(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().Empty(second.Items)
	s.Require().EqualValues(30, s.available(productID))

	reservations, err := s.Reservations.ListByOrder(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().Equal(domain.StatusReleased, reservations[0].Status)
	s.Require().NotNil(reservations[0].ProcessedAt)
}

func (s *InventorySuite) TestRelease_UnknownOrderIsNoop() {
	res, err := s.Reservations.Release(s.Ctx, uuid.New())
	s.Require().NoError(err)
	s.Require().Empty(res.Items)
}

func (s *InventorySuite) TestDebit_TerminalStatusNeverMoves() {
	productID := s.createProduct("monotonic", 10)
	orderID := uuid.New()
	s.reserve(orderID, domain.ReserveItem{ProductID: productID, Quantity: 2})

	debit, err := s.Reservations.Debit(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().True(debit.AllSuccessful)

	released, err := s.Reservations.Release(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().Empty(released.Items)
	s.Require().EqualValues(8, s.available(productID))

	reservations, err := s.Reservations.ListByOrder(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().Equal(domain.StatusDebited, reservations[0].Status)

	_, err = s.DbPool.Exec(s.Ctx, `UPDATE reservations SET status = 'released' WHERE order_id = $1`, orderID)
	s.Require().Error(err)

	again, err := s.Reservations.Debit(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().True(again.AllSuccessful)
	s.Require().EqualValues(8, s.available(productID))
}

func (s *InventorySuite) TestDebit_ReleasedOrderReportsFailure() {
	productID := s.createProduct("debit-released", 10)
	orderID := uuid.New()
	s.reserve(orderID, domain.ReserveItem{ProductID: productID, Quantity: 2})

	_, err := s.Reservations.Release(s.Ctx, orderID)
	s.Require().NoError(err)

	debit, err := s.Reservations.Debit(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().False(debit.AllSuccessful)
	s.Require().NotEmpty(debit.Error)
}

func (s *InventorySuite) TestDebit_NoReservations() {
	debit, err := s.Reservations.Debit(s.Ctx, uuid.New())
	s.Require().NoError(err)
	s.Require().False(debit.AllSuccessful)
	s.Require().Contains(debit.Error, "no reservations")
}
