package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/wleicht/salesapi/pkg/config"
	"github.com/wleicht/salesapi/pkg/events"
	"github.com/wleicht/salesapi/pkg/idempotency"
	outboxPublisher "github.com/wleicht/salesapi/pkg/outbox/publisher"
	outbox "github.com/wleicht/salesapi/pkg/outbox/repository"
	"github.com/wleicht/salesapi/pkg/testsuite"
	"github.com/wleicht/salesapi/pkg/utils"
	"github.com/wleicht/salesapi/services/sales/internal/domain"
	"github.com/wleicht/salesapi/services/sales/internal/repository"
	"github.com/wleicht/salesapi/services/sales/internal/service"
)

type stubInventory struct {
	mu       sync.Mutex
	released []uuid.UUID
}

func (s *stubInventory) Reserve(context.Context, uuid.UUID, []domain.OrderLine) (domain.ReservationOutcome, error) {
	return domain.ReservationOutcome{Success: true}, nil
}

func (s *stubInventory) Release(_ context.Context, orderID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.released = append(s.released, orderID)
	return 1, nil
}

type stubCatalog struct{}

func (stubCatalog) GetProduct(_ context.Context, id int64) (domain.CatalogProduct, error) {
	return domain.CatalogProduct{ID: id, Name: "product", Price: 5000}, nil
}

type SalesSuite struct {
	testsuite.BaseSuite

	Orders      repository.OrderRepository
	Inventory   *stubInventory
	Payment     config.Payment
	Fulfillment service.OrderFulfillment
}

func (s *SalesSuite) SetupSuite() {
	s.SetupInfrastructure("../../migrations")

	s.Orders = repository.NewOrderRepository(s.Logger)
	s.Fulfillment = service.NewOrderFulfillment(idempotency.NewLedger(s.DbPool, s.Logger), s.Orders, nil, s.Logger)
}

func (s *SalesSuite) TearDownSuite() {
	s.TearDownInfrastructure()
}

func (s *SalesSuite) SetupTest() {
	s.TruncateTable("order_items", "orders", "processed_events", "outbox")

	s.Inventory = &stubInventory{}
	s.Payment = config.Payment{
		LowThreshold:  10_000,
		MidThreshold:  100_000,
		HighThreshold: 500_000,
		MidRate:       0.95,
		HighRate:      0.85,
		TopRate:       0.30,
	}
}

func (s *SalesSuite) coordinator() service.OrderCoordinator {
	return service.NewOrderCoordinator(
		s.DbPool,
		s.Orders,
		s.Inventory,
		stubCatalog{},
		service.NewPaymentSimulator(s.Payment, s.Logger),
		outboxPublisher.New(s.DbPool, outbox.NewOutboxRepository(s.Logger), "order", s.Logger),
		utils.NewValidator(),
		config.Reservation{TransientRetries: 2},
		nil,
		s.Logger,
	)
}

func (s *SalesSuite) outboxEvents(eventType events.Type) []events.Envelope {
	rows, err := s.DbPool.Query(s.Ctx, `SELECT payload FROM outbox WHERE event_type = $1 ORDER BY id`, string(eventType))
	s.Require().NoError(err)
	defer rows.Close()

	var out []events.Envelope
	for rows.Next() {
		var raw []byte
		s.Require().NoError(rows.Scan(&raw))

		env, err := events.Parse(raw)
		s.Require().NoError(err)
		out = append(out, env)
	}
	s.Require().NoError(rows.Err())

	return out
}

func TestSalesSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	suite.Run(t, new(SalesSuite))
}
