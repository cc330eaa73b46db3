package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/wleicht/salesapi/pkg/config"
	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/events"
	"github.com/wleicht/salesapi/pkg/utils"
	"github.com/wleicht/salesapi/services/sales/internal/domain"
	"github.com/wleicht/salesapi/services/sales/internal/repository"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeTx struct {
	pgx.Tx
	committed bool
	commitErr error
}

func (t *fakeTx) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error { return pgx.ErrTxClosed }

type fakePool struct {
	commitErr error
}

func (p fakePool) Begin(context.Context) (pgx.Tx, error) { return &fakeTx{commitErr: p.commitErr}, nil }
func (fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}
func (fakePool) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

type fakeOrders struct {
	repository.OrderRepository

	mu        sync.Mutex
	created   []*domain.Order
	createErr error
	lookupErr error
}

func (f *fakeOrders) CreateOrder(_ context.Context, _ pgx.Tx, order *domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, order)
	return nil
}

func (f *fakeOrders) GetByID(_ context.Context, _ repository.Querier, id uuid.UUID) (*domain.Order, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	for _, o := range f.created {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

type fakeInventory struct {
	mu          sync.Mutex
	outcome     domain.ReservationOutcome
	reserveErr  error
	releaseErr  error
	reserved    []uuid.UUID
	released    []uuid.UUID
	reserveCorr string
}

func (f *fakeInventory) Reserve(ctx context.Context, orderID uuid.UUID, _ []domain.OrderLine) (domain.ReservationOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reserved = append(f.reserved, orderID)
	f.reserveCorr = correlation.FromContext(ctx)
	return f.outcome, f.reserveErr
}

func (f *fakeInventory) Release(_ context.Context, orderID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.released = append(f.released, orderID)
	if f.releaseErr != nil {
		return 0, f.releaseErr
	}
	return 1, nil
}

type fakeCatalog map[int64]domain.CatalogProduct

func (c fakeCatalog) GetProduct(_ context.Context, id int64) (domain.CatalogProduct, error) {
	p, ok := c[id]
	if !ok {
		return domain.CatalogProduct{}, fmt.Errorf("%w: %d", ErrProductNotFound, id)
	}
	return p, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Envelope
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, env)
	return nil
}

func (p *recordingPublisher) ofType(t events.Type) []events.Envelope {
	var out []events.Envelope
	for _, env := range p.events {
		if env.Event == t {
			out = append(out, env)
		}
	}
	return out
}

type coordinatorFixture struct {
	pool      fakePool
	orders    *fakeOrders
	inventory *fakeInventory
	publisher *recordingPublisher
	payment   config.Payment
	logs      *observer.ObservedLogs
}

func newFixture() *coordinatorFixture {
	return &coordinatorFixture{
		orders:    &fakeOrders{},
		inventory: &fakeInventory{outcome: domain.ReservationOutcome{Success: true}},
		publisher: &recordingPublisher{},
		payment:   testPaymentConfig(),
	}
}

func (f *coordinatorFixture) build() OrderCoordinator {
	core, logs := observer.New(zapcore.InfoLevel)
	f.logs = logs
	logger := zap.New(core)

	catalog := fakeCatalog{
		1: {ID: 1, Name: "vinyl", Price: 2500},
		2: {ID: 2, Name: "sleeve", Price: 300},
		9: {ID: 9, Name: "turntable", Price: 900_000},
	}

	return NewOrderCoordinator(
		f.pool,
		f.orders,
		f.inventory,
		catalog,
		NewPaymentSimulator(f.payment, logger),
		f.publisher,
		utils.NewValidator(),
		config.Reservation{},
		nil,
		logger,
	)
}

func TestCreateOrder_Confirmed(t *testing.T) {
	f := newFixture()
	c := f.build()

	ctx := correlation.WithID(context.Background(), "corr-happy")
	order, err := c.CreateOrder(ctx, domain.PlaceOrder{
		CustomerID: 7,
		Items: []domain.OrderLine{
			{ProductID: 1, Quantity: 2},
			{ProductID: 2, Quantity: 1},
			{ProductID: 1, Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, order.Status)
	require.EqualValues(t, 3*2500+300, order.Total)
	require.Equal(t, "corr-happy", order.CorrelationID)
	require.Len(t, order.Items, 2)
	require.Equal(t, "vinyl", order.Items[0].Name)
	require.EqualValues(t, 3, order.Items[0].Quantity)

	require.Len(t, f.orders.created, 1)
	require.Empty(t, f.inventory.released)
	require.Equal(t, "corr-happy", f.inventory.reserveCorr)

	confirmed := f.publisher.ofType(events.TypeOrderConfirmed)
	require.Len(t, confirmed, 1)
	require.Equal(t, "corr-happy", confirmed[0].CorrelationID)
	require.Equal(t, order.ID.String(), confirmed[0].AggregateID)

	var payload events.OrderConfirmed
	require.NoError(t, confirmed[0].Decode(&payload))
	require.Equal(t, order.ID, payload.OrderID)
	require.Equal(t, "corr-happy", payload.CorrelationID)
	require.EqualValues(t, order.Total, payload.Total)
	require.Len(t, payload.Items, 2)
}

func TestCreateOrder_ValidationHasNoSideEffects(t *testing.T) {
	f := newFixture()
	c := f.build()

	_, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 1, Quantity: 0}},
	})

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Contains(t, validation.Fields, "items[0].quantity")

	_, err = c.CreateOrder(context.Background(), domain.PlaceOrder{})
	require.ErrorAs(t, err, &validation)
	require.Contains(t, validation.Fields, "customer_id")
	require.Contains(t, validation.Fields, "items")

	require.Empty(t, f.inventory.reserved)
	require.Empty(t, f.publisher.events)
}

func TestCreateOrder_ReservationRejected(t *testing.T) {
	f := newFixture()
	f.inventory.outcome = domain.ReservationOutcome{Reason: "insufficient stock for product 1: requested 30, available 20"}
	c := f.build()

	_, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 1, Quantity: 30}},
	})
	require.ErrorIs(t, err, ErrUnprocessable)
	require.Contains(t, err.Error(), "insufficient stock")

	require.Empty(t, f.orders.created)
	require.Empty(t, f.inventory.released)
	require.Empty(t, f.publisher.events)
}

func TestCreateOrder_InventoryUnavailable(t *testing.T) {
	f := newFixture()
	f.inventory.reserveErr = fmt.Errorf("%w: connection refused", ErrTemporarilyUnavailable)
	c := f.build()

	_, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 1, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrTemporarilyUnavailable)
	require.NotErrorIs(t, err, ErrUnprocessable)

	require.Len(t, f.inventory.released, 1)
	require.Len(t, f.publisher.ofType(events.TypeOrderCancelled), 1)
	require.Empty(t, f.orders.created)
}

func TestCreateOrder_UnknownCatalogProductCompensates(t *testing.T) {
	f := newFixture()
	c := f.build()

	_, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 1, Quantity: 1}, {ProductID: 42, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrUnprocessable)
	require.Contains(t, err.Error(), "product not found")

	require.Len(t, f.inventory.released, 1)
	cancelled := f.publisher.ofType(events.TypeOrderCancelled)
	require.Len(t, cancelled, 1)

	var payload events.OrderCancelled
	require.NoError(t, cancelled[0].Decode(&payload))
	require.Len(t, payload.Items, 2)
	require.Equal(t, "catalog lookup failed", payload.Reason)
}

func TestCreateOrder_PaymentDeclinedReleasesStock(t *testing.T) {
	f := newFixture()
	f.payment.TopRate = 0
	c := f.build()

	ctx := correlation.WithID(context.Background(), "corr-declined")
	_, err := c.CreateOrder(ctx, domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 9, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrUnprocessable)
	require.Contains(t, err.Error(), "payment declined")

	require.Empty(t, f.orders.created)
	require.Len(t, f.inventory.released, 1)
	require.Equal(t, f.inventory.reserved[0], f.inventory.released[0])

	cancelled := f.publisher.ofType(events.TypeOrderCancelled)
	require.Len(t, cancelled, 1)
	require.Equal(t, "corr-declined", cancelled[0].CorrelationID)

	var payload events.OrderCancelled
	require.NoError(t, cancelled[0].Decode(&payload))
	require.Equal(t, f.inventory.reserved[0], payload.OrderID)
	require.Contains(t, payload.Reason, "payment declined")
	require.Equal(t, "turntable", payload.Items[0].Name)
	require.False(t, payload.CreatedAt.IsZero())
	require.False(t, payload.CreatedAt.After(payload.CancelledAt))
	require.Empty(t, f.publisher.ofType(events.TypeOrderConfirmed))
}

func TestCreateOrder_PersistFailureIsInternal(t *testing.T) {
	f := newFixture()
	f.orders.createErr = errors.New("disk full")
	c := f.build()

	_, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 1, Quantity: 1}},
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnprocessable)
	require.NotErrorIs(t, err, ErrTemporarilyUnavailable)

	require.Len(t, f.inventory.released, 1)
	require.Len(t, f.publisher.ofType(events.TypeOrderCancelled), 1)
}

func TestCreateOrder_PublishFailureKeepsOrder(t *testing.T) {
	f := newFixture()
	f.publisher.err = errors.New("broker down")
	c := f.build()

	order, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 1, Quantity: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, order.Status)
	require.Len(t, f.orders.created, 1)
	require.Empty(t, f.inventory.released)

	logged := f.logs.FilterMessageSnippet("reconcile manually").All()
	require.Len(t, logged, 1)
	require.Equal(t, zapcore.ErrorLevel, logged[0].Level)
}

func TestCreateOrder_FailedCompensationIsLogged(t *testing.T) {
	f := newFixture()
	f.payment.TopRate = 0
	f.inventory.releaseErr = errors.New("inventory down")
	f.publisher.err = errors.New("broker down")
	c := f.build()

	_, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 9, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrUnprocessable)

	require.Equal(t, 1, f.logs.FilterMessageSnippet("Compensation failed").Len())
}

func TestCreateOrder_GeneratesCorrelationID(t *testing.T) {
	f := newFixture()
	c := f.build()

	order, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 2, Quantity: 1}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, order.CorrelationID)
	require.Equal(t, order.CorrelationID, f.publisher.events[0].CorrelationID)
}

func TestGetOrder(t *testing.T) {
	f := newFixture()
	c := f.build()

	order, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 2, Quantity: 1}},
	})
	require.NoError(t, err)

	got, err := c.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, order.ID, got.ID)

	_, err = c.GetOrder(context.Background(), uuid.New())
	require.ErrorIs(t, err, repository.ErrOrderNotFound)
}

func TestMergeLines(t *testing.T) {
	merged, err := mergeLines([]domain.OrderLine{
		{ProductID: 3, Quantity: 1},
		{ProductID: 1, Quantity: 2},
		{ProductID: 3, Quantity: 4},
	})
	require.NoError(t, err)
	require.Equal(t, []domain.OrderLine{
		{ProductID: 3, Quantity: 5},
		{ProductID: 1, Quantity: 2},
	}, merged)

	merged, err = mergeLines([]domain.OrderLine{
		{ProductID: 1, Quantity: math.MaxInt32 - 1},
		{ProductID: 1, Quantity: 1},
	})
	require.NoError(t, err)
	require.Equal(t, []domain.OrderLine{{ProductID: 1, Quantity: math.MaxInt32}}, merged)

	_, err = mergeLines([]domain.OrderLine{
		{ProductID: 1, Quantity: 1_500_000_000},
		{ProductID: 1, Quantity: 1_500_000_000},
		{ProductID: 1, Quantity: 1_500_000_000},
	})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Contains(t, validation.Fields, "items[1].quantity")
}

func TestCreateOrder_QuantityOverflowIsRejectedBeforeReserve(t *testing.T) {
	f := newFixture()
	c := f.build()

	_, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items: []domain.OrderLine{
			{ProductID: 1, Quantity: 1_500_000_000},
			{ProductID: 1, Quantity: 1_500_000_000},
		},
	})

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Empty(t, f.inventory.reserved)
	require.Empty(t, f.publisher.events)
}

func TestCreateOrder_CommitErrorWithStoredOrderKeepsReservation(t *testing.T) {
	f := newFixture()
	f.pool = fakePool{commitErr: errors.New("conn closed during commit")}
	c := f.build()

	order, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 1, Quantity: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, order.Status)

	require.Len(t, f.orders.created, 1)
	require.Empty(t, f.inventory.released)
	require.Empty(t, f.publisher.ofType(events.TypeOrderCancelled))
	require.Len(t, f.publisher.ofType(events.TypeOrderConfirmed), 1)
	require.Equal(t, 1, f.logs.FilterMessage("Order was stored despite persist error").Len())
}

func TestCreateOrder_CommitErrorWithFailedLookupKeepsReservation(t *testing.T) {
	f := newFixture()
	f.pool = fakePool{commitErr: errors.New("conn closed during commit")}
	f.orders.lookupErr = errors.New("connection refused")
	c := f.build()

	_, err := c.CreateOrder(context.Background(), domain.PlaceOrder{
		CustomerID: 7,
		Items:      []domain.OrderLine{{ProductID: 1, Quantity: 1}},
	})
	require.ErrorIs(t, err, errCommitUnknown)
	require.NotErrorIs(t, err, ErrUnprocessable)

	require.Empty(t, f.inventory.released)
	require.Empty(t, f.publisher.events)
	require.Equal(t, 1, f.logs.FilterMessage("Order outcome unknown, stock stays reserved until reconciled").Len())
}
