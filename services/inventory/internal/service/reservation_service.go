package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wleicht/salesapi/pkg/config"
	"github.com/wleicht/salesapi/pkg/db"
	"github.com/wleicht/salesapi/pkg/metrics"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/services/inventory/internal/domain"
	"github.com/wleicht/salesapi/services/inventory/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ReservationService is the only writer of reservation rows and of products.available.
type ReservationService interface {
	// Reserve holds stock for every item of the order or for none of them.
	// A rejected reservation is reported through the result, not as an error.
	Reserve(ctx context.Context, cmd domain.ReserveCommand) (domain.ReservationResult, error)
	Release(ctx context.Context, orderID uuid.UUID) (domain.ReleaseResult, error)
	ReleaseTx(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (domain.ReleaseResult, error)
	Debit(ctx context.Context, orderID uuid.UUID) (domain.DebitResult, error)
	DebitTx(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (domain.DebitResult, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error)
}

type reservationService struct {
	pool            db.TxBeginner
	querier         repository.Querier
	productRepo     repository.ProductRepository
	reservationRepo repository.ReservationRepository
	validate        *validator.Validate
	cfg             config.Reservation
	metrics         *metrics.SagaMetrics
	tracer          trace.Tracer
	logger          *zap.Logger
}

type Pool interface {
	db.TxBeginner
	repository.Querier
}

func NewReservationService(
	pool Pool,
	productRepo repository.ProductRepository,
	reservationRepo repository.ReservationRepository,
	validate *validator.Validate,
	cfg config.Reservation,
	m *metrics.SagaMetrics,
	logger *zap.Logger,
) ReservationService {
	if cfg.VersionRetries <= 0 {
		cfg.VersionRetries = 5
	}

	return &reservationService{
		pool:            pool,
		querier:         pool,
		productRepo:     productRepo,
		reservationRepo: reservationRepo,
		validate:        validate,
		cfg:             cfg,
		metrics:         m,
		tracer:          otel.Tracer("inventory/reservation_service"),
		logger:          logger,
	}
}

func (s *reservationService) Reserve(ctx context.Context, cmd domain.ReserveCommand) (domain.ReservationResult, error) {
	ctx, span := s.tracer.Start(ctx, "ReservationService.Reserve")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", cmd.OrderID.String()),
		attribute.Int("items", len(cmd.Items)),
	)

	if err := s.validate.StructCtx(ctx, cmd); err != nil {
		return domain.ReservationResult{}, fmt.Errorf("%w: %w", ErrInvalidReservation, err)
	}

	items, err := mergeItems(cmd.Items)
	if err != nil {
		return domain.ReservationResult{}, err
	}

	var result domain.ReservationResult
	err = db.Retry(ctx, s.cfg.TransientRetries, func() error {
		var err error
		result, err = s.reserveOnce(ctx, cmd, items)
		return err
	})

	switch {
	case errors.Is(err, errReservationRejected):
		s.metrics.IncReservation("rejected")
		mylogger.Info(ctx, s.logger, "Reservation rejected",
			zap.String("order_id", cmd.OrderID.String()),
			zap.String("reason", result.FailureReason()),
		)
		return result, nil
	case err != nil:
		s.metrics.IncReservation("error")
		span.RecordError(err)
		mylogger.Error(ctx, s.logger, "Reservation failed",
			zap.String("order_id", cmd.OrderID.String()),
			zap.Error(err),
		)
		return domain.ReservationResult{}, err
	}

	s.metrics.IncReservation("reserved")
	mylogger.Info(ctx, s.logger, "Stock reserved",
		zap.String("order_id", cmd.OrderID.String()),
		zap.Int("items", len(result.Items)),
	)

	return result, nil
}

func (s *reservationService) reserveOnce(ctx context.Context, cmd domain.ReserveCommand, items []domain.ReserveItem) (domain.ReservationResult, error) {
	var result domain.ReservationResult

	err := db.InTx(ctx, s.pool, s.logger, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.reservationRepo.LockOrder(ctx, tx, cmd.OrderID); err != nil {
			return err
		}

		existing, err := s.reservationRepo.ListByOrder(ctx, tx, cmd.OrderID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			result, err = s.replay(ctx, tx, existing)
			return err
		}

		result.Items = make([]domain.ItemResult, 0, len(items))
		rejected := false
		for _, item := range items {
			res, err := s.reserveItem(ctx, tx, cmd, item)
			if err != nil {
				return err
			}
			if res.Status != domain.ItemReserved {
				rejected = true
			}
			result.Items = append(result.Items, res)
		}

		if rejected {
			for i := range result.Items {
				if result.Items[i].Status == domain.ItemReserved {
					result.Items[i].Status = domain.ItemRolledBack
					result.Items[i].Reason = "rolled back because another item could not be reserved"
				}
			}
			return errReservationRejected
		}

		result.Success = true
		return nil
	})

	return result, err
}

// reserveItem retries the version check while other writers move the row, up to the configured budget.
func (s *reservationService) reserveItem(ctx context.Context, tx pgx.Tx, cmd domain.ReserveCommand, item domain.ReserveItem) (domain.ItemResult, error) {
	res := domain.ItemResult{ProductID: item.ProductID, Requested: item.Quantity}

	for attempt := 0; attempt < s.cfg.VersionRetries; attempt++ {
		stock, err := s.productRepo.GetStock(ctx, tx, item.ProductID)
		if errors.Is(err, repository.ErrProductNotFound) {
			res.Status = domain.ItemProductNotFound
			res.Reason = fmt.Sprintf("product %d not found", item.ProductID)
			return res, nil
		}
		if err != nil {
			return res, err
		}

		res.Available = stock.Available
		if stock.Available < int64(item.Quantity) {
			res.Status = domain.ItemInsufficientStock
			res.Reason = fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
				item.ProductID, item.Quantity, stock.Available)
			return res, nil
		}

		updated, ok, err := s.productRepo.CompareAndAdjust(ctx, tx, item.ProductID, stock.Version, -int64(item.Quantity))
		if err != nil {
			return res, err
		}
		if !ok {
			mylogger.Debug(ctx, s.logger, "Stock version moved, re-reading",
				zap.Int64("product_id", item.ProductID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}

		if err := s.reservationRepo.Insert(ctx, tx, &domain.Reservation{
			ID:            uuid.New(),
			OrderID:       cmd.OrderID,
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			Status:        domain.StatusReserved,
			CorrelationID: cmd.CorrelationID,
		}); err != nil {
			return res, err
		}

		res.Available = updated.Available
		res.Status = domain.ItemReserved
		return res, nil
	}

	return res, fmt.Errorf("%w: product %d", ErrConcurrencyConflict, item.ProductID)
}

// replay answers a repeated Reserve for the same order from the stored rows.
func (s *reservationService) replay(ctx context.Context, tx pgx.Tx, existing []domain.Reservation) (domain.ReservationResult, error) {
	result := domain.ReservationResult{Success: true, Items: make([]domain.ItemResult, 0, len(existing))}

	for _, rsv := range existing {
		if rsv.Status.IsTerminal() {
			return domain.ReservationResult{}, fmt.Errorf("%w: order %s is %s", ErrOrderAlreadyResolved, rsv.OrderID, rsv.Status)
		}

		stock, err := s.productRepo.GetStock(ctx, tx, rsv.ProductID)
		if err != nil {
			return domain.ReservationResult{}, err
		}

		result.Items = append(result.Items, domain.ItemResult{
			ProductID: rsv.ProductID,
			Requested: rsv.Quantity,
			Available: stock.Available,
			Status:    domain.ItemReserved,
		})
	}

	mylogger.Info(ctx, s.logger, "Reservation replayed", zap.String("order_id", existing[0].OrderID.String()))

	return result, nil
}

func (s *reservationService) Release(ctx context.Context, orderID uuid.UUID) (domain.ReleaseResult, error) {
	var result domain.ReleaseResult

	err := db.Retry(ctx, s.cfg.TransientRetries, func() error {
		return db.InTx(ctx, s.pool, s.logger, func(ctx context.Context, tx pgx.Tx) error {
			var err error
			result, err = s.ReleaseTx(ctx, tx, orderID)
			return err
		})
	})
	if err != nil {
		return domain.ReleaseResult{}, err
	}

	return result, nil
}

// ReleaseTx returns stock for every Reserved row of the order. Terminal rows are left alone.
func (s *reservationService) ReleaseTx(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (domain.ReleaseResult, error) {
	ctx, span := s.tracer.Start(ctx, "ReservationService.Release")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", orderID.String()))

	if err := s.reservationRepo.LockOrder(ctx, tx, orderID); err != nil {
		return domain.ReleaseResult{}, err
	}

	reservations, err := s.reservationRepo.ListByOrder(ctx, tx, orderID)
	if err != nil {
		return domain.ReleaseResult{}, err
	}

	var result domain.ReleaseResult
	for _, rsv := range reservations {
		if rsv.Status != domain.StatusReserved {
			continue
		}

		moved, err := s.reservationRepo.Transition(ctx, tx, rsv.ID, domain.StatusReleased)
		if err != nil {
			return domain.ReleaseResult{}, err
		}
		if !moved {
			continue
		}

		if err := s.productRepo.Restock(ctx, tx, rsv.ProductID, int64(rsv.Quantity)); err != nil {
			return domain.ReleaseResult{}, err
		}

		rsv.Status = domain.StatusReleased
		result.Items = append(result.Items, rsv)
	}

	if len(result.Items) == 0 {
		mylogger.Info(ctx, s.logger, "Nothing to release",
			zap.String("order_id", orderID.String()),
			zap.Int("reservations", len(reservations)),
		)
		return result, nil
	}

	mylogger.Info(ctx, s.logger, "Reservations released",
		zap.String("order_id", orderID.String()),
		zap.Int("released", len(result.Items)),
	)

	return result, nil
}

func (s *reservationService) Debit(ctx context.Context, orderID uuid.UUID) (domain.DebitResult, error) {
	var result domain.DebitResult

	err := db.Retry(ctx, s.cfg.TransientRetries, func() error {
		return db.InTx(ctx, s.pool, s.logger, func(ctx context.Context, tx pgx.Tx) error {
			var err error
			result, err = s.DebitTx(ctx, tx, orderID)
			return err
		})
	})
	if err != nil {
		return domain.DebitResult{}, err
	}

	return result, nil
}

// DebitTx finalizes Reserved rows as Debited. Available stock is not touched again;
// the snapshots report on-hand stock, which is available plus everything still held.
func (s *reservationService) DebitTx(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (domain.DebitResult, error) {
	ctx, span := s.tracer.Start(ctx, "ReservationService.Debit")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", orderID.String()))

	if err := s.reservationRepo.LockOrder(ctx, tx, orderID); err != nil {
		return domain.DebitResult{}, err
	}

	reservations, err := s.reservationRepo.ListByOrder(ctx, tx, orderID)
	if err != nil {
		return domain.DebitResult{}, err
	}

	if len(reservations) == 0 {
		mylogger.Warn(ctx, s.logger, "No reservations to debit", zap.String("order_id", orderID.String()))
		return domain.DebitResult{Error: fmt.Sprintf("no reservations found for order %s", orderID)}, nil
	}

	result := domain.DebitResult{AllSuccessful: true, Items: make([]domain.DebitItem, 0, len(reservations))}
	for _, rsv := range reservations {
		item, err := s.debitOne(ctx, tx, rsv)
		if err != nil {
			return domain.DebitResult{}, err
		}
		if !item.Success {
			result.AllSuccessful = false
			if result.Error == "" {
				result.Error = item.Error
			}
		}
		result.Items = append(result.Items, item)
	}

	mylogger.Info(ctx, s.logger, "Reservations debited",
		zap.String("order_id", orderID.String()),
		zap.Bool("all_successful", result.AllSuccessful),
	)

	return result, nil
}

func (s *reservationService) debitOne(ctx context.Context, tx pgx.Tx, rsv domain.Reservation) (domain.DebitItem, error) {
	item := domain.DebitItem{ProductID: rsv.ProductID, QuantityDebited: rsv.Quantity}

	stock, err := s.productRepo.GetStock(ctx, tx, rsv.ProductID)
	if err != nil {
		return item, err
	}
	held, err := s.reservationRepo.ReservedQuantity(ctx, tx, rsv.ProductID)
	if err != nil {
		return item, err
	}

	item.Name = stock.Name
	onHand := stock.Available + held

	switch rsv.Status {
	case domain.StatusDebited:
		item.PreviousStock = onHand
		item.NewStock = onHand
		item.Success = true
		return item, nil
	case domain.StatusReleased:
		item.PreviousStock = onHand
		item.NewStock = onHand
		item.Error = fmt.Sprintf("reservation for product %d was already released", rsv.ProductID)
		return item, nil
	}

	moved, err := s.reservationRepo.Transition(ctx, tx, rsv.ID, domain.StatusDebited)
	if err != nil {
		return item, err
	}
	if !moved {
		item.PreviousStock = onHand
		item.NewStock = onHand
		item.Error = fmt.Sprintf("reservation for product %d changed during debit", rsv.ProductID)
		return item, nil
	}

	item.PreviousStock = onHand
	item.NewStock = onHand - int64(rsv.Quantity)
	item.Success = true

	return item, nil
}

func (s *reservationService) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error) {
	return s.reservationRepo.ListByOrder(ctx, s.querier, orderID)
}

// mergeItems folds repeated product ids together and sorts by product id,
// so concurrent multi-item reservations always lock rows in the same order.
func mergeItems(items []domain.ReserveItem) ([]domain.ReserveItem, error) {
	byProduct := make(map[int64]int64, len(items))
	for _, item := range items {
		byProduct[item.ProductID] += int64(item.Quantity)
		if byProduct[item.ProductID] > math.MaxInt32 {
			return nil, fmt.Errorf("%w: total quantity for product %d exceeds %d", ErrInvalidReservation, item.ProductID, math.MaxInt32)
		}
	}

	merged := make([]domain.ReserveItem, 0, len(byProduct))
	for id, qty := range byProduct {
		merged = append(merged, domain.ReserveItem{ProductID: id, Quantity: int32(qty)})
	}
	slices.SortFunc(merged, func(a, b domain.ReserveItem) int {
		switch {
		case a.ProductID < b.ProductID:
			return -1
		case a.ProductID > b.ProductID:
			return 1
		}
		return 0
	})

	return merged, nil
}
