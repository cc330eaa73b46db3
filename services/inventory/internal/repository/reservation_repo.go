package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wleicht/salesapi/services/inventory/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ReservationRepository interface {
	// LockOrder serializes work on one order until tx ends.
	LockOrder(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) error
	ListByOrder(ctx context.Context, q Querier, orderID uuid.UUID) ([]domain.Reservation, error)
	Insert(ctx context.Context, tx pgx.Tx, reservation *domain.Reservation) error
	// Transition moves a Reserved row to next. It reports false when the row is no longer Reserved.
	Transition(ctx context.Context, tx pgx.Tx, id uuid.UUID, next domain.ReservationStatus) (bool, error)
	ReservedQuantity(ctx context.Context, tx pgx.Tx, productID int64) (int64, error)
}

type reservationRepo struct {
	tracer trace.Tracer
	logger *zap.Logger
}

func NewReservationRepository(logger *zap.Logger) ReservationRepository {
	return &reservationRepo{
		logger: logger,
		tracer: otel.Tracer("inventory/reservation_repo"),
	}
}

func (r *reservationRepo) LockOrder(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.LockOrder")
	defer span.End()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, orderID.String()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("error locking order %s: %w", orderID, err)
	}

	return nil
}

func (r *reservationRepo) ListByOrder(ctx context.Context, q Querier, orderID uuid.UUID) ([]domain.Reservation, error) {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.ListByOrder")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", orderID.String()))

	query := `
		SELECT id, order_id, product_id, quantity, status, correlation_id, created_at, updated_at
		FROM reservations
		WHERE order_id = $1
		ORDER BY product_id
	`

	rows, err := q.Query(ctx, query, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error listing reservations: %w", err)
	}
	defer rows.Close()

	var res []domain.Reservation
	for rows.Next() {
		var (
			rsv       domain.Reservation
			status    string
			updatedAt time.Time
		)
		if err := rows.Scan(
			&rsv.ID, &rsv.OrderID, &rsv.ProductID, &rsv.Quantity,
			&status, &rsv.CorrelationID, &rsv.CreatedAt, &updatedAt,
		); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("error scanning reservation: %w", err)
		}

		rsv.Status, err = domain.ParseReservationStatus(status)
		if err != nil {
			return nil, err
		}
		if rsv.Status.IsTerminal() {
			rsv.ProcessedAt = &updatedAt
		}

		res = append(res, rsv)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return res, nil
}

func (r *reservationRepo) Insert(ctx context.Context, tx pgx.Tx, rsv *domain.Reservation) error {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.Insert")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", rsv.OrderID.String()),
		attribute.Int64("product_id", rsv.ProductID),
		attribute.Int("quantity", int(rsv.Quantity)),
	)

	query := `
		INSERT INTO reservations (id, order_id, product_id, quantity, status, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := tx.QueryRow(ctx, query,
		rsv.ID, rsv.OrderID, rsv.ProductID, rsv.Quantity, rsv.Status.String(), rsv.CorrelationID,
	).Scan(&rsv.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error inserting reservation: %w", err)
	}

	return nil
}

func (r *reservationRepo) Transition(ctx context.Context, tx pgx.Tx, id uuid.UUID, next domain.ReservationStatus) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.Transition")
	defer span.End()

	span.SetAttributes(
		attribute.String("reservation_id", id.String()),
		attribute.String("next", next.String()),
	)

	if !domain.StatusReserved.CanTransitionTo(next) {
		return false, fmt.Errorf("invalid reservation transition to %s", next)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE reservations SET status = $2 WHERE id = $1 AND status = 'reserved'`,
		id, next.String(),
	)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("error updating reservation %s: %w", id, err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *reservationRepo) ReservedQuantity(ctx context.Context, tx pgx.Tx, productID int64) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.ReservedQuantity")
	defer span.End()

	var total int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM reservations WHERE product_id = $1 AND status = 'reserved'`,
		productID,
	).Scan(&total)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("error summing reservations for product %d: %w", productID, err)
	}

	return total, nil
}
