// Package idempotency records processed event ids so at-least-once delivery
// applies each event's side effects exactly once.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wleicht/salesapi/pkg/db"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrMissingEventID = errors.New("event id is required")

type Record struct {
	EventID       uuid.UUID
	EventType     string
	OrderID       string
	CorrelationID string
}

// ApplyFunc performs the event's side effects inside the ledger transaction.
type ApplyFunc func(ctx context.Context, tx pgx.Tx) error

type Ledger interface {
	// TryApply inserts the record and runs fn in the same transaction.
	// It returns false without calling fn when the event was already recorded.
	// An error from fn rolls back the record so the event can be redelivered.
	TryApply(ctx context.Context, rec Record, fn ApplyFunc) (bool, error)
	Seen(ctx context.Context, eventID uuid.UUID) (bool, error)
}

type pool interface {
	db.TxBeginner
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func NewLedger(p pool, logger *zap.Logger) Ledger {
	return &postgresLedger{
		pool:   p,
		logger: logger,
		tracer: otel.Tracer("pkg/idempotency"),
	}
}

type postgresLedger struct {
	pool   pool
	logger *zap.Logger
	tracer trace.Tracer
}

func (l *postgresLedger) TryApply(ctx context.Context, rec Record, fn ApplyFunc) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.TryApply")
	defer span.End()

	span.SetAttributes(
		attribute.String("event_id", rec.EventID.String()),
		attribute.String("event_type", rec.EventType),
		attribute.String("order_id", rec.OrderID),
	)

	if rec.EventID == uuid.Nil {
		return false, ErrMissingEventID
	}

	applied := false
	err := db.InTx(ctx, l.pool, l.logger, func(ctx context.Context, tx pgx.Tx) error {
		query := `
			INSERT INTO processed_events (event_id, event_type, order_id, correlation_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING
		`

		tag, err := tx.Exec(ctx, query, rec.EventID, rec.EventType, rec.OrderID, rec.CorrelationID)
		if err != nil {
			return fmt.Errorf("failed to record event: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return nil
		}

		if err := fn(ctx, tx); err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	if !applied {
		span.SetAttributes(attribute.Bool("duplicate", true))
		mylogger.Info(
			ctx,
			l.logger,
			"Event already processed, skipping",
			zap.String("event_id", rec.EventID.String()),
			zap.String("event_type", rec.EventType),
		)
	}

	return applied, nil
}

func (l *postgresLedger) Seen(ctx context.Context, eventID uuid.UUID) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.Seen")
	defer span.End()

	var seen bool
	err := l.pool.QueryRow(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`,
		eventID,
	).Scan(&seen)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}

	return seen, nil
}
