package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wleicht/salesapi/pkg/db"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/services/inventory/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Stock is the concurrency-relevant slice of a product row.
type Stock struct {
	ProductID int64
	Name      string
	Available int64
	Version   int64
}

type ProductRepository interface {
	Create(ctx context.Context, product *domain.Product) (int64, error)
	GetByID(ctx context.Context, id int64) (*domain.Product, error)
	List(ctx context.Context, limit, offset int64, search string) ([]domain.Product, int64, error)
	GetStock(ctx context.Context, q Querier, id int64) (Stock, error)
	// CompareAndAdjust adds delta to available only while the row still has
	// expectedVersion and the result stays non-negative. ok is false when the
	// row moved on or the stock would go negative.
	CompareAndAdjust(ctx context.Context, tx pgx.Tx, id, expectedVersion, delta int64) (stock Stock, ok bool, err error)
	Restock(ctx context.Context, tx pgx.Tx, id, quantity int64) error
}

type productRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewProductRepository(pool *pgxpool.Pool, logger *zap.Logger) ProductRepository {
	return &productRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("inventory/product_repo"),
	}
}

func (r *productRepo) Create(ctx context.Context, product *domain.Product) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("name", product.Name),
		attribute.Int64("available", product.Available),
	)

	query := `
		INSERT INTO products (name, description, price, available)
		VALUES ($1, $2, $3, $4)
		RETURNING id, version, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query, product.Name, product.Description, product.Price, product.Available).
		Scan(&product.ID, &product.Version, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, ErrProductExists
		}

		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Error creating product", zap.String("name", product.Name), zap.Error(err))

		return 0, fmt.Errorf("error creating product: %w", err)
	}

	return product.ID, nil
}

func (r *productRepo) GetByID(ctx context.Context, id int64) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.Int64("id", id))

	query := `
		SELECT id, name, description, price, available, version, created_at, updated_at
		FROM products
		WHERE id = $1
	`

	var p domain.Product
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Description, &p.Price,
		&p.Available, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}

		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Error get by id", zap.Int64("id", id), zap.Error(err))

		return nil, fmt.Errorf("error getting product: %w", err)
	}

	return &p, nil
}

func (r *productRepo) List(ctx context.Context, limit, offset int64, search string) ([]domain.Product, int64, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.List")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("limit", limit),
		attribute.Int64("offset", offset),
		attribute.String("search", search),
	)

	pattern := "%" + search + "%"

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products WHERE name ILIKE $1`, pattern).Scan(&total); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("error counting products: %w", err)
	}

	query := `
		SELECT id, name, description, price, available, version, created_at, updated_at
		FROM products
		WHERE name ILIKE $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, pattern, limit, offset)
	if err != nil {
		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Error getting products", zap.String("search", search), zap.Error(err))

		return nil, 0, fmt.Errorf("error selecting products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, limit)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Description, &p.Price,
			&p.Available, &p.Version, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			span.RecordError(err)
			return nil, 0, fmt.Errorf("error scanning rows: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("rows iteration error: %w", err)
	}

	return products, total, nil
}

func (r *productRepo) GetStock(ctx context.Context, q Querier, id int64) (Stock, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.GetStock")
	defer span.End()

	span.SetAttributes(attribute.Int64("id", id))

	s := Stock{ProductID: id}
	err := q.QueryRow(ctx, `SELECT name, available, version FROM products WHERE id = $1`, id).
		Scan(&s.Name, &s.Available, &s.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Stock{}, ErrProductNotFound
		}

		span.RecordError(err)
		return Stock{}, fmt.Errorf("error reading stock for product %d: %w", id, err)
	}

	return s, nil
}

func (r *productRepo) CompareAndAdjust(ctx context.Context, tx pgx.Tx, id, expectedVersion, delta int64) (Stock, bool, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.CompareAndAdjust")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("id", id),
		attribute.Int64("expected_version", expectedVersion),
		attribute.Int64("delta", delta),
	)

	query := `
		UPDATE products
		SET available = available + $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND available + $3 >= 0
		RETURNING name, available, version
	`

	s := Stock{ProductID: id}
	err := tx.QueryRow(ctx, query, id, expectedVersion, delta).Scan(&s.Name, &s.Available, &s.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetAttributes(attribute.Bool("applied", false))
			return Stock{}, false, nil
		}

		span.RecordError(err)
		return Stock{}, false, fmt.Errorf("error adjusting stock for product %d: %w", id, err)
	}

	return s, true, nil
}

// Restock returns released quantity to the available pool.
func (r *productRepo) Restock(ctx context.Context, tx pgx.Tx, id, quantity int64) error {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Restock")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("id", id),
		attribute.Int64("quantity", quantity),
	)

	query := `
		UPDATE products
		SET available = available + $2, version = version + 1, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := tx.Exec(ctx, query, id, quantity)
	if err != nil {
		span.RecordError(err)
		mylogger.Warn(ctx, r.logger, "Failed to restock product", zap.Int64("product_id", id), zap.Error(err))

		return fmt.Errorf("error restocking product %d: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}

	return nil
}
