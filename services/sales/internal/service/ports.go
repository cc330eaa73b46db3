package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/wleicht/salesapi/services/sales/internal/domain"
)

// Inventory is the synchronous reservation API. Transport failures wrap
// ErrTemporarilyUnavailable; client-side rejections come back as *BusinessError.
type Inventory interface {
	Reserve(ctx context.Context, orderID uuid.UUID, lines []domain.OrderLine) (domain.ReservationOutcome, error)
	Release(ctx context.Context, orderID uuid.UUID) (int, error)
}

// Catalog resolves display name and current unit price. Unknown ids wrap ErrProductNotFound.
type Catalog interface {
	GetProduct(ctx context.Context, productID int64) (domain.CatalogProduct, error)
}

type Payments interface {
	Authorize(ctx context.Context, correlationID string, amount int64) (domain.PaymentDecision, error)
}
