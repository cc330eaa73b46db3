package grpc

import (
	"context"

	"github.com/google/uuid"
	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/inventoryrpc"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/services/inventory/internal/domain"
	"github.com/wleicht/salesapi/services/inventory/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type InventoryHandler struct {
	reservations service.ReservationService
	products     service.ProductService
	logger       *zap.Logger
}

var _ inventoryrpc.InventoryServer = (*InventoryHandler)(nil)

func NewInventoryHandler(reservations service.ReservationService, products service.ProductService, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{reservations: reservations, products: products, logger: logger}
}

func (h *InventoryHandler) Reserve(ctx context.Context, req *inventoryrpc.ReserveRequest) (*inventoryrpc.ReserveResponse, error) {
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "order_id must be a uuid")
	}

	ctx = withCorrelation(ctx, req.CorrelationID)

	items := make([]domain.ReserveItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.ReserveItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	res, err := h.reservations.Reserve(ctx, domain.ReserveCommand{
		OrderID:       orderID,
		CorrelationID: correlation.FromContext(ctx),
		Items:         items,
	})
	if err != nil {
		code := mapErrorCode(err)

		mylogger.Error(ctx, h.logger, "reserve failed",
			zap.String("method", "Reserve"),
			zap.String("order_id", req.OrderID),
			zap.String("status_code", code.String()),
			zap.Error(err),
		)

		return nil, status.Error(code, publicMessage(code, err))
	}

	out := &inventoryrpc.ReserveResponse{
		Success: res.Success,
		Items:   make([]inventoryrpc.ItemResult, 0, len(res.Items)),
	}
	for _, item := range res.Items {
		out.Items = append(out.Items, inventoryrpc.ItemResult{
			ProductID: item.ProductID,
			Requested: item.Requested,
			Available: item.Available,
			Status:    string(item.Status),
			Reason:    item.Reason,
		})
	}

	return out, nil
}

func (h *InventoryHandler) Release(ctx context.Context, req *inventoryrpc.ReleaseRequest) (*inventoryrpc.ReleaseResponse, error) {
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "order_id must be a uuid")
	}

	ctx = withCorrelation(ctx, req.CorrelationID)

	res, err := h.reservations.Release(ctx, orderID)
	if err != nil {
		code := mapErrorCode(err)

		mylogger.Error(ctx, h.logger, "release failed",
			zap.String("method", "Release"),
			zap.String("order_id", req.OrderID),
			zap.String("status_code", code.String()),
			zap.Error(err),
		)

		return nil, status.Error(code, publicMessage(code, err))
	}

	return &inventoryrpc.ReleaseResponse{Released: len(res.Items)}, nil
}

func (h *InventoryHandler) GetProduct(ctx context.Context, req *inventoryrpc.GetProductRequest) (*inventoryrpc.Product, error) {
	p, err := h.products.FindByID(ctx, req.ID)
	if err != nil {
		code := mapErrorCode(err)
		if code != codes.NotFound {
			mylogger.Error(ctx, h.logger, "get product failed",
				zap.String("method", "GetProduct"),
				zap.Int64("product_id", req.ID),
				zap.String("status_code", code.String()),
				zap.Error(err),
			)
		}

		return nil, status.Error(code, publicMessage(code, err))
	}

	return &inventoryrpc.Product{
		ID:        p.ID,
		Name:      p.Name,
		Price:     p.Price,
		Available: p.Available,
		UpdatedAt: p.UpdatedAt,
	}, nil
}

// withCorrelation prefers the id from gRPC metadata and falls back to the request body.
func withCorrelation(ctx context.Context, fromBody string) context.Context {
	if correlation.FromContext(ctx) != "" {
		return ctx
	}
	if id := correlation.Sanitize(fromBody); id != "" {
		return correlation.WithID(ctx, id)
	}
	ctx, _ = correlation.Ensure(ctx)
	return ctx
}

func publicMessage(code codes.Code, err error) string {
	switch code {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.Aborted:
		return err.Error()
	default:
		return code.String()
	}
}
