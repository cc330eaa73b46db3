package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/sony/gobreaker"
	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/inventoryrpc"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/pkg/utils"
	"github.com/wleicht/salesapi/services/sales/internal/domain"
	"github.com/wleicht/salesapi/services/sales/internal/service"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// NewInventoryConn dials the inventory service with tracing, correlation and client metrics.
func NewInventoryConn(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(
			correlation.UnaryClientInterceptor(),
			grpc_prometheus.UnaryClientInterceptor,
		),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating inventory client: %w", err)
	}

	return conn, nil
}

// InventoryClient adapts the inventory gRPC API to the coordinator's ports.
// Calls go through a circuit breaker; rejections that are the caller's fault do not trip it.
type InventoryClient struct {
	rpc    inventoryrpc.InventoryClient
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

var (
	_ service.Inventory = (*InventoryClient)(nil)
	_ service.Catalog   = (*InventoryClient)(nil)
)

func NewInventoryClient(rpc inventoryrpc.InventoryClient, logger *zap.Logger) *InventoryClient {
	return &InventoryClient{
		rpc:    rpc,
		cb:     utils.NewBreaker("InventoryService", logger, isSuccessful),
		logger: logger,
	}
}

func (c *InventoryClient) Reserve(ctx context.Context, orderID uuid.UUID, lines []domain.OrderLine) (domain.ReservationOutcome, error) {
	req := &inventoryrpc.ReserveRequest{
		OrderID:       orderID.String(),
		CorrelationID: correlation.FromContext(ctx),
		Items:         make([]inventoryrpc.Item, 0, len(lines)),
	}
	for _, line := range lines {
		req.Items = append(req.Items, inventoryrpc.Item{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	res, err := utils.ExecuteWithBreaker(c.cb, func() (*inventoryrpc.ReserveResponse, error) {
		return c.rpc.Reserve(ctx, req)
	})
	if err != nil {
		mylogger.Warn(ctx, c.logger, "reserve call failed", zap.String("order_id", req.OrderID), zap.Error(err))
		return domain.ReservationOutcome{}, mapError("reserve", err)
	}

	outcome := domain.ReservationOutcome{
		Success: res.Success,
		Items:   make([]domain.ReservedItem, 0, len(res.Items)),
	}
	for _, item := range res.Items {
		outcome.Items = append(outcome.Items, domain.ReservedItem{
			ProductID: item.ProductID,
			Requested: item.Requested,
			Available: item.Available,
			Status:    item.Status,
			Reason:    item.Reason,
		})
		if !res.Success && outcome.Reason == "" && item.Status != "reserved" && item.Status != "rolled_back" {
			outcome.Reason = item.Reason
		}
	}

	return outcome, nil
}

func (c *InventoryClient) Release(ctx context.Context, orderID uuid.UUID) (int, error) {
	res, err := utils.ExecuteWithBreaker(c.cb, func() (*inventoryrpc.ReleaseResponse, error) {
		return c.rpc.Release(ctx, &inventoryrpc.ReleaseRequest{
			OrderID:       orderID.String(),
			CorrelationID: correlation.FromContext(ctx),
		})
	})
	if err != nil {
		return 0, mapError("release", err)
	}

	return res.Released, nil
}

func (c *InventoryClient) GetProduct(ctx context.Context, productID int64) (domain.CatalogProduct, error) {
	res, err := utils.ExecuteWithBreaker(c.cb, func() (*inventoryrpc.Product, error) {
		return c.rpc.GetProduct(ctx, &inventoryrpc.GetProductRequest{ID: productID})
	})
	if err != nil {
		return domain.CatalogProduct{}, mapError("get product", err)
	}

	return domain.CatalogProduct{
		ID:        res.ID,
		Name:      res.Name,
		Price:     res.Price,
		Available: res.Available,
	}, nil
}

func isSuccessful(err error) bool {
	if err == nil {
		return true
	}

	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
		return true
	default:
		return false
	}
}

func mapError(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: inventory %s: %w", service.ErrTemporarilyUnavailable, op, err)
	}

	st := status.Convert(err)
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return &service.BusinessError{Reason: st.Message()}
	case codes.NotFound:
		return fmt.Errorf("%w: %s", service.ErrProductNotFound, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted, codes.Canceled:
		return fmt.Errorf("%w: inventory %s: %s", service.ErrTemporarilyUnavailable, op, st.Message())
	default:
		return fmt.Errorf("inventory %s: %w", op, err)
	}
}
