package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/services/sales/internal/domain"
	"github.com/wleicht/salesapi/services/sales/internal/repository"
	"github.com/wleicht/salesapi/services/sales/internal/service"
	"go.uber.org/zap"
)

type OrderHandler struct {
	coordinator service.OrderCoordinator
	timeout     time.Duration
	logger      *zap.Logger
}

func NewOrderHandler(coordinator service.OrderCoordinator, timeout time.Duration, logger *zap.Logger) *OrderHandler {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}

	return &OrderHandler{coordinator: coordinator, timeout: timeout, logger: logger}
}

type CreateOrderInput struct {
	CustomerID int64              `json:"customer_id"`
	Items      []domain.OrderLine `json:"items"`
}

type OrderResponse struct {
	OrderID       uuid.UUID          `json:"order_id"`
	CustomerID    int64              `json:"customer_id"`
	Status        domain.OrderStatus `json:"status"`
	Total         int64              `json:"total"`
	Items         []domain.OrderItem `json:"items"`
	CorrelationID string             `json:"correlation_id"`
	CreatedAt     time.Time          `json:"created_at"`
}

func toResponse(o *domain.Order) OrderResponse {
	return OrderResponse{
		OrderID:       o.ID,
		CustomerID:    o.CustomerID,
		Status:        o.Status,
		Total:         o.Total,
		Items:         o.Items,
		CorrelationID: o.CorrelationID,
		CreatedAt:     o.CreatedAt,
	}
}

func (h *OrderHandler) Create(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	var in CreateOrderInput
	if err := c.BodyParser(&in); err != nil {
		mylogger.Warn(ctx, h.logger, "body parsing failed", zap.Error(err))

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"category":       "validation",
			"error":          "invalid request body",
			"correlation_id": correlation.FromFiber(c),
		})
	}

	order, err := h.coordinator.CreateOrder(ctx, domain.PlaceOrder{
		CustomerID:    in.CustomerID,
		Items:         in.Items,
		CorrelationID: correlation.FromFiber(c),
	})
	if err != nil {
		return h.writeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(toResponse(order))
}

func (h *OrderHandler) FindByID(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), time.Second)
	defer cancel()

	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"category":       "validation",
			"error":          "order id must be a uuid",
			"correlation_id": correlation.FromFiber(c),
		})
	}

	order, err := h.coordinator.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"category":       "not_found",
				"error":          err.Error(),
				"correlation_id": correlation.FromFiber(c),
			})
		}
		return h.writeError(c, err)
	}

	return c.JSON(toResponse(order))
}

func (h *OrderHandler) writeError(c *fiber.Ctx, err error) error {
	correlationID := correlation.FromFiber(c)

	var (
		validation *service.ValidationError
		business   *service.BusinessError
	)

	switch {
	case errors.As(err, &validation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"category":       "validation",
			"error":          "validation failed",
			"fields":         validation.Fields,
			"correlation_id": correlationID,
		})
	case errors.As(err, &business):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"category":       "unprocessable",
			"error":          business.Reason,
			"correlation_id": correlationID,
		})
	case errors.Is(err, service.ErrTemporarilyUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"category":       "unavailable",
			"error":          "service temporarily unavailable",
			"correlation_id": correlationID,
		})
	default:
		mylogger.Error(c.UserContext(), h.logger, "request failed",
			zap.String("path", c.Path()),
			zap.Error(err),
		)

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"category":       "internal",
			"error":          "internal error",
			"correlation_id": correlationID,
		})
	}
}
