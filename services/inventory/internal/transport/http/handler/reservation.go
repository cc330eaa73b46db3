package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/services/inventory/internal/domain"
	"github.com/wleicht/salesapi/services/inventory/internal/service"
	"go.uber.org/zap"
)

type ReservationHandler struct {
	service service.ReservationService
	logger  *zap.Logger
}

func NewReservationHandler(service service.ReservationService, logger *zap.Logger) *ReservationHandler {
	return &ReservationHandler{service: service, logger: logger}
}

// ListByOrder is the reservation audit trail for one order.
func (h *ReservationHandler) ListByOrder(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), time.Second)
	defer cancel()

	orderID, err := uuid.Parse(c.Params("orderID"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "order id must be a uuid",
		})
	}

	reservations, err := h.service.ListByOrder(ctx, orderID)
	if err != nil {
		mylogger.Error(ctx, h.logger, "list reservations failed", zap.String("order_id", orderID.String()), zap.Error(err))

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal error",
		})
	}

	if reservations == nil {
		reservations = []domain.Reservation{}
	}

	return c.JSON(fiber.Map{
		"order_id":     orderID,
		"reservations": reservations,
	})
}
