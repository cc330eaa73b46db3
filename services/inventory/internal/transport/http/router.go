package http

import (
	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/metrics"
	"github.com/wleicht/salesapi/services/inventory/internal/transport/http/handler"
)

type Handlers struct {
	Product     *handler.ProductHandler
	Reservation *handler.ReservationHandler
}

func NewApp(h *Handlers, reg *prometheus.Registry) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "inventory-service",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(otelfiber.Middleware())
	app.Use(correlation.RequestID())
	app.Use(correlation.Bind())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("Inventory Service is alive!")
	})
	if reg != nil {
		app.Get("/metrics", metrics.FiberHandler(reg))
	}

	api := app.Group("/api")

	product := api.Group("/products")
	product.Post("", h.Product.Create)
	product.Get("/:id", h.Product.FindByID)
	product.Get("", h.Product.List)

	api.Get("/reservations/:orderID", h.Reservation.ListByOrder)

	return app
}
