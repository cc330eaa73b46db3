package http

import (
	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wleicht/salesapi/pkg/config"
	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/metrics"
	"github.com/wleicht/salesapi/services/sales/internal/transport/http/handler"
)

type Handlers struct {
	Order *handler.OrderHandler
}

func NewApp(h *Handlers, reg *prometheus.Registry, limits config.Limiter) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "sales-service",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(otelfiber.Middleware())
	app.Use(correlation.RequestID())
	app.Use(correlation.Bind())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("Sales Service is alive!")
	})
	if reg != nil {
		app.Get("/metrics", metrics.FiberHandler(reg))
	}

	api := app.Group("/api")
	if limits.Max > 0 {
		api.Use(limiter.New(limiter.Config{
			Max:        limits.Max,
			Expiration: limits.Expiration,
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"category":       "rate_limited",
					"error":          "too many requests",
					"correlation_id": correlation.FromFiber(c),
				})
			},
		}))
	}

	order := api.Group("/orders")
	order.Post("", h.Order.Create)
	order.Get("/:id", h.Order.FindByID)

	return app
}
