package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/wleicht/salesapi/pkg/config"
	"github.com/wleicht/salesapi/pkg/db"
	"github.com/wleicht/salesapi/pkg/events"
	"github.com/wleicht/salesapi/pkg/idempotency"
	"github.com/wleicht/salesapi/pkg/inventoryrpc"
	"github.com/wleicht/salesapi/pkg/kafka"
	"github.com/wleicht/salesapi/pkg/metrics"
	outboxPublisher "github.com/wleicht/salesapi/pkg/outbox/publisher"
	outbox "github.com/wleicht/salesapi/pkg/outbox/repository"
	"github.com/wleicht/salesapi/pkg/outbox/worker"
	"github.com/wleicht/salesapi/pkg/utils"
	"github.com/wleicht/salesapi/services/sales/internal/client"
	"github.com/wleicht/salesapi/services/sales/internal/repository"
	"github.com/wleicht/salesapi/services/sales/internal/service"
	salesHttp "github.com/wleicht/salesapi/services/sales/internal/transport/http"
	"github.com/wleicht/salesapi/services/sales/internal/transport/http/handler"
	salesKafka "github.com/wleicht/salesapi/services/sales/internal/transport/kafka"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(config.LoggerConfig{
		Level:   cfg.Log.Level,
		Env:     cfg.Env,
		Service: "sales-service",
	})
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := utils.InitTracer(ctx, utils.TracerConfig{
		ServiceName: "sales-service",
		Env:         cfg.Env,
		Endpoint:    cfg.Tracing.Endpoint,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal("Error init tracer", zap.Error(err))
	}

	if cfg.Postgres.Migrations != "" {
		if err := db.Migrate(cfg.Postgres.Migrations, cfg.Postgres.URL); err != nil {
			logger.Fatal("Error applying migrations", zap.Error(err))
		}
	}

	pool, err := db.NewPostgresDB(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("Error creating postgres pool", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})

	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("Error creating kafka producer", zap.Error(err))
	}

	sagaMetrics := metrics.NewSagaMetrics("sales")
	registry := metrics.NewRegistry(append(sagaMetrics.Collectors(), grpc_prometheus.DefaultClientMetrics)...)

	conn, err := client.NewInventoryConn(cfg.Services.InventoryRPC)
	if err != nil {
		logger.Fatal("Error dialing inventory", zap.Error(err))
	}
	inventory := client.NewInventoryClient(inventoryrpc.NewInventoryClient(conn), logger)
	catalog := client.NewCachedCatalog(inventory, rdb, cfg.Catalog.CacheTTL, logger)

	outboxRepository := outbox.NewOutboxRepository(logger)
	publisher := newPublisher(cfg.Events.Publisher, pool, outboxRepository, producer, logger)

	orderRepository := repository.NewOrderRepository(logger)
	coordinator := service.NewOrderCoordinator(
		pool,
		orderRepository,
		inventory,
		catalog,
		service.NewPaymentSimulator(cfg.Payment, logger),
		publisher,
		utils.NewValidator(),
		cfg.Reservation,
		sagaMetrics,
		logger,
	)
	fulfillment := service.NewOrderFulfillment(idempotency.NewLedger(pool, logger), orderRepository, sagaMetrics, logger)

	if cfg.Events.Publisher == "outbox" {
		outboxProcessor := worker.NewOutboxProcessor(pool, outboxRepository, producer, cfg.Outbox, logger)
		go outboxProcessor.Start(ctx)
	}

	consumer := salesKafka.NewConsumer(fulfillment, logger)
	go func() {
		if err := consumer.Start(ctx, cfg.Kafka, cfg.Consumer); err != nil {
			logger.Error("Consumer stopped", zap.Error(err))
			stop()
		}
	}()

	app := salesHttp.NewApp(&salesHttp.Handlers{
		Order: handler.NewOrderHandler(coordinator, cfg.HTTP.Timeout, logger),
	}, registry, cfg.Limiter)

	go func() {
		logger.Info("HTTP server listening", zap.String("port", cfg.HTTP.Port))
		if err := app.Listen(cfg.HTTP.Port); err != nil {
			logger.Error("Error listening HTTP", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("Error shutting down HTTP server", zap.Error(err))
	}

	if err := conn.Close(); err != nil {
		logger.Warn("Error closing inventory connection", zap.Error(err))
	}

	if err := producer.Close(); err != nil {
		logger.Warn("Error closing kafka producer", zap.Error(err))
	}

	if err := rdb.Close(); err != nil {
		logger.Warn("Error closing redis", zap.Error(err))
	}

	pool.Close()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error stopping telemetry", zap.Error(err))
	}

	logger.Info("Sales service stopped")
}

func newPublisher(kind string, pool *pgxpool.Pool, repo outbox.OutboxRepository, producer kafka.Producer, logger *zap.Logger) events.Publisher {
	switch kind {
	case "kafka":
		return kafka.NewEventPublisher(producer)
	case "noop":
		return events.NopPublisher{}
	default:
		return outboxPublisher.New(pool, repo, "order", logger)
	}
}
