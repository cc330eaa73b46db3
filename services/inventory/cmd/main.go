package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/wleicht/salesapi/pkg/config"
	"github.com/wleicht/salesapi/pkg/correlation"
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
	"github.com/wleicht/salesapi/services/inventory/internal/repository"
	"github.com/wleicht/salesapi/services/inventory/internal/service"
	"github.com/wleicht/salesapi/services/inventory/internal/transport/grpc"
	inventoryHttp "github.com/wleicht/salesapi/services/inventory/internal/transport/http"
	"github.com/wleicht/salesapi/services/inventory/internal/transport/http/handler"
	inventoryKafka "github.com/wleicht/salesapi/services/inventory/internal/transport/kafka"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	googleGrpc "google.golang.org/grpc"
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
		Service: "inventory-service",
	})
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := utils.InitTracer(ctx, utils.TracerConfig{
		ServiceName: "inventory-service",
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

	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("Error creating kafka producer", zap.Error(err))
	}

	sagaMetrics := metrics.NewSagaMetrics("inventory")
	grpc_prometheus.EnableHandlingTimeHistogram()
	registry := metrics.NewRegistry(append(sagaMetrics.Collectors(), grpc_prometheus.DefaultServerMetrics)...)

	validate := utils.NewValidator()
	outboxRepository := outbox.NewOutboxRepository(logger)
	publisher := newPublisher(cfg.Events.Publisher, pool, outboxRepository, producer, logger)

	productRepository := repository.NewProductRepository(pool, logger)
	reservationRepository := repository.NewReservationRepository(logger)

	productService := service.NewProductService(productRepository, validate, logger)
	reservationService := service.NewReservationService(
		pool,
		productRepository,
		reservationRepository,
		validate,
		cfg.Reservation,
		sagaMetrics,
		logger,
	)
	fulfillmentService := service.NewFulfillmentService(
		idempotency.NewLedger(pool, logger),
		reservationService,
		publisher,
		sagaMetrics,
		logger,
	)

	if cfg.Events.Publisher == "outbox" {
		outboxProcessor := worker.NewOutboxProcessor(pool, outboxRepository, producer, cfg.Outbox, logger)
		go outboxProcessor.Start(ctx)
	}

	consumer := inventoryKafka.NewConsumer(fulfillmentService, logger)
	go func() {
		if err := consumer.Start(ctx, cfg.Kafka, cfg.Consumer); err != nil {
			logger.Error("Consumer stopped", zap.Error(err))
			stop()
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPC.Port)
	if err != nil {
		logger.Fatal("Error listening for gRPC", zap.String("port", cfg.GRPC.Port), zap.Error(err))
	}

	s := googleGrpc.NewServer(
		googleGrpc.StatsHandler(otelgrpc.NewServerHandler()),
		googleGrpc.ChainUnaryInterceptor(
			correlation.UnaryServerInterceptor(),
			grpc_prometheus.UnaryServerInterceptor,
		),
	)
	inventoryrpc.RegisterInventoryServer(s, grpc.NewInventoryHandler(reservationService, productService, logger))
	grpc_prometheus.Register(s)

	go func() {
		logger.Info("gRPC server listening", zap.String("port", cfg.GRPC.Port))
		if err := s.Serve(lis); err != nil && !errors.Is(err, googleGrpc.ErrServerStopped) {
			logger.Error("Error serving gRPC", zap.Error(err))
			stop()
		}
	}()

	app := inventoryHttp.NewApp(&inventoryHttp.Handlers{
		Product:     handler.NewProductHandler(productService, logger),
		Reservation: handler.NewReservationHandler(reservationService, logger),
	}, registry)

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

	s.GracefulStop()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("Error shutting down HTTP server", zap.Error(err))
	}

	if err := producer.Close(); err != nil {
		logger.Warn("Error closing kafka producer", zap.Error(err))
	}

	pool.Close()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error stopping telemetry", zap.Error(err))
	}

	logger.Info("Inventory service stopped")
}

func newPublisher(kind string, pool *pgxpool.Pool, repo outbox.OutboxRepository, producer kafka.Producer, logger *zap.Logger) events.Publisher {
	switch kind {
	case "kafka":
		return kafka.NewEventPublisher(producer)
	case "noop":
		return events.NopPublisher{}
	default:
		return outboxPublisher.New(pool, repo, "inventory", logger)
	}
}
