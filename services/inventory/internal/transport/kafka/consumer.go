package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/wleicht/salesapi/pkg/config"
	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/events"
	"github.com/wleicht/salesapi/pkg/kafka"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/services/inventory/internal/service"
	"go.uber.org/zap"
)

type Consumer struct {
	service service.FulfillmentService
	logger  *zap.Logger
}

func NewConsumer(service service.FulfillmentService, logger *zap.Logger) *Consumer {
	return &Consumer{
		service: service,
		logger:  logger,
	}
}

func (c *Consumer) Start(ctx context.Context, kafkaCfg config.Kafka, cfg config.Consumer) error {
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "inventory-service-group"
	}

	consumerGroup := kafka.NewConsumerGroup(
		kafkaCfg.Brokers,
		groupID,
		[]string{events.TopicOrders},
		c.processMessage,
		c.logger,
		kafka.WithWorkers(cfg.Workers),
		kafka.WithRejoinBackoff(cfg.RejoinBackoff),
	)

	return consumerGroup.Run(ctx)
}

func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	env, err := events.Parse(msg.Value)
	if err != nil {
		return fmt.Errorf("%w: %w", kafka.ErrPoison, err)
	}

	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = correlation.Sanitize(kafka.Header(msg, correlation.MetadataKey))
	}
	if correlationID != "" {
		ctx = correlation.WithID(ctx, correlationID)
	}

	mylogger.Debug(ctx, c.logger, "Processing message",
		zap.String("topic", msg.Topic),
		zap.String("event", string(env.Event)),
		zap.String("event_id", env.EventID.String()),
	)

	switch env.Event {
	case events.TypeOrderConfirmed:
		var event events.OrderConfirmed
		if err := env.Decode(&event); err != nil {
			return fmt.Errorf("%w: %w", kafka.ErrPoison, err)
		}
		if event.OrderID == uuid.Nil {
			return fmt.Errorf("%w: %s without order id", kafka.ErrPoison, env.Event)
		}
		if env.CorrelationID == "" {
			env.CorrelationID = event.CorrelationID
		}

		_, err := c.service.HandleOrderConfirmed(ctx, env, event)
		return err
	case events.TypeOrderCancelled:
		var event events.OrderCancelled
		if err := env.Decode(&event); err != nil {
			return fmt.Errorf("%w: %w", kafka.ErrPoison, err)
		}
		if event.OrderID == uuid.Nil {
			return fmt.Errorf("%w: %s without order id", kafka.ErrPoison, env.Event)
		}
		if env.CorrelationID == "" {
			env.CorrelationID = event.CorrelationID
		}

		_, err := c.service.HandleOrderCancelled(ctx, env, event)
		return err
	default:
		mylogger.Debug(ctx, c.logger, "Ignored event type", zap.String("event_type", string(env.Event)))
	}

	return nil
}
