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
	"github.com/wleicht/salesapi/services/sales/internal/service"
	"go.uber.org/zap"
)

// Consumer reads inventory feedback from inventory_events.
type Consumer struct {
	fulfillment service.OrderFulfillment
	logger      *zap.Logger
}

func NewConsumer(fulfillment service.OrderFulfillment, logger *zap.Logger) *Consumer {
	return &Consumer{fulfillment: fulfillment, logger: logger}
}

func (c *Consumer) Start(ctx context.Context, kafkaCfg config.Kafka, cfg config.Consumer) error {
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "sales-service-group"
	}

	return kafka.NewConsumerGroup(
		kafkaCfg.Brokers,
		groupID,
		[]string{events.TopicInventory},
		c.processMessage,
		c.logger,
		kafka.WithWorkers(cfg.Workers),
		kafka.WithRejoinBackoff(cfg.RejoinBackoff),
	).Run(ctx)
}

func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	env, err := events.Parse(msg.Value)
	if err != nil {
		return fmt.Errorf("%w: %w", kafka.ErrPoison, err)
	}

	if env.CorrelationID == "" {
		env.CorrelationID = correlation.Sanitize(kafka.Header(msg, correlation.MetadataKey))
	}
	if env.CorrelationID != "" {
		ctx = correlation.WithID(ctx, env.CorrelationID)
	}

	switch env.Event {
	case events.TypeStockDebited:
		var event events.StockDebited
		if err := env.Decode(&event); err != nil {
			return fmt.Errorf("%w: %w", kafka.ErrPoison, err)
		}
		if event.OrderID == uuid.Nil {
			return fmt.Errorf("%w: %s without order id", kafka.ErrPoison, env.Event)
		}

		_, err := c.fulfillment.HandleStockDebited(ctx, env, event)
		return err
	case events.TypeStockReleased:
		var event events.StockReleased
		if err := env.Decode(&event); err != nil {
			return fmt.Errorf("%w: %w", kafka.ErrPoison, err)
		}

		_, err := c.fulfillment.HandleStockReleased(ctx, env, event)
		return err
	default:
		mylogger.Debug(ctx, c.logger, "Ignored event type", zap.String("event_type", string(env.Event)))
	}

	return nil
}
