package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrPoison marks a message that can never be processed. The consumer logs
// and commits it instead of redelivering.
var ErrPoison = errors.New("poison message")

type HandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

type Option func(*ConsumerGroup)

// WithWorkers bounds how many partitions are handled at the same time.
func WithWorkers(n int64) Option {
	return func(c *ConsumerGroup) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithRejoinBackoff(d time.Duration) Option {
	return func(c *ConsumerGroup) {
		if d > 0 {
			c.rejoinBackoff = d
		}
	}
}

type ConsumerGroup struct {
	brokers       []string
	groupID       string
	topics        []string
	handlerFunc   HandlerFunc
	logger        *zap.Logger
	workers       int64
	rejoinBackoff time.Duration
}

func NewConsumerGroup(
	brokers []string,
	groupID string,
	topics []string,
	handlerFunc HandlerFunc,
	logger *zap.Logger,
	opts ...Option,
) *ConsumerGroup {
	c := &ConsumerGroup{
		brokers:       brokers,
		groupID:       groupID,
		topics:        topics,
		handlerFunc:   handlerFunc,
		logger:        logger,
		workers:       8,
		rejoinBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run consumes until ctx is cancelled. A failed message ends the session
// without committing, so the group rejoins and the message is delivered again.
func (c *ConsumerGroup) Run(ctx context.Context) error {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(c.brokers, c.groupID, config)
	if err != nil {
		return fmt.Errorf("error creating consumer group: %w", err)
	}
	defer func() {
		if err := group.Close(); err != nil {
			mylogger.Error(ctx, c.logger, "Error closing consumer group", zap.Error(err))
		}
	}()

	go func() {
		for err := range group.Errors() {
			mylogger.Warn(ctx, c.logger, "Consumer group error", zap.Error(err))
		}
	}()

	handler := &saramaHandler{
		handler: c.handlerFunc,
		logger:  c.logger,
		sem:     semaphore.NewWeighted(c.workers),
		tracer:  otel.Tracer("pkg/kafka/consumer"),
	}

	rejoin := backoff.NewExponentialBackOff()
	rejoin.InitialInterval = c.rejoinBackoff
	rejoin.MaxInterval = 30 * c.rejoinBackoff
	rejoin.MaxElapsedTime = 0

	mylogger.Info(ctx, c.logger, "Consumer group started",
		zap.String("group_id", c.groupID),
		zap.Strings("topics", c.topics),
	)

	for {
		err := group.Consume(ctx, c.topics, handler)
		if ctx.Err() != nil {
			mylogger.Info(ctx, c.logger, "Context cancelled, shutting down consumer")
			return nil
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return err
		}

		if err == nil && !handler.failed.Swap(false) {
			rejoin.Reset()
			continue
		}

		wait := rejoin.NextBackOff()
		mylogger.Warn(ctx, c.logger, "Consumer session ended with failure, rejoining",
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
