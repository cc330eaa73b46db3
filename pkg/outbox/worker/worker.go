package worker

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wleicht/salesapi/pkg/config"
	"github.com/wleicht/salesapi/pkg/db"
	"github.com/wleicht/salesapi/pkg/kafka"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/pkg/outbox/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type KafkaProducer interface {
	Produce(ctx context.Context, msg kafka.Message) error
}

// OutboxProcessor relays committed outbox rows to Kafka. Rows are locked with
// SKIP LOCKED so several replicas can run it side by side.
type OutboxProcessor struct {
	pool          db.TxBeginner
	repo          repository.OutboxRepository
	kafkaProducer KafkaProducer
	logger        *zap.Logger
	batchSize     int
	interval      time.Duration
	maxAttempts   int
	tracer        trace.Tracer
}

func NewOutboxProcessor(
	pool db.TxBeginner,
	repo repository.OutboxRepository,
	producer KafkaProducer,
	cfg config.Outbox,
	logger *zap.Logger,
) *OutboxProcessor {
	p := &OutboxProcessor{
		pool:          pool,
		repo:          repo,
		kafkaProducer: producer,
		logger:        logger,
		batchSize:     cfg.BatchSize,
		interval:      cfg.Interval,
		maxAttempts:   cfg.MaxAttempts,
		tracer:        otel.Tracer("outbox-worker"),
	}

	if p.batchSize <= 0 {
		p.batchSize = 50
	}
	if p.interval <= 0 {
		p.interval = 500 * time.Millisecond
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 10
	}

	return p
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	mylogger.Info(ctx, p.logger, "Starting outbox processor",
		zap.Int("batch_size", p.batchSize),
		zap.Duration("interval", p.interval),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mylogger.Info(ctx, p.logger, "Outbox processor stopping")
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				mylogger.Error(ctx, p.logger, "Error processing outbox batch", zap.Error(err))
			}
		}
	}
}

// ProcessBatch relays one batch and returns how many rows were published.
// After a failed send the remaining rows of the same aggregate wait for the
// next batch, which keeps per-order event order intact.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "OutboxProcessor.ProcessBatch")
	defer span.End()

	published := 0
	err := db.InTx(ctx, p.pool, p.logger, func(ctx context.Context, tx pgx.Tx) error {
		events, err := p.repo.GetUnpublishedEvents(ctx, tx, p.batchSize, p.maxAttempts)
		if err != nil {
			return err
		}

		if len(events) == 0 {
			return nil
		}

		mylogger.Debug(ctx, p.logger, "Processing outbox events", zap.Int("count", len(events)))

		blocked := make(map[string]struct{})
		for _, event := range events {
			if _, ok := blocked[event.AggregateID]; ok {
				continue
			}

			headers, err := event.HeaderMap()
			if err != nil {
				mylogger.Warn(ctx, p.logger, "Outbox headers unreadable, sending without them",
					zap.Int64("id", event.ID),
					zap.Error(err),
				)
				headers = nil
			}

			err = p.kafkaProducer.Produce(ctx, kafka.Message{
				Topic:   event.Topic,
				Key:     event.AggregateID,
				Value:   event.Payload,
				Headers: headers,
			})
			if err != nil {
				blocked[event.AggregateID] = struct{}{}

				// Later events of this aggregate are relayed past an abandoned row.
				msg := "Outbox worker produce message failed"
				if event.Attempts+1 >= p.maxAttempts {
					msg = "Outbox event abandoned, reconcile manually"
				}
				mylogger.Error(ctx, p.logger, msg,
					zap.Int64("id", event.ID),
					zap.String("event_id", event.EventID.String()),
					zap.String("event_type", event.EventType),
					zap.String("aggregate_id", event.AggregateID),
					zap.Int("attempts", event.Attempts+1),
					zap.Error(err),
				)

				if dbErr := p.repo.MarkEventFailed(ctx, tx, event.ID, err.Error()); dbErr != nil {
					return dbErr
				}
				continue
			}

			if err := p.repo.MarkEventPublished(ctx, tx, event.ID); err != nil {
				return err
			}
			published++
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("published", published))

	return published, nil
}
