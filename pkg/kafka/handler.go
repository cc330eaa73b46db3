package kafka

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type saramaHandler struct {
	handler HandlerFunc
	logger  *zap.Logger
	sem     *semaphore.Weighted
	tracer  trace.Tracer
	failed  atomic.Bool
}

func (h *saramaHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *saramaHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim handles one partition in offset order. Returning early stops
// the whole session; unmarked offsets are redelivered after the rejoin.
func (h *saramaHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	sessionCtx := session.Context()

	for {
		select {
		case <-sessionCtx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.sem.Acquire(sessionCtx, 1); err != nil {
				return nil
			}
			err := h.process(sessionCtx, msg)
			h.sem.Release(1)

			if err != nil {
				h.failed.Store(true)
				return err
			}

			session.MarkMessage(msg, "")
		}
	}
}

func (h *saramaHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ctx, span := h.startSpan(ctx, msg)
	defer span.End()

	err := h.handler(ctx, msg)
	if err == nil {
		return nil
	}

	span.RecordError(err)

	fields := []zap.Field{
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(err),
	}

	if errors.Is(err, ErrPoison) {
		mylogger.Error(ctx, h.logger, "Skipping message that cannot be processed", fields...)
		return nil
	}

	span.SetStatus(codes.Error, "handler failed")
	mylogger.Error(ctx, h.logger, "Failed to process message, will be redelivered", fields...)

	return err
}

func (h *saramaHandler) startSpan(ctx context.Context, msg *sarama.ConsumerMessage) (context.Context, trace.Span) {
	carrier := propagation.MapCarrier{}
	for _, header := range msg.Headers {
		carrier[string(header.Key)] = string(header.Value)
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	return h.tracer.Start(ctx, "kafka_process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", int(msg.Partition)),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
}

// Header returns the value of the named record header or "".
func Header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}
