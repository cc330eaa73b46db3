package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wleicht/salesapi/pkg/correlation"
	"github.com/wleicht/salesapi/pkg/events"
	"github.com/wleicht/salesapi/pkg/kafka"
	"go.uber.org/zap"
)

type fakeFulfillment struct {
	confirmed []events.OrderConfirmed
	cancelled []events.OrderCancelled
	lastEnv   events.Envelope
	lastCorr  string
	err       error
}

func (f *fakeFulfillment) HandleOrderConfirmed(ctx context.Context, env events.Envelope, e events.OrderConfirmed) (bool, error) {
	f.confirmed = append(f.confirmed, e)
	f.lastEnv = env
	f.lastCorr = correlation.FromContext(ctx)
	return f.err == nil, f.err
}

func (f *fakeFulfillment) HandleOrderCancelled(ctx context.Context, env events.Envelope, e events.OrderCancelled) (bool, error) {
	f.cancelled = append(f.cancelled, e)
	f.lastEnv = env
	f.lastCorr = correlation.FromContext(ctx)
	return f.err == nil, f.err
}

func message(t *testing.T, env events.Envelope) *sarama.ConsumerMessage {
	t.Helper()

	value, err := json.Marshal(env)
	require.NoError(t, err)

	return &sarama.ConsumerMessage{Topic: events.TopicOrders, Value: value}
}

func TestProcessMessage_DispatchesByEventType(t *testing.T) {
	fake := &fakeFulfillment{}
	c := NewConsumer(fake, zap.NewNop())
	orderID := uuid.New()

	confirmed, err := events.New(events.TypeOrderConfirmed, orderID.String(), "corr-1", events.OrderConfirmed{OrderID: orderID})
	require.NoError(t, err)
	require.NoError(t, c.processMessage(context.Background(), message(t, confirmed)))

	cancelled, err := events.New(events.TypeOrderCancelled, orderID.String(), "corr-2", events.OrderCancelled{OrderID: orderID, Reason: "payment declined"})
	require.NoError(t, err)
	require.NoError(t, c.processMessage(context.Background(), message(t, cancelled)))

	require.Len(t, fake.confirmed, 1)
	require.Len(t, fake.cancelled, 1)
	require.Equal(t, "payment declined", fake.cancelled[0].Reason)
	require.Equal(t, "corr-2", fake.lastCorr)
}

func TestProcessMessage_CorrelationFallsBackToPayload(t *testing.T) {
	fake := &fakeFulfillment{}
	c := NewConsumer(fake, zap.NewNop())
	orderID := uuid.New()

	env, err := events.New(events.TypeOrderConfirmed, orderID.String(), "", events.OrderConfirmed{
		OrderID:       orderID,
		CorrelationID: "from-payload",
	})
	require.NoError(t, err)

	require.NoError(t, c.processMessage(context.Background(), message(t, env)))
	require.Equal(t, "from-payload", fake.lastEnv.CorrelationID)
}

func TestProcessMessage_MalformedIsPoison(t *testing.T) {
	c := NewConsumer(&fakeFulfillment{}, zap.NewNop())

	err := c.processMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("{broken")})
	require.ErrorIs(t, err, kafka.ErrPoison)

	env, err := events.New(events.TypeOrderConfirmed, "x", "corr", map[string]string{})
	require.NoError(t, err)
	err = c.processMessage(context.Background(), message(t, env))
	require.ErrorIs(t, err, kafka.ErrPoison)
}

func TestProcessMessage_ServiceErrorIsRedelivered(t *testing.T) {
	boom := errors.New("db down")
	c := NewConsumer(&fakeFulfillment{err: boom}, zap.NewNop())
	orderID := uuid.New()

	env, err := events.New(events.TypeOrderConfirmed, orderID.String(), "corr", events.OrderConfirmed{OrderID: orderID})
	require.NoError(t, err)

	err = c.processMessage(context.Background(), message(t, env))
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, kafka.ErrPoison)
}

func TestProcessMessage_IgnoresUnknownEvents(t *testing.T) {
	fake := &fakeFulfillment{}
	c := NewConsumer(fake, zap.NewNop())

	env, err := events.New(events.TypeStockDebited, uuid.NewString(), "corr", struct{}{})
	require.NoError(t, err)

	require.NoError(t, c.processMessage(context.Background(), message(t, env)))
	require.Empty(t, fake.confirmed)
}
