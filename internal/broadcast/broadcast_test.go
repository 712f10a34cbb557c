package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/kafka"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/ariefcatur/bizhub-orders/internal/orders/mocks"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTopic struct {
	keys    [][]byte
	values  [][]byte
	headers [][]kafkago.Header
	refuse  bool
}

func (f *fakeTopic) Publish(key, value []byte, headers ...kafkago.Header) bool {
	if f.refuse {
		return false
	}
	f.keys = append(f.keys, key)
	f.values = append(f.values, value)
	f.headers = append(f.headers, headers)
	return true
}

type fakeChannel struct {
	channel  string
	payloads [][]byte
	err      error
}

func (f *fakeChannel) Publish(_ context.Context, channel string, payload []byte) error {
	f.channel = channel
	f.payloads = append(f.payloads, payload)
	return f.err
}

type fakeCache struct{ written []string }

func (f *fakeCache) SetOrderStatus(_ context.Context, orderID string, status orders.Status, updatedAt time.Time) error {
	if updatedAt.IsZero() {
		return errors.New("missing timestamp")
	}
	f.written = append(f.written, orderID+"="+string(status))
	return nil
}

func event(eventType, orderID string) orders.Envelope {
	return orders.NewEnvelope(eventType, "test", orderID, "Order "+orderID+" confirmed",
		orders.OrderStatusPayload{OrderID: orderID, Status: orders.StatusConfirmed})
}

func TestKafkaKeysByOrder(t *testing.T) {
	topic := &fakeTopic{}
	NewKafka(topic, nil).Publish(context.Background(), event(orders.EventOrderConfirmed, "o1"))

	require.Len(t, topic.values, 1)
	assert.Equal(t, []byte("o1"), topic.keys[0])
	assert.Equal(t, orders.EventOrderConfirmed, kafka.HeaderValue(kafkago.Message{Headers: topic.headers[0]}, kafka.HeaderEventType))

	var got orders.Envelope
	require.NoError(t, json.Unmarshal(topic.values[0], &got))
	assert.Equal(t, "Order o1 confirmed", got.Message)
}

func TestKafkaRefusalDoesNotPanic(t *testing.T) {
	NewKafka(&fakeTopic{refuse: true}, nil).Publish(context.Background(), event(orders.EventOrderCreated, "o1"))
}

func TestRedisPublishesToChannel(t *testing.T) {
	ch := &fakeChannel{}
	NewRedis(ch, "orders", nil).Publish(context.Background(), event(orders.EventOrderCreated, "o1"))

	assert.Equal(t, "orders", ch.channel)
	require.Len(t, ch.payloads, 1)
	assert.Contains(t, string(ch.payloads[0]), `"event_type":"OrderCreated"`)

	failing := &fakeChannel{err: errors.New("connection refused")}
	NewRedis(failing, "orders", nil).Publish(context.Background(), event(orders.EventOrderCreated, "o1"))
}

func TestStatusCacheWritesOnTransitions(t *testing.T) {
	cache := &fakeCache{}
	sc := NewStatusCache(cache, nil)
	ctx := context.Background()

	sc.Publish(ctx, event(orders.EventOrderCreated, "o1"))
	sc.Publish(ctx, event(orders.EventPaymentFailed, "o1"))
	sc.Publish(ctx, event(orders.EventOrderConfirmed, "o1"))
	sc.Publish(ctx, event(orders.EventOrderShipped, "o1"))
	sc.Publish(ctx, event(orders.EventOrderCancelled, "o2"))

	assert.Equal(t, []string{"o1=confirmed", "o1=shipped", "o2=cancelled"}, cache.written)
}

func TestFanoutReachesEverySink(t *testing.T) {
	a, b := &mocks.Broadcaster{}, &mocks.Broadcaster{}
	Fanout{a, b}.Publish(context.Background(), event(orders.EventOrderShipped, "o1"))

	assert.Equal(t, []string{orders.EventOrderShipped}, a.Types())
	assert.Equal(t, []string{orders.EventOrderShipped}, b.Types())
}
