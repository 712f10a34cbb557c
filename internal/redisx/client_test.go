package redisx

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCmdable struct {
	data      map[string]string
	ttls      map[string]time.Duration
	published map[string][]string
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		data:      map[string]string{},
		ttls:      map[string]time.Duration{},
		published: map[string][]string{},
	}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	m.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) SetNX(_ context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	if _, ok := m.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	m.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(m.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (m *mockCmdable) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	switch v := message.(type) {
	case []byte:
		m.published[channel] = append(m.published[channel], string(v))
	default:
		m.published[channel] = append(m.published[channel], fmt.Sprint(v))
	}
	return redis.NewIntResult(1, nil)
}

func TestOrderStatusCache(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	c := newClient(mock, Options{})

	_, ok, err := c.OrderStatus(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetOrderStatus(ctx, "o1", orders.StatusConfirmed, time.Now()))
	assert.Equal(t, TTLStatusCache, mock.ttls["order_status:o1"])

	status, ok, err := c.OrderStatus(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, orders.StatusConfirmed, status)

}

func TestFillNeverReplacesTransition(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	c := newClient(mock, Options{StatusTTL: time.Minute})

	// a read saw "pending", then the order was confirmed before the fill landed
	require.NoError(t, c.SetOrderStatus(ctx, "o1", orders.StatusConfirmed, time.Now()))
	filled, err := c.FillOrderStatus(ctx, "o1", orders.StatusPending, time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, filled)

	status, ok, err := c.OrderStatus(ctx, "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orders.StatusConfirmed, status)

	// a fill that lands first is overwritten by the transition
	filled, err = c.FillOrderStatus(ctx, "o2", orders.StatusPending, time.Now())
	require.NoError(t, err)
	assert.True(t, filled)
	assert.Equal(t, time.Minute, mock.ttls["order_status:o2"])
	require.NoError(t, c.SetOrderStatus(ctx, "o2", orders.StatusCancelled, time.Now()))

	status, _, err = c.OrderStatus(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, status)
}

func TestOrderStatusCacheCorruptValue(t *testing.T) {
	mock := newMockCmdable()
	mock.data["order_status:o1"] = "not-json"
	c := newClient(mock, Options{})

	_, _, err := c.OrderStatus(context.Background(), "o1")
	assert.Error(t, err)
}

func TestClaimIsOncePerEvent(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	c := newClient(mock, Options{DedupTTL: time.Hour})

	first, err := c.Claim(ctx, "notifier", "evt-1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, time.Hour, mock.ttls["dedup:notifier:evt-1"])

	again, err := c.Claim(ctx, "notifier", "evt-1")
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, c.Release(ctx, "notifier", "evt-1"))
	retry, err := c.Claim(ctx, "notifier", "evt-1")
	require.NoError(t, err)
	assert.True(t, retry)
}

func TestPublish(t *testing.T) {
	mock := newMockCmdable()
	c := newClient(mock, Options{})

	require.NoError(t, c.Publish(context.Background(), "orders", []byte(`{"event_type":"OrderCreated"}`)))
	assert.Equal(t, []string{`{"event_type":"OrderCreated"}`}, mock.published["orders"])
}
