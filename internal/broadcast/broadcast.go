// Package broadcast publishes order events to live listeners. Every sink is
// best-effort: failures are logged and never reach the caller.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/kafka"
	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
)

type topicPublisher interface {
	Publish(key, value []byte, headers ...kafkago.Header) bool
}

// Kafka writes envelopes to the orders topic keyed by order id.
type Kafka struct {
	p   topicPublisher
	log *logger.Logger
}

func NewKafka(p topicPublisher, log *logger.Logger) *Kafka {
	if log == nil {
		log = logger.Nop()
	}
	return &Kafka{p: p, log: log}
}

func (k *Kafka) Publish(ctx context.Context, ev orders.Envelope) {
	if !k.p.Publish(orders.PartitionKey(ev.CorrelationID), kafka.MustMarshal(ev), kafka.EventTypeHeader(ev.EventType)) {
		k.log.Warn(k.log.WithField(ctx, "event_type", ev.EventType), "event not queued for kafka")
	}
}

type channelPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Redis pushes envelopes onto a pub/sub channel for dashboards.
type Redis struct {
	p       channelPublisher
	channel string
	log     *logger.Logger
}

func NewRedis(p channelPublisher, channel string, log *logger.Logger) *Redis {
	if log == nil {
		log = logger.Nop()
	}
	return &Redis{p: p, channel: channel, log: log}
}

func (r *Redis) Publish(ctx context.Context, ev orders.Envelope) {
	b, err := json.Marshal(ev)
	if err != nil {
		r.log.Error(ctx, "encode event", err)
		return
	}
	if err := r.p.Publish(context.WithoutCancel(ctx), r.channel, b); err != nil {
		r.log.Error(r.log.WithField(ctx, "event_type", ev.EventType), "redis publish failed", err)
	}
}

type statusWriter interface {
	SetOrderStatus(ctx context.Context, orderID string, status orders.Status, updatedAt time.Time) error
}

var transitionStatus = map[string]orders.Status{
	orders.EventOrderConfirmed: orders.StatusConfirmed,
	orders.EventOrderShipped:   orders.StatusShipped,
	orders.EventOrderCancelled: orders.StatusCancelled,
}

// StatusCache writes the new order status into the cache whenever an event
// moves an order. It overwrites any entry filled by a concurrent read.
type StatusCache struct {
	cache statusWriter
	log   *logger.Logger
}

func NewStatusCache(cache statusWriter, log *logger.Logger) *StatusCache {
	if log == nil {
		log = logger.Nop()
	}
	return &StatusCache{cache: cache, log: log}
}

func (c *StatusCache) Publish(ctx context.Context, ev orders.Envelope) {
	status, ok := transitionStatus[ev.EventType]
	if !ok {
		return
	}
	if err := c.cache.SetOrderStatus(context.WithoutCancel(ctx), ev.CorrelationID, status, ev.OccurredAt); err != nil {
		c.log.Error(c.log.WithOrderID(ctx, ev.CorrelationID), "update status cache", err)
	}
}

// Fanout hands each event to every sink in order.
type Fanout []orders.Broadcaster

func (f Fanout) Publish(ctx context.Context, ev orders.Envelope) {
	for _, b := range f {
		b.Publish(ctx, ev)
	}
}

// Log writes each event at info level; used when no broker is configured.
type Log struct {
	log *logger.Logger
}

func NewLog(log *logger.Logger) *Log { return &Log{log: log} }

func (l *Log) Publish(ctx context.Context, ev orders.Envelope) {
	l.log.Info(l.log.WithFields(ctx, map[string]any{
		"event_type": ev.EventType,
		"event_id":   ev.EventID,
		"order_id":   ev.CorrelationID,
	}), ev.Message)
}
