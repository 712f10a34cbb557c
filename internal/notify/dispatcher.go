// Package notify moves persisted notifications to their delivery channel.
// The API publishes them to Kafka; the notifier consumes, dedups and sends.
package notify

import (
	"context"

	"github.com/ariefcatur/bizhub-orders/internal/kafka"
	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/metrics"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
)

type topicPublisher interface {
	Publish(key, value []byte, headers ...kafkago.Header) bool
}

// Kafka queues each notification on the notifications topic.
type Kafka struct {
	p       topicPublisher
	service string
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewKafka(p topicPublisher, service string, m *metrics.Metrics, log *logger.Logger) *Kafka {
	if log == nil {
		log = logger.Nop()
	}
	return &Kafka{p: p, service: service, log: log, metrics: m}
}

func (k *Kafka) Send(ctx context.Context, n orders.Notification) {
	ev := orders.NewEnvelope(orders.EventNotificationRequested, k.service, n.ID, n.Message, n)
	if !k.p.Publish(orders.PartitionKey(n.ID), kafka.MustMarshal(ev), kafka.EventTypeHeader(ev.EventType)) {
		k.metrics.Notification(string(n.Channel), "dropped")
		k.log.Warn(k.log.WithField(ctx, "notification_id", n.ID), "notification not queued")
		return
	}
	k.metrics.Notification(string(n.Channel), "queued")
}

// Direct delivers in a background goroutine; used when no broker is
// configured.
type Direct struct {
	router  Router
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewDirect(r Router, m *metrics.Metrics, log *logger.Logger) *Direct {
	if log == nil {
		log = logger.Nop()
	}
	return &Direct{router: r, log: log, metrics: m}
}

func (d *Direct) Send(ctx context.Context, n orders.Notification) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := d.router.Deliver(ctx, n); err != nil {
			d.metrics.Notification(string(n.Channel), "failed")
			d.log.Error(d.log.WithField(ctx, "notification_id", n.ID), "notification delivery failed", err)
			return
		}
		d.metrics.Notification(string(n.Channel), "sent")
	}()
}
