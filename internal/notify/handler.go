package notify

import (
	"context"

	"github.com/ariefcatur/bizhub-orders/internal/kafka"
	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/metrics"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
)

// Deduper claims an event id once per service. Release gives a claim back
// after a failed delivery.
type Deduper interface {
	Claim(ctx context.Context, service, id string) (bool, error)
	Release(ctx context.Context, service, id string) error
}

type HandlerParams struct {
	Router  Router
	Dedup   Deduper // optional
	Service string
	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// Handler consumes NotificationRequested envelopes.
type Handler struct {
	router  Router
	dedup   Deduper
	service string
	metrics *metrics.Metrics
	log     *logger.Logger
}

func NewHandler(p HandlerParams) *Handler {
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	return &Handler{router: p.Router, dedup: p.Dedup, service: p.Service, metrics: p.Metrics, log: p.Logger}
}

// Handle returns an error when the message should be retried. Malformed
// messages are logged and committed. A failed delivery gives its claim back
// and is retried by the consumer.
func (h *Handler) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := kafka.Decode[orders.Envelope](m.Value)
	if err != nil {
		h.log.Error(ctx, "skipping malformed message", err)
		return nil
	}
	if env.EventType != orders.EventNotificationRequested {
		return nil
	}
	ctx = h.log.WithField(ctx, "event_id", env.EventID)

	n, err := kafka.UnwrapPayload[orders.Notification](env.Payload)
	if err != nil {
		h.log.Error(ctx, "skipping malformed notification", err)
		return nil
	}

	if h.dedup != nil {
		first, err := h.dedup.Claim(ctx, h.service, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			h.log.Debug(ctx, "duplicate notification skipped")
			return nil
		}
	}

	if err := h.router.Deliver(ctx, n); err != nil {
		ctx = h.log.WithField(ctx, "channel", string(n.Channel))
		h.metrics.Notification(string(n.Channel), "failed")
		h.log.Error(ctx, "notification delivery failed", err)
		if h.dedup != nil {
			if rerr := h.dedup.Release(ctx, h.service, env.EventID); rerr != nil {
				h.log.Error(ctx, "dedup release failed", rerr)
			}
		}
		return err
	}
	h.metrics.Notification(string(n.Channel), "sent")
	return nil
}
