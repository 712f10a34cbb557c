package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the order/payment counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ordersCreated    *prometheus.CounterVec
	ordersRejected   *prometheus.CounterVec
	lowStockAlerts   prometheus.Counter
	gatewayRequests  *prometheus.CounterVec
	paymentCallbacks *prometheus.CounterVec
	notifications    *prometheus.CounterVec
}

// New registers the collectors on reg. A nil registerer yields a no-op value.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Orders persisted, by payment method.",
		}, []string{"payment_method"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Order submissions rejected, by error code.",
		}, []string{"code"}),
		lowStockAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_low_alerts_total",
			Help: "Reservations that left a product at or below the low-stock threshold.",
		}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_gateway_requests_total",
			Help: "STK push requests sent to the gateway, by outcome.",
		}, []string{"outcome"}),
		paymentCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_callbacks_total",
			Help: "Gateway callbacks processed, by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notifications handed to delivery, by channel and outcome.",
		}, []string{"channel", "outcome"}),
	}
	reg.MustRegister(m.ordersCreated, m.ordersRejected, m.lowStockAlerts, m.gatewayRequests, m.paymentCallbacks, m.notifications)
	return m
}

func (m *Metrics) OrderCreated(method string) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(normalizeLabel(method)).Inc()
}

func (m *Metrics) OrderRejected(code string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(normalizeLabel(code)).Inc()
}

func (m *Metrics) LowStock(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.lowStockAlerts.Add(float64(n))
}

func (m *Metrics) GatewayRequest(outcome string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) PaymentCallback(outcome string) {
	if m == nil {
		return
	}
	m.paymentCallbacks.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) Notification(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(normalizeLabel(channel), normalizeLabel(outcome)).Inc()
}

func normalizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
