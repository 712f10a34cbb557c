package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/ariefcatur/bizhub-orders/internal/payments"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusCache is the read-through cache behind GET /orders/{id}/status.
type StatusCache interface {
	OrderStatus(ctx context.Context, orderID string) (orders.Status, bool, error)
	FillOrderStatus(ctx context.Context, orderID string, status orders.Status, updatedAt time.Time) (bool, error)
}

// HealthCheck reports a dependency's readiness.
type HealthCheck func(ctx context.Context) error

type RouterParams struct {
	Orders         *orders.Workflow
	Payments       *payments.Service
	Status         StatusCache // optional
	Gatherer       prometheus.Gatherer
	Health         map[string]HealthCheck
	Logger         *logger.Logger
	RequestTimeout time.Duration
}

func NewRouter(p RouterParams) *chi.Mux {
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(p.Logger), middleware.Recoverer)
	r.Use(middleware.Timeout(p.RequestTimeout))

	r.Get("/healthz", healthz(p.Health, p.Logger))
	if p.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	oh := &OrdersHandler{Orders: p.Orders, Status: p.Status, Log: p.Logger}
	oh.Register(r)
	ph := &PaymentsHandler{Payments: p.Payments, Log: p.Logger}
	ph.Register(r)
	return r
}

func healthz(checks map[string]HealthCheck, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{}
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				log.Warn(log.WithField(ctx, "dependency", name), "health check failed: "+err.Error())
				status[name] = "down"
				healthy = false
				continue
			}
			status[name] = "ok"
		}
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": map[bool]string{true: "ok", false: "degraded"}[healthy], "checks": status})
	}
}

// requestLogger attaches the request id to the context logger and writes one
// line per request.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := log.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			log.Info(log.WithFields(ctx, map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			}), "http request")
		})
	}
}
