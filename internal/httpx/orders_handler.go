package httpx

import (
	"net/http"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/go-chi/chi/v5"
)

type OrdersHandler struct {
	Orders *orders.Workflow
	Status StatusCache
	Log    *logger.Logger
}

type createOrderItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type createOrderRequest struct {
	ExternalID    string            `json:"external_id" validate:"omitempty,max=128"`
	PaymentMethod string            `json:"payment_method" validate:"required,oneof=Cash M-Pesa MobileMoney Card"`
	Items         []createOrderItem `json:"items" validate:"required,min=1,dive"`
	Notes         string            `json:"notes" validate:"max=1000"`
}

type statusResponse struct {
	OrderID string        `json:"order_id"`
	Status  orders.Status `json:"status"`
	Cached  bool          `json:"cached"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/ship", h.shipOrder)
	r.Get("/inventory/low-stock", h.lowStock)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, err := userID(r)
	if err != nil {
		writeError(ctx, h.Log, w, err)
		return
	}
	var req createOrderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(ctx, h.Log, w, err)
		return
	}

	items := make([]orders.ItemInput, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, orders.ItemInput{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	res, err := h.Orders.CreateOrder(h.Log.WithUserID(ctx, uid), orders.CreateOrderInput{
		UserID:        uid,
		ExternalID:    req.ExternalID,
		PaymentMethod: orders.PaymentMethod(req.PaymentMethod),
		Items:         items,
		Notes:         req.Notes,
	})
	if err != nil {
		writeError(ctx, h.Log, w, err)
		return
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, res.Order)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), h.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.Status != nil {
		status, ok, err := h.Status.OrderStatus(ctx, id)
		if err != nil {
			h.Log.Warn(h.Log.WithOrderID(ctx, id), "status cache read failed: "+err.Error())
		}
		if ok {
			writeJSON(w, http.StatusOK, statusResponse{OrderID: id, Status: status, Cached: true})
			return
		}
	}

	o, err := h.Orders.GetOrder(ctx, id)
	if err != nil {
		writeError(ctx, h.Log, w, err)
		return
	}
	if h.Status != nil {
		if _, err := h.Status.FillOrderStatus(ctx, id, o.Status, o.UpdatedAt); err != nil {
			h.Log.Warn(h.Log.WithOrderID(ctx, id), "status cache write failed: "+err.Error())
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{OrderID: id, Status: o.Status})
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, err := userID(r)
	if err != nil {
		writeError(ctx, h.Log, w, err)
		return
	}
	o, err := h.Orders.CancelOrder(h.Log.WithUserID(ctx, uid), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeError(ctx, h.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) shipOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.ShipOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), h.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type lowStockResponse struct {
	Threshold int              `json:"threshold"`
	Products  []orders.Product `json:"products"`
	CheckedAt time.Time        `json:"checked_at"`
}

func (h *OrdersHandler) lowStock(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Orders.LowStock(r.Context())
	if err != nil {
		writeError(r.Context(), h.Log, w, err)
		return
	}
	if ps == nil {
		ps = []orders.Product{}
	}
	writeJSON(w, http.StatusOK, lowStockResponse{Threshold: h.Orders.LowStockThreshold(), Products: ps, CheckedAt: time.Now().UTC()})
}
