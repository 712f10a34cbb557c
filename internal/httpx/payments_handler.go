package httpx

import (
	"net/http"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/ariefcatur/bizhub-orders/internal/payments"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type PaymentsHandler struct {
	Payments *payments.Service
	Log      *logger.Logger
}

type initiatePaymentRequest struct {
	OrderID     string           `json:"order_id" validate:"required"`
	PhoneNumber string           `json:"phone_number" validate:"omitempty,min=9,max=15"`
	Amount      *decimal.Decimal `json:"amount"`
}

type initiatePaymentResponse struct {
	Payment           *orders.Payment `json:"payment"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	CustomerMessage   string          `json:"customer_message,omitempty"`
}

type callbackResponse struct {
	Status  string           `json:"status"`
	Outcome payments.Outcome `json:"outcome"`
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/payments/mpesa", h.initiate)
	r.Post("/payments/mpesa/callback", h.callback)
}

func (h *PaymentsHandler) initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, err := userID(r)
	if err != nil {
		writeError(ctx, h.Log, w, err)
		return
	}
	var req initiatePaymentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(ctx, h.Log, w, err)
		return
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		writeError(ctx, h.Log, w, apperr.New(apperr.CodeValidation, "validation failed").
			WithDetails(map[string]string{"amount": "must be greater than 0"}))
		return
	}

	res, err := h.Payments.Initiate(h.Log.WithUserID(ctx, uid), payments.InitiateInput{
		UserID:      uid,
		OrderID:     req.OrderID,
		PhoneNumber: req.PhoneNumber,
		Amount:      req.Amount,
	})
	if err != nil {
		writeError(ctx, h.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, initiatePaymentResponse{
		Payment:           res.Payment,
		CheckoutRequestID: res.Ack.CheckoutRequestID,
		CustomerMessage:   res.Ack.CustomerMessage,
	})
}

// callback is invoked by the gateway, not by customers, so it carries no
// user identity.
func (h *PaymentsHandler) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cb, err := payments.DecodeCallback(r.Body)
	if err != nil {
		writeError(ctx, h.Log, w, err)
		return
	}
	res, err := h.Payments.Reconcile(ctx, cb)
	if err != nil {
		writeError(ctx, h.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse{Status: "success", Outcome: res.Outcome})
}
