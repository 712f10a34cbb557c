// Package payments starts mobile-money pushes for orders and applies the
// gateway's callbacks to payment and order state.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/metrics"
	"github.com/ariefcatur/bizhub-orders/internal/mpesa"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway is the STK push side of the mobile-money provider.
type Gateway interface {
	Push(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushAck, error)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
)

type ServiceParams struct {
	Store       orders.Store
	Gateway     Gateway
	Dispatcher  orders.Dispatcher
	Broadcaster orders.Broadcaster
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
	ServiceName string
	Now         func() time.Time
}

type Service struct {
	store       orders.Store
	gateway     Gateway
	dispatcher  orders.Dispatcher
	broadcaster orders.Broadcaster
	metrics     *metrics.Metrics
	log         *logger.Logger
	service     string
	now         func() time.Time
}

func NewService(p ServiceParams) (*Service, error) {
	if p.Store == nil {
		return nil, apperr.New(apperr.CodeInternal, "store required")
	}
	if p.Gateway == nil {
		return nil, apperr.New(apperr.CodeInternal, "gateway required")
	}
	if p.Dispatcher == nil {
		return nil, apperr.New(apperr.CodeInternal, "dispatcher required")
	}
	if p.Broadcaster == nil {
		return nil, apperr.New(apperr.CodeInternal, "broadcaster required")
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Service{
		store:       p.Store,
		gateway:     p.Gateway,
		dispatcher:  p.Dispatcher,
		broadcaster: p.Broadcaster,
		metrics:     p.Metrics,
		log:         p.Logger,
		service:     p.ServiceName,
		now:         p.Now,
	}, nil
}

type InitiateInput struct {
	UserID      string
	OrderID     string
	PhoneNumber string           // defaults to the customer's phone
	Amount      *decimal.Decimal // must equal the order total when set
}

type InitiateResult struct {
	Payment *orders.Payment
	Ack     *mpesa.PushAck
}

// Initiate sends an STK push for a pending mobile-money order and records the
// gateway's transaction id on the order's payment. The gateway is called
// outside any transaction; a failed push leaves stored state untouched.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	ctx = s.log.WithOrderID(ctx, in.OrderID)

	order, err := s.store.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != in.UserID {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", in.OrderID)
	}
	if order.PaymentMethod != orders.MethodMobileMoney {
		return nil, apperr.Newf(apperr.CodeValidation, "order %s is not paid by %s", order.ID, orders.MethodMobileMoney)
	}
	if order.Status != orders.StatusPending {
		return nil, apperr.Newf(apperr.CodeStateConflict, "order is %s", order.Status)
	}
	if existing, err := s.store.GetPaymentByOrder(ctx, order.ID); err == nil {
		if err := checkReplaceable(existing); err != nil {
			return nil, err
		}
	} else if !apperr.HasCode(err, apperr.CodeNotFound) {
		return nil, err
	}
	if in.Amount != nil && !in.Amount.Equal(order.TotalAmount) {
		return nil, apperr.Newf(apperr.CodeValidation, "amount %s does not match order total %s", in.Amount, order.TotalAmount).
			WithDetails(map[string]string{"amount": in.Amount.String(), "total_amount": order.TotalAmount.String()})
	}

	rawPhone := in.PhoneNumber
	if rawPhone == "" {
		user, err := s.store.GetUser(ctx, order.UserID)
		if err != nil {
			return nil, err
		}
		rawPhone = user.Phone
	}
	if rawPhone == "" {
		return nil, apperr.New(apperr.CodeValidation, "phone_number required")
	}
	phone, err := mpesa.NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}

	ack, err := s.gateway.Push(ctx, mpesa.PushRequest{
		// the gateway only takes whole shillings
		Amount:           order.TotalAmount.Ceil().IntPart(),
		PhoneNumber:      phone,
		AccountReference: "Order " + order.ID,
		TransactionDesc:  "Payment for order",
	})
	if err != nil {
		s.metrics.GatewayRequest("error")
		s.log.Error(ctx, "stk push failed", err)
		return nil, err
	}
	s.metrics.GatewayRequest("accepted")

	// The push is out; record it even if the caller has gone away.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	var payment *orders.Payment
	err = s.store.WithTx(rctx, func(tx orders.Tx) error {
		o, err := tx.LockOrder(rctx, order.ID)
		if err != nil {
			return err
		}
		if o.Status != orders.StatusPending {
			return apperr.Newf(apperr.CodeStateConflict, "order is %s", o.Status)
		}

		now := s.now().UTC()
		p, err := tx.LockPaymentByOrder(rctx, order.ID)
		switch {
		case apperr.HasCode(err, apperr.CodeNotFound):
			p = &orders.Payment{
				ID:            uuid.NewString(),
				OrderID:       order.ID,
				Amount:        order.TotalAmount,
				TransactionID: ack.CheckoutRequestID,
				Method:        orders.MethodMobileMoney,
				Status:        orders.PaymentPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.InsertPayment(rctx, p); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := checkReplaceable(p); err != nil {
				return err
			}
			p.TransactionID = ack.CheckoutRequestID
			p.Status = orders.PaymentPending
			p.ResultDescription = ""
			p.UpdatedAt = now
			if err := tx.UpdatePayment(rctx, p); err != nil {
				return err
			}
		}
		payment = p
		return nil
	})
	if err != nil {
		// Callbacks for this checkout id will answer PAYMENT_NOT_FOUND.
		s.log.Error(s.log.WithField(ctx, "transaction_id", ack.CheckoutRequestID), "stk push accepted but not recorded", err)
		return nil, err
	}

	s.broadcaster.Publish(ctx, orders.NewEnvelope(orders.EventPaymentInitiated, s.service, order.ID,
		fmt.Sprintf("Payment initiated for order %s", order.ID),
		paymentPayload(payment, "")))
	s.log.Info(s.log.WithField(ctx, "transaction_id", payment.TransactionID), "stk push initiated")
	return &InitiateResult{Payment: payment, Ack: ack}, nil
}

// recordTimeout bounds the transaction that stores an accepted push.
const recordTimeout = 10 * time.Second

// checkReplaceable rejects a new push while p is paid or while an earlier
// push may still be answered. Only failed attempts, or a payment that was
// never pushed, can be replaced.
func checkReplaceable(p *orders.Payment) error {
	switch p.Status {
	case orders.PaymentCompleted:
		return apperr.New(apperr.CodeConflict, "payment already completed")
	case orders.PaymentPending:
		if p.TransactionID != "" {
			return apperr.New(apperr.CodeStateConflict, "payment in progress").
				WithDetails(map[string]string{"transaction_id": p.TransactionID})
		}
	}
	return nil
}

type ReconcileResult struct {
	Outcome Outcome
	Payment *orders.Payment
}

// Reconcile applies a gateway callback. Callbacks for payments already
// completed or failed change nothing, so gateway retries are safe.
func (s *Service) Reconcile(ctx context.Context, cb Callback) (*ReconcileResult, error) {
	if cb.TransactionID == "" {
		return nil, apperr.New(apperr.CodeValidation, "transaction id required")
	}
	ctx = s.log.WithField(ctx, "transaction_id", cb.TransactionID)

	var (
		result    ReconcileResult
		order     *orders.Order
		confirmed bool
		sms       *orders.Notification
	)
	notFound := func(err error) error {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return apperr.Newf(apperr.CodePaymentNotFound, "no payment for transaction %s", cb.TransactionID)
		}
		return err
	}
	found, err := s.store.GetPaymentByTransaction(ctx, cb.TransactionID)
	if err != nil {
		err = notFound(err)
		s.metrics.PaymentCallback(string(apperr.CodeOf(err)))
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx orders.Tx) error {
		o, err := tx.LockOrder(ctx, found.OrderID)
		if err != nil {
			return err
		}
		p, err := tx.LockPaymentByTransaction(ctx, cb.TransactionID)
		if err != nil {
			return notFound(err)
		}
		if p.Status.Terminal() {
			result = ReconcileResult{Outcome: OutcomeDuplicate, Payment: p}
			return nil
		}

		now := s.now().UTC()
		p.ResultDescription = cb.ResultDescription
		p.UpdatedAt = now
		if !cb.Succeeded() {
			p.Status = orders.PaymentFailed
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
			result = ReconcileResult{Outcome: OutcomeFailed, Payment: p}
			return nil
		}

		p.Status = orders.PaymentCompleted
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		result = ReconcileResult{Outcome: OutcomeCompleted, Payment: p}

		order = o
		if !orders.CanTransition(o.Status, orders.StatusConfirmed) {
			// Money arrived for an order that moved on; left for manual follow-up.
			s.log.Warn(s.log.WithField(ctx, "order_status", string(o.Status)), "payment completed for non-pending order")
			return nil
		}
		if err := tx.UpdateOrderStatus(ctx, o.ID, orders.StatusConfirmed); err != nil {
			return err
		}
		o.Status = orders.StatusConfirmed
		confirmed = true

		user, err := tx.GetUser(ctx, o.UserID)
		switch {
		case apperr.HasCode(err, apperr.CodeNotFound):
			s.log.Warn(ctx, "order owner missing, skipping payment sms")
			return nil
		case err != nil:
			return err
		}
		recipient := user.Phone
		if recipient == "" {
			recipient = cb.PhoneNumber
		}
		n := orders.Notification{
			ID:        uuid.NewString(),
			UserID:    user.ID,
			Recipient: recipient,
			Channel:   orders.ChannelSMS,
			Message:   fmt.Sprintf("Your payment of %s for Order %s was successful.", p.Amount.StringFixed(2), o.ID),
			CreatedAt: now,
		}
		if err := tx.InsertNotification(ctx, &n); err != nil {
			return err
		}
		sms = &n
		return nil
	})
	if err != nil {
		s.metrics.PaymentCallback(string(apperr.CodeOf(err)))
		return nil, err
	}

	p := result.Payment
	ctx = s.log.WithOrderID(ctx, p.OrderID)
	s.metrics.PaymentCallback(string(result.Outcome))

	switch result.Outcome {
	case OutcomeDuplicate:
		s.log.Info(ctx, "duplicate payment callback ignored")
	case OutcomeFailed:
		s.broadcaster.Publish(ctx, orders.NewEnvelope(orders.EventPaymentFailed, s.service, p.OrderID,
			fmt.Sprintf("Payment for order %s failed", p.OrderID),
			paymentPayload(p, cb.ResultDescription)))
		s.log.Info(s.log.WithField(ctx, "result_code", cb.ResultCode), "payment failed")
	case OutcomeCompleted:
		if sms != nil {
			s.dispatcher.Send(ctx, *sms)
		}
		if confirmed {
			s.broadcaster.Publish(ctx, orders.NewEnvelope(orders.EventOrderConfirmed, s.service, order.ID,
				fmt.Sprintf("Order %s confirmed", order.ID),
				orders.OrderStatusPayload{OrderID: order.ID, Status: order.Status}))
		}
		s.log.Info(s.log.WithField(ctx, "receipt", cb.Receipt), "payment completed")
	}
	return &result, nil
}

func paymentPayload(p *orders.Payment, reason string) orders.PaymentPayload {
	return orders.PaymentPayload{
		OrderID:       p.OrderID,
		PaymentID:     p.ID,
		TransactionID: p.TransactionID,
		Amount:        p.Amount,
		Status:        p.Status,
		Reason:        reason,
	}
}
