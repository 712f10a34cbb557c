package orders

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
	"github.com/ariefcatur/bizhub-orders/internal/ledger"
	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderInput struct {
	UserID        string
	ExternalID    string // optional client idempotency key
	PaymentMethod PaymentMethod
	Items         []ItemInput
	Notes         string
}

type CreateOrderResult struct {
	Order *Order
	// Replayed is set when ExternalID matched an order created earlier.
	Replayed bool
}

type WorkflowParams struct {
	Store       Store
	Ledger      *ledger.Ledger
	Dispatcher  Dispatcher
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
	ServiceName string
	Now         func() time.Time
}

type Workflow struct {
	store       Store
	ledger      *ledger.Ledger
	dispatcher  Dispatcher
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	log         *logger.Logger
	service     string
	now         func() time.Time
}

func NewWorkflow(p WorkflowParams) (*Workflow, error) {
	if p.Store == nil {
		return nil, apperr.New(apperr.CodeInternal, "store required")
	}
	if p.Ledger == nil {
		return nil, apperr.New(apperr.CodeInternal, "ledger required")
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
	return &Workflow{
		store:       p.Store,
		ledger:      p.Ledger,
		dispatcher:  p.Dispatcher,
		broadcaster: p.Broadcaster,
		metrics:     p.Metrics,
		log:         p.Logger,
		service:     p.ServiceName,
		now:         p.Now,
	}, nil
}

// CreateOrder reserves stock for every item and persists the order, its
// payment record, loyalty points and low-stock notifications in a single
// transaction. Nothing persists when any step fails.
func (w *Workflow) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	method, items, err := validateCreate(in)
	if err != nil {
		w.metrics.OrderRejected(string(apperr.CodeOf(err)))
		return nil, err
	}
	in.PaymentMethod = method

	if in.ExternalID != "" {
		if res, err := w.replay(ctx, in); res != nil || err != nil {
			return res, err
		}
	}

	var (
		order   *Order
		pending []Notification
	)
	err = w.store.WithTx(ctx, func(tx Tx) error {
		var txErr error
		order, pending, txErr = w.placeInTx(ctx, tx, in, items)
		return txErr
	})
	if err != nil {
		if in.ExternalID != "" && apperr.HasCode(err, apperr.CodeConflict) {
			// Lost a race against a retry carrying the same key.
			if res, rerr := w.replay(ctx, in); res != nil || rerr != nil {
				return res, rerr
			}
		}
		w.metrics.OrderRejected(string(apperr.CodeOf(err)))
		return nil, err
	}

	ctx = w.log.WithOrderID(ctx, order.ID)
	w.metrics.OrderCreated(string(order.PaymentMethod))
	w.metrics.LowStock(len(pending))
	for _, n := range pending {
		w.dispatcher.Send(ctx, n)
	}
	w.broadcaster.Publish(ctx, NewEnvelope(EventOrderCreated, w.service, order.ID,
		fmt.Sprintf("New order %s created", order.ID),
		OrderCreatedPayload{
			OrderID:       order.ID,
			ExternalID:    order.ExternalID,
			UserID:        order.UserID,
			PaymentMethod: order.PaymentMethod,
			Items:         priceItems(order.Items),
			TotalAmount:   order.TotalAmount,
		}))
	w.log.Info(ctx, "order created")
	return &CreateOrderResult{Order: order}, nil
}

func (w *Workflow) placeInTx(ctx context.Context, tx Tx, in CreateOrderInput, items []ItemInput) (*Order, []Notification, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	products, err := tx.GetProducts(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return nil, nil, apperr.Newf(apperr.CodeNotFound, "product %s not found", id).
				WithDetails(map[string]string{"product_id": id})
		}
	}

	// Lock rows in a fixed order so concurrent orders sharing products cannot deadlock.
	lockOrder := append([]ItemInput(nil), items...)
	sort.Slice(lockOrder, func(i, j int) bool { return lockOrder[i].ProductID < lockOrder[j].ProductID })

	var lowStock []ledger.Reservation
	for _, it := range lockOrder {
		res, err := w.ledger.Reserve(ctx, tx, it.ProductID, it.Quantity)
		if err != nil {
			return nil, nil, err
		}
		if res.LowStock {
			lowStock = append(lowStock, res)
		}
	}

	now := w.now().UTC()
	order := &Order{
		ID:            uuid.NewString(),
		ExternalID:    in.ExternalID,
		UserID:        in.UserID,
		PaymentMethod: in.PaymentMethod,
		Status:        StatusPending,
		Notes:         in.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	total := decimal.Zero
	for _, it := range items {
		price := products[it.ProductID].Price
		total = total.Add(price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		order.Items = append(order.Items, OrderItem{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     price,
		})
	}
	order.TotalAmount = total.Round(2)

	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, nil, err
	}

	if order.PaymentMethod.RequiresPaymentRecord() {
		if err := tx.InsertPayment(ctx, &Payment{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			Amount:    order.TotalAmount,
			Method:    order.PaymentMethod,
			Status:    PaymentPending,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.InsertLoyaltyPoint(ctx, &LoyaltyPoint{
		ID:       uuid.NewString(),
		UserID:   order.UserID,
		OrderID:  order.ID,
		Points:   LoyaltyPointsFor(order.TotalAmount),
		EarnedAt: now,
	}); err != nil {
		return nil, nil, err
	}

	notes, err := w.lowStockNotifications(ctx, tx, products, lowStock, now)
	if err != nil {
		return nil, nil, err
	}
	return order, notes, nil
}

func (w *Workflow) lowStockNotifications(ctx context.Context, tx Tx, products map[string]Product, hits []ledger.Reservation, now time.Time) ([]Notification, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	admin, err := tx.FirstAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if admin == nil {
		w.log.Warn(ctx, "low stock reached but no admin user to notify")
		return nil, nil
	}
	out := make([]Notification, 0, len(hits))
	for _, hit := range hits {
		n := Notification{
			ID:        uuid.NewString(),
			UserID:    admin.ID,
			Recipient: admin.Email,
			Channel:   ChannelEmail,
			Message:   fmt.Sprintf("Low stock alert: %s has %d units left.", products[hit.ProductID].Name, hit.After),
			CreatedAt: now,
		}
		if err := tx.InsertNotification(ctx, &n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (w *Workflow) replay(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	existing, err := w.store.GetOrderByExternalID(ctx, in.ExternalID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if existing.UserID != in.UserID {
		return nil, apperr.New(apperr.CodeConflict, "external_id already used")
	}
	return &CreateOrderResult{Order: existing, Replayed: true}, nil
}

// validateCreate rejects bad input before any side effect and merges
// duplicate product lines, keeping first-appearance order.
func validateCreate(in CreateOrderInput) (PaymentMethod, []ItemInput, error) {
	if in.UserID == "" {
		return "", nil, apperr.New(apperr.CodeValidation, "user id required")
	}
	method, err := ParsePaymentMethod(string(in.PaymentMethod))
	if err != nil {
		return "", nil, apperr.Wrap(apperr.CodeValidation, err, "invalid payment method")
	}
	if len(in.Items) == 0 {
		return "", nil, apperr.New(apperr.CodeValidation, "order must contain at least one item")
	}
	merged := make([]ItemInput, 0, len(in.Items))
	index := make(map[string]int, len(in.Items))
	for _, it := range in.Items {
		if it.ProductID == "" {
			return "", nil, apperr.New(apperr.CodeValidation, "product_id required")
		}
		if it.Quantity <= 0 {
			return "", nil, apperr.Newf(apperr.CodeValidation, "invalid quantity %d for product %s", it.Quantity, it.ProductID).
				WithDetails(map[string]any{"product_id": it.ProductID, "quantity": it.Quantity})
		}
		if i, ok := index[it.ProductID]; ok {
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}
	return method, merged, nil
}

func (w *Workflow) GetOrder(ctx context.Context, id string) (*Order, error) {
	return w.store.GetOrder(ctx, id)
}

func (w *Workflow) LowStock(ctx context.Context) ([]Product, error) {
	return w.store.ListLowStock(ctx, w.ledger.Threshold())
}

func (w *Workflow) LowStockThreshold() int { return w.ledger.Threshold() }

// CancelOrder releases the stock of a pending order owned by userID. Orders
// whose payment push is already in flight cannot be cancelled.
func (w *Workflow) CancelOrder(ctx context.Context, userID, orderID string) (*Order, error) {
	var (
		order    *Order
		released []ItemQty
	)
	err := w.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
		}
		if !CanTransition(o.Status, StatusCancelled) {
			return apperr.Newf(apperr.CodeStateConflict, "order is %s", o.Status).
				WithDetails(map[string]string{"from": string(o.Status), "to": string(StatusCancelled)})
		}

		p, err := tx.LockPaymentByOrder(ctx, o.ID)
		switch {
		case err == nil:
			if p.Status == PaymentPending && p.TransactionID != "" {
				return apperr.New(apperr.CodeStateConflict, "payment in progress")
			}
			if p.Status == PaymentPending {
				p.Status = PaymentFailed
				p.ResultDescription = "order cancelled"
				p.UpdatedAt = w.now().UTC()
				if err := tx.UpdatePayment(ctx, p); err != nil {
					return err
				}
			}
		case !apperr.HasCode(err, apperr.CodeNotFound):
			return err
		}

		items := append([]OrderItem(nil), o.Items...)
		sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
		for _, it := range items {
			if _, err := w.ledger.Release(ctx, tx, it.ProductID, it.Quantity); err != nil {
				return err
			}
			released = append(released, ItemQty{ProductID: it.ProductID, Quantity: it.Quantity})
		}
		if err := tx.UpdateOrderStatus(ctx, o.ID, StatusCancelled); err != nil {
			return err
		}
		o.Status = StatusCancelled
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.broadcaster.Publish(ctx, NewEnvelope(EventOrderCancelled, w.service, order.ID,
		fmt.Sprintf("Order %s cancelled", order.ID),
		OrderCancelledPayload{OrderID: order.ID, Released: released}))
	return order, nil
}

// ShipOrder moves a confirmed order to shipped.
func (w *Workflow) ShipOrder(ctx context.Context, orderID string) (*Order, error) {
	var order *Order
	err := w.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, StatusShipped) {
			return apperr.Newf(apperr.CodeStateConflict, "order is %s", o.Status).
				WithDetails(map[string]string{"from": string(o.Status), "to": string(StatusShipped)})
		}
		if err := tx.UpdateOrderStatus(ctx, o.ID, StatusShipped); err != nil {
			return err
		}
		o.Status = StatusShipped
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.broadcaster.Publish(ctx, NewEnvelope(EventOrderShipped, w.service, order.ID,
		fmt.Sprintf("Order %s shipped", order.ID),
		OrderStatusPayload{OrderID: order.ID, Status: order.Status}))
	return order, nil
}
