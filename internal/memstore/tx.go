package memstore

import (
	"context"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
)

// tx works on the staged copy; WithTx already serializes transactions, so
// the Lock* methods are plain reads.
type tx struct {
	st *state
}

var _ orders.Tx = (*tx)(nil)

func (t *tx) LockStock(_ context.Context, productID string) (int, error) {
	p, ok := t.st.products[productID]
	if !ok {
		return 0, apperr.Newf(apperr.CodeNotFound, "product %s not found", productID)
	}
	return p.StockLevel, nil
}

func (t *tx) SetStock(_ context.Context, productID string, level int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return apperr.Newf(apperr.CodeNotFound, "product %s not found", productID)
	}
	if level < 0 {
		return apperr.Newf(apperr.CodeInternal, "stock for %s would go negative", productID)
	}
	p.StockLevel = level
	t.st.products[productID] = p
	return nil
}

func (t *tx) GetProducts(_ context.Context, ids []string) (map[string]orders.Product, error) {
	out := make(map[string]orders.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *tx) GetUser(_ context.Context, id string) (*orders.User, error) {
	for _, u := range t.st.users {
		if u.ID == id {
			u := u
			return &u, nil
		}
	}
	return nil, apperr.Newf(apperr.CodeNotFound, "user %s not found", id)
}

func (t *tx) FirstAdmin(_ context.Context) (*orders.User, error) {
	for _, u := range t.st.users {
		if u.Role == orders.RoleAdmin {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (t *tx) InsertOrder(_ context.Context, o *orders.Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return apperr.Newf(apperr.CodeConflict, "order %s already exists", o.ID)
	}
	if o.ExternalID != "" {
		for _, existing := range t.st.orders {
			if existing.ExternalID == o.ExternalID {
				return apperr.New(apperr.CodeConflict, "external_id already used")
			}
		}
	}
	c := *o
	c.Items = append([]orders.OrderItem(nil), o.Items...)
	t.st.orders[o.ID] = c
	return nil
}

func (t *tx) LockOrder(_ context.Context, id string) (*orders.Order, error) {
	return t.st.order(id)
}

func (t *tx) UpdateOrderStatus(_ context.Context, id string, status orders.Status) error {
	o, ok := t.st.orders[id]
	if !ok {
		return apperr.Newf(apperr.CodeNotFound, "order %s not found", id)
	}
	o.Status = status
	t.st.orders[id] = o
	return nil
}

func (t *tx) InsertPayment(_ context.Context, p *orders.Payment) error {
	if _, ok := t.st.payments[p.OrderID]; ok {
		return apperr.Newf(apperr.CodeConflict, "payment for order %s already exists", p.OrderID)
	}
	if err := t.checkTransactionUnique(p); err != nil {
		return err
	}
	t.st.payments[p.OrderID] = *p
	return nil
}

func (t *tx) LockPaymentByOrder(_ context.Context, orderID string) (*orders.Payment, error) {
	return t.st.paymentByOrder(orderID)
}

func (t *tx) LockPaymentByTransaction(_ context.Context, transactionID string) (*orders.Payment, error) {
	if transactionID != "" {
		for _, p := range t.st.payments {
			if p.TransactionID == transactionID {
				p := p
				return &p, nil
			}
		}
	}
	return nil, apperr.Newf(apperr.CodeNotFound, "payment with transaction %s not found", transactionID)
}

func (t *tx) UpdatePayment(_ context.Context, p *orders.Payment) error {
	if _, ok := t.st.payments[p.OrderID]; !ok {
		return apperr.Newf(apperr.CodeNotFound, "payment for order %s not found", p.OrderID)
	}
	if err := t.checkTransactionUnique(p); err != nil {
		return err
	}
	t.st.payments[p.OrderID] = *p
	return nil
}

func (t *tx) checkTransactionUnique(p *orders.Payment) error {
	if p.TransactionID == "" {
		return nil
	}
	for orderID, other := range t.st.payments {
		if orderID != p.OrderID && other.TransactionID == p.TransactionID {
			return apperr.Newf(apperr.CodeConflict, "transaction %s already recorded", p.TransactionID)
		}
	}
	return nil
}

func (t *tx) InsertLoyaltyPoint(_ context.Context, lp *orders.LoyaltyPoint) error {
	t.st.loyalty = append(t.st.loyalty, *lp)
	return nil
}

func (t *tx) InsertNotification(_ context.Context, n *orders.Notification) error {
	t.st.notifications = append(t.st.notifications, *n)
	return nil
}
