// Package memstore is an in-process orders.Store. Transactions run one at a
// time against a private copy of the data that replaces the live copy on
// commit, so a failed transaction leaves no trace. Used by tests and by the
// API's STORE_DRIVER=memory mode.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
)

type state struct {
	products      map[string]orders.Product
	users         []orders.User
	orders        map[string]orders.Order
	payments      map[string]orders.Payment // by order id
	loyalty       []orders.LoyaltyPoint
	notifications []orders.Notification
}

func (s *state) clone() *state {
	c := &state{
		products:      make(map[string]orders.Product, len(s.products)),
		users:         append([]orders.User(nil), s.users...),
		orders:        make(map[string]orders.Order, len(s.orders)),
		payments:      make(map[string]orders.Payment, len(s.payments)),
		loyalty:       append([]orders.LoyaltyPoint(nil), s.loyalty...),
		notifications: append([]orders.Notification(nil), s.notifications...),
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		v.Items = append([]orders.OrderItem(nil), v.Items...)
		c.orders[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

type Store struct {
	mu sync.RWMutex
	st *state
}

func New() *Store {
	return &Store{st: &state{
		products: map[string]orders.Product{},
		orders:   map[string]orders.Order{},
		payments: map[string]orders.Payment{},
	}}
}

var _ orders.Store = (*Store)(nil)

func (s *Store) WithTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.st.clone()
	if err := fn(&tx{st: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = staged
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.order(id)
}

func (s *Store) GetOrderByExternalID(_ context.Context, externalID string) (*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, o := range s.st.orders {
		if o.ExternalID != "" && o.ExternalID == externalID {
			return s.st.order(id)
		}
	}
	return nil, apperr.Newf(apperr.CodeNotFound, "order with external id %s not found", externalID)
}

func (s *Store) GetPaymentByOrder(_ context.Context, orderID string) (*orders.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.paymentByOrder(orderID)
}

func (s *Store) GetPaymentByTransaction(ctx context.Context, transactionID string) (*orders.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&tx{st: s.st}).LockPaymentByTransaction(ctx, transactionID)
}

func (s *Store) GetUser(ctx context.Context, id string) (*orders.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&tx{st: s.st}).GetUser(ctx, id)
}

func (s *Store) ListLowStock(_ context.Context, threshold int) ([]orders.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orders.Product
	for _, p := range s.st.products {
		if p.StockLevel <= threshold {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---- seeding and inspection ----

func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

func (s *Store) PutUser(u orders.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users = append(s.st.users, u)
}

func (s *Store) Product(id string) (orders.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.products[id]
	return p, ok
}

func (s *Store) Orders() []orders.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orders.Order, 0, len(s.st.orders))
	for _, o := range s.st.orders {
		out = append(out, o)
	}
	return out
}

func (s *Store) Payments() []orders.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orders.Payment, 0, len(s.st.payments))
	for _, p := range s.st.payments {
		out = append(out, p)
	}
	return out
}

func (s *Store) LoyaltyPoints() []orders.LoyaltyPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]orders.LoyaltyPoint(nil), s.st.loyalty...)
}

func (s *Store) Notifications() []orders.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]orders.Notification(nil), s.st.notifications...)
}

// ---- state helpers ----

func (st *state) order(id string) (*orders.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", id)
	}
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	return &o, nil
}

func (st *state) paymentByOrder(orderID string) (*orders.Payment, error) {
	p, ok := st.payments[orderID]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "payment for order %s not found", orderID)
	}
	return &p, nil
}
