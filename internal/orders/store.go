package orders

import (
	"context"

	"github.com/ariefcatur/bizhub-orders/internal/ledger"
)

// Store is the persistence boundary. Lookups report a miss with an
// apperr.CodeNotFound error.
type Store interface {
	// WithTx runs fn in one transaction, committing only when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByExternalID(ctx context.Context, externalID string) (*Order, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error)
	GetPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error)
	GetUser(ctx context.Context, id string) (*User, error)
	ListLowStock(ctx context.Context, threshold int) ([]Product, error)
}

// Tx is the unit of work handed to WithTx. The Lock* methods hold a row lock
// until the transaction ends. Callers lock an order before its payment.
type Tx interface {
	ledger.StockTx

	GetProducts(ctx context.Context, ids []string) (map[string]Product, error)
	GetUser(ctx context.Context, id string) (*User, error)
	// FirstAdmin returns nil, nil when no admin exists.
	FirstAdmin(ctx context.Context) (*User, error)

	// InsertOrder persists the order and its items. A duplicate external id
	// is reported as apperr.CodeConflict.
	InsertOrder(ctx context.Context, o *Order) error
	LockOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status Status) error

	InsertPayment(ctx context.Context, p *Payment) error
	LockPaymentByOrder(ctx context.Context, orderID string) (*Payment, error)
	LockPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error

	InsertLoyaltyPoint(ctx context.Context, lp *LoyaltyPoint) error
	InsertNotification(ctx context.Context, n *Notification) error
}

// Dispatcher delivers notifications. Send never blocks on delivery and never
// fails the caller; implementations log their own errors.
type Dispatcher interface {
	Send(ctx context.Context, n Notification)
}

// Broadcaster fans order events out to live listeners, best-effort.
type Broadcaster interface {
	Publish(ctx context.Context, ev Envelope)
}
