// Package ledger owns the per-product stock counter. Every mutation of a
// product's stock_level goes through Reserve or Release, inside the caller's
// transaction, against a row the store has locked for that transaction.
package ledger

import (
	"context"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
)

const DefaultLowStockThreshold = 5

// StockTx is the slice of a store transaction the ledger needs. LockStock must
// hold the product's row lock until the transaction ends (SELECT ... FOR UPDATE)
// and return an apperr.CodeNotFound error for unknown products.
type StockTx interface {
	LockStock(ctx context.Context, productID string) (int, error)
	SetStock(ctx context.Context, productID string, level int) error
}

type Reservation struct {
	ProductID string
	Quantity  int
	Before    int
	After     int
	// LowStock is set once per reservation whose resulting level is at or
	// below the threshold.
	LowStock bool
}

type Ledger struct {
	threshold int
}

func New(threshold int) *Ledger {
	if threshold < 0 {
		threshold = DefaultLowStockThreshold
	}
	return &Ledger{threshold: threshold}
}

func (l *Ledger) Threshold() int { return l.threshold }

// InsufficientStockDetail is attached to CodeInsufficientStock errors.
type InsufficientStockDetail struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (l *Ledger) Reserve(ctx context.Context, tx StockTx, productID string, qty int) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, apperr.Newf(apperr.CodeValidation, "invalid quantity %d for product %s", qty, productID).
			WithDetails(map[string]any{"product_id": productID, "quantity": qty})
	}

	level, err := tx.LockStock(ctx, productID)
	if err != nil {
		return Reservation{}, err
	}
	if level < qty {
		return Reservation{}, apperr.Newf(apperr.CodeInsufficientStock, "insufficient stock for product %s", productID).
			WithDetails(InsufficientStockDetail{ProductID: productID, Requested: qty, Available: level})
	}

	after := level - qty
	if err := tx.SetStock(ctx, productID, after); err != nil {
		return Reservation{}, err
	}
	return Reservation{
		ProductID: productID,
		Quantity:  qty,
		Before:    level,
		After:     after,
		LowStock:  after <= l.threshold,
	}, nil
}

// Release puts qty units back, e.g. when a pending order is cancelled.
func (l *Ledger) Release(ctx context.Context, tx StockTx, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, apperr.Newf(apperr.CodeValidation, "invalid quantity %d for product %s", qty, productID)
	}
	level, err := tx.LockStock(ctx, productID)
	if err != nil {
		return 0, err
	}
	after := level + qty
	if err := tx.SetStock(ctx, productID, after); err != nil {
		return 0, err
	}
	return after, nil
}
