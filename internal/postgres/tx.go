package postgres

import (
	"context"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/jackc/pgx/v5"
)

type txStore struct {
	q querier
}

var _ orders.Tx = (*txStore)(nil)

func (t *txStore) LockStock(ctx context.Context, productID string) (int, error) {
	var level int
	err := t.q.QueryRow(ctx, `SELECT stock_level FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&level)
	if err != nil {
		return 0, mapErr(err, "product")
	}
	return level, nil
}

func (t *txStore) SetStock(ctx context.Context, productID string, level int) error {
	ct, err := t.q.Exec(ctx, `UPDATE products SET stock_level = $2 WHERE id = $1`, productID, level)
	if err != nil {
		return mapErr(err, "product")
	}
	if ct.RowsAffected() != 1 {
		return apperr.Newf(apperr.CodeNotFound, "product %s not found", productID)
	}
	return nil
}

func (t *txStore) GetProducts(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, name, price, stock_level, created_at
		FROM products
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, mapErr(err, "products")
	}
	defer rows.Close()

	out := make(map[string]orders.Product, len(ids))
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.StockLevel, &p.CreatedAt); err != nil {
			return nil, mapErr(err, "product")
		}
		out[p.ID] = p
	}
	return out, mapErr(rows.Err(), "products")
}

func (t *txStore) GetUser(ctx context.Context, id string) (*orders.User, error) {
	return getUser(ctx, t.q, `WHERE id = $1`, id)
}

func (t *txStore) FirstAdmin(ctx context.Context) (*orders.User, error) {
	u, err := getUser(ctx, t.q, `WHERE role = $1 ORDER BY created_at, id LIMIT 1`, string(orders.RoleAdmin))
	if apperr.HasCode(err, apperr.CodeNotFound) {
		return nil, nil
	}
	return u, err
}

func (t *txStore) InsertOrder(ctx context.Context, o *orders.Order) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orders (id, external_id, user_id, total_amount, payment_method, status, notes, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.ExternalID, o.UserID, o.TotalAmount, string(o.PaymentMethod), string(o.Status), o.Notes, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return mapErr(err, "order")
	}

	batch := &pgx.Batch{}
	for i, it := range o.Items {
		batch.Queue(`
			INSERT INTO order_items (id, order_id, product_id, quantity, price, position)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			it.ID, o.ID, it.ProductID, it.Quantity, it.Price, i)
	}
	br := t.q.SendBatch(ctx, batch)
	defer br.Close()
	for range o.Items {
		if _, err := br.Exec(); err != nil {
			return mapErr(err, "order item")
		}
	}
	return nil
}

func (t *txStore) LockOrder(ctx context.Context, id string) (*orders.Order, error) {
	return getOrder(ctx, t.q, `WHERE id = $1 FOR UPDATE`, id)
}

func (t *txStore) UpdateOrderStatus(ctx context.Context, id string, status orders.Status) error {
	ct, err := t.q.Exec(ctx, `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return mapErr(err, "order")
	}
	if ct.RowsAffected() != 1 {
		return apperr.Newf(apperr.CodeNotFound, "order %s not found", id)
	}
	return nil
}

func (t *txStore) InsertPayment(ctx context.Context, p *orders.Payment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO payments (id, order_id, amount, transaction_id, method, status, result_description, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)`,
		p.ID, p.OrderID, p.Amount, p.TransactionID, string(p.Method), string(p.Status), p.ResultDescription, p.CreatedAt, p.UpdatedAt)
	return mapErr(err, "payment")
}

func (t *txStore) LockPaymentByOrder(ctx context.Context, orderID string) (*orders.Payment, error) {
	return getPayment(ctx, t.q, `WHERE order_id = $1 FOR UPDATE`, orderID)
}

func (t *txStore) LockPaymentByTransaction(ctx context.Context, transactionID string) (*orders.Payment, error) {
	return getPayment(ctx, t.q, `WHERE transaction_id = $1 FOR UPDATE`, transactionID)
}

func (t *txStore) UpdatePayment(ctx context.Context, p *orders.Payment) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE payments
		SET transaction_id = NULLIF($2, ''), status = $3, result_description = $4, updated_at = $5
		WHERE id = $1`,
		p.ID, p.TransactionID, string(p.Status), p.ResultDescription, p.UpdatedAt)
	if err != nil {
		return mapErr(err, "payment")
	}
	if ct.RowsAffected() != 1 {
		return apperr.Newf(apperr.CodeNotFound, "payment %s not found", p.ID)
	}
	return nil
}

func (t *txStore) InsertLoyaltyPoint(ctx context.Context, lp *orders.LoyaltyPoint) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO loyalty_points (id, user_id, order_id, points, earned_at)
		VALUES ($1, $2, $3, $4, $5)`,
		lp.ID, lp.UserID, lp.OrderID, lp.Points, lp.EarnedAt)
	return mapErr(err, "loyalty point")
}

func (t *txStore) InsertNotification(ctx context.Context, n *orders.Notification) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO notifications (id, user_id, recipient, channel, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.UserID, n.Recipient, string(n.Channel), n.Message, n.CreatedAt)
	return mapErr(err, "notification")
}
