package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

var _ orders.Store = (*Store)(nil)

// WithTx commits when fn returns nil and rolls back otherwise. Row locks
// taken through the Tx are held until then.
func (s *Store) WithTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&txStore{q: tx})
	})
}

func (s *Store) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	return getOrder(ctx, s.pool, `WHERE id = $1`, id)
}

func (s *Store) GetOrderByExternalID(ctx context.Context, externalID string) (*orders.Order, error) {
	return getOrder(ctx, s.pool, `WHERE external_id = $1`, externalID)
}

func (s *Store) GetPaymentByOrder(ctx context.Context, orderID string) (*orders.Payment, error) {
	return getPayment(ctx, s.pool, `WHERE order_id = $1`, orderID)
}

func (s *Store) GetPaymentByTransaction(ctx context.Context, transactionID string) (*orders.Payment, error) {
	return getPayment(ctx, s.pool, `WHERE transaction_id = $1`, transactionID)
}

func (s *Store) GetUser(ctx context.Context, id string) (*orders.User, error) {
	return getUser(ctx, s.pool, `WHERE id = $1`, id)
}

func (s *Store) ListLowStock(ctx context.Context, threshold int) ([]orders.Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, price, stock_level, created_at
		FROM products
		WHERE stock_level <= $1
		ORDER BY name`, threshold)
	if err != nil {
		return nil, mapErr(err, "products")
	}
	defer rows.Close()

	var out []orders.Product
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.StockLevel, &p.CreatedAt); err != nil {
			return nil, mapErr(err, "product")
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err(), "products")
}

// SeedProduct and SeedUser upsert reference data for `migrate seed`.
func (s *Store) SeedProduct(ctx context.Context, p orders.Product) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, name, price, stock_level)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, stock_level = EXCLUDED.stock_level`,
		p.ID, p.Name, p.Price, p.StockLevel)
	return mapErr(err, "product")
}

func (s *Store) SeedUser(ctx context.Context, u orders.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, email, phone_number, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, phone_number = EXCLUDED.phone_number, role = EXCLUDED.role`,
		u.ID, u.Username, u.Email, u.Phone, string(u.Role))
	return mapErr(err, "user")
}

// ---- shared reads ----

const orderColumns = `id, COALESCE(external_id, ''), user_id, total_amount, payment_method, status, notes, created_at, updated_at`

func getOrder(ctx context.Context, q querier, where string, arg any) (*orders.Order, error) {
	var o orders.Order
	err := q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders `+where, arg).Scan(
		&o.ID, &o.ExternalID, &o.UserID, &o.TotalAmount, &o.PaymentMethod, &o.Status, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "order")
	}
	items, err := orderItems(ctx, q, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

func orderItems(ctx context.Context, q querier, orderID string) ([]orders.OrderItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, quantity, price
		FROM order_items
		WHERE order_id = $1
		ORDER BY position`, orderID)
	if err != nil {
		return nil, mapErr(err, "order items")
	}
	defer rows.Close()

	var items []orders.OrderItem
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.Price); err != nil {
			return nil, mapErr(err, "order item")
		}
		items = append(items, it)
	}
	return items, mapErr(rows.Err(), "order items")
}

const paymentColumns = `id, order_id, amount, COALESCE(transaction_id, ''), method, status, result_description, created_at, updated_at`

func getPayment(ctx context.Context, q querier, where string, arg any) (*orders.Payment, error) {
	var p orders.Payment
	err := q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments `+where, arg).Scan(
		&p.ID, &p.OrderID, &p.Amount, &p.TransactionID, &p.Method, &p.Status, &p.ResultDescription, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "payment")
	}
	return &p, nil
}

func getUser(ctx context.Context, q querier, where string, args ...any) (*orders.User, error) {
	var u orders.User
	err := q.QueryRow(ctx, `SELECT id, username, email, phone_number, role FROM users `+where, args...).Scan(
		&u.ID, &u.Username, &u.Email, &u.Phone, &u.Role)
	if err != nil {
		return nil, mapErr(err, "user")
	}
	return &u, nil
}

// Postgres error codes mapped to application errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

func mapErr(err error, entity string) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Newf(apperr.CodeNotFound, "%s not found", entity)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return apperr.Wrap(apperr.CodeConflict, err, fmt.Sprintf("%s already exists", entity)).
				WithDetails(map[string]string{"constraint": pgErr.ConstraintName})
		case pgForeignKeyViolation:
			return apperr.Wrap(apperr.CodeNotFound, err, fmt.Sprintf("%s references a missing record", entity)).
				WithDetails(map[string]string{"constraint": pgErr.ConstraintName})
		case pgCheckViolation:
			return apperr.Wrap(apperr.CodeInternal, err, fmt.Sprintf("%s violates %s", entity, pgErr.ConstraintName))
		}
	}
	return apperr.Wrap(apperr.CodeInternal, err, entity)
}
