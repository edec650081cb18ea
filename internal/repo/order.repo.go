package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storefront-checkout/internal/domain"
)

type OrderRepo interface {
	Create(ctx context.Context, tx *sql.Tx, order *domain.Order) error
	// Transition moves the order from `from` to `to` only if it is still in `from`.
	Transition(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to domain.OrderStatus) error
	FindByOrderNumber(ctx context.Context, orderNumber string) (*domain.Order, error)
	FindByIntentID(ctx context.Context, intentID string) (*domain.Order, error)
	FindForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error)
	SetPaymentMethod(ctx context.Context, tx *sql.Tx, id uuid.UUID, methodID, methodType string) error
	MarkStockCommitted(ctx context.Context, tx *sql.Tx, id uuid.UUID, committed bool) error
	SetCancelReason(ctx context.Context, tx *sql.Tx, id uuid.UUID, reason string) error
	SetRefundRequired(ctx context.Context, tx *sql.Tx, id uuid.UUID, required bool) error
	// ClaimStale returns up to limit orders sitting in status for longer than
	// olderThan and stamps them as checked, so the next call moves on to others.
	ClaimStale(ctx context.Context, status domain.OrderStatus, olderThan time.Duration, limit int) ([]domain.Order, error)
}

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

const orderColumns = `id, order_number, status, total_amount, currency, payment_intent_id, client_key,
	payment_method_id, payment_method_type, email, first_name, last_name, phone, address, city,
	province, postal_code, country, reseller_id, stock_committed, refund_required, cancel_reason,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var reseller uuid.NullUUID
	err := row.Scan(
		&o.ID,
		&o.OrderNumber,
		&o.Status,
		&o.TotalAmount,
		&o.Currency,
		&o.PaymentIntentID,
		&o.ClientKey,
		&o.PaymentMethodID,
		&o.PaymentMethodType,
		&o.Customer.Email,
		&o.Customer.FirstName,
		&o.Customer.LastName,
		&o.Customer.Phone,
		&o.Customer.Address,
		&o.Customer.City,
		&o.Customer.Province,
		&o.Customer.PostalCode,
		&o.Customer.Country,
		&reseller,
		&o.StockCommitted,
		&o.RefundRequired,
		&o.CancelReason,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reseller.Valid {
		id := reseller.UUID
		o.ResellerID = &id
	}
	return &o, nil
}

// Create inserts the order and its line items; both land or neither does.
func (r *orderRepo) Create(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	var reseller uuid.NullUUID
	if o.ResellerID != nil {
		reseller = uuid.NullUUID{UUID: *o.ResellerID, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		o.ID, o.OrderNumber, o.Status, o.TotalAmount, o.Currency, o.PaymentIntentID, o.ClientKey,
		o.PaymentMethodID, o.PaymentMethodType, o.Customer.Email, o.Customer.FirstName, o.Customer.LastName,
		o.Customer.Phone, o.Customer.Address, o.Customer.City, o.Customer.Province, o.Customer.PostalCode,
		o.Customer.Country, reseller, o.StockCommitted, o.RefundRequired, o.CancelReason, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrderNumber
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range o.Items {
		it := &o.Items[i]
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.OrderID = o.ID
		_, err := tx.ExecContext(ctx, `INSERT INTO order_items (id, order_id, variant_id, size, color, unit_price, quantity)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			it.ID, it.OrderID, it.VariantID, it.Size, it.Color, it.UnitPrice, it.Quantity,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (r *orderRepo) Transition(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to domain.OrderStatus) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s is not allowed", ErrStatusConflict, from, to)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *orderRepo) FindByOrderNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, orderNumber)
	return r.load(ctx, r.db, row)
}

func (r *orderRepo) FindByIntentID(ctx context.Context, intentID string) (*domain.Order, error) {
	if intentID == "" {
		return nil, ErrOrderNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1`, intentID)
	return r.load(ctx, r.db, row)
}

// FindForUpdate locks the order row until tx ends.
func (r *orderRepo) FindForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	return r.load(ctx, tx, row)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *orderRepo) load(ctx context.Context, q querier, row *sql.Row) (*domain.Order, error) {
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	if o.Items, err = r.items(ctx, q, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepo) items(ctx context.Context, q querier, orderID uuid.UUID) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, order_id, variant_id, size, color, unit_price, quantity
		FROM order_items WHERE order_id = $1 ORDER BY variant_id, size`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.VariantID, &it.Size, &it.Color, &it.UnitPrice, &it.Quantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order item rows: %w", err)
	}
	return items, nil
}

func (r *orderRepo) SetPaymentMethod(ctx context.Context, tx *sql.Tx, id uuid.UUID, methodID, methodType string) error {
	return execOne(ctx, tx, `UPDATE orders SET payment_method_id = $2, payment_method_type = $3, updated_at = NOW() WHERE id = $1`,
		id, methodID, methodType)
}

func (r *orderRepo) MarkStockCommitted(ctx context.Context, tx *sql.Tx, id uuid.UUID, committed bool) error {
	return execOne(ctx, tx, `UPDATE orders SET stock_committed = $2, updated_at = NOW() WHERE id = $1`, id, committed)
}

func (r *orderRepo) SetCancelReason(ctx context.Context, tx *sql.Tx, id uuid.UUID, reason string) error {
	return execOne(ctx, tx, `UPDATE orders SET cancel_reason = $2, updated_at = NOW() WHERE id = $1`, id, reason)
}

func (r *orderRepo) SetRefundRequired(ctx context.Context, tx *sql.Tx, id uuid.UUID, required bool) error {
	return execOne(ctx, tx, `UPDATE orders SET refund_required = $2, updated_at = NOW() WHERE id = $1`, id, required)
}

// ClaimStale picks never-checked orders first, then the least recently checked.
// updated_at is not touched.
func (r *orderRepo) ClaimStale(ctx context.Context, status domain.OrderStatus, olderThan time.Duration, limit int) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE orders SET last_checked_at = NOW()
		 WHERE id IN (
			SELECT id FROM orders
			WHERE status = $1 AND updated_at < $2
			ORDER BY last_checked_at NULLS FIRST, updated_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+orderColumns,
		status, time.Now().Add(-olderThan), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim stale orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func execOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}
