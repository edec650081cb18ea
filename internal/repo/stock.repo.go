package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront-checkout/internal/domain"
)

// StockRepo is the per-variant, per-size inventory ledger.
type StockRepo interface {
	// CheckAvailability is advisory: it takes no locks.
	CheckAvailability(ctx context.Context, lines []domain.StockLine) error
	Decrement(ctx context.Context, tx *sql.Tx, lines []domain.StockLine) error
	Increment(ctx context.Context, tx *sql.Tx, lines []domain.StockLine) error
	SetQuantity(ctx context.Context, variantID, size string, quantity int) error
	Quantity(ctx context.Context, variantID, size string) (int, error)
}

type stockRepo struct {
	db *sql.DB
}

func NewStockRepo(db *sql.DB) StockRepo {
	return &stockRepo{db: db}
}

func (r *stockRepo) CheckAvailability(ctx context.Context, lines []domain.StockLine) error {
	for _, l := range domain.MergeStockLines(lines) {
		available, err := r.Quantity(ctx, l.VariantID, l.Size)
		if err != nil {
			return err
		}
		if available < l.Quantity {
			return &InsufficientStockError{
				VariantID: l.VariantID,
				Size:      l.Size,
				Requested: l.Quantity,
				Available: available,
			}
		}
	}
	return nil
}

func (r *stockRepo) Quantity(ctx context.Context, variantID, size string) (int, error) {
	var available int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM variant_size_stock WHERE variant_id = $1 AND size = $2`,
		variantID, size,
	).Scan(&available)
	if err != nil {
		return 0, fmt.Errorf("query stock: %w", err)
	}
	return available, nil
}

// Decrement takes stock with a floor check per row. Lines are merged and sorted so
// concurrent decrements lock rows in the same order.
func (r *stockRepo) Decrement(ctx context.Context, tx *sql.Tx, lines []domain.StockLine) error {
	for _, l := range domain.MergeStockLines(lines) {
		res, err := tx.ExecContext(ctx,
			`UPDATE variant_size_stock SET quantity = quantity - $3
			 WHERE variant_id = $1 AND size = $2 AND quantity >= $3`,
			l.VariantID, l.Size, l.Quantity,
		)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if n == 0 {
			return &StockExhaustedError{VariantID: l.VariantID, Size: l.Size, Requested: l.Quantity}
		}
	}
	return nil
}

func (r *stockRepo) Increment(ctx context.Context, tx *sql.Tx, lines []domain.StockLine) error {
	for _, l := range domain.MergeStockLines(lines) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO variant_size_stock (variant_id, size, quantity) VALUES ($1, $2, $3)
			 ON CONFLICT (variant_id, size) DO UPDATE SET quantity = variant_size_stock.quantity + EXCLUDED.quantity`,
			l.VariantID, l.Size, l.Quantity,
		)
		if err != nil {
			return fmt.Errorf("increment stock: %w", err)
		}
	}
	return nil
}

func (r *stockRepo) SetQuantity(ctx context.Context, variantID, size string, quantity int) error {
	if quantity < 0 {
		return errors.New("stock quantity cannot be negative")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO variant_size_stock (variant_id, size, quantity) VALUES ($1, $2, $3)
		 ON CONFLICT (variant_id, size) DO UPDATE SET quantity = EXCLUDED.quantity`,
		variantID, size, quantity,
	)
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}
