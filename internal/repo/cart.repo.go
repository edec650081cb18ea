package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"storefront-checkout/internal/domain"
)

// CartRepo holds the server-side mirror of a customer's cart.
type CartRepo interface {
	Add(ctx context.Context, email string, line domain.StockLine) error
	RemovePurchased(ctx context.Context, tx *sql.Tx, email string, lines []domain.StockLine) (int64, error)
	Count(ctx context.Context, email string) (int, error)
}

type cartRepo struct {
	db *sql.DB
}

func NewCartRepo(db *sql.DB) CartRepo {
	return &cartRepo{db: db}
}

func (r *cartRepo) Add(ctx context.Context, email string, line domain.StockLine) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cart_items (id, email, variant_id, size, quantity) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), email, line.VariantID, line.Size, line.Quantity,
	)
	if err != nil {
		return fmt.Errorf("insert cart item: %w", err)
	}
	return nil
}

// RemovePurchased deletes the cart rows matching the purchased (variant, size) pairs.
func (r *cartRepo) RemovePurchased(ctx context.Context, tx *sql.Tx, email string, lines []domain.StockLine) (int64, error) {
	var removed int64
	for _, l := range domain.MergeStockLines(lines) {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM cart_items WHERE email = $1 AND variant_id = $2 AND size = $3`,
			email, l.VariantID, l.Size,
		)
		if err != nil {
			return removed, fmt.Errorf("delete cart items: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("delete cart items: %w", err)
		}
		removed += n
	}
	return removed, nil
}

func (r *cartRepo) Count(ctx context.Context, email string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cart_items WHERE email = $1`, email).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cart items: %w", err)
	}
	return n, nil
}
