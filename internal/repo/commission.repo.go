package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"storefront-checkout/internal/domain"
)

type CommissionRepo interface {
	FindResellerByCode(ctx context.Context, code string) (*domain.Reseller, error)
	CreateReseller(ctx context.Context, reseller *domain.Reseller) error
	// Credit inserts the commission once per order; created is false when it already existed.
	Credit(ctx context.Context, tx *sql.Tx, c *domain.CommissionTransaction) (created bool, err error)
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.CommissionTransaction, error)
}

type commissionRepo struct {
	db *sql.DB
}

func NewCommissionRepo(db *sql.DB) CommissionRepo {
	return &commissionRepo{db: db}
}

func (r *commissionRepo) FindResellerByCode(ctx context.Context, code string) (*domain.Reseller, error) {
	var rs domain.Reseller
	err := r.db.QueryRowContext(ctx,
		`SELECT id, referral_code, name, email FROM resellers WHERE referral_code = $1`, code,
	).Scan(&rs.ID, &rs.ReferralCode, &rs.Name, &rs.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResellerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reseller: %w", err)
	}
	return &rs, nil
}

func (r *commissionRepo) CreateReseller(ctx context.Context, rs *domain.Reseller) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO resellers (id, referral_code, name, email) VALUES ($1, $2, $3, $4)`,
		rs.ID, rs.ReferralCode, rs.Name, rs.Email,
	)
	if err != nil {
		return fmt.Errorf("insert reseller: %w", err)
	}
	return nil
}

func (r *commissionRepo) Credit(ctx context.Context, tx *sql.Tx, c *domain.CommissionTransaction) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO commission_transactions (id, order_id, reseller_id, amount, status, withdrawable_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (order_id) DO NOTHING`,
		c.ID, c.OrderID, c.ResellerID, c.Amount, c.Status, c.WithdrawableAt, c.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert commission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert commission: %w", err)
	}
	return n == 1, nil
}

func (r *commissionRepo) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.CommissionTransaction, error) {
	var c domain.CommissionTransaction
	err := r.db.QueryRowContext(ctx,
		`SELECT id, order_id, reseller_id, amount, status, withdrawable_at, created_at
		 FROM commission_transactions WHERE order_id = $1`, orderID,
	).Scan(&c.ID, &c.OrderID, &c.ResellerID, &c.Amount, &c.Status, &c.WithdrawableAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query commission: %w", err)
	}
	return &c, nil
}
