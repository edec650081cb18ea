package repo

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrderNumber = errors.New("order number already exists")
	ErrStatusConflict       = errors.New("order status does not match expected status")
	ErrResellerNotFound     = errors.New("reseller not found")
	ErrCommissionNotFound   = errors.New("commission not found")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrStockExhausted       = errors.New("stock exhausted")
)

// InsufficientStockError names the first line that failed the availability check.
type InsufficientStockError struct {
	VariantID string
	Size      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s size %s: requested %d, available %d",
		e.VariantID, e.Size, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// StockExhaustedError is returned when a floor-checked decrement would go negative.
type StockExhaustedError struct {
	VariantID string
	Size      string
	Requested int
}

func (e *StockExhaustedError) Error() string {
	return fmt.Sprintf("stock exhausted for variant %s size %s: cannot take %d", e.VariantID, e.Size, e.Requested)
}

func (e *StockExhaustedError) Unwrap() error { return ErrStockExhausted }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
