package service

import (
	"errors"

	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/repo"
)

var (
	ErrInvalidRequest = errors.New("invalid checkout request")
	// ErrAlreadyProcessed means the order left UNPAID before this reconcile got to it.
	ErrAlreadyProcessed = errors.New("order already processed")
	// ErrNotFinal means the gateway has not settled the payment yet.
	ErrNotFinal = errors.New("payment not final yet")
)

// Errors callers match on, re-exported so handlers only import this package.
var (
	ErrOrderNotFound         = repo.ErrOrderNotFound
	ErrDuplicateOrderNumber  = repo.ErrDuplicateOrderNumber
	ErrStatusConflict        = repo.ErrStatusConflict
	ErrInsufficientStock     = repo.ErrInsufficientStock
	ErrStockExhausted        = repo.ErrStockExhausted
	ErrGateway               = payment.ErrGateway
	ErrInvalidCardExpiry     = payment.ErrInvalidCardExpiry
	ErrInvalidPaymentDetails = payment.ErrInvalidPaymentDetails
)
