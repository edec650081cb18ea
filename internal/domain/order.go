package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderUnpaid   OrderStatus = "UNPAID"
	OrderPaid     OrderStatus = "PAID"
	OrderCanceled OrderStatus = "CANCELED"
)

// transitions lists every forward edge of the order lifecycle.
// PENDING -> CANCELED covers checkouts abandoned before a method was attached.
var transitions = map[OrderStatus][]OrderStatus{
	OrderPending: {OrderUnpaid, OrderCanceled},
	OrderUnpaid:  {OrderPaid, OrderCanceled},
}

func (s OrderStatus) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const CancelReasonStockExhausted = "stock_exhausted"
const CancelReasonPaymentFailed = "payment_failed"
const CancelReasonAbandoned = "abandoned"

// Customer is the contact and shipping snapshot captured at checkout.
type Customer struct {
	Email      string `json:"email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	Province   string `json:"province"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

func (c Customer) FullName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

type OrderItem struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	VariantID string
	Size      string
	Color     string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Subtotal is unit price times quantity rounded to cents.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity))).Round(2)
}

type Order struct {
	ID                uuid.UUID
	OrderNumber       string
	Status            OrderStatus
	TotalAmount       decimal.Decimal
	Currency          string
	PaymentIntentID   string
	ClientKey         string
	PaymentMethodID   string
	PaymentMethodType string
	Customer          Customer
	ResellerID        *uuid.UUID
	StockCommitted    bool
	RefundRequired    bool
	CancelReason      string
	Items             []OrderItem
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StockLines projects the order's items onto stock ledger lines.
func (o *Order) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, StockLine{VariantID: it.VariantID, Size: it.Size, Quantity: it.Quantity})
	}
	return lines
}
