package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CommissionStatus string

// CommissionPending is the only status this service writes; payout approval
// happens elsewhere.
const CommissionPending CommissionStatus = "PENDING"

type Reseller struct {
	ID           uuid.UUID
	ReferralCode string
	Name         string
	Email        string
}

// CommissionTransaction credits a reseller for a paid referred order.
type CommissionTransaction struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	ResellerID     uuid.UUID
	Amount         decimal.Decimal
	Status         CommissionStatus
	WithdrawableAt time.Time
	CreatedAt      time.Time
}

// AddBusinessDays moves t forward n weekdays, skipping Saturdays and Sundays.
func AddBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return t
}
