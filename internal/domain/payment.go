package domain

// PaymentStatus is the gateway's view of a payment intent.
type PaymentStatus string

const (
	PaymentAwaitingMethod     PaymentStatus = "awaiting_payment_method"
	PaymentAwaitingNextAction PaymentStatus = "awaiting_next_action"
	PaymentProcessing         PaymentStatus = "processing"
	PaymentSucceeded          PaymentStatus = "succeeded"
	PaymentFailed             PaymentStatus = "failed"
)

// OrderStatus maps a gateway status onto the terminal order status it settles to.
// ok is false while the gateway has not reached a final answer.
func (s PaymentStatus) OrderStatus() (status OrderStatus, ok bool) {
	switch s {
	case PaymentSucceeded:
		return OrderPaid, true
	case PaymentFailed:
		return OrderCanceled, true
	}
	return OrderUnpaid, false
}

// MethodKind is the family of payment method the customer picked.
type MethodKind string

const (
	MethodCard          MethodKind = "card"
	MethodEWallet       MethodKind = "e_wallet"
	MethodOnlineBanking MethodKind = "online_banking"
)
