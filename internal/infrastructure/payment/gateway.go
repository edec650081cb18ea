package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"storefront-checkout/internal/domain"
)

// Gateway is the contract the checkout flow holds against the payment provider.
// Every error returned by an implementation satisfies errors.Is(err, ErrGateway)
// unless it is an input validation error.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	CreateMethod(ctx context.Context, req MethodRequest) (*Method, error)
	Attach(ctx context.Context, intentID, methodID, clientKey, returnURL string) (*AttachResult, error)
	GetIntentStatus(ctx context.Context, intentID, clientKey string) (domain.PaymentStatus, error)
}

var (
	ErrGateway               = errors.New("payment gateway error")
	ErrInvalidCardExpiry     = errors.New("invalid card expiry, expected MM/YY")
	ErrInvalidPaymentDetails = errors.New("invalid payment details")
)

// GatewayError carries the upstream payload for diagnostics.
type GatewayError struct {
	Op         string
	StatusCode int
	Payload    []byte
	Err        error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "payment gateway %s failed", e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

type IntentRequest struct {
	Amount      int64 // minor units
	Currency    string
	Description string
}

type Intent struct {
	ID        string
	ClientKey string
	Status    domain.PaymentStatus
}

type Billing struct {
	Name       string
	Email      string
	Phone      string
	Line1      string
	City       string
	State      string
	PostalCode string
	Country    string
}

type CardDetails struct {
	Number   string
	ExpMonth int
	ExpYear  int
	CVC      string
}

// MethodRequest is a validated payment method; build it with NewMethodRequest.
type MethodRequest struct {
	Kind     domain.MethodKind
	Type     string // card, gcash, grab_pay, paymaya or dob
	Card     *CardDetails
	BankCode string
	Billing  Billing
}

type Method struct {
	ID     string
	Type   string
	Status string
}

type AttachResult struct {
	Status      domain.PaymentStatus
	RedirectURL string
}

// MethodInput is the raw payment method choice submitted by the customer.
type MethodInput struct {
	Kind       domain.MethodKind
	Type       string
	CardNumber string
	Expiry     string
	CVC        string
	BankCode   string
}

var eWallets = map[string]string{
	"gcash":    "gcash",
	"grab_pay": "grab_pay",
	"grabpay":  "grab_pay",
	"paymaya":  "paymaya",
	"maya":     "paymaya",
}

// NewMethodRequest validates the customer's choice and shapes it for the gateway.
func NewMethodRequest(in MethodInput, billing Billing) (MethodRequest, error) {
	req := MethodRequest{Kind: in.Kind, Billing: billing}
	switch in.Kind {
	case domain.MethodCard:
		number := strings.ReplaceAll(in.CardNumber, " ", "")
		if number == "" || in.CVC == "" {
			return req, fmt.Errorf("%w: card number and cvc are required", ErrInvalidPaymentDetails)
		}
		month, year, err := ParseExpiry(in.Expiry)
		if err != nil {
			return req, err
		}
		req.Type = "card"
		req.Card = &CardDetails{Number: number, ExpMonth: month, ExpYear: year, CVC: in.CVC}
	case domain.MethodEWallet:
		t, ok := eWallets[strings.ToLower(strings.TrimSpace(in.Type))]
		if !ok {
			return req, fmt.Errorf("%w: unsupported e-wallet %q", ErrInvalidPaymentDetails, in.Type)
		}
		req.Type = t
	case domain.MethodOnlineBanking:
		if strings.TrimSpace(in.BankCode) == "" {
			return req, fmt.Errorf("%w: bank code is required", ErrInvalidPaymentDetails)
		}
		req.Type = "dob"
		req.BankCode = strings.TrimSpace(in.BankCode)
	default:
		return req, fmt.Errorf("%w: unknown payment method %q", ErrInvalidPaymentDetails, in.Kind)
	}
	return req, nil
}

// DisplayName is the label stored on the order for the chosen method.
func (r MethodRequest) DisplayName() string {
	switch r.Type {
	case "card":
		return "Card"
	case "gcash":
		return "GCash"
	case "grab_pay":
		return "GrabPay"
	case "paymaya":
		return "PayMaya"
	case "dob":
		return "Online Banking (" + r.BankCode + ")"
	}
	return r.Type
}

// ParseExpiry splits an MM/YY card expiry into month and four-digit year.
func ParseExpiry(expiry string) (month, year int, err error) {
	parts := strings.Split(strings.TrimSpace(expiry), "/")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, ErrInvalidCardExpiry
	}
	month, err = strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return 0, 0, ErrInvalidCardExpiry
	}
	yy, err := strconv.Atoi(parts[1])
	if err != nil || yy < 0 {
		return 0, 0, ErrInvalidCardExpiry
	}
	return month, 2000 + yy, nil
}
