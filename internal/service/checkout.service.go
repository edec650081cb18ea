package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront-checkout/internal/config"
	"storefront-checkout/internal/database"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/cache"
	"storefront-checkout/internal/infrastructure/notify"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/repo"
)

type CheckoutService interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	AttachMethod(ctx context.Context, req AttachRequest) (*MethodResult, error)
	Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error)
	ReconcileByIntent(ctx context.Context, intentID string) (*ReconcileResult, error)
	Status(ctx context.Context, orderNumber string) (*domain.Order, error)
	RecoverPending(ctx context.Context, orderNumber string) (*ReconcileResult, error)
	ExpireAbandoned(ctx context.Context, orderNumber string) error
}

// Notifier sends the customer-facing outcome of a settled order.
type Notifier interface {
	OrderPaid(ctx context.Context, o *domain.Order) error
	OrderFailed(ctx context.Context, o *domain.Order) error
}

type Options struct {
	Currency               string
	ReturnURL              string
	CommissionRate         decimal.Decimal
	CommissionMaturityDays int
	StockExhaustedPolicy   string
	GatewayTimeout         time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Currency:               cfg.Currency,
		ReturnURL:              cfg.ReturnURL,
		CommissionRate:         cfg.CommissionRate,
		CommissionMaturityDays: cfg.CommissionMaturityDays,
		StockExhaustedPolicy:   cfg.StockExhaustedPolicy,
		GatewayTimeout:         cfg.Gateway.Timeout,
	}
}

type Dependencies struct {
	DB          *sql.DB
	Orders      repo.OrderRepo
	Stock       repo.StockRepo
	Commissions repo.CommissionRepo
	Carts       repo.CartRepo
	Gateway     payment.Gateway
	Notifier    Notifier
	Events      notify.EventPublisher
	CartCache   cache.CartCache
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type checkoutService struct {
	db          *sql.DB
	orders      repo.OrderRepo
	stock       repo.StockRepo
	commissions repo.CommissionRepo
	carts       repo.CartRepo
	gateway     payment.Gateway
	notifier    Notifier
	events      notify.EventPublisher
	cartCache   cache.CartCache
	metrics     *metrics.Metrics
	logger      *slog.Logger
	opts        Options
}

func NewCheckoutService(deps Dependencies, opts Options) CheckoutService {
	if deps.Events == nil {
		deps.Events = notify.NopPublisher{}
	}
	if deps.CartCache == nil {
		deps.CartCache = cache.NopCache{}
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 10 * time.Second
	}
	if opts.StockExhaustedPolicy == "" {
		opts.StockExhaustedPolicy = config.PolicyCancel
	}
	return &checkoutService{
		db:          deps.DB,
		orders:      deps.Orders,
		stock:       deps.Stock,
		commissions: deps.Commissions,
		carts:       deps.Carts,
		gateway:     deps.Gateway,
		notifier:    deps.Notifier,
		events:      deps.Events,
		cartCache:   deps.CartCache,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		opts:        opts,
	}
}

type LineItem struct {
	VariantID string
	Size      string
	Color     string
	UnitPrice decimal.Decimal
	Quantity  int
}

// CreateRequest is the validated checkout payload the storefront submits.
type CreateRequest struct {
	OrderNumber  string
	Items        []LineItem
	Customer     domain.Customer
	ReferralCode string
	// Amount is the total the storefront displayed; checked against the items when set.
	Amount decimal.Decimal
}

type CreateResult struct {
	Order  *domain.Order
	Intent *payment.Intent
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.OrderNumber) == "" {
		return fmt.Errorf("%w: order number is required", ErrInvalidRequest)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)
	}
	for i, it := range r.Items {
		if it.VariantID == "" || it.Size == "" {
			return fmt.Errorf("%w: item %d is missing variant or size", ErrInvalidRequest, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidRequest, i)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d price must not be negative", ErrInvalidRequest, i)
		}
	}
	if strings.TrimSpace(r.Customer.Email) == "" {
		return fmt.Errorf("%w: customer email is required", ErrInvalidRequest)
	}
	return nil
}

// Create checks stock, opens a payment intent and stores the order as PENDING.
// Nothing is persisted unless every step succeeds.
func (s *checkoutService) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	lines := make([]domain.StockLine, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.OrderItem{
			VariantID: it.VariantID,
			Size:      it.Size,
			Color:     it.Color,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
		lines = append(lines, domain.StockLine{VariantID: it.VariantID, Size: it.Size, Quantity: it.Quantity})
	}

	total := OrderTotal(items)
	if !req.Amount.IsZero() && !req.Amount.Round(2).Equal(total) {
		return nil, fmt.Errorf("%w: amount %s does not match items total %s",
			ErrInvalidRequest, req.Amount.StringFixed(2), total.StringFixed(2))
	}
	amount := ToMinorUnits(total)
	if amount <= 0 {
		return nil, fmt.Errorf("%w: order total must be positive", ErrInvalidRequest)
	}

	if err := s.stock.CheckAvailability(ctx, lines); err != nil {
		return nil, err
	}

	if _, err := s.orders.FindByOrderNumber(ctx, req.OrderNumber); err == nil {
		return nil, ErrDuplicateOrderNumber
	} else if !errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}

	var intent *payment.Intent
	err := s.callGateway(ctx, "create_intent", func(ctx context.Context) error {
		in, err := s.gateway.CreateIntent(ctx, payment.IntentRequest{
			Amount:      amount,
			Currency:    s.opts.Currency,
			Description: "Order " + req.OrderNumber,
		})
		intent = in
		return err
	})
	if err != nil {
		s.logger.Error("create payment intent failed", "order_number", req.OrderNumber, "error", err)
		return nil, err
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:              uuid.New(),
		OrderNumber:     req.OrderNumber,
		Status:          domain.OrderPending,
		TotalAmount:     total,
		Currency:        s.opts.Currency,
		PaymentIntentID: intent.ID,
		ClientKey:       intent.ClientKey,
		Customer:        req.Customer,
		ResellerID:      s.resolveReferral(ctx, req.ReferralCode),
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.orders.Create(ctx, tx, order)
	})
	if err != nil {
		s.logger.Warn("order not stored, payment intent left unused",
			"order_number", req.OrderNumber, "intent_id", intent.ID, "error", err)
		return nil, err
	}

	s.logger.Info("order created",
		"order_number", order.OrderNumber, "intent_id", intent.ID, "amount", amount, "currency", order.Currency)
	return &CreateResult{Order: order, Intent: intent}, nil
}

func (s *checkoutService) resolveReferral(ctx context.Context, code string) *uuid.UUID {
	if code == "" {
		return nil
	}
	reseller, err := s.commissions.FindResellerByCode(ctx, code)
	if err != nil {
		s.logger.Warn("referral code ignored", "code", code, "error", err)
		return nil
	}
	return &reseller.ID
}

type AttachRequest struct {
	OrderNumber string
	Method      payment.MethodInput
}

type MethodResult struct {
	Order       *domain.Order
	MethodID    string
	Status      domain.PaymentStatus
	RedirectURL string
}

// AttachMethod creates the payment method and attaches it to the order's intent.
// On any gateway failure the order stays PENDING so the customer can retry.
func (s *checkoutService) AttachMethod(ctx context.Context, req AttachRequest) (*MethodResult, error) {
	order, err := s.orders.FindByOrderNumber(ctx, req.OrderNumber)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderPending {
		return nil, fmt.Errorf("%w: order %s is %s", ErrStatusConflict, order.OrderNumber, order.Status)
	}

	methodReq, err := payment.NewMethodRequest(req.Method, billingFor(order.Customer))
	if err != nil {
		return nil, err
	}

	var method *payment.Method
	if err := s.callGateway(ctx, "create_method", func(ctx context.Context) error {
		m, err := s.gateway.CreateMethod(ctx, methodReq)
		method = m
		return err
	}); err != nil {
		s.logger.Error("create payment method failed", "order_number", order.OrderNumber, "error", err)
		return nil, err
	}

	var attached *payment.AttachResult
	if err := s.callGateway(ctx, "attach", func(ctx context.Context) error {
		res, err := s.gateway.Attach(ctx, order.PaymentIntentID, method.ID, order.ClientKey, s.opts.ReturnURL)
		attached = res
		return err
	}); err != nil {
		s.logger.Error("attach payment method failed",
			"order_number", order.OrderNumber, "intent_id", order.PaymentIntentID, "error", err)
		return nil, err
	}

	displayName := methodReq.DisplayName()
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.orders.Transition(ctx, tx, order.ID, domain.OrderPending, domain.OrderUnpaid); err != nil {
			return err
		}
		return s.orders.SetPaymentMethod(ctx, tx, order.ID, method.ID, displayName)
	})
	if err != nil {
		return nil, err
	}

	order.Status = domain.OrderUnpaid
	order.PaymentMethodID = method.ID
	order.PaymentMethodType = displayName
	s.logger.Info("payment method attached",
		"order_number", order.OrderNumber, "method", displayName, "status", attached.Status)

	return &MethodResult{
		Order:       order,
		MethodID:    method.ID,
		Status:      attached.Status,
		RedirectURL: attached.RedirectURL,
	}, nil
}

func billingFor(c domain.Customer) payment.Billing {
	return payment.Billing{
		Name:       c.FullName(),
		Email:      c.Email,
		Phone:      c.Phone,
		Line1:      c.Address,
		City:       c.City,
		State:      c.Province,
		PostalCode: c.PostalCode,
		Country:    c.Country,
	}
}

func (s *checkoutService) Status(ctx context.Context, orderNumber string) (*domain.Order, error) {
	return s.orders.FindByOrderNumber(ctx, orderNumber)
}

// callGateway bounds fn by the gateway timeout and records its outcome.
func (s *checkoutService) callGateway(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	s.metrics.ObserveGateway(op, err, start)
	return err
}
