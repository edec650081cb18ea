package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storefront-checkout/internal/config"
	"storefront-checkout/internal/database"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/notify"
)

type ReconcileRequest struct {
	OrderNumber string
	// IntentID, when set, must match the order's stored intent.
	IntentID string
}

// ReconcileResult is also returned alongside ErrAlreadyProcessed, ErrNotFinal
// and ErrStockExhausted so callers can report the order's current state.
type ReconcileResult struct {
	Order         *domain.Order
	PaymentStatus domain.PaymentStatus
}

func (s *checkoutService) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	order, err := s.orders.FindByOrderNumber(ctx, req.OrderNumber)
	if err != nil {
		return nil, err
	}
	if req.IntentID != "" && req.IntentID != order.PaymentIntentID {
		return nil, ErrOrderNotFound
	}
	return s.reconcile(ctx, order)
}

// ReconcileByIntent serves gateway callbacks, which only know the intent id.
func (s *checkoutService) ReconcileByIntent(ctx context.Context, intentID string) (*ReconcileResult, error) {
	order, err := s.orders.FindByIntentID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, order)
}

func (s *checkoutService) reconcile(ctx context.Context, order *domain.Order) (*ReconcileResult, error) {
	res := &ReconcileResult{Order: order}
	if order.Status != domain.OrderUnpaid {
		return res, ErrAlreadyProcessed
	}

	status, err := s.intentStatus(ctx, order)
	if err != nil {
		return nil, err
	}
	res.PaymentStatus = status

	target, final := status.OrderStatus()
	if !final {
		return res, ErrNotFinal
	}

	settled, err := s.settle(ctx, order.ID, target, domain.CancelReasonPaymentFailed)
	switch {
	case errors.Is(err, ErrStockExhausted):
		return s.handleStockExhausted(ctx, res, err)
	case errors.Is(err, ErrAlreadyProcessed):
		if current, findErr := s.orders.FindByOrderNumber(ctx, order.OrderNumber); findErr == nil {
			res.Order = current
		}
		return res, ErrAlreadyProcessed
	case err != nil:
		s.logger.Error("reconcile failed, order left unpaid", "order_number", order.OrderNumber, "error", err)
		return nil, err
	}

	s.afterSettle(ctx, settled)
	res.Order = settled
	return res, nil
}

func (s *checkoutService) intentStatus(ctx context.Context, order *domain.Order) (domain.PaymentStatus, error) {
	var status domain.PaymentStatus
	err := s.callGateway(ctx, "get_intent", func(ctx context.Context) error {
		st, err := s.gateway.GetIntentStatus(ctx, order.PaymentIntentID, order.ClientKey)
		status = st
		return err
	})
	if err != nil {
		s.logger.Error("fetch payment status failed",
			"order_number", order.OrderNumber, "intent_id", order.PaymentIntentID, "error", err)
	}
	return status, err
}

// settle moves an UNPAID order to target in one transaction together with
// every ledger change that status implies.
func (s *checkoutService) settle(ctx context.Context, id uuid.UUID, target domain.OrderStatus, cancelReason string) (*domain.Order, error) {
	var settled *domain.Order
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		order, err := s.orders.FindForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderUnpaid {
			return ErrAlreadyProcessed
		}
		if err := s.orders.Transition(ctx, tx, id, domain.OrderUnpaid, target); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return ErrAlreadyProcessed
			}
			return err
		}

		switch target {
		case domain.OrderPaid:
			err = s.applyPaid(ctx, tx, order)
		case domain.OrderCanceled:
			err = s.applyCanceled(ctx, tx, order, cancelReason)
		}
		if err != nil {
			return err
		}

		order.Status = target
		settled = order
		return nil
	})
	return settled, err
}

func (s *checkoutService) applyPaid(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	lines := order.StockLines()
	if err := s.stock.Decrement(ctx, tx, lines); err != nil {
		return err
	}
	if err := s.orders.MarkStockCommitted(ctx, tx, order.ID, true); err != nil {
		return err
	}
	order.StockCommitted = true

	// a held order whose stock came back is fulfilled, not refunded
	if order.RefundRequired {
		if err := s.orders.SetRefundRequired(ctx, tx, order.ID, false); err != nil {
			return err
		}
		order.RefundRequired = false
		s.logger.Info("held order settled after restock", "order_number", order.OrderNumber)
	}

	if order.ResellerID != nil {
		now := time.Now().UTC()
		created, err := s.commissions.Credit(ctx, tx, &domain.CommissionTransaction{
			ID:             uuid.New(),
			OrderID:        order.ID,
			ResellerID:     *order.ResellerID,
			Amount:         Commission(order.TotalAmount, s.opts.CommissionRate),
			Status:         domain.CommissionPending,
			WithdrawableAt: domain.AddBusinessDays(now, s.opts.CommissionMaturityDays),
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		if !created {
			s.logger.Warn("commission already credited", "order_number", order.OrderNumber)
		}
	}

	removed, err := s.carts.RemovePurchased(ctx, tx, order.Customer.Email, lines)
	if err != nil {
		return err
	}
	s.logger.Debug("purchased cart rows removed", "order_number", order.OrderNumber, "rows", removed)
	return nil
}

func (s *checkoutService) applyCanceled(ctx context.Context, tx *sql.Tx, order *domain.Order, reason string) error {
	if order.StockCommitted {
		if err := s.stock.Increment(ctx, tx, order.StockLines()); err != nil {
			return err
		}
		if err := s.orders.MarkStockCommitted(ctx, tx, order.ID, false); err != nil {
			return err
		}
		order.StockCommitted = false
	}
	if err := s.orders.SetCancelReason(ctx, tx, order.ID, reason); err != nil {
		return err
	}
	order.CancelReason = reason
	return nil
}

// handleStockExhausted runs after the PAID transaction rolled back: the customer
// was charged but at least one line can no longer be fulfilled.
func (s *checkoutService) handleStockExhausted(ctx context.Context, res *ReconcileResult, cause error) (*ReconcileResult, error) {
	order := res.Order
	s.metrics.StockExhausted.Inc()
	s.logger.Warn("paid order could not commit stock",
		"order_number", order.OrderNumber, "policy", s.opts.StockExhaustedPolicy, "error", cause)

	if s.opts.StockExhaustedPolicy == config.PolicyHold {
		err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			return s.orders.SetRefundRequired(ctx, tx, order.ID, true)
		})
		if err != nil {
			return nil, err
		}
		order.RefundRequired = true
		return res, cause
	}

	var canceled *domain.Order
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		locked, err := s.orders.FindForUpdate(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if err := s.orders.Transition(ctx, tx, order.ID, domain.OrderUnpaid, domain.OrderCanceled); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return ErrAlreadyProcessed
			}
			return err
		}
		if err := s.applyCanceled(ctx, tx, locked, domain.CancelReasonStockExhausted); err != nil {
			return err
		}
		if err := s.orders.SetRefundRequired(ctx, tx, order.ID, true); err != nil {
			return err
		}
		locked.Status = domain.OrderCanceled
		locked.RefundRequired = true
		canceled = locked
		return nil
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		return res, err
	}
	if err != nil {
		return nil, err
	}

	s.afterSettle(ctx, canceled)
	res.Order = canceled
	return res, cause
}

// RecoverPending settles a PENDING order whose attach response was lost but whose
// intent the gateway already decided.
func (s *checkoutService) RecoverPending(ctx context.Context, orderNumber string) (*ReconcileResult, error) {
	order, err := s.orders.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderPending {
		return &ReconcileResult{Order: order}, ErrAlreadyProcessed
	}

	status, err := s.intentStatus(ctx, order)
	if err != nil {
		return nil, err
	}
	if _, final := status.OrderStatus(); !final {
		return &ReconcileResult{Order: order, PaymentStatus: status}, ErrNotFinal
	}

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.orders.Transition(ctx, tx, order.ID, domain.OrderPending, domain.OrderUnpaid)
	})
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return &ReconcileResult{Order: order}, ErrAlreadyProcessed
		}
		return nil, err
	}
	s.logger.Warn("recovered pending order with settled payment",
		"order_number", order.OrderNumber, "intent_id", order.PaymentIntentID, "payment_status", status)

	order.Status = domain.OrderUnpaid
	return s.reconcile(ctx, order)
}

// ExpireAbandoned cancels a PENDING order nobody attached a payment method to.
func (s *checkoutService) ExpireAbandoned(ctx context.Context, orderNumber string) error {
	order, err := s.orders.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return err
	}

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.orders.Transition(ctx, tx, order.ID, domain.OrderPending, domain.OrderCanceled); err != nil {
			return err
		}
		return s.orders.SetCancelReason(ctx, tx, order.ID, domain.CancelReasonAbandoned)
	})
	if err != nil {
		return fmt.Errorf("expire order %s: %w", orderNumber, err)
	}

	order.Status = domain.OrderCanceled
	order.CancelReason = domain.CancelReasonAbandoned
	s.metrics.Settlements.WithLabelValues(string(order.Status)).Inc()
	s.publish(context.WithoutCancel(ctx), order)
	s.logger.Info("abandoned order canceled", "order_number", orderNumber)
	return nil
}

// afterSettle runs the side effects of a committed transition. Their failures
// are logged and never undo the transition.
func (s *checkoutService) afterSettle(ctx context.Context, order *domain.Order) {
	ctx = context.WithoutCancel(ctx)
	s.metrics.Settlements.WithLabelValues(string(order.Status)).Inc()
	s.logger.Info("order settled", "order_number", order.OrderNumber, "status", order.Status)

	var err error
	if order.Status == domain.OrderPaid {
		if cacheErr := s.cartCache.Delete(ctx, order.Customer.Email); cacheErr != nil {
			s.logger.Warn("cart cache invalidation failed", "order_number", order.OrderNumber, "error", cacheErr)
		}
		err = s.notifier.OrderPaid(ctx, order)
	} else {
		err = s.notifier.OrderFailed(ctx, order)
	}
	if err != nil {
		s.logger.Error("order email not sent", "order_number", order.OrderNumber, "error", err)
	}

	s.publish(ctx, order)
}

func (s *checkoutService) publish(ctx context.Context, order *domain.Order) {
	if err := s.events.Publish(ctx, notify.NewOrderEvent(order)); err != nil {
		s.logger.Error("order event not published", "order_number", order.OrderNumber, "error", err)
	}
}
