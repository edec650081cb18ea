package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/service"
)

// StaleOrderFinder hands out orders that have not moved for a while, rotating
// through them across calls.
type StaleOrderFinder interface {
	ClaimStale(ctx context.Context, status domain.OrderStatus, olderThan time.Duration, limit int) ([]domain.Order, error)
}

// Reconciler is the part of the checkout service the worker drives.
type Reconciler interface {
	Reconcile(ctx context.Context, req service.ReconcileRequest) (*service.ReconcileResult, error)
	RecoverPending(ctx context.Context, orderNumber string) (*service.ReconcileResult, error)
	ExpireAbandoned(ctx context.Context, orderNumber string) error
}

type Options struct {
	Interval   time.Duration
	StaleAfter time.Duration
	PendingTTL time.Duration
	BatchSize  int
}

// Report counts sweep outcomes by label.
type Report map[string]int

// ReconciliationWorker settles orders whose customer never came back to poll:
// UNPAID orders are reconciled, PENDING orders whose charge went through despite
// a lost attach response are recovered, and the rest expire after the TTL.
type ReconciliationWorker struct {
	orders  StaleOrderFinder
	svc     Reconciler
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewReconciliationWorker(
	orders StaleOrderFinder,
	svc Reconciler,
	opts Options,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ReconciliationWorker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &ReconciliationWorker{
		orders:  orders,
		svc:     svc,
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
}

func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.opts.Interval)
	defer ticker.Stop()

	rw.logger.Info("reconciliation worker started", "interval", rw.opts.Interval, "stale_after", rw.opts.StaleAfter)

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			if _, err := rw.Sweep(ctx); err != nil {
				rw.logger.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass over stale UNPAID and PENDING orders.
func (rw *ReconciliationWorker) Sweep(ctx context.Context) (Report, error) {
	report := Report{}

	unpaid, err := rw.orders.ClaimStale(ctx, domain.OrderUnpaid, rw.opts.StaleAfter, rw.opts.BatchSize)
	if err != nil {
		return report, err
	}
	for _, o := range unpaid {
		_, err := rw.svc.Reconcile(ctx, service.ReconcileRequest{OrderNumber: o.OrderNumber})
		rw.record(report, o, outcomeOf(err, "settled"), err)
	}

	pending, err := rw.orders.ClaimStale(ctx, domain.OrderPending, rw.opts.StaleAfter, rw.opts.BatchSize)
	if err != nil {
		return report, err
	}
	for _, o := range pending {
		_, err := rw.svc.RecoverPending(ctx, o.OrderNumber)
		if errors.Is(err, service.ErrNotFinal) && time.Since(o.CreatedAt) > rw.opts.PendingTTL {
			err = rw.svc.ExpireAbandoned(ctx, o.OrderNumber)
			rw.record(report, o, outcomeOf(err, "expired"), err)
			continue
		}
		rw.record(report, o, outcomeOf(err, "recovered"), err)
	}

	if len(unpaid)+len(pending) > 0 {
		rw.logger.Info("reconciliation sweep done", "unpaid", len(unpaid), "pending", len(pending), "report", report)
	}
	return report, nil
}

func outcomeOf(err error, success string) string {
	switch {
	case err == nil:
		return success
	case errors.Is(err, service.ErrNotFinal):
		return "not_final"
	case errors.Is(err, service.ErrAlreadyProcessed), errors.Is(err, service.ErrStatusConflict):
		return "already_processed"
	case errors.Is(err, service.ErrStockExhausted):
		return "stock_exhausted"
	}
	return "error"
}

func (rw *ReconciliationWorker) record(report Report, o domain.Order, outcome string, err error) {
	report[outcome]++
	rw.metrics.Sweeps.WithLabelValues(outcome).Inc()
	if outcome == "error" {
		// left for the next sweep
		rw.logger.Error("sweep could not settle order", "order_number", o.OrderNumber, "status", o.Status, "error", err)
	}
}
