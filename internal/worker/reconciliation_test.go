package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/service"
)

type fakeFinder struct {
	byStatus map[domain.OrderStatus][]domain.Order
	err      error
}

func (f *fakeFinder) ClaimStale(_ context.Context, status domain.OrderStatus, _ time.Duration, _ int) ([]domain.Order, error) {
	return f.byStatus[status], f.err
}

type fakeReconciler struct {
	mu         sync.Mutex
	reconcile  map[string]error
	recover    map[string]error
	expired    []string
	reconciled []string
}

func (f *fakeReconciler) Reconcile(_ context.Context, req service.ReconcileRequest) (*service.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, req.OrderNumber)
	return &service.ReconcileResult{}, f.reconcile[req.OrderNumber]
}

func (f *fakeReconciler) RecoverPending(_ context.Context, orderNumber string) (*service.ReconcileResult, error) {
	return &service.ReconcileResult{}, f.recover[orderNumber]
}

func (f *fakeReconciler) ExpireAbandoned(_ context.Context, orderNumber string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, orderNumber)
	return nil
}

// rotatingFinder hands out at most limit orders per call, least recently claimed first.
type rotatingFinder struct {
	queue []domain.Order
}

func (f *rotatingFinder) ClaimStale(_ context.Context, status domain.OrderStatus, _ time.Duration, limit int) ([]domain.Order, error) {
	if status != domain.OrderUnpaid {
		return nil, nil
	}
	n := min(limit, len(f.queue))
	claimed := append([]domain.Order(nil), f.queue[:n]...)
	f.queue = append(f.queue[n:], claimed...)
	return claimed, nil
}

func newTestWorker(finder StaleOrderFinder, svc Reconciler) *ReconciliationWorker {
	return newTestWorkerWithBatch(finder, svc, 0)
}

func newTestWorkerWithBatch(finder StaleOrderFinder, svc Reconciler, batch int) *ReconciliationWorker {
	return NewReconciliationWorker(finder, svc, Options{
		Interval:   10 * time.Millisecond,
		StaleAfter: time.Minute,
		PendingTTL: time.Hour,
		BatchSize:  batch,
	}, metrics.New(prometheus.NewRegistry()), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSweep(t *testing.T) {
	now := time.Now()
	finder := &fakeFinder{byStatus: map[domain.OrderStatus][]domain.Order{
		domain.OrderUnpaid: {
			{OrderNumber: "U1"}, {OrderNumber: "U2"}, {OrderNumber: "U3"}, {OrderNumber: "U4"},
		},
		domain.OrderPending: {
			{OrderNumber: "P1", CreatedAt: now.Add(-10 * time.Minute)},
			{OrderNumber: "P2", CreatedAt: now.Add(-2 * time.Hour)},
			{OrderNumber: "P3", CreatedAt: now.Add(-2 * time.Hour)},
		},
	}}
	svc := &fakeReconciler{
		reconcile: map[string]error{
			"U2": service.ErrNotFinal,
			"U3": service.ErrAlreadyProcessed,
			"U4": errors.New("gateway down"),
		},
		recover: map[string]error{
			"P1": service.ErrNotFinal,
			"P2": service.ErrNotFinal,
		},
	}

	report, err := newTestWorker(finder, svc).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{
		"settled":           1,
		"not_final":         2,
		"already_processed": 1,
		"error":             1,
		"expired":           1,
		"recovered":         1,
	}, report)
	assert.Equal(t, []string{"P2"}, svc.expired)
}

func TestSweep_ReachesOrdersBeyondOneBatch(t *testing.T) {
	finder := &rotatingFinder{queue: []domain.Order{
		{OrderNumber: "U1"}, {OrderNumber: "U2"}, {OrderNumber: "U3"},
	}}
	svc := &fakeReconciler{reconcile: map[string]error{
		"U1": service.ErrNotFinal,
		"U2": service.ErrNotFinal,
		"U3": service.ErrNotFinal,
	}}
	w := newTestWorkerWithBatch(finder, svc, 2)

	for range 2 {
		report, err := w.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Report{"not_final": 2}, report)
	}
	assert.Equal(t, []string{"U1", "U2", "U3", "U1"}, svc.reconciled)
}

func TestSweep_FinderError(t *testing.T) {
	finder := &fakeFinder{err: errors.New("db down")}
	_, err := newTestWorker(finder, &fakeReconciler{}).Sweep(context.Background())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	finder := &fakeFinder{byStatus: map[domain.OrderStatus][]domain.Order{
		domain.OrderUnpaid: {{OrderNumber: "U1"}},
	}}
	svc := &fakeReconciler{}
	w := newTestWorker(finder, svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.reconciled) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
