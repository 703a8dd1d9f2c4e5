// Package reconcile runs the periodic reconciliation of filled orders
// against the venue, out of band from order admission.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/ports"
)

// Reconciler is satisfied by *orchestrator.Orchestrator.
type Reconciler interface {
	ReconcileOrder(ctx context.Context, orderID string) (domain.OrderLifecycle, error)
}

// Config tunes the batch.
type Config struct {
	Interval   time.Duration
	Workers    int     // 0 = NumCPU
	RatePerSec float64 // venue calls per second, 0 = unlimited
	Burst      int
}

// Summary counts the outcome of one pass.
type Summary struct {
	Checked    int
	Reconciled int
	Drifting   int
	Failed     int
}

// Batch loads FILLED and RECONCILIATION_DRIFT orders and reconciles them
// with a bounded worker pool.
type Batch struct {
	cfg     Config
	store   ports.OrderStore
	rec     Reconciler
	limiter *rate.Limiter
}

// New creates the batch.
func New(cfg Config, store ports.OrderStore, rec Reconciler) *Batch {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Batch{
		cfg:     cfg,
		store:   store,
		rec:     rec,
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
}

// Run executes a pass every Interval until ctx is cancelled.
func (b *Batch) Run(ctx context.Context) error {
	slog.Info("reconciliation loop starting", "interval", b.cfg.Interval, "workers", b.cfg.Workers)
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := b.RunOnce(ctx); err != nil {
			slog.Error("reconciliation pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("reconciliation loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce reconciles every pending order once.
func (b *Batch) RunOnce(ctx context.Context) (Summary, error) {
	orders, err := b.store.ListOrdersByState(ctx, domain.StateFilled, domain.StateReconciliationDrift)
	if err != nil {
		return Summary{}, fmt.Errorf("reconcile.RunOnce: list: %w", err)
	}
	if len(orders) == 0 {
		return Summary{}, nil
	}

	workCh := make(chan string, len(orders))
	resultCh := make(chan domain.OrderState, len(orders))

	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range workCh {
				if err := b.limiter.Wait(ctx); err != nil {
					resultCh <- ""
					continue
				}
				o, err := b.rec.ReconcileOrder(ctx, id)
				if err != nil {
					slog.Warn("reconcile order failed", "order_id", id, "err", err)
					resultCh <- ""
					continue
				}
				resultCh <- o.CurrentState
			}
		}()
	}

	for _, o := range orders {
		workCh <- o.OrderID
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var sum Summary
	for st := range resultCh {
		sum.Checked++
		switch st {
		case domain.StateReconciled:
			sum.Reconciled++
		case domain.StateReconciliationDrift:
			sum.Drifting++
		default:
			sum.Failed++
		}
	}
	slog.Info("reconciliation pass",
		"checked", sum.Checked,
		"reconciled", sum.Reconciled,
		"drifting", sum.Drifting,
		"failed", sum.Failed,
	)
	return sum, nil
}
