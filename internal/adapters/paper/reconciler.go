package paper

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/ports"
)

// Reconciler implements ports.ReconciliationChecker by comparing the
// order's FilledSize with the broker position. The broker is the paper
// ledger, or the venue gateway in live mode.
type Reconciler struct {
	orders       ports.OrderStore
	ledger       ports.PositionSource
	tolerancePct float64
}

// NewReconciler accepts drifts up to tolerancePct percent.
func NewReconciler(orders ports.OrderStore, ledger ports.PositionSource, tolerancePct float64) *Reconciler {
	return &Reconciler{orders: orders, ledger: ledger, tolerancePct: tolerancePct}
}

func (r *Reconciler) Reconcile(ctx context.Context, orderID string) (domain.ReconciliationResult, error) {
	o, err := r.orders.LoadOrder(ctx, orderID)
	if err != nil {
		return domain.ReconciliationResult{}, fmt.Errorf("paper.Reconcile: %w", err)
	}
	broker, err := r.ledger.Position(ctx, orderID)
	if err != nil {
		return domain.ReconciliationResult{}, fmt.Errorf("paper.Reconcile: %w", err)
	}
	return Compare(o.FilledSize, broker, r.tolerancePct), nil
}

// Compare builds the result for an expected vs broker size. Drift is in
// percent of the expected size; any broker position against an expected
// zero is a 100% drift.
func Compare(expected, broker, tolerancePct float64) domain.ReconciliationResult {
	var drift float64
	switch {
	case expected != 0:
		drift = math.Abs(expected-broker) / math.Abs(expected) * 100
	case broker != 0:
		drift = 100
	}
	return domain.ReconciliationResult{
		Verified:     drift <= tolerancePct,
		ExpectedSize: expected,
		BrokerSize:   broker,
		DriftPct:     drift,
		CheckedAt:    time.Now().UTC(),
	}
}
