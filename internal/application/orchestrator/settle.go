package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/telemetry"
)

// ReconcileOrder checks a FILLED or RECONCILIATION_DRIFT order against the
// venue. A checker error leaves the order where it was.
func (o *Orchestrator) ReconcileOrder(ctx context.Context, orderID string) (domain.OrderLifecycle, error) {
	order, err := o.store.LoadOrder(ctx, orderID)
	if err != nil {
		return order, fmt.Errorf("orchestrator.ReconcileOrder: %w", err)
	}
	if order.CurrentState != domain.StateFilled && order.CurrentState != domain.StateReconciliationDrift {
		return order, fmt.Errorf("orchestrator.ReconcileOrder: %w: order %s is %s",
			domain.ErrOutOfOrder, order.OrderID, order.CurrentState)
	}

	res, err := o.reconciler.Reconcile(ctx, orderID)
	if err != nil {
		telemetry.ReconciliationsTotal.WithLabelValues("error").Inc()
		return order, fmt.Errorf("orchestrator.ReconcileOrder: %s: %w", orderID, err)
	}
	next, err := domain.StepReconcile(order, res)
	if err != nil {
		return order, fmt.Errorf("orchestrator.ReconcileOrder: %w", err)
	}

	if res.Verified {
		telemetry.ReconciliationsTotal.WithLabelValues("verified").Inc()
	} else {
		telemetry.ReconciliationsTotal.WithLabelValues("drift").Inc()
		slog.Warn("reconciliation drift",
			"order_id", orderID,
			"expected", res.ExpectedSize,
			"broker", res.BrokerSize,
			"drift_pct", res.DriftPct,
		)
	}
	return o.commit(ctx, order, next)
}

// Archive closes a RECONCILED order with its realised PnL.
func (o *Orchestrator) Archive(ctx context.Context, orderID string, pnl float64, notes string) (domain.OrderLifecycle, error) {
	order, err := o.store.LoadOrder(ctx, orderID)
	if err != nil {
		return order, fmt.Errorf("orchestrator.Archive: %w", err)
	}
	next, err := domain.StepArchive(order, pnl, notes)
	if err != nil {
		return order, fmt.Errorf("orchestrator.Archive: %w", err)
	}
	slog.Info("order archived", "order_id", orderID, "pnl", pnl)
	return o.commit(ctx, order, next)
}
