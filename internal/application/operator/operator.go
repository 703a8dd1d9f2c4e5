// Package operator is the admin authority: manual breaker transitions,
// manual retries and read access to order history and invariant results.
package operator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/polyguard/internal/application/breaker"
	"github.com/alejandrodnm/polyguard/internal/application/orchestrator"
	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/ports"
)

// Retrier is satisfied by *orchestrator.Orchestrator.
type Retrier interface {
	Retry(ctx context.Context, orderID string, mc orchestrator.MarketContext) (domain.OrderLifecycle, error)
}

// ContextSource builds the market context a retried order runs with.
type ContextSource func(ctx context.Context, o domain.OrderLifecycle) (orchestrator.MarketContext, error)

// Operator holds the operator-facing actions.
type Operator struct {
	breaker *breaker.Breaker
	store   ports.OrderStore
	retrier Retrier
	context ContextSource
}

// New creates an Operator. retrier and source may be nil when retries are
// not offered.
func New(b *breaker.Breaker, store ports.OrderStore, retrier Retrier, source ContextSource) *Operator {
	return &Operator{breaker: b, store: store, retrier: retrier, context: source}
}

// ForceBreaker moves the circuit breaker to state. reason is mandatory and
// is stored on the breaker as "manual: <reason>".
func (op *Operator) ForceBreaker(ctx context.Context, state domain.BreakerState, reason string) (domain.CircuitBreakerState, error) {
	reason = strings.TrimSpace(reason)
	st, err := op.breaker.ForceTransition(ctx, state, reason)
	if err != nil {
		return st, fmt.Errorf("operator.ForceBreaker: %w", err)
	}
	slog.Warn("operator forced circuit breaker", "state", state, "reason", reason)
	return st, nil
}

// RecoverBreaker starts a supervised recovery from HALT.
func (op *Operator) RecoverBreaker(ctx context.Context, reason string) (domain.CircuitBreakerState, error) {
	reason = strings.TrimSpace(reason)
	st, err := op.breaker.BeginRecovery(ctx, reason)
	if err != nil {
		return st, fmt.Errorf("operator.RecoverBreaker: %w", err)
	}
	slog.Warn("operator started breaker recovery", "reason", reason)
	return st, nil
}

// Breaker returns the current breaker state.
func (op *Operator) Breaker() domain.CircuitBreakerState { return op.breaker.Snapshot() }

// RetryOrder re-runs an ERROR order through the pipeline.
func (op *Operator) RetryOrder(ctx context.Context, orderID string) (domain.OrderLifecycle, error) {
	if op.retrier == nil || op.context == nil {
		return domain.OrderLifecycle{}, fmt.Errorf("operator.RetryOrder: retries are not configured")
	}
	o, err := op.store.LoadOrder(ctx, orderID)
	if err != nil {
		return o, fmt.Errorf("operator.RetryOrder: %w", err)
	}
	if o.CurrentState != domain.StateError {
		return o, fmt.Errorf("operator.RetryOrder: %w: order %s is %s", domain.ErrOutOfOrder, orderID, o.CurrentState)
	}
	mc, err := op.context(ctx, o)
	if err != nil {
		return o, fmt.Errorf("operator.RetryOrder: market context: %w", err)
	}
	slog.Info("operator retry", "order_id", orderID, "retry_count", o.RetryCount, "last_error", o.LastError)
	return op.retrier.Retry(ctx, orderID, mc)
}

// OrderHistory returns the full stored order, history included.
func (op *Operator) OrderHistory(ctx context.Context, orderID string) (domain.OrderLifecycle, error) {
	o, err := op.store.LoadOrder(ctx, orderID)
	if err != nil {
		return o, fmt.Errorf("operator.OrderHistory: %w", err)
	}
	return o, nil
}

// Audit is the last risk decision taken on an order.
type Audit struct {
	OrderID  string
	State    domain.OrderState
	Approved bool
	Results  []domain.InvariantResult
	Failed   []domain.InvariantResult
}

// InvariantAudit returns the invariant results of the order's last risk
// evaluation. An order that never reached risk has no results.
func (op *Operator) InvariantAudit(ctx context.Context, orderID string) (Audit, error) {
	o, err := op.store.LoadOrder(ctx, orderID)
	if err != nil {
		return Audit{}, fmt.Errorf("operator.InvariantAudit: %w", err)
	}
	a := Audit{OrderID: o.OrderID, State: o.CurrentState}
	if o.RiskCheckResult == nil {
		return a, nil
	}
	a.Approved = o.RiskCheckResult.Approved
	a.Results = o.RiskCheckResult.Results
	for _, r := range a.Results {
		if !r.Passed {
			a.Failed = append(a.Failed, r)
		}
	}
	return a, nil
}

// Stuck lists the orders that need an operator: ERROR and
// RECONCILIATION_DRIFT.
func (op *Operator) Stuck(ctx context.Context) ([]domain.OrderLifecycle, error) {
	orders, err := op.store.ListOrdersByState(ctx, domain.StateError, domain.StateReconciliationDrift)
	if err != nil {
		return nil, fmt.Errorf("operator.Stuck: %w", err)
	}
	return orders, nil
}
