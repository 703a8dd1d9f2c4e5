package ports

import (
	"context"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// ExecutionAdapter sends an approved order to a venue, or simulates it.
// A venue refusal is a successful call with Status rejected; the error
// return is for transport failures.
type ExecutionAdapter interface {
	Submit(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error)
}

// ReconciliationChecker compares the internal position of an order with the
// venue's authoritative record.
type ReconciliationChecker interface {
	Reconcile(ctx context.Context, orderID string) (domain.ReconciliationResult, error)
}

// PositionSource reports the broker's filled size for an order.
type PositionSource interface {
	Position(ctx context.Context, orderID string) (float64, error)
}

// PositionLedger is the paper venue's record of filled size per order. It
// plays the broker side of paper reconciliation.
type PositionLedger interface {
	PositionSource
	RecordFill(ctx context.Context, f domain.LedgerFill) error
}
