package paper

import (
	"context"
	"sync"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// MemoryLedger is an in-process ports.PositionLedger.
type MemoryLedger struct {
	mu    sync.Mutex
	fills map[string][]domain.LedgerFill
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{fills: make(map[string][]domain.LedgerFill)}
}

func (l *MemoryLedger) RecordFill(_ context.Context, f domain.LedgerFill) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fills[f.OrderID] = append(l.fills[f.OrderID], f)
	return nil
}

func (l *MemoryLedger) Position(_ context.Context, orderID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, f := range l.fills[orderID] {
		total += f.Size
	}
	return total, nil
}

// Adjust books a correcting entry, as a venue-side position rebuild would.
func (l *MemoryLedger) Adjust(orderID string, delta float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fills[orderID] = append(l.fills[orderID], domain.LedgerFill{OrderID: orderID, Size: delta})
}
