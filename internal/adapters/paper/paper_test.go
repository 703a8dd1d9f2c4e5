package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/ports"
)

func request(size, limit, market float64) domain.ExecutionRequest {
	return domain.ExecutionRequest{
		OrderID:     "order-1",
		Ticker:      "TICKER",
		Side:        domain.SideYes,
		Size:        size,
		LimitPrice:  limit,
		MarketPrice: market,
		Mode:        domain.ModePaper,
	}
}

func TestExecutor_FillsAtMarketPrice(t *testing.T) {
	ledger := NewMemoryLedger()
	ex := NewExecutor(Config{}, ledger)

	res, err := ex.Submit(context.Background(), request(10, 55, 54))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.ExecPaperFilled, res.Status)
	assert.Equal(t, domain.ModePaper, res.Mode)
	assert.Contains(t, res.VenueOrderID, "paper-")
	require.NotNil(t, res.PaperFill)
	assert.Equal(t, 10.0, res.PaperFill.Count)
	assert.Equal(t, 54.0, res.PaperFill.FillPrice)
	assert.Zero(t, res.PaperFill.Slippage)

	pos, err := ledger.Position(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, pos)
}

func TestExecutor_Slippage(t *testing.T) {
	ex := NewExecutor(Config{SlippageTicks: 1}, NewMemoryLedger())

	res, err := ex.Submit(context.Background(), request(5, 55, 53.4))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 54.0, res.PaperFill.FillPrice, "rounded to the tick")

	res, err = ex.Submit(context.Background(), request(5, 55, 55))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ExecRejected, res.Status)
	assert.Contains(t, res.RejectionReason, "exceed limit")
}

func TestExecutor_NoMarketPriceUsesLimit(t *testing.T) {
	ex := NewExecutor(Config{}, nil)
	res, err := ex.Submit(context.Background(), request(1, 40, 0))
	require.NoError(t, err)
	assert.Equal(t, 40.0, res.PaperFill.FillPrice)
}

func TestExecutor_InvalidRequestRejected(t *testing.T) {
	ex := NewExecutor(Config{}, nil)
	res, err := ex.Submit(context.Background(), request(0, 55, 54))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecRejected, res.Status)
}

type failingLedger struct{}

func (failingLedger) RecordFill(context.Context, domain.LedgerFill) error { return errors.New("disk full") }
func (failingLedger) Position(context.Context, string) (float64, error)  { return 0, nil }

func TestExecutor_LedgerErrorIsReturned(t *testing.T) {
	ex := NewExecutor(Config{}, failingLedger{})
	_, err := ex.Submit(context.Background(), request(10, 55, 54))
	assert.ErrorContains(t, err, "disk full")
}

func TestCompare(t *testing.T) {
	cases := []struct {
		name             string
		expected, broker float64
		drift            float64
		verified         bool
	}{
		{"match", 10, 10, 0, true},
		{"within tolerance", 100, 99.5, 0.5, true},
		{"drift", 10, 8, 20, false},
		{"nothing expected", 0, 0, 0, true},
		{"unexpected position", 0, 3, 100, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Compare(tc.expected, tc.broker, 1)
			assert.InDelta(t, tc.drift, res.DriftPct, 1e-9)
			assert.Equal(t, tc.verified, res.Verified)
			assert.Equal(t, tc.expected, res.ExpectedSize)
			assert.Equal(t, tc.broker, res.BrokerSize)
		})
	}
}

type memOrders struct{ orders map[string]domain.OrderLifecycle }

func (m memOrders) SaveOrder(_ context.Context, o domain.OrderLifecycle) error {
	m.orders[o.OrderID] = o
	return nil
}

func (m memOrders) LoadOrder(_ context.Context, id string) (domain.OrderLifecycle, error) {
	o, ok := m.orders[id]
	if !ok {
		return o, ports.ErrNotFound
	}
	return o, nil
}

func (m memOrders) ListOrdersByState(context.Context, ...domain.OrderState) ([]domain.OrderLifecycle, error) {
	return nil, nil
}

func TestReconciler(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	store := memOrders{orders: map[string]domain.OrderLifecycle{
		"order-1": {OrderID: "order-1", FilledSize: 10},
	}}
	rec := NewReconciler(store, ledger, 0)

	ex := NewExecutor(Config{}, ledger)
	_, err := ex.Submit(ctx, request(10, 55, 54))
	require.NoError(t, err)

	res, err := rec.Reconcile(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Zero(t, res.DriftPct)

	ledger.Adjust("order-1", -2)
	res, err = rec.Reconcile(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.InDelta(t, 20, res.DriftPct, 1e-9)

	_, err = rec.Reconcile(ctx, "missing")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}
