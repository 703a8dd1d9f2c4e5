package notify_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyguard/internal/adapters/notify"
	"github.com/alejandrodnm/polyguard/internal/domain"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func makeOrder(state domain.OrderState) domain.OrderLifecycle {
	clv := 6.0
	return domain.OrderLifecycle{
		OrderID:       "0123456789abcdef",
		SignalID:      "signal-001",
		Strategy:      "bonding",
		Ticker:        "TRUMP-2028",
		Side:          domain.SideYes,
		RequestedSize: 10,
		FilledSize:    10,
		AvgFillPrice:  54,
		CLV:           &clv,
		CurrentState:  state,
		UpdatedAt:     at,
		StateHistory: []domain.StateTransition{
			{To: domain.StatePending, At: at, Reason: "order created from signal"},
			{From: domain.StatePending, To: domain.StatePreTradeCheck, At: at, Reason: "pre-trade check started"},
			{From: domain.StateSubmitted, To: state, At: at, Reason: "order fully filled", Metadata: map[string]string{"fill_price": "54", "filled": "10"}},
		},
	}
}

func TestConsole_NotifyOrder_Compact(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	require.NoError(t, n.NotifyOrder(context.Background(), makeOrder(domain.StateFilled)))

	out := buf.String()
	assert.Contains(t, out, "FILLED")
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "TRUMP-2028 YES")
	assert.Contains(t, out, "size 10/10 @ 54.00")
	assert.Contains(t, out, "clv +6.00")
	assert.Contains(t, out, "order fully filled")
	assert.Equal(t, 1, strings.Count(out, "\n"), "compact mode is one line")
}

func TestConsole_NotifyOrder_TableIncludesHistory(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true)

	require.NoError(t, n.NotifyOrder(context.Background(), makeOrder(domain.StateFilled)))

	out := buf.String()
	assert.Contains(t, out, "signal-001")
	assert.Contains(t, out, "PRE_TRADE_CHECK")
	assert.Contains(t, out, "fill_price=54 filled=10")
}

func TestConsole_NotifyOrder_ShowsError(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	o := makeOrder(domain.StateError)
	o.LastError = "venue unreachable"
	require.NoError(t, n.NotifyOrder(context.Background(), o))
	assert.Contains(t, buf.String(), "!! ERROR")
	assert.Contains(t, buf.String(), "err: venue unreachable")
}

func TestConsole_PrintInvariants(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	n.PrintInvariants("o-1", false, []domain.InvariantResult{
		{ID: "I1", Name: "max position size", Passed: true, Severity: domain.SeverityCritical, Actual: "550", Expected: "<= 1000"},
		{ID: "I16", Name: "circuit breaker", Passed: false, Severity: domain.SeverityCritical, Actual: "HALT", Expected: "NORMAL", Message: "breaker is HALT"},
	})

	out := buf.String()
	assert.Contains(t, out, "REJECTED")
	assert.Contains(t, out, "max position size")
	assert.Contains(t, out, "I16 critical: breaker is HALT")
}

func TestConsole_PrintInvariants_Empty(t *testing.T) {
	var buf bytes.Buffer
	notify.NewConsoleWriter(&buf, false).PrintInvariants("o-1", false, nil)
	assert.Contains(t, buf.String(), "no risk check recorded")
}

func TestConsole_PrintBreakerAndOrders(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	n.PrintBreaker(domain.CircuitBreakerState{State: domain.BreakerCaution, ConsecutiveFailures: 3, LastTransitionAt: at, LastReason: "3 consecutive failures"})
	n.PrintOrders("stuck orders", nil)
	n.PrintOrders("stuck orders", []domain.OrderLifecycle{makeOrder(domain.StateReconciliationDrift)})

	out := buf.String()
	assert.Contains(t, out, "breaker CAUTION | failures 3 | since 2026-03-01 12:00:00")
	assert.Contains(t, out, "stuck orders: none")
	assert.Contains(t, out, "stuck orders (1)")
	assert.Contains(t, out, "RECONCILIATION_DRIFT")
}
