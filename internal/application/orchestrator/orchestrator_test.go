package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyguard/internal/adapters/paper"
	"github.com/alejandrodnm/polyguard/internal/adapters/storage"
	"github.com/alejandrodnm/polyguard/internal/application/breaker"
	"github.com/alejandrodnm/polyguard/internal/application/orchestrator"
	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/domain/risk"
	"github.com/alejandrodnm/polyguard/internal/domain/toxicity"
)

var evalTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signal(id string) domain.Signal {
	return domain.Signal{
		SignalID: id,
		Strategy: "bonding",
		Ticker:   "TICKER",
		Side:     domain.SideYes,
		Size:     10,
		MaxPrice: 55,
	}
}

func healthyContext() orchestrator.MarketContext {
	return orchestrator.MarketContext{
		Market: domain.Market{
			Ticker:          "TICKER",
			Category:        "politics",
			EndDate:         evalTime.Add(72 * time.Hour),
			Volume24h:       50000,
			LastPriceUpdate: evalTime.Add(-5 * time.Second),
		},
		Spread:        0.02,
		Depth:         5000,
		MarketPrice:   54,
		Toxicity:      toxicity.Result{VPIN: 0.1, Level: domain.ToxicityNormal, EdgeMultiplier: 1},
		Portfolio:     orchestrator.Portfolio{Value: 20000},
		SystemHealthy: true,
	}
}

type recorder struct {
	mu          sync.Mutex
	transitions []domain.StateTransition
	notified    []domain.OrderState
}

func (r *recorder) PublishTransition(_ context.Context, _ domain.OrderLifecycle, t domain.StateTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *recorder) PublishBreaker(context.Context, domain.CircuitBreakerState) error { return nil }

func (r *recorder) NotifyOrder(_ context.Context, o domain.OrderLifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, o.CurrentState)
	return nil
}

type harness struct {
	orch    *orchestrator.Orchestrator
	store   *storage.SQLiteStorage
	breaker *breaker.Breaker
	ledger  *paper.MemoryLedger
	events  *recorder
}

func newHarness(t *testing.T, cfg orchestrator.Config, exec func(*paper.MemoryLedger) executor, eval orchestrator.RiskEvaluator) *harness {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := paper.NewMemoryLedger()
	var ex executor = paper.NewExecutor(paper.Config{}, ledger)
	if exec != nil {
		ex = exec(ledger)
	}
	if eval == nil {
		eval = risk.NewEngine(risk.DefaultLimits())
	}
	b := breaker.New(breaker.DefaultConfig(), db)
	rec := &recorder{}
	orch := orchestrator.New(cfg, db, b, eval, ex, paper.NewReconciler(db, ledger, 0),
		orchestrator.WithPublisher(rec),
		orchestrator.WithNotifier(rec),
		orchestrator.WithClock(func() time.Time { return evalTime }),
	)
	return &harness{orch: orch, store: db, breaker: b, ledger: ledger, events: rec}
}

type executor interface {
	Submit(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error)
}

func states(o domain.OrderLifecycle) []domain.OrderState {
	out := make([]domain.OrderState, len(o.StateHistory))
	for i, t := range o.StateHistory {
		out[i] = t.To
	}
	return out
}

func TestProcess_PaperEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, orchestrator.DefaultConfig(), nil, nil)

	o, err := h.orch.Process(ctx, signal("signal-001"), healthyContext())
	require.NoError(t, err)
	require.Equal(t, domain.StateFilled, o.CurrentState, o.LastError)
	assert.Equal(t, 10.0, o.FilledSize)
	assert.Equal(t, 54.0, o.AvgFillPrice)

	o, err = h.orch.ReconcileOrder(ctx, o.OrderID)
	require.NoError(t, err)
	require.Equal(t, domain.StateReconciled, o.CurrentState)
	require.NotNil(t, o.ReconciliationResult)
	assert.True(t, o.ReconciliationResult.Verified)
	assert.Equal(t, 10.0, o.ReconciliationResult.BrokerSize)
	assert.Zero(t, o.ReconciliationResult.DriftPct)

	o, err = h.orch.Archive(ctx, o.OrderID, 10, "paper")
	require.NoError(t, err)
	assert.Equal(t, domain.StateArchived, o.CurrentState)
	assert.NotNil(t, o.ClosedAt)
	assert.NotNil(t, o.ArchivedAt)
	require.NotNil(t, o.FinalPnL)
	assert.Equal(t, 10.0, *o.FinalPnL)

	assert.Equal(t, []domain.OrderState{
		domain.StatePending, domain.StatePreTradeCheck, domain.StateValidating, domain.StateValidated,
		domain.StateRiskCheck, domain.StateRiskApproved, domain.StateSubmitting, domain.StateSubmitted,
		domain.StateFilled, domain.StateReconciled, domain.StateArchived,
	}, states(o))

	stored, err := h.store.LoadOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, states(o), states(stored))
	assert.Len(t, h.events.transitions, len(o.StateHistory), "every transition published once")
	assert.Equal(t, domain.BreakerNormal, h.breaker.State())
}

func TestProcess_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, orchestrator.DefaultConfig(), nil, nil)

	first, err := h.orch.Process(ctx, signal("signal-001"), healthyContext())
	require.NoError(t, err)
	again, err := h.orch.Process(ctx, signal("signal-001"), healthyContext())
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Len(t, again.StateHistory, len(first.StateHistory))
	pos, err := h.ledger.Position(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, pos, "no second fill")
}

func TestProcess_PreTradeFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*orchestrator.MarketContext)
		reason string
	}{
		{"toxic flow", func(mc *orchestrator.MarketContext) {
			mc.Toxicity = toxicity.Result{VPIN: 0.8, Level: domain.ToxicityToxic, ShouldPause: true}
		}, "toxic flow"},
		{"wide spread", func(mc *orchestrator.MarketContext) { mc.Spread = 0.3 }, "spread"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, orchestrator.DefaultConfig(), nil, nil)
			mc := healthyContext()
			tc.mutate(&mc)

			o, err := h.orch.Process(context.Background(), signal("s"), mc)
			require.NoError(t, err)
			assert.Equal(t, domain.StatePreTradeFailed, o.CurrentState)
			assert.Contains(t, o.LastError, tc.reason)
			assert.Contains(t, h.events.notified, domain.StatePreTradeFailed)
		})
	}
}

func TestProcess_MinDepth(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.MinDepth = 10000
	h := newHarness(t, cfg, nil, nil)

	o, err := h.orch.Process(context.Background(), signal("s"), healthyContext())
	require.NoError(t, err)
	assert.Equal(t, domain.StatePreTradeFailed, o.CurrentState)
	assert.Contains(t, o.LastError, "depth")
}

func TestProcess_ValidationRejects(t *testing.T) {
	h := newHarness(t, orchestrator.DefaultConfig(), nil, nil)
	sig := signal("s")
	sig.MaxPrice = 150

	o, err := h.orch.Process(context.Background(), sig, healthyContext())
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, o.CurrentState)
	assert.Contains(t, o.LastError, "price must be within")
	assert.Nil(t, o.RiskCheckResult, "risk never ran")
}

func TestProcess_HaltBlocksAdmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, orchestrator.DefaultConfig(), nil, nil)
	_, err := h.breaker.ForceTransition(ctx, domain.BreakerHalt, "maintenance")
	require.NoError(t, err)

	o, err := h.orch.Process(ctx, signal("s"), healthyContext())
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderState{domain.StatePending, domain.StateCancelled}, states(o))
	assert.Contains(t, o.LastError, orchestrator.ErrBreakerHalted.Error())
	assert.Equal(t, "HALT", o.LastTransition().Metadata["breaker"])
	assert.Nil(t, o.PreTradeCheckResult, "no market check ran")
	assert.Nil(t, o.RiskCheckResult)
}

func TestProcess_RecordsMarketCategory(t *testing.T) {
	h := newHarness(t, orchestrator.DefaultConfig(), nil, nil)
	mc := healthyContext()
	mc.Market.Category = "politics"

	o, err := h.orch.Process(context.Background(), signal("s"), mc)
	require.NoError(t, err)
	assert.Equal(t, "politics", o.Category)

	stored, err := h.store.LoadOrder(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "politics", stored.Category)
}

func TestProcess_CautionRefusesSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, orchestrator.DefaultConfig(), nil, nil)
	_, err := h.breaker.ForceTransition(ctx, domain.BreakerCaution, "flaky venue")
	require.NoError(t, err)

	o, err := h.orch.Process(ctx, signal("s"), healthyContext())
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, o.CurrentState)
	assert.Contains(t, o.LastError, orchestrator.ErrBreakerRefused.Error())
	assert.Equal(t, domain.StateRiskApproved, o.StateHistory[len(o.StateHistory)-2].To)

	pos, err := h.ledger.Position(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Zero(t, pos, "nothing reached the venue")
}

func TestProcess_RiskResizesOrder(t *testing.T) {
	h := newHarness(t, orchestrator.DefaultConfig(), nil, nil)
	sig := signal("s")
	sig.Size = 30 // 1650 notional, 8.25% of 20000

	o, err := h.orch.Process(context.Background(), sig, healthyContext())
	require.NoError(t, err)
	require.Equal(t, domain.StateFilled, o.CurrentState, o.LastError)
	assert.InDelta(t, 18.18, o.RequestedSize, 1e-9)
	assert.Equal(t, 30.0, o.OriginalSize)
	assert.InDelta(t, 18.18, o.FilledSize, 1e-9)
}

type blockingEvaluator struct {
	inner   orchestrator.RiskEvaluator
	block   int32 // calls to hold before answering
	calls   atomic.Int32
	release chan struct{}
}

func (b *blockingEvaluator) Evaluate(req risk.Request) risk.Report {
	if b.calls.Add(1) <= b.block {
		<-b.release
	}
	return b.inner.Evaluate(req)
}

func newBlocking(t *testing.T, block int32) *blockingEvaluator {
	b := &blockingEvaluator{inner: risk.NewEngine(risk.DefaultLimits()), block: block, release: make(chan struct{})}
	t.Cleanup(func() { close(b.release) })
	return b
}

func TestProcess_RiskTimeoutRetriesThenCancels(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.RiskTimeout = 10 * time.Millisecond
	cfg.MaxRiskRetries = 1
	h := newHarness(t, cfg, nil, newBlocking(t, 100))

	o, err := h.orch.Process(context.Background(), signal("s"), healthyContext())
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, o.CurrentState)
	assert.Equal(t, 2, o.RiskTimeouts)
	assert.Zero(t, o.RetryCount, "risk timeouts do not consume order retries")
	assert.Contains(t, o.LastError, "timed out 2 time(s)")

	got := states(o)
	assert.Equal(t, []domain.OrderState{
		domain.StateRiskCheck, domain.StateRiskTimeout,
		domain.StateRiskCheck, domain.StateRiskTimeout,
		domain.StateCancelled,
	}, got[4:])
}

func TestProcess_RiskTimeoutThenApproved(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.RiskTimeout = 10 * time.Millisecond
	h := newHarness(t, cfg, nil, newBlocking(t, 1))

	o, err := h.orch.Process(context.Background(), signal("s"), healthyContext())
	require.NoError(t, err)
	assert.Equal(t, domain.StateFilled, o.CurrentState, o.LastError)
	assert.Equal(t, 1, o.RiskTimeouts)
}

type flakyExecutor struct {
	mu   sync.Mutex
	err  error
	next executor
}

func (f *flakyExecutor) Submit(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	return f.next.Submit(ctx, req)
}

func (f *flakyExecutor) heal() {
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
}

func TestProcess_ExecutionErrorThenRetry(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyExecutor
	h := newHarness(t, orchestrator.DefaultConfig(), func(l *paper.MemoryLedger) executor {
		flaky = &flakyExecutor{err: errors.New("connection reset"), next: paper.NewExecutor(paper.Config{}, l)}
		return flaky
	}, nil)

	o, err := h.orch.Process(ctx, signal("s"), healthyContext())
	require.NoError(t, err)
	require.Equal(t, domain.StateError, o.CurrentState)
	assert.Contains(t, o.LastError, "connection reset")
	assert.Equal(t, 1, h.breaker.Snapshot().ConsecutiveFailures)

	flaky.heal()
	o, err = h.orch.Retry(ctx, o.OrderID, healthyContext())
	require.NoError(t, err)
	assert.Equal(t, domain.StateFilled, o.CurrentState)
	assert.Equal(t, 1, o.RetryCount)
	assert.Zero(t, h.breaker.Snapshot().ConsecutiveFailures, "success resets the counter")
}

func TestRetry_NotInError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, orchestrator.DefaultConfig(), nil, nil)
	o, err := h.orch.Process(ctx, signal("s"), healthyContext())
	require.NoError(t, err)

	_, err = h.orch.Retry(ctx, o.OrderID, healthyContext())
	assert.ErrorIs(t, err, domain.ErrOutOfOrder)
}

func TestProcess_VenueRejectionCountsAsFailure(t *testing.T) {
	h := newHarness(t, orchestrator.DefaultConfig(), func(l *paper.MemoryLedger) executor {
		return paper.NewExecutor(paper.Config{SlippageTicks: 5}, l)
	}, nil)

	o, err := h.orch.Process(context.Background(), signal("s"), healthyContext())
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, o.CurrentState)
	assert.Contains(t, o.LastError, "venue rejected order")
	assert.Equal(t, 1, h.breaker.Snapshot().ConsecutiveFailures)
}

func TestProcess_RepeatedFailuresHaltNewOrders(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, orchestrator.DefaultConfig(), func(*paper.MemoryLedger) executor {
		return &flakyExecutor{err: errors.New("timeout")}
	}, nil)

	for _, id := range []string{"a", "b", "c"} {
		o, err := h.orch.Process(ctx, signal(id), healthyContext())
		require.NoError(t, err)
		assert.Equal(t, domain.StateError, o.CurrentState)
	}
	assert.Equal(t, domain.BreakerCaution, h.breaker.State())

	o, err := h.orch.Process(ctx, signal("d"), healthyContext())
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, o.CurrentState, "CAUTION stops submissions")
}

type liveExecutor struct{}

func (liveExecutor) Submit(_ context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	return domain.ExecutionResult{
		Success:      true,
		OrderID:      req.OrderID,
		VenueOrderID: "venue-1",
		Mode:         domain.ModeLive,
		Status:       domain.ExecSubmitted,
		SubmittedAt:  evalTime,
	}, nil
}

func liveHarness(t *testing.T) (*harness, domain.OrderLifecycle) {
	t.Helper()
	cfg := orchestrator.DefaultConfig()
	cfg.Mode = domain.ModeLive
	h := newHarness(t, cfg, func(*paper.MemoryLedger) executor { return liveExecutor{} }, nil)
	o, err := h.orch.Process(context.Background(), signal("live"), healthyContext())
	require.NoError(t, err)
	require.Equal(t, domain.StateSubmitted, o.CurrentState)
	assert.Equal(t, "venue-1", o.VenueOrderID)
	return h, o
}

func TestHandleExecutionEvent_AckAndFills(t *testing.T) {
	ctx := context.Background()
	h, o := liveHarness(t)

	o, err := h.orch.HandleExecutionEvent(ctx, domain.ExecutionEvent{OrderID: o.OrderID, Type: domain.EventAcknowledged})
	require.NoError(t, err)
	assert.Equal(t, domain.StateOrderAcknowledged, o.CurrentState)

	_, err = h.orch.HandleExecutionEvent(ctx, domain.ExecutionEvent{OrderID: o.OrderID, Type: domain.EventAcknowledged})
	assert.ErrorIs(t, err, domain.ErrOutOfOrder, "redelivered ack")

	o, err = h.orch.HandleExecutionEvent(ctx, domain.ExecutionEvent{OrderID: o.OrderID, Type: domain.EventFill, FillID: "t-1", FillSize: 4, FillPrice: 54})
	require.NoError(t, err)
	assert.Equal(t, domain.StateOrderAcknowledged, o.CurrentState)
	assert.Equal(t, 4.0, o.FilledSize)

	closing := 60.0
	o, err = h.orch.HandleExecutionEvent(ctx, domain.ExecutionEvent{
		OrderID: o.OrderID, Type: domain.EventFill, FillID: "t-2", FillSize: 6, FillPrice: 56, ClosingLinePrice: &closing,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateFilled, o.CurrentState)
	assert.InDelta(t, 55.2, o.AvgFillPrice, 1e-9)
	assert.Equal(t, 54.0, o.EntryPrice)
	require.NotNil(t, o.CLV)
	assert.InDelta(t, 6, *o.CLV, 1e-9)
}

func TestHandleExecutionEvent_RedeliveredFill(t *testing.T) {
	ctx := context.Background()
	h, o := liveHarness(t)
	fill := domain.ExecutionEvent{OrderID: o.OrderID, Type: domain.EventFill, FillID: "t-1", FillSize: 10, FillPrice: 54}

	o, err := h.orch.HandleExecutionEvent(ctx, fill)
	require.NoError(t, err)
	require.Equal(t, domain.StateFilled, o.CurrentState)

	_, err = h.orch.HandleExecutionEvent(ctx, fill)
	assert.ErrorIs(t, err, domain.ErrDuplicateFill)
	assert.ErrorIs(t, err, domain.ErrOutOfOrder)

	stored, err := h.store.LoadOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, stored.FilledSize)
	assert.Equal(t, 54.0, stored.AvgFillPrice)
	assert.Equal(t, []string{"t-1"}, stored.AppliedFillIDs)

	_, err = h.orch.HandleExecutionEvent(ctx, domain.ExecutionEvent{OrderID: o.OrderID, Type: domain.EventFill, FillSize: 1, FillPrice: 54})
	assert.ErrorIs(t, err, domain.ErrInvalidFill, "fill without a venue id")
}

func TestHandleExecutionEvent_Terminal(t *testing.T) {
	cases := []struct {
		ev    domain.ExecutionEvent
		state domain.OrderState
	}{
		{domain.ExecutionEvent{Type: domain.EventPriceMoveCancel, ReferencePrice: 55, CurrentPrice: 60}, domain.StatePriceMoveCancel},
		{domain.ExecutionEvent{Type: domain.EventCancelled}, domain.StateCancelled},
		{domain.ExecutionEvent{Type: domain.EventExpired, Reason: "gtd elapsed"}, domain.StateExpired},
		{domain.ExecutionEvent{Type: domain.EventError, Reason: "venue 500"}, domain.StateError},
	}
	for _, tc := range cases {
		t.Run(string(tc.ev.Type), func(t *testing.T) {
			h, o := liveHarness(t)
			tc.ev.OrderID = o.OrderID
			got, err := h.orch.HandleExecutionEvent(context.Background(), tc.ev)
			require.NoError(t, err)
			assert.Equal(t, tc.state, got.CurrentState)
			assert.NotEmpty(t, got.LastError)
		})
	}
}

func TestHandleExecutionEvent_ErrorFeedsBreaker(t *testing.T) {
	h, o := liveHarness(t)
	_, err := h.orch.HandleExecutionEvent(context.Background(), domain.ExecutionEvent{OrderID: o.OrderID, Type: domain.EventError})
	require.NoError(t, err)
	assert.Equal(t, 1, h.breaker.Snapshot().ConsecutiveFailures)
}

func TestHandleExecutionEvent_Unknown(t *testing.T) {
	h, o := liveHarness(t)
	_, err := h.orch.HandleExecutionEvent(context.Background(), domain.ExecutionEvent{OrderID: o.OrderID, Type: "bogus"})
	assert.Error(t, err)

	stored, err := h.store.LoadOrder(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, stored.CurrentState)
}

func TestReconcileOrder_DriftThenResolved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, orchestrator.DefaultConfig(), nil, nil)
	o, err := h.orch.Process(ctx, signal("s"), healthyContext())
	require.NoError(t, err)

	h.ledger.Adjust(o.OrderID, -2)
	o, err = h.orch.ReconcileOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReconciliationDrift, o.CurrentState)
	assert.InDelta(t, 20, o.ReconciliationResult.DriftPct, 1e-9)
	assert.Contains(t, h.events.notified, domain.StateReconciliationDrift)

	// still drifting: result refreshed, state kept
	o, err = h.orch.ReconcileOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReconciliationDrift, o.CurrentState)

	h.ledger.Adjust(o.OrderID, 2)
	o, err = h.orch.ReconcileOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReconciled, o.CurrentState)
	assert.Empty(t, o.LastError)

	_, err = h.orch.ReconcileOrder(ctx, o.OrderID)
	assert.ErrorIs(t, err, domain.ErrOutOfOrder)
}

func TestArchive_RequiresReconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, orchestrator.DefaultConfig(), nil, nil)
	o, err := h.orch.Process(ctx, signal("s"), healthyContext())
	require.NoError(t, err)

	_, err = h.orch.Archive(ctx, o.OrderID, 10, "")
	assert.ErrorIs(t, err, domain.ErrOutOfOrder)
}
