// Package orchestrator drives one order at a time through the pipeline:
// pre-trade check, validation, risk, execution, fills, reconciliation and
// archive. Every step is committed to the order store before the next one
// starts, so a crash leaves the order in the last state it reached.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/polyguard/internal/application/breaker"
	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/domain/risk"
	"github.com/alejandrodnm/polyguard/internal/ports"
	"github.com/alejandrodnm/polyguard/internal/telemetry"
)

var (
	// ErrBreakerRefused is the reason recorded on an approved order the
	// breaker did not let through.
	ErrBreakerRefused = errors.New("circuit breaker refused execution")
	// ErrBreakerHalted is the reason recorded on a new order cancelled
	// because the breaker was in HALT when it was admitted.
	ErrBreakerHalted = errors.New("circuit breaker halted admission")
)

// Config tunes the pipeline.
type Config struct {
	Mode           domain.ExecutionMode
	RiskTimeout    time.Duration // deadline of one risk evaluation
	MaxRiskRetries int           // RISK_TIMEOUT re-entries before the order is cancelled
	MaxRetries     int           // ERROR -> PENDING cycles
	MaxSpread      float64       // relative spread the pre-trade check accepts
	MinDepth       float64       // book notional near the mid; 0 disables
}

// DefaultConfig is a paper pipeline with a 2s risk deadline.
func DefaultConfig() Config {
	return Config{
		Mode:           domain.ModePaper,
		RiskTimeout:    2 * time.Second,
		MaxRiskRetries: 2,
		MaxRetries:     domain.DefaultMaxRetries,
		MaxSpread:      0.10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.RiskTimeout <= 0 {
		c.RiskTimeout = d.RiskTimeout
	}
	if c.MaxRiskRetries < 0 {
		c.MaxRiskRetries = 0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxSpread <= 0 {
		c.MaxSpread = d.MaxSpread
	}
	return c
}

// RiskEvaluator is satisfied by *risk.Engine.
type RiskEvaluator interface {
	Evaluate(req risk.Request) risk.Report
}

// Orchestrator is safe for concurrent use on different orders. Two
// goroutines must not drive the same order id at once.
type Orchestrator struct {
	cfg        Config
	store      ports.OrderStore
	breaker    *breaker.Breaker
	risk       RiskEvaluator
	executor   ports.ExecutionAdapter
	reconciler ports.ReconciliationChecker
	publisher  ports.EventPublisher
	notifier   ports.Notifier
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher broadcasts every committed transition.
func WithPublisher(p ports.EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithNotifier reports orders that reach a final state.
func WithNotifier(n ports.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithClock replaces time.Now for the risk request clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires the pipeline. The breaker is shared with every other
// orchestrator and operator of the process.
func New(
	cfg Config,
	store ports.OrderStore,
	b *breaker.Breaker,
	evaluator RiskEvaluator,
	executor ports.ExecutionAdapter,
	reconciler ports.ReconciliationChecker,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg.withDefaults(),
		store:      store,
		breaker:    b,
		risk:       evaluator,
		executor:   executor,
		reconciler: reconciler,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the settings in effect.
func (o *Orchestrator) Config() Config { return o.cfg }

// Process creates the order for sig and runs it as far as it can go in one
// call: FILLED for paper fills, SUBMITTED for live orders, or the terminal
// state it failed into. A signal whose order already exists returns the
// stored order untouched.
func (o *Orchestrator) Process(ctx context.Context, sig domain.Signal, mc MarketContext) (domain.OrderLifecycle, error) {
	order := domain.NewOrder(sig)
	existing, err := o.store.LoadOrder(ctx, order.OrderID)
	switch {
	case err == nil:
		slog.Info("order already exists, skipping", "order_id", existing.OrderID, "state", existing.CurrentState)
		return existing, nil
	case !errors.Is(err, ports.ErrNotFound):
		return order, fmt.Errorf("orchestrator.Process: load %s: %w", order.OrderID, err)
	}

	order, err = o.commit(ctx, domain.OrderLifecycle{}, order)
	if err != nil {
		return order, err
	}
	slog.Info("order created",
		"order_id", order.OrderID,
		"signal_id", sig.SignalID,
		"ticker", sig.Ticker,
		"side", sig.Side,
		"size", sig.Size,
		"max_price", sig.MaxPrice,
	)
	return o.run(ctx, order, mc)
}

// Retry sends an ERROR order back to PENDING and runs it again.
func (o *Orchestrator) Retry(ctx context.Context, orderID string, mc MarketContext) (domain.OrderLifecycle, error) {
	order, err := o.store.LoadOrder(ctx, orderID)
	if err != nil {
		return order, fmt.Errorf("orchestrator.Retry: %w", err)
	}
	next, err := domain.PrepareRetry(order, o.cfg.MaxRetries)
	if err != nil {
		return order, fmt.Errorf("orchestrator.Retry: %w", err)
	}
	if next, err = o.commit(ctx, order, next); err != nil {
		return order, err
	}
	return o.run(ctx, next, mc)
}

// run drives a PENDING order.
func (o *Orchestrator) run(ctx context.Context, order domain.OrderLifecycle, mc MarketContext) (domain.OrderLifecycle, error) {
	start := time.Now()
	defer func() { telemetry.PipelineDuration.Observe(time.Since(start).Seconds()) }()

	steps := []func(context.Context, domain.OrderLifecycle, MarketContext) (domain.OrderLifecycle, error){
		o.preTradeCheck,
		o.validate,
		o.riskCheck,
		o.execute,
	}
	for _, step := range steps {
		next, err := step(ctx, order, mc)
		if err != nil {
			return next, err
		}
		order = next
		if order.IsTerminal() || order.CurrentState == domain.StateError {
			break
		}
	}
	return order, nil
}

// preTradeCheck admits a PENDING order. A halted breaker cancels it before
// any market check runs; I16 still guards the risk step against a HALT
// that arrives later.
func (o *Orchestrator) preTradeCheck(ctx context.Context, order domain.OrderLifecycle, mc MarketContext) (domain.OrderLifecycle, error) {
	if st := o.breaker.State(); st == domain.BreakerHalt {
		next, err := domain.Terminate(order, domain.StateCancelled,
			fmt.Sprintf("%s: breaker is %s", ErrBreakerHalted, st), map[string]string{"breaker": string(st)})
		if err != nil {
			return order, fmt.Errorf("orchestrator.preTradeCheck: %w", err)
		}
		slog.Warn("order refused at admission", "order_id", order.OrderID, "breaker", st)
		return o.commit(ctx, order, next)
	}

	next, err := domain.BeginPreTradeCheck(order)
	if err != nil {
		return order, fmt.Errorf("orchestrator.preTradeCheck: %w", err)
	}
	next.Category = mc.Market.Category
	if next, err = o.commit(ctx, order, next); err != nil {
		return order, err
	}
	order = next

	res := o.microstructure(mc)
	telemetry.VPINGauge.WithLabelValues(order.Ticker).Set(res.VPIN)
	next, err = domain.StepPreTradeCheck(order, res)
	if err != nil {
		return order, fmt.Errorf("orchestrator.preTradeCheck: %w", err)
	}
	if !res.Passed {
		slog.Info("pre-trade check failed", "order_id", order.OrderID, "reasons", strings.Join(res.Reasons, "; "))
	}
	return o.commit(ctx, order, next)
}

// microstructure checks toxic flow, spread and depth. NaN inputs fail.
func (o *Orchestrator) microstructure(mc MarketContext) domain.PreTradeCheckResult {
	tox := mc.Toxicity
	res := domain.PreTradeCheckResult{
		VPIN:           tox.VPIN,
		Toxicity:       tox.Level,
		EdgeMultiplier: tox.EdgeMultiplier,
		Spread:         mc.Spread,
		Depth:          mc.Depth,
		SealedBuckets:  tox.SealedBuckets(),
		CheckedAt:      o.now(),
	}
	if res.Toxicity == "" {
		res.Toxicity = domain.ToxicityNormal
	}
	if tox.ShouldPause {
		res.Reasons = append(res.Reasons, fmt.Sprintf("toxic flow: vpin %.3f", tox.VPIN))
	}
	if !(mc.Spread <= o.cfg.MaxSpread) {
		res.Reasons = append(res.Reasons, fmt.Sprintf("spread %.2f%% above %.2f%%", mc.Spread*100, o.cfg.MaxSpread*100))
	}
	if o.cfg.MinDepth > 0 && !(mc.Depth >= o.cfg.MinDepth) {
		res.Reasons = append(res.Reasons, fmt.Sprintf("depth %.2f below %.2f", mc.Depth, o.cfg.MinDepth))
	}
	res.Passed = len(res.Reasons) == 0
	return res
}

func (o *Orchestrator) validate(ctx context.Context, order domain.OrderLifecycle, _ MarketContext) (domain.OrderLifecycle, error) {
	next, err := domain.StepValidate(order)
	if err != nil {
		return order, fmt.Errorf("orchestrator.validate: %w", err)
	}
	if next.CurrentState == domain.StateRejected {
		slog.Info("order rejected by validation", "order_id", order.OrderID, "reason", next.LastError)
	}
	return o.commit(ctx, order, next)
}

// riskCheck evaluates the invariants under RiskTimeout. A timed out
// evaluation is retried MaxRiskRetries times, then the order is cancelled.
func (o *Orchestrator) riskCheck(ctx context.Context, order domain.OrderLifecycle, mc MarketContext) (domain.OrderLifecycle, error) {
	for {
		next, err := domain.BeginRiskCheck(order)
		if err != nil {
			return order, fmt.Errorf("orchestrator.riskCheck: %w", err)
		}
		if order, err = o.commit(ctx, order, next); err != nil {
			return order, err
		}

		req := mc.riskRequest(order, o.breaker.State(), o.now())
		started := time.Now()
		rep, ok := o.evaluate(ctx, req)
		took := time.Since(started)

		if ok {
			telemetry.RiskCheckDuration.Observe(took.Seconds())
			telemetry.ObserveInvariants(rep.Results)
			next, err = domain.StepApplyRiskResult(order, rep.CheckResult(took, o.now()))
			if err != nil {
				return order, fmt.Errorf("orchestrator.riskCheck: %w", err)
			}
			if next.CurrentState == domain.StateRiskRejected {
				slog.Warn("order blocked by risk", "order_id", order.OrderID, "failures", rep.BlockingFailures)
			} else if rep.AdjustedSize > 0 {
				slog.Info("order resized by risk", "order_id", order.OrderID,
					"requested", order.RequestedSize, "adjusted", rep.AdjustedSize)
			}
			return o.commit(ctx, order, next)
		}

		telemetry.RiskTimeoutsTotal.Inc()
		next, err = domain.StepRiskTimeout(order, took)
		if err != nil {
			return order, fmt.Errorf("orchestrator.riskCheck: %w", err)
		}
		if order, err = o.commit(ctx, order, next); err != nil {
			return order, err
		}
		slog.Warn("risk check timed out", "order_id", order.OrderID, "timeouts", order.RiskTimeouts)

		if cause := ctx.Err(); cause != nil || order.RiskTimeouts > o.cfg.MaxRiskRetries {
			reason := fmt.Sprintf("risk check timed out %d time(s)", order.RiskTimeouts)
			if cause != nil {
				reason = "risk check abandoned: " + cause.Error()
			}
			next, err = domain.Terminate(order, domain.StateCancelled, reason, nil)
			if err != nil {
				return order, fmt.Errorf("orchestrator.riskCheck: %w", err)
			}
			return o.commit(ctx, order, next)
		}
	}
}

// evaluate runs the engine with a deadline. The engine is pure, so an
// abandoned evaluation only wastes CPU.
func (o *Orchestrator) evaluate(ctx context.Context, req risk.Request) (risk.Report, bool) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RiskTimeout)
	defer cancel()

	done := make(chan risk.Report, 1)
	go func() { done <- o.risk.Evaluate(req) }()
	select {
	case rep := <-done:
		return rep, true
	case <-ctx.Done():
		return risk.Report{}, false
	}
}

// execute admits the order under the breaker lock, submits it and feeds
// the outcome back into the breaker.
func (o *Orchestrator) execute(ctx context.Context, order domain.OrderLifecycle, mc MarketContext) (domain.OrderLifecycle, error) {
	var (
		next domain.OrderLifecycle
		err  error
	)
	admitErr := o.breaker.Admit(func(st domain.CircuitBreakerState) error {
		if !st.State.CanExecute() {
			next, err = domain.Terminate(order, domain.StateCancelled,
				fmt.Sprintf("%s: breaker is %s", ErrBreakerRefused, st.State), map[string]string{"breaker": string(st.State)})
			return ErrBreakerRefused
		}
		next, err = domain.BeginSubmission(order)
		return nil
	})
	if err != nil {
		return order, fmt.Errorf("orchestrator.execute: %w", err)
	}
	if order, err = o.commit(ctx, order, next); err != nil {
		return order, err
	}
	if admitErr != nil {
		slog.Warn("execution refused by circuit breaker", "order_id", order.OrderID, "reason", order.LastError)
		return order, nil
	}

	req := domain.ExecutionRequest{
		OrderID:     order.OrderID,
		Ticker:      order.Ticker,
		Venue:       order.Venue,
		Side:        order.Side,
		Size:        order.RequestedSize,
		LimitPrice:  order.MaxPrice,
		MarketPrice: mc.MarketPrice,
		Mode:        o.cfg.Mode,
	}
	res, subErr := o.executor.Submit(ctx, req)
	if subErr != nil {
		res = domain.ExecutionResult{
			OrderID:     order.OrderID,
			Mode:        o.cfg.Mode,
			Error:       subErr.Error(),
			SubmittedAt: o.now(),
		}
	}

	next, err = domain.StepApplyExecutionResult(order, res)
	if err != nil {
		return order, fmt.Errorf("orchestrator.execute: %w", err)
	}
	o.recordOutcome(ctx, next, res)
	if order, err = o.commit(ctx, order, next); err != nil {
		return order, err
	}

	if res.PaperFill != nil && order.CurrentState == domain.StateSubmitted {
		next, err = domain.RecordFill(order, res.PaperFill.Count, res.PaperFill.FillPrice, nil)
		if err != nil {
			return o.fail(ctx, order, fmt.Sprintf("paper fill: %v", err))
		}
		return o.commit(ctx, order, next)
	}
	return order, nil
}

// recordOutcome maps an execution result onto the breaker. Rejections count
// as failures too.
func (o *Orchestrator) recordOutcome(ctx context.Context, order domain.OrderLifecycle, res domain.ExecutionResult) {
	outcome := "success"
	switch order.CurrentState {
	case domain.StateRejected:
		outcome = "rejected"
	case domain.StateError:
		outcome = "error"
	}
	telemetry.ExecutionOutcomesTotal.WithLabelValues(string(res.Mode), outcome).Inc()

	var err error
	if outcome == "success" {
		_, err = o.breaker.RecordSuccess(ctx)
	} else {
		_, err = o.breaker.RecordFailure(ctx, order.LastError)
	}
	if err != nil {
		slog.Error("circuit breaker update failed", "order_id", order.OrderID, "err", err)
	}
}

// fail moves the order to ERROR with cause.
func (o *Orchestrator) fail(ctx context.Context, order domain.OrderLifecycle, cause string) (domain.OrderLifecycle, error) {
	next, err := domain.MarkError(order, cause)
	if err != nil {
		return order, fmt.Errorf("orchestrator.fail: %w", err)
	}
	return o.commit(ctx, order, next)
}

// commit stores next and announces the transitions it added over prev.
// On a store error the caller keeps prev.
func (o *Orchestrator) commit(ctx context.Context, prev, next domain.OrderLifecycle) (domain.OrderLifecycle, error) {
	if err := o.store.SaveOrder(ctx, next); err != nil {
		return prev, fmt.Errorf("orchestrator.commit: save %s: %w", next.OrderID, err)
	}
	if len(next.StateHistory) <= len(prev.StateHistory) {
		return next, nil
	}
	for _, t := range next.StateHistory[len(prev.StateHistory):] {
		telemetry.ObserveTransition(t)
		slog.Debug("order transition",
			"order_id", next.OrderID,
			"from", t.From,
			"to", t.To,
			"reason", t.Reason,
		)
		if o.publisher != nil {
			if err := o.publisher.PublishTransition(ctx, next, t); err != nil {
				slog.Warn("publish transition failed", "order_id", next.OrderID, "to", t.To, "err", err)
			}
		}
	}
	if o.notifier != nil && (next.IsTerminal() || next.CurrentState == domain.StateError ||
		next.CurrentState == domain.StateReconciliationDrift) {
		if err := o.notifier.NotifyOrder(ctx, next); err != nil {
			slog.Warn("notify order failed", "order_id", next.OrderID, "err", err)
		}
	}
	return next, nil
}
