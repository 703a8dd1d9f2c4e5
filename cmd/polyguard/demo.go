package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alejandrodnm/polyguard/internal/application/orchestrator"
	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/domain/toxicity"
)

// demoSignal is the reference paper trade: 10 YES at up to 55 cents.
var demoSignal = domain.Signal{
	SignalID: "signal-001",
	Strategy: "bonding",
	Ticker:   "TICKER",
	Side:     domain.SideYes,
	Size:     10,
	MaxPrice: 55,
}

// demoContext is a calm, liquid market quoted at 54 cents.
func demoContext(now time.Time, portfolio orchestrator.Portfolio) orchestrator.MarketContext {
	return orchestrator.MarketContext{
		Market: domain.Market{
			Ticker:           demoSignal.Ticker,
			Question:         "Demo market",
			Category:         "politics",
			EndDate:          now.Add(72 * time.Hour),
			Volume24h:        50000,
			EquivalenceGrade: domain.EquivalenceIdentical,
			LastPriceUpdate:  now,
		},
		Spread:        0.02,
		Depth:         5000,
		MarketPrice:   54,
		Toxicity:      toxicity.Compute(nil, nil, toxicity.DefaultConfig()),
		Portfolio:     portfolio,
		SystemHealthy: true,
	}
}

// runDemo drives one order through the paper pipeline with a fixed market,
// then reconciles and archives it.
func runDemo(ctx context.Context, a *app) error {
	portfolio, err := loadPortfolio(ctx, a.store, a.cfg.Portfolio, "")
	if err != nil {
		return err
	}
	o, err := a.orch.Process(ctx, demoSignal, demoContext(time.Now().UTC(), portfolio))
	if err != nil {
		return err
	}
	if o.CurrentState != domain.StateFilled {
		a.console.PrintHistory(o)
		return fmt.Errorf("demo order ended in %s: %s", o.CurrentState, o.LastError)
	}
	if o, err = a.orch.ReconcileOrder(ctx, o.OrderID); err != nil {
		return err
	}
	if o, err = a.orch.Archive(ctx, o.OrderID, 10, "demo run"); err != nil {
		return err
	}

	audit, err := a.op.InvariantAudit(ctx, o.OrderID)
	if err != nil {
		return err
	}
	a.console.PrintInvariants(audit.OrderID, audit.Approved, audit.Results)
	a.console.PrintBreaker(a.op.Breaker())
	return nil
}
