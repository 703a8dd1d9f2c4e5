package main

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/polyguard/config"
	"github.com/alejandrodnm/polyguard/internal/application/orchestrator"
	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/domain/risk"
	"github.com/alejandrodnm/polyguard/internal/ports"
)

// exposedStates hold or may still acquire a venue position.
var exposedStates = []domain.OrderState{
	domain.StateSubmitting,
	domain.StateSubmitted,
	domain.StateOrderAcknowledged,
	domain.StatePartialFill,
	domain.StateFilled,
	domain.StateReconciled,
	domain.StateReconciliationDrift,
}

// loadPortfolio derives the existing positions from stored orders. skip
// excludes the order being evaluated. Orders that can still fill count at
// their full requested notional.
func loadPortfolio(ctx context.Context, store ports.OrderStore, pc config.PortfolioConfig, skip string) (orchestrator.Portfolio, error) {
	orders, err := store.ListOrdersByState(ctx, exposedStates...)
	if err != nil {
		return orchestrator.Portfolio{}, fmt.Errorf("loadPortfolio: %w", err)
	}
	p := orchestrator.Portfolio{
		Value:       pc.Value,
		DailyPnL:    pc.DailyPnL,
		WeeklyPnL:   pc.WeeklyPnL,
		MaxDrawdown: pc.MaxDrawdown,
	}
	for _, o := range orders {
		if o.OrderID == skip {
			continue
		}
		p.Positions = append(p.Positions, risk.Position{
			Ticker:   o.Ticker,
			Venue:    o.Venue,
			Side:     o.Side,
			Category: o.Category,
			Notional: exposure(o),
		})
	}
	return p, nil
}

func exposure(o domain.OrderLifecycle) float64 {
	switch o.CurrentState {
	case domain.StateFilled, domain.StateReconciled, domain.StateReconciliationDrift:
		return o.FilledSize * o.AvgFillPrice
	}
	return o.Notional()
}
