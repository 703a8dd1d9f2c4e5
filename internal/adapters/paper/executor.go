// Package paper simulates a venue: orders fill immediately at the market
// price plus slippage, and fills are booked in a ledger the reconciler
// later checks against.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/ports"
)

// Config tunes the simulated fills. Prices are in cents.
type Config struct {
	SlippageTicks int64   // adverse ticks added to the market price
	TickSize      float64 // price increment, default 1
}

// Executor implements ports.ExecutionAdapter without touching a venue.
type Executor struct {
	cfg    Config
	tick   decimal.Decimal
	ledger ports.PositionLedger
	now    func() time.Time
}

// NewExecutor books every simulated fill into ledger.
func NewExecutor(cfg Config, ledger ports.PositionLedger) *Executor {
	if !(cfg.TickSize > 0) {
		cfg.TickSize = 1
	}
	return &Executor{
		cfg:    cfg,
		tick:   decimal.NewFromFloat(cfg.TickSize),
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit fills the whole size at the market price (the limit when no market
// price is given) moved SlippageTicks against the order, rounded to the tick.
// A fill that would cross the limit is rejected.
func (e *Executor) Submit(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	at := e.now()
	res := domain.ExecutionResult{OrderID: req.OrderID, Mode: domain.ModePaper, SubmittedAt: at}

	if !(req.Size > 0) || !(req.LimitPrice > 0) {
		res.Status = domain.ExecRejected
		res.RejectionReason = fmt.Sprintf("invalid size %v or limit %v", req.Size, req.LimitPrice)
		return res, nil
	}

	base := req.MarketPrice
	if !(base > 0) {
		base = req.LimitPrice
	}
	slip := e.tick.Mul(decimal.NewFromInt(e.cfg.SlippageTicks))
	fill := decimal.NewFromFloat(base).Add(slip).Div(e.tick).Round(0).Mul(e.tick)
	limit := decimal.NewFromFloat(req.LimitPrice)
	if fill.GreaterThan(limit) {
		res.Status = domain.ExecRejected
		res.RejectionReason = fmt.Sprintf("fill %s would exceed limit %s", fill.String(), limit.String())
		return res, nil
	}
	price := fill.InexactFloat64()

	if e.ledger != nil {
		if err := e.ledger.RecordFill(ctx, domain.LedgerFill{
			OrderID:   req.OrderID,
			Ticker:    req.Ticker,
			Side:      req.Side,
			Size:      req.Size,
			Price:     price,
			Timestamp: at,
		}); err != nil {
			return res, fmt.Errorf("paper.Submit: book fill %s: %w", req.OrderID, err)
		}
	}

	res.Success = true
	res.Status = domain.ExecPaperFilled
	res.VenueOrderID = "paper-" + uuid.New().String()
	res.PaperFill = &domain.PaperFill{
		Count:     req.Size,
		FillPrice: price,
		Slippage:  fill.Sub(decimal.NewFromFloat(base)).InexactFloat64(),
	}
	slog.Debug("paper fill",
		"order_id", req.OrderID,
		"ticker", req.Ticker,
		"size", req.Size,
		"price", price,
	)
	return res, nil
}
