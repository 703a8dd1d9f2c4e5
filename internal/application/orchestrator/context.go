package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/domain/risk"
	"github.com/alejandrodnm/polyguard/internal/domain/toxicity"
	"github.com/alejandrodnm/polyguard/internal/ports"
)

// Portfolio is the account state the risk limits are measured against.
type Portfolio struct {
	Value       float64
	DailyPnL    float64
	WeeklyPnL   float64
	MaxDrawdown float64
	Positions   []risk.Position
}

// MarketContext is everything the pipeline needs to know about the market
// and the account at the moment an order is processed.
type MarketContext struct {
	Market      domain.Market
	Spread      float64 // relative to the mid
	Depth       float64 // book notional within DepthDistance of the mid
	MarketPrice float64 // cents, reference for paper fills
	Toxicity    toxicity.Result

	Portfolio     Portfolio
	SystemHealthy bool
}

func (mc MarketContext) riskRequest(o domain.OrderLifecycle, st domain.BreakerState, at time.Time) risk.Request {
	return risk.Request{
		OrderID: o.OrderID,
		Ticker:  o.Ticker,
		Venue:   o.Venue,
		Side:    o.Side,
		Size:    o.RequestedSize,
		Price:   o.MaxPrice,

		Spread:    mc.Spread,
		Volume24h: mc.Market.Volume24h,
		VPINScore: mc.Toxicity.VPIN,

		Category:         mc.Market.Category,
		EquivalenceGrade: mc.Market.EquivalenceGrade,
		AmbiguityScore:   mc.Market.AmbiguityScore,
		SettlementDate:   mc.Market.EndDate,

		PortfolioValue:    mc.Portfolio.Value,
		DailyPnL:          mc.Portfolio.DailyPnL,
		WeeklyPnL:         mc.Portfolio.WeeklyPnL,
		MaxDrawdown:       mc.Portfolio.MaxDrawdown,
		ExistingPositions: mc.Portfolio.Positions,

		LastPriceUpdate:     mc.Market.LastPriceUpdate,
		CircuitBreakerState: st,
		SystemHealthy:       mc.SystemHealthy,
		Now:                 at,
	}
}

// ContextBuilder assembles a MarketContext from the market data ports.
type ContextBuilder struct {
	Markets       ports.MarketProvider
	Books         ports.BookProvider
	Feed          ports.MarketDataFeed
	Toxicity      toxicity.Config
	TradeWindow   time.Duration // history fed to VPIN
	DepthDistance float64       // cents from the mid counted as depth
}

// Build fetches the market, its book and the recent flow for ticker. The
// returned context carries no portfolio; the caller fills it in.
func (b ContextBuilder) Build(ctx context.Context, ticker string, side domain.Side) (MarketContext, error) {
	var mc MarketContext

	market, err := b.Markets.FetchMarket(ctx, ticker)
	if err != nil {
		return mc, fmt.Errorf("orchestrator.Build: market %s: %w", ticker, err)
	}
	mc.Market = market

	books, err := b.Books.FetchOrderBooks(ctx, []string{ticker})
	if err != nil {
		return mc, fmt.Errorf("orchestrator.Build: book %s: %w", ticker, err)
	}
	book, ok := books[ticker]
	if !ok {
		return mc, fmt.Errorf("orchestrator.Build: no book for %s", ticker)
	}
	if !book.UpdatedAt.IsZero() {
		mc.Market.LastPriceUpdate = book.UpdatedAt
	}
	mc.Spread = book.RelativeSpread()
	distance := b.DepthDistance
	if distance <= 0 {
		distance = 2
	}
	mc.Depth = book.DepthWithin(distance)
	// un YES se compra al ask; un NO se compra a 100 - best bid
	mc.MarketPrice = book.BestAsk()
	if side == domain.SideNo && book.BestBid() > 0 {
		mc.MarketPrice = 100 - book.BestBid()
	}

	window := b.TradeWindow
	if window <= 0 {
		window = 6 * time.Hour
	}
	since := time.Now().Add(-window)
	trades, err := b.Feed.FetchTrades(ctx, ticker, since)
	if err != nil {
		return mc, fmt.Errorf("orchestrator.Build: trades %s: %w", ticker, err)
	}
	mids, err := b.Feed.FetchMidpoints(ctx, ticker, since)
	if err != nil {
		return mc, fmt.Errorf("orchestrator.Build: midpoints %s: %w", ticker, err)
	}
	mc.Toxicity = toxicity.Compute(trades, mids, b.Toxicity)
	return mc, nil
}
