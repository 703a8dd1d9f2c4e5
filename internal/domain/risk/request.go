// Package risk evaluates the fixed set of portfolio, market and system
// invariants every order must satisfy before it is submitted.
package risk

import (
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// Position is an open exposure already held by the portfolio.
type Position struct {
	Ticker   string
	Venue    string
	Side     domain.Side
	Category string
	Notional float64
}

// Request is the immutable snapshot one evaluation runs against. It is
// built fresh for every order and never stored on its own.
type Request struct {
	OrderID string
	Ticker  string
	Venue   string
	Side    domain.Side
	Size    float64
	Price   float64

	Spread    float64 // relative, 0.05 = 5%
	Volume24h float64
	VPINScore float64

	Category         string
	EquivalenceGrade domain.EquivalenceGrade
	AmbiguityScore   float64
	SettlementDate   time.Time

	PortfolioValue    float64
	DailyPnL          float64
	WeeklyPnL         float64
	MaxDrawdown       float64 // fraction of peak; sign ignored
	ExistingPositions []Position

	LastPriceUpdate time.Time

	CircuitBreakerState domain.BreakerState
	SystemHealthy       bool

	// Now is the evaluation clock. Zero means time.Now.
	Now time.Time
}

// Notional is size × price of the order being checked.
func (r Request) Notional() float64 { return r.Size * r.Price }

func (r Request) now() time.Time {
	if r.Now.IsZero() {
		return time.Now().UTC()
	}
	return r.Now
}

// exposure sums existing notional matching keep.
func (r Request) exposure(keep func(Position) bool) float64 {
	var total float64
	for _, p := range r.ExistingPositions {
		if keep(p) {
			total += p.Notional
		}
	}
	return total
}

func (r Request) sameMarketSide() float64 {
	return r.exposure(func(p Position) bool { return p.Ticker == r.Ticker && p.Side == r.Side })
}

func (r Request) sameMarket() float64 {
	return r.exposure(func(p Position) bool { return p.Ticker == r.Ticker })
}

func (r Request) sameCategory() float64 {
	if r.Category == "" {
		return 0
	}
	return r.exposure(func(p Position) bool { return p.Category == r.Category })
}
