package domain

import "time"

// TradeSide is the aggressor side of a trade, when the feed reports it.
type TradeSide string

const (
	TradeBuy     TradeSide = "BUY"
	TradeSell    TradeSide = "SELL"
	TradeUnknown TradeSide = ""
)

// Trade is one print from the market data feed.
type Trade struct {
	ID        string
	Ticker    string
	Side      TradeSide // empty when the feed does not say
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// Notional is price × volume.
func (t Trade) Notional() float64 { return t.Price * t.Volume }

// Midpoint is a mid-price observation used to classify unsided trades.
type Midpoint struct {
	Timestamp time.Time
	Price     float64
}
