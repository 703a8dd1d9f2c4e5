package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// MarketDataFeed supplies the trade and midpoint streams the toxicity gate
// buckets. Both are returned oldest first.
type MarketDataFeed interface {
	FetchTrades(ctx context.Context, ticker string, since time.Time) ([]domain.Trade, error)
	FetchMidpoints(ctx context.Context, ticker string, since time.Time) ([]domain.Midpoint, error)
}
