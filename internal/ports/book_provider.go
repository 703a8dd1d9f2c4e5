package ports

import (
	"context"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// BookProvider obtiene orderbooks del CLOB.
type BookProvider interface {
	// FetchOrderBooks devuelve los orderbooks para los tickers dados.
	// Internamente agrupa los IDs en batches para minimizar requests.
	FetchOrderBooks(ctx context.Context, tickers []string) (map[string]domain.OrderBook, error)
}
