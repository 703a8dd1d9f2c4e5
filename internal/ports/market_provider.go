package ports

import (
	"context"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// MarketProvider obtiene la clasificación de un mercado (categoría, fecha de
// resolución, volumen) para el motor de riesgo.
type MarketProvider interface {
	FetchMarket(ctx context.Context, ticker string) (domain.Market, error)
}
