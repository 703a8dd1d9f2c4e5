package polymarket

import (
	"context"
	"fmt"
	"net/url"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

const gammaMarketsPath = "/markets"

// FetchMarket obtiene la metadata de Gamma del mercado al que pertenece el
// token: pregunta, categoría, fecha de resolución y volumen 24h.
func (c *Client) FetchMarket(ctx context.Context, ticker string) (domain.Market, error) {
	endpoint := fmt.Sprintf("%s%s?clob_token_ids=%s&limit=1", c.gammaBase, gammaMarketsPath, url.QueryEscape(ticker))

	var resp gammaMarketsResponse
	if err := c.get(ctx, c.gammaLimiter, endpoint, &resp); err != nil {
		return domain.Market{}, fmt.Errorf("gamma.FetchMarket: %w", err)
	}
	if len(resp) == 0 {
		return domain.Market{}, fmt.Errorf("gamma.FetchMarket: no market for token %s", ticker)
	}
	return mapGammaMarket(ticker, resp[0]), nil
}
