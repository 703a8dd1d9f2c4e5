package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

const (
	tradesPerPage  = 500
	tradesMaxPages = 6
)

// FetchTrades obtiene los trades del token posteriores a since usando la
// Data API pública. La API devuelve los más recientes primero, así que se
// deja de paginar al cruzar since.
func (c *Client) FetchTrades(ctx context.Context, ticker string, since time.Time) ([]domain.Trade, error) {
	var all []domain.Trade

	for page := 0; page < tradesMaxPages; page++ {
		endpoint := fmt.Sprintf("%s/trades?asset=%s&limit=%d&offset=%d",
			c.dataBase, url.QueryEscape(ticker), tradesPerPage, page*tradesPerPage)

		var resp []rawDataTrade
		if err := c.get(ctx, c.dataLimiter, endpoint, &resp); err != nil {
			return nil, fmt.Errorf("data-api.FetchTrades: %w", err)
		}

		crossed := false
		for _, rt := range resp {
			t := mapTrade(ticker, rt)
			if !t.Timestamp.After(since) {
				crossed = true
				continue
			}
			all = append(all, t)
		}

		slog.Debug("fetched trades page",
			"ticker", ticker[:min(8, len(ticker))]+"...",
			"page", page,
			"count", len(resp),
			"total", len(all),
		)

		if crossed || len(resp) < tradesPerPage {
			break
		}
	}
	return all, nil
}

func parseTradeTimestamp(n json.Number) time.Time {
	s := n.String()
	// unix en segundos o milisegundos
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec > 1e12 {
			return time.UnixMilli(sec).UTC()
		}
		return time.Unix(sec, 0).UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
