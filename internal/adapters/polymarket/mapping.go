package polymarket

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

const venue = "polymarket"

// usdcToCents pasa un precio de la API (0..1 USDC) a centavos.
func usdcToCents(p float64) float64 { return p * 100 }

// mapGammaMarket convierte la metadata de Gamma a domain.Market.
func mapGammaMarket(ticker string, gm gammaMarket) domain.Market {
	m := domain.Market{
		Ticker:   ticker,
		Venue:    venue,
		Question: gm.Question,
		Category: strings.ToLower(strings.TrimSpace(gm.Category)),
	}
	if v, err := gm.Volume24h.Float64(); err == nil {
		m.Volume24h = v
	}
	for _, raw := range []string{gm.EndDate, gm.EndDateISO} {
		if t, ok := parseDate(raw); ok {
			m.EndDate = t
			break
		}
	}
	return m
}

// parseDate acepta los formatos que usa Polymarket.
func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// mapOrderBooks convierte la respuesta batch de /books a un map ticker→OrderBook.
func mapOrderBooks(raw []orderBookResponse) map[string]domain.OrderBook {
	result := make(map[string]domain.OrderBook, len(raw))
	for _, r := range raw {
		ob := domain.OrderBook{
			Ticker: r.AssetID,
			Bids:   mapBookEntries(r.Bids, false),
			Asks:   mapBookEntries(r.Asks, true),
		}
		if ms, err := strconv.ParseInt(r.Timestamp, 10, 64); err == nil && ms > 0 {
			ob.UpdatedAt = time.UnixMilli(ms).UTC()
		}
		result[r.AssetID] = ob
	}
	return result
}

// mapBookEntries convierte entries raw a domain.BookEntry en centavos y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price := domain.ParsePrice(r.Price)
		size, _ := strconv.ParseFloat(r.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: usdcToCents(price), Size: size})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})
	return entries
}

// mapMidpoints convierte el historial de precios, ordenado por tiempo.
func mapMidpoints(raw []pricePoint) []domain.Midpoint {
	out := make([]domain.Midpoint, 0, len(raw))
	for _, p := range raw {
		if p.P <= 0 {
			continue
		}
		out = append(out, domain.Midpoint{Timestamp: time.Unix(p.T, 0).UTC(), Price: p.P})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// mapTrade convierte un trade de la Data API. Un side desconocido queda
// vacío y se clasifica por midpoint.
func mapTrade(ticker string, rt rawDataTrade) domain.Trade {
	price, _ := rt.Price.Float64()
	size, _ := rt.Size.Float64()
	t := domain.Trade{
		ID:        rt.ID,
		Ticker:    ticker,
		Price:     price,
		Volume:    size,
		Timestamp: parseTradeTimestamp(rt.Timestamp),
	}
	switch strings.ToUpper(rt.Side) {
	case "BUY":
		t.Side = domain.TradeBuy
	case "SELL":
		t.Side = domain.TradeSell
	}
	return t
}
