package polymarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(Endpoints{CLOB: srv.URL, Gamma: srv.URL, Data: srv.URL})
	c.retryWait = time.Millisecond
	return c
}

func serveFile(t *testing.T, path string) http.HandlerFunc {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func TestFetchOrderBooks_Batch(t *testing.T) {
	file := serveFile(t, "testdata/orderbooks_batch.json")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/books", r.URL.Path)
		file(w, r)
	}))
	defer srv.Close()

	books, err := newTestClient(srv).FetchOrderBooks(context.Background(), []string{"token_yes_001", "token_no_001"})
	require.NoError(t, err)
	require.Len(t, books, 2)

	yes := books["token_yes_001"]
	assert.Equal(t, "token_yes_001", yes.Ticker)
	assert.InDelta(t, 70, yes.BestBid(), 1e-9, "prices in cents")
	assert.InDelta(t, 72, yes.BestAsk(), 1e-9)
	assert.InDelta(t, 71, yes.Midpoint(), 1e-9)
	assert.True(t, yes.UpdatedAt.Equal(time.UnixMilli(1772366400000)))

	// ordenados, y los niveles vacíos descartados
	require.Len(t, yes.Bids, 2)
	assert.Greater(t, yes.Bids[0].Price, yes.Bids[1].Price)
	require.Len(t, yes.Asks, 2)
	assert.Less(t, yes.Asks[0].Price, yes.Asks[1].Price)

	no := books["token_no_001"]
	assert.InDelta(t, 27, no.BestBid(), 1e-9)
	assert.InDelta(t, 29, no.BestAsk(), 1e-9)
}

func TestFetchOrderBooks_BatchSplitting(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]any{})
	}))
	defer srv.Close()

	// 25 tickers → 2 requests (batch de 20 + batch de 5)
	tickers := make([]string, 25)
	for i := range tickers {
		tickers[i] = "token_" + string(rune('a'+i))
	}
	_, err := newTestClient(srv).FetchOrderBooks(context.Background(), tickers)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"history":[{"t":1772366460,"p":0.5},{"t":1772366400,"p":0.49},{"t":1772366500,"p":0}]}`))
	}))
	defer srv.Close()

	mids, err := newTestClient(srv).FetchMidpoints(context.Background(), "token_yes_001", time.Unix(1772366000, 0))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, mids, 2)
	assert.Equal(t, 0.49, mids[0].Price, "sorted by time")
	assert.Equal(t, 0.5, mids[1].Price)
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchMarket(context.Background(), "token")
	require.Error(t, err)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchMarket(context.Background(), "token")
	assert.ErrorContains(t, err, "client error 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchTrades_StopsAtSince(t *testing.T) {
	file := serveFile(t, "testdata/trades.json")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trades", r.URL.Path)
		assert.Equal(t, "token_yes_001", r.URL.Query().Get("asset"))
		file(w, r)
	}))
	defer srv.Close()

	trades, err := newTestClient(srv).FetchTrades(context.Background(), "token_yes_001", time.Unix(1772366400, 0))
	require.NoError(t, err)
	require.Len(t, trades, 2, "the trade at since is excluded")
	assert.Equal(t, domain.TradeBuy, trades[0].Side)
	assert.Equal(t, domain.TradeSell, trades[1].Side)
	assert.InDelta(t, 72, trades[0].Notional(), 1e-9)
	assert.Equal(t, "token_yes_001", trades[0].Ticker)
}

func TestFetchMarket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		assert.Equal(t, "token_yes_001", r.URL.Query().Get("clob_token_ids"))
		w.Write([]byte(`[{"conditionId":"0xabc","question":"Will it rain?","category":" Weather ",
			"endDate":"2026-06-30T12:00:00Z","volume24hr":"12345.5"}]`))
	}))
	defer srv.Close()

	m, err := newTestClient(srv).FetchMarket(context.Background(), "token_yes_001")
	require.NoError(t, err)
	assert.Equal(t, "token_yes_001", m.Ticker)
	assert.Equal(t, "polymarket", m.Venue)
	assert.Equal(t, "weather", m.Category)
	assert.InDelta(t, 12345.5, m.Volume24h, 1e-9)
	assert.Equal(t, time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC), m.EndDate)
}

func TestFetchMarket_Unknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchMarket(context.Background(), "nope")
	assert.ErrorContains(t, err, "no market")
}

func TestTickerIsQueryEscaped(t *testing.T) {
	const ticker = "tok&limit=9 x"
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch r.URL.Path {
		case "/markets":
			seen = append(seen, q.Get("clob_token_ids"))
			assert.Equal(t, "1", q.Get("limit"))
			w.Write([]byte(`[{"conditionId":"0xabc","question":"q","category":"x","endDate":"2026-06-30T12:00:00Z"}]`))
		case "/trades":
			seen = append(seen, q.Get("asset"))
			assert.Equal(t, "500", q.Get("limit"))
			w.Write([]byte(`[]`))
		default:
			seen = append(seen, q.Get("market"))
			w.Write([]byte(`{"history":[]}`))
		}
	}))
	defer srv.Close()
	c := newTestClient(srv)
	ctx := context.Background()

	_, err := c.FetchMarket(ctx, ticker)
	require.NoError(t, err)
	_, err = c.FetchTrades(ctx, ticker, time.Unix(0, 0))
	require.NoError(t, err)
	_, err = c.FetchMidpoints(ctx, ticker, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{ticker, ticker, ticker}, seen)
}

func TestParseTradeTimestamp(t *testing.T) {
	want := time.Unix(1772366400, 0).UTC()
	assert.Equal(t, want, parseTradeTimestamp("1772366400"))
	assert.Equal(t, want, parseTradeTimestamp("1772366400000"))
	assert.Equal(t, want, parseTradeTimestamp("2026-03-01T12:00:00Z"))
	assert.True(t, parseTradeTimestamp("garbage").IsZero())
}
