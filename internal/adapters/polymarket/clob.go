package polymarket

// clob.go: orderbooks e historial de precios del CLOB.
//
// FetchOrderBooks lanza un goroutine por batch; el rate limiter de
// doWithRetry marca el ritmo, sin semáforo explícito.

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

const (
	booksPath       = "/books"
	pricesHistory   = "/prices-history"
	batchSize       = 20 // máx token_ids por request a /books
	historyFidelity = 1  // minutos por punto
)

// FetchOrderBooks obtiene los orderbooks de los tickers dados, con precios
// en centavos.
func (c *Client) FetchOrderBooks(ctx context.Context, tickers []string) (map[string]domain.OrderBook, error) {
	if len(tickers) == 0 {
		return map[string]domain.OrderBook{}, nil
	}

	batches := splitBatches(tickers, batchSize)

	type batchResult struct {
		books map[string]domain.OrderBook
		err   error
		idx   int
	}

	resultCh := make(chan batchResult, len(batches))
	var wg sync.WaitGroup
	for i, batch := range batches {
		i, batch := i, batch
		wg.Add(1)
		go func() {
			defer wg.Done()
			books, err := c.fetchBooksBatch(ctx, batch)
			resultCh <- batchResult{books: books, err: err, idx: i}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	result := make(map[string]domain.OrderBook, len(tickers))
	var firstErr error
	for r := range resultCh {
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("clob.FetchOrderBooks batch %d: %w", r.idx, r.err)
			}
			continue
		}
		for k, v := range r.books {
			result[k] = v
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	slog.Debug("order books fetched", "tickers", len(tickers), "books", len(result))
	return result, nil
}

// splitBatches divide ids en slices de tamaño máximo size.
func splitBatches(ids []string, size int) [][]string {
	if size <= 0 {
		size = batchSize
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		end := min(i+size, len(ids))
		batches = append(batches, ids[i:end])
	}
	return batches
}

// fetchBooksBatch hace un POST /books para un batch de token_ids.
func (c *Client) fetchBooksBatch(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	body := make([]orderBookRequest, len(tokenIDs))
	for i, id := range tokenIDs {
		body[i] = orderBookRequest{TokenID: id}
	}

	var resp []orderBookResponse
	if err := c.post(ctx, c.booksLimiter, c.clobBase+booksPath, body, &resp); err != nil {
		return nil, fmt.Errorf("POST /books: %w", err)
	}
	return mapOrderBooks(resp), nil
}

// FetchMidpoints devuelve el historial de precios del token desde since, en
// USDC como los trades, ordenado por tiempo.
func (c *Client) FetchMidpoints(ctx context.Context, ticker string, since time.Time) ([]domain.Midpoint, error) {
	endpoint := fmt.Sprintf("%s%s?market=%s&startTs=%d&fidelity=%d",
		c.clobBase, pricesHistory, url.QueryEscape(ticker), since.Unix(), historyFidelity)

	var resp priceHistoryResponse
	if err := c.get(ctx, c.clobLimiter, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("clob.FetchMidpoints: %w", err)
	}
	return mapMidpoints(resp.History), nil
}
