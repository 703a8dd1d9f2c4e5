package polymarket

import "encoding/json"

// DTOs raw de la API de Polymarket. Solo se usan dentro de este paquete.
// La conversión a domain entities se hace en mapping.go.

// --- CLOB API ---

// orderBookRequest es el body del POST /books batch.
type orderBookRequest struct {
	TokenID string `json:"token_id"`
}

// orderBookResponse es la respuesta de un item en POST /books.
type orderBookResponse struct {
	AssetID   string         `json:"asset_id"`
	Timestamp string         `json:"timestamp"` // unix ms como string
	Bids      []bookEntryRaw `json:"bids"`
	Asks      []bookEntryRaw `json:"asks"`
}

// bookEntryRaw es un nivel de precio raw de la API (strings para mayor precisión).
type bookEntryRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// priceHistoryResponse es la respuesta de GET /prices-history.
type priceHistoryResponse struct {
	History []pricePoint `json:"history"`
}

type pricePoint struct {
	T int64   `json:"t"`
	P float64 `json:"p"`
}

// --- Data API ---

type rawDataTrade struct {
	ID          string      `json:"transactionHash"`
	ConditionID string      `json:"conditionId"`
	Asset       string      `json:"asset"`
	Side        string      `json:"side"`
	Price       json.Number `json:"price"`
	Size        json.Number `json:"size"`
	Timestamp   json.Number `json:"timestamp"`
}

// --- Gamma API ---

// gammaMarketsResponse es la respuesta de GET /markets de Gamma.
type gammaMarketsResponse []gammaMarket

// gammaMarket contiene la metadata de un mercado.
// Gamma devuelve algunos campos numéricos como strings JSON, usamos json.Number.
type gammaMarket struct {
	ConditionID string      `json:"conditionId"`
	Question    string      `json:"question"`
	Slug        string      `json:"slug"`
	Category    string      `json:"category"`
	EndDateISO  string      `json:"endDateIso"`
	EndDate     string      `json:"endDate"`
	Volume24h   json.Number `json:"volume24hr"`
	Active      bool        `json:"active"`
	Closed      bool        `json:"closed"`
}
