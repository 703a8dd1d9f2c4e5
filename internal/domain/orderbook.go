package domain

import (
	"strconv"
	"time"
)

// OrderBook representa el libro de órdenes de un mercado, precios en centavos.
type OrderBook struct {
	Ticker string
	Bids   []BookEntry // ordenados mayor a menor precio
	Asks   []BookEntry // ordenados menor a mayor precio
	// UpdatedAt es el timestamp del snapshot según la venue; cero si no lo informa.
	UpdatedAt time.Time
}

// BookEntry es un nivel de precio en el orderbook.
type BookEntry struct {
	Price float64
	Size  float64
}

// BestBid devuelve el mejor precio de compra. 0 si el book está vacío.
func (ob OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk devuelve el mejor precio de venta. 0 si el book está vacío.
func (ob OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// Midpoint devuelve el punto medio entre best bid y best ask.
func (ob OrderBook) Midpoint() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread devuelve ask - bid en centavos.
func (ob OrderBook) Spread() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// RelativeSpread devuelve el spread como fracción del midpoint (0.05 = 5%).
// Un book de un solo lado devuelve 1: sin contraparte no hay precio.
func (ob OrderBook) RelativeSpread() float64 {
	mid := ob.Midpoint()
	if mid == 0 {
		return 1
	}
	return ob.Spread() / mid
}

// DepthWithin suma el nocional (size × price) de ambos lados dentro de
// maxDistance centavos del midpoint.
func (ob OrderBook) DepthWithin(maxDistance float64) float64 {
	mid := ob.Midpoint()
	if mid == 0 {
		return 0
	}
	var total float64
	for _, b := range ob.Bids {
		if mid-b.Price <= maxDistance {
			total += b.Size * b.Price
		}
	}
	for _, a := range ob.Asks {
		if a.Price-mid <= maxDistance {
			total += a.Size * a.Price
		}
	}
	return total
}

// ParsePrice convierte un string de precio a float64. Usado en el mapping de la API.
func ParsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
