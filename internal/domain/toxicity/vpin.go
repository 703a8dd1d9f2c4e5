// Package toxicity measures order-flow imbalance (VPIN) over fixed-notional
// trade buckets and classifies it for the pre-trade gate.
package toxicity

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// Config tunes the bucketing and the classification thresholds.
type Config struct {
	BucketSize        float64 // notional per bucket
	RollingBuckets    int     // sealed buckets averaged
	ElevatedThreshold float64
	ToxicThreshold    float64
}

// DefaultConfig returns bucket 1000, window 50, thresholds 0.3 / 0.6.
func DefaultConfig() Config {
	return Config{BucketSize: 1000, RollingBuckets: 50, ElevatedThreshold: 0.3, ToxicThreshold: 0.6}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if !(c.BucketSize > 0) {
		c.BucketSize = d.BucketSize
	}
	if c.RollingBuckets <= 0 {
		c.RollingBuckets = d.RollingBuckets
	}
	if !(c.ElevatedThreshold > 0) {
		c.ElevatedThreshold = d.ElevatedThreshold
	}
	if !(c.ToxicThreshold > 0) {
		c.ToxicThreshold = d.ToxicThreshold
	}
	return c
}

// Bucket aggregates trades until its notional reaches the bucket size.
type Bucket struct {
	BuyVolume  float64   `json:"buy_volume"`
	SellVolume float64   `json:"sell_volume"`
	Notional   float64   `json:"notional"`
	Trades     int       `json:"trades"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
	Sealed     bool      `json:"sealed"`
}

// VPIN is |buy - sell| / (buy + sell), 0 for an empty bucket.
func (b Bucket) VPIN() float64 {
	total := b.BuyVolume + b.SellVolume
	if total <= 0 {
		return 0
	}
	return math.Abs(b.BuyVolume-b.SellVolume) / total
}

// Result is the gate verdict. Sealed holds every sealed bucket so a later
// Update can continue from it; Open is the partially filled tail.
type Result struct {
	VPIN           float64              `json:"vpin"`
	Level          domain.ToxicityLevel `json:"level"`
	EdgeMultiplier float64              `json:"edge_multiplier"`
	ShouldPause    bool                 `json:"should_pause"`
	Sealed         []Bucket             `json:"sealed"`
	Open           Bucket               `json:"open"`
	Unclassified   int                  `json:"unclassified"`
	LastTradeAt    time.Time            `json:"last_trade_at"`
	LastTradeIDs   []string             `json:"last_trade_ids,omitempty"` // ids already counted at LastTradeAt
}

// SealedBuckets is the number of buckets the VPIN was computed over.
func (r Result) SealedBuckets() int { return len(r.Sealed) }

// Classification is the level derived from a VPIN value.
type Classification struct {
	Level          domain.ToxicityLevel
	EdgeMultiplier float64
	ShouldPause    bool
}

// Classify maps a VPIN value to its level. The lower bound of each band is
// inclusive. NaN classifies as toxic.
func Classify(vpin float64, cfg Config) Classification {
	cfg = cfg.withDefaults()
	switch {
	case math.IsNaN(vpin) || vpin >= cfg.ToxicThreshold:
		return Classification{Level: domain.ToxicityToxic, EdgeMultiplier: 0, ShouldPause: true}
	case vpin >= cfg.ElevatedThreshold:
		return Classification{Level: domain.ToxicityElevated, EdgeMultiplier: 1.5}
	default:
		return Classification{Level: domain.ToxicityNormal, EdgeMultiplier: 1.0}
	}
}

// Compute buckets trades from scratch.
func Compute(trades []domain.Trade, midpoints []domain.Midpoint, cfg Config) Result {
	return Update(Result{}, trades, midpoints, cfg)
}

// Update continues from prior's sealed buckets and open tail with the
// trades prior has not counted yet: everything after prior.LastTradeAt, and
// trades exactly at it whose id is not in prior.LastTradeIDs. The same window
// can be passed again. prior is not modified.
func Update(prior Result, trades []domain.Trade, midpoints []domain.Midpoint, cfg Config) Result {
	cfg = cfg.withDefaults()

	ordered := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		if !prior.LastTradeAt.IsZero() && !t.Timestamp.After(prior.LastTradeAt) {
			if !t.Timestamp.Equal(prior.LastTradeAt) || t.ID == "" || slices.Contains(prior.LastTradeIDs, t.ID) {
				continue
			}
		}
		ordered = append(ordered, t)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	mids := make([]domain.Midpoint, len(midpoints))
	copy(mids, midpoints)
	sort.SliceStable(mids, func(i, j int) bool { return mids[i].Timestamp.Before(mids[j].Timestamp) })

	res := Result{
		Sealed:       append([]Bucket(nil), prior.Sealed...),
		Open:         prior.Open,
		Unclassified: prior.Unclassified,
		LastTradeAt:  prior.LastTradeAt,
		LastTradeIDs: slices.Clone(prior.LastTradeIDs),
	}
	for _, t := range ordered {
		if t.Timestamp.After(res.LastTradeAt) {
			res.LastTradeAt = t.Timestamp
			res.LastTradeIDs = nil
		}
		if t.ID != "" {
			res.LastTradeIDs = append(res.LastTradeIDs, t.ID)
		}
		if !(t.Volume > 0) || !(t.Price > 0) {
			res.Unclassified++
			continue
		}
		buy, ok := classifyTrade(t, mids)
		if !ok {
			res.Unclassified++
			continue
		}
		if res.Open.Trades == 0 {
			res.Open.OpenedAt = t.Timestamp
		}
		if buy {
			res.Open.BuyVolume += t.Volume
		} else {
			res.Open.SellVolume += t.Volume
		}
		res.Open.Notional += t.Notional()
		res.Open.Trades++
		if res.Open.Notional >= cfg.BucketSize {
			res.Open.Sealed = true
			res.Open.ClosedAt = t.Timestamp
			res.Sealed = append(res.Sealed, res.Open)
			res.Open = Bucket{}
		}
	}
	if window := cfg.RollingBuckets; len(res.Sealed) > window {
		res.Sealed = res.Sealed[len(res.Sealed)-window:]
	}

	res.VPIN = weightedVPIN(res.Sealed)
	c := Classify(res.VPIN, cfg)
	res.Level, res.EdgeMultiplier, res.ShouldPause = c.Level, c.EdgeMultiplier, c.ShouldPause
	return res
}

// weightedVPIN averages bucket VPINs with linear recency weights: 1 for the
// oldest, n for the newest.
func weightedVPIN(buckets []Bucket) float64 {
	var num, den float64
	for i, b := range buckets {
		w := float64(i + 1)
		num += w * b.VPIN()
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// classifyTrade uses the reported side, else compares the price with the
// latest midpoint at or before the trade (price >= mid is a buy). mids must
// be sorted ascending.
func classifyTrade(t domain.Trade, mids []domain.Midpoint) (buy, ok bool) {
	switch t.Side {
	case domain.TradeBuy:
		return true, true
	case domain.TradeSell:
		return false, true
	}
	i := sort.Search(len(mids), func(i int) bool { return mids[i].Timestamp.After(t.Timestamp) })
	if i == 0 {
		return false, false
	}
	return t.Price >= mids[i-1].Price, true
}
