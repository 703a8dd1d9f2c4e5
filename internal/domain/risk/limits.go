package risk

import "time"

// Limits are the thresholds the invariants compare against. Percentages are
// fractions of portfolio value.
type Limits struct {
	MaxPositionPct         float64
	MaxConcentrationPct    float64
	MaxMarketExposurePct   float64
	MaxCategoryExposurePct float64
	MaxDailyLossPct        float64
	MaxDrawdownPct         float64
	MaxWeeklyLossPct       float64
	MinLiquidity24h        float64
	MaxVPIN                float64
	MaxSpread              float64
	MinTimeToSettlement    time.Duration
	MaxAmbiguity           float64
	MaxPriceStaleness      time.Duration
	MinOrderNotional       float64
	MaxOrderNotional       float64
}

// DefaultLimits returns the production thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionPct:         0.05,
		MaxConcentrationPct:    0.10,
		MaxMarketExposurePct:   0.15,
		MaxCategoryExposurePct: 0.30,
		MaxDailyLossPct:        0.03,
		MaxDrawdownPct:         0.10,
		MaxWeeklyLossPct:       0.07,
		MinLiquidity24h:        5000,
		MaxVPIN:                0.6,
		MaxSpread:              0.10,
		MinTimeToSettlement:    24 * time.Hour,
		MaxAmbiguity:           0.4,
		MaxPriceStaleness:      60 * time.Second,
		MinOrderNotional:       10,
		MaxOrderNotional:       10000,
	}
}
