package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// outcome is what a single check reports before the engine stamps id,
// name and severity onto it.
type outcome struct {
	passed   bool
	actual   string
	expected string
	message  string
}

type checkFunc func(Request, Limits) outcome

type invariant struct {
	id       string
	name     string
	severity domain.Severity
	check    checkFunc
}

// Count is the number of invariants every evaluation returns.
const Count = 17

// invariants is the fixed evaluation table. Order matters only for
// reporting; every entry always runs.
var invariants = [Count]invariant{
	{"I1", "max_position_size", domain.SeverityCritical, checkPositionSize},
	{"I2", "max_concentration", domain.SeverityCritical, checkConcentration},
	{"I3", "max_market_exposure", domain.SeverityCritical, checkMarketExposure},
	{"I4", "max_category_exposure", domain.SeverityCritical, checkCategoryExposure},
	{"I5", "max_daily_loss", domain.SeverityCritical, checkDailyLoss},
	{"I6", "max_drawdown", domain.SeverityCritical, checkDrawdown},
	{"I7", "max_weekly_loss", domain.SeverityCritical, checkWeeklyLoss},
	{"I8", "min_liquidity", domain.SeverityWarning, checkLiquidity},
	{"I9", "max_vpin", domain.SeverityWarning, checkVPIN},
	{"I10", "max_spread", domain.SeverityWarning, checkSpread},
	{"I11", "min_time_to_settlement", domain.SeverityCritical, checkSettlement},
	{"I12", "equivalence_grade", domain.SeverityCritical, checkEquivalence},
	{"I13", "max_ambiguity", domain.SeverityWarning, checkAmbiguity},
	{"I14", "price_staleness", domain.SeverityCritical, checkStaleness},
	{"I15", "order_notional_bounds", domain.SeverityCritical, checkNotionalBounds},
	{"I16", "circuit_breaker", domain.SeverityCritical, checkBreaker},
	{"I17", "system_health", domain.SeverityCritical, checkHealth},
}

// share is num/portfolio, NaN when the portfolio value is not positive so
// every comparison against it fails.
func share(num, portfolio float64) float64 {
	if !(portfolio > 0) {
		return math.NaN()
	}
	return num / portfolio
}

func pct(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", v*100)
}

func maxShare(name string, num, portfolio, limit float64) outcome {
	s := share(num, portfolio)
	o := outcome{passed: s <= limit, actual: pct(s), expected: "<= " + pct(limit)}
	switch {
	case !(portfolio > 0):
		o.message = fmt.Sprintf("%s: portfolio value %v is not positive", name, portfolio)
	case o.passed:
		o.message = fmt.Sprintf("%s %s within limit", name, pct(s))
	default:
		o.message = fmt.Sprintf("%s %s exceeds %s", name, pct(s), pct(limit))
	}
	return o
}

func checkPositionSize(r Request, l Limits) outcome {
	return maxShare("position", r.Notional(), r.PortfolioValue, l.MaxPositionPct)
}

func checkConcentration(r Request, l Limits) outcome {
	return maxShare("market+side concentration", r.sameMarketSide()+r.Notional(), r.PortfolioValue, l.MaxConcentrationPct)
}

func checkMarketExposure(r Request, l Limits) outcome {
	return maxShare("market exposure", r.sameMarket()+r.Notional(), r.PortfolioValue, l.MaxMarketExposurePct)
}

func checkCategoryExposure(r Request, l Limits) outcome {
	return maxShare("category exposure", r.sameCategory()+r.Notional(), r.PortfolioValue, l.MaxCategoryExposurePct)
}

// loss turns a PnL into a non-negative loss; NaN stays NaN.
func loss(pnl float64) float64 {
	if pnl > 0 {
		return 0
	}
	return -pnl
}

func checkDailyLoss(r Request, l Limits) outcome {
	return maxShare("daily loss", loss(r.DailyPnL), r.PortfolioValue, l.MaxDailyLossPct)
}

func checkDrawdown(r Request, l Limits) outcome {
	dd := math.Abs(r.MaxDrawdown)
	o := outcome{passed: dd <= l.MaxDrawdownPct, actual: pct(dd), expected: "<= " + pct(l.MaxDrawdownPct)}
	o.message = fmt.Sprintf("drawdown %s", pct(dd))
	if !o.passed {
		o.message += " exceeds " + pct(l.MaxDrawdownPct)
	}
	return o
}

func checkWeeklyLoss(r Request, l Limits) outcome {
	return maxShare("weekly loss", loss(r.WeeklyPnL), r.PortfolioValue, l.MaxWeeklyLossPct)
}

func checkLiquidity(r Request, l Limits) outcome {
	o := outcome{
		passed:   r.Volume24h >= l.MinLiquidity24h,
		actual:   fmt.Sprintf("%.2f", r.Volume24h),
		expected: fmt.Sprintf(">= %.2f", l.MinLiquidity24h),
	}
	o.message = fmt.Sprintf("24h volume %.2f", r.Volume24h)
	if !o.passed {
		o.message += " below minimum"
	}
	return o
}

func checkVPIN(r Request, l Limits) outcome {
	o := outcome{
		passed:   r.VPINScore < l.MaxVPIN,
		actual:   fmt.Sprintf("%.4f", r.VPINScore),
		expected: fmt.Sprintf("< %.4f", l.MaxVPIN),
	}
	o.message = fmt.Sprintf("vpin %.4f", r.VPINScore)
	if !o.passed {
		o.message += " indicates toxic flow"
	}
	return o
}

func checkSpread(r Request, l Limits) outcome {
	o := outcome{passed: r.Spread <= l.MaxSpread, actual: pct(r.Spread), expected: "<= " + pct(l.MaxSpread)}
	o.message = "spread " + pct(r.Spread)
	if !o.passed {
		o.message += " too wide"
	}
	return o
}

func checkSettlement(r Request, l Limits) outcome {
	expected := ">= " + l.MinTimeToSettlement.String()
	if r.SettlementDate.IsZero() {
		return outcome{actual: "unknown", expected: expected, message: "settlement date unknown"}
	}
	left := r.SettlementDate.Sub(r.now())
	o := outcome{passed: left >= l.MinTimeToSettlement, actual: left.Round(time.Second).String(), expected: expected}
	o.message = fmt.Sprintf("settles in %s", o.actual)
	if !o.passed {
		o.message += ", too close"
	}
	return o
}

func checkEquivalence(r Request, _ Limits) outcome {
	g := r.EquivalenceGrade
	actual := string(g)
	if actual == "" {
		actual = "unset"
	}
	o := outcome{passed: g.Pairable(), actual: actual, expected: "identical | near_equivalent | unset"}
	o.message = "equivalence grade " + actual
	if !o.passed {
		o.message += " not tradeable as a pair"
	}
	return o
}

func checkAmbiguity(r Request, l Limits) outcome {
	o := outcome{
		passed:   r.AmbiguityScore <= l.MaxAmbiguity,
		actual:   fmt.Sprintf("%.2f", r.AmbiguityScore),
		expected: fmt.Sprintf("<= %.2f", l.MaxAmbiguity),
	}
	o.message = "ambiguity " + o.actual
	if !o.passed {
		o.message += " above limit"
	}
	return o
}

func checkStaleness(r Request, l Limits) outcome {
	expected := "<= " + l.MaxPriceStaleness.String()
	if r.LastPriceUpdate.IsZero() {
		return outcome{actual: "never", expected: expected, message: "no price update recorded"}
	}
	age := r.now().Sub(r.LastPriceUpdate)
	if age < 0 {
		age = 0
	}
	o := outcome{passed: age <= l.MaxPriceStaleness, actual: age.Round(time.Millisecond).String(), expected: expected}
	o.message = "price age " + o.actual
	if !o.passed {
		o.message += ", stale"
	}
	return o
}

func checkNotionalBounds(r Request, l Limits) outcome {
	n := r.Notional()
	o := outcome{
		passed:   n >= l.MinOrderNotional && n <= l.MaxOrderNotional,
		actual:   fmt.Sprintf("%.2f", n),
		expected: fmt.Sprintf("[%.2f, %.2f]", l.MinOrderNotional, l.MaxOrderNotional),
	}
	switch {
	case o.passed:
		o.message = "notional " + o.actual + " within bounds"
	case n > l.MaxOrderNotional:
		o.message = "notional " + o.actual + " above maximum"
	default:
		o.message = "notional " + o.actual + " below minimum"
	}
	return o
}

func checkBreaker(r Request, _ Limits) outcome {
	s := r.CircuitBreakerState
	o := outcome{passed: s.Valid() && s != domain.BreakerHalt, actual: string(s), expected: "!= HALT"}
	switch {
	case !s.Valid():
		o.message = fmt.Sprintf("unknown breaker state %q", s)
	case s == domain.BreakerHalt:
		o.message = "circuit breaker halted, all new orders blocked"
	default:
		o.message = "circuit breaker " + string(s)
	}
	return o
}

func checkHealth(r Request, _ Limits) outcome {
	o := outcome{passed: r.SystemHealthy, actual: fmt.Sprint(r.SystemHealthy), expected: "true"}
	o.message = "system healthy"
	if !o.passed {
		o.message = "system reported unhealthy"
	}
	return o
}
