package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// Engine runs the invariant table against a Request. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	limits   Limits
	parallel bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithParallel evaluates the checks of one request in separate goroutines.
func WithParallel(on bool) Option {
	return func(e *Engine) { e.parallel = on }
}

// NewEngine builds an engine with limits taken as given: a zero field is a
// zero threshold. Start from DefaultLimits to override only some of them.
func NewEngine(limits Limits, opts ...Option) *Engine {
	e := &Engine{limits: limits}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits returns the thresholds in effect.
func (e *Engine) Limits() Limits { return e.limits }

// RunAll evaluates every invariant. The result always has Count entries in
// table order, whatever the input.
func (e *Engine) RunAll(req Request) []domain.InvariantResult {
	out := make([]domain.InvariantResult, Count)
	if !e.parallel {
		for i, inv := range invariants {
			out[i] = evaluate(inv, req, e.limits)
		}
		return out
	}

	var wg sync.WaitGroup
	for i, inv := range invariants {
		i, inv := i, inv
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = evaluate(inv, req, e.limits)
		}()
	}
	wg.Wait()
	return out
}

// RunAllInvariantChecks evaluates req against limits with a one-off engine.
func RunAllInvariantChecks(req Request, limits Limits) []domain.InvariantResult {
	return NewEngine(limits).RunAll(req)
}

// evaluate runs one check. A panicking check counts as failed so the table
// still reports every entry.
func evaluate(inv invariant, req Request, l Limits) (res domain.InvariantResult) {
	res = domain.InvariantResult{ID: inv.id, Name: inv.name, Severity: inv.severity}
	defer func() {
		if p := recover(); p != nil {
			res.Passed = false
			res.Actual = "error"
			res.Message = fmt.Sprintf("check panicked: %v", p)
		}
	}()
	o := inv.check(req, l)
	res.Passed = o.passed
	res.Actual = o.actual
	res.Expected = o.expected
	res.Message = o.message
	return res
}

// ShouldBlockOrder is true iff at least one critical invariant failed.
func ShouldBlockOrder(results []domain.InvariantResult) bool {
	for _, r := range results {
		if r.Blocking() {
			return true
		}
	}
	return false
}

// Report is the engine decision for one request.
type Report struct {
	// Results holds the results the decision was taken on: the resized
	// evaluation when AdjustedSize is set, the original one otherwise.
	Results          []domain.InvariantResult
	OriginalResults  []domain.InvariantResult
	Blocked          bool
	BlockingFailures []string
	Warnings         []string
	AdjustedSize     float64
}

// CheckResult converts the report into the record stored on the order.
func (r Report) CheckResult(took time.Duration, at time.Time) domain.RiskCheckResult {
	return domain.RiskCheckResult{
		Approved:         !r.Blocked,
		Results:          r.Results,
		BlockingFailures: r.BlockingFailures,
		Warnings:         r.Warnings,
		AdjustedSize:     r.AdjustedSize,
		Duration:         took,
		CheckedAt:        at,
	}
}

// sizeBound marks invariants a smaller order can satisfy.
var sizeBound = map[string]bool{"I1": true, "I2": true, "I3": true, "I4": true}

// Evaluate runs every invariant and decides. When the only critical failures
// are exposure limits an order can fit under by shrinking, the request is
// re-evaluated at the largest size that fits and approved at that size if
// nothing else blocks.
func (e *Engine) Evaluate(req Request) Report {
	results := e.RunAll(req)
	rep := summarize(results)
	rep.OriginalResults = results
	if !rep.Blocked || !e.resizable(req, results) {
		return rep
	}

	size := e.fittingSize(req)
	if !(size > 0) || size >= req.Size {
		return rep
	}
	resized := req
	resized.Size = size
	again := e.RunAll(resized)
	if ShouldBlockOrder(again) {
		return rep
	}
	out := summarize(again)
	out.OriginalResults = results
	out.AdjustedSize = size
	return out
}

func summarize(results []domain.InvariantResult) Report {
	rep := Report{Results: results}
	for _, r := range results {
		if r.Passed {
			continue
		}
		label := r.ID + " " + r.Message
		if r.Severity == domain.SeverityCritical {
			rep.Blocked = true
			rep.BlockingFailures = append(rep.BlockingFailures, label)
		} else {
			rep.Warnings = append(rep.Warnings, label)
		}
	}
	return rep
}

func (e *Engine) resizable(req Request, results []domain.InvariantResult) bool {
	for _, r := range results {
		if !r.Blocking() {
			continue
		}
		if sizeBound[r.ID] {
			continue
		}
		if r.ID == "I15" && req.Notional() > e.limits.MaxOrderNotional {
			continue
		}
		return false
	}
	return true
}

// fittingSize is the largest size, floored to 0.01, under every
// size-dependent limit.
func (e *Engine) fittingSize(req Request) float64 {
	if !(req.Price > 0) || !(req.PortfolioValue > 0) {
		return 0
	}
	l, pv := e.limits, req.PortfolioValue
	room := math.Min(l.MaxPositionPct*pv, l.MaxOrderNotional)
	room = math.Min(room, l.MaxConcentrationPct*pv-req.sameMarketSide())
	room = math.Min(room, l.MaxMarketExposurePct*pv-req.sameMarket())
	room = math.Min(room, l.MaxCategoryExposurePct*pv-req.sameCategory())
	if !(room > 0) {
		return 0
	}
	return math.Floor(room/req.Price*100) / 100
}
