package domain

import "time"

// Severity decides whether a failed invariant blocks the order.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// InvariantResult is the outcome of one risk invariant.
type InvariantResult struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Actual   string   `json:"actual"`
	Expected string   `json:"expected"`
	Message  string   `json:"message"`
}

// Blocking reports whether this result alone blocks the order.
func (r InvariantResult) Blocking() bool {
	return !r.Passed && r.Severity == SeverityCritical
}

// ToxicityLevel is the VPIN classification of recent flow.
type ToxicityLevel string

const (
	ToxicityNormal   ToxicityLevel = "normal"
	ToxicityElevated ToxicityLevel = "elevated"
	ToxicityToxic    ToxicityLevel = "toxic"
)

// PreTradeCheckResult is the microstructure verdict taken before validation.
type PreTradeCheckResult struct {
	Passed         bool          `json:"passed"`
	VPIN           float64       `json:"vpin"`
	Toxicity       ToxicityLevel `json:"toxicity"`
	EdgeMultiplier float64       `json:"edge_multiplier"`
	Spread         float64       `json:"spread"`
	Depth          float64       `json:"depth"`
	SealedBuckets  int           `json:"sealed_buckets"`
	Reasons        []string      `json:"reasons,omitempty"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// ValidationResult lists the structural problems found in an order.
type ValidationResult struct {
	Valid       bool      `json:"valid"`
	Errors      []string  `json:"errors,omitempty"`
	ValidatedAt time.Time `json:"validated_at"`
}

// RiskCheckResult is what the risk engine decided for an order. Results
// always holds every invariant, passed or not.
type RiskCheckResult struct {
	Approved         bool              `json:"approved"`
	Results          []InvariantResult `json:"results"`
	BlockingFailures []string          `json:"blocking_failures,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	AdjustedSize     float64           `json:"adjusted_size,omitempty"`
	Duration         time.Duration     `json:"duration"`
	CheckedAt        time.Time         `json:"checked_at"`
}
