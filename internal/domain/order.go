package domain

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultMaxRetries bounds how many times an ERROR order can be sent back
// to PENDING.
const DefaultMaxRetries = 3

// fillEpsilon absorbs float noise when comparing filled vs requested size.
const fillEpsilon = 1e-9

// orderNamespace seeds the UUIDv5 order ids.
var orderNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("polyguard/orders"))

// now is the lifecycle clock. Tests in this package swap it.
var now = func() time.Time { return time.Now().UTC() }

// Side is the outcome being bought on a binary market.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Signal is the trading intent an order is derived from.
type Signal struct {
	SignalID       string   `json:"signal_id"`
	Strategy       string   `json:"strategy"`
	Ticker         string   `json:"ticker"`
	Venue          string   `json:"venue,omitempty"`
	Side           Side     `json:"side"`
	Size           float64  `json:"size"`
	MaxPrice       float64  `json:"max_price"` // cents, 1..99
	EvidenceHashes []string `json:"evidence_hashes,omitempty"`
}

// StateTransition is one append-only entry of an order's history.
type StateTransition struct {
	From     OrderState        `json:"from"`
	To       OrderState        `json:"to"`
	At       time.Time         `json:"at"`
	Reason   string            `json:"reason"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OrderLifecycle is the order aggregate. Functions in this package take it
// by value and return a new value; the history slice is copied on every
// append so snapshots held by callers never change underneath them.
type OrderLifecycle struct {
	OrderID        string            `json:"order_id"`
	SignalID       string            `json:"signal_id"`
	Strategy       string            `json:"strategy"`
	Ticker         string            `json:"ticker"`
	Venue          string            `json:"venue,omitempty"`
	Category       string            `json:"category,omitempty"` // market category, set at pre-trade check
	Side           Side              `json:"side"`
	RequestedSize  float64           `json:"requested_size"`
	OriginalSize   float64           `json:"original_size"`
	MaxPrice       float64           `json:"max_price"`
	CurrentState   OrderState        `json:"current_state"`
	StateHistory   []StateTransition `json:"state_history"`
	EvidenceHashes []string          `json:"evidence_hashes,omitempty"`

	FilledSize       float64  `json:"filled_size"`
	AvgFillPrice     float64  `json:"avg_fill_price"`
	EntryPrice       float64  `json:"entry_price"`
	ClosingLinePrice *float64 `json:"closing_line_price,omitempty"`
	CLV              *float64 `json:"clv,omitempty"`
	VenueOrderID     string   `json:"venue_order_id,omitempty"`
	AppliedFillIDs   []string `json:"applied_fill_ids,omitempty"`

	RetryCount   int    `json:"retry_count"`
	RiskTimeouts int    `json:"risk_timeouts"`
	LastError    string `json:"last_error,omitempty"`

	PreTradeCheckResult  *PreTradeCheckResult  `json:"pre_trade_check_result,omitempty"`
	ValidationResult     *ValidationResult     `json:"validation_result,omitempty"`
	RiskCheckResult      *RiskCheckResult      `json:"risk_check_result,omitempty"`
	ExecutionResult      *ExecutionResult      `json:"execution_result,omitempty"`
	ReconciliationResult *ReconciliationResult `json:"reconciliation_result,omitempty"`

	FinalPnL     *float64 `json:"final_pnl,omitempty"`
	ArchiveNotes string   `json:"archive_notes,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ValidatedAt    *time.Time `json:"validated_at,omitempty"`
	RiskApprovedAt *time.Time `json:"risk_approved_at,omitempty"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
	ReconciledAt   *time.Time `json:"reconciled_at,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// Notional is size × limit price, the unit every risk limit is expressed in.
func (o OrderLifecycle) Notional() float64 { return o.RequestedSize * o.MaxPrice }

// IsTerminal reports whether the order can no longer move.
func (o OrderLifecycle) IsTerminal() bool { return o.CurrentState.IsTerminal() }

// LastTransition returns the newest history entry.
func (o OrderLifecycle) LastTransition() StateTransition {
	if len(o.StateHistory) == 0 {
		return StateTransition{}
	}
	return o.StateHistory[len(o.StateHistory)-1]
}

// DeriveOrderID hashes the order-defining fields into a UUIDv5, so the same
// signal always maps to the same order. Sizes and prices go through decimal
// so 10 and 10.0 produce one id.
func DeriveOrderID(signalID, strategy, ticker string, side Side, size, price float64) string {
	key := strings.Join([]string{
		signalID,
		strategy,
		ticker,
		string(side),
		formatFloat(size),
		formatFloat(price),
	}, "|")
	return uuid.NewSHA1(orderNamespace, []byte(key)).String()
}

// NewOrder creates the PENDING order for a signal. It never fails: bad
// input is caught by the validation step so the rejection is recorded.
func NewOrder(sig Signal) OrderLifecycle {
	at := now()
	return OrderLifecycle{
		OrderID:        DeriveOrderID(sig.SignalID, sig.Strategy, sig.Ticker, sig.Side, sig.Size, sig.MaxPrice),
		SignalID:       sig.SignalID,
		Strategy:       sig.Strategy,
		Ticker:         sig.Ticker,
		Venue:          sig.Venue,
		Side:           sig.Side,
		RequestedSize:  sig.Size,
		OriginalSize:   sig.Size,
		MaxPrice:       sig.MaxPrice,
		CurrentState:   StatePending,
		StateHistory:   []StateTransition{{To: StatePending, At: at, Reason: "order created"}},
		EvidenceHashes: slices.Clone(sig.EvidenceHashes),
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

// Transition moves the order along one edge of the graph. An edge not in
// the table returns *InvalidTransitionError and the order unchanged.
func Transition(o OrderLifecycle, to OrderState, reason string, metadata map[string]string) (OrderLifecycle, error) {
	from := o.CurrentState
	if !IsValidTransition(from, to) {
		return o, &InvalidTransitionError{OrderID: o.OrderID, From: from, To: to}
	}

	at := now()
	rec := StateTransition{From: from, To: to, At: at, Reason: reason}
	if len(metadata) > 0 {
		rec.Metadata = maps.Clone(metadata)
	}

	next := o
	next.StateHistory = append(slices.Clip(o.StateHistory), rec)
	next.CurrentState = to
	next.UpdatedAt = at

	switch to {
	case StateValidated:
		next.ValidatedAt = &at
	case StateRiskApproved:
		next.RiskApprovedAt = &at
	case StateSubmitted:
		next.SubmittedAt = &at
	case StateOrderAcknowledged:
		next.AcknowledgedAt = &at
	case StateFilled:
		next.FilledAt = &at
	case StateReconciled:
		next.ReconciledAt = &at
	case StateArchived:
		next.ArchivedAt = &at
	}
	if to.closesOrder() {
		next.ClosedAt = &at
	}
	return next, nil
}

// Terminate transitions into a failure or cancellation state and records
// reason as LastError.
func Terminate(o OrderLifecycle, to OrderState, reason string, metadata map[string]string) (OrderLifecycle, error) {
	next, err := Transition(o, to, reason, metadata)
	if err != nil {
		return o, err
	}
	next.LastError = reason
	return next, nil
}

// MarkError moves the order into ERROR, keeping cause as LastError.
func MarkError(o OrderLifecycle, cause string) (OrderLifecycle, error) {
	return Terminate(o, StateError, cause, nil)
}

// CalculateCLV is closing minus entry. Positive means the position was
// entered below the later consensus price.
func CalculateCLV(entryPrice, closingLinePrice float64) float64 {
	return closingLinePrice - entryPrice
}

var fillStates = []OrderState{StateSubmitted, StateOrderAcknowledged, StatePartialFill, StateFilled}

// RecordFill folds one fill into the order. AvgFillPrice is the
// size-weighted mean of every fill, EntryPrice is the first fill's price and
// never changes afterwards. Reaching RequestedSize moves the order to
// FILLED; a smaller fill moves SUBMITTED to PARTIAL_FILL and leaves other
// states where they are. Over-fills are accepted as reported.
func RecordFill(o OrderLifecycle, fillSize, fillPrice float64, closingLinePrice *float64) (OrderLifecycle, error) {
	if !(fillSize > 0) || !(fillPrice > 0) {
		return o, fmt.Errorf("%w: order %s size=%v price=%v", ErrInvalidFill, o.OrderID, fillSize, fillPrice)
	}
	if !slices.Contains(fillStates, o.CurrentState) {
		return o, outOfOrder("RecordFill", o, fillStates...)
	}

	next := o
	total := o.FilledSize + fillSize
	next.AvgFillPrice = (o.AvgFillPrice*o.FilledSize + fillPrice*fillSize) / total
	if o.FilledSize == 0 {
		next.EntryPrice = fillPrice
	}
	next.FilledSize = total
	if closingLinePrice != nil {
		cl := *closingLinePrice
		clv := CalculateCLV(next.EntryPrice, cl)
		next.ClosingLinePrice = &cl
		next.CLV = &clv
	}

	meta := map[string]string{
		"fill_size":   formatFloat(fillSize),
		"fill_price":  formatFloat(fillPrice),
		"filled_size": formatFloat(total),
	}
	var (
		target OrderState
		reason string
	)
	switch {
	case total+fillEpsilon >= o.RequestedSize && o.CurrentState != StateFilled:
		target, reason = StateFilled, "order fully filled"
	case total+fillEpsilon < o.RequestedSize && o.CurrentState == StateSubmitted:
		target, reason = StatePartialFill, "partial fill"
	}
	if target == "" {
		next.UpdatedAt = now()
		return next, nil
	}
	moved, err := Transition(next, target, reason, meta)
	if err != nil {
		return o, err
	}
	return moved, nil
}

// RecordVenueFill is RecordFill for a fill the venue reported under fillID.
// A fill id already on the order returns ErrDuplicateFill and the order is
// untouched, so at-least-once delivery cannot count a fill twice.
func RecordVenueFill(o OrderLifecycle, fillID string, fillSize, fillPrice float64, closingLinePrice *float64) (OrderLifecycle, error) {
	if fillID == "" {
		return o, fmt.Errorf("%w: order %s fill has no id", ErrInvalidFill, o.OrderID)
	}
	if slices.Contains(o.AppliedFillIDs, fillID) {
		return o, fmt.Errorf("%w: order %s fill %s", ErrDuplicateFill, o.OrderID, fillID)
	}
	next, err := RecordFill(o, fillSize, fillPrice, closingLinePrice)
	if err != nil {
		return o, err
	}
	next.AppliedFillIDs = append(slices.Clone(o.AppliedFillIDs), fillID)
	return next, nil
}

// CanRetry is true only for an ERROR order with retries left.
func CanRetry(o OrderLifecycle, maxRetries int) bool {
	return o.CurrentState == StateError && o.RetryCount < maxRetries
}

// PrepareRetry sends an ERROR order back to PENDING for another cycle.
func PrepareRetry(o OrderLifecycle, maxRetries int) (OrderLifecycle, error) {
	if o.CurrentState != StateError {
		return o, outOfOrder("PrepareRetry", o, StateError)
	}
	if o.RetryCount >= maxRetries {
		return o, fmt.Errorf("%w: order %s retried %d/%d times, last error: %s",
			ErrRetriesExhausted, o.OrderID, o.RetryCount, maxRetries, o.LastError)
	}
	next, err := Transition(o, StatePending, fmt.Sprintf("retry %d/%d", o.RetryCount+1, maxRetries),
		map[string]string{"previous_error": o.LastError})
	if err != nil {
		return o, err
	}
	next.RetryCount++
	next.LastError = ""
	return next, nil
}

// formatFloat renders v canonically. decimal panics on NaN/Inf, which can
// reach here from unvalidated signals.
func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return decimal.NewFromFloat(v).String()
}
