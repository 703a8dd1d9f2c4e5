package domain

import (
	"fmt"
	"strings"
	"time"
)

// Price bounds for a binary contract, in cents.
const (
	MinPrice = 1
	MaxPrice = 99
)

// BeginPreTradeCheck admits a PENDING order into the pipeline.
func BeginPreTradeCheck(o OrderLifecycle) (OrderLifecycle, error) {
	if o.CurrentState != StatePending {
		return o, outOfOrder("BeginPreTradeCheck", o, StatePending)
	}
	return Transition(o, StatePreTradeCheck, "pre-trade check started", nil)
}

// StepPreTradeCheck applies the microstructure verdict: VALIDATING on pass,
// PRE_TRADE_FAILED (terminal) on failure.
func StepPreTradeCheck(o OrderLifecycle, res PreTradeCheckResult) (OrderLifecycle, error) {
	if o.CurrentState != StatePreTradeCheck {
		return o, outOfOrder("StepPreTradeCheck", o, StatePreTradeCheck)
	}
	meta := map[string]string{
		"vpin":     formatFloat(res.VPIN),
		"toxicity": string(res.Toxicity),
		"spread":   formatFloat(res.Spread),
	}

	next := o
	next.PreTradeCheckResult = &res
	if !res.Passed {
		reason := "pre-trade check failed: " + strings.Join(res.Reasons, "; ")
		moved, err := Terminate(next, StatePreTradeFailed, reason, meta)
		if err != nil {
			return o, err
		}
		return moved, nil
	}
	moved, err := Transition(next, StateValidating, "pre-trade check passed", meta)
	if err != nil {
		return o, err
	}
	return moved, nil
}

// ValidateOrder runs the structural checks on an order.
func ValidateOrder(o OrderLifecycle) ValidationResult {
	var errs []string
	if strings.TrimSpace(o.Ticker) == "" {
		errs = append(errs, "ticker is empty")
	}
	if !(o.RequestedSize > 0) {
		errs = append(errs, fmt.Sprintf("size must be > 0, got %v", o.RequestedSize))
	}
	if !(o.MaxPrice >= MinPrice && o.MaxPrice <= MaxPrice) {
		errs = append(errs, fmt.Sprintf("price must be within [%d, %d], got %v", MinPrice, MaxPrice, o.MaxPrice))
	}
	if !o.Side.Valid() {
		errs = append(errs, fmt.Sprintf("side must be YES or NO, got %q", o.Side))
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs, ValidatedAt: now()}
}

// StepValidate validates a VALIDATING order: VALIDATED on success,
// REJECTED (terminal, never retried) otherwise.
func StepValidate(o OrderLifecycle) (OrderLifecycle, error) {
	if o.CurrentState != StateValidating {
		return o, outOfOrder("StepValidate", o, StateValidating)
	}
	res := ValidateOrder(o)
	next := o
	next.ValidationResult = &res
	var (
		moved OrderLifecycle
		err   error
	)
	if res.Valid {
		moved, err = Transition(next, StateValidated, "structural validation passed", nil)
	} else {
		moved, err = Terminate(next, StateRejected, "validation failed: "+strings.Join(res.Errors, "; "), nil)
	}
	if err != nil {
		return o, err
	}
	return moved, nil
}

// BeginRiskCheck enters RISK_CHECK from VALIDATED or, as a retry, from
// RISK_TIMEOUT.
func BeginRiskCheck(o OrderLifecycle) (OrderLifecycle, error) {
	switch o.CurrentState {
	case StateValidated:
		return Transition(o, StateRiskCheck, "risk check started", nil)
	case StateRiskTimeout:
		return Transition(o, StateRiskCheck, fmt.Sprintf("risk check retry after %d timeout(s)", o.RiskTimeouts), nil)
	}
	return o, outOfOrder("BeginRiskCheck", o, StateValidated, StateRiskTimeout)
}

// StepApplyRiskResult applies the engine's decision. An approval with a
// smaller AdjustedSize shrinks RequestedSize.
func StepApplyRiskResult(o OrderLifecycle, res RiskCheckResult) (OrderLifecycle, error) {
	if o.CurrentState != StateRiskCheck {
		return o, outOfOrder("StepApplyRiskResult", o, StateRiskCheck)
	}
	next := o
	next.RiskCheckResult = &res

	if !res.Approved {
		reason := "risk rejected: " + strings.Join(res.BlockingFailures, "; ")
		moved, err := Terminate(next, StateRiskRejected, reason, map[string]string{
			"blocking": fmt.Sprint(len(res.BlockingFailures)),
		})
		if err != nil {
			return o, err
		}
		return moved, nil
	}

	meta := map[string]string{"warnings": fmt.Sprint(len(res.Warnings))}
	if res.AdjustedSize > 0 && res.AdjustedSize < next.RequestedSize {
		meta["requested_size"] = formatFloat(next.RequestedSize)
		meta["adjusted_size"] = formatFloat(res.AdjustedSize)
		next.RequestedSize = res.AdjustedSize
	}
	moved, err := Transition(next, StateRiskApproved, "risk approved", meta)
	if err != nil {
		return o, err
	}
	return moved, nil
}

// StepRiskTimeout records that the risk evaluation did not answer in time.
func StepRiskTimeout(o OrderLifecycle, waited time.Duration) (OrderLifecycle, error) {
	if o.CurrentState != StateRiskCheck {
		return o, outOfOrder("StepRiskTimeout", o, StateRiskCheck)
	}
	next, err := Transition(o, StateRiskTimeout, "risk check timed out",
		map[string]string{"waited": waited.String()})
	if err != nil {
		return o, err
	}
	next.RiskTimeouts++
	return next, nil
}

// BeginSubmission moves an approved order to SUBMITTING right before the
// execution adapter is called.
func BeginSubmission(o OrderLifecycle) (OrderLifecycle, error) {
	if o.CurrentState != StateRiskApproved {
		return o, outOfOrder("BeginSubmission", o, StateRiskApproved)
	}
	return Transition(o, StateSubmitting, "submitting to execution adapter", nil)
}

// StepApplyExecutionResult applies the adapter answer to a SUBMITTING
// order: SUBMITTED when accepted (a paper fill is recorded separately via
// RecordFill), REJECTED when the venue refused it, ERROR otherwise.
func StepApplyExecutionResult(o OrderLifecycle, res ExecutionResult) (OrderLifecycle, error) {
	if o.CurrentState != StateSubmitting {
		return o, outOfOrder("StepApplyExecutionResult", o, StateSubmitting)
	}
	next := o
	next.ExecutionResult = &res
	meta := map[string]string{"mode": string(res.Mode), "status": string(res.Status)}

	var (
		moved OrderLifecycle
		err   error
	)
	switch {
	case res.Status == ExecRejected:
		moved, err = Terminate(next, StateRejected, "venue rejected order: "+res.RejectionReason, meta)
	case res.Success:
		next.VenueOrderID = res.VenueOrderID
		if res.VenueOrderID != "" {
			meta["venue_order_id"] = res.VenueOrderID
		}
		moved, err = Transition(next, StateSubmitted, "order submitted", meta)
	default:
		cause := res.Error
		if cause == "" {
			cause = "execution failed without detail"
		}
		moved, err = Terminate(next, StateError, "execution error: "+cause, meta)
	}
	if err != nil {
		return o, err
	}
	return moved, nil
}

// StepOrderAcknowledged records the venue acknowledgment of a SUBMITTED order.
func StepOrderAcknowledged(o OrderLifecycle, venueOrderID string) (OrderLifecycle, error) {
	if o.CurrentState != StateSubmitted {
		return o, outOfOrder("StepOrderAcknowledged", o, StateSubmitted)
	}
	next := o
	if venueOrderID != "" {
		next.VenueOrderID = venueOrderID
	}
	moved, err := Transition(next, StateOrderAcknowledged, "venue acknowledged order",
		map[string]string{"venue_order_id": next.VenueOrderID})
	if err != nil {
		return o, err
	}
	return moved, nil
}

// StepPriceMoveCancel cancels a resting order because the market moved away
// from the price it was sized for.
func StepPriceMoveCancel(o OrderLifecycle, referencePrice, currentPrice float64) (OrderLifecycle, error) {
	if o.CurrentState != StateSubmitted && o.CurrentState != StateOrderAcknowledged {
		return o, outOfOrder("StepPriceMoveCancel", o, StateSubmitted, StateOrderAcknowledged)
	}
	movePct := 0.0
	if referencePrice != 0 {
		movePct = (currentPrice - referencePrice) / referencePrice * 100
	}
	reason := fmt.Sprintf("price moved %.2f%% (%.2f -> %.2f)", movePct, referencePrice, currentPrice)
	return Terminate(o, StatePriceMoveCancel, reason, map[string]string{
		"reference_price": formatFloat(referencePrice),
		"current_price":   formatFloat(currentPrice),
	})
}

// StepReconcile applies a reconciliation result. From FILLED it moves to
// RECONCILED or RECONCILIATION_DRIFT; from RECONCILIATION_DRIFT a verified
// result resolves to RECONCILED, an unverified one only refreshes the stored
// result.
func StepReconcile(o OrderLifecycle, res ReconciliationResult) (OrderLifecycle, error) {
	if o.CurrentState != StateFilled && o.CurrentState != StateReconciliationDrift {
		return o, outOfOrder("StepReconcile", o, StateFilled, StateReconciliationDrift)
	}
	next := o
	next.ReconciliationResult = &res
	meta := map[string]string{
		"expected_size": formatFloat(res.ExpectedSize),
		"broker_size":   formatFloat(res.BrokerSize),
		"drift_pct":     formatFloat(res.DriftPct),
	}

	switch {
	case res.Verified:
		moved, err := Transition(next, StateReconciled, "position reconciled", meta)
		if err != nil {
			return o, err
		}
		moved.LastError = ""
		return moved, nil
	case o.CurrentState == StateFilled:
		reason := fmt.Sprintf("reconciliation drift %.2f%%: expected %v, broker %v",
			res.DriftPct, res.ExpectedSize, res.BrokerSize)
		moved, err := Terminate(next, StateReconciliationDrift, reason, meta)
		if err != nil {
			return o, err
		}
		return moved, nil
	}
	next.UpdatedAt = now()
	return next, nil
}

// StepArchive closes a RECONCILED order with its final PnL.
func StepArchive(o OrderLifecycle, pnl float64, notes string) (OrderLifecycle, error) {
	if o.CurrentState != StateReconciled {
		return o, outOfOrder("StepArchive", o, StateReconciled)
	}
	next := o
	p := pnl
	next.FinalPnL = &p
	next.ArchiveNotes = notes
	moved, err := Transition(next, StateArchived, "order archived", map[string]string{"pnl": formatFloat(pnl)})
	if err != nil {
		return o, err
	}
	return moved, nil
}
