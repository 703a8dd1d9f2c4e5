package domain

import "fmt"

// OrderState is one node of the order lifecycle graph.
type OrderState string

const (
	StatePending             OrderState = "PENDING"
	StatePreTradeCheck       OrderState = "PRE_TRADE_CHECK"
	StatePreTradeFailed      OrderState = "PRE_TRADE_FAILED"
	StateValidating          OrderState = "VALIDATING"
	StateValidated           OrderState = "VALIDATED"
	StateRiskCheck           OrderState = "RISK_CHECK"
	StateRiskApproved        OrderState = "RISK_APPROVED"
	StateRiskRejected        OrderState = "RISK_REJECTED"
	StateRiskTimeout         OrderState = "RISK_TIMEOUT"
	StateSubmitting          OrderState = "SUBMITTING"
	StateSubmitted           OrderState = "SUBMITTED"
	StateOrderAcknowledged   OrderState = "ORDER_ACKNOWLEDGED"
	StatePartialFill         OrderState = "PARTIAL_FILL"
	StateFilled              OrderState = "FILLED"
	StatePriceMoveCancel     OrderState = "PRICE_MOVE_CANCEL"
	StateReconciled          OrderState = "RECONCILED"
	StateReconciliationDrift OrderState = "RECONCILIATION_DRIFT"
	StateArchived            OrderState = "ARCHIVED"
	StateRejected            OrderState = "REJECTED"
	StateCancelled           OrderState = "CANCELLED"
	StateExpired             OrderState = "EXPIRED"
	StateError               OrderState = "ERROR"
)

// AllOrderStates lists every state in declaration order.
var AllOrderStates = [...]OrderState{
	StatePending,
	StatePreTradeCheck,
	StatePreTradeFailed,
	StateValidating,
	StateValidated,
	StateRiskCheck,
	StateRiskApproved,
	StateRiskRejected,
	StateRiskTimeout,
	StateSubmitting,
	StateSubmitted,
	StateOrderAcknowledged,
	StatePartialFill,
	StateFilled,
	StatePriceMoveCancel,
	StateReconciled,
	StateReconciliationDrift,
	StateArchived,
	StateRejected,
	StateCancelled,
	StateExpired,
	StateError,
}

// transitions is the complete adjacency table. Every state has a key; an
// empty successor list marks a terminal state.
var transitions = map[OrderState][]OrderState{
	StatePending:        {StatePreTradeCheck, StateValidating, StateCancelled, StateError},
	StatePreTradeCheck:  {StateValidating, StatePreTradeFailed, StateError},
	StatePreTradeFailed: nil,
	StateValidating:     {StateValidated, StateRejected, StateError},
	StateValidated:      {StateRiskCheck, StateCancelled, StateError},
	StateRiskCheck:      {StateRiskApproved, StateRiskRejected, StateRiskTimeout, StateError},
	StateRiskApproved:   {StateSubmitting, StateCancelled, StateError},
	StateRiskRejected:   nil,
	StateRiskTimeout:    {StateRiskCheck, StateCancelled},
	StateSubmitting:     {StateSubmitted, StateRejected, StateError},
	StateSubmitted: {
		StateOrderAcknowledged, StatePartialFill, StateFilled,
		StatePriceMoveCancel, StateCancelled, StateExpired, StateError,
	},
	StateOrderAcknowledged: {
		StatePartialFill, StateFilled,
		StatePriceMoveCancel, StateCancelled, StateExpired, StateError,
	},
	StatePartialFill:         {StateFilled, StateCancelled, StateExpired, StateError},
	StateFilled:              {StateReconciled, StateReconciliationDrift},
	StatePriceMoveCancel:     nil,
	StateReconciled:          {StateArchived},
	StateReconciliationDrift: {StateReconciled},
	StateArchived:            nil,
	StateRejected:            nil,
	StateCancelled:           nil,
	StateExpired:             nil,
	StateError:               {StatePending},
}

// A state added to AllOrderStates without a row in the table is caught at
// package init rather than surfacing later as a silently terminal state.
func init() {
	if len(transitions) != len(AllOrderStates) {
		panic(fmt.Sprintf("domain: transition table has %d rows, want %d", len(transitions), len(AllOrderStates)))
	}
	for _, s := range AllOrderStates {
		if _, ok := transitions[s]; !ok {
			panic(fmt.Sprintf("domain: state %s missing from transition table", s))
		}
	}
}

// IsValidTransition reports whether the table allows from → to.
func IsValidTransition(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the successors of s.
func AllowedTransitions(s OrderState) []OrderState {
	out := make([]OrderState, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// IsTerminal reports whether s has no successors. ERROR is not terminal: it
// can be retried back into PENDING.
func (s OrderState) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Valid reports whether s is one of the known states.
func (s OrderState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s OrderState) String() string { return string(s) }

// closesOrder lists the states that stamp ClosedAt on entry.
func (s OrderState) closesOrder() bool {
	switch s {
	case StateFilled, StateArchived,
		StatePreTradeFailed, StateRejected, StateRiskRejected,
		StateCancelled, StateExpired, StatePriceMoveCancel:
		return true
	}
	return false
}
