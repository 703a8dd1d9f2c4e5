package domain

import "time"

// BreakerState is the global circuit breaker mode.
type BreakerState string

const (
	BreakerNormal   BreakerState = "NORMAL"
	BreakerCaution  BreakerState = "CAUTION"
	BreakerHalt     BreakerState = "HALT"
	BreakerRecovery BreakerState = "RECOVERY"
)

// Valid reports whether s is a known breaker state.
func (s BreakerState) Valid() bool {
	switch s {
	case BreakerNormal, BreakerCaution, BreakerHalt, BreakerRecovery:
		return true
	}
	return false
}

// CanExecute is true only in NORMAL or RECOVERY.
func (s BreakerState) CanExecute() bool {
	return s == BreakerNormal || s == BreakerRecovery
}

// CircuitBreakerState is the persisted view of the breaker.
type CircuitBreakerState struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at"`
	LastTransitionAt    time.Time    `json:"last_transition_at"`
	LastReason          string       `json:"last_reason,omitempty"`
}
