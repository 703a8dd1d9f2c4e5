package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfOrder is returned when a step is applied to an order that is
	// not in the state the step requires.
	ErrOutOfOrder = errors.New("step called out of order")

	// ErrRetriesExhausted means the order used all its retries and needs an
	// operator.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrInvalidFill rejects non-positive fill sizes or prices.
	ErrInvalidFill = errors.New("invalid fill")

	// ErrDuplicateFill means the venue fill id was already applied. It wraps
	// ErrOutOfOrder so redelivered fills are treated as stale events.
	ErrDuplicateFill = fmt.Errorf("%w: duplicate fill", ErrOutOfOrder)
)

// InvalidTransitionError is a contract violation: the caller asked for an
// edge that does not exist in the lifecycle graph.
type InvalidTransitionError struct {
	OrderID string
	From    OrderState
	To      OrderState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for order %s: %s -> %s", e.OrderID, e.From, e.To)
}

// IsInvalidTransition reports whether err is (or wraps) an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

func outOfOrder(step string, o OrderLifecycle, want ...OrderState) error {
	return fmt.Errorf("%w: %s requires %v, order %s is %s", ErrOutOfOrder, step, want, o.OrderID, o.CurrentState)
}
