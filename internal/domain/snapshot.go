package domain

import (
	"encoding/json"
	"fmt"
)

// MarshalSnapshot encodes the whole order, history included.
func MarshalSnapshot(o OrderLifecycle) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("domain.MarshalSnapshot: order %s: %w", o.OrderID, err)
	}
	return b, nil
}

// UnmarshalSnapshot decodes a snapshot and checks that its state and
// history are consistent with the lifecycle graph.
func UnmarshalSnapshot(data []byte) (OrderLifecycle, error) {
	var o OrderLifecycle
	if err := json.Unmarshal(data, &o); err != nil {
		return OrderLifecycle{}, fmt.Errorf("domain.UnmarshalSnapshot: %w", err)
	}
	if !o.CurrentState.Valid() {
		return OrderLifecycle{}, fmt.Errorf("domain.UnmarshalSnapshot: order %s: unknown state %q", o.OrderID, o.CurrentState)
	}
	if len(o.StateHistory) == 0 {
		return OrderLifecycle{}, fmt.Errorf("domain.UnmarshalSnapshot: order %s: empty history", o.OrderID)
	}
	for i, t := range o.StateHistory[1:] {
		if !IsValidTransition(t.From, t.To) {
			return OrderLifecycle{}, fmt.Errorf("domain.UnmarshalSnapshot: order %s: history entry %d: %s -> %s not allowed",
				o.OrderID, i+1, t.From, t.To)
		}
	}
	if last := o.LastTransition(); last.To != o.CurrentState {
		return OrderLifecycle{}, fmt.Errorf("domain.UnmarshalSnapshot: order %s: state %s does not match history tail %s",
			o.OrderID, o.CurrentState, last.To)
	}
	return o, nil
}
