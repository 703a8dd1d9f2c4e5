package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/telemetry"
)

// HandleExecutionEvent applies one asynchronous venue event to its order.
// An event that does not fit the order's state returns an error wrapping
// domain.ErrOutOfOrder or *domain.InvalidTransitionError and changes
// nothing. Fills are deduplicated on their venue fill id, so a redelivered
// fill returns domain.ErrDuplicateFill.
func (o *Orchestrator) HandleExecutionEvent(ctx context.Context, ev domain.ExecutionEvent) (domain.OrderLifecycle, error) {
	order, err := o.store.LoadOrder(ctx, ev.OrderID)
	if err != nil {
		return order, fmt.Errorf("orchestrator.HandleExecutionEvent: %w", err)
	}

	var next domain.OrderLifecycle
	switch ev.Type {
	case domain.EventAcknowledged:
		next, err = domain.StepOrderAcknowledged(order, ev.VenueOrderID)
	case domain.EventFill:
		next, err = domain.RecordVenueFill(order, ev.FillID, ev.FillSize, ev.FillPrice, ev.ClosingLinePrice)
	case domain.EventPriceMoveCancel:
		next, err = domain.StepPriceMoveCancel(order, ev.ReferencePrice, ev.CurrentPrice)
	case domain.EventCancelled:
		next, err = domain.Terminate(order, domain.StateCancelled, eventReason(ev, "cancelled by venue"), nil)
	case domain.EventExpired:
		next, err = domain.Terminate(order, domain.StateExpired, eventReason(ev, "order expired"), nil)
	case domain.EventError:
		next, err = domain.MarkError(order, eventReason(ev, "venue error"))
		if err == nil {
			if _, berr := o.breaker.RecordFailure(ctx, next.LastError); berr != nil {
				slog.Error("circuit breaker update failed", "order_id", order.OrderID, "err", berr)
			}
			telemetry.ExecutionOutcomesTotal.WithLabelValues(string(domain.ModeLive), "error").Inc()
		}
	default:
		return order, fmt.Errorf("orchestrator.HandleExecutionEvent: unknown event type %q", ev.Type)
	}
	if err != nil {
		return order, fmt.Errorf("orchestrator.HandleExecutionEvent: %s: %w", ev.Type, err)
	}
	return o.commit(ctx, order, next)
}

func eventReason(ev domain.ExecutionEvent, fallback string) string {
	if ev.Reason != "" {
		return ev.Reason
	}
	return fallback
}
