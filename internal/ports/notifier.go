package ports

import (
	"context"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// Notifier reports orders that reached a final or operator-relevant state.
type Notifier interface {
	NotifyOrder(ctx context.Context, o domain.OrderLifecycle) error
}

// EventPublisher broadcasts every committed state transition.
type EventPublisher interface {
	PublishTransition(ctx context.Context, o domain.OrderLifecycle, t domain.StateTransition) error
	PublishBreaker(ctx context.Context, s domain.CircuitBreakerState) error
}
