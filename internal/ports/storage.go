package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// ErrNotFound is returned by stores when the key does not exist.
var ErrNotFound = errors.New("not found")

// OrderStore persiste snapshots completos de órdenes, historial incluido.
type OrderStore interface {
	// SaveOrder inserta o reemplaza el snapshot de la orden.
	SaveOrder(ctx context.Context, o domain.OrderLifecycle) error

	// LoadOrder devuelve ErrNotFound si la orden no existe.
	LoadOrder(ctx context.Context, orderID string) (domain.OrderLifecycle, error)

	// ListOrdersByState devuelve las órdenes en cualquiera de los estados dados.
	ListOrdersByState(ctx context.Context, states ...domain.OrderState) ([]domain.OrderLifecycle, error)
}

// BreakerStore persiste el estado del circuit breaker entre reinicios.
type BreakerStore interface {
	SaveBreaker(ctx context.Context, s domain.CircuitBreakerState) error

	// LoadBreaker devuelve ErrNotFound si nunca se guardó.
	LoadBreaker(ctx context.Context) (domain.CircuitBreakerState, error)
}
