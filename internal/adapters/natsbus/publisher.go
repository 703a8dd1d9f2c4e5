package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/telemetry"
)

// DefaultPrefix roots every subject.
const DefaultPrefix = "polyguard"

// Sender is the part of *nats.Conn the publisher uses.
type Sender interface {
	Publish(subject string, data []byte) error
}

// TransitionEvent is the payload published on <prefix>.orders.<state>.
type TransitionEvent struct {
	OrderID    string            `json:"order_id"`
	SignalID   string            `json:"signal_id"`
	Ticker     string            `json:"ticker"`
	Side       domain.Side       `json:"side"`
	From       domain.OrderState `json:"from"`
	To         domain.OrderState `json:"to"`
	At         time.Time         `json:"at"`
	Reason     string            `json:"reason"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	FilledSize float64           `json:"filled_size"`
	LastError  string            `json:"last_error,omitempty"`
}

// Publisher implements ports.EventPublisher.
type Publisher struct {
	conn   Sender
	prefix string
}

// NewPublisher publishes under prefix, DefaultPrefix when empty.
func NewPublisher(conn Sender, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{conn: conn, prefix: prefix}
}

// TransitionSubject is the subject a transition into state is published on.
func (p *Publisher) TransitionSubject(state domain.OrderState) string {
	return p.prefix + ".orders." + strings.ToLower(string(state))
}

// BreakerSubject carries circuit breaker changes.
func (p *Publisher) BreakerSubject() string { return p.prefix + ".breaker" }

func (p *Publisher) PublishTransition(_ context.Context, o domain.OrderLifecycle, t domain.StateTransition) error {
	ev := TransitionEvent{
		OrderID:    o.OrderID,
		SignalID:   o.SignalID,
		Ticker:     o.Ticker,
		Side:       o.Side,
		From:       t.From,
		To:         t.To,
		At:         t.At,
		Reason:     t.Reason,
		Metadata:   t.Metadata,
		FilledSize: o.FilledSize,
		LastError:  o.LastError,
	}
	return p.send(p.TransitionSubject(t.To), ev)
}

func (p *Publisher) PublishBreaker(_ context.Context, s domain.CircuitBreakerState) error {
	return p.send(p.BreakerSubject(), s)
}

func (p *Publisher) send(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsbus.send: marshal: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("natsbus.send: %s: %w", subject, err)
	}
	telemetry.NATSMessagesPublished.WithLabelValues(subject).Inc()
	return nil
}
