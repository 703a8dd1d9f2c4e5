package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/telemetry"
)

// ExecutionHandler applies one venue event. It is satisfied by the
// orchestrator's HandleExecutionEvent.
type ExecutionHandler func(ctx context.Context, ev domain.ExecutionEvent) (domain.OrderLifecycle, error)

// SignalHandler runs one trading signal through the pipeline.
type SignalHandler func(ctx context.Context, sig domain.Signal) (domain.OrderLifecycle, error)

// Subscriber consumes one subject from a queue group, so several processes
// can share the stream with each message handled once.
type Subscriber struct {
	conn    *nats.Conn
	subject string
	queue   string
	handle  func(ctx context.Context, data []byte) error
	timeout time.Duration

	sub      *nats.Subscription
	mu       sync.Mutex // guards stopped and wg.Add
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewExecutionSubscriber feeds venue execution events to h.
func NewExecutionSubscriber(conn *nats.Conn, subject, queue string, h ExecutionHandler) *Subscriber {
	return &Subscriber{
		conn:    conn,
		subject: subject,
		queue:   queue,
		handle:  executionProcessor(h),
		timeout: 10 * time.Second,
	}
}

// NewSignalSubscriber feeds trading signals to h. A signal runs the whole
// pre-trade pipeline, hence the longer deadline.
func NewSignalSubscriber(conn *nats.Conn, subject, queue string, h SignalHandler) *Subscriber {
	return &Subscriber{
		conn:    conn,
		subject: subject,
		queue:   queue,
		handle:  signalProcessor(h),
		timeout: 30 * time.Second,
	}
}

// Start subscribes.
func (s *Subscriber) Start() error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, s.onMessage)
	if err != nil {
		return fmt.Errorf("natsbus.Start: subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	slog.Info("nats subscription started", "subject", s.subject, "queue", s.queue)
	return nil
}

// Stop unsubscribes and waits for in-flight handlers. Messages delivered
// after Stop are dropped.
func (s *Subscriber) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		if s.sub != nil {
			err = s.sub.Unsubscribe()
		}
		s.wg.Wait()
	})
	return err
}

func (s *Subscriber) onMessage(msg *nats.Msg) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	telemetry.NATSMessagesReceived.WithLabelValues(msg.Subject).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.handle(ctx, msg.Data); err != nil {
		slog.Warn("nats message dropped", "subject", msg.Subject, "err", err)
	}
}

// executionProcessor drops events that do not fit the order's state:
// redeliveries land here.
func executionProcessor(h ExecutionHandler) func(context.Context, []byte) error {
	return func(ctx context.Context, data []byte) error {
		ev, err := DecodeExecutionEvent(data)
		if err != nil {
			return err
		}
		o, err := h(ctx, ev)
		if err != nil {
			if stale(err) {
				slog.Info("stale execution event ignored", "order_id", ev.OrderID, "type", ev.Type, "err", err)
				return nil
			}
			return err
		}
		slog.Debug("execution event applied", "order_id", o.OrderID, "type", ev.Type, "state", o.CurrentState)
		return nil
	}
}

func signalProcessor(h SignalHandler) func(context.Context, []byte) error {
	return func(ctx context.Context, data []byte) error {
		sig, err := DecodeSignal(data)
		if err != nil {
			return err
		}
		o, err := h(ctx, sig)
		if err != nil {
			return fmt.Errorf("signal %s: %w", sig.SignalID, err)
		}
		slog.Info("signal processed", "signal_id", sig.SignalID, "order_id", o.OrderID, "state", o.CurrentState)
		return nil
	}
}

func stale(err error) bool {
	return errors.Is(err, domain.ErrOutOfOrder) || domain.IsInvalidTransition(err)
}

// DecodeExecutionEvent parses a JSON venue event. order_id and type are
// required, fills also need fill_id; a missing timestamp is set to now.
func DecodeExecutionEvent(data []byte) (domain.ExecutionEvent, error) {
	var ev domain.ExecutionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("natsbus.DecodeExecutionEvent: %w", err)
	}
	if ev.OrderID == "" {
		return ev, errors.New("natsbus.DecodeExecutionEvent: order_id is required")
	}
	if ev.Type == "" {
		return ev, errors.New("natsbus.DecodeExecutionEvent: type is required")
	}
	if ev.Type == domain.EventFill && ev.FillID == "" {
		return ev, errors.New("natsbus.DecodeExecutionEvent: fill_id is required on fills")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev, nil
}

// DecodeSignal parses a JSON trading signal. The side is upper-cased;
// field ranges are left to order validation.
func DecodeSignal(data []byte) (domain.Signal, error) {
	var sig domain.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return sig, fmt.Errorf("natsbus.DecodeSignal: %w", err)
	}
	if sig.SignalID == "" {
		return sig, errors.New("natsbus.DecodeSignal: signal_id is required")
	}
	sig.Side = domain.Side(strings.ToUpper(string(sig.Side)))
	return sig, nil
}
