package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/telemetry"
)

type captured struct {
	subject string
	data    []byte
}

type fakeSender struct {
	msgs []captured
	err  error
}

func (f *fakeSender) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, captured{subject, data})
	return nil
}

func TestPublisher_Transition(t *testing.T) {
	sender := &fakeSender{}
	p := NewPublisher(sender, "")

	o := domain.OrderLifecycle{OrderID: "o-1", SignalID: "s-1", Ticker: "T", Side: domain.SideYes, FilledSize: 10}
	tr := domain.StateTransition{
		From:     domain.StateSubmitted,
		To:       domain.StateFilled,
		At:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Reason:   "order fully filled",
		Metadata: map[string]string{"fill_price": "54"},
	}
	subject := "polyguard.orders.filled"
	before := testutil.ToFloat64(telemetry.NATSMessagesPublished.WithLabelValues(subject))

	require.NoError(t, p.PublishTransition(context.Background(), o, tr))
	require.Len(t, sender.msgs, 1)
	assert.Equal(t, subject, sender.msgs[0].subject)

	var ev TransitionEvent
	require.NoError(t, json.Unmarshal(sender.msgs[0].data, &ev))
	assert.Equal(t, "o-1", ev.OrderID)
	assert.Equal(t, domain.StateFilled, ev.To)
	assert.Equal(t, "54", ev.Metadata["fill_price"])
	assert.Equal(t, 10.0, ev.FilledSize)
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.NATSMessagesPublished.WithLabelValues(subject)))
}

func TestPublisher_Breaker(t *testing.T) {
	sender := &fakeSender{}
	p := NewPublisher(sender, "desk1")
	require.NoError(t, p.PublishBreaker(context.Background(), domain.CircuitBreakerState{State: domain.BreakerHalt, LastReason: "5 failures"}))

	require.Len(t, sender.msgs, 1)
	assert.Equal(t, "desk1.breaker", sender.msgs[0].subject)
	var st domain.CircuitBreakerState
	require.NoError(t, json.Unmarshal(sender.msgs[0].data, &st))
	assert.Equal(t, domain.BreakerHalt, st.State)
}

func TestPublisher_SendError(t *testing.T) {
	p := NewPublisher(&fakeSender{err: errors.New("nats: connection closed")}, "")
	err := p.PublishBreaker(context.Background(), domain.CircuitBreakerState{})
	assert.ErrorContains(t, err, "connection closed")
}

func TestDecodeExecutionEvent(t *testing.T) {
	ev, err := DecodeExecutionEvent([]byte(`{"order_id":"o-1","type":"fill","fill_id":"t-9","fill_size":4,"fill_price":54,"closing_line_price":60}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventFill, ev.Type)
	assert.Equal(t, 4.0, ev.FillSize)
	assert.Equal(t, "t-9", ev.FillID)
	require.NotNil(t, ev.ClosingLinePrice)
	assert.Equal(t, 60.0, *ev.ClosingLinePrice)
	assert.False(t, ev.At.IsZero())

	for _, bad := range []string{`{`, `{"type":"ack"}`, `{"order_id":"o-1"}`, `{"order_id":"o-1","type":"fill","fill_size":4,"fill_price":54}`} {
		_, err := DecodeExecutionEvent([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestExecutionProcessor(t *testing.T) {
	var got []domain.ExecutionEvent
	handler := func(_ context.Context, ev domain.ExecutionEvent) (domain.OrderLifecycle, error) {
		got = append(got, ev)
		switch ev.OrderID {
		case "stale":
			return domain.OrderLifecycle{}, fmt.Errorf("wrapped: %w", domain.ErrOutOfOrder)
		case "broken":
			return domain.OrderLifecycle{}, errors.New("store down")
		}
		return domain.OrderLifecycle{OrderID: ev.OrderID, CurrentState: domain.StateOrderAcknowledged}, nil
	}
	s := NewExecutionSubscriber(nil, "venue.events", "polyguard", handler)
	ctx := context.Background()

	assert.NoError(t, s.handle(ctx, []byte(`{"order_id":"o-1","type":"ack"}`)))
	assert.NoError(t, s.handle(ctx, []byte(`{"order_id":"stale","type":"ack"}`)), "redelivery is not an error")
	assert.ErrorContains(t, s.handle(ctx, []byte(`{"order_id":"broken","type":"ack"}`)), "store down")
	assert.Error(t, s.handle(ctx, []byte(`not json`)))
	assert.Len(t, got, 3)
}

func TestDecodeSignal(t *testing.T) {
	sig, err := DecodeSignal([]byte(`{"signal_id":"signal-001","strategy":"bonding","ticker":"TICKER","side":"yes","size":10,"max_price":55}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SideYes, sig.Side)
	assert.Equal(t, 55.0, sig.MaxPrice)

	_, err = DecodeSignal([]byte(`{"ticker":"TICKER"}`))
	assert.ErrorContains(t, err, "signal_id")
}

func TestSignalProcessor(t *testing.T) {
	var seen domain.Signal
	s := NewSignalSubscriber(nil, "polyguard.signals", "polyguard", func(_ context.Context, sig domain.Signal) (domain.OrderLifecycle, error) {
		seen = sig
		if sig.Ticker == "DOWN" {
			return domain.OrderLifecycle{}, errors.New("no book for DOWN")
		}
		return domain.OrderLifecycle{OrderID: "o-1", CurrentState: domain.StateFilled}, nil
	})
	ctx := context.Background()

	require.NoError(t, s.handle(ctx, []byte(`{"signal_id":"s-1","ticker":"TICKER","side":"NO"}`)))
	assert.Equal(t, domain.SideNo, seen.Side)
	assert.ErrorContains(t, s.handle(ctx, []byte(`{"signal_id":"s-2","ticker":"DOWN"}`)), "signal s-2")
}

func TestSubscriber_StopWaitsThenDrops(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	s := NewExecutionSubscriber(nil, "venue.executions", "polyguard", nil)
	s.handle = func(context.Context, []byte) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}

	go s.onMessage(&nats.Msg{Subject: "venue.executions", Data: []byte(`{}`)})
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-stopped)

	s.onMessage(&nats.Msg{Subject: "venue.executions", Data: []byte(`{}`)})
	assert.Equal(t, int32(1), calls.Load(), "messages after Stop are dropped")
}
