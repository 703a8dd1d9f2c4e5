// Package breaker owns the process-wide circuit breaker. Every read and
// write goes through one mutex; Admit lets a caller act on the state while
// still holding it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/ports"
	"github.com/alejandrodnm/polyguard/internal/telemetry"
)

var (
	// ErrReasonRequired rejects a manual transition without a reason.
	ErrReasonRequired = errors.New("breaker: reason is required")
	// ErrInvalidState rejects an unknown target state.
	ErrInvalidState = errors.New("breaker: invalid state")
	// ErrNotHalted rejects a recovery that does not start from HALT.
	ErrNotHalted = errors.New("breaker: not halted")
)

// Config sets the failure thresholds. Failures accumulate across both.
type Config struct {
	CautionAfter int
	HaltAfter    int
}

// DefaultConfig is CAUTION after 3 consecutive failures, HALT after 5.
func DefaultConfig() Config { return Config{CautionAfter: 3, HaltAfter: 5} }

// Breaker is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	st        domain.CircuitBreakerState
	store     ports.BreakerStore
	publisher ports.EventPublisher
	now       func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithPublisher broadcasts every state change.
func WithPublisher(p ports.EventPublisher) Option {
	return func(b *Breaker) { b.publisher = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a NORMAL breaker. store may be nil.
func New(cfg Config, store ports.BreakerStore, opts ...Option) *Breaker {
	d := DefaultConfig()
	if cfg.CautionAfter <= 0 {
		cfg.CautionAfter = d.CautionAfter
	}
	if cfg.HaltAfter <= 0 {
		cfg.HaltAfter = d.HaltAfter
	}
	b := &Breaker{
		cfg:   cfg,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	b.st = domain.CircuitBreakerState{State: domain.BreakerNormal, LastTransitionAt: b.now()}
	telemetry.SetBreakerState(b.st.State)
	return b
}

// Restore loads the persisted state, if any. A missing record keeps NORMAL.
func (b *Breaker) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	st, err := b.store.LoadBreaker(ctx)
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("breaker.Restore: %w", err)
	}
	if !st.State.Valid() {
		return fmt.Errorf("breaker.Restore: %w: %q", ErrInvalidState, st.State)
	}
	b.mu.Lock()
	b.st = st
	b.mu.Unlock()
	telemetry.SetBreakerState(st.State)
	slog.Info("circuit breaker restored", "state", st.State, "failures", st.ConsecutiveFailures)
	return nil
}

// Snapshot returns a copy of the current state.
func (b *Breaker) Snapshot() domain.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// State returns the current mode.
func (b *Breaker) State() domain.BreakerState { return b.Snapshot().State }

// CanExecute is true in NORMAL and RECOVERY.
func (b *Breaker) CanExecute() bool { return b.State().CanExecute() }

// Admit calls fn with the current state while holding the lock, so no
// failure can move the breaker between the caller's read and its decision.
// fn must not call back into the Breaker.
func (b *Breaker) Admit(fn func(domain.CircuitBreakerState) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(b.st)
}

// RecordFailure counts one execution failure and escalates when a threshold
// is reached. A failure during RECOVERY goes straight back to HALT.
func (b *Breaker) RecordFailure(ctx context.Context, reason string) (domain.CircuitBreakerState, error) {
	b.mu.Lock()
	at := b.now()
	b.st.ConsecutiveFailures++
	b.st.LastFailureAt = at

	from, to := b.st.State, b.st.State
	switch from {
	case domain.BreakerNormal, domain.BreakerCaution:
		switch {
		case b.st.ConsecutiveFailures >= b.cfg.HaltAfter:
			to = domain.BreakerHalt
		case b.st.ConsecutiveFailures >= b.cfg.CautionAfter:
			to = domain.BreakerCaution
		}
	case domain.BreakerRecovery:
		to = domain.BreakerHalt
	}
	changed := to != from
	if changed {
		b.move(to, fmt.Sprintf("%d consecutive failures, last: %s", b.st.ConsecutiveFailures, reason), at)
	}
	st, err := b.persist(ctx)
	b.mu.Unlock()

	if changed {
		b.announce(ctx, from, st)
	}
	return st, err
}

// RecordSuccess zeroes the failure counter. In RECOVERY it also returns the
// breaker to NORMAL; in CAUTION the state is kept until an operator moves it.
func (b *Breaker) RecordSuccess(ctx context.Context) (domain.CircuitBreakerState, error) {
	b.mu.Lock()
	from := b.st.State
	hadFailures := b.st.ConsecutiveFailures > 0
	b.st.ConsecutiveFailures = 0
	changed := from == domain.BreakerRecovery
	if changed {
		b.move(domain.BreakerNormal, "successful execution in recovery", b.now())
	}
	var (
		st  = b.st
		err error
	)
	if changed || hadFailures {
		st, err = b.persist(ctx)
	}
	b.mu.Unlock()

	if changed {
		b.announce(ctx, from, st)
	}
	return st, err
}

// ForceTransition is the operator override. Moving to NORMAL or RECOVERY
// clears the failure counter.
func (b *Breaker) ForceTransition(ctx context.Context, to domain.BreakerState, reason string) (domain.CircuitBreakerState, error) {
	if reason == "" {
		return b.Snapshot(), ErrReasonRequired
	}
	if !to.Valid() {
		return b.Snapshot(), fmt.Errorf("%w: %q", ErrInvalidState, to)
	}

	b.mu.Lock()
	from := b.st.State
	if to == domain.BreakerNormal || to == domain.BreakerRecovery {
		b.st.ConsecutiveFailures = 0
	}
	b.move(to, "manual: "+reason, b.now())
	st, err := b.persist(ctx)
	b.mu.Unlock()

	b.announce(ctx, from, st)
	return st, err
}

// BeginRecovery moves a halted breaker to RECOVERY. The next success
// returns it to NORMAL and the next failure halts it again.
func (b *Breaker) BeginRecovery(ctx context.Context, reason string) (domain.CircuitBreakerState, error) {
	if st := b.Snapshot(); st.State != domain.BreakerHalt {
		return st, fmt.Errorf("%w: state is %s", ErrNotHalted, st.State)
	}
	return b.ForceTransition(ctx, domain.BreakerRecovery, reason)
}

// move must be called with mu held.
func (b *Breaker) move(to domain.BreakerState, reason string, at time.Time) {
	from := b.st.State
	b.st.State = to
	b.st.LastTransitionAt = at
	b.st.LastReason = reason
	telemetry.SetBreakerState(to)
	telemetry.BreakerTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()

	level := slog.LevelInfo
	if to == domain.BreakerHalt || to == domain.BreakerCaution {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker transition",
		"from", from,
		"to", to,
		"failures", b.st.ConsecutiveFailures,
		"reason", reason,
	)
}

// persist must be called with mu held so stored states are written in
// transition order.
func (b *Breaker) persist(ctx context.Context) (domain.CircuitBreakerState, error) {
	st := b.st
	if b.store == nil {
		return st, nil
	}
	if err := b.store.SaveBreaker(ctx, st); err != nil {
		return st, fmt.Errorf("breaker.persist: %w", err)
	}
	return st, nil
}

func (b *Breaker) announce(ctx context.Context, from domain.BreakerState, st domain.CircuitBreakerState) {
	if b.publisher == nil {
		return
	}
	if err := b.publisher.PublishBreaker(ctx, st); err != nil {
		slog.Warn("publish breaker state failed", "from", from, "to", st.State, "err", err)
	}
}
