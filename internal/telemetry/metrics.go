// Package telemetry holds the Prometheus metrics of the pipeline.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

var (
	// Lifecycle metrics
	OrderTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyguard_order_transitions_total",
			Help: "Committed order state transitions",
		},
		[]string{"from", "to"},
	)

	OrdersClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyguard_orders_closed_total",
			Help: "Orders that reached a terminal state",
		},
		[]string{"state"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "polyguard_pipeline_duration_seconds",
			Help:    "Time to run one order through the pipeline",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// Risk metrics
	InvariantFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyguard_invariant_failures_total",
			Help: "Failed risk invariants",
		},
		[]string{"id", "severity"},
	)

	RiskCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "polyguard_risk_check_duration_seconds",
			Help:    "Risk engine evaluation time",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)

	RiskTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "polyguard_risk_timeouts_total",
			Help: "Risk evaluations that exceeded the deadline",
		},
	)

	// Toxicity metrics
	VPINGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polyguard_vpin",
			Help: "Latest VPIN per ticker",
		},
		[]string{"ticker"},
	)

	// Breaker metrics
	BreakerStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polyguard_breaker_state",
			Help: "1 for the current circuit breaker state, 0 for the others",
		},
		[]string{"state"},
	)

	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyguard_breaker_transitions_total",
			Help: "Circuit breaker state changes",
		},
		[]string{"from", "to"},
	)

	ExecutionOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyguard_execution_outcomes_total",
			Help: "Execution adapter outcomes",
		},
		[]string{"mode", "outcome"}, // success, rejected, error
	)

	// Reconciliation metrics
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyguard_reconciliations_total",
			Help: "Reconciliation results",
		},
		[]string{"result"}, // verified, drift, error
	)

	// NATS metrics
	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyguard_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"subject"},
	)

	NATSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyguard_nats_messages_received_total",
			Help: "Total number of NATS messages received",
		},
		[]string{"subject"},
	)
)

var breakerStates = []domain.BreakerState{
	domain.BreakerNormal, domain.BreakerCaution, domain.BreakerHalt, domain.BreakerRecovery,
}

// SetBreakerState flips the state gauge so exactly one series is 1.
func SetBreakerState(s domain.BreakerState) {
	for _, st := range breakerStates {
		v := 0.0
		if st == s {
			v = 1
		}
		BreakerStateGauge.WithLabelValues(string(st)).Set(v)
	}
}

// ObserveTransition counts one committed order transition.
func ObserveTransition(t domain.StateTransition) {
	OrderTransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	if t.To.IsTerminal() {
		OrdersClosedTotal.WithLabelValues(string(t.To)).Inc()
	}
}

// ObserveInvariants counts the failed entries of one evaluation.
func ObserveInvariants(results []domain.InvariantResult) {
	for _, r := range results {
		if !r.Passed {
			InvariantFailuresTotal.WithLabelValues(r.ID, string(r.Severity)).Inc()
		}
	}
}

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// Serve runs the /metrics endpoint until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
