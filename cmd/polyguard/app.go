package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/alejandrodnm/polyguard/config"
	"github.com/alejandrodnm/polyguard/internal/adapters/natsbus"
	"github.com/alejandrodnm/polyguard/internal/adapters/notify"
	"github.com/alejandrodnm/polyguard/internal/adapters/paper"
	"github.com/alejandrodnm/polyguard/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyguard/internal/adapters/storage"
	"github.com/alejandrodnm/polyguard/internal/application/breaker"
	"github.com/alejandrodnm/polyguard/internal/application/operator"
	"github.com/alejandrodnm/polyguard/internal/application/orchestrator"
	"github.com/alejandrodnm/polyguard/internal/application/reconcile"
	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/domain/risk"
	"github.com/alejandrodnm/polyguard/internal/ports"
	"github.com/alejandrodnm/polyguard/internal/telemetry"
)

// app holds every wired component of one process.
type app struct {
	cfg     *config.Config
	store   *storage.SQLiteStorage
	nc      *nats.Conn
	breaker *breaker.Breaker
	orch    *orchestrator.Orchestrator
	op      *operator.Operator
	batch   *reconcile.Batch
	console *notify.Console
	builder orchestrator.ContextBuilder
}

func newApp(ctx context.Context, cfg *config.Config, table bool) (*app, error) {
	a := &app{cfg: cfg, console: notify.NewConsole(table)}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", cfg.Storage.DSN, err)
	}
	a.store = store
	if err := store.ApplyPaperSchema(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var pub *natsbus.Publisher
	if cfg.NATS.URL != "" {
		a.nc, err = natsbus.Connect(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			a.Close()
			return nil, err
		}
		pub = natsbus.NewPublisher(a.nc, cfg.NATS.SubjectPrefix)
	}

	var breakerOpts []breaker.Option
	orchOpts := []orchestrator.Option{orchestrator.WithNotifier(a.console)}
	if pub != nil {
		breakerOpts = append(breakerOpts, breaker.WithPublisher(pub))
		orchOpts = append(orchOpts, orchestrator.WithPublisher(pub))
	}
	a.breaker = breaker.New(cfg.BreakerParams(), store, breakerOpts...)
	if err := a.breaker.Restore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	executor, positions := a.venue()
	reconciler := paper.NewReconciler(store, positions, cfg.Reconcile.TolerancePct)
	engine := risk.NewEngine(cfg.RiskLimits(), risk.WithParallel(cfg.Risk.Parallel))
	a.orch = orchestrator.New(cfg.OrchestratorParams(), store, a.breaker, engine, executor, reconciler, orchOpts...)

	client := polymarket.NewClient(cfg.Endpoints())
	a.builder = orchestrator.ContextBuilder{
		Markets:       client,
		Books:         client,
		Feed:          client,
		Toxicity:      cfg.ToxicityParams(),
		TradeWindow:   cfg.TradeWindow(),
		DepthDistance: cfg.Orchestrator.DepthDistanceCents,
	}
	a.op = operator.New(a.breaker, store, a.orch, a.marketContext)
	a.batch = reconcile.New(cfg.ReconcileParams(), store, a.orch)
	return a, nil
}

// venue picks the execution adapter and the broker position source.
func (a *app) venue() (ports.ExecutionAdapter, ports.PositionSource) {
	if a.cfg.Orchestrator.Mode == "live" {
		gw := natsbus.NewGateway(a.nc, a.cfg.NATS.GatewayPrefix, a.cfg.RequestTimeout())
		return gw, gw
	}
	return paper.NewExecutor(a.cfg.PaperParams(), a.store), a.store
}

// marketContext fetches the live market for an order and attaches the
// current portfolio.
func (a *app) marketContext(ctx context.Context, o domain.OrderLifecycle) (orchestrator.MarketContext, error) {
	mc, err := a.builder.Build(ctx, o.Ticker, o.Side)
	if err != nil {
		return mc, err
	}
	mc.Portfolio, err = loadPortfolio(ctx, a.store, a.cfg.Portfolio, o.OrderID)
	if err != nil {
		return mc, err
	}
	mc.SystemHealthy = a.healthy()
	return mc, nil
}

func (a *app) healthy() bool {
	return a.nc == nil || a.nc.IsConnected()
}

func (a *app) processSignal(ctx context.Context, sig domain.Signal) (domain.OrderLifecycle, error) {
	draft := domain.NewOrder(sig)
	mc, err := a.marketContext(ctx, draft)
	if err != nil {
		return draft, err
	}
	return a.orch.Process(ctx, sig, mc)
}

// serve runs until ctx is cancelled: reconciliation loop, metrics endpoint
// and, with NATS, the signal and execution event subscriptions.
func (a *app) serve(ctx context.Context) error {
	errCh := make(chan error, 2)
	if addr := a.cfg.Metrics.Addr; addr != "" {
		go func() { errCh <- telemetry.Serve(ctx, addr) }()
	}
	go func() { errCh <- a.batch.Run(ctx) }()

	if a.nc != nil {
		subs := []*natsbus.Subscriber{
			natsbus.NewSignalSubscriber(a.nc, a.cfg.NATS.SignalsSubject, a.cfg.NATS.QueueGroup, a.processSignal),
			natsbus.NewExecutionSubscriber(a.nc, a.cfg.NATS.EventsSubject, a.cfg.NATS.QueueGroup, a.orch.HandleExecutionEvent),
		}
		for _, s := range subs {
			s := s
			if err := s.Start(); err != nil {
				return err
			}
			defer func() {
				if err := s.Stop(); err != nil {
					slog.Warn("unsubscribe failed", "err", err)
				}
			}()
		}
	} else {
		slog.Warn("nats disabled: no signals or execution events will be received")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// Close releases the NATS connection and the database.
func (a *app) Close() {
	if a.nc != nil {
		natsbus.Close(a.nc)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("close storage", "err", err)
		}
	}
}
