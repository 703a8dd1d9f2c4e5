package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/polyguard/config"
	"github.com/alejandrodnm/polyguard/internal/domain"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	mode := flag.String("mode", "serve", "serve|demo|reconcile|history|audit|stuck|breaker|recover|retry")
	orderID := flag.String("order", "", "order id for history, audit and retry")
	state := flag.String("state", "", "breaker state for -mode breaker: NORMAL|CAUTION|HALT|RECOVERY")
	reason := flag.String("reason", "", "operator reason for breaker changes")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print the full history with every notification")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *mode == "demo" {
		cfg.Storage.DSN = ":memory:"
		cfg.Orchestrator.Mode = "paper"
	}
	setupLogger(cfg.Log)

	slog.Info("polyguard starting",
		"config", *configPath,
		"mode", *mode,
		"execution", cfg.Orchestrator.Mode,
		"dsn", cfg.Storage.DSN,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, *table || *mode == "demo")
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := dispatch(ctx, a, *mode, *orderID, *state, *reason); err != nil {
		slog.Error("polyguard exited with error", "mode", *mode, "err", err)
		os.Exit(1)
	}
	slog.Info("polyguard stopped cleanly")
}

func dispatch(ctx context.Context, a *app, mode, orderID, state, reason string) error {
	switch mode {
	case "serve":
		return a.serve(ctx)
	case "demo":
		return runDemo(ctx, a)
	case "reconcile":
		sum, err := a.batch.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("checked %d | reconciled %d | drifting %d | failed %d\n", sum.Checked, sum.Reconciled, sum.Drifting, sum.Failed)
		return nil
	case "history":
		o, err := a.op.OrderHistory(ctx, orderID)
		if err != nil {
			return err
		}
		a.console.PrintHistory(o)
		return nil
	case "audit":
		audit, err := a.op.InvariantAudit(ctx, orderID)
		if err != nil {
			return err
		}
		a.console.PrintInvariants(audit.OrderID, audit.Approved, audit.Results)
		return nil
	case "stuck":
		orders, err := a.op.Stuck(ctx)
		if err != nil {
			return err
		}
		a.console.PrintOrders("orders needing attention", orders)
		return nil
	case "breaker":
		if state == "" {
			a.console.PrintBreaker(a.op.Breaker())
			return nil
		}
		st, err := a.op.ForceBreaker(ctx, domain.BreakerState(state), reason)
		if err != nil {
			return err
		}
		a.console.PrintBreaker(st)
		return nil
	case "recover":
		st, err := a.op.RecoverBreaker(ctx, reason)
		if err != nil {
			return err
		}
		a.console.PrintBreaker(st)
		return nil
	case "retry":
		o, err := a.op.RetryOrder(ctx, orderID)
		if err != nil {
			return err
		}
		a.console.PrintHistory(o)
		return nil
	}
	return fmt.Errorf("unknown mode %q", mode)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
