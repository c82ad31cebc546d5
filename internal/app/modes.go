package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perpguard/perpbot/internal/domain"
)

// shutdownGrace bounds how long in-flight work may finish after a shutdown
// signal before teardown proceeds anyway.
const shutdownGrace = 30 * time.Second

// intentPoll is how long one Dequeue call blocks before re-checking ctx.
const intentPoll = 5 * time.Second

// TradeMode runs the full engine: intent intake, ticker feed, all three
// guardian layers, periodic reconciliation, the audit archiver, and the
// metrics listener.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	group, ctx := errgroup.WithContext(ctx)

	deps.Guardian.Start(ctx)
	if err := a.restoreActive(ctx, deps, true); err != nil {
		return err
	}

	a.startMetricsServer(ctx, group, deps)
	group.Go(func() error { return ignoreCancel(deps.Feed.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(deps.Reconcile.Run(ctx)) })
	if deps.Archiver != nil {
		group.Go(func() error { return ignoreCancel(a.archiveLoop(ctx, deps)) })
	}
	group.Go(func() error { return ignoreCancel(a.intakeLoop(ctx, deps)) })

	err := group.Wait()
	deps.Feed.Close()
	if stopErr := deps.Guardian.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

// MonitorMode guards and reconciles existing positions without accepting new
// entries. Used while the signal side is down or being replaced.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	group, ctx := errgroup.WithContext(ctx)

	deps.Guardian.Start(ctx)
	if err := a.restoreActive(ctx, deps, true); err != nil {
		return err
	}

	a.startMetricsServer(ctx, group, deps)
	group.Go(func() error { return ignoreCancel(deps.Feed.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(deps.Reconcile.Run(ctx)) })

	err := group.Wait()
	deps.Feed.Close()
	if stopErr := deps.Guardian.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

// ReconcileMode runs a single reconciliation pass and exits. Meant for
// cron-style invocation and post-incident checks.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	if err := a.restoreActive(ctx, deps, false); err != nil {
		return err
	}

	summary, err := deps.Reconcile.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("app: reconcile pass: %w", err)
	}
	a.logger.InfoContext(ctx, "reconcile pass finished",
		slog.Int("checked", summary.Checked),
		slog.Int("matched", summary.Matched),
		slog.Int("corrected", summary.Corrected),
		slog.Int("orphans", summary.Orphans),
		slog.Int("missing", summary.Missing),
		slog.Duration("elapsed", summary.Elapsed),
	)
	return nil
}

// restoreActive loads non-terminal positions from the ledger, restores their
// state machines, and optionally re-arms protection for the open ones.
func (a *App) restoreActive(ctx context.Context, deps *Dependencies, protect bool) error {
	active, err := deps.Positions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("app: restore active positions: %w", err)
	}

	var guarded int
	for _, pos := range active {
		deps.Registry.Restore(pos.ID, pos.State)
		if protect && pos.State == domain.StateOpen {
			if _, err := deps.Guardian.Protect(ctx, pos); err != nil {
				a.logger.WarnContext(ctx, "could not re-arm protection",
					slog.String("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			guarded++
		}
	}
	deps.Metrics.OpenPositions.Set(float64(len(active)))

	a.logger.InfoContext(ctx, "restored active positions",
		slog.Int("active", len(active)),
		slog.Int("guarded", guarded),
	)
	return nil
}

// intakeLoop consumes trade intents and drives them through the execution
// path. A failed entry is logged and the loop continues; one bad intent must
// not stall the queue.
func (a *App) intakeLoop(ctx context.Context, deps *Dependencies) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		intent, ok, err := deps.Intents.Dequeue(ctx, intentPoll)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.ErrorContext(ctx, "intent dequeue failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		if !intent.ExpiresAt.IsZero() && time.Now().After(intent.ExpiresAt) {
			a.logger.WarnContext(ctx, "dropping expired intent",
				slog.String("intent_id", intent.ID),
				slog.String("symbol", intent.Symbol),
			)
			continue
		}
		a.applyTradingDefaults(&intent)

		pos, err := deps.Execution.OpenPosition(ctx, intent)
		if err != nil {
			a.logger.ErrorContext(ctx, "position entry failed",
				slog.String("intent_id", intent.ID),
				slog.String("symbol", intent.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}

		if _, err := deps.Guardian.Protect(ctx, pos); err != nil {
			a.logger.ErrorContext(ctx, "protection arming failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// applyTradingDefaults fills intent fields the signal producer left unset.
func (a *App) applyTradingDefaults(intent *domain.TradeIntent) {
	if intent.Leverage <= 0 {
		intent.Leverage = a.cfg.Trading.Leverage
	}
	if intent.StopPct <= 0 {
		intent.StopPct = a.cfg.Trading.StopPct
	}
	if intent.TakePct <= 0 {
		intent.TakePct = a.cfg.Trading.TakePct
	}
}

// archiveLoop exports aged audit records on the configured interval.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.S3.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := deps.Archiver.RunOnce(ctx, time.Now().UTC()); err != nil {
				a.logger.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// startMetricsServer exposes /metrics and /healthz when enabled. Shutdown
// waits up to the grace period for scrapes in flight.
func (a *App) startMetricsServer(ctx context.Context, group *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", deps.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: mux,
	}

	group.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	})

	a.logger.Info("metrics listener up", slog.Int("port", a.cfg.Server.Port))
}

// ignoreCancel maps context cancellation to a clean exit so errgroup.Wait
// reports real failures only.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
