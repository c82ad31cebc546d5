// Package reconcile compares the local position ledger against the venue's
// authoritative view and corrects drift. Quantity disagreements adopt the
// exchange value; positions the exchange no longer holds are marked
// liquidated; positions the exchange holds but the ledger does not are never
// adopted, only alerted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
	"github.com/perpguard/perpbot/internal/metrics"
)

// DefaultTolerance is the relative quantity drift ignored as float noise:
// 0.001% of the exchange quantity.
const DefaultTolerance = 0.00001

// DefaultInterval is the periodic pass cadence.
const DefaultInterval = 5 * time.Minute

// lockKey serializes passes across replicas through the distributed lock.
const lockKey = "reconcile:pass"

// Venue is the slice of the exchange client reconciliation needs.
type Venue interface {
	GetPositions(ctx context.Context) ([]domain.ExchangePosition, error)
}

// Lifecycle applies validated state transitions for a position.
type Lifecycle interface {
	Transition(ctx context.Context, positionID string, to domain.PositionState, reason string, metadata map[string]any) error
}

// Alerter delivers operator alerts. Backed by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Protections releases guard records for positions that exited outside the
// guardian. Backed by guardian.Guardian.
type Protections interface {
	Unprotect(ctx context.Context, positionID string)
}

// Config holds reconciliation tuning. Zero values take the defaults.
type Config struct {
	Tolerance float64
	Interval  time.Duration
	LockTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	return c
}

// Summary reports one reconciliation pass.
type Summary struct {
	Checked   int
	Matched   int
	Corrected int
	Orphans   int
	Missing   int
	StartedAt time.Time
	Elapsed   time.Duration
}

// Engine runs reconciliation passes. Passes are serialized by a local mutex
// and, when a lock manager is configured, by a distributed lock across
// replicas. Trading is never blocked: the engine only touches the stores.
type Engine struct {
	venue     Venue
	positions domain.PositionStore
	results   domain.ReconciliationResultStore
	lifecycle Lifecycle
	guards    Protections
	locks     domain.LockManager
	alerts    Alerter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config

	mu   sync.Mutex
	poke chan struct{}
}

// New creates a reconciliation engine. guards, locks, and alerts may be nil.
func New(
	venue Venue,
	positions domain.PositionStore,
	results domain.ReconciliationResultStore,
	lifecycle Lifecycle,
	guards Protections,
	locks domain.LockManager,
	alerts Alerter,
	m *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		venue:     venue,
		positions: positions,
		results:   results,
		lifecycle: lifecycle,
		guards:    guards,
		locks:     locks,
		alerts:    alerts,
		metrics:   m,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(slog.String("component", "reconcile")),
		poke:      make(chan struct{}, 1),
	}
}

// Run executes periodic passes until ctx is cancelled. A failed pass is
// logged and the loop continues; reconciliation must outlive venue hiccups.
// Pokes from the execution path schedule an extra pass between ticks.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.poke:
		}
		if _, err := e.RunOnce(ctx); err != nil {
			e.logger.ErrorContext(ctx, "reconciliation pass failed",
				slog.String("error", err.Error()))
		}
	}
}

// Poke requests a pass outside the periodic schedule. Non-blocking; pokes
// arriving while one is already pending coalesce into a single pass. Called
// after each execution settles so drift is caught right after the window that
// creates it.
func (e *Engine) Poke() {
	select {
	case e.poke <- struct{}{}:
	default:
	}
}

// RunOnce executes a single pass. When another replica holds the distributed
// lock the pass is skipped without error.
func (e *Engine) RunOnce(ctx context.Context) (Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, lockKey, e.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				e.logger.InfoContext(ctx, "pass skipped, lock held by another replica")
				return Summary{}, nil
			}
			return Summary{}, fmt.Errorf("reconcile: acquire lock: %w", err)
		}
		defer unlock()
	}

	summary := Summary{StartedAt: time.Now().UTC()}

	local, err := e.positions.ListActive(ctx)
	if err != nil {
		return summary, fmt.Errorf("reconcile: list local positions: %w", err)
	}
	remote, err := e.venue.GetPositions(ctx)
	if err != nil {
		return summary, fmt.Errorf("reconcile: fetch exchange positions: %w", err)
	}

	bySymbol := make(map[string]domain.ExchangePosition, len(remote))
	for _, ex := range remote {
		if ex.Quantity > 0 {
			bySymbol[ex.Symbol] = ex
		}
	}
	claimed := make(map[string]bool, len(local))

	for _, pos := range local {
		if pos.State != domain.StateOpen {
			// In-flight positions settle through the execution path; judging
			// them mid-transition would race it.
			continue
		}
		summary.Checked++

		ex, present := bySymbol[pos.Symbol]
		switch {
		case !present:
			summary.Missing++
			e.markLiquidated(ctx, pos)

		case ex.Side != pos.Side:
			summary.Orphans++
			e.alertOrphan(ctx, fmt.Sprintf(
				"position %s (%s): ledger holds %s but exchange reports %s; refusing to adopt, manual review required",
				pos.ID, pos.Symbol, pos.Side, ex.Side))
			e.saveResult(ctx, domain.ReconciliationResult{
				PositionID:  pos.ID,
				Symbol:      pos.Symbol,
				LocalQty:    pos.Quantity,
				ExchangeQty: ex.Quantity,
				Discrepancy: math.Abs(pos.Quantity - ex.Quantity),
				Corrected:   false,
				Note:        fmt.Sprintf("side mismatch: local %s, exchange %s", pos.Side, ex.Side),
			})
			claimed[pos.Symbol] = true

		default:
			claimed[pos.Symbol] = true
			if e.reconcileQuantity(ctx, pos, ex) {
				summary.Corrected++
			} else {
				summary.Matched++
			}
		}
	}

	for symbol, ex := range bySymbol {
		if claimed[symbol] {
			continue
		}
		summary.Orphans++
		e.alertOrphan(ctx, fmt.Sprintf(
			"exchange holds %s %s qty %g with no ledger record; refusing to adopt, manual review required",
			symbol, ex.Side, ex.Quantity))
		e.saveResult(ctx, domain.ReconciliationResult{
			Symbol:      symbol,
			LocalQty:    0,
			ExchangeQty: ex.Quantity,
			Discrepancy: ex.Quantity,
			Corrected:   false,
			Note:        "orphan: exchange-only position",
		})
	}

	summary.Elapsed = time.Since(summary.StartedAt)
	e.logger.InfoContext(ctx, "reconciliation pass complete",
		slog.Int("checked", summary.Checked),
		slog.Int("matched", summary.Matched),
		slog.Int("corrected", summary.Corrected),
		slog.Int("orphans", summary.Orphans),
		slog.Int("missing", summary.Missing),
		slog.Duration("elapsed", summary.Elapsed),
	)
	return summary, nil
}

// reconcileQuantity adopts the exchange quantity when the relative drift
// exceeds the tolerance. Reports whether a correction was applied.
func (e *Engine) reconcileQuantity(ctx context.Context, pos domain.Position, ex domain.ExchangePosition) bool {
	drift := math.Abs(pos.Quantity - ex.Quantity)
	relative := drift / ex.Quantity
	e.metrics.ReconDrift.WithLabelValues(pos.Symbol).Set(drift)

	if relative <= e.cfg.Tolerance {
		return false
	}

	if err := e.positions.UpdateQuantity(ctx, pos.ID, ex.Quantity); err != nil {
		e.logger.ErrorContext(ctx, "quantity correction not persisted",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
		return false
	}
	e.metrics.ReconDiscrepancies.Inc()
	e.saveResult(ctx, domain.ReconciliationResult{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		LocalQty:    pos.Quantity,
		ExchangeQty: ex.Quantity,
		Discrepancy: drift,
		Corrected:   true,
		Note:        "quantity adopted from exchange",
	})
	e.alert(ctx, "reconciliation_corrected", "Position quantity corrected",
		fmt.Sprintf("position %s (%s): local %g, exchange %g; exchange value adopted",
			pos.ID, pos.Symbol, pos.Quantity, ex.Quantity))

	e.logger.WarnContext(ctx, "quantity drift corrected",
		slog.String("position_id", pos.ID),
		slog.Float64("local_qty", pos.Quantity),
		slog.Float64("exchange_qty", ex.Quantity),
	)
	return true
}

// markLiquidated settles a position the exchange no longer holds. An open
// position vanishing venue-side means it was liquidated or closed externally;
// the exchange's word is final either way.
func (e *Engine) markLiquidated(ctx context.Context, pos domain.Position) {
	if err := e.lifecycle.Transition(ctx, pos.ID, domain.StateLiquidated,
		"position absent on exchange", nil); err != nil {
		e.logger.ErrorContext(ctx, "liquidation transition rejected",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	pos.State = domain.StateLiquidated
	pos.ClosedAt = &now
	pos.CloseReason = "absent on exchange"
	if err := e.positions.Update(ctx, pos); err != nil {
		e.logger.ErrorContext(ctx, "liquidated state not persisted",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
	}
	e.metrics.ReconDiscrepancies.Inc()
	e.metrics.OpenPositions.Dec()
	e.saveResult(ctx, domain.ReconciliationResult{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		LocalQty:    pos.Quantity,
		ExchangeQty: 0,
		Discrepancy: pos.Quantity,
		Corrected:   true,
		Note:        "marked liquidated: absent on exchange",
	})
	e.alert(ctx, "liquidation_detected", "Position liquidated",
		fmt.Sprintf("position %s (%s %s qty %g) is gone on the exchange; marked liquidated",
			pos.ID, pos.Symbol, pos.Side, pos.Quantity))

	// The guardian may still be watching this position; its monitors and any
	// resting exchange stop must go with it or the stop could fire against a
	// future position on the same symbol.
	if e.guards != nil {
		e.guards.Unprotect(ctx, pos.ID)
	}
}

func (e *Engine) alertOrphan(ctx context.Context, message string) {
	e.metrics.ReconDiscrepancies.Inc()
	e.alert(ctx, "orphan_position", "Orphan position detected", message)
	e.logger.ErrorContext(ctx, "orphan position", slog.String("detail", message))
}

func (e *Engine) saveResult(ctx context.Context, res domain.ReconciliationResult) {
	res.CreatedAt = time.Now().UTC()
	if err := e.results.Insert(ctx, res); err != nil {
		e.logger.WarnContext(ctx, "reconciliation result not persisted",
			slog.String("symbol", res.Symbol),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) alert(ctx context.Context, event, title, message string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
