// Package guardian enforces stop-loss protection for open positions through
// three redundant layers: an exchange-native reduce-only stop order, a local
// price monitor, and an emergency unrealized-loss backstop. The layers race;
// compare-and-swap on the trigger slot guarantees at most one exit per
// position no matter how many layers fire.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perpguard/perpbot/internal/domain"
	"github.com/perpguard/perpbot/internal/exchange"
	"github.com/perpguard/perpbot/internal/metrics"
)

// Exits is the slice of the execution client the guardian needs.
type Exits interface {
	SubmitStopOrder(ctx context.Context, positionID string, req exchange.OrderRequest) (domain.OrderResult, error)
	ClosePosition(ctx context.Context, pos domain.Position, reason string) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	FetchOrderStatus(ctx context.Context, orderID string) (domain.Order, error)
}

// TickerSource is the REST fallback for mark prices when the cache misses.
type TickerSource interface {
	GetTicker(ctx context.Context, symbol string) (float64, error)
}

// Alerter delivers operator alerts. Backed by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds guardian tuning. Zero values take the defaults.
type Config struct {
	MonitorInterval   time.Duration // layer 2 tick, default 2s
	EmergencyInterval time.Duration // layer 3 tick, default 1s
	EmergencyLossPct  float64       // layer 3 threshold, default 0.15
	PriceStaleAfter   time.Duration // cache entries older than this fall back to REST
}

func (c Config) withDefaults() Config {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 2 * time.Second
	}
	if c.EmergencyInterval <= 0 {
		c.EmergencyInterval = time.Second
	}
	if c.EmergencyLossPct <= 0 {
		c.EmergencyLossPct = 0.15
	}
	if c.PriceStaleAfter <= 0 {
		c.PriceStaleAfter = 10 * time.Second
	}
	return c
}

// protection is the live guard for one position. triggered holds the
// ProtectionLayer that won the exit race, zero while unfired.
type protection struct {
	pos         domain.Position
	stopOrderID string
	startedAt   time.Time
	triggered   atomic.Int32
	triggeredAt atomic.Int64 // unix nanos, set by the winning layer
	cancel      context.CancelFunc
}

func (p *protection) record() domain.ProtectionRecord {
	rec := domain.ProtectionRecord{
		PositionID:    p.pos.ID,
		Symbol:        p.pos.Symbol,
		Side:          p.pos.Side,
		EntryPrice:    p.pos.EntryPrice,
		StopPrice:     p.pos.StopPrice,
		StopOrderID:   p.stopOrderID,
		CancelMonitor: p.cancel,
		Triggered:     domain.ProtectionLayer(p.triggered.Load()),
		StartedAt:     p.startedAt,
	}
	if ns := p.triggeredAt.Load(); ns > 0 {
		rec.TriggeredAt = time.Unix(0, ns).UTC()
	}
	return rec
}

// Guardian owns the protection records and monitor goroutines for every
// guarded position.
type Guardian struct {
	exec    Exits
	prices  domain.PriceCache
	tickers TickerSource
	alerts  Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config

	mu      sync.Mutex
	records map[string]*protection

	group   *errgroup.Group
	baseCtx context.Context
	started bool
}

// New creates a guardian. Call Start before protecting positions.
func New(
	exec Exits,
	prices domain.PriceCache,
	tickers TickerSource,
	alerts Alerter,
	m *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Guardian {
	return &Guardian{
		exec:    exec,
		prices:  prices,
		tickers: tickers,
		alerts:  alerts,
		metrics: m,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "guardian")),
		records: make(map[string]*protection),
	}
}

// Start binds the guardian to its lifetime context. Monitor goroutines stop
// when ctx is cancelled; Stop waits for them.
func (g *Guardian) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.group, g.baseCtx = errgroup.WithContext(ctx)
	g.started = true
}

// Stop waits for all monitor goroutines to exit. The caller cancels the Start
// context first.
func (g *Guardian) Stop() error {
	g.mu.Lock()
	group := g.group
	g.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Protect arms all three layers for an open position. Layer 1 placement
// failure is logged and alerted but does not fail the call: the local layers
// still guard the position, which is the whole point of the redundancy.
func (g *Guardian) Protect(ctx context.Context, pos domain.Position) (domain.ProtectionRecord, error) {
	if pos.State != domain.StateOpen {
		return domain.ProtectionRecord{}, fmt.Errorf("guardian: position %s is %s, only open positions are guarded", pos.ID, pos.State)
	}
	if pos.StopPrice <= 0 {
		return domain.ProtectionRecord{}, fmt.Errorf("guardian: position %s has no stop price", pos.ID)
	}

	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return domain.ProtectionRecord{}, fmt.Errorf("guardian: not started")
	}
	if existing, ok := g.records[pos.ID]; ok {
		g.mu.Unlock()
		return existing.record(), nil
	}
	monCtx, cancel := context.WithCancel(g.baseCtx)
	p := &protection{pos: pos, startedAt: time.Now().UTC(), cancel: cancel}
	g.records[pos.ID] = p
	group := g.group
	g.mu.Unlock()

	// Layer 1: exchange-native stop, reduce-only so it can never flip the
	// exposure even if the local ledger is stale.
	result, err := g.exec.SubmitStopOrder(ctx, pos.ID, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       domain.ExitSide(pos.Side),
		Quantity:   pos.Quantity,
		StopPrice:  pos.StopPrice,
		ReduceOnly: true,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "exchange stop placement failed, local layers active",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		g.alert(ctx, "protection_degraded", "Stop order placement failed",
			fmt.Sprintf("position %s (%s): exchange stop rejected, relying on local monitors: %v", pos.ID, pos.Symbol, err))
	} else {
		p.stopOrderID = result.OrderID
	}

	group.Go(func() error {
		g.monitorLoop(monCtx, p)
		return nil
	})
	group.Go(func() error {
		g.emergencyLoop(monCtx, p)
		return nil
	})

	g.logger.InfoContext(ctx, "protection armed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("stop_price", pos.StopPrice),
		slog.Bool("exchange_stop", p.stopOrderID != ""),
	)
	return p.record(), nil
}

// Unprotect tears down protection for a position that exited outside the
// guardian (manual close, reconciliation). The lingering exchange stop is
// cancelled so it cannot fire against a future position.
func (g *Guardian) Unprotect(ctx context.Context, positionID string) {
	g.mu.Lock()
	p, ok := g.records[positionID]
	if ok {
		delete(g.records, positionID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	p.cancel()
	if p.stopOrderID != "" && p.triggered.Load() == 0 {
		if err := g.exec.CancelOrder(ctx, p.stopOrderID); err != nil {
			g.logger.WarnContext(ctx, "stale stop order not cancelled",
				slog.String("position_id", positionID),
				slog.String("order_id", p.stopOrderID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Guarded returns the protection records currently held.
func (g *Guardian) Guarded() []domain.ProtectionRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.ProtectionRecord, 0, len(g.records))
	for _, p := range g.records {
		out = append(out, p.record())
	}
	return out
}

// --------------------------------------------------------------------------
// Monitor loops
// --------------------------------------------------------------------------

// monitorLoop is layer 2: poll the mark price and exit when it crosses the
// stop. A failed price read is logged and skipped; the loop keeps running.
func (g *Guardian) monitorLoop(ctx context.Context, p *protection) {
	ticker := time.NewTicker(g.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		price, err := g.markPrice(ctx, p.pos.Symbol)
		if err != nil {
			g.logger.WarnContext(ctx, "price unavailable for monitor",
				slog.String("position_id", p.pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if p.pos.StopCrossed(price) {
			// The exchange stop sits at the same level and usually wins this
			// race. If it already filled the position is gone and a market
			// exit on top of it is redundant.
			if g.stopFilled(ctx, p) {
				g.resolveStopFill(ctx, p, price)
				return
			}
			g.trigger(ctx, p, domain.LayerMonitor, price,
				fmt.Sprintf("stop %.2f crossed at %.2f", p.pos.StopPrice, price))
			return
		}
	}
}

// emergencyLoop is layer 3: exit when the unrealized loss exceeds the
// threshold regardless of where the stop sits. Last line of defense against a
// stop that was placed wrong or a market gapping through it.
func (g *Guardian) emergencyLoop(ctx context.Context, p *protection) {
	ticker := time.NewTicker(g.cfg.EmergencyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		price, err := g.markPrice(ctx, p.pos.Symbol)
		if err != nil {
			continue
		}

		loss := p.pos.LossFractionAt(price)
		if loss >= g.cfg.EmergencyLossPct {
			g.alert(ctx, "emergency_exit", "Emergency exit triggered",
				fmt.Sprintf("position %s (%s): unrealized loss %.1f%% at %.2f exceeds %.0f%% threshold",
					p.pos.ID, p.pos.Symbol, loss*100, price, g.cfg.EmergencyLossPct*100))
			g.trigger(ctx, p, domain.LayerEmergency, price,
				fmt.Sprintf("emergency: loss %.1f%% exceeds threshold", loss*100))
			return
		}
	}
}

// stopFilled reports whether the layer-1 exchange stop already executed. A
// failed status check reads as not filled: when in doubt the local exit still
// goes out, reduce-only makes a double fire harmless.
func (g *Guardian) stopFilled(ctx context.Context, p *protection) bool {
	if p.stopOrderID == "" {
		return false
	}
	order, err := g.exec.FetchOrderStatus(ctx, p.stopOrderID)
	if err != nil {
		g.logger.WarnContext(ctx, "stop order status unavailable",
			slog.String("position_id", p.pos.ID),
			slog.String("order_id", p.stopOrderID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return order.Status == domain.OrderStatusFilled
}

// resolveStopFill records an exit the exchange stop already performed and
// tears the guard down without submitting anything. The ledger still shows
// the position open; the next reconciliation pass settles it against the
// venue's view.
func (g *Guardian) resolveStopFill(ctx context.Context, p *protection, price float64) {
	if !p.triggered.CompareAndSwap(int32(domain.LayerNone), int32(domain.LayerExchange)) {
		return
	}
	p.triggeredAt.Store(time.Now().UnixNano())

	g.metrics.StopTriggers.WithLabelValues(domain.LayerExchange.String()).Inc()
	g.logger.InfoContext(ctx, "exchange stop filled",
		slog.String("position_id", p.pos.ID),
		slog.String("order_id", p.stopOrderID),
		slog.Float64("price", price),
	)

	g.mu.Lock()
	delete(g.records, p.pos.ID)
	g.mu.Unlock()
	p.cancel()
}

// trigger runs the exit for a fired layer. The CAS on the trigger slot makes
// racing layers harmless: only the first caller proceeds.
func (g *Guardian) trigger(ctx context.Context, p *protection, layer domain.ProtectionLayer, price float64, reason string) {
	if !p.triggered.CompareAndSwap(int32(domain.LayerNone), int32(layer)) {
		return
	}
	p.triggeredAt.Store(time.Now().UnixNano())

	g.metrics.StopTriggers.WithLabelValues(layer.String()).Inc()
	g.logger.WarnContext(ctx, "protection triggered",
		slog.String("position_id", p.pos.ID),
		slog.String("layer", layer.String()),
		slog.Float64("price", price),
		slog.String("reason", reason),
	)

	// The exchange stop becomes redundant once a local layer exits; cancel it
	// first so it cannot double-fire while the market order lands.
	if p.stopOrderID != "" {
		if err := g.exec.CancelOrder(ctx, p.stopOrderID); err != nil {
			g.logger.WarnContext(ctx, "redundant stop not cancelled",
				slog.String("order_id", p.stopOrderID),
				slog.String("error", err.Error()),
			)
		}
	}

	pos := p.pos
	pos.CurrentPrice = price
	if _, err := g.exec.ClosePosition(ctx, pos, reason); err != nil {
		g.logger.ErrorContext(ctx, "protective exit failed",
			slog.String("position_id", pos.ID),
			slog.String("layer", layer.String()),
			slog.String("error", err.Error()),
		)
		g.alert(ctx, "emergency_exit", "Protective exit FAILED",
			fmt.Sprintf("position %s (%s): %s exit did not fill, manual intervention required: %v",
				pos.ID, pos.Symbol, layer, err))
	}

	g.mu.Lock()
	delete(g.records, p.pos.ID)
	g.mu.Unlock()
	p.cancel()
}

// markPrice reads the cached mark price, falling back to the REST ticker when
// the cache misses or the entry is stale.
func (g *Guardian) markPrice(ctx context.Context, symbol string) (float64, error) {
	if g.prices != nil {
		price, ts, err := g.prices.GetPrice(ctx, symbol)
		if err == nil && price > 0 && time.Since(ts) <= g.cfg.PriceStaleAfter {
			return price, nil
		}
	}
	if g.tickers == nil {
		return 0, fmt.Errorf("guardian: no price source for %s", symbol)
	}
	return g.tickers.GetTicker(ctx, symbol)
}

func (g *Guardian) alert(ctx context.Context, event, title, message string) {
	if g.alerts == nil {
		return
	}
	if err := g.alerts.Notify(ctx, event, title, message); err != nil {
		g.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
