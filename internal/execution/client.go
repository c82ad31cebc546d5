// Package execution submits orders to the venue through the full protection
// chain: distributed rate limiter, then retry manager, then circuit breaker.
// Every submission carries a client order ID that survives retries so an
// ambiguous failure can never double-fill.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/perpguard/perpbot/internal/domain"
	"github.com/perpguard/perpbot/internal/exchange"
	"github.com/perpguard/perpbot/internal/metrics"
	"github.com/perpguard/perpbot/internal/resilience"
)

// rateLimitKey is the shared limiter bucket for order-path venue calls.
const rateLimitKey = "venue:orders"

// submissionGrace bounds how long a submission may run on after the caller's
// context is cancelled. An order the venue may already have accepted must be
// carried to a recorded outcome; shutdown stops new work at the intake, not
// mid-flight.
const submissionGrace = 30 * time.Second

// detach returns a context that survives caller cancellation for up to
// submissionGrace.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), submissionGrace)
}

// Venue is the slice of the exchange client the execution path needs.
type Venue interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeID string) error
	GetOrder(ctx context.Context, symbol, exchangeID string) (exchange.OrderAck, error)
}

// LifecycleUpdater applies validated state transitions for a position. The
// engine backs this with the lifecycle registry; execution never touches the
// registry directly.
type LifecycleUpdater interface {
	Transition(ctx context.Context, positionID string, to domain.PositionState, reason string, metadata map[string]any) error
}

// Client drives order submission and the open/close position flows.
type Client struct {
	venue     Venue
	breaker   *resilience.Breaker
	retrier   *resilience.Retrier
	limiter   domain.RateLimiter
	orders    domain.OrderStore
	positions domain.PositionStore
	lifecycle LifecycleUpdater
	metrics   *metrics.Metrics
	logger    *slog.Logger
	afterExec func()
}

// AfterExecution registers a hook invoked after every submission settles,
// successfully or not. The app points it at the reconciliation engine's Poke.
// Must be called before the client takes traffic; the hook must not block.
func (c *Client) AfterExecution(fn func()) {
	c.afterExec = fn
}

func (c *Client) notifySettled() {
	if c.afterExec != nil {
		c.afterExec()
	}
}

// New creates an execution client. The limiter may be nil, in which case
// submissions skip the distributed rate limit (single-replica deployments).
func New(
	venue Venue,
	breaker *resilience.Breaker,
	retrier *resilience.Retrier,
	limiter domain.RateLimiter,
	orders domain.OrderStore,
	positions domain.PositionStore,
	lifecycle LifecycleUpdater,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Client {
	return &Client{
		venue:     venue,
		breaker:   breaker,
		retrier:   retrier,
		limiter:   limiter,
		orders:    orders,
		positions: positions,
		lifecycle: lifecycle,
		metrics:   m,
		logger:    logger.With(slog.String("component", "execution")),
	}
}

// SubmitMarketOrder submits a market order through the protection chain.
func (c *Client) SubmitMarketOrder(ctx context.Context, positionID string, req exchange.OrderRequest) (domain.OrderResult, error) {
	req.Type = domain.OrderTypeMarket
	req.Price = 0
	return c.submit(ctx, positionID, req)
}

// SubmitLimitOrder submits a limit order at req.Price.
func (c *Client) SubmitLimitOrder(ctx context.Context, positionID string, req exchange.OrderRequest) (domain.OrderResult, error) {
	if req.Price <= 0 {
		return domain.OrderResult{}, &domain.FatalError{
			Op:  "submit limit order",
			Err: fmt.Errorf("%w: limit price must be positive", domain.ErrInvalidOrder),
		}
	}
	req.Type = domain.OrderTypeLimit
	return c.submit(ctx, positionID, req)
}

// SubmitStopOrder submits a stop order triggering at req.StopPrice. The
// guardian uses this with ReduceOnly set for exchange-native protection.
func (c *Client) SubmitStopOrder(ctx context.Context, positionID string, req exchange.OrderRequest) (domain.OrderResult, error) {
	if req.StopPrice <= 0 {
		return domain.OrderResult{}, &domain.FatalError{
			Op:  "submit stop order",
			Err: fmt.Errorf("%w: stop trigger price must be positive", domain.ErrInvalidOrder),
		}
	}
	req.Type = domain.OrderTypeStop
	return c.submit(ctx, positionID, req)
}

// CancelOrder cancels an order on the venue and marks the local record.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	order, err := c.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("execution: cancel order %s: %w", orderID, err)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("execution: cancel order %s: %w: already %s", orderID, domain.ErrInvalidOrder, order.Status)
	}

	_, err = c.retrier.Do(ctx, "cancel order", func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.venue.CancelOrder(ctx, order.Symbol, order.ExchangeID)
		})
	})
	if err != nil {
		return err
	}

	if err := c.orders.UpdateStatus(ctx, orderID, domain.OrderStatusCancelled); err != nil {
		c.logger.WarnContext(ctx, "order cancel not persisted",
			slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
	return nil
}

// FetchOrderStatus pulls the current status from the venue and syncs the
// local record with any new fill information.
func (c *Client) FetchOrderStatus(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := c.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("execution: fetch order %s: %w", orderID, err)
	}

	var ack exchange.OrderAck
	_, err = c.retrier.Do(ctx, "fetch order status", func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			ack, callErr = c.venue.GetOrder(ctx, order.Symbol, order.ExchangeID)
			return callErr
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	order.Status = ack.Status
	order.FilledQty = ack.FilledQty
	order.AvgFillPrice = ack.AvgFillPrice
	order.FeePaid = ack.Fee
	if err := c.orders.UpdateFill(ctx, orderID, ack.Status, ack.FilledQty, ack.AvgFillPrice, ack.Fee); err != nil {
		c.logger.WarnContext(ctx, "order status not persisted",
			slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
	return order, nil
}

// OpenPosition runs the entry flow for a validated intent: OPENING transition,
// market entry, then OPEN with the venue's fill as the source of truth. A
// partial fill is accepted; the filled quantity becomes the position size.
func (c *Client) OpenPosition(ctx context.Context, intent domain.TradeIntent) (domain.Position, error) {
	if err := exchange.ValidatePerpSymbol(intent.Symbol); err != nil {
		return domain.Position{}, &domain.FatalError{Op: "open position", Err: err}
	}
	if intent.Quantity <= 0 {
		return domain.Position{}, &domain.FatalError{
			Op:  "open position",
			Err: fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidOrder),
		}
	}
	// No position exists without a stop: an intent that cannot place one is
	// rejected before any money moves.
	if intent.StopPct <= 0 {
		return domain.Position{}, &domain.FatalError{
			Op:  "open position",
			Err: fmt.Errorf("%w: a stop distance is required", domain.ErrInvalidOrder),
		}
	}
	// A shutdown already in progress must not start a new entry; past this
	// point the flow runs detached so the entry settles to a recorded outcome.
	if err := ctx.Err(); err != nil {
		return domain.Position{}, fmt.Errorf("execution: open position: %w", err)
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	pos := domain.Position{
		ID:       uuid.NewString(),
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Quantity: intent.Quantity,
		Leverage: intent.Leverage,
		State:    domain.StateOpening,
		OpenedAt: time.Now().UTC(),
	}
	if err := c.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("execution: create position: %w", err)
	}
	if err := c.lifecycle.Transition(ctx, pos.ID, domain.StateOpening, "entry submitted", map[string]any{
		"intent_id": intent.ID,
		"source":    intent.Source,
	}); err != nil {
		return domain.Position{}, err
	}

	result, err := c.SubmitMarketOrder(ctx, pos.ID, exchange.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     domain.EntrySide(intent.Side),
		Quantity: intent.Quantity,
		Leverage: intent.Leverage,
	})
	if err != nil || result.FilledQty <= 0 {
		if err == nil {
			err = fmt.Errorf("execution: entry order %s settled %s with no fill", result.OrderID, result.Status)
		}
		c.failPosition(ctx, pos, "entry failed: "+err.Error())
		return domain.Position{}, err
	}

	entry := result.AvgFillPrice
	pos.Quantity = result.FilledQty
	pos.EntryPrice = entry
	pos.CurrentPrice = entry
	pos.StopPrice = intent.StopPriceFrom(entry)
	pos.TakeProfit = intent.TakeProfitFrom(entry)
	pos.FeesPaid = result.FeePaid
	pos.State = domain.StateOpen

	if result.PartiallyFilled() {
		c.logger.WarnContext(ctx, "entry partially filled, sizing position to fill",
			slog.String("position_id", pos.ID),
			slog.Float64("requested", result.RequestedQty),
			slog.Float64("filled", result.FilledQty),
		)
	}

	if err := c.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("execution: persist open position: %w", err)
	}
	if err := c.lifecycle.Transition(ctx, pos.ID, domain.StateOpen, "entry filled", map[string]any{
		"order_id":    result.OrderID,
		"filled_qty":  result.FilledQty,
		"entry_price": entry,
	}); err != nil {
		return domain.Position{}, err
	}
	c.metrics.OpenPositions.Inc()

	c.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("quantity", pos.Quantity),
		slog.Float64("entry_price", entry),
		slog.Float64("stop_price", pos.StopPrice),
	)
	return pos, nil
}

// ClosePosition exits a position with a reduce-only market order sized to the
// position's last known quantity, so a stale local record can shrink the exit
// but never flip the exposure.
func (c *Client) ClosePosition(ctx context.Context, pos domain.Position, reason string) (domain.OrderResult, error) {
	if pos.State != domain.StateOpen {
		return domain.OrderResult{}, &domain.InvalidTransitionError{
			PositionID: pos.ID, From: pos.State, To: domain.StateClosing,
		}
	}
	// Exits always run to completion, shutdown or not; an abandoned half-done
	// close is worse than a delayed one.
	ctx, cancel := detach(ctx)
	defer cancel()

	if err := c.lifecycle.Transition(ctx, pos.ID, domain.StateClosing, reason, nil); err != nil {
		return domain.OrderResult{}, err
	}
	pos.State = domain.StateClosing
	if err := c.positions.Update(ctx, pos); err != nil {
		c.logger.WarnContext(ctx, "closing state not persisted",
			slog.String("position_id", pos.ID), slog.String("error", err.Error()))
	}

	result, err := c.SubmitMarketOrder(ctx, pos.ID, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       domain.ExitSide(pos.Side),
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		// The exit did not go through; FAILED hands the position to
		// reconciliation, which resolves it against the venue's view.
		c.failPosition(ctx, pos, "exit failed: "+err.Error())
		return result, err
	}

	exit := result.AvgFillPrice
	now := time.Now().UTC()
	pos.State = domain.StateClosed
	pos.ExitPrice = &exit
	pos.ClosedAt = &now
	pos.CurrentPrice = exit
	pos.RealizedPnL = pos.PnLAt(exit)
	pos.UnrealizedPnL = 0
	pos.FeesPaid += result.FeePaid
	pos.CloseReason = reason

	if err := c.positions.Update(ctx, pos); err != nil {
		c.logger.WarnContext(ctx, "closed state not persisted",
			slog.String("position_id", pos.ID), slog.String("error", err.Error()))
	}
	if err := c.lifecycle.Transition(ctx, pos.ID, domain.StateClosed, reason, map[string]any{
		"order_id":     result.OrderID,
		"exit_price":   exit,
		"realized_pnl": pos.RealizedPnL,
	}); err != nil {
		return result, err
	}
	c.metrics.OpenPositions.Dec()

	c.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", pos.ID),
		slog.String("reason", reason),
		slog.Float64("exit_price", exit),
		slog.Float64("realized_pnl", pos.RealizedPnL),
	)
	return result, nil
}

// --------------------------------------------------------------------------
// Submission core
// --------------------------------------------------------------------------

// submit runs one order submission through limiter, retrier, and breaker. The
// ClientRef is fixed before the first attempt and reused on every retry so
// the venue deduplicates ambiguous resubmissions.
func (c *Client) submit(ctx context.Context, positionID string, req exchange.OrderRequest) (domain.OrderResult, error) {
	ctx, cancel := detach(ctx)
	defer cancel()

	if req.ClientRef == "" {
		req.ClientRef = uuid.NewString()
	}

	order := domain.Order{
		ID:         uuid.NewString(),
		ClientRef:  req.ClientRef,
		PositionID: positionID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      orderPrice(req),
		Quantity:   req.Quantity,
		ReduceOnly: req.ReduceOnly,
		Status:     domain.OrderStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.orders.Create(ctx, order); err != nil {
		// Without a persisted record the order cannot be tracked or
		// reconciled; refuse to submit.
		return domain.OrderResult{}, fmt.Errorf("execution: persist order: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rateLimitKey); err != nil {
			c.finishFailed(ctx, order.ID, req)
			return domain.OrderResult{}, fmt.Errorf("execution: rate limit wait: %w", err)
		}
	}

	var ack exchange.OrderAck
	start := time.Now()
	stats, err := c.retrier.Do(ctx, string(req.Type)+" order", func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			ack, callErr = c.venue.PlaceOrder(ctx, req)
			return callErr
		})
	})
	latency := roundTenthMs(time.Since(start))
	defer c.notifySettled()

	result := domain.OrderResult{
		OrderID:      order.ID,
		RequestedQty: req.Quantity,
		LatencyMs:    latency,
		Attempts:     stats.Attempts,
	}

	if err != nil {
		c.finishFailed(ctx, order.ID, req)
		result.Status = domain.OrderStatusFailed
		return result, err
	}

	result.ExchangeID = ack.ExchangeID
	result.Status = ack.Status
	result.FilledQty = ack.FilledQty
	result.AvgFillPrice = ack.AvgFillPrice
	result.FeePaid = ack.Fee

	order.ExchangeID = ack.ExchangeID
	if err := c.orders.UpdateFill(ctx, order.ID, ack.Status, ack.FilledQty, ack.AvgFillPrice, ack.Fee); err != nil {
		c.logger.WarnContext(ctx, "fill not persisted",
			slog.String("order_id", order.ID), slog.String("error", err.Error()))
	}

	c.metrics.OrdersTotal.WithLabelValues(string(req.Type), string(ack.Status)).Inc()
	c.metrics.OrderLatencyMs.Observe(latency)

	c.logger.InfoContext(ctx, "order settled",
		slog.String("order_id", order.ID),
		slog.String("exchange_id", ack.ExchangeID),
		slog.String("status", string(ack.Status)),
		slog.Float64("filled_qty", ack.FilledQty),
		slog.Float64("latency_ms", latency),
		slog.Int("attempts", stats.Attempts),
	)
	return result, nil
}

// finishFailed marks the order failed and counts the outcome.
func (c *Client) finishFailed(ctx context.Context, orderID string, req exchange.OrderRequest) {
	if err := c.orders.UpdateStatus(ctx, orderID, domain.OrderStatusFailed); err != nil {
		c.logger.WarnContext(ctx, "failure not persisted",
			slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
	c.metrics.OrdersTotal.WithLabelValues(string(req.Type), string(domain.OrderStatusFailed)).Inc()
}

// failPosition moves a position to FAILED and persists the change. The
// transition may be rejected when a racing exit already settled the position;
// that is fine, the first terminal state wins.
func (c *Client) failPosition(ctx context.Context, pos domain.Position, reason string) {
	if err := c.lifecycle.Transition(ctx, pos.ID, domain.StateFailed, reason, nil); err != nil {
		c.logger.WarnContext(ctx, "position not marked failed",
			slog.String("position_id", pos.ID), slog.String("error", err.Error()))
		return
	}
	pos.State = domain.StateFailed
	pos.CloseReason = reason
	if err := c.positions.Update(ctx, pos); err != nil {
		c.logger.WarnContext(ctx, "failed state not persisted",
			slog.String("position_id", pos.ID), slog.String("error", err.Error()))
	}
}

func orderPrice(req exchange.OrderRequest) float64 {
	if req.Type == domain.OrderTypeStop {
		return req.StopPrice
	}
	return req.Price
}

// roundTenthMs converts a duration to milliseconds at 0.1 ms resolution.
func roundTenthMs(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/100) / 10
}
