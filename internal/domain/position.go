package domain

import "time"

// PositionSide indicates the direction of an exposure.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Opposite returns the exit direction for this side.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionState is a lifecycle state of a tracked position.
type PositionState string

const (
	StateNone       PositionState = "none"
	StateOpening    PositionState = "opening"
	StateOpen       PositionState = "open"
	StateClosing    PositionState = "closing"
	StateClosed     PositionState = "closed"
	StateFailed     PositionState = "failed"
	StateLiquidated PositionState = "liquidated"
)

// Terminal reports whether the state is absorbing: no further transitions are
// permitted out of it.
func (s PositionState) Terminal() bool {
	switch s {
	case StateClosed, StateFailed, StateLiquidated:
		return true
	default:
		return false
	}
}

// Position is a tracked exposure on the derivatives venue. The engine's local
// ledger owns this record; the exchange holds an independently authoritative
// mirror that reconciliation compares against. The two must never be assumed
// equal.
type Position struct {
	ID            string
	Symbol        string // perp convention, e.g. "BTC/USDT:USDT"
	Side          PositionSide
	Quantity      float64
	EntryPrice    float64
	CurrentPrice  float64
	Leverage      int
	StopPrice     float64
	TakeProfit    float64
	State         PositionState
	UnrealizedPnL float64
	RealizedPnL   float64
	FeesPaid      float64
	CloseReason   string
	OpenedAt      time.Time
	ClosedAt      *time.Time
	ExitPrice     *float64
}

// PnLAt returns the unrealized profit for the position at the given mark
// price, before fees.
func (p Position) PnLAt(price float64) float64 {
	switch p.Side {
	case SideLong:
		return (price - p.EntryPrice) * p.Quantity
	case SideShort:
		return (p.EntryPrice - price) * p.Quantity
	default:
		return 0
	}
}

// LossFractionAt returns the unrealized loss at price as a positive fraction
// of the position's entry notional. Gains return 0.
func (p Position) LossFractionAt(price float64) float64 {
	notional := p.EntryPrice * p.Quantity
	if notional <= 0 {
		return 0
	}
	pnl := p.PnLAt(price)
	if pnl >= 0 {
		return 0
	}
	return -pnl / notional
}

// StopCrossed reports whether price has crossed the position's stop level in
// the losing direction.
func (p Position) StopCrossed(price float64) bool {
	if p.StopPrice <= 0 {
		return false
	}
	switch p.Side {
	case SideLong:
		return price <= p.StopPrice
	case SideShort:
		return price >= p.StopPrice
	default:
		return false
	}
}

// ExchangePosition is the venue's view of an exposure, as returned by the
// positions endpoint. Quantity is authoritative over the local ledger.
type ExchangePosition struct {
	Symbol           string
	Side             PositionSide
	Quantity         float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnL    float64
	Leverage         int
	LiquidationPrice float64
}
