package domain

import "time"

// TradeIntent is a validated request to open a position, produced by an
// external signal source. The engine assumes basic admissibility limits
// (max leverage, max concurrent positions) were already checked upstream.
type TradeIntent struct {
	ID         string
	Symbol     string // perp convention, e.g. "BTC/USDT:USDT"
	Side       PositionSide
	Quantity   float64
	Leverage   int
	StopPct    float64 // stop distance from entry, e.g. 0.02 for 2%
	TakePct    float64 // optional take-profit distance; zero disables
	Source     string
	Reason     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// StopPriceFrom derives the absolute stop level from the entry fill price.
func (i TradeIntent) StopPriceFrom(entry float64) float64 {
	if i.StopPct <= 0 {
		return 0
	}
	if i.Side == SideShort {
		return entry * (1 + i.StopPct)
	}
	return entry * (1 - i.StopPct)
}

// TakeProfitFrom derives the absolute take-profit level from the entry fill
// price, or zero when no take-profit was requested.
func (i TradeIntent) TakeProfitFrom(entry float64) float64 {
	if i.TakePct <= 0 {
		return 0
	}
	if i.Side == SideShort {
		return entry * (1 - i.TakePct)
	}
	return entry * (1 + i.TakePct)
}
