package domain

import (
	"context"
	"time"
)

// ProtectionLayer identifies which of the guardian's redundant layers acted.
type ProtectionLayer int

const (
	LayerNone      ProtectionLayer = iota
	LayerExchange                  // exchange-native stop order
	LayerMonitor                   // local price monitor
	LayerEmergency                 // unrealized-loss backstop
)

func (l ProtectionLayer) String() string {
	switch l {
	case LayerExchange:
		return "exchange_stop"
	case LayerMonitor:
		return "local_monitor"
	case LayerEmergency:
		return "emergency"
	default:
		return "none"
	}
}

// ProtectionRecord tracks the three protection layers guarding one open
// position. The cancel funcs are retained so stopping protection can
// deterministically tear down both monitor tasks.
type ProtectionRecord struct {
	PositionID    string
	Symbol        string
	Side          PositionSide
	EntryPrice    float64
	StopPrice     float64
	StopOrderID   string // layer 1 exchange order; empty if placement failed
	CancelMonitor context.CancelFunc
	Triggered     ProtectionLayer
	TriggeredAt   time.Time
	StartedAt     time.Time
}
