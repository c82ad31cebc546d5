package domain

import "time"

// OrderSide indicates whether an order buys or sells the base asset.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// EntrySide maps a position direction to the order side that opens it.
func EntrySide(side PositionSide) OrderSide {
	if side == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide maps a position direction to the order side that reduces it.
func ExitSide(side PositionSide) OrderSide {
	if side == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderType is the closed set of order kinds the engine submits.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// OrderStatus tracks the order lifecycle on the exchange.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status is final. An order record is immutable
// once it reaches a terminal status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Order is a single submission against the exchange. Created once per
// submission; a retry after an ambiguous failure reuses the same ClientRef so
// the venue can deduplicate.
type Order struct {
	ID           string
	ExchangeID   string
	ClientRef    string // idempotency reference sent with every submission
	PositionID   string
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Price        float64 // limit or stop trigger price; zero for market
	Quantity     float64 // requested
	FilledQty    float64
	AvgFillPrice float64
	ReduceOnly   bool
	Status       OrderStatus
	FeePaid      float64
	LatencyMs    float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderResult is the outcome of a submission after retries settle.
type OrderResult struct {
	OrderID      string
	ExchangeID   string
	Status       OrderStatus
	RequestedQty float64
	FilledQty    float64
	AvgFillPrice float64
	FeePaid      float64
	LatencyMs    float64
	Attempts     int
}

// PartiallyFilled reports whether the venue filled less than requested.
func (r OrderResult) PartiallyFilled() bool {
	return r.FilledQty > 0 && r.FilledQty < r.RequestedQty
}
