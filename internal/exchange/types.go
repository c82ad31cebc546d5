package exchange

import "github.com/perpguard/perpbot/internal/domain"

// OrderRequest is a single order submission.
type OrderRequest struct {
	Symbol     string // perp convention; validated before the wire call
	Side       domain.OrderSide
	Type       domain.OrderType
	Quantity   float64
	Price      float64 // limit price; zero for market
	StopPrice  float64 // trigger price for stop orders
	ReduceOnly bool
	ClientRef  string // idempotency reference, deduplicated venue-side
	Leverage   int    // applied before entry orders; zero leaves it unchanged
}

// OrderAck is the venue's view of an order after submission or status fetch.
type OrderAck struct {
	ExchangeID   string
	ClientRef    string
	Status       domain.OrderStatus
	FilledQty    float64
	AvgFillPrice float64
	Fee          float64
}

// Balance is the account's settle-currency balance.
type Balance struct {
	Currency  string
	Total     float64
	Available float64
}

// wire-format payloads

type orderPayload struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price,omitempty"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
	ClientOrderID string  `json:"client_order_id"`
	Leverage      int     `json:"leverage,omitempty"`
}

type orderResponse struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Status        string  `json:"status"`
	FilledQty     float64 `json:"filled_qty"`
	AvgPrice      float64 `json:"avg_price"`
	Fee           float64 `json:"fee"`
}

type positionResponse struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	Leverage         int     `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
}

type tickerResponse struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Mark   float64 `json:"mark"`
}

type balanceResponse struct {
	Currency  string  `json:"currency"`
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
