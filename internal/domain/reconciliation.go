package domain

import "time"

// ReconciliationResult records one detected quantity discrepancy between the
// local ledger and the exchange, and whether a correction was applied.
type ReconciliationResult struct {
	ID          int64
	PositionID  string
	Symbol      string
	LocalQty    float64
	ExchangeQty float64
	Discrepancy float64
	Corrected   bool
	Note        string
	CreatedAt   time.Time
}
