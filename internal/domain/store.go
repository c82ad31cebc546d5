package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists the engine's local position ledger.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	UpdateQuantity(ctx context.Context, id string, qty float64) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
}

// OrderStore persists order submissions.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	UpdateFill(ctx context.Context, id string, status OrderStatus, filledQty, avgPrice, fee float64) error
	UpdateStatus(ctx context.Context, id string, status OrderStatus) error
	GetByID(ctx context.Context, id string) (Order, error)
	GetByClientRef(ctx context.Context, ref string) (Order, error)
	ListByPosition(ctx context.Context, positionID string) ([]Order, error)
}

// StateTransitionStore persists the append-only lifecycle audit trail.
type StateTransitionStore interface {
	Append(ctx context.Context, tr StateTransition) error
	ListByPosition(ctx context.Context, positionID string) ([]StateTransition, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]StateTransition, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ReconciliationResultStore persists reconciliation outcomes.
type ReconciliationResultStore interface {
	Insert(ctx context.Context, res ReconciliationResult) error
	ListByPosition(ctx context.Context, positionID string) ([]ReconciliationResult, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]ReconciliationResult, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
