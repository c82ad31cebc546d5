package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpguard/perpbot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

var _ domain.OrderStore = (*OrderStore)(nil)

const orderSelectCols = `id, exchange_id, client_ref, position_id, symbol, side,
	order_type, price, quantity, filled_qty, avg_fill_price, reduce_only,
	status, fee_paid, latency_ms, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, orderType, status string

	err := row.Scan(
		&o.ID, &o.ExchangeID, &o.ClientRef, &o.PositionID,
		&o.Symbol, &side, &orderType,
		&o.Price, &o.Quantity, &o.FilledQty, &o.AvgFillPrice,
		&o.ReduceOnly, &status, &o.FeePaid, &o.LatencyMs,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// Create inserts a new order record.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, exchange_id, client_ref, position_id, symbol, side,
			order_type, price, quantity, filled_qty, avg_fill_price,
			reduce_only, status, fee_paid, latency_ms, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.ExchangeID, o.ClientRef, o.PositionID,
		o.Symbol, string(o.Side), string(o.Type),
		o.Price, o.Quantity, o.FilledQty, o.AvgFillPrice,
		o.ReduceOnly, string(o.Status), o.FeePaid, o.LatencyMs,
		o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateFill records fill progress reported by the venue. Terminal orders are
// immutable; updating one returns ErrInvalidOrder.
func (s *OrderStore) UpdateFill(ctx context.Context, id string, status domain.OrderStatus, filledQty, avgPrice, fee float64) error {
	const query = `
		UPDATE orders SET
			status         = $2,
			filled_qty     = $3,
			avg_fill_price = $4,
			fee_paid       = $5,
			updated_at     = NOW()
		WHERE id = $1 AND status NOT IN ('filled', 'cancelled', 'failed', 'expired')`

	tag, err := s.pool.Exec(ctx, query, id, string(status), filledQty, avgPrice, fee)
	if err != nil {
		return fmt.Errorf("postgres: update order %s fill: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notUpdatable(ctx, id)
	}
	return nil
}

// UpdateStatus changes only the status of a non-terminal order.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	const query = `
		UPDATE orders SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('filled', 'cancelled', 'failed', 'expired')`

	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update order %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notUpdatable(ctx, id)
	}
	return nil
}

// notUpdatable distinguishes a missing order from a terminal one.
func (s *OrderStore) notUpdatable(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: check order %s: %w", id, err)
	}
	return fmt.Errorf("postgres: order %s: %w: already %s", id, domain.ErrInvalidOrder, status)
}

// GetByID retrieves a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// GetByClientRef retrieves an order by its idempotency reference.
func (s *OrderStore) GetByClientRef(ctx context.Context, ref string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE client_ref = $1`, ref)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order by ref %s: %w", ref, err)
	}
	return o, nil
}

// ListByPosition returns all orders submitted for a position, oldest first.
func (s *OrderStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE position_id = $1
		 ORDER BY created_at ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for position %s: %w", positionID, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan orders: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
