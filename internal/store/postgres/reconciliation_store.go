package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpguard/perpbot/internal/domain"
)

// ReconciliationStore implements domain.ReconciliationResultStore using
// PostgreSQL.
type ReconciliationStore struct {
	pool *pgxpool.Pool
}

// NewReconciliationStore creates a ReconciliationStore backed by the given pool.
func NewReconciliationStore(pool *pgxpool.Pool) *ReconciliationStore {
	return &ReconciliationStore{pool: pool}
}

var _ domain.ReconciliationResultStore = (*ReconciliationStore)(nil)

const reconSelectCols = `id, position_id, symbol, local_qty, exchange_qty,
	discrepancy, corrected, note, created_at`

func scanReconRows(rows pgx.Rows) ([]domain.ReconciliationResult, error) {
	var out []domain.ReconciliationResult
	for rows.Next() {
		var r domain.ReconciliationResult
		if err := rows.Scan(
			&r.ID, &r.PositionID, &r.Symbol,
			&r.LocalQty, &r.ExchangeQty, &r.Discrepancy,
			&r.Corrected, &r.Note, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Insert records one reconciliation outcome.
func (s *ReconciliationStore) Insert(ctx context.Context, r domain.ReconciliationResult) error {
	const query = `
		INSERT INTO reconciliation_results (
			position_id, symbol, local_qty, exchange_qty,
			discrepancy, corrected, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		r.PositionID, r.Symbol, r.LocalQty, r.ExchangeQty,
		r.Discrepancy, r.Corrected, r.Note, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert reconciliation result for %s: %w", r.Symbol, err)
	}
	return nil
}

// ListByPosition returns the reconciliation history of a position, newest
// first.
func (s *ReconciliationStore) ListByPosition(ctx context.Context, positionID string) ([]domain.ReconciliationResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reconSelectCols+` FROM reconciliation_results
		 WHERE position_id = $1
		 ORDER BY id DESC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reconciliation results for %s: %w", positionID, err)
	}
	defer rows.Close()

	out, err := scanReconRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan reconciliation results: %w", err)
	}
	return out, nil
}

// ListBefore returns up to limit results created before the cutoff, oldest
// first.
func (s *ReconciliationStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.ReconciliationResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reconSelectCols+` FROM reconciliation_results
		 WHERE created_at < $1
		 ORDER BY id ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reconciliation results before %s: %w", cutoff, err)
	}
	defer rows.Close()

	out, err := scanReconRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan reconciliation results: %w", err)
	}
	return out, nil
}

// DeleteBefore removes results older than the cutoff.
func (s *ReconciliationStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM reconciliation_results WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete reconciliation results before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}
