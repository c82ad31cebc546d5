package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpguard/perpbot/internal/domain"
)

// TransitionStore implements domain.StateTransitionStore using PostgreSQL.
// The table is append-only: there is no update or single-row delete, only
// bulk expiry of aged records after they are archived.
type TransitionStore struct {
	pool *pgxpool.Pool
}

// NewTransitionStore creates a TransitionStore backed by the given pool.
func NewTransitionStore(pool *pgxpool.Pool) *TransitionStore {
	return &TransitionStore{pool: pool}
}

var _ domain.StateTransitionStore = (*TransitionStore)(nil)

const transitionSelectCols = `id, position_id, from_state, to_state, reason, metadata, created_at`

func scanTransitionRows(rows pgx.Rows) ([]domain.StateTransition, error) {
	var out []domain.StateTransition
	for rows.Next() {
		var tr domain.StateTransition
		var from, to string
		var metadata []byte

		if err := rows.Scan(&tr.ID, &tr.PositionID, &from, &to, &tr.Reason, &metadata, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.From = domain.PositionState(from)
		tr.To = domain.PositionState(to)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &tr.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Append inserts one transition record.
func (s *TransitionStore) Append(ctx context.Context, tr domain.StateTransition) error {
	var metadata []byte
	if tr.Metadata != nil {
		var err error
		metadata, err = json.Marshal(tr.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: marshal transition metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO state_transitions (
			position_id, from_state, to_state, reason, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		tr.PositionID, string(tr.From), string(tr.To),
		tr.Reason, metadata, tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append transition for %s: %w", tr.PositionID, err)
	}
	return nil
}

// ListByPosition returns a position's transitions in insertion order.
func (s *TransitionStore) ListByPosition(ctx context.Context, positionID string) ([]domain.StateTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transitionSelectCols+` FROM state_transitions
		 WHERE position_id = $1
		 ORDER BY id ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transitions for %s: %w", positionID, err)
	}
	defer rows.Close()

	out, err := scanTransitionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transitions: %w", err)
	}
	return out, nil
}

// ListBefore returns up to limit transitions created before the cutoff,
// oldest first. The archiver drains aged records through this.
func (s *TransitionStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.StateTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transitionSelectCols+` FROM state_transitions
		 WHERE created_at < $1
		 ORDER BY id ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transitions before %s: %w", cutoff, err)
	}
	defer rows.Close()

	out, err := scanTransitionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transitions: %w", err)
	}
	return out, nil
}

// DeleteBefore removes transitions older than the cutoff and reports how many
// rows went. Only called after a successful archive export.
func (s *TransitionStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM state_transitions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete transitions before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}
