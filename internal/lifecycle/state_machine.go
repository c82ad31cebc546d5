// Package lifecycle tracks each position through a fixed, validated state
// machine and records every transition in an append-only audit trail.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
)

// transitions is the closed edge table. Anything not listed is invalid, and
// the three terminal states have no outgoing edges at all.
var transitions = map[domain.PositionState][]domain.PositionState{
	domain.StateNone:    {domain.StateOpening},
	domain.StateOpening: {domain.StateOpen, domain.StateFailed},
	domain.StateOpen:    {domain.StateClosing, domain.StateLiquidated},
	domain.StateClosing: {domain.StateClosed, domain.StateFailed},
}

// allowed reports whether from -> to is a valid edge.
func allowed(from, to domain.PositionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine serializes lifecycle transitions for a single position.
// Transitions for different positions proceed independently; the registry
// hands out one machine per position.
type StateMachine struct {
	positionID string
	audit      domain.StateTransitionStore
	logger     *slog.Logger

	mu        sync.Mutex
	state     domain.PositionState
	enteredAt time.Time
}

// NewStateMachine creates a machine in StateNone for the given position.
func NewStateMachine(positionID string, audit domain.StateTransitionStore, logger *slog.Logger) *StateMachine {
	return &StateMachine{
		positionID: positionID,
		audit:      audit,
		logger:     logger.With(slog.String("component", "lifecycle"), slog.String("position_id", positionID)),
		state:      domain.StateNone,
		enteredAt:  time.Now().UTC(),
	}
}

// Transition moves the position to the target state. The reason must be
// non-empty; metadata is optional. An invalid edge, or any edge out of a
// terminal state, returns *domain.InvalidTransitionError and never mutates
// state. The audit write is best-effort: a store failure is logged but the
// in-memory transition stands.
func (m *StateMachine) Transition(ctx context.Context, to domain.PositionState, reason string, metadata map[string]any) error {
	if reason == "" {
		return fmt.Errorf("lifecycle: position %s: transition to %s requires a reason", m.positionID, to)
	}

	m.mu.Lock()
	from := m.state
	if from.Terminal() || !allowed(from, to) {
		m.mu.Unlock()
		return &domain.InvalidTransitionError{PositionID: m.positionID, From: from, To: to}
	}
	m.state = to
	m.enteredAt = time.Now().UTC()
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)

	if m.audit != nil {
		tr := domain.StateTransition{
			PositionID: m.positionID,
			From:       from,
			To:         to,
			Reason:     reason,
			Metadata:   metadata,
			CreatedAt:  time.Now().UTC(),
		}
		if err := m.audit.Append(ctx, tr); err != nil {
			m.logger.WarnContext(ctx, "audit append failed",
				slog.String("to", string(to)),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// State returns the current state.
func (m *StateMachine) State() domain.PositionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AllowedNext returns the states reachable from the current state. Terminal
// states return nil.
func (m *StateMachine) AllowedNext() []domain.PositionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := transitions[m.state]
	out := make([]domain.PositionState, len(next))
	copy(out, next)
	return out
}

// TimeInState returns how long the position has been in its current state.
func (m *StateMachine) TimeInState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.enteredAt)
}

// Terminal reports whether the machine has reached an absorbing state.
func (m *StateMachine) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Terminal()
}
