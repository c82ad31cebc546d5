package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/perpguard/perpbot/internal/domain"
)

// Registry owns the state machines for all tracked positions. It is created
// by the engine and passed to the components that need it; there is no
// package-level instance.
type Registry struct {
	audit  domain.StateTransitionStore
	logger *slog.Logger

	mu       sync.RWMutex
	machines map[string]*StateMachine
}

// NewRegistry creates an empty registry.
func NewRegistry(audit domain.StateTransitionStore, logger *slog.Logger) *Registry {
	return &Registry{
		audit:    audit,
		logger:   logger,
		machines: make(map[string]*StateMachine),
	}
}

// Create registers a new machine for the position and returns it. If a
// machine already exists for the ID, the existing one is returned so two
// racing creators never observe divergent state.
func (r *Registry) Create(positionID string) *StateMachine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[positionID]; ok {
		return m
	}
	m := NewStateMachine(positionID, r.audit, r.logger)
	r.machines[positionID] = m
	return m
}

// Restore registers a machine already at the given state, for positions
// loaded from the store on startup. The restore itself is not audited; only
// subsequent transitions are.
func (r *Registry) Restore(positionID string, state domain.PositionState) *StateMachine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[positionID]; ok {
		return m
	}
	m := NewStateMachine(positionID, r.audit, r.logger)
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	r.machines[positionID] = m
	return m
}

// Transition routes a transition to the position's machine, creating one in
// the initial state when the position is new.
func (r *Registry) Transition(ctx context.Context, positionID string, to domain.PositionState, reason string, metadata map[string]any) error {
	m := r.Get(positionID)
	if m == nil {
		m = r.Create(positionID)
	}
	return m.Transition(ctx, to, reason, metadata)
}

// Get returns the machine for the position, or nil if none is tracked.
func (r *Registry) Get(positionID string) *StateMachine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.machines[positionID]
}

// Remove drops a machine from the registry. Safe to call for unknown IDs.
func (r *Registry) Remove(positionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, positionID)
}

// Snapshot returns the current state of every tracked position.
func (r *Registry) Snapshot() map[string]domain.PositionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.PositionState, len(r.machines))
	for id, m := range r.machines {
		out[id] = m.State()
	}
	return out
}

// ActiveIDs returns the IDs of positions whose machines are not terminal.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, m := range r.machines {
		if !m.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}
