package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memAudit is an in-memory StateTransitionStore.
type memAudit struct {
	mu      sync.Mutex
	entries []domain.StateTransition
	failing bool
}

func (a *memAudit) Append(_ context.Context, tr domain.StateTransition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing {
		return errors.New("store down")
	}
	a.entries = append(a.entries, tr)
	return nil
}

func (a *memAudit) ListByPosition(_ context.Context, positionID string) ([]domain.StateTransition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.StateTransition
	for _, tr := range a.entries {
		if tr.PositionID == positionID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (a *memAudit) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.StateTransition, error) {
	return nil, nil
}

func (a *memAudit) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func TestValidTransitionPath(t *testing.T) {
	audit := &memAudit{}
	m := NewStateMachine("pos-1", audit, testLogger())
	ctx := context.Background()

	steps := []struct {
		to     domain.PositionState
		reason string
	}{
		{domain.StateOpening, "entry submitted"},
		{domain.StateOpen, "entry filled"},
		{domain.StateClosing, "stop crossed"},
		{domain.StateClosed, "exit filled"},
	}

	for _, s := range steps {
		if err := m.Transition(ctx, s.to, s.reason, nil); err != nil {
			t.Fatalf("transition to %s: %v", s.to, err)
		}
		if got := m.State(); got != s.to {
			t.Fatalf("state = %s, want %s", got, s.to)
		}
	}

	trs, _ := audit.ListByPosition(ctx, "pos-1")
	if len(trs) != 4 {
		t.Fatalf("audit entries = %d, want 4", len(trs))
	}
	if trs[0].From != domain.StateNone || trs[3].To != domain.StateClosed {
		t.Errorf("audit trail endpoints wrong: %+v", trs)
	}
}

func TestInvalidEdgesNeverMutateState(t *testing.T) {
	tests := []struct {
		from domain.PositionState
		to   domain.PositionState
	}{
		{domain.StateNone, domain.StateOpen},
		{domain.StateNone, domain.StateClosed},
		{domain.StateOpening, domain.StateClosing},
		{domain.StateOpen, domain.StateOpening},
		{domain.StateOpen, domain.StateFailed},
		{domain.StateClosing, domain.StateOpen},
		{domain.StateClosing, domain.StateLiquidated},
	}

	for _, tt := range tests {
		m := machineInState(t, tt.from)
		err := m.Transition(context.Background(), tt.to, "bad", nil)

		var ite *domain.InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("%s -> %s: got %v, want InvalidTransitionError", tt.from, tt.to, err)
			continue
		}
		if ite.From != tt.from || ite.To != tt.to {
			t.Errorf("error names %s -> %s, want %s -> %s", ite.From, ite.To, tt.from, tt.to)
		}
		if got := m.State(); got != tt.from {
			t.Errorf("%s -> %s mutated state to %s", tt.from, tt.to, got)
		}
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	terminals := []domain.PositionState{domain.StateClosed, domain.StateFailed, domain.StateLiquidated}
	all := []domain.PositionState{
		domain.StateNone, domain.StateOpening, domain.StateOpen,
		domain.StateClosing, domain.StateClosed, domain.StateFailed, domain.StateLiquidated,
	}

	for _, terminal := range terminals {
		m := machineInState(t, terminal)
		for _, to := range all {
			err := m.Transition(context.Background(), to, "escape attempt", nil)
			var ite *domain.InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Errorf("%s -> %s: got %v, want InvalidTransitionError", terminal, to, err)
			}
			if got := m.State(); got != terminal {
				t.Errorf("terminal %s mutated to %s", terminal, got)
			}
		}
		if !m.Terminal() {
			t.Errorf("Terminal() = false for %s", terminal)
		}
	}
}

func TestTransitionRequiresReason(t *testing.T) {
	m := NewStateMachine("pos-1", &memAudit{}, testLogger())
	if err := m.Transition(context.Background(), domain.StateOpening, "", nil); err == nil {
		t.Fatal("transition with empty reason succeeded")
	}
	if got := m.State(); got != domain.StateNone {
		t.Fatalf("state = %s, want none", got)
	}
}

func TestAuditFailureDoesNotBlockTransition(t *testing.T) {
	audit := &memAudit{failing: true}
	m := NewStateMachine("pos-1", audit, testLogger())

	if err := m.Transition(context.Background(), domain.StateOpening, "entry submitted", nil); err != nil {
		t.Fatalf("transition failed on audit error: %v", err)
	}
	if got := m.State(); got != domain.StateOpening {
		t.Fatalf("state = %s, want opening", got)
	}
}

func TestAllowedNext(t *testing.T) {
	m := machineInState(t, domain.StateOpen)
	next := m.AllowedNext()
	if len(next) != 2 {
		t.Fatalf("AllowedNext = %v, want closing+liquidated", next)
	}

	m = machineInState(t, domain.StateClosed)
	if next := m.AllowedNext(); len(next) != 0 {
		t.Fatalf("AllowedNext from terminal = %v, want empty", next)
	}
}

func TestConcurrentTransitionsSerializePerPosition(t *testing.T) {
	m := NewStateMachine("pos-1", &memAudit{}, testLogger())
	ctx := context.Background()

	if err := m.Transition(ctx, domain.StateOpening, "entry", nil); err != nil {
		t.Fatal(err)
	}

	// Many goroutines race OPENING -> OPEN; exactly one may win.
	var wg sync.WaitGroup
	var okCount int32
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Transition(ctx, domain.StateOpen, "fill", nil); err == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if okCount != 1 {
		t.Fatalf("%d racing transitions succeeded, want exactly 1", okCount)
	}
	if got := m.State(); got != domain.StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
}

func TestRegistryOwnsMachines(t *testing.T) {
	r := NewRegistry(&memAudit{}, testLogger())

	m1 := r.Create("pos-1")
	if again := r.Create("pos-1"); again != m1 {
		t.Fatal("Create returned a second machine for the same position")
	}
	if r.Get("pos-1") != m1 {
		t.Fatal("Get did not return the created machine")
	}
	if r.Get("missing") != nil {
		t.Fatal("Get for unknown ID should be nil")
	}

	_ = m1.Transition(context.Background(), domain.StateOpening, "entry", nil)
	snap := r.Snapshot()
	if snap["pos-1"] != domain.StateOpening {
		t.Fatalf("snapshot = %v", snap)
	}

	r.Remove("pos-1")
	if r.Get("pos-1") != nil {
		t.Fatal("machine survived Remove")
	}
}

// machineInState walks a fresh machine to the requested state through valid
// edges only.
func machineInState(t *testing.T, target domain.PositionState) *StateMachine {
	t.Helper()
	m := NewStateMachine("pos-t", &memAudit{}, testLogger())
	ctx := context.Background()

	paths := map[domain.PositionState][]domain.PositionState{
		domain.StateNone:       {},
		domain.StateOpening:    {domain.StateOpening},
		domain.StateOpen:       {domain.StateOpening, domain.StateOpen},
		domain.StateClosing:    {domain.StateOpening, domain.StateOpen, domain.StateClosing},
		domain.StateClosed:     {domain.StateOpening, domain.StateOpen, domain.StateClosing, domain.StateClosed},
		domain.StateFailed:     {domain.StateOpening, domain.StateFailed},
		domain.StateLiquidated: {domain.StateOpening, domain.StateOpen, domain.StateLiquidated},
	}

	for _, step := range paths[target] {
		if err := m.Transition(ctx, step, "setup", nil); err != nil {
			t.Fatalf("setup transition to %s: %v", step, err)
		}
	}
	return m
}
