package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
	"github.com/perpguard/perpbot/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeVenue struct {
	mu        sync.Mutex
	positions []domain.ExchangePosition
	err       error
	calls     int
}

func (f *fakeVenue) GetPositions(_ context.Context) ([]domain.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.ExchangePosition(nil), f.positions...), nil
}

func (f *fakeVenue) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memPositions struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	creates   int
}

func newMemPositions(seed ...domain.Position) *memPositions {
	s := &memPositions{positions: make(map[string]domain.Position)}
	for _, p := range seed {
		s.positions[p.ID] = p
	}
	return s
}

func (s *memPositions) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	s.positions[p.ID] = p
	return nil
}

func (s *memPositions) Update(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.positions[p.ID] = p
	return nil
}

func (s *memPositions) UpdateQuantity(_ context.Context, id string, qty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Quantity = qty
	s.positions[id] = p
	return nil
}

func (s *memPositions) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositions) ListActive(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if !p.State.Terminal() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositions) ListHistory(_ context.Context, _ domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type memResults struct {
	mu      sync.Mutex
	results []domain.ReconciliationResult
}

func (s *memResults) Insert(_ context.Context, r domain.ReconciliationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *memResults) ListByPosition(_ context.Context, _ string) ([]domain.ReconciliationResult, error) {
	return nil, nil
}

func (s *memResults) ListBefore(_ context.Context, _ time.Time, _ int) ([]domain.ReconciliationResult, error) {
	return nil, nil
}

func (s *memResults) DeleteBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (s *memResults) all() []domain.ReconciliationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ReconciliationResult(nil), s.results...)
}

type memLifecycle struct {
	mu    sync.Mutex
	steps []struct {
		ID string
		To domain.PositionState
	}
}

func (l *memLifecycle) Transition(_ context.Context, positionID string, to domain.PositionState, _ string, _ map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, struct {
		ID string
		To domain.PositionState
	}{positionID, to})
	return nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAlerter) Notify(_ context.Context, event, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAlerter) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

type fakeGuards struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeGuards) Unprotect(_ context.Context, positionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, positionID)
}

func (f *fakeGuards) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type fakeLocks struct {
	held bool
}

func (f *fakeLocks) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	if f.held {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

func openPosition(id, symbol string, side domain.PositionSide, qty float64) domain.Position {
	return domain.Position{
		ID:       id,
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		State:    domain.StateOpen,
	}
}

type harness struct {
	engine    *Engine
	venue     *fakeVenue
	positions *memPositions
	results   *memResults
	lifecycle *memLifecycle
	guards    *fakeGuards
	alerts    *fakeAlerter
}

func newHarness(t *testing.T, venue *fakeVenue, positions *memPositions, locks domain.LockManager) *harness {
	t.Helper()
	results := &memResults{}
	lc := &memLifecycle{}
	guards := &fakeGuards{}
	alerts := &fakeAlerter{}
	engine := New(venue, positions, results, lc, guards, locks, alerts, metrics.New(), Config{}, testLogger())
	return &harness{engine: engine, venue: venue, positions: positions, results: results, lifecycle: lc, guards: guards, alerts: alerts}
}

func TestMatchingPositionsNeedNoCorrection(t *testing.T) {
	positions := newMemPositions(openPosition("pos-1", "BTC/USDT:USDT", domain.SideLong, 0.5))
	venue := &fakeVenue{positions: []domain.ExchangePosition{
		{Symbol: "BTC/USDT:USDT", Side: domain.SideLong, Quantity: 0.5},
	}}
	h := newHarness(t, venue, positions, nil)

	summary, err := h.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Checked != 1 || summary.Matched != 1 || summary.Corrected != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(h.results.all()) != 0 {
		t.Errorf("results recorded for a clean pass: %+v", h.results.all())
	}
}

func TestDriftWithinToleranceIgnored(t *testing.T) {
	// Relative drift just under 0.001%.
	positions := newMemPositions(openPosition("pos-1", "BTC/USDT:USDT", domain.SideLong, 1.0))
	venue := &fakeVenue{positions: []domain.ExchangePosition{
		{Symbol: "BTC/USDT:USDT", Side: domain.SideLong, Quantity: 1.000009},
	}}
	h := newHarness(t, venue, positions, nil)

	summary, err := h.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Corrected != 0 || summary.Matched != 1 {
		t.Errorf("summary = %+v, drift inside tolerance must not correct", summary)
	}

	got, _ := positions.GetByID(context.Background(), "pos-1")
	if got.Quantity != 1.0 {
		t.Errorf("quantity mutated to %v inside tolerance", got.Quantity)
	}
}

func TestDriftBeyondToleranceAdoptsExchangeQuantity(t *testing.T) {
	positions := newMemPositions(openPosition("pos-1", "BTC/USDT:USDT", domain.SideLong, 1.0))
	venue := &fakeVenue{positions: []domain.ExchangePosition{
		{Symbol: "BTC/USDT:USDT", Side: domain.SideLong, Quantity: 0.8},
	}}
	h := newHarness(t, venue, positions, nil)

	summary, err := h.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Corrected != 1 {
		t.Fatalf("summary = %+v, want 1 correction", summary)
	}

	got, _ := positions.GetByID(context.Background(), "pos-1")
	if got.Quantity != 0.8 {
		t.Errorf("quantity = %v, want exchange value 0.8", got.Quantity)
	}

	results := h.results.all()
	if len(results) != 1 || !results[0].Corrected || results[0].ExchangeQty != 0.8 {
		t.Errorf("results = %+v", results)
	}
	if h.alerts.count("reconciliation_corrected") != 1 {
		t.Error("correction not alerted")
	}
}

func TestLocalOnlyPositionMarkedLiquidated(t *testing.T) {
	positions := newMemPositions(openPosition("pos-1", "BTC/USDT:USDT", domain.SideLong, 0.5))
	venue := &fakeVenue{} // exchange holds nothing
	h := newHarness(t, venue, positions, nil)

	summary, err := h.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Missing != 1 {
		t.Fatalf("summary = %+v, want 1 missing", summary)
	}

	h.lifecycle.mu.Lock()
	steps := h.lifecycle.steps
	h.lifecycle.mu.Unlock()
	if len(steps) != 1 || steps[0].To != domain.StateLiquidated {
		t.Errorf("lifecycle steps = %+v, want liquidated", steps)
	}

	got, _ := positions.GetByID(context.Background(), "pos-1")
	if got.State != domain.StateLiquidated || got.ClosedAt == nil {
		t.Errorf("position = %+v", got)
	}
	if h.alerts.count("liquidation_detected") != 1 {
		t.Error("liquidation not alerted")
	}
}

func TestLiquidationReleasesGuardianProtection(t *testing.T) {
	positions := newMemPositions(
		openPosition("pos-gone", "BTC/USDT:USDT", domain.SideLong, 0.5),
		openPosition("pos-kept", "ETH/USDT:USDT", domain.SideShort, 2),
	)
	venue := &fakeVenue{positions: []domain.ExchangePosition{
		{Symbol: "ETH/USDT:USDT", Side: domain.SideShort, Quantity: 2},
	}}
	h := newHarness(t, venue, positions, nil)

	if _, err := h.engine.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The vanished position's guard must be released so its monitors stop and
	// any resting exchange stop is cancelled; the intact one keeps its guard.
	released := h.guards.all()
	if len(released) != 1 || released[0] != "pos-gone" {
		t.Errorf("released guards = %v, want [pos-gone]", released)
	}
}

func TestPokeSchedulesImmediatePass(t *testing.T) {
	positions := newMemPositions(openPosition("pos-1", "BTC/USDT:USDT", domain.SideLong, 0.5))
	venue := &fakeVenue{positions: []domain.ExchangePosition{
		{Symbol: "BTC/USDT:USDT", Side: domain.SideLong, Quantity: 0.5},
	}}
	h := newHarness(t, venue, positions, nil)
	// Interval long enough that only a poke can drive a pass.
	h.engine.cfg.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	h.engine.Poke()
	deadline := time.Now().Add(2 * time.Second)
	for venue.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poke did not trigger a pass")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// A second poke works the same; the channel must not be left full.
	h.engine.Poke()
	deadline = time.Now().Add(2 * time.Second)
	for venue.callCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("second poke did not trigger a pass")
		}
		time.Sleep(2 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestOrphanExchangePositionNeverAdopted(t *testing.T) {
	positions := newMemPositions()
	venue := &fakeVenue{positions: []domain.ExchangePosition{
		{Symbol: "ETH/USDT:USDT", Side: domain.SideShort, Quantity: 2},
	}}
	h := newHarness(t, venue, positions, nil)

	summary, err := h.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Orphans != 1 {
		t.Fatalf("summary = %+v, want 1 orphan", summary)
	}
	if h.alerts.count("orphan_position") != 1 {
		t.Error("orphan not alerted")
	}

	positions.mu.Lock()
	defer positions.mu.Unlock()
	if positions.creates != 0 || len(positions.positions) != 0 {
		t.Error("orphan was adopted into the ledger")
	}

	results := h.results.all()
	if len(results) != 1 || results[0].Corrected {
		t.Errorf("results = %+v, orphan must be recorded uncorrected", results)
	}
}

func TestSideMismatchTreatedAsOrphan(t *testing.T) {
	positions := newMemPositions(openPosition("pos-1", "BTC/USDT:USDT", domain.SideLong, 0.5))
	venue := &fakeVenue{positions: []domain.ExchangePosition{
		{Symbol: "BTC/USDT:USDT", Side: domain.SideShort, Quantity: 0.5},
	}}
	h := newHarness(t, venue, positions, nil)

	summary, err := h.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Orphans != 1 || summary.Corrected != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if h.alerts.count("orphan_position") != 1 {
		t.Error("side mismatch not alerted as orphan")
	}

	// The ledger must not be flipped or resized on a side disagreement.
	got, _ := positions.GetByID(context.Background(), "pos-1")
	if got.Side != domain.SideLong || got.Quantity != 0.5 || got.State != domain.StateOpen {
		t.Errorf("position mutated on side mismatch: %+v", got)
	}
}

func TestInFlightPositionsSkipped(t *testing.T) {
	opening := openPosition("pos-1", "BTC/USDT:USDT", domain.SideLong, 0.5)
	opening.State = domain.StateOpening
	positions := newMemPositions(opening)
	venue := &fakeVenue{}
	h := newHarness(t, venue, positions, nil)

	summary, err := h.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Checked != 0 || summary.Missing != 0 {
		t.Errorf("summary = %+v, in-flight position must be skipped", summary)
	}
}

func TestPassSkippedWhenLockHeld(t *testing.T) {
	positions := newMemPositions(openPosition("pos-1", "BTC/USDT:USDT", domain.SideLong, 0.5))
	venue := &fakeVenue{}
	h := newHarness(t, venue, positions, &fakeLocks{held: true})

	summary, err := h.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("held lock must skip, not fail: %v", err)
	}
	if summary.Checked != 0 {
		t.Errorf("summary = %+v, want untouched pass", summary)
	}

	got, _ := positions.GetByID(context.Background(), "pos-1")
	if got.State != domain.StateOpen {
		t.Error("ledger touched while another replica held the lock")
	}
}

func TestVenueFailureAbortsPassWithoutCorrections(t *testing.T) {
	positions := newMemPositions(openPosition("pos-1", "BTC/USDT:USDT", domain.SideLong, 0.5))
	venue := &fakeVenue{err: &domain.TransientError{Op: "positions", Err: context.DeadlineExceeded}}
	h := newHarness(t, venue, positions, nil)

	if _, err := h.engine.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error when the venue view is unavailable")
	}

	// Without the exchange view, nothing may be judged missing.
	got, _ := positions.GetByID(context.Background(), "pos-1")
	if got.State != domain.StateOpen {
		t.Errorf("position state = %s after failed pass", got.State)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, &fakeVenue{}, newMemPositions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
