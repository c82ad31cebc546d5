package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memBlob struct {
	objects map[string][]byte
	putErr  error
}

func newMemBlob() *memBlob {
	return &memBlob{objects: make(map[string][]byte)}
}

func (b *memBlob) Put(_ context.Context, key string, body []byte, _ string) error {
	if b.putErr != nil {
		return b.putErr
	}
	b.objects[key] = append([]byte(nil), body...)
	return nil
}

type memTransitions struct {
	rows []domain.StateTransition
}

func (s *memTransitions) Append(_ context.Context, tr domain.StateTransition) error {
	s.rows = append(s.rows, tr)
	return nil
}

func (s *memTransitions) ListByPosition(context.Context, string) ([]domain.StateTransition, error) {
	return nil, nil
}

func (s *memTransitions) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.StateTransition, error) {
	var out []domain.StateTransition
	for _, tr := range s.rows {
		if tr.CreatedAt.Before(cutoff) {
			out = append(out, tr)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memTransitions) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var kept []domain.StateTransition
	var deleted int64
	for _, tr := range s.rows {
		if tr.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, tr)
	}
	s.rows = kept
	return deleted, nil
}

type memResults struct {
	rows []domain.ReconciliationResult
}

func (s *memResults) Insert(_ context.Context, r domain.ReconciliationResult) error {
	s.rows = append(s.rows, r)
	return nil
}

func (s *memResults) ListByPosition(context.Context, string) ([]domain.ReconciliationResult, error) {
	return nil, nil
}

func (s *memResults) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.ReconciliationResult, error) {
	var out []domain.ReconciliationResult
	for _, r := range s.rows {
		if r.CreatedAt.Before(cutoff) {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memResults) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var kept []domain.ReconciliationResult
	var deleted int64
	for _, r := range s.rows {
		if r.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return deleted, nil
}

func transitionAt(id int64, t time.Time) domain.StateTransition {
	return domain.StateTransition{
		ID:         id,
		PositionID: "pos-1",
		From:       domain.StateOpening,
		To:         domain.StateOpen,
		Reason:     "entry filled",
		CreatedAt:  t,
	}
}

func TestRunOnceExportsAndExpiresAgedRecords(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	old := now.Add(-120 * 24 * time.Hour)
	fresh := now.Add(-time.Hour)

	transitions := &memTransitions{rows: []domain.StateTransition{
		transitionAt(1, old),
		transitionAt(2, old.Add(time.Minute)),
		transitionAt(3, fresh),
	}}
	results := &memResults{rows: []domain.ReconciliationResult{
		{ID: 1, PositionID: "pos-1", Symbol: "BTC/USDT:USDT", CreatedAt: old},
	}}
	blob := newMemBlob()

	a := NewArchiver(blob, transitions, results, testLogger(), ArchiverConfig{})
	sum, err := a.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if sum.Transitions != 2 || sum.Results != 1 {
		t.Errorf("summary = %+v, want 2 transitions and 1 result", sum)
	}
	if len(transitions.rows) != 1 || transitions.rows[0].ID != 3 {
		t.Errorf("fresh transition should survive, rows = %+v", transitions.rows)
	}
	if len(results.rows) != 0 {
		t.Errorf("aged result should be expired, rows = %+v", results.rows)
	}

	var jsonl []byte
	for key, body := range blob.objects {
		if strings.HasPrefix(key, "archive/transitions/") {
			jsonl = body
		}
	}
	if jsonl == nil {
		t.Fatal("no transitions object uploaded")
	}
	if lines := bytes.Count(jsonl, []byte("\n")); lines != 2 {
		t.Errorf("transitions object has %d lines, want 2", lines)
	}
}

func TestRunOncePagesLargeBacklogs(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	old := now.Add(-120 * 24 * time.Hour)

	transitions := &memTransitions{}
	for i := 0; i < 5; i++ {
		transitions.rows = append(transitions.rows, transitionAt(int64(i+1), old.Add(time.Duration(i)*time.Minute)))
	}

	blob := newMemBlob()
	a := NewArchiver(blob, transitions, &memResults{}, testLogger(), ArchiverConfig{BatchLimit: 2})
	sum, err := a.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if sum.Transitions != 5 {
		t.Errorf("archived %d transitions, want 5", sum.Transitions)
	}
	if sum.Objects != 3 {
		t.Errorf("uploaded %d objects, want 3 batches of <=2", sum.Objects)
	}
	if len(transitions.rows) != 0 {
		t.Errorf("%d rows left behind", len(transitions.rows))
	}
}

func TestUploadFailureKeepsRows(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	old := now.Add(-120 * 24 * time.Hour)

	transitions := &memTransitions{rows: []domain.StateTransition{transitionAt(1, old)}}
	blob := newMemBlob()
	blob.putErr = errors.New("bucket unreachable")

	a := NewArchiver(blob, transitions, &memResults{}, testLogger(), ArchiverConfig{})
	if _, err := a.RunOnce(context.Background(), now); err == nil {
		t.Fatal("expected upload error")
	}
	if len(transitions.rows) != 1 {
		t.Error("rows were deleted despite the failed upload")
	}
}
