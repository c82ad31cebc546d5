package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errBoom = errors.New("boom")

func newTestBreaker(threshold int, timeout time.Duration) *Breaker {
	return NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		RecoveryTimeout:  timeout,
	}, testLogger())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(5, time.Minute)
	ctx := context.Background()

	fail := func(context.Context) error { return errBoom }

	for i := 0; i < 5; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v, want errBoom", i, err)
		}
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 5 failures = %s, want OPEN", got)
	}

	// The 6th call must be rejected without invoking the operation.
	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !domain.IsCircuitOpen(err) {
		t.Fatalf("got %v, want circuit-open rejection", err)
	}
	if invoked {
		t.Fatal("operation was invoked while breaker open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	_ = b.Execute(ctx, func(context.Context) error { return nil })
	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	_ = b.Execute(ctx, func(context.Context) error { return errBoom })

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED (success should reset the count)", got)
	}
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	b := newTestBreaker(2, 10*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}

	time.Sleep(15 * time.Millisecond)

	// Exactly one trial call is allowed through after the timeout.
	if err := b.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after successful trial = %s, want CLOSED", got)
	}
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	b := newTestBreaker(2, 10*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	_ = b.Execute(ctx, func(context.Context) error { return errBoom })

	time.Sleep(15 * time.Millisecond)

	if err := b.Execute(ctx, func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("trial call: got %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed trial = %s, want OPEN", got)
	}

	// Rejections resume immediately; the timeout restarted.
	err := b.Execute(ctx, func(context.Context) error { return nil })
	if !domain.IsCircuitOpen(err) {
		t.Fatalf("got %v, want circuit-open rejection after failed trial", err)
	}
}

func TestBreakerHalfOpenAllowsSingleTrial(t *testing.T) {
	b := newTestBreaker(1, 5*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	time.Sleep(10 * time.Millisecond)

	// First caller claims the trial slot and blocks it.
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// A concurrent caller during the in-flight trial must be rejected.
	err := b.Execute(ctx, func(context.Context) error { return nil })
	if !domain.IsCircuitOpen(err) {
		t.Fatalf("concurrent half-open call: got %v, want rejection", err)
	}
	close(release)
}

func TestBreakerIgnoresUnexpectedFailures(t *testing.T) {
	businessErr := errors.New("insufficient balance")
	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		IsExpected:       func(err error) bool { return !errors.Is(err, businessErr) },
	}, testLogger())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return businessErr })
	}

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED (business rejections must not trip)", got)
	}
}

func TestBreakerReportsStateChanges(t *testing.T) {
	type change struct {
		name     string
		from, to BreakerState
	}
	var changes []change
	b := NewBreaker(BreakerConfig{
		Name:             "venue",
		FailureThreshold: 2,
		RecoveryTimeout:  10 * time.Millisecond,
		OnStateChange: func(name string, from, to BreakerState) {
			changes = append(changes, change{name, from, to})
		},
	}, testLogger())
	ctx := context.Background()

	// First failure stays closed, so no change is reported for it.
	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	_ = b.Execute(ctx, func(context.Context) error { return errBoom })

	time.Sleep(15 * time.Millisecond)
	if err := b.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}

	want := []change{
		{"venue", StateClosed, StateOpen},
		{"venue", StateOpen, StateHalfOpen},
		{"venue", StateHalfOpen, StateClosed},
	}
	if len(changes) != len(want) {
		t.Fatalf("changes = %+v, want %+v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %+v, want %+v", i, changes[i], want[i])
		}
	}
}

func TestBreakerManualReset(t *testing.T) {
	b := newTestBreaker(1, time.Hour)
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}

	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after reset = %s, want CLOSED", got)
	}
	if err := b.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("call after reset failed: %v", err)
	}
}

func TestBreakerStats(t *testing.T) {
	b := newTestBreaker(1, time.Hour)
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	_ = b.Execute(ctx, func(context.Context) error { return nil }) // rejected

	stats := b.Stats()
	if stats.TotalCalls != 2 {
		t.Errorf("TotalCalls = %d, want 2", stats.TotalCalls)
	}
	if stats.TotalRejections != 1 {
		t.Errorf("TotalRejections = %d, want 1", stats.TotalRejections)
	}
	if stats.State != StateOpen {
		t.Errorf("State = %s, want OPEN", stats.State)
	}
	if stats.ConsecutiveFail != 1 {
		t.Errorf("ConsecutiveFail = %d, want 1", stats.ConsecutiveFail)
	}
}
