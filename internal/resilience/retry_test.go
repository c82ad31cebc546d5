package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
)

// noJitter pins the rng midpoint so Delay returns the exact strategy value.
func noJitter(r *Retrier) *Retrier {
	r.rng = func() float64 { return 0.5 }
	return r
}

func TestExponentialDelaySequence(t *testing.T) {
	r := noJitter(NewRetrier(RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Strategy:    StrategyExponential,
	}, testLogger()))

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // capped
	}
	for attempt, w := range want {
		if got := r.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %s, want %s", attempt, got, w)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	cfgs := []Strategy{StrategyFixed, StrategyLinear, StrategyExponential, StrategyFibonacci}
	for _, strat := range cfgs {
		r := NewRetrier(RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
			Strategy:    strat,
		}, testLogger())

		for attempt := 0; attempt < 7; attempt++ {
			base := r.baseDelay(attempt)
			if base > 60*time.Second {
				base = 60 * time.Second
			}
			lo := time.Duration(float64(base) * 0.9)
			hi := time.Duration(float64(base) * 1.1)
			if hi > 60*time.Second {
				hi = 60 * time.Second
			}
			got := r.Delay(attempt)
			if got < lo || got > hi {
				t.Errorf("%s Delay(%d) = %s, want within [%s, %s]", strat, attempt, got, lo, hi)
			}
		}
	}
}

func TestStrategyBaseDelays(t *testing.T) {
	tests := []struct {
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{StrategyFixed, 0, time.Second},
		{StrategyFixed, 5, time.Second},
		{StrategyLinear, 0, 1 * time.Second},
		{StrategyLinear, 3, 4 * time.Second},
		{StrategyFibonacci, 0, 1 * time.Second},
		{StrategyFibonacci, 1, 1 * time.Second},
		{StrategyFibonacci, 2, 2 * time.Second},
		{StrategyFibonacci, 3, 3 * time.Second},
		{StrategyFibonacci, 4, 5 * time.Second},
		{StrategyFibonacci, 5, 8 * time.Second},
	}

	for _, tt := range tests {
		r := NewRetrier(RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			Strategy:    tt.strategy,
		}, testLogger())
		if got := r.baseDelay(tt.attempt); got != tt.want {
			t.Errorf("%s baseDelay(%d) = %s, want %s", tt.strategy, tt.attempt, got, tt.want)
		}
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Strategy:    StrategyFixed,
	}, testLogger())

	calls := 0
	stats, err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return &domain.TransientError{Op: "op", Err: errBoom}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if stats.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", stats.Attempts)
	}
	if stats.TotalDelay <= 0 {
		t.Errorf("TotalDelay = %s, want > 0", stats.TotalDelay)
	}
}

func TestDoNonRetryableReturnsImmediately(t *testing.T) {
	fatal := &domain.FatalError{Op: "op", Err: errors.New("bad params")}
	r := NewRetrier(RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Second,
		Strategy:    StrategyFixed,
		IsRetryable: domain.IsTransient,
	}, testLogger())

	calls := 0
	stats, err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return fatal
	})
	if !domain.IsFatal(err) {
		t.Fatalf("got %v, want fatal error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on fatal)", calls)
	}
	if stats.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", stats.Attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Strategy:    StrategyFixed,
	}, testLogger())

	calls := 0
	stats, err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return &domain.TransientError{Op: "op", Err: errBoom}
	})
	if err == nil {
		t.Fatal("Do succeeded, want exhaustion error")
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("exhaustion error does not wrap the last failure: %v", err)
	}
	if calls != 3 || stats.Attempts != 3 {
		t.Errorf("calls=%d attempts=%d, want 3/3", calls, stats.Attempts)
	}
}

func TestDoRespectsRateLimitHint(t *testing.T) {
	r := noJitter(NewRetrier(RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Second,
		Strategy:    StrategyFixed,
	}, testLogger()))

	hint := 50 * time.Millisecond
	start := time.Now()
	_, err := r.Do(context.Background(), "op", func(context.Context) error {
		return &domain.TransientError{Op: "op", Err: domain.ErrRateLimited, RetryAfter: hint}
	})
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("Do succeeded, want failure")
	}
	if elapsed < hint {
		t.Errorf("elapsed = %s, want >= %s (rate-limit hint must raise the delay)", elapsed, hint)
	}
}

func TestDoContextCancelDuringWait(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
		Strategy:    StrategyFixed,
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Do(ctx, "op", func(context.Context) error {
		return &domain.TransientError{Op: "op", Err: errBoom}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context deadline error", err)
	}
}

func TestDoDoesNotRetryCircuitOpen(t *testing.T) {
	r := NewRetrier(DefaultRetryConfig(), testLogger())

	calls := 0
	_, err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return &domain.CircuitOpenError{Breaker: "exchange", Since: time.Now()}
	})
	if !domain.IsCircuitOpen(err) {
		t.Fatalf("got %v, want circuit-open", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (circuit-open is never retried)", calls)
	}
}
