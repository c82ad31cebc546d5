package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
)

// Strategy selects how retry delays grow with the attempt number.
type Strategy int

const (
	StrategyFixed Strategy = iota
	StrategyLinear
	StrategyExponential
	StrategyFibonacci
)

func (s Strategy) String() string {
	switch s {
	case StrategyFixed:
		return "fixed"
	case StrategyLinear:
		return "linear"
	case StrategyExponential:
		return "exponential"
	case StrategyFibonacci:
		return "fibonacci"
	default:
		return "unknown"
	}
}

// jitterFraction is the uniform randomization applied to every delay so
// concurrent retriers do not synchronize.
const jitterFraction = 0.10

// RetryConfig holds retry parameters.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Strategy    Strategy
	// IsRetryable classifies failures. Non-retryable errors re-raise
	// immediately without consuming further attempts. Nil retries
	// everything except circuit-open rejections.
	IsRetryable func(error) bool
}

// DefaultRetryConfig returns the exchange-call retry parameters.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Strategy:    StrategyExponential,
	}
}

// RetryStats reports how a retried call went.
type RetryStats struct {
	Attempts   int
	TotalDelay time.Duration
}

// Retrier executes operations with backoff between attempts. Waits suspend on
// the context so concurrent operations are unaffected.
type Retrier struct {
	cfg    RetryConfig
	logger *slog.Logger
	// rng is indirected for deterministic tests.
	rng func() float64
}

// NewRetrier creates a Retrier from cfg.
func NewRetrier(cfg RetryConfig, logger *slog.Logger) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = func(err error) bool { return !domain.IsCircuitOpen(err) }
	}
	return &Retrier{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "retrier")),
		rng:    rand.Float64,
	}
}

// Do runs op up to MaxAttempts times, sleeping Delay(attempt) between
// failures. A non-retryable error returns immediately. When the error carries
// a rate-limit wait hint the delay is raised to at least that hint.
func (r *Retrier) Do(ctx context.Context, name string, op func(context.Context) error) (RetryStats, error) {
	stats := RetryStats{}
	var lastErr error

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		stats.Attempts = attempt + 1

		lastErr = op(ctx)
		if lastErr == nil {
			return stats, nil
		}

		if !r.cfg.IsRetryable(lastErr) {
			return stats, lastErr
		}

		if attempt == r.cfg.MaxAttempts-1 {
			break
		}

		delay := r.Delay(attempt)
		if hint := domain.RetryAfterHint(lastErr); hint > delay {
			delay = hint
		}

		r.logger.Warn("retrying after failure",
			slog.String("op", name),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)

		stats.TotalDelay += delay
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return stats, fmt.Errorf("retry %s: %w", name, ctx.Err())
		case <-timer.C:
		}
	}

	return stats, fmt.Errorf("retry %s: attempts exhausted: %w", name, lastErr)
}

// Delay computes the backoff for the given zero-based attempt, including
// jitter and the MaxDelay cap.
func (r *Retrier) Delay(attempt int) time.Duration {
	base := r.baseDelay(attempt)
	if base > r.cfg.MaxDelay {
		base = r.cfg.MaxDelay
	}

	// ±10% uniform jitter.
	spread := float64(base) * jitterFraction
	jittered := float64(base) + (r.rng()*2-1)*spread

	d := time.Duration(jittered)
	if d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// baseDelay is the un-jittered delay for the attempt.
func (r *Retrier) baseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	switch r.cfg.Strategy {
	case StrategyFixed:
		return r.cfg.BaseDelay

	case StrategyLinear:
		return time.Duration(attempt+1) * r.cfg.BaseDelay

	case StrategyExponential:
		// Cap the shift early: 2^30 seconds is far beyond any MaxDelay.
		if attempt > 30 {
			return r.cfg.MaxDelay
		}
		return r.cfg.BaseDelay * time.Duration(1<<attempt)

	case StrategyFibonacci:
		return time.Duration(fib(attempt)) * r.cfg.BaseDelay

	default:
		return r.cfg.BaseDelay
	}
}

// fib returns the attempt'th Fibonacci number with fib(0)=1, fib(1)=1,
// capped to avoid overflow on absurd attempt counts.
func fib(n int) int64 {
	if n > 60 {
		n = 60
	}
	a, b := int64(1), int64(1)
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}
