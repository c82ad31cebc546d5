// Package resilience provides the fault-tolerance primitives the engine wraps
// every exchange call with: a three-state circuit breaker and a retry manager
// with pluggable backoff strategies.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	StateClosed   BreakerState = iota // normal operation
	StateOpen                         // failing, reject calls
	StateHalfOpen                     // testing recovery with one trial call
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds configuration for creating a circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// IsExpected classifies which failures count against the threshold.
	// Business rejections (insufficient balance, bad params) must return
	// false so they never trip the breaker. Nil counts every error.
	IsExpected func(error) bool
	// OnStateChange is invoked after every state transition, outside the
	// breaker's lock. The app points it at the breaker metrics. The hook
	// must not call back into the breaker.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns the thresholds used for the exchange breaker.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// BreakerStats is a snapshot of breaker counters for monitoring.
type BreakerStats struct {
	Name            string
	State           BreakerState
	TotalCalls      int64
	TotalRejections int64
	ConsecutiveFail int
	LastFailure     time.Time
	OpenedAt        time.Time
}

// Breaker implements the circuit breaker pattern. CLOSED passes calls through
// and counts consecutive expected failures; once the threshold is reached it
// opens and rejects calls without invoking the operation; after the recovery
// timeout exactly one trial call is let through, and its outcome decides the
// next state. Safe for concurrent use.
type Breaker struct {
	name       string
	threshold  int
	timeout    time.Duration
	isExpected func(error) bool
	onChange   func(name string, from, to BreakerState)
	logger     *slog.Logger

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	totalCalls      int64
	totalRejections int64
	lastFailure     time.Time
	openedAt        time.Time
	trialInFlight   bool
}

// NewBreaker creates a circuit breaker in the CLOSED state.
func NewBreaker(cfg BreakerConfig, logger *slog.Logger) *Breaker {
	isExpected := cfg.IsExpected
	if isExpected == nil {
		isExpected = func(error) bool { return true }
	}
	return &Breaker{
		name:       cfg.Name,
		threshold:  cfg.FailureThreshold,
		timeout:    cfg.RecoveryTimeout,
		isExpected: isExpected,
		onChange:   cfg.OnStateChange,
		state:      StateClosed,
		logger:     logger.With(slog.String("component", "breaker"), slog.String("name", cfg.Name)),
	}
}

// Execute runs op through the breaker. When the breaker is open it returns a
// *domain.CircuitOpenError without invoking op.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err)
	return err
}

// allow decides whether a call may proceed, transitioning OPEN to HALF_OPEN
// once the recovery timeout has elapsed. In HALF_OPEN only a single trial
// call is permitted; concurrent callers are rejected until it settles.
func (b *Breaker) allow() error {
	b.mu.Lock()
	from := b.state
	err := b.allowLocked()
	to := b.state
	b.mu.Unlock()

	b.notifyChange(from, to)
	return err
}

func (b *Breaker) allowLocked() error {
	b.totalCalls++

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			b.trialInFlight = true
			b.logger.Info("breaker half-open, allowing trial call")
			return nil
		}
		b.totalRejections++
		return b.openError()

	case StateHalfOpen:
		if b.trialInFlight {
			b.totalRejections++
			return b.openError()
		}
		b.trialInFlight = true
		return nil

	default:
		b.totalRejections++
		return b.openError()
	}
}

// record updates breaker state from the outcome of a permitted call.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state
	b.recordLocked(err)
	to := b.state
	b.mu.Unlock()

	b.notifyChange(from, to)
}

func (b *Breaker) recordLocked(err error) {
	if err == nil || !b.isExpected(err) {
		// Success, or a failure class that must not count (business
		// rejection). Either way the dependency itself answered.
		if b.state == StateHalfOpen {
			b.logger.Info("breaker closed after successful trial")
		}
		b.state = StateClosed
		b.consecutiveFail = 0
		b.trialInFlight = false
		return
	}

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.threshold {
			b.state = StateOpen
			b.openedAt = time.Now()
			b.logger.Warn("breaker opened",
				slog.Int("consecutive_failures", b.consecutiveFail),
			)
		}

	case StateHalfOpen:
		// Trial failed; reopen and restart the timeout.
		b.state = StateOpen
		b.openedAt = time.Now()
		b.trialInFlight = false
		b.logger.Warn("breaker reopened, trial call failed")
	}
}

// openError builds the rejection returned without invoking the operation.
// Callers must not retry it; they wait for breaker recovery instead.
func (b *Breaker) openError() error {
	return &domain.CircuitOpenError{Breaker: b.name, Since: b.openedAt}
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Name:            b.name,
		State:           b.state,
		TotalCalls:      b.totalCalls,
		TotalRejections: b.totalRejections,
		ConsecutiveFail: b.consecutiveFail,
		LastFailure:     b.lastFailure,
		OpenedAt:        b.openedAt,
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker to CLOSED. Manual operator override; callers are
// expected to raise an alert when they use it.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFail = 0
	b.trialInFlight = false
	b.mu.Unlock()

	b.logger.Warn("breaker manually reset to CLOSED")
	b.notifyChange(from, StateClosed)
}

func (b *Breaker) notifyChange(from, to BreakerState) {
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}
