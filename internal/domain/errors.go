package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLockHeld            = errors.New("lock already held")
	ErrContextDone         = errors.New("context cancelled")
)

// TransientError marks a failure that is expected to resolve on its own:
// network errors, timeouts, and exchange rate limiting. Transient errors are
// safe to retry with backoff.
type TransientError struct {
	Op  string
	Err error
	// RetryAfter carries an exchange-supplied wait hint for rate-limit
	// responses. Zero when the venue gave no hint.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient: %s: %v (retry after %s)", e.Op, e.Err, e.RetryAfter)
	}
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix: invalid parameters,
// insufficient balance, or an explicit exchange rejection. Callers must
// surface it immediately and move the affected position to FAILED.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// CircuitOpenError is returned when a circuit breaker rejects a call without
// invoking the wrapped operation. It is never retryable; callers must wait
// for the breaker to recover.
type CircuitOpenError struct {
	Breaker string
	Since   time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open since %s", e.Breaker, e.Since.Format(time.RFC3339))
}

// InvalidTransitionError reports a position lifecycle transition that is not
// in the allowed edge table. The position's state is left untouched.
type InvalidTransitionError struct {
	PositionID string
	From       PositionState
	To         PositionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("position %s: invalid transition %s -> %s", e.PositionID, e.From, e.To)
}

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsCircuitOpen reports whether err is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// RetryAfterHint extracts an exchange-supplied wait hint from err, or zero.
func RetryAfterHint(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
