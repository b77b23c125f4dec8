/*
errors.go - Centralized error types for the balance engine

ERROR CATEGORIES:
  1. Registration errors - writes targeting unknown accounts
  2. Conversion errors - cross-currency effects without a converter
  3. Queue errors - backpressure signals
  4. Invariant errors - debug-only consistency violations

PROPAGATION POLICY:
  Errors local to one request never propagate to or stall other queued
  requests. Callers see errors only on immediate-priority synchronous calls;
  all other priorities surface errors through logs and metrics, since the
  caller already moved on without waiting.
*/
package balance

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAccountNotRegistered is returned when a write targets an unknown
	// account id. Non-fatal: the account may have been deleted concurrently,
	// so the operation is logged and dropped.
	ErrAccountNotRegistered = errors.New("account not registered")

	// ErrConversionUnavailable is returned when a cross-currency effect
	// cannot be computed. The request is dropped whole; a partial
	// same-currency-only effect is never applied.
	ErrConversionUnavailable = errors.New("currency conversion unavailable")

	// ErrQueueFull is returned when the queue rejects a request at capacity.
	// Callers should retry with backoff or demote to a lower priority batch.
	ErrQueueFull = errors.New("update queue full")

	// ErrQueueStopped is returned when enqueueing after shutdown.
	ErrQueueStopped = errors.New("update queue stopped")

	// ErrInvariantViolation signals that an incrementally maintained balance
	// diverged from a recomputed one beyond the equality tolerance. Logged
	// loudly, never fatal: a recalculation resynchronizes the state.
	ErrInvariantViolation = errors.New("balance invariant violation")

	// ErrUnknownOptimisticToken is returned when reverting an optimistic
	// update whose token was never issued or was already reverted.
	ErrUnknownOptimisticToken = errors.New("unknown optimistic operation token")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConversionError reports a cross-currency effect that could not be resolved.
type ConversionError struct {
	From   Currency
	To     Currency
	Amount decimal.Decimal
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot convert %s from %s to %s", e.Amount, e.From, e.To)
}

func (e *ConversionError) Unwrap() error {
	return ErrConversionUnavailable
}

// InvariantError reports a divergence between the incrementally maintained
// balance and a from-scratch recomputation.
type InvariantError struct {
	AccountID   AccountID
	Incremental decimal.Decimal
	Recomputed  decimal.Decimal
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("balance diverged for %s: incremental %s, recomputed %s",
		e.AccountID, e.Incremental, e.Recomputed)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrQueueFull)
}

// IsDropped returns true if the error caused the request to be dropped
// without modifying the Store.
func IsDropped(err error) bool {
	return errors.Is(err, ErrAccountNotRegistered) ||
		errors.Is(err, ErrConversionUnavailable)
}
