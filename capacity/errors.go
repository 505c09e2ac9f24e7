/*
errors.go - Centralized error types for the capacity engine

ERROR CATEGORIES:
  1. Validation  - caller's fault, rejected before any mutation, retry after fixing input
  2. Contention  - true state of the shared pool, caller may retry with less
  3. State       - invalid for the current lifecycle state, not retryable as is
  4. Not found   - wrong or deleted id
  5. Invariant   - load outside [0, capacity]; a concurrency bug, aborts the transaction

USAGE:
  Structured errors unwrap to the sentinels so callers only need errors.Is:

    if errors.Is(err, capacity.ErrInsufficientCapacity) {
        var ice *capacity.InsufficientCapacityError
        errors.As(err, &ice) // ice.Available, ice.Requested
    }
*/
package capacity

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrQuotaExceeded   = errors.New("request quota exceeded")
	ErrInvalidInput    = errors.New("invalid input")

	// Contention
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrOverRelease          = errors.New("release exceeds current load")

	// State
	ErrNotBookable         = errors.New("consolidation is not bookable")
	ErrDeadlinePassed      = errors.New("departure deadline has passed")
	ErrAlreadySettled      = errors.New("booking already released or settled")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrCancellationBlocked = errors.New("cancellation blocked by settlement")
	ErrHasActiveBookings   = errors.New("consolidation has reserved bookings")
	ErrNotTerminal         = errors.New("consolidation has not reached a terminal status")
	ErrNotEditable         = errors.New("consolidation is no longer editable")

	ErrNotFound = errors.New("not found")

	// ErrInvariantViolation means a mutation would leave load outside
	// [0, capacity]. The enclosing transaction is aborted.
	ErrInvariantViolation = errors.New("capacity invariant violated")

	// ErrConcurrentModification is returned by stores when a versioned
	// update lost the race. The ledger retries it a bounded number of times.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCapacityError provides details about a capacity shortage.
type InsufficientCapacityError struct {
	ConsolidationID ConsolidationID
	Available       decimal.Decimal
	Requested       decimal.Decimal
	Unit            Unit
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity on %s: available %s %s, requested %s %s",
		e.ConsolidationID, e.Available, e.Unit, e.Requested, e.Unit)
}

func (e *InsufficientCapacityError) Unwrap() error { return ErrInsufficientCapacity }

// Shortfall is how much the request exceeds what is left.
func (e *InsufficientCapacityError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

type OverReleaseError struct {
	ConsolidationID ConsolidationID
	Loaded          decimal.Decimal
	Requested       decimal.Decimal
}

func (e *OverReleaseError) Error() string {
	return fmt.Sprintf("cannot release %s from %s: only %s loaded",
		e.Requested, e.ConsolidationID, e.Loaded)
}

func (e *OverReleaseError) Unwrap() error { return ErrOverRelease }

type QuotaExceededError struct {
	SeekerID ParticipantID
	Limit    int
	Active   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("seeker %s has %d active requests (limit %d)", e.SeekerID, e.Active, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type InvariantViolationError struct {
	ConsolidationID ConsolidationID
	Load            decimal.Decimal
	Capacity        decimal.Decimal
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("consolidation %s: load %s outside [0, %s]", e.ConsolidationID, e.Load, e.Capacity)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Reason) }

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrInvalidInput)
}

func IsContention(err error) bool {
	return errors.Is(err, ErrInsufficientCapacity) || errors.Is(err, ErrOverRelease)
}

func IsStateError(err error) bool {
	return errors.Is(err, ErrNotBookable) ||
		errors.Is(err, ErrDeadlinePassed) ||
		errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrCancellationBlocked) ||
		errors.Is(err, ErrHasActiveBookings) ||
		errors.Is(err, ErrNotTerminal) ||
		errors.Is(err, ErrNotEditable)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRetryable returns true if the error might succeed on retry unchanged.
func IsRetryable(err error) bool { return errors.Is(err, ErrConcurrentModification) }

func IsInvariant(err error) bool { return errors.Is(err, ErrInvariantViolation) }
