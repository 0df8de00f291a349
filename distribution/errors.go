/*
errors.go - Centralized error types for the distribution engine

ERROR CATEGORIES:
  1. Validation  - rejected at enqueue, never reaches the ledger
  2. Conflict    - duplicate batch/account ids, invalid ledger transitions
  3. Not found   - missing batches or accounts
  4. Transient   - everything else coming out of a store; retried by the worker

USAGE:
  if errors.Is(err, distribution.ErrDuplicateBatch) {
      // caller re-submitted the same earning event
  }
*/
package distribution

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for negative earned amounts, amounts
	// above MaxAmount, or amounts that came from a non-finite float.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAmountOverflow is returned by stores when a stored amount or a
	// balance would leave the fixed-point range.
	ErrAmountOverflow = errors.New("amount out of range")

	// ErrUnknownCurrency is returned for currencies the engine is not configured for.
	ErrUnknownCurrency = errors.New("unknown currency")

	ErrInvalidAccountID = errors.New("invalid account id")
	ErrInvalidBatchID   = errors.New("invalid batch id")
	ErrInvalidStatus    = errors.New("invalid batch status")

	// ErrInvalidCommissionTable is returned when a table has levels outside
	// 1..MaxLevels, rates outside [0, 1], or rates finer than AmountPlaces.
	ErrInvalidCommissionTable = errors.New("invalid commission table")

	// ErrDuplicateBatch is returned when a batch id already exists in the
	// ledger. It signals a caller bug and must not be swallowed.
	ErrDuplicateBatch = errors.New("duplicate batch id")

	ErrDuplicateAccount = errors.New("duplicate account id")

	ErrBatchNotFound   = errors.New("batch not found")
	ErrAccountNotFound = errors.New("account not found")

	// ErrInviterNotFound is returned when an account is created with an
	// inviter that does not exist.
	ErrInviterNotFound = errors.New("inviter not found")

	// ErrInvalidTransition is returned when a conditional ledger update
	// matched no row (the batch was not in an allowed source status).
	ErrInvalidTransition = errors.New("invalid batch status transition")

	// ErrBatchSettled is returned when an attempt targets a completed batch.
	ErrBatchSettled = errors.New("batch already settled")

	ErrEngineStopped = errors.New("engine stopped")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes which input was rejected.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Err, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TransitionError carries the batch and target status of a rejected transition.
type TransitionError struct {
	BatchID BatchID
	To      BatchStatus
	From    []BatchStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("batch %s: cannot move to %s (expected one of %v)", e.BatchID, e.To, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAmountOverflow) ||
		errors.Is(err, ErrUnknownCurrency) ||
		errors.Is(err, ErrInvalidAccountID) ||
		errors.Is(err, ErrInvalidBatchID) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidCommissionTable) ||
		errors.Is(err, ErrInviterNotFound)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrAccountNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateBatch) ||
		errors.Is(err, ErrDuplicateAccount) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrBatchSettled)
}

// IsRetryable classifies settlement errors. Store failures (connection loss,
// deadlocks, busy database, attempt timeouts) are treated as transient.
// Validation, conflicts and cancellation of the caller's context are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsValidation(err) || IsConflict(err) || IsNotFound(err) {
		return false
	}
	return true
}
