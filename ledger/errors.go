/*
errors.go - Centralized error types for the ledger core

ERROR CATEGORIES:
  1. Balance errors   - insufficient balance, frozen chain
  2. Write errors     - duplicate idempotency key, concurrent modification
  3. Integrity errors - violated closing-balance recurrence
  4. Lookup errors    - unknown leave type / employee / record

Domain packages wrap these with their own context; the API layer maps
them to HTTP status codes with errors.Is / errors.As.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a utilization would drive the
	// closing balance negative and the leave type forbids advances.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned on a lock or version conflict
	// during balance mutation.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrChainIntegrity indicates a violated closing-balance recurrence.
	// Fatal: the chain is frozen until investigated.
	ErrChainIntegrity = errors.New("ledger chain integrity violation")

	// ErrChainFrozen is returned for writes to a chain that failed an
	// integrity check.
	ErrChainFrozen = errors.New("ledger chain frozen pending investigation")

	// ErrNotFound is the base for missing records.
	ErrNotFound = errors.New("not found")

	// ErrValidation is the base for invalid caller input.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError details a balance shortage.
type InsufficientBalanceError struct {
	EmployeeID  string
	LeaveTypeID string
	Available   decimal.Decimal
	Requested   decimal.Decimal
	Shortfall   decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%s: available %s, requested %s, shortfall %s",
		e.EmployeeID, e.LeaveTypeID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ChainIntegrityError pinpoints the entry where the recurrence broke.
type ChainIntegrityError struct {
	EmployeeID  string
	LeaveTypeID string
	EntryID     string
	Sequence    int64
	Expected    decimal.Decimal
	Got         decimal.Decimal
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("ledger chain %s/%s corrupt at entry %s (seq %d): expected closing %s, got %s",
		e.EmployeeID, e.LeaveTypeID, e.EntryID, e.Sequence, e.Expected, e.Got)
}

func (e *ChainIntegrityError) Unwrap() error { return ErrChainIntegrity }

// NotFoundError identifies the missing record kind.
type NotFoundError struct {
	Kind string // "leave type", "employee", "application", "comp-off request"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError carries enough detail for the caller to fix input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// IsClientError reports whether the error is due to invalid caller input
// rather than a system fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound)
}
