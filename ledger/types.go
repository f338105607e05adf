/*
Package ledger maintains the per-employee, per-leave-type balance ledger.

PURPOSE:
  The ledger is the immutable source of truth for leave balances. Every
  monthly credit, approved leave, comp-off grant, carry-over truncation
  and expiry offset is one appended Entry. The running balance is carried
  on each entry and derived from the previous one - corrections are new
  offsetting entries, never updates.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. RECURRENCE: closing[i] == closing[i-1] + accrued[i] - utilized[i]
  3. SERIALIZED: read-validate-append is one critical section per
     (employee, leave type) chain
  4. IDEMPOTENT: same idempotency key = same entry, duplicates rejected

WHY A CARRIED CLOSING BALANCE?
  Balance reads are O(1) (latest entry) and every entry is independently
  auditable: the recurrence can be re-checked over the whole chain at any
  time. A violated recurrence is a fatal data-integrity error - the chain
  is frozen and refuses further writes pending investigation.

SEE ALSO:
  - ledger.go: Ledger service (PostEntry, GetBalance, Verify)
  - errors.go: sentinel and structured error types
  - store/sqlite, store/memory: Store implementations
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/calendar"
)

// =============================================================================
// LEAVE TYPE
// =============================================================================

// LeaveType is a category of time off with its own balance chain.
type LeaveType struct {
	ID   string
	Code string
	Name string

	// AllowNegative permits advance leave: utilization may drive the
	// closing balance below zero.
	AllowNegative bool
}

// TypeRegistry resolves leave type configuration.
type TypeRegistry interface {
	LeaveType(ctx context.Context, id string) (LeaveType, error)
}

// StaticTypes is a fixed in-memory TypeRegistry for tests and seeding.
type StaticTypes map[string]LeaveType

func (s StaticTypes) LeaveType(_ context.Context, id string) (LeaveType, error) {
	lt, ok := s[id]
	if !ok {
		return LeaveType{}, &NotFoundError{Kind: "leave type", ID: id}
	}
	return lt, nil
}

// =============================================================================
// ENTRY - One accrual or utilization event
// =============================================================================

type Entry struct {
	ID             string
	EmployeeID     string
	LeaveTypeID    string
	EffectiveDate  calendar.Day
	Accrued        decimal.Decimal
	Utilized       decimal.Decimal
	ClosingBalance decimal.Decimal
	Description    string

	// ReferenceID links back to the originating record (application ID,
	// comp-off request ID, accrual run).
	ReferenceID string

	// IdempotencyKey makes retried postings no-ops. Unique when set.
	IdempotencyKey string

	// Sequence is the insertion order within the (employee, leave type)
	// chain, assigned by the ledger.
	Sequence  int64
	CreatedAt time.Time
}

// BalanceSummary is the cached balance view for one chain.
type BalanceSummary struct {
	EmployeeID  string
	LeaveTypeID string
	Balance     decimal.Decimal
	AsOfEntryID string
}

// =============================================================================
// STORE - Narrow persistence port (append, read-latest, read-range)
// =============================================================================

// Store persists ledger entries. APPEND-ONLY: no update, no delete.
// AppendEntry must reject duplicate idempotency keys and refresh the
// cached balance row in the same write.
type Store interface {
	AppendEntry(ctx context.Context, e Entry) error

	// LatestEntry returns the highest-sequence entry of a chain, or nil.
	LatestEntry(ctx context.Context, employeeID, leaveTypeID string) (*Entry, error)

	// Entries returns the full chain in sequence order.
	Entries(ctx context.Context, employeeID, leaveTypeID string) ([]Entry, error)

	// EntriesInRange returns entries with EffectiveDate in [from, to],
	// in sequence order.
	EntriesInRange(ctx context.Context, employeeID, leaveTypeID string, from, to calendar.Day) ([]Entry, error)

	// HasEntryKey checks whether an idempotency key was already posted.
	HasEntryKey(ctx context.Context, idempotencyKey string) (bool, error)

	// SetChainFrozen marks or clears the integrity freeze on a chain.
	// The mark is durable: every instance sharing the store must refuse
	// writes to a frozen chain, across restarts.
	SetChainFrozen(ctx context.Context, employeeID, leaveTypeID string, frozen bool) error

	// ChainFrozen reports whether a chain carries the integrity freeze.
	ChainFrozen(ctx context.Context, employeeID, leaveTypeID string) (bool, error)
}
