package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/calendar"
)

// =============================================================================
// LEDGER SERVICE - The only valid balance mutation path
// =============================================================================

// Ledger posts entries and derives balances. PostEntry serializes the
// read-validate-append sequence per (employee, leave type) so concurrent
// approvals and accrual runs cannot double-spend a balance.
type Ledger struct {
	store   Store
	types   TypeRegistry
	opening decimal.Decimal

	// keys is shared between transaction-bound views so the critical
	// section survives WithStore.
	keys *keyLocks
}

type Option func(*Ledger)

// WithOpeningBalance sets the balance reported for chains with no
// entries yet. Defaults to zero.
func WithOpeningBalance(d decimal.Decimal) Option {
	return func(l *Ledger) { l.opening = d }
}

func New(store Store, types TypeRegistry, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		types:   types,
		opening: decimal.Zero,
		keys:    newKeyLocks(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithStore returns a view of the ledger bound to a different store,
// typically a transaction. Locks, registry and opening balance are
// shared with the parent.
func (l *Ledger) WithStore(store Store) *Ledger {
	return &Ledger{
		store:   store,
		types:   l.types,
		opening: l.opening,
		keys:    l.keys,
	}
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the closing balance of the latest entry, or the
// configured opening balance if the chain is empty.
func (l *Ledger) GetBalance(ctx context.Context, employeeID, leaveTypeID string) (decimal.Decimal, error) {
	latest, err := l.store.LatestEntry(ctx, employeeID, leaveTypeID)
	if err != nil {
		return decimal.Zero, err
	}
	if latest == nil {
		return l.opening, nil
	}
	return latest.ClosingBalance, nil
}

// Summary returns the balance together with the entry it was read from.
func (l *Ledger) Summary(ctx context.Context, employeeID, leaveTypeID string) (BalanceSummary, error) {
	latest, err := l.store.LatestEntry(ctx, employeeID, leaveTypeID)
	if err != nil {
		return BalanceSummary{}, err
	}
	s := BalanceSummary{
		EmployeeID:  employeeID,
		LeaveTypeID: leaveTypeID,
		Balance:     l.opening,
	}
	if latest != nil {
		s.Balance = latest.ClosingBalance
		s.AsOfEntryID = latest.ID
	}
	return s, nil
}

// Entries returns the full chain in insertion order.
func (l *Ledger) Entries(ctx context.Context, employeeID, leaveTypeID string) ([]Entry, error) {
	return l.store.Entries(ctx, employeeID, leaveTypeID)
}

// EntriesInRange returns entries effective within [from, to].
func (l *Ledger) EntriesInRange(ctx context.Context, employeeID, leaveTypeID string, from, to calendar.Day) ([]Entry, error) {
	return l.store.EntriesInRange(ctx, employeeID, leaveTypeID, from, to)
}

// HasPosted checks whether an idempotency key was already consumed.
// Batch jobs use this to skip already-processed periods.
func (l *Ledger) HasPosted(ctx context.Context, idempotencyKey string) (bool, error) {
	return l.store.HasEntryKey(ctx, idempotencyKey)
}

// ResolveType looks up a leave type in the registry.
func (l *Ledger) ResolveType(ctx context.Context, id string) (LeaveType, error) {
	return l.types.LeaveType(ctx, id)
}

// =============================================================================
// POST ENTRY
// =============================================================================

// PostInput describes one accrual or utilization event.
type PostInput struct {
	EmployeeID     string
	LeaveTypeID    string
	EffectiveDate  calendar.Day
	Accrued        decimal.Decimal
	Utilized       decimal.Decimal
	Description    string
	ReferenceID    string
	IdempotencyKey string
}

func (in PostInput) validate() error {
	if in.EmployeeID == "" {
		return fmt.Errorf("employee id is required")
	}
	if in.LeaveTypeID == "" {
		return fmt.Errorf("leave type id is required")
	}
	if in.EffectiveDate.IsZero() {
		return fmt.Errorf("effective date is required")
	}
	if in.Accrued.IsNegative() || in.Utilized.IsNegative() {
		return fmt.Errorf("accrued and utilized must be non-negative")
	}
	if in.Accrued.IsZero() && in.Utilized.IsZero() {
		return fmt.Errorf("entry must accrue or utilize a non-zero amount")
	}
	return nil
}

// PostEntry appends one entry and returns it with the computed closing
// balance. The read of the previous closing balance and the append are a
// single critical section per (employee, leave type).
//
// Fails with InsufficientBalanceError when the closing balance would go
// negative and the leave type does not permit advances, and with
// ErrChainFrozen when the chain failed an integrity check.
func (l *Ledger) PostEntry(ctx context.Context, in PostInput) (*Entry, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	lt, err := l.types.LeaveType(ctx, in.LeaveTypeID)
	if err != nil {
		return nil, err
	}

	unlock := l.keys.lock(chainKey(in.EmployeeID, in.LeaveTypeID))
	defer unlock()

	frozen, err := l.store.ChainFrozen(ctx, in.EmployeeID, in.LeaveTypeID)
	if err != nil {
		return nil, err
	}
	if frozen {
		return nil, fmt.Errorf("chain %s/%s: %w", in.EmployeeID, in.LeaveTypeID, ErrChainFrozen)
	}

	if in.IdempotencyKey != "" {
		exists, err := l.store.HasEntryKey(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("key %q: %w", in.IdempotencyKey, ErrDuplicateIdempotencyKey)
		}
	}

	latest, err := l.store.LatestEntry(ctx, in.EmployeeID, in.LeaveTypeID)
	if err != nil {
		return nil, err
	}
	previous := l.opening
	sequence := int64(1)
	if latest != nil {
		previous = latest.ClosingBalance
		sequence = latest.Sequence + 1
	}

	closing := previous.Add(in.Accrued).Sub(in.Utilized)
	if closing.IsNegative() && !lt.AllowNegative {
		return nil, &InsufficientBalanceError{
			EmployeeID:  in.EmployeeID,
			LeaveTypeID: in.LeaveTypeID,
			Available:   previous,
			Requested:   in.Utilized,
			Shortfall:   closing.Neg(),
		}
	}

	entry := Entry{
		ID:             uuid.NewString(),
		EmployeeID:     in.EmployeeID,
		LeaveTypeID:    in.LeaveTypeID,
		EffectiveDate:  in.EffectiveDate,
		Accrued:        in.Accrued,
		Utilized:       in.Utilized,
		ClosingBalance: closing,
		Description:    in.Description,
		ReferenceID:    in.ReferenceID,
		IdempotencyKey: in.IdempotencyKey,
		Sequence:       sequence,
		CreatedAt:      time.Now().UTC(),
	}

	if err := l.store.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// =============================================================================
// INTEGRITY
// =============================================================================

// Verify replays a chain and checks the closing-balance recurrence on
// every adjacent pair. On violation the chain is frozen through the
// store, so the mark outlives this process and binds every instance
// sharing the database: further PostEntry calls fail until Unfreeze.
func (l *Ledger) Verify(ctx context.Context, employeeID, leaveTypeID string) error {
	unlock := l.keys.lock(chainKey(employeeID, leaveTypeID))
	defer unlock()

	entries, err := l.store.Entries(ctx, employeeID, leaveTypeID)
	if err != nil {
		return err
	}

	previous := l.opening
	for _, e := range entries {
		expected := previous.Add(e.Accrued).Sub(e.Utilized)
		if !expected.Equal(e.ClosingBalance) {
			if ferr := l.store.SetChainFrozen(ctx, employeeID, leaveTypeID, true); ferr != nil {
				return fmt.Errorf("freeze chain %s/%s: %w", employeeID, leaveTypeID, ferr)
			}
			return &ChainIntegrityError{
				EmployeeID:  employeeID,
				LeaveTypeID: leaveTypeID,
				EntryID:     e.ID,
				Sequence:    e.Sequence,
				Expected:    expected,
				Got:         e.ClosingBalance,
			}
		}
		previous = expected
	}
	return nil
}

// Frozen reports whether a chain refuses writes.
func (l *Ledger) Frozen(ctx context.Context, employeeID, leaveTypeID string) (bool, error) {
	return l.store.ChainFrozen(ctx, employeeID, leaveTypeID)
}

// Unfreeze re-enables writes after manual investigation. The next Verify
// will freeze again if the corruption was not corrected.
func (l *Ledger) Unfreeze(ctx context.Context, employeeID, leaveTypeID string) error {
	return l.store.SetChainFrozen(ctx, employeeID, leaveTypeID, false)
}

func chainKey(employeeID, leaveTypeID string) string {
	return employeeID + "\x00" + leaveTypeID
}

// =============================================================================
// INTERNAL - keyed locks
// =============================================================================

type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
