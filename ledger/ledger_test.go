package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testTypes = ledger.StaticTypes{
	"annual":  {ID: "annual", Code: "AL", Name: "Annual Leave"},
	"advance": {ID: "advance", Code: "ADV", Name: "Advance Leave", AllowNegative: true},
}

func newTestLedger(t *testing.T, opts ...ledger.Option) (*ledger.Ledger, *memory.Store) {
	t.Helper()
	st := memory.New()
	return ledger.New(st, testTypes, opts...), st
}

func mustDay(t *testing.T, s string) calendar.Day {
	t.Helper()
	d, err := calendar.ParseDay(s)
	require.NoError(t, err)
	return d
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// POSTING AND THE CLOSING-BALANCE RECURRENCE
// =============================================================================

func TestLedger_PostEntry_CarriesClosingBalance(t *testing.T) {
	// GIVEN: An empty chain
	// WHEN: Crediting 2.5 then utilizing 1
	// THEN: Each entry carries closing = previous + accrued - utilized
	//       and sequences are consecutive

	led, _ := newTestLedger(t)
	ctx := context.Background()

	credit, err := led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "annual",
		EffectiveDate: mustDay(t, "2025-03-01"),
		Accrued:       dec("2.5"),
		Description:   "monthly credit",
	})
	require.NoError(t, err)
	assert.True(t, dec("2.5").Equal(credit.ClosingBalance))
	assert.Equal(t, int64(1), credit.Sequence)

	debit, err := led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "annual",
		EffectiveDate: mustDay(t, "2025-03-10"),
		Utilized:      dec("1"),
	})
	require.NoError(t, err)
	assert.True(t, dec("1.5").Equal(debit.ClosingBalance))
	assert.Equal(t, int64(2), debit.Sequence)

	balance, err := led.GetBalance(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.True(t, dec("1.5").Equal(balance))

	require.NoError(t, led.Verify(ctx, "emp-1", "annual"))
}

func TestLedger_PostEntry_OpeningBalance(t *testing.T) {
	// GIVEN: A ledger configured with an opening balance of 10
	// WHEN: Reading an empty chain and posting against it
	// THEN: The opening balance seeds the first closing balance

	led, _ := newTestLedger(t, ledger.WithOpeningBalance(dec("10")))
	ctx := context.Background()

	balance, err := led.GetBalance(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.True(t, dec("10").Equal(balance))

	debit, err := led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "annual",
		EffectiveDate: mustDay(t, "2025-03-10"),
		Utilized:      dec("4"),
	})
	require.NoError(t, err)
	assert.True(t, dec("6").Equal(debit.ClosingBalance))
}

func TestLedger_PostEntry_InsufficientBalance(t *testing.T) {
	// GIVEN: A chain holding 1.5 days
	// WHEN: Utilizing 2 days
	// THEN: InsufficientBalanceError with the shortfall, nothing appended

	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "annual",
		EffectiveDate: mustDay(t, "2025-03-01"),
		Accrued:       dec("1.5"),
	})
	require.NoError(t, err)

	_, err = led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "annual",
		EffectiveDate: mustDay(t, "2025-03-10"),
		Utilized:      dec("2"),
	})
	require.Error(t, err)

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.True(t, dec("0.5").Equal(insufficient.Shortfall))

	entries, err := led.Entries(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected post must not append")
}

func TestLedger_PostEntry_AllowNegative(t *testing.T) {
	// GIVEN: A leave type that permits advances
	// WHEN: Utilizing from an empty chain
	// THEN: The balance goes negative without error

	led, _ := newTestLedger(t)
	ctx := context.Background()

	debit, err := led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "advance",
		EffectiveDate: mustDay(t, "2025-03-10"),
		Utilized:      dec("3"),
	})
	require.NoError(t, err)
	assert.True(t, dec("-3").Equal(debit.ClosingBalance))
}

func TestLedger_PostEntry_IdempotencyKey(t *testing.T) {
	// GIVEN: An entry posted under key "leave-app-1"
	// WHEN: Posting again under the same key
	// THEN: The duplicate is rejected and the chain is unchanged

	led, _ := newTestLedger(t)
	ctx := context.Background()

	input := ledger.PostInput{
		EmployeeID:     "emp-1",
		LeaveTypeID:    "annual",
		EffectiveDate:  mustDay(t, "2025-03-01"),
		Accrued:        dec("2.5"),
		IdempotencyKey: "leave-app-1",
	}
	_, err := led.PostEntry(ctx, input)
	require.NoError(t, err)

	_, err = led.PostEntry(ctx, input)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	posted, err := led.HasPosted(ctx, "leave-app-1")
	require.NoError(t, err)
	assert.True(t, posted)

	entries, err := led.Entries(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLedger_PostEntry_Validation(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	// Zero-amount entries are meaningless and rejected.
	_, err := led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "annual",
		EffectiveDate: mustDay(t, "2025-03-01"),
	})
	assert.Error(t, err)

	// Unknown leave type.
	_, err = led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "sabbatical",
		EffectiveDate: mustDay(t, "2025-03-01"),
		Accrued:       dec("1"),
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// INTEGRITY - verify, freeze, unfreeze
// =============================================================================

func TestLedger_Verify_FreezesCorruptChain(t *testing.T) {
	// GIVEN: A chain whose stored closing balance was tampered with
	// WHEN: Verifying the chain
	// THEN: ChainIntegrityError, the chain freezes, and further posts
	//       fail until an explicit unfreeze

	led, st := newTestLedger(t)
	ctx := context.Background()

	_, err := led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "annual",
		EffectiveDate: mustDay(t, "2025-03-01"),
		Accrued:       dec("2.5"),
	})
	require.NoError(t, err)

	// Simulate corruption by appending a row that breaks the recurrence.
	require.NoError(t, st.AppendEntry(ctx, ledger.Entry{
		ID:             "bad-entry",
		EmployeeID:     "emp-1",
		LeaveTypeID:    "annual",
		EffectiveDate:  mustDay(t, "2025-03-02"),
		Accrued:        dec("1"),
		ClosingBalance: dec("99"),
		Sequence:       2,
	}))

	err = led.Verify(ctx, "emp-1", "annual")
	require.Error(t, err)

	var integrity *ledger.ChainIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "bad-entry", integrity.EntryID)

	frozen, err := led.Frozen(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.True(t, frozen)

	_, err = led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "annual",
		EffectiveDate: mustDay(t, "2025-03-03"),
		Accrued:       dec("1"),
	})
	assert.ErrorIs(t, err, ledger.ErrChainFrozen)

	// Unrelated chains keep working.
	_, err = led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-2",
		LeaveTypeID:   "annual",
		EffectiveDate: mustDay(t, "2025-03-03"),
		Accrued:       dec("1"),
	})
	assert.NoError(t, err)

	require.NoError(t, led.Unfreeze(ctx, "emp-1", "annual"))
	frozen, err = led.Frozen(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.False(t, frozen)
}

func TestLedger_Verify_FreezeIsDurable(t *testing.T) {
	// GIVEN: A chain frozen by a failed integrity check
	// WHEN: A fresh ledger instance is built over the same store, as
	//       after a restart or from a second process
	// THEN: The freeze still blocks writes until an explicit unfreeze

	led, st := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, st.AppendEntry(ctx, ledger.Entry{
		ID:             "bad-entry",
		EmployeeID:     "emp-1",
		LeaveTypeID:    "annual",
		EffectiveDate:  mustDay(t, "2025-03-01"),
		Accrued:        dec("1"),
		ClosingBalance: dec("99"),
		Sequence:       1,
	}))
	assert.ErrorIs(t, led.Verify(ctx, "emp-1", "annual"), ledger.ErrChainIntegrity)

	restarted := ledger.New(st, testTypes)

	frozen, err := restarted.Frozen(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.True(t, frozen, "the freeze must survive through the store")

	_, err = restarted.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "annual",
		EffectiveDate: mustDay(t, "2025-03-02"),
		Accrued:       dec("1"),
	})
	assert.ErrorIs(t, err, ledger.ErrChainFrozen)

	require.NoError(t, restarted.Unfreeze(ctx, "emp-1", "annual"))
	frozen, err = led.Frozen(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.False(t, frozen, "unfreezing clears the mark for every instance")
}

// =============================================================================
// CONCURRENCY - the per-chain critical section
// =============================================================================

func TestLedger_PostEntry_ConcurrentDebits(t *testing.T) {
	// GIVEN: A chain holding exactly 5 days
	// WHEN: 10 goroutines each try to utilize 1 day
	// THEN: Exactly 5 succeed, the rest fail with insufficient balance,
	//       and the final chain replays cleanly to zero

	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.PostEntry(ctx, ledger.PostInput{
		EmployeeID:    "emp-1",
		LeaveTypeID:   "annual",
		EffectiveDate: mustDay(t, "2025-03-01"),
		Accrued:       dec("5"),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = led.PostEntry(ctx, ledger.PostInput{
				EmployeeID:    "emp-1",
				LeaveTypeID:   "annual",
				EffectiveDate: mustDay(t, "2025-03-10"),
				Utilized:      dec("1"),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 5, succeeded)

	balance, err := led.GetBalance(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	require.NoError(t, led.Verify(ctx, "emp-1", "annual"))
}
