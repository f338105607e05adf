package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/compoff"
	"github.com/warp/leave-ledger/directory"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
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

func testEntry(t *testing.T, sequence int64, closing string) ledger.Entry {
	t.Helper()
	return ledger.Entry{
		ID:             uuid.NewString(),
		EmployeeID:     "emp-1",
		LeaveTypeID:    "annual",
		EffectiveDate:  mustDay(t, "2025-03-01"),
		Accrued:        dec("2.5"),
		Utilized:       decimal.Zero,
		ClosingBalance: dec(closing),
		Description:    "monthly credit",
		Sequence:       sequence,
		CreatedAt:      time.Now().UTC(),
	}
}

func testApplication(t *testing.T) leave.Application {
	t.Helper()
	return leave.Application{
		ID:                 uuid.NewString(),
		EmployeeID:         "emp-1",
		LeaveTypeID:        "annual",
		ReportingManagerID: "mgr-1",
		Status:             leave.StatusPending,
		StartDate:          mustDay(t, "2025-03-03"),
		StartSlot:          calendar.SlotFullDay,
		EndDate:            mustDay(t, "2025-03-07"),
		EndSlot:            calendar.SlotFirstHalf,
		TotalDays:          dec("4.5"),
		Reason:             "family visit",
		CreatedAt:          time.Now().UTC(),
	}
}

func testRequest(t *testing.T, workingDate string) compoff.Request {
	t.Helper()
	return compoff.Request{
		ID:          uuid.NewString(),
		EmployeeID:  "emp-1",
		Type:        compoff.TypeCompOff,
		WorkingDate: mustDay(t, workingDate),
		Status:      compoff.StatusPending,
		Days:        dec("1"),
		CreatedAt:   time.Now().UTC(),
	}
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func TestStore_AppendEntry_RoundTrip(t *testing.T) {
	// GIVEN: Two entries appended to one chain
	// WHEN: Reading back the latest, the full chain and the cached balance
	// THEN: All fields survive the round trip in sequence order

	st := newTestStore(t)
	ctx := context.Background()

	first := testEntry(t, 1, "2.5")
	first.IdempotencyKey = "accrual-annual-emp-1-2025-03"
	require.NoError(t, st.AppendEntry(ctx, first))

	second := testEntry(t, 2, "1.5")
	second.EffectiveDate = mustDay(t, "2025-03-10")
	second.Accrued = decimal.Zero
	second.Utilized = dec("1")
	second.ReferenceID = "app-42"
	require.NoError(t, st.AppendEntry(ctx, second))

	latest, err := st.LatestEntry(ctx, "emp-1", "annual")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, int64(2), latest.Sequence)
	assert.True(t, dec("1.5").Equal(latest.ClosingBalance))
	assert.Equal(t, "app-42", latest.ReferenceID)

	entries, err := st.Entries(ctx, "emp-1", "annual")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, mustDay(t, "2025-03-01"), entries[0].EffectiveDate)
	assert.True(t, dec("2.5").Equal(entries[0].Accrued))

	posted, err := st.HasEntryKey(ctx, "accrual-annual-emp-1-2025-03")
	require.NoError(t, err)
	assert.True(t, posted)

	summaries, err := st.BalanceSummaries(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, dec("1.5").Equal(summaries[0].Balance))
	assert.Equal(t, second.ID, summaries[0].AsOfEntryID)
}

func TestStore_AppendEntry_EmptyChain(t *testing.T) {
	st := newTestStore(t)

	latest, err := st.LatestEntry(context.Background(), "emp-none", "annual")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestStore_AppendEntry_DuplicateIdempotencyKey(t *testing.T) {
	// GIVEN: An entry posted under a key
	// WHEN: Appending another entry with the same key
	// THEN: The unique index rejects it as a duplicate

	st := newTestStore(t)
	ctx := context.Background()

	first := testEntry(t, 1, "2.5")
	first.IdempotencyKey = "leave-app-1"
	require.NoError(t, st.AppendEntry(ctx, first))

	dupe := testEntry(t, 2, "5")
	dupe.IdempotencyKey = "leave-app-1"
	err := st.AppendEntry(ctx, dupe)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestStore_AppendEntry_DuplicateSequence(t *testing.T) {
	// GIVEN: Sequence 1 already written for a chain
	// WHEN: A second writer appends sequence 1
	// THEN: The loser gets a concurrent-modification error instead of
	//       forking the chain

	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendEntry(ctx, testEntry(t, 1, "2.5")))

	err := st.AppendEntry(ctx, testEntry(t, 1, "2.5"))
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func TestStore_EntriesInRange(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := testEntry(t, 1, "2.5")
	require.NoError(t, st.AppendEntry(ctx, first))

	second := testEntry(t, 2, "5")
	second.EffectiveDate = mustDay(t, "2025-04-01")
	require.NoError(t, st.AppendEntry(ctx, second))

	entries, err := st.EntriesInRange(ctx, "emp-1", "annual",
		mustDay(t, "2025-03-01"), mustDay(t, "2025-03-31"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first.ID, entries[0].ID)
}

func TestStore_ChainFrozen_SurvivesReopen(t *testing.T) {
	// GIVEN: A chain marked frozen in one store handle
	// WHEN: Opening a second handle on the same database file
	// THEN: The mark is visible there and clears for both on unfreeze

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := sqlite.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	frozen, err := st.ChainFrozen(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.False(t, frozen)

	require.NoError(t, st.SetChainFrozen(ctx, "emp-1", "annual", true))
	// Marking twice is a no-op, not an error.
	require.NoError(t, st.SetChainFrozen(ctx, "emp-1", "annual", true))

	reopened, err := sqlite.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	frozen, err = reopened.ChainFrozen(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.True(t, frozen)

	// Other chains are unaffected.
	frozen, err = reopened.ChainFrozen(ctx, "emp-1", "comp-off")
	require.NoError(t, err)
	assert.False(t, frozen)

	require.NoError(t, reopened.SetChainFrozen(ctx, "emp-1", "annual", false))
	frozen, err = st.ChainFrozen(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.False(t, frozen)
}

// =============================================================================
// LEAVE TYPES
// =============================================================================

func TestStore_LeaveTypes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveLeaveType(ctx, ledger.LeaveType{
		ID: "advance", Code: "ADV", Name: "Advance Leave", AllowNegative: true,
	}))

	lt, err := st.LeaveType(ctx, "advance")
	require.NoError(t, err)
	assert.Equal(t, "ADV", lt.Code)
	assert.True(t, lt.AllowNegative)

	// Upsert keeps a single row.
	require.NoError(t, st.SaveLeaveType(ctx, ledger.LeaveType{
		ID: "advance", Code: "ADV", Name: "Advance", AllowNegative: true,
	}))
	types, err := st.ListLeaveTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, types, 1)

	_, err = st.LeaveType(ctx, "sabbatical")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// APPLICATIONS - the guarded decision
// =============================================================================

func TestStore_DecideApplication_ExactlyOnce(t *testing.T) {
	// GIVEN: A Pending application
	// WHEN: Deciding it twice
	// THEN: The first transition wins; the second loses at the database

	st := newTestStore(t)
	ctx := context.Background()

	app := testApplication(t)
	require.NoError(t, st.CreateApplication(ctx, app))

	decidedAt := time.Now().UTC()
	require.NoError(t, st.DecideApplication(ctx, app.ID, leave.StatusAccepted, "mgr-1", "", decidedAt))

	err := st.DecideApplication(ctx, app.ID, leave.StatusRejected, "mgr-2", "late", decidedAt)
	require.Error(t, err)

	var already *leave.AlreadyDecidedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, leave.StatusAccepted, already.Status)

	reloaded, err := st.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	assert.Equal(t, leave.StatusAccepted, reloaded.Status)
	assert.Equal(t, "mgr-1", reloaded.DecidedBy)
	assert.True(t, dec("4.5").Equal(reloaded.TotalDays))
}

func TestStore_DecideApplication_NotFound(t *testing.T) {
	st := newTestStore(t)

	err := st.DecideApplication(context.Background(), "missing", leave.StatusAccepted, "mgr-1", "", time.Now())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_GetApplication_Missing(t *testing.T) {
	st := newTestStore(t)

	app, err := st.GetApplication(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, app)
}

func TestStore_ListApplications_Filters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pending := testApplication(t)
	require.NoError(t, st.CreateApplication(ctx, pending))

	rejected := testApplication(t)
	require.NoError(t, st.CreateApplication(ctx, rejected))
	require.NoError(t, st.DecideApplication(ctx, rejected.ID, leave.StatusRejected, "mgr-1", "busy week", time.Now()))

	other := testApplication(t)
	other.EmployeeID = "emp-2"
	require.NoError(t, st.CreateApplication(ctx, other))

	apps, err := st.ListApplications(ctx, "emp-1", leave.StatusPending)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, pending.ID, apps[0].ID)

	apps, err = st.ListApplications(ctx, "emp-1", "")
	require.NoError(t, err)
	assert.Len(t, apps, 2)
}

// =============================================================================
// COMP-OFF REQUESTS
// =============================================================================

func TestStore_DecideRequest_ExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	req := testRequest(t, "2025-06-01")
	require.NoError(t, st.CreateRequest(ctx, req))

	require.NoError(t, st.DecideRequest(ctx, req.ID, compoff.StatusAccepted, "", "entry-1", time.Now()))

	err := st.DecideRequest(ctx, req.ID, compoff.StatusRejected, "nope", "", time.Now())
	require.Error(t, err)

	var already *compoff.AlreadyDecidedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, compoff.StatusAccepted, already.Status)

	reloaded, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "entry-1", reloaded.GrantEntryID)
}

func TestStore_ExpireRequest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	req := testRequest(t, "2025-06-01")
	require.NoError(t, st.CreateRequest(ctx, req))

	// Only accepted requests can expire.
	require.Error(t, st.ExpireRequest(ctx, req.ID, time.Now()))

	require.NoError(t, st.DecideRequest(ctx, req.ID, compoff.StatusAccepted, "", "entry-1", time.Now()))
	require.NoError(t, st.ExpireRequest(ctx, req.ID, time.Now()))

	reloaded, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, compoff.StatusExpired, reloaded.Status)
	assert.False(t, reloaded.ExpiredAt.IsZero())
}

func TestStore_CountAcceptedInYear(t *testing.T) {
	// GIVEN: One accepted, one expired and one rejected request in 2025,
	//        plus an accepted one in 2024
	// WHEN: Counting 2025
	// THEN: Accepted and expired both count; rejected and other years do not

	st := newTestStore(t)
	ctx := context.Background()

	accepted := testRequest(t, "2025-06-01")
	require.NoError(t, st.CreateRequest(ctx, accepted))
	require.NoError(t, st.DecideRequest(ctx, accepted.ID, compoff.StatusAccepted, "", "e1", time.Now()))

	expired := testRequest(t, "2025-02-02")
	require.NoError(t, st.CreateRequest(ctx, expired))
	require.NoError(t, st.DecideRequest(ctx, expired.ID, compoff.StatusAccepted, "", "e2", time.Now()))
	require.NoError(t, st.ExpireRequest(ctx, expired.ID, time.Now()))

	rejected := testRequest(t, "2025-03-02")
	require.NoError(t, st.CreateRequest(ctx, rejected))
	require.NoError(t, st.DecideRequest(ctx, rejected.ID, compoff.StatusRejected, "no", "", time.Now()))

	lastYear := testRequest(t, "2024-06-02")
	require.NoError(t, st.CreateRequest(ctx, lastYear))
	require.NoError(t, st.DecideRequest(ctx, lastYear.ID, compoff.StatusAccepted, "", "e3", time.Now()))

	count, err := st.CountAcceptedInYear(ctx, "emp-1", 2025)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestStore_ListAcceptedDecidedBefore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := testRequest(t, "2025-01-05")
	require.NoError(t, st.CreateRequest(ctx, old))
	require.NoError(t, st.DecideRequest(ctx, old.ID, compoff.StatusAccepted, "", "e1",
		time.Date(2025, time.January, 6, 10, 0, 0, 0, time.UTC)))

	recent := testRequest(t, "2025-06-01")
	require.NoError(t, st.CreateRequest(ctx, recent))
	require.NoError(t, st.DecideRequest(ctx, recent.ID, compoff.StatusAccepted, "", "e2",
		time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)))

	cutoff := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	requests, err := st.ListAcceptedDecidedBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, old.ID, requests[0].ID)
}

// =============================================================================
// CALENDAR OVERRIDES
// =============================================================================

func TestStore_Overrides(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetOverride(ctx, "emp-1", mustDay(t, "2025-06-01"), calendar.OverrideWorking))
	require.NoError(t, st.SetOverride(ctx, "emp-1", mustDay(t, "2025-06-10"), calendar.OverrideHoliday))
	require.NoError(t, st.SetOverride(ctx, "emp-1", mustDay(t, "2025-07-01"), calendar.OverrideHoliday))
	require.NoError(t, st.SetOverride(ctx, "emp-2", mustDay(t, "2025-06-01"), calendar.OverrideHoliday))

	overrides, err := st.Overrides(ctx, "emp-1", mustDay(t, "2025-06-01"), mustDay(t, "2025-06-30"))
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	assert.Equal(t, calendar.OverrideWorking, overrides[mustDay(t, "2025-06-01")])
	assert.Equal(t, calendar.OverrideHoliday, overrides[mustDay(t, "2025-06-10")])
}

// =============================================================================
// JOB RUNS
// =============================================================================

func TestStore_ClaimJobRun_OncePerPeriod(t *testing.T) {
	// GIVEN: A claimed (job, period) pair
	// WHEN: Claiming the same pair again
	// THEN: The second claim is refused; other periods remain claimable

	st := newTestStore(t)
	ctx := context.Background()

	claimed, err := st.ClaimJobRun(ctx, "monthly-credit-annual", "2025-06")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = st.ClaimJobRun(ctx, "monthly-credit-annual", "2025-06")
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = st.ClaimJobRun(ctx, "monthly-credit-annual", "2025-07")
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, st.CompleteJobRun(ctx, "monthly-credit-annual", "2025-06", "posted=12"))
	require.NoError(t, st.FailJobRun(ctx, "monthly-credit-annual", "2025-07", errors.New("boom")))
}

// =============================================================================
// DIRECTORY, HOLIDAYS, WORK LOG
// =============================================================================

func TestStore_Employees(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveEmployee(ctx, directory.Employee{
		ID: "emp-1", Name: "Asha", Email: "asha@example.com", Branch: "blr", ManagerID: "mgr-1", Active: true,
	}))
	require.NoError(t, st.SaveEmployee(ctx, directory.Employee{
		ID: "emp-2", Name: "Noor", Branch: "blr", Active: false,
	}))

	emp, err := st.Employee(ctx, "emp-1")
	require.NoError(t, err)
	require.NotNil(t, emp)
	assert.Equal(t, "mgr-1", emp.ManagerID)

	missing, err := st.Employee(ctx, "emp-ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)

	active, err := st.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "emp-1", active[0].ID)
}

func TestStore_Holidays_BranchMerge(t *testing.T) {
	// GIVEN: A company-wide holiday and per-branch holidays
	// WHEN: Reading one branch's calendar
	// THEN: The branch sees its own days plus the company-wide ones

	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveHoliday(ctx, "", mustDay(t, "2025-01-26"), "Republic Day"))
	require.NoError(t, st.SaveHoliday(ctx, "blr", mustDay(t, "2025-01-14"), "Sankranti"))
	require.NoError(t, st.SaveHoliday(ctx, "mum", mustDay(t, "2025-02-19"), "Shivaji Jayanti"))

	set, err := st.Holidays(ctx, "blr", mustDay(t, "2025-01-01"), mustDay(t, "2025-03-31"))
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.True(t, set.IsHoliday(mustDay(t, "2025-01-26")))
	assert.True(t, set.IsHoliday(mustDay(t, "2025-01-14")))
	assert.False(t, set.IsHoliday(mustDay(t, "2025-02-19")))
}

func TestStore_WorkLog(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	day := mustDay(t, "2025-06-01")
	require.NoError(t, st.RecordWork(ctx, "emp-1", day))
	require.NoError(t, st.RecordWork(ctx, "emp-1", day)) // idempotent

	worked, err := st.Worked(ctx, "emp-1", day)
	require.NoError(t, err)
	assert.True(t, worked)

	worked, err = st.Worked(ctx, "emp-1", mustDay(t, "2025-06-02"))
	require.NoError(t, err)
	assert.False(t, worked)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that appends an entry then fails
	// WHEN: WithTx returns the error
	// THEN: Nothing is visible outside the transaction

	st := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx *sqlite.Store) error {
		if err := tx.AppendEntry(ctx, testEntry(t, 1, "2.5")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	latest, err := st.LatestEntry(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestStore_WithTx_CommitsAtomically(t *testing.T) {
	// GIVEN: A decision and its ledger post in one transaction
	// WHEN: The function returns nil
	// THEN: Both writes are visible

	st := newTestStore(t)
	ctx := context.Background()

	app := testApplication(t)
	require.NoError(t, st.CreateApplication(ctx, app))

	err := st.WithTx(ctx, func(tx *sqlite.Store) error {
		entry := testEntry(t, 1, "-4.5")
		entry.Accrued = decimal.Zero
		entry.Utilized = dec("4.5")
		entry.IdempotencyKey = "leave-" + app.ID
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return tx.DecideApplication(ctx, app.ID, leave.StatusAccepted, "mgr-1", "", time.Now())
	})
	require.NoError(t, err)

	reloaded, err := st.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusAccepted, reloaded.Status)

	posted, err := st.HasEntryKey(ctx, "leave-"+app.ID)
	require.NoError(t, err)
	assert.True(t, posted)
}
