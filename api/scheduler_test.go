package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/api"
	"github.com/warp/leave-ledger/compoff"
	"github.com/warp/leave-ledger/directory"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/store/memory"
)

func newTestScheduler(t *testing.T) (*api.Scheduler, *ledger.Ledger, *memory.Store) {
	t.Helper()

	st := memory.New()
	led := ledger.New(st, ledger.StaticTypes{
		"annual":   {ID: "annual", Code: "AL", Name: "Annual Leave"},
		"comp-off": {ID: "comp-off", Code: "CO", Name: "Compensatory Off"},
	})
	dir := directory.NewStaticDirectory(
		directory.Employee{ID: "emp-1", Name: "Asha", Branch: "blr", ManagerID: "mgr-1", Active: true},
		directory.Employee{ID: "emp-2", Name: "Noor", Branch: "blr", ManagerID: "mgr-1", Active: true},
	)

	sched := &api.Scheduler{
		Accrual: &accrual.Engine{Ledger: led},
		CompOff: &compoff.Service{
			Ledger:    led,
			Store:     st,
			Tx:        compoffTx(st),
			Directory: dir,
			Holidays:  directory.NewStaticHolidays(),
			WorkLog:   directory.NewStaticWorkLog(),
			Config:    compoff.DefaultConfig(),
		},
		Directory: dir,
		Runs:      st,
		Log:       zap.NewNop(),
		CreditRules: []api.CreditRule{{
			LeaveTypeID:    "annual",
			CreditAmount:   "2.5",
			CarryOverLimit: "25",
			CarryOverMonth: time.January,
		}},
		ExpiryEnabled: true,
		Now:           func() time.Time { return time.Date(2025, time.June, 15, 3, 0, 0, 0, time.UTC) },
	}
	return sched, led, st
}

func TestScheduler_RunNow_ClaimsAndCredits(t *testing.T) {
	// GIVEN: A credit rule over two active employees
	// WHEN: The check runs twice within the same month
	// THEN: The period is claimed once; the second check does not rerun

	sched, led, st := newTestScheduler(t)
	ctx := context.Background()

	sched.RunNow()

	balance, err := led.GetBalance(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.Equal(t, "2.5", balance.String())

	// The month is claimed by the first check.
	claimed, err := st.ClaimJobRun(ctx, "monthly-credit-annual", "2025-06")
	require.NoError(t, err)
	assert.False(t, claimed)

	sched.RunNow()

	balance, err = led.GetBalance(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.Equal(t, "2.5", balance.String(), "a claimed period must not post again")
}

func TestScheduler_RunNow_ClaimsDailyExpiry(t *testing.T) {
	sched, _, st := newTestScheduler(t)
	ctx := context.Background()

	sched.RunNow()

	claimed, err := st.ClaimJobRun(ctx, "comp-off-expiry", "2025-06-15")
	require.NoError(t, err)
	assert.False(t, claimed, "the daily sweep claims today's period")
}

func TestScheduler_StartStop(t *testing.T) {
	// GIVEN: A started scheduler
	// WHEN: Stopping it
	// THEN: Stop returns after the in-flight check and is idempotent

	sched, led, _ := newTestScheduler(t)
	sched.CheckInterval = time.Minute

	sched.Start()
	sched.Stop()
	sched.Stop()

	balance, err := led.GetBalance(context.Background(), "emp-2", "annual")
	require.NoError(t, err)
	assert.Equal(t, "2.5", balance.String(), "the first check runs on start")
}
