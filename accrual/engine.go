/*
Package accrual runs the scheduled monthly credit job.

Each run credits a fixed amount per leave type to every listed employee,
capped by the carry-over rule at the configured month boundary. Runs are
idempotent per (employee, leave type, calendar month) through ledger
idempotency keys: re-running after a partial failure skips what was
already posted instead of failing. Per-employee failures are isolated
and reported in the batch result; successful postings commit
independently.
*/
package accrual

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// INPUT / RESULT
// =============================================================================

type Input struct {
	LeaveTypeID    string
	CreditAmount   decimal.Decimal
	CarryOverLimit decimal.Decimal
	CarryOverMonth time.Month
	AsOf           calendar.Day
	EmployeeIDs    []string

	// DryRun computes the plan without committing anything.
	DryRun bool
}

// Result summarizes one run. Posted holds committed entries (credits
// and carry-over truncations); Skipped lists employees already credited
// for the month; Failed collects isolated per-employee errors.
type Result struct {
	Posted  []ledger.Entry
	Skipped []string
	Failed  []Failure
	Planned []PlannedCredit // dry-run only
}

type Failure struct {
	EmployeeID string
	Err        error
}

// PlannedCredit is what a dry run would have posted.
type PlannedCredit struct {
	EmployeeID       string
	Credit           decimal.Decimal
	Truncated        decimal.Decimal
	ProjectedBalance decimal.Decimal
}

// ErrBatchPartial marks a run where some employees failed.
var ErrBatchPartial = errors.New("batch completed with failures")

// Err returns nil for a clean run and a BatchError otherwise.
func (r Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &BatchError{Failures: r.Failed}
}

type BatchError struct {
	Failures []Failure
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d employee(s) failed during accrual run", len(e.Failures))
}

func (e *BatchError) Unwrap() error { return ErrBatchPartial }

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Ledger *ledger.Ledger
}

// monthKey is the idempotency key for one (employee, leave type, month)
// credit. Its existence in the ledger is what makes re-runs no-ops.
func monthKey(leaveTypeID, employeeID string, asOf calendar.Day) string {
	return fmt.Sprintf("accrual-%s-%s-%04d-%02d", leaveTypeID, employeeID, asOf.Year(), int(asOf.Month()))
}

// RunMonthlyCredit credits every listed employee for asOf's calendar
// month. In the carry-over month the post-credit balance is capped at
// CarryOverLimit; the excess is discarded with a truncation entry in
// the same chain.
func (e *Engine) RunMonthlyCredit(ctx context.Context, in Input) (Result, error) {
	var result Result

	if !in.CreditAmount.IsPositive() {
		return result, &ledger.ValidationError{Field: "credit_amount", Message: "credit amount must be positive"}
	}
	if in.AsOf.IsZero() {
		return result, &ledger.ValidationError{Field: "as_of", Message: "as-of date is required"}
	}
	if _, err := e.Ledger.ResolveType(ctx, in.LeaveTypeID); err != nil {
		return result, err
	}

	carryOver := in.AsOf.Month() == in.CarryOverMonth && in.CarryOverMonth != 0

	for _, employeeID := range in.EmployeeIDs {
		key := monthKey(in.LeaveTypeID, employeeID, in.AsOf)

		posted, err := e.Ledger.HasPosted(ctx, key)
		if err != nil {
			result.Failed = append(result.Failed, Failure{EmployeeID: employeeID, Err: err})
			continue
		}
		if posted {
			// The credit landed on a previous run, but the truncation
			// may not have: finish the pair before skipping, or the
			// balance stays above the cap with nothing to correct it.
			if carryOver && !in.DryRun {
				truncation, err := e.repairCarryOver(ctx, employeeID, in, key)
				if err != nil {
					result.Failed = append(result.Failed, Failure{EmployeeID: employeeID, Err: err})
					continue
				}
				if truncation != nil {
					result.Posted = append(result.Posted, *truncation)
				}
			}
			result.Skipped = append(result.Skipped, employeeID)
			continue
		}

		// A corrupt chain must not accumulate further entries.
		if err := e.Ledger.Verify(ctx, employeeID, in.LeaveTypeID); err != nil {
			result.Failed = append(result.Failed, Failure{EmployeeID: employeeID, Err: err})
			continue
		}

		if in.DryRun {
			plan, err := e.plan(ctx, employeeID, in, carryOver)
			if err != nil {
				result.Failed = append(result.Failed, Failure{EmployeeID: employeeID, Err: err})
				continue
			}
			result.Planned = append(result.Planned, plan)
			continue
		}

		credit, err := e.Ledger.PostEntry(ctx, ledger.PostInput{
			EmployeeID:     employeeID,
			LeaveTypeID:    in.LeaveTypeID,
			EffectiveDate:  in.AsOf,
			Accrued:        in.CreditAmount,
			Description:    fmt.Sprintf("monthly credit %04d-%02d", in.AsOf.Year(), int(in.AsOf.Month())),
			IdempotencyKey: key,
		})
		if err != nil {
			result.Failed = append(result.Failed, Failure{EmployeeID: employeeID, Err: err})
			continue
		}
		result.Posted = append(result.Posted, *credit)

		if carryOver && credit.ClosingBalance.GreaterThan(in.CarryOverLimit) {
			excess := credit.ClosingBalance.Sub(in.CarryOverLimit)
			truncation, err := e.Ledger.PostEntry(ctx, ledger.PostInput{
				EmployeeID:     employeeID,
				LeaveTypeID:    in.LeaveTypeID,
				EffectiveDate:  in.AsOf,
				Utilized:       excess,
				Description:    fmt.Sprintf("carry-over truncation to %s", in.CarryOverLimit),
				IdempotencyKey: key + "-carryover",
			})
			if err != nil {
				result.Failed = append(result.Failed, Failure{EmployeeID: employeeID, Err: err})
				continue
			}
			result.Posted = append(result.Posted, *truncation)
		}
	}

	return result, result.Err()
}

// repairCarryOver posts the truncation for an already-credited employee
// whose carry-over entry is missing, as after a run that died between
// the two posts. Returns nil when the pair is already complete or the
// balance sits within the limit.
func (e *Engine) repairCarryOver(ctx context.Context, employeeID string, in Input, key string) (*ledger.Entry, error) {
	truncated, err := e.Ledger.HasPosted(ctx, key+"-carryover")
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, nil
	}

	balance, err := e.Ledger.GetBalance(ctx, employeeID, in.LeaveTypeID)
	if err != nil {
		return nil, err
	}
	if !balance.GreaterThan(in.CarryOverLimit) {
		return nil, nil
	}

	return e.Ledger.PostEntry(ctx, ledger.PostInput{
		EmployeeID:     employeeID,
		LeaveTypeID:    in.LeaveTypeID,
		EffectiveDate:  in.AsOf,
		Utilized:       balance.Sub(in.CarryOverLimit),
		Description:    fmt.Sprintf("carry-over truncation to %s", in.CarryOverLimit),
		IdempotencyKey: key + "-carryover",
	})
}

func (e *Engine) plan(ctx context.Context, employeeID string, in Input, carryOver bool) (PlannedCredit, error) {
	balance, err := e.Ledger.GetBalance(ctx, employeeID, in.LeaveTypeID)
	if err != nil {
		return PlannedCredit{}, err
	}
	projected := balance.Add(in.CreditAmount)
	truncated := decimal.Zero
	if carryOver && projected.GreaterThan(in.CarryOverLimit) {
		truncated = projected.Sub(in.CarryOverLimit)
		projected = in.CarryOverLimit
	}
	return PlannedCredit{
		EmployeeID:       employeeID,
		Credit:           in.CreditAmount,
		Truncated:        truncated,
		ProjectedBalance: projected,
	}, nil
}
