package compoff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/directory"
	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// SERVICE CONFIGURATION
// =============================================================================

type Config struct {
	// LeaveTypeID is the chain comp-off credits are granted on.
	LeaveTypeID string

	// AnnualCap limits accepted comp-off/swap requests per employee per
	// calendar year of the working date. Checked at approval time.
	AnnualCap int

	// ExpiryWindowDays is how long an accepted grant stays spendable.
	ExpiryWindowDays int
}

func DefaultConfig() Config {
	return Config{LeaveTypeID: "comp-off", AnnualCap: 12, ExpiryWindowDays: 90}
}

// Service drives the claim/decide/expire lifecycle.
type Service struct {
	Ledger    *ledger.Ledger
	Store     Store
	Tx        TxRunner
	Directory directory.Directory
	Holidays  directory.HolidayService
	WorkLog   directory.WorkLog
	Notifier  directory.Notifier // optional
	Config    Config

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) today() calendar.Day { return calendar.DayOf(s.now()) }

var one = decimal.NewFromInt(1)
var halfDay = decimal.NewFromFloat(0.5)

// =============================================================================
// CLAIM
// =============================================================================

type ClaimInput struct {
	EmployeeID  string
	Type        Type
	WorkingDate calendar.Day
	LeaveDate   calendar.Day // swaps only
	Days        decimal.Decimal
	Reason      string
}

// Claim records an earn-claim for work performed on a holiday or
// weekend. The working date must be a non-working day on the employee's
// branch calendar and must appear in the work log. Swaps additionally
// require a future leave date. The annual cap is NOT checked here; it
// applies at approval time.
func (s *Service) Claim(ctx context.Context, in ClaimInput) (*Request, error) {
	if in.Type != TypeCompOff && in.Type != TypeSwap {
		return nil, &ledger.ValidationError{Field: "type", Message: "use comp_off or swap"}
	}
	if in.WorkingDate.IsZero() {
		return nil, &ledger.ValidationError{Field: "working_date", Message: "working date is required"}
	}
	days := in.Days
	if days.IsZero() {
		days = one
	}
	if !days.Equal(one) && !days.Equal(halfDay) {
		return nil, &ledger.ValidationError{Field: "days", Message: "days must be 0.5 or 1"}
	}

	emp, err := s.Directory.Employee(ctx, in.EmployeeID)
	if err != nil {
		return nil, fmt.Errorf("resolve employee: %w", err)
	}
	if emp == nil {
		return nil, &ledger.NotFoundError{Kind: "employee", ID: in.EmployeeID}
	}

	if !in.WorkingDate.IsWeekend() {
		holidays, err := s.Holidays.Holidays(ctx, emp.Branch, in.WorkingDate, in.WorkingDate)
		if err != nil {
			return nil, fmt.Errorf("load holiday calendar: %w", err)
		}
		if !holidays.IsHoliday(in.WorkingDate) {
			return nil, &ledger.ValidationError{Field: "working_date", Message: "working date is a regular working day"}
		}
	}

	worked, err := s.WorkLog.Worked(ctx, emp.ID, in.WorkingDate)
	if err != nil {
		return nil, fmt.Errorf("check work log: %w", err)
	}
	if !worked {
		return nil, &ledger.ValidationError{Field: "working_date", Message: "no work recorded on the claimed date"}
	}

	if in.Type == TypeSwap {
		if in.LeaveDate.IsZero() {
			return nil, &ledger.ValidationError{Field: "leave_date", Message: "swap requires a leave date"}
		}
		if !in.LeaveDate.After(s.today()) {
			return nil, &ledger.ValidationError{Field: "leave_date", Message: "swap leave date must be in the future"}
		}
	}

	req := Request{
		ID:          uuid.NewString(),
		EmployeeID:  in.EmployeeID,
		Type:        in.Type,
		WorkingDate: in.WorkingDate,
		LeaveDate:   in.LeaveDate,
		Status:      StatusPending,
		Days:        days,
		Reason:      in.Reason,
		CreatedAt:   s.now(),
	}
	if err := s.Store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	s.notify(ctx, req.EmployeeID, req.ID, fmt.Sprintf("%s claimed for %s", in.Type, in.WorkingDate))
	return &req, nil
}

// =============================================================================
// DECIDE
// =============================================================================

type DecideInput struct {
	RequestID string
	Decision  string // "accept" or "reject"
	Comment   string
}

// Decide applies a manager decision. Acceptance enforces the annual cap,
// posts the spendable ledger credit and, for swaps, flips the employee's
// calendar - all in one transaction. Rejection has no ledger effect.
func (s *Service) Decide(ctx context.Context, in DecideInput) (*Request, error) {
	req, err := s.Store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, &ledger.NotFoundError{Kind: "comp-off request", ID: in.RequestID}
	}
	if req.Status != StatusPending {
		return nil, &AlreadyDecidedError{RequestID: req.ID, Status: req.Status}
	}

	decidedAt := s.now()

	switch in.Decision {
	case "reject":
		err = s.Tx(ctx, func(tx TxView) error {
			return tx.DecideRequest(ctx, req.ID, StatusRejected, in.Comment, "", decidedAt)
		})
		if err != nil {
			return nil, err
		}
		req.Status = StatusRejected
		req.RejectReason = in.Comment

	case "accept":
		year := req.WorkingDate.Year()

		var grantID string
		err = s.Tx(ctx, func(tx TxView) error {
			// The cap count must share the transaction with the decision,
			// or two concurrent approvals both read the pre-approval
			// count and both pass.
			accepted, err := tx.CountAcceptedInYear(ctx, req.EmployeeID, year)
			if err != nil {
				return err
			}
			if s.Config.AnnualCap > 0 && accepted >= s.Config.AnnualCap {
				return &AnnualCapError{EmployeeID: req.EmployeeID, Year: year, Cap: s.Config.AnnualCap}
			}

			bound := s.Ledger.WithStore(tx)
			grant, err := bound.PostEntry(ctx, ledger.PostInput{
				EmployeeID:     req.EmployeeID,
				LeaveTypeID:    s.Config.LeaveTypeID,
				EffectiveDate:  calendar.DayOf(decidedAt),
				Accrued:        req.Days,
				Description:    fmt.Sprintf("%s grant for work on %s", req.Type, req.WorkingDate),
				ReferenceID:    req.ID,
				IdempotencyKey: "compoff-grant-" + req.ID,
			})
			if err != nil {
				return err
			}
			grantID = grant.ID

			if req.Type == TypeSwap {
				// The worked holiday becomes a working day; the chosen
				// day off becomes a personal holiday.
				if err := tx.SetOverride(ctx, req.EmployeeID, req.WorkingDate, calendar.OverrideWorking); err != nil {
					return err
				}
				if err := tx.SetOverride(ctx, req.EmployeeID, req.LeaveDate, calendar.OverrideHoliday); err != nil {
					return err
				}
			}
			return tx.DecideRequest(ctx, req.ID, StatusAccepted, "", grantID, decidedAt)
		})
		if err != nil {
			return nil, err
		}
		req.Status = StatusAccepted
		req.GrantEntryID = grantID

	default:
		return nil, &ledger.ValidationError{Field: "decision", Message: "use accept or reject"}
	}

	req.DecidedAt = decidedAt
	s.notify(ctx, req.EmployeeID, req.ID, fmt.Sprintf("%s %s", req.Type, req.Status))
	return req, nil
}

// =============================================================================
// EXPIRY JOB
// =============================================================================

// ExpiryResult summarizes one expiry run.
type ExpiryResult struct {
	ExpiredCount int
	WouldExpire  int // dry-run only
	Failed       []Failure
}

type Failure struct {
	RequestID  string
	EmployeeID string
	Err        error
}

// ExpireUnused voids accepted grants older than the expiry window whose
// credit is still unspent. The unspent residual is attributed FIFO over
// an employee's old grants and floored by the current chain balance;
// each expiry posts an offsetting utilization entry and transitions the
// request to Expired. Fully spent grants are left untouched - expiry
// never claws back credit that was already used.
//
// Per-request failures are isolated and collected; one failure never
// aborts the run.
func (s *Service) ExpireUnused(ctx context.Context, asOf calendar.Day, dryRun bool) (ExpiryResult, error) {
	var result ExpiryResult

	cutoff := asOf.AddDays(-s.Config.ExpiryWindowDays).Time().Add(24*time.Hour - time.Nanosecond)
	grants, err := s.Store.ListAcceptedDecidedBefore(ctx, cutoff)
	if err != nil {
		return result, err
	}

	// Track the spendable remainder per employee so several old grants
	// of one employee attribute the residual FIFO without re-reading.
	remaining := make(map[string]decimal.Decimal)

	for _, grant := range grants {
		balance, ok := remaining[grant.EmployeeID]
		if !ok {
			balance, err = s.Ledger.GetBalance(ctx, grant.EmployeeID, s.Config.LeaveTypeID)
			if err != nil {
				result.Failed = append(result.Failed, Failure{RequestID: grant.ID, EmployeeID: grant.EmployeeID, Err: err})
				continue
			}
		}

		residual := decimal.Min(grant.Days, balance)
		if !residual.IsPositive() {
			// Credit fully spent; nothing to void.
			remaining[grant.EmployeeID] = balance
			continue
		}

		if dryRun {
			result.WouldExpire++
			remaining[grant.EmployeeID] = balance.Sub(residual)
			continue
		}

		err = s.Tx(ctx, func(tx TxView) error {
			bound := s.Ledger.WithStore(tx)
			if _, err := bound.PostEntry(ctx, ledger.PostInput{
				EmployeeID:     grant.EmployeeID,
				LeaveTypeID:    s.Config.LeaveTypeID,
				EffectiveDate:  asOf,
				Utilized:       residual,
				Description:    fmt.Sprintf("%s expiry for grant on %s", grant.Type, grant.WorkingDate),
				ReferenceID:    grant.ID,
				IdempotencyKey: "compoff-expire-" + grant.ID,
			}); err != nil {
				return err
			}
			return tx.ExpireRequest(ctx, grant.ID, s.now())
		})
		if err != nil {
			result.Failed = append(result.Failed, Failure{RequestID: grant.ID, EmployeeID: grant.EmployeeID, Err: err})
			remaining[grant.EmployeeID] = balance
			continue
		}

		result.ExpiredCount++
		remaining[grant.EmployeeID] = balance.Sub(residual)
		s.notify(ctx, grant.EmployeeID, grant.ID, fmt.Sprintf("%s grant expired unused", grant.Type))
	}

	return result, nil
}

func (s *Service) notify(ctx context.Context, employeeID, refID, msg string) {
	if s.Notifier == nil {
		return
	}
	s.Notifier.Notify(ctx, directory.Event{
		Kind:        directory.EventCompOffEvent,
		EmployeeID:  employeeID,
		ReferenceID: refID,
		Message:     msg,
		At:          s.now(),
	})
}
