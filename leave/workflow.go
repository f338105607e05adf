package leave

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/directory"
	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// WORKFLOW - apply / decide
// =============================================================================

// Workflow drives the application lifecycle. Apply creates a Pending
// hold without touching the ledger; Decide transitions exactly once and,
// on acceptance, posts the utilization atomically with the transition.
type Workflow struct {
	Ledger    *ledger.Ledger
	Store     Store
	Tx        TxRunner
	Directory directory.Directory
	Holidays  directory.HolidayService
	Overrides OverrideSource     // optional
	Notifier  directory.Notifier // optional

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time
}

func (w *Workflow) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// =============================================================================
// APPLY
// =============================================================================

type ApplyInput struct {
	EmployeeID  string
	LeaveTypeID string
	StartDate   calendar.Day
	StartSlot   calendar.Slot
	EndDate     calendar.Day
	EndSlot     calendar.Slot
	Reason      string
}

// Apply validates the request, computes the immutable day count and
// creates the Pending application. The ledger is not touched: a pending
// request is a hold, not a debit.
func (w *Workflow) Apply(ctx context.Context, in ApplyInput) (*Application, error) {
	if !in.StartSlot.Valid() || !in.EndSlot.Valid() {
		return nil, &ledger.ValidationError{Field: "slot", Message: "start and end slots must be full_day, first_half or second_half"}
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return nil, &ledger.ValidationError{Field: "dates", Message: "start and end dates are required"}
	}
	if in.EndDate.Before(in.StartDate) {
		return nil, &ledger.ValidationError{Field: "dates", Message: "end date is before start date"}
	}

	if _, err := w.Ledger.ResolveType(ctx, in.LeaveTypeID); err != nil {
		return nil, err
	}

	emp, err := w.Directory.Employee(ctx, in.EmployeeID)
	if err != nil {
		return nil, fmt.Errorf("resolve employee: %w", err)
	}
	if emp == nil {
		return nil, &ledger.NotFoundError{Kind: "employee", ID: in.EmployeeID}
	}
	if emp.ManagerID == "" {
		return nil, &ledger.NotFoundError{Kind: "reporting manager for employee", ID: in.EmployeeID}
	}

	holidays, err := w.effectiveHolidays(ctx, emp, in.StartDate, in.EndDate)
	if err != nil {
		return nil, fmt.Errorf("load holiday calendar: %w", err)
	}

	totalDays := calendar.CountLeaveDays(in.StartDate, in.StartSlot, in.EndDate, in.EndSlot, holidays)
	if totalDays.IsZero() {
		return nil, &ledger.ValidationError{Field: "dates", Message: "requested range contains no working days"}
	}

	app := Application{
		ID:                 uuid.NewString(),
		EmployeeID:         in.EmployeeID,
		LeaveTypeID:        in.LeaveTypeID,
		ReportingManagerID: emp.ManagerID,
		Status:             StatusPending,
		StartDate:          in.StartDate,
		StartSlot:          in.StartSlot,
		EndDate:            in.EndDate,
		EndSlot:            in.EndSlot,
		TotalDays:          totalDays,
		Reason:             in.Reason,
		CreatedAt:          w.now(),
	}

	if err := w.Store.CreateApplication(ctx, app); err != nil {
		return nil, err
	}

	w.notify(ctx, directory.EventLeaveApplied, app.EmployeeID, app.ID,
		fmt.Sprintf("leave applied: %s days from %s", totalDays, app.StartDate))
	return &app, nil
}

// effectiveHolidays merges branch holidays with the employee's swap
// overrides so a swapped-out holiday counts as a working day.
func (w *Workflow) effectiveHolidays(ctx context.Context, emp *directory.Employee, from, to calendar.Day) (calendar.HolidaySet, error) {
	holidays, err := w.Holidays.Holidays(ctx, emp.Branch, from, to)
	if err != nil {
		return nil, err
	}
	if w.Overrides == nil {
		return holidays, nil
	}
	overrides, err := w.Overrides.Overrides(ctx, emp.ID, from, to)
	if err != nil {
		return nil, err
	}
	return holidays.Apply(overrides), nil
}

// =============================================================================
// DECIDE
// =============================================================================

type DecideInput struct {
	ApplicationID string
	Decision      Decision
	ManagerID     string
	Comment       string
}

// Decide applies a manager decision. On acceptance the current balance
// is re-validated inside the ledger post (it may have drifted since
// apply time); an insufficient balance rolls everything back and leaves
// the application Pending for the caller to resolve, never silently
// auto-rejecting it.
func (w *Workflow) Decide(ctx context.Context, in DecideInput) (*Application, error) {
	if in.Decision != DecisionAccept && in.Decision != DecisionReject {
		return nil, &ledger.ValidationError{Field: "decision", Message: "use accept or reject"}
	}

	app, err := w.Store.GetApplication(ctx, in.ApplicationID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, &ledger.NotFoundError{Kind: "application", ID: in.ApplicationID}
	}
	if app.Status != StatusPending {
		return nil, &AlreadyDecidedError{ApplicationID: app.ID, Status: app.Status}
	}

	decidedAt := w.now()

	switch in.Decision {
	case DecisionReject:
		err = w.Tx(ctx, func(tx TxView) error {
			return tx.DecideApplication(ctx, app.ID, StatusRejected, in.ManagerID, in.Comment, decidedAt)
		})
		if err != nil {
			return nil, err
		}
		app.Status = StatusRejected
		app.RejectReason = in.Comment
		w.notify(ctx, directory.EventLeaveRejected, app.EmployeeID, app.ID, "leave rejected: "+in.Comment)

	case DecisionAccept:
		err = w.Tx(ctx, func(tx TxView) error {
			bound := w.Ledger.WithStore(tx)
			if _, err := bound.PostEntry(ctx, ledger.PostInput{
				EmployeeID:     app.EmployeeID,
				LeaveTypeID:    app.LeaveTypeID,
				EffectiveDate:  app.StartDate,
				Utilized:       app.TotalDays,
				Description:    fmt.Sprintf("leave %s to %s", app.StartDate, app.EndDate),
				ReferenceID:    app.ID,
				IdempotencyKey: "leave-" + app.ID,
			}); err != nil {
				return err
			}
			return tx.DecideApplication(ctx, app.ID, StatusAccepted, in.ManagerID, "", decidedAt)
		})
		if err != nil {
			// InsufficientBalanceError propagates here with the
			// application still Pending: the transaction rolled back.
			return nil, err
		}
		app.Status = StatusAccepted
		w.notify(ctx, directory.EventLeaveAccepted, app.EmployeeID, app.ID, "leave accepted")
	}

	app.DecidedBy = in.ManagerID
	app.DecidedAt = decidedAt
	return app, nil
}

func (w *Workflow) notify(ctx context.Context, kind directory.EventKind, employeeID, refID, msg string) {
	if w.Notifier == nil {
		return
	}
	w.Notifier.Notify(ctx, directory.Event{
		Kind:        kind,
		EmployeeID:  employeeID,
		ReferenceID: refID,
		Message:     msg,
		At:          w.now(),
	})
}
