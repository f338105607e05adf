/*
Package leave implements the leave application workflow: a Pending
application is created on submission, computed once through the day-slot
counter, and decided exactly once by a manager. Acceptance posts the
utilization to the balance ledger in the same transaction as the status
transition.
*/
package leave

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
// STATUS - closed state machine: Pending -> Accepted | Rejected
// =============================================================================

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

func (s Status) Terminal() bool { return s == StatusAccepted || s == StatusRejected }

// CanTransition enumerates the legal transitions. Terminal states allow
// none; a later correction requires a new application.
func (s Status) CanTransition(to Status) bool {
	return s == StatusPending && (to == StatusAccepted || to == StatusRejected)
}

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	if d != DecisionAccept && d != DecisionReject {
		return "", fmt.Errorf("invalid decision %q (use accept or reject)", s)
	}
	return d, nil
}

// =============================================================================
// APPLICATION
// =============================================================================

// Application is a leave request. TotalDays is computed at apply time
// and immutable afterwards. Rows are never deleted; a decision mutates
// the row exactly once.
type Application struct {
	ID                 string
	EmployeeID         string
	LeaveTypeID        string
	ReportingManagerID string
	Status             Status

	StartDate calendar.Day
	StartSlot calendar.Slot
	EndDate   calendar.Day
	EndSlot   calendar.Slot

	// TotalDays is the day-slot counter output for the range and slots,
	// against the holiday calendar in effect at apply time.
	TotalDays decimal.Decimal

	Reason       string
	RejectReason string
	DecidedBy    string
	CreatedAt    time.Time
	DecidedAt    time.Time
}

// =============================================================================
// PERSISTENCE PORT
// =============================================================================

// Store persists applications. DecideApplication is the only mutation
// and guards the Pending precondition itself, returning
// ErrAlreadyDecided when the row is already terminal.
type Store interface {
	CreateApplication(ctx context.Context, app Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	DecideApplication(ctx context.Context, id string, to Status, decidedBy, rejectReason string, at time.Time) error
	ListApplications(ctx context.Context, employeeID string, status Status) ([]Application, error)
}

// TxView is the slice of storage a decision transaction sees: the
// ledger chain and the application row must commit or roll back as one.
type TxView interface {
	ledger.Store
	Store
}

// TxRunner executes fn atomically over the combined store.
type TxRunner func(ctx context.Context, fn func(TxView) error) error

// OverrideSource exposes per-employee calendar flips recorded by
// accepted swap-holiday requests.
type OverrideSource interface {
	Overrides(ctx context.Context, employeeID string, from, to calendar.Day) (map[calendar.Day]calendar.Override, error)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAlreadyDecided is returned when a decision targets a non-Pending
	// application.
	ErrAlreadyDecided = errors.New("application already decided")
)

// AlreadyDecidedError reports the current terminal state.
type AlreadyDecidedError struct {
	ApplicationID string
	Status        Status
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("application %s already decided: %s", e.ApplicationID, e.Status)
}

func (e *AlreadyDecidedError) Unwrap() error { return ErrAlreadyDecided }
