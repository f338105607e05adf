/*
Package compoff implements the earn-and-spend lifecycle for credits
earned by working on holidays and weekends.

LIFECYCLE:
  Pending (earn-claim) -> Accepted -> Expired (expiry job, unused only)
                       -> Rejected (terminal)

Acceptance posts a spendable credit to the balance ledger; a swap
additionally flips the employee's calendar (worked holiday becomes a
working day, the chosen day off becomes a personal holiday). The expiry
job voids unspent residuals of old grants with offsetting ledger
entries - it never reverses spent credit retroactively.
*/
package compoff

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
// REQUEST
// =============================================================================

type Type string

const (
	TypeCompOff Type = "comp_off"
	TypeSwap    Type = "swap"
)

func ParseType(s string) (Type, error) {
	t := Type(s)
	if t != TypeCompOff && t != TypeSwap {
		return "", fmt.Errorf("invalid comp-off type %q (use comp_off or swap)", s)
	}
	return t, nil
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

func (s Status) Terminal() bool { return s == StatusRejected || s == StatusExpired }

// CanTransition enumerates the legal transitions: Pending decides once,
// Expired is reachable only from Accepted via the expiry job.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusAccepted || to == StatusRejected
	case StatusAccepted:
		return to == StatusExpired
	default:
		return false
	}
}

// Request is an earn-claim for a comp-off or swapped-holiday credit.
type Request struct {
	ID          string
	EmployeeID  string
	Type        Type
	WorkingDate calendar.Day
	LeaveDate   calendar.Day // swaps only: the chosen day off
	Status      Status
	Days        decimal.Decimal
	Reason      string
	RejectReason string

	// GrantEntryID references the ledger credit posted on acceptance.
	GrantEntryID string

	CreatedAt time.Time
	DecidedAt time.Time
	ExpiredAt time.Time
}

// =============================================================================
// PERSISTENCE PORT
// =============================================================================

// Store persists requests and the per-employee calendar overrides
// written by accepted swaps. DecideRequest and ExpireRequest guard
// their state preconditions themselves.
type Store interface {
	CreateRequest(ctx context.Context, req Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	DecideRequest(ctx context.Context, id string, to Status, rejectReason, grantEntryID string, at time.Time) error
	ExpireRequest(ctx context.Context, id string, at time.Time) error

	// CountAcceptedInYear counts accepted requests for the annual cap.
	CountAcceptedInYear(ctx context.Context, employeeID string, year int) (int, error)

	// ListAcceptedDecidedBefore returns accepted requests decided on or
	// before the cutoff, oldest decision first.
	ListAcceptedDecidedBefore(ctx context.Context, cutoff time.Time) ([]Request, error)

	// SetOverride records a per-employee calendar flip.
	SetOverride(ctx context.Context, employeeID string, day calendar.Day, kind calendar.Override) error
}

// TxView is the storage a decision or expiry transaction sees.
type TxView interface {
	ledger.Store
	Store
}

// TxRunner executes fn atomically over the combined store.
type TxRunner func(ctx context.Context, fn func(TxView) error) error

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAlreadyDecided is returned for a decision on a non-Pending request.
	ErrAlreadyDecided = errors.New("comp-off request already decided")

	// ErrAnnualCapExceeded is returned at approval time when the employee
	// already reached the yearly accepted-request cap.
	ErrAnnualCapExceeded = errors.New("annual comp-off cap exceeded")
)

// AlreadyDecidedError reports the current state.
type AlreadyDecidedError struct {
	RequestID string
	Status    Status
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("comp-off request %s already decided: %s", e.RequestID, e.Status)
}

func (e *AlreadyDecidedError) Unwrap() error { return ErrAlreadyDecided }

// AnnualCapError carries the cap details.
type AnnualCapError struct {
	EmployeeID string
	Year       int
	Cap        int
}

func (e *AnnualCapError) Error() string {
	return fmt.Sprintf("employee %s reached the %d accepted comp-off cap for %d", e.EmployeeID, e.Cap, e.Year)
}

func (e *AnnualCapError) Unwrap() error { return ErrAnnualCapExceeded }
