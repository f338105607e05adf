/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator/v10 struct tags and are validated in the
  handlers before any domain call. Amount fields travel as strings so
  decimal precision is never lost in a float round-trip.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: Error-to-status mapping
*/
package api

import (
	"time"

	"github.com/warp/leave-ledger/compoff"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// LEAVE APPLICATIONS
// =============================================================================

// ApplyLeaveRequest submits a leave application.
type ApplyLeaveRequest struct {
	EmployeeID  string `json:"employee_id" validate:"required"`
	LeaveTypeID string `json:"leave_type_id" validate:"required"`
	StartDate   string `json:"start_date" validate:"required,datetime=2006-01-02"`
	StartSlot   string `json:"start_slot" validate:"omitempty,oneof=full_day first_half second_half"`
	EndDate     string `json:"end_date" validate:"required,datetime=2006-01-02"`
	EndSlot     string `json:"end_slot" validate:"omitempty,oneof=full_day first_half second_half"`
	Reason      string `json:"reason" validate:"max=500"`
}

// DecideLeaveRequest applies a manager decision to an application.
type DecideLeaveRequest struct {
	Decision  string `json:"decision" validate:"required,oneof=accept reject"`
	ManagerID string `json:"manager_id" validate:"required"`
	Comment   string `json:"comment" validate:"max=500"`
}

// ApplicationDTO represents a leave application in API responses.
type ApplicationDTO struct {
	ID                 string `json:"id"`
	EmployeeID         string `json:"employee_id"`
	LeaveTypeID        string `json:"leave_type_id"`
	ReportingManagerID string `json:"reporting_manager_id"`
	Status             string `json:"status"`
	StartDate          string `json:"start_date"`
	StartSlot          string `json:"start_slot"`
	EndDate            string `json:"end_date"`
	EndSlot            string `json:"end_slot"`
	TotalDays          string `json:"total_days"`
	Reason             string `json:"reason,omitempty"`
	RejectReason       string `json:"reject_reason,omitempty"`
	DecidedBy          string `json:"decided_by,omitempty"`
	CreatedAt          string `json:"created_at"`
	DecidedAt          string `json:"decided_at,omitempty"`
}

// =============================================================================
// BALANCES AND LEDGER
// =============================================================================

// BalanceDTO is one chain's current balance.
type BalanceDTO struct {
	EmployeeID  string `json:"employee_id"`
	LeaveTypeID string `json:"leave_type_id"`
	Balance     string `json:"balance"`
	AsOfEntryID string `json:"as_of_entry_id,omitempty"`
}

// EntryDTO is one ledger entry in API responses.
type EntryDTO struct {
	ID             string `json:"id"`
	EmployeeID     string `json:"employee_id"`
	LeaveTypeID    string `json:"leave_type_id"`
	EffectiveDate  string `json:"effective_date"`
	Accrued        string `json:"accrued"`
	Utilized       string `json:"utilized"`
	ClosingBalance string `json:"closing_balance"`
	Description    string `json:"description,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	Sequence       int64  `json:"sequence"`
	CreatedAt      string `json:"created_at"`
}

// =============================================================================
// COMP-OFF
// =============================================================================

// ClaimCompOffRequest submits an earn-claim.
type ClaimCompOffRequest struct {
	EmployeeID  string `json:"employee_id" validate:"required"`
	Type        string `json:"type" validate:"required,oneof=comp_off swap"`
	WorkingDate string `json:"working_date" validate:"required,datetime=2006-01-02"`
	LeaveDate   string `json:"leave_date" validate:"omitempty,datetime=2006-01-02"`
	Days        string `json:"days" validate:"omitempty,oneof=0.5 1"`
	Reason      string `json:"reason" validate:"max=500"`
}

// DecideCompOffRequest applies a manager decision to a claim.
type DecideCompOffRequest struct {
	Decision string `json:"decision" validate:"required,oneof=accept reject"`
	Comment  string `json:"comment" validate:"max=500"`
}

// CompOffDTO represents a comp-off/swap request in API responses.
type CompOffDTO struct {
	ID           string `json:"id"`
	EmployeeID   string `json:"employee_id"`
	Type         string `json:"type"`
	WorkingDate  string `json:"working_date"`
	LeaveDate    string `json:"leave_date,omitempty"`
	Status       string `json:"status"`
	Days         string `json:"days"`
	Reason       string `json:"reason,omitempty"`
	RejectReason string `json:"reject_reason,omitempty"`
	GrantEntryID string `json:"grant_entry_id,omitempty"`
	CreatedAt    string `json:"created_at"`
	DecidedAt    string `json:"decided_at,omitempty"`
	ExpiredAt    string `json:"expired_at,omitempty"`
}

// =============================================================================
// BATCH JOBS
// =============================================================================

// MonthlyCreditRequest triggers the monthly accrual run.
type MonthlyCreditRequest struct {
	LeaveTypeID    string   `json:"leave_type_id" validate:"required"`
	CreditAmount   string   `json:"credit_amount" validate:"required"`
	CarryOverLimit string   `json:"carry_over_limit" validate:"omitempty"`
	CarryOverMonth int      `json:"carry_over_month" validate:"omitempty,min=1,max=12"`
	AsOf           string   `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
	EmployeeIDs    []string `json:"employee_ids" validate:"omitempty,dive,required"`
	DryRun         bool     `json:"dry_run"`
}

// MonthlyCreditResponse summarizes one accrual run.
type MonthlyCreditResponse struct {
	Posted  []EntryDTO         `json:"posted"`
	Planned []PlannedCreditDTO `json:"planned,omitempty"`
	Skipped []string           `json:"skipped,omitempty"`
	Failed  []JobFailureDTO    `json:"failed,omitempty"`
}

// PlannedCreditDTO is one dry-run line.
type PlannedCreditDTO struct {
	EmployeeID       string `json:"employee_id"`
	Credit           string `json:"credit"`
	Truncated        string `json:"truncated,omitempty"`
	ProjectedBalance string `json:"projected_balance"`
}

// ExpiryJobRequest triggers the comp-off expiry sweep.
type ExpiryJobRequest struct {
	AsOf   string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
	DryRun bool   `json:"dry_run"`
}

// ExpiryJobResponse summarizes one expiry sweep.
type ExpiryJobResponse struct {
	ExpiredCount int             `json:"expired_count"`
	WouldExpire  int             `json:"would_expire,omitempty"`
	Failed       []JobFailureDTO `json:"failed,omitempty"`
}

// JobFailureDTO is one isolated per-record failure inside a batch run.
type JobFailureDTO struct {
	EmployeeID  string `json:"employee_id"`
	ReferenceID string `json:"reference_id,omitempty"`
	Error       string `json:"error"`
}

// VerifyChainResponse reports a chain integrity check.
type VerifyChainResponse struct {
	EmployeeID  string `json:"employee_id"`
	LeaveTypeID string `json:"leave_type_id"`
	Intact      bool   `json:"intact"`
	Frozen      bool   `json:"frozen"`
	Error       string `json:"error,omitempty"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toApplicationDTO(app *leave.Application) ApplicationDTO {
	dto := ApplicationDTO{
		ID:                 app.ID,
		EmployeeID:         app.EmployeeID,
		LeaveTypeID:        app.LeaveTypeID,
		ReportingManagerID: app.ReportingManagerID,
		Status:             string(app.Status),
		StartDate:          app.StartDate.String(),
		StartSlot:          string(app.StartSlot),
		EndDate:            app.EndDate.String(),
		EndSlot:            string(app.EndSlot),
		TotalDays:          app.TotalDays.String(),
		Reason:             app.Reason,
		RejectReason:       app.RejectReason,
		DecidedBy:          app.DecidedBy,
		CreatedAt:          app.CreatedAt.Format(time.RFC3339),
	}
	if !app.DecidedAt.IsZero() {
		dto.DecidedAt = app.DecidedAt.Format(time.RFC3339)
	}
	return dto
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:             e.ID,
		EmployeeID:     e.EmployeeID,
		LeaveTypeID:    e.LeaveTypeID,
		EffectiveDate:  e.EffectiveDate.String(),
		Accrued:        e.Accrued.String(),
		Utilized:       e.Utilized.String(),
		ClosingBalance: e.ClosingBalance.String(),
		Description:    e.Description,
		ReferenceID:    e.ReferenceID,
		Sequence:       e.Sequence,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toCompOffDTO(req *compoff.Request) CompOffDTO {
	dto := CompOffDTO{
		ID:           req.ID,
		EmployeeID:   req.EmployeeID,
		Type:         string(req.Type),
		WorkingDate:  req.WorkingDate.String(),
		Status:       string(req.Status),
		Days:         req.Days.String(),
		Reason:       req.Reason,
		RejectReason: req.RejectReason,
		GrantEntryID: req.GrantEntryID,
		CreatedAt:    req.CreatedAt.Format(time.RFC3339),
	}
	if !req.LeaveDate.IsZero() {
		dto.LeaveDate = req.LeaveDate.String()
	}
	if !req.DecidedAt.IsZero() {
		dto.DecidedAt = req.DecidedAt.Format(time.RFC3339)
	}
	if !req.ExpiredAt.IsZero() {
		dto.ExpiredAt = req.ExpiredAt.Format(time.RFC3339)
	}
	return dto
}
