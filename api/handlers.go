/*
handlers.go - HTTP API handlers for the leave ledger

PURPOSE:
  Exposes the leave system via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to domain logic.

ENDPOINTS:
  Leave:
    POST /api/leave/applications                 Submit an application
    GET  /api/leave/applications/{id}            Get an application
    POST /api/leave/applications/{id}/decision   Accept or reject

  Balances:
    GET  /api/employees/{id}/balances                        All chains
    GET  /api/employees/{id}/balances/{leaveType}            One chain
    GET  /api/employees/{id}/ledger/{leaveType}?from=&to=    Entry history
    GET  /api/employees/{id}/applications?status=            Applications

  Comp-off:
    POST /api/compoff/requests                   Submit an earn-claim
    GET  /api/compoff/requests/{id}              Get a request
    POST /api/compoff/requests/{id}/decision     Accept or reject

  Jobs:
    POST /api/jobs/monthly-credit                Monthly accrual run
    POST /api/jobs/comp-off-expiry               Expiry sweep

  Admin:
    POST /api/admin/verify/{id}/{leaveType}      Chain integrity check

ERROR HANDLING:
  Domain errors map to HTTP status via errors.Is/As in errorStatus:
  - 400: validation errors, malformed input
  - 404: unknown employee, application, request, leave type
  - 409: double decisions, duplicate idempotency keys, insufficient
         balance, annual cap, frozen chains
  - 500: chain corruption, storage failures

SECURITY NOTE:
  No authentication middleware. Identity comes from request bodies and
  is trusted; an API gateway is expected in front.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Background job loop reusing the same services
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/compoff"
	"github.com/warp/leave-ledger/directory"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// BalanceReader serves the cached balance rows of one employee.
type BalanceReader interface {
	BalanceSummaries(ctx context.Context, employeeID string) ([]ledger.BalanceSummary, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Ledger
	Leave     *leave.Workflow
	CompOff   *compoff.Service
	Accrual   *accrual.Engine
	Directory directory.Directory
	Balances  BalanceReader
	Apps      leave.Store
	Log       *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a handler. All fields except Log are required.
func NewHandler(h Handler) *Handler {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	h.validate = validator.New(validator.WithRequiredStructEnabled())
	return &h
}

// =============================================================================
// LEAVE APPLICATION HANDLERS
// =============================================================================

// ApplyLeave submits a leave application.
func (h *Handler) ApplyLeave(w http.ResponseWriter, r *http.Request) {
	var req ApplyLeaveRequest
	if !h.decode(w, r, &req) {
		return
	}

	startDate, _ := calendar.ParseDay(req.StartDate)
	endDate, _ := calendar.ParseDay(req.EndDate)

	app, err := h.Leave.Apply(r.Context(), leave.ApplyInput{
		EmployeeID:  req.EmployeeID,
		LeaveTypeID: req.LeaveTypeID,
		StartDate:   startDate,
		StartSlot:   slotOrDefault(req.StartSlot),
		EndDate:     endDate,
		EndSlot:     slotOrDefault(req.EndSlot),
		Reason:      req.Reason,
	})
	if err != nil {
		h.writeDomainError(w, err, "apply leave")
		return
	}

	writeJSON(w, http.StatusCreated, toApplicationDTO(app))
}

// GetApplication returns a single application.
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	app, err := h.Apps.GetApplication(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "get application")
		return
	}
	if app == nil {
		writeError(w, http.StatusNotFound, "Application not found", "not_found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toApplicationDTO(app))
}

// DecideLeave applies a manager decision to an application.
func (h *Handler) DecideLeave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DecideLeaveRequest
	if !h.decode(w, r, &req) {
		return
	}

	decision, err := leave.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "validation", nil)
		return
	}

	app, err := h.Leave.Decide(r.Context(), leave.DecideInput{
		ApplicationID: id,
		Decision:      decision,
		ManagerID:     req.ManagerID,
		Comment:       req.Comment,
	})
	if err != nil {
		h.writeDomainError(w, err, "decide leave")
		return
	}

	writeJSON(w, http.StatusOK, toApplicationDTO(app))
}

// ListApplications returns an employee's applications, newest last.
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	employeeID := chi.URLParam(r, "id")
	status := leave.Status(r.URL.Query().Get("status"))

	apps, err := h.Apps.ListApplications(r.Context(), employeeID, status)
	if err != nil {
		h.writeDomainError(w, err, "list applications")
		return
	}

	dtos := make([]ApplicationDTO, len(apps))
	for i := range apps {
		dtos[i] = toApplicationDTO(&apps[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BALANCE AND LEDGER HANDLERS
// =============================================================================

// ListBalances returns every chain balance of an employee.
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	employeeID := chi.URLParam(r, "id")

	summaries, err := h.Balances.BalanceSummaries(r.Context(), employeeID)
	if err != nil {
		h.writeDomainError(w, err, "list balances")
		return
	}

	dtos := make([]BalanceDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = BalanceDTO{
			EmployeeID:  s.EmployeeID,
			LeaveTypeID: s.LeaveTypeID,
			Balance:     s.Balance.String(),
			AsOfEntryID: s.AsOfEntryID,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance returns the balance of one (employee, leave type) chain.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	employeeID := chi.URLParam(r, "id")
	leaveTypeID := chi.URLParam(r, "leaveType")

	if _, err := h.Ledger.ResolveType(r.Context(), leaveTypeID); err != nil {
		h.writeDomainError(w, err, "get balance")
		return
	}

	summary, err := h.Ledger.Summary(r.Context(), employeeID, leaveTypeID)
	if err != nil {
		h.writeDomainError(w, err, "get balance")
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		EmployeeID:  employeeID,
		LeaveTypeID: leaveTypeID,
		Balance:     summary.Balance.String(),
		AsOfEntryID: summary.AsOfEntryID,
	})
}

// ListEntries returns the ledger history of one chain, optionally
// restricted to an effective-date range.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	employeeID := chi.URLParam(r, "id")
	leaveTypeID := chi.URLParam(r, "leaveType")

	var (
		entries []ledger.Entry
		err     error
	)
	fromStr, toStr := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if fromStr != "" || toStr != "" {
		from, perr := calendar.ParseDay(fromStr)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date (use YYYY-MM-DD)", "validation", nil)
			return
		}
		to, perr := calendar.ParseDay(toStr)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date (use YYYY-MM-DD)", "validation", nil)
			return
		}
		entries, err = h.Ledger.EntriesInRange(r.Context(), employeeID, leaveTypeID, from, to)
	} else {
		entries, err = h.Ledger.Entries(r.Context(), employeeID, leaveTypeID)
	}
	if err != nil {
		h.writeDomainError(w, err, "list entries")
		return
	}

	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// COMP-OFF HANDLERS
// =============================================================================

// ClaimCompOff submits a comp-off or swap earn-claim.
func (h *Handler) ClaimCompOff(w http.ResponseWriter, r *http.Request) {
	var req ClaimCompOffRequest
	if !h.decode(w, r, &req) {
		return
	}

	kind, err := compoff.ParseType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "validation", nil)
		return
	}

	workingDate, _ := calendar.ParseDay(req.WorkingDate)
	var leaveDate calendar.Day
	if req.LeaveDate != "" {
		leaveDate, _ = calendar.ParseDay(req.LeaveDate)
	}
	days := decimal.Zero
	if req.Days != "" {
		days, _ = decimal.NewFromString(req.Days)
	}

	out, err := h.CompOff.Claim(r.Context(), compoff.ClaimInput{
		EmployeeID:  req.EmployeeID,
		Type:        kind,
		WorkingDate: workingDate,
		LeaveDate:   leaveDate,
		Days:        days,
		Reason:      req.Reason,
	})
	if err != nil {
		h.writeDomainError(w, err, "claim comp-off")
		return
	}

	writeJSON(w, http.StatusCreated, toCompOffDTO(out))
}

// GetCompOff returns a single comp-off request.
func (h *Handler) GetCompOff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := h.CompOff.Store.GetRequest(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "get comp-off")
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "Comp-off request not found", "not_found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toCompOffDTO(req))
}

// DecideCompOff applies a manager decision to a claim.
func (h *Handler) DecideCompOff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DecideCompOffRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.CompOff.Decide(r.Context(), compoff.DecideInput{
		RequestID: id,
		Decision:  req.Decision,
		Comment:   req.Comment,
	})
	if err != nil {
		h.writeDomainError(w, err, "decide comp-off")
		return
	}

	writeJSON(w, http.StatusOK, toCompOffDTO(out))
}

// =============================================================================
// BATCH JOB HANDLERS
// =============================================================================

// RunMonthlyCredit triggers the monthly accrual run over the listed
// employees, or every active employee when the list is empty.
func (h *Handler) RunMonthlyCredit(w http.ResponseWriter, r *http.Request) {
	var req MonthlyCreditRequest
	if !h.decode(w, r, &req) {
		return
	}

	creditAmount, err := decimal.NewFromString(req.CreditAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credit_amount", "validation", nil)
		return
	}
	carryOverLimit := decimal.Zero
	if req.CarryOverLimit != "" {
		if carryOverLimit, err = decimal.NewFromString(req.CarryOverLimit); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid carry_over_limit", "validation", nil)
			return
		}
	}

	asOf := calendar.Today()
	if req.AsOf != "" {
		asOf, _ = calendar.ParseDay(req.AsOf)
	}

	employeeIDs := req.EmployeeIDs
	if len(employeeIDs) == 0 {
		employees, err := h.Directory.ListActive(r.Context())
		if err != nil {
			h.writeDomainError(w, err, "list active employees")
			return
		}
		for _, emp := range employees {
			employeeIDs = append(employeeIDs, emp.ID)
		}
	}

	result, err := h.Accrual.RunMonthlyCredit(r.Context(), accrual.Input{
		LeaveTypeID:    req.LeaveTypeID,
		CreditAmount:   creditAmount,
		CarryOverLimit: carryOverLimit,
		CarryOverMonth: time.Month(req.CarryOverMonth),
		AsOf:           asOf,
		EmployeeIDs:    employeeIDs,
		DryRun:         req.DryRun,
	})
	if err != nil && !errors.Is(err, accrual.ErrBatchPartial) {
		h.writeDomainError(w, err, "monthly credit")
		return
	}

	resp := MonthlyCreditResponse{
		Posted:  toEntryDTOs(result.Posted),
		Skipped: result.Skipped,
	}
	for _, plan := range result.Planned {
		dto := PlannedCreditDTO{
			EmployeeID:       plan.EmployeeID,
			Credit:           plan.Credit.String(),
			ProjectedBalance: plan.ProjectedBalance.String(),
		}
		if plan.Truncated.IsPositive() {
			dto.Truncated = plan.Truncated.String()
		}
		resp.Planned = append(resp.Planned, dto)
	}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, JobFailureDTO{EmployeeID: f.EmployeeID, Error: f.Err.Error()})
	}

	// Partial failure still returns the full result; 207 tells the
	// caller to inspect the failed list.
	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// RunCompOffExpiry triggers the expiry sweep over old accepted grants.
func (h *Handler) RunCompOffExpiry(w http.ResponseWriter, r *http.Request) {
	var req ExpiryJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	asOf := calendar.Today()
	if req.AsOf != "" {
		asOf, _ = calendar.ParseDay(req.AsOf)
	}

	result, err := h.CompOff.ExpireUnused(r.Context(), asOf, req.DryRun)
	if err != nil {
		h.writeDomainError(w, err, "comp-off expiry")
		return
	}

	resp := ExpiryJobResponse{
		ExpiredCount: result.ExpiredCount,
		WouldExpire:  result.WouldExpire,
	}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, JobFailureDTO{
			EmployeeID:  f.EmployeeID,
			ReferenceID: f.RequestID,
			Error:       f.Err.Error(),
		})
	}

	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// VerifyChain replays one chain and reports the integrity result. A
// violated recurrence freezes the chain against further writes.
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	employeeID := chi.URLParam(r, "id")
	leaveTypeID := chi.URLParam(r, "leaveType")

	resp := VerifyChainResponse{
		EmployeeID:  employeeID,
		LeaveTypeID: leaveTypeID,
		Intact:      true,
	}
	if err := h.Ledger.Verify(r.Context(), employeeID, leaveTypeID); err != nil {
		var integrity *ledger.ChainIntegrityError
		if !errors.As(err, &integrity) {
			h.writeDomainError(w, err, "verify chain")
			return
		}
		resp.Intact = false
		resp.Error = integrity.Error()
		h.Log.Error("ledger chain integrity violation",
			zap.String("employee_id", employeeID),
			zap.String("leave_type_id", leaveTypeID),
			zap.Error(integrity),
		)
	}
	frozen, err := h.Ledger.Frozen(r.Context(), employeeID, leaveTypeID)
	if err != nil {
		h.writeDomainError(w, err, "read chain freeze")
		return
	}
	resp.Frozen = frozen

	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode parses and validates a JSON request body. Writes the error
// response itself and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "validation", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, len(verrs))
			for i, fe := range verrs {
				details[i] = fe.Field() + ": failed " + fe.Tag()
			}
			writeError(w, http.StatusBadRequest, "Validation failed", "validation", details)
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", "validation", err.Error())
		return false
	}
	return true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error, op string) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("op", op), zap.Error(err))
	}
	writeError(w, status, err.Error(), code, nil)
}

// errorStatus maps domain errors onto HTTP status codes and stable
// machine-readable codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, leave.ErrAlreadyDecided), errors.Is(err, compoff.ErrAlreadyDecided):
		return http.StatusConflict, "already_decided"
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, compoff.ErrAnnualCapExceeded):
		return http.StatusConflict, "annual_cap_exceeded"
	case errors.Is(err, ledger.ErrChainFrozen):
		return http.StatusConflict, "chain_frozen"
	case errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, ledger.ErrChainIntegrity):
		return http.StatusInternalServerError, "chain_integrity"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func slotOrDefault(s string) calendar.Slot {
	if s == "" {
		return calendar.SlotFullDay
	}
	return calendar.Slot(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code, Details: details})
}
