/*
Package memory provides the in-memory combined store for tests and
local development. It implements every persistence port of the system:
the ledger chain, leave applications, comp-off requests, calendar
overrides, leave types and batch job runs.

WithTx simulates transactions with a full snapshot and rollback on
error. Transactions are serialized; this store trades concurrency
fidelity for simplicity and is not meant for production.
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/compoff"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
)

type chainKey struct {
	EmployeeID  string
	LeaveTypeID string
}

type jobRun struct {
	Status  string
	Summary string
	Err     string
	At      time.Time
}

type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	entries      map[chainKey][]ledger.Entry
	entryKeys    map[string]bool
	balances     map[chainKey]ledger.BalanceSummary
	frozen       map[chainKey]bool
	leaveTypes   map[string]ledger.LeaveType
	applications map[string]leave.Application
	requests     map[string]compoff.Request
	overrides    map[string]map[calendar.Day]calendar.Override
	jobRuns      map[string]jobRun
}

func New() *Store {
	return &Store{
		entries:      make(map[chainKey][]ledger.Entry),
		entryKeys:    make(map[string]bool),
		balances:     make(map[chainKey]ledger.BalanceSummary),
		frozen:       make(map[chainKey]bool),
		leaveTypes:   make(map[string]ledger.LeaveType),
		applications: make(map[string]leave.Application),
		requests:     make(map[string]compoff.Request),
		overrides:    make(map[string]map[calendar.Day]calendar.Override),
		jobRuns:      make(map[string]jobRun),
	}
}

// =============================================================================
// LEDGER STORE (ledger.Store)
// =============================================================================

func (s *Store) AppendEntry(_ context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IdempotencyKey != "" && s.entryKeys[e.IdempotencyKey] {
		return fmt.Errorf("key %q: %w", e.IdempotencyKey, ledger.ErrDuplicateIdempotencyKey)
	}

	k := chainKey{EmployeeID: e.EmployeeID, LeaveTypeID: e.LeaveTypeID}
	s.entries[k] = append(s.entries[k], e)
	if e.IdempotencyKey != "" {
		s.entryKeys[e.IdempotencyKey] = true
	}

	// Cached balance row, refreshed with every append.
	s.balances[k] = ledger.BalanceSummary{
		EmployeeID:  e.EmployeeID,
		LeaveTypeID: e.LeaveTypeID,
		Balance:     e.ClosingBalance,
		AsOfEntryID: e.ID,
	}
	return nil
}

func (s *Store) LatestEntry(_ context.Context, employeeID, leaveTypeID string) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.entries[chainKey{EmployeeID: employeeID, LeaveTypeID: leaveTypeID}]
	if len(chain) == 0 {
		return nil, nil
	}
	e := chain[len(chain)-1]
	return &e, nil
}

func (s *Store) Entries(_ context.Context, employeeID, leaveTypeID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.entries[chainKey{EmployeeID: employeeID, LeaveTypeID: leaveTypeID}]
	out := make([]ledger.Entry, len(chain))
	copy(out, chain)
	return out, nil
}

func (s *Store) EntriesInRange(_ context.Context, employeeID, leaveTypeID string, from, to calendar.Day) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Entry
	for _, e := range s.entries[chainKey{EmployeeID: employeeID, LeaveTypeID: leaveTypeID}] {
		if !e.EffectiveDate.Before(from) && !e.EffectiveDate.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) HasEntryKey(_ context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryKeys[idempotencyKey], nil
}

func (s *Store) SetChainFrozen(_ context.Context, employeeID, leaveTypeID string, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := chainKey{EmployeeID: employeeID, LeaveTypeID: leaveTypeID}
	if frozen {
		s.frozen[k] = true
	} else {
		delete(s.frozen, k)
	}
	return nil
}

func (s *Store) ChainFrozen(_ context.Context, employeeID, leaveTypeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen[chainKey{EmployeeID: employeeID, LeaveTypeID: leaveTypeID}], nil
}

// BalanceSummaries returns the cached balance rows for an employee.
func (s *Store) BalanceSummaries(_ context.Context, employeeID string) ([]ledger.BalanceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.BalanceSummary
	for k, b := range s.balances {
		if k.EmployeeID == employeeID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaveTypeID < out[j].LeaveTypeID })
	return out, nil
}

// =============================================================================
// LEAVE TYPES (ledger.TypeRegistry)
// =============================================================================

func (s *Store) SaveLeaveType(_ context.Context, lt ledger.LeaveType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveTypes[lt.ID] = lt
	return nil
}

func (s *Store) LeaveType(_ context.Context, id string) (ledger.LeaveType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lt, ok := s.leaveTypes[id]
	if !ok {
		return ledger.LeaveType{}, &ledger.NotFoundError{Kind: "leave type", ID: id}
	}
	return lt, nil
}

// =============================================================================
// APPLICATIONS (leave.Store)
// =============================================================================

func (s *Store) CreateApplication(_ context.Context, app leave.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.applications[app.ID]; exists {
		return fmt.Errorf("application %s already exists", app.ID)
	}
	s.applications[app.ID] = app
	return nil
}

func (s *Store) GetApplication(_ context.Context, id string) (*leave.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.applications[id]
	if !ok {
		return nil, nil
	}
	return &app, nil
}

func (s *Store) DecideApplication(_ context.Context, id string, to leave.Status, decidedBy, rejectReason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "application", ID: id}
	}
	if !app.Status.CanTransition(to) {
		return &leave.AlreadyDecidedError{ApplicationID: id, Status: app.Status}
	}

	app.Status = to
	app.DecidedBy = decidedBy
	app.RejectReason = rejectReason
	app.DecidedAt = at
	s.applications[id] = app
	return nil
}

func (s *Store) ListApplications(_ context.Context, employeeID string, status leave.Status) ([]leave.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []leave.Application
	for _, app := range s.applications {
		if employeeID != "" && app.EmployeeID != employeeID {
			continue
		}
		if status != "" && app.Status != status {
			continue
		}
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// COMP-OFF REQUESTS (compoff.Store)
// =============================================================================

func (s *Store) CreateRequest(_ context.Context, req compoff.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("comp-off request %s already exists", req.ID)
	}
	s.requests[req.ID] = req
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*compoff.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (s *Store) DecideRequest(_ context.Context, id string, to compoff.Status, rejectReason, grantEntryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "comp-off request", ID: id}
	}
	if !req.Status.CanTransition(to) {
		return &compoff.AlreadyDecidedError{RequestID: id, Status: req.Status}
	}

	req.Status = to
	req.RejectReason = rejectReason
	req.GrantEntryID = grantEntryID
	req.DecidedAt = at
	s.requests[id] = req
	return nil
}

func (s *Store) ExpireRequest(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "comp-off request", ID: id}
	}
	if !req.Status.CanTransition(compoff.StatusExpired) {
		return fmt.Errorf("comp-off request %s cannot expire from %s", id, req.Status)
	}

	req.Status = compoff.StatusExpired
	req.ExpiredAt = at
	s.requests[id] = req
	return nil
}

// CountAcceptedInYear counts requests accepted for a working date in the
// year. Expired requests still count: they were accepted that year.
func (s *Store) CountAcceptedInYear(_ context.Context, employeeID string, year int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, req := range s.requests {
		if req.EmployeeID != employeeID || req.WorkingDate.Year() != year {
			continue
		}
		if req.Status == compoff.StatusAccepted || req.Status == compoff.StatusExpired {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListAcceptedDecidedBefore(_ context.Context, cutoff time.Time) ([]compoff.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []compoff.Request
	for _, req := range s.requests {
		if req.Status == compoff.StatusAccepted && !req.DecidedAt.After(cutoff) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecidedAt.Before(out[j].DecidedAt) })
	return out, nil
}

// =============================================================================
// CALENDAR OVERRIDES (compoff.Store / leave.OverrideSource)
// =============================================================================

func (s *Store) SetOverride(_ context.Context, employeeID string, day calendar.Day, kind calendar.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrides[employeeID] == nil {
		s.overrides[employeeID] = make(map[calendar.Day]calendar.Override)
	}
	s.overrides[employeeID][day] = kind
	return nil
}

func (s *Store) Overrides(_ context.Context, employeeID string, from, to calendar.Day) (map[calendar.Day]calendar.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[calendar.Day]calendar.Override)
	for d, kind := range s.overrides[employeeID] {
		if !d.Before(from) && !d.After(to) {
			out[d] = kind
		}
	}
	return out, nil
}

// =============================================================================
// JOB RUNS - advisory lock for batch jobs
// =============================================================================

// ClaimJobRun registers a (job, period) run. Returns false when the
// period was already claimed by this or another instance.
func (s *Store) ClaimJobRun(_ context.Context, job, periodKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := job + ":" + periodKey
	if _, exists := s.jobRuns[key]; exists {
		return false, nil
	}
	s.jobRuns[key] = jobRun{Status: "running", At: time.Now().UTC()}
	return true, nil
}

func (s *Store) CompleteJobRun(_ context.Context, job, periodKey, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := job + ":" + periodKey
	run := s.jobRuns[key]
	run.Status = "completed"
	run.Summary = summary
	s.jobRuns[key] = run
	return nil
}

func (s *Store) FailJobRun(_ context.Context, job, periodKey string, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := job + ":" + periodKey
	run := s.jobRuns[key]
	run.Status = "failed"
	if runErr != nil {
		run.Err = runErr.Error()
	}
	s.jobRuns[key] = run
	return nil
}

// =============================================================================
// TRANSACTIONS - snapshot + rollback
// =============================================================================

// WithTx executes fn atomically: on error every map is restored to the
// pre-transaction snapshot. Transactions are serialized among
// themselves.
func (s *Store) WithTx(_ context.Context, fn func(*Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	entries      map[chainKey][]ledger.Entry
	entryKeys    map[string]bool
	balances     map[chainKey]ledger.BalanceSummary
	frozen       map[chainKey]bool
	leaveTypes   map[string]ledger.LeaveType
	applications map[string]leave.Application
	requests     map[string]compoff.Request
	overrides    map[string]map[calendar.Day]calendar.Override
	jobRuns      map[string]jobRun
}

func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{
		entries:      make(map[chainKey][]ledger.Entry, len(s.entries)),
		entryKeys:    make(map[string]bool, len(s.entryKeys)),
		balances:     make(map[chainKey]ledger.BalanceSummary, len(s.balances)),
		frozen:       make(map[chainKey]bool, len(s.frozen)),
		leaveTypes:   make(map[string]ledger.LeaveType, len(s.leaveTypes)),
		applications: make(map[string]leave.Application, len(s.applications)),
		requests:     make(map[string]compoff.Request, len(s.requests)),
		overrides:    make(map[string]map[calendar.Day]calendar.Override, len(s.overrides)),
		jobRuns:      make(map[string]jobRun, len(s.jobRuns)),
	}
	for k, v := range s.entries {
		snap.entries[k] = append([]ledger.Entry{}, v...)
	}
	for k, v := range s.entryKeys {
		snap.entryKeys[k] = v
	}
	for k, v := range s.balances {
		snap.balances[k] = v
	}
	for k, v := range s.frozen {
		snap.frozen[k] = v
	}
	for k, v := range s.leaveTypes {
		snap.leaveTypes[k] = v
	}
	for k, v := range s.applications {
		snap.applications[k] = v
	}
	for k, v := range s.requests {
		snap.requests[k] = v
	}
	for k, v := range s.overrides {
		inner := make(map[calendar.Day]calendar.Override, len(v))
		for d, o := range v {
			inner[d] = o
		}
		snap.overrides[k] = inner
	}
	for k, v := range s.jobRuns {
		snap.jobRuns[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = snap.entries
	s.entryKeys = snap.entryKeys
	s.balances = snap.balances
	s.frozen = snap.frozen
	s.leaveTypes = snap.leaveTypes
	s.applications = snap.applications
	s.requests = snap.requests
	s.overrides = snap.overrides
	s.jobRuns = snap.jobRuns
}
