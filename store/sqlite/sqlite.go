/*
Package sqlite provides the SQLite-backed implementation of every
persistence port: the balance ledger chain, leave applications, comp-off
requests, calendar overrides, the employee directory, holiday calendars,
the work log and batch job runs.

APPEND-ONLY ENFORCEMENT:
  The ledger_entries table is never UPDATEd or DELETEd. Corrections are
  new offsetting entries. The cached employee_leave_balances row is the
  only mutable ledger artifact and is refreshed in the same statement
  batch as the append.

KEY INDEXES:
  - ledger_entries(idempotency_key) UNIQUE: retried postings collapse
  - ledger_entries(employee_id, leave_type_id, sequence) UNIQUE: one
    writer wins a sequence slot even if the in-process lock is bypassed
  - job_runs(job, period_key) UNIQUE: one batch run per period across
    instances

WAL MODE:
  SQLite is opened with WAL so readers do not block the single writer.

USAGE:
  st, err := sqlite.New("./data/leave.db")
  ...
  defer st.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/types.go, leave/types.go, compoff/types.go: port definitions
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/compoff"
	"github.com/warp/leave-ledger/directory"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
)

// querier is the subset of *sql.DB and *sql.Tx the store uses, so the
// same methods serve both direct and transactional access.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage ports on SQLite.
type Store struct {
	db *sql.DB
	q  querier

	// txMu serializes WithTx blocks. SQLite allows a single writer;
	// serializing in-process avoids SQLITE_BUSY churn under load.
	txMu *sync.Mutex
}

// New opens (or creates) the database and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	st := &Store{db: db, q: db, txMu: &sync.Mutex{}}
	if err := st.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return st, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Leave types (one balance chain per employee per type)
	CREATE TABLE IF NOT EXISTS leave_types (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		allow_negative BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		accrued TEXT NOT NULL,
		utilized TEXT NOT NULL,
		closing_balance TEXT NOT NULL,
		description TEXT,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		sequence INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Latest-entry reads and chain replays (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_chain
		ON ledger_entries(employee_id, leave_type_id, sequence DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_effective
		ON ledger_entries(employee_id, leave_type_id, effective_date);
	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON ledger_entries(reference_id) WHERE reference_id IS NOT NULL;

	-- One writer wins a sequence slot even if the in-process lock is
	-- bypassed; the loser's INSERT fails instead of forking the chain.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_sequence
		ON ledger_entries(employee_id, leave_type_id, sequence);

	-- Integrity freezes. A row blocks writes to its chain for every
	-- instance sharing this database, across restarts.
	CREATE TABLE IF NOT EXISTS frozen_chains (
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		frozen_at TEXT NOT NULL,
		PRIMARY KEY (employee_id, leave_type_id)
	);

	-- Cached balance per chain, refreshed with every append
	CREATE TABLE IF NOT EXISTS employee_leave_balances (
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		balance TEXT NOT NULL,
		as_of_entry_id TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (employee_id, leave_type_id)
	);

	-- Leave applications (decided at most once; rows never deleted)
	CREATE TABLE IF NOT EXISTS leave_applications (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		reporting_manager_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		start_date TEXT NOT NULL,
		start_slot TEXT NOT NULL,
		end_date TEXT NOT NULL,
		end_slot TEXT NOT NULL,
		total_days TEXT NOT NULL,
		reason TEXT,
		reject_reason TEXT,
		decided_by TEXT,
		created_at TEXT NOT NULL,
		decided_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_applications_employee
		ON leave_applications(employee_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_applications_status
		ON leave_applications(status);

	-- Comp-off / swap requests
	CREATE TABLE IF NOT EXISTS compoff_requests (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		type TEXT NOT NULL,
		working_date TEXT NOT NULL,
		leave_date TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		days TEXT NOT NULL,
		reason TEXT,
		reject_reason TEXT,
		grant_entry_id TEXT,
		created_at TEXT NOT NULL,
		decided_at TEXT,
		expired_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_compoff_employee
		ON compoff_requests(employee_id, working_date);
	CREATE INDEX IF NOT EXISTS idx_compoff_status_decided
		ON compoff_requests(status, decided_at);

	-- Per-employee calendar flips written by accepted swaps
	CREATE TABLE IF NOT EXISTS holiday_overrides (
		employee_id TEXT NOT NULL,
		day TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (employee_id, day)
	);

	-- Batch job runs; the unique pair is the cross-instance advisory lock
	CREATE TABLE IF NOT EXISTS job_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job TEXT NOT NULL,
		period_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		summary TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		UNIQUE (job, period_key)
	);

	-- Employee directory
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		branch TEXT NOT NULL DEFAULT '',
		manager_id TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- Branch holiday calendars ('' = company-wide)
	CREATE TABLE IF NOT EXISTS holidays (
		branch TEXT NOT NULL DEFAULT '',
		day TEXT NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (branch, day)
	);

	-- Work log backing comp-off claims
	CREATE TABLE IF NOT EXISTS work_log (
		employee_id TEXT NOT NULL,
		day TEXT NOT NULL,
		PRIMARY KEY (employee_id, day)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

const dayFormat = "2006-01-02"

// =============================================================================
// LEDGER STORE (ledger.Store)
// =============================================================================

// AppendEntry inserts one chain entry and refreshes the cached balance
// row. Duplicate idempotency keys map to ErrDuplicateIdempotencyKey;
// duplicate sequences map to ErrConcurrentModification.
func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, employee_id, leave_type_id, effective_date, accrued, utilized,
		 closing_balance, description, reference_id, idempotency_key, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EmployeeID, e.LeaveTypeID,
		e.EffectiveDate.Time().Format(dayFormat),
		e.Accrued.String(), e.Utilized.String(), e.ClosingBalance.String(),
		e.Description, nullString(e.ReferenceID), nullString(e.IdempotencyKey),
		e.Sequence, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// SQLite names the violated columns, not the index.
			if strings.Contains(err.Error(), "ledger_entries.sequence") {
				return fmt.Errorf("chain %s/%s sequence %d: %w",
					e.EmployeeID, e.LeaveTypeID, e.Sequence, ledger.ErrConcurrentModification)
			}
			return fmt.Errorf("key %q: %w", e.IdempotencyKey, ledger.ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("append ledger entry: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO employee_leave_balances (employee_id, leave_type_id, balance, as_of_entry_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(employee_id, leave_type_id) DO UPDATE SET
			balance = excluded.balance,
			as_of_entry_id = excluded.as_of_entry_id,
			updated_at = excluded.updated_at`,
		e.EmployeeID, e.LeaveTypeID, e.ClosingBalance.String(), e.ID, now,
	)
	if err != nil {
		return fmt.Errorf("refresh balance cache: %w", err)
	}
	return nil
}

func (s *Store) LatestEntry(ctx context.Context, employeeID, leaveTypeID string) (*ledger.Entry, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, employee_id, leave_type_id, effective_date, accrued, utilized,
		       closing_balance, description, reference_id, idempotency_key, sequence, created_at
		FROM ledger_entries
		WHERE employee_id = ? AND leave_type_id = ?
		ORDER BY sequence DESC
		LIMIT 1`,
		employeeID, leaveTypeID,
	)
	e, err := scanEntryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) Entries(ctx context.Context, employeeID, leaveTypeID string) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT id, employee_id, leave_type_id, effective_date, accrued, utilized,
		       closing_balance, description, reference_id, idempotency_key, sequence, created_at
		FROM ledger_entries
		WHERE employee_id = ? AND leave_type_id = ?
		ORDER BY sequence ASC`,
		employeeID, leaveTypeID,
	)
}

func (s *Store) EntriesInRange(ctx context.Context, employeeID, leaveTypeID string, from, to calendar.Day) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT id, employee_id, leave_type_id, effective_date, accrued, utilized,
		       closing_balance, description, reference_id, idempotency_key, sequence, created_at
		FROM ledger_entries
		WHERE employee_id = ? AND leave_type_id = ?
		  AND effective_date >= ? AND effective_date <= ?
		ORDER BY sequence ASC`,
		employeeID, leaveTypeID,
		from.Time().Format(dayFormat), to.Time().Format(dayFormat),
	)
}

func (s *Store) HasEntryKey(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) SetChainFrozen(ctx context.Context, employeeID, leaveTypeID string, frozen bool) error {
	if frozen {
		_, err := s.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO frozen_chains (employee_id, leave_type_id, frozen_at)
			VALUES (?, ?, ?)`,
			employeeID, leaveTypeID, time.Now().UTC().Format(time.RFC3339),
		)
		return err
	}
	_, err := s.q.ExecContext(ctx,
		"DELETE FROM frozen_chains WHERE employee_id = ? AND leave_type_id = ?",
		employeeID, leaveTypeID,
	)
	return err
}

func (s *Store) ChainFrozen(ctx context.Context, employeeID, leaveTypeID string) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM frozen_chains WHERE employee_id = ? AND leave_type_id = ?",
		employeeID, leaveTypeID,
	).Scan(&count)
	return count > 0, err
}

// BalanceSummaries returns the cached balance rows for an employee.
func (s *Store) BalanceSummaries(ctx context.Context, employeeID string) ([]ledger.BalanceSummary, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT employee_id, leave_type_id, balance, as_of_entry_id
		FROM employee_leave_balances
		WHERE employee_id = ?
		ORDER BY leave_type_id`,
		employeeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.BalanceSummary
	for rows.Next() {
		var b ledger.BalanceSummary
		var balance string
		if err := rows.Scan(&b.EmployeeID, &b.LeaveTypeID, &balance, &b.AsOfEntryID); err != nil {
			return nil, err
		}
		b.Balance, err = decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("parse cached balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntryRow(row rowScanner) (*ledger.Entry, error) {
	var (
		e              ledger.Entry
		effectiveDate  string
		accrued        string
		utilized       string
		closing        string
		description    sql.NullString
		referenceID    sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)
	err := row.Scan(
		&e.ID, &e.EmployeeID, &e.LeaveTypeID, &effectiveDate,
		&accrued, &utilized, &closing,
		&description, &referenceID, &idempotencyKey, &e.Sequence, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	e.EffectiveDate, err = calendar.ParseDay(effectiveDate)
	if err != nil {
		return nil, fmt.Errorf("parse effective date: %w", err)
	}
	if e.Accrued, err = decimal.NewFromString(accrued); err != nil {
		return nil, fmt.Errorf("parse accrued: %w", err)
	}
	if e.Utilized, err = decimal.NewFromString(utilized); err != nil {
		return nil, fmt.Errorf("parse utilized: %w", err)
	}
	if e.ClosingBalance, err = decimal.NewFromString(closing); err != nil {
		return nil, fmt.Errorf("parse closing balance: %w", err)
	}
	e.Description = description.String
	e.ReferenceID = referenceID.String
	e.IdempotencyKey = idempotencyKey.String
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &e, nil
}

// =============================================================================
// LEAVE TYPES (ledger.TypeRegistry)
// =============================================================================

// SaveLeaveType upserts a leave type. Used for seeding.
func (s *Store) SaveLeaveType(ctx context.Context, lt ledger.LeaveType) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO leave_types (id, code, name, allow_negative, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			allow_negative = excluded.allow_negative`,
		lt.ID, lt.Code, lt.Name, lt.AllowNegative,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) LeaveType(ctx context.Context, id string) (ledger.LeaveType, error) {
	var lt ledger.LeaveType
	err := s.q.QueryRowContext(ctx,
		"SELECT id, code, name, allow_negative FROM leave_types WHERE id = ?",
		id,
	).Scan(&lt.ID, &lt.Code, &lt.Name, &lt.AllowNegative)
	if err == sql.ErrNoRows {
		return ledger.LeaveType{}, &ledger.NotFoundError{Kind: "leave type", ID: id}
	}
	if err != nil {
		return ledger.LeaveType{}, err
	}
	return lt, nil
}

func (s *Store) ListLeaveTypes(ctx context.Context) ([]ledger.LeaveType, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, code, name, allow_negative FROM leave_types ORDER BY code",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []ledger.LeaveType
	for rows.Next() {
		var lt ledger.LeaveType
		if err := rows.Scan(&lt.ID, &lt.Code, &lt.Name, &lt.AllowNegative); err != nil {
			return nil, err
		}
		types = append(types, lt)
	}
	return types, rows.Err()
}

// =============================================================================
// APPLICATIONS (leave.Store)
// =============================================================================

func (s *Store) CreateApplication(ctx context.Context, app leave.Application) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO leave_applications
		(id, employee_id, leave_type_id, reporting_manager_id, status,
		 start_date, start_slot, end_date, end_slot, total_days,
		 reason, reject_reason, decided_by, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.EmployeeID, app.LeaveTypeID, app.ReportingManagerID, app.Status,
		app.StartDate.Time().Format(dayFormat), app.StartSlot,
		app.EndDate.Time().Format(dayFormat), app.EndSlot,
		app.TotalDays.String(),
		app.Reason, nullString(app.RejectReason), nullString(app.DecidedBy),
		app.CreatedAt.UTC().Format(time.RFC3339), nullTime(app.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	return nil
}

func (s *Store) GetApplication(ctx context.Context, id string) (*leave.Application, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, employee_id, leave_type_id, reporting_manager_id, status,
		       start_date, start_slot, end_date, end_slot, total_days,
		       reason, reject_reason, decided_by, created_at, decided_at
		FROM leave_applications WHERE id = ?`,
		id,
	)
	app, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return app, nil
}

// DecideApplication transitions a Pending row exactly once. The guarded
// UPDATE makes a concurrent double-decision lose at the database even if
// both callers read Pending.
func (s *Store) DecideApplication(ctx context.Context, id string, to leave.Status, decidedBy, rejectReason string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE leave_applications
		SET status = ?, decided_by = ?, reject_reason = ?, decided_at = ?
		WHERE id = ? AND status = 'pending'`,
		to, decidedBy, nullString(rejectReason), at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("decide application: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		existing, err := s.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return &ledger.NotFoundError{Kind: "application", ID: id}
		}
		return &leave.AlreadyDecidedError{ApplicationID: id, Status: existing.Status}
	}
	return nil
}

func (s *Store) ListApplications(ctx context.Context, employeeID string, status leave.Status) ([]leave.Application, error) {
	query := `
		SELECT id, employee_id, leave_type_id, reporting_manager_id, status,
		       start_date, start_slot, end_date, end_slot, total_days,
		       reason, reject_reason, decided_by, created_at, decided_at
		FROM leave_applications`
	var conds []string
	var args []any
	if employeeID != "" {
		conds = append(conds, "employee_id = ?")
		args = append(args, employeeID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []leave.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

func scanApplication(row rowScanner) (*leave.Application, error) {
	var (
		app          leave.Application
		startDate    string
		endDate      string
		totalDays    string
		reason       sql.NullString
		rejectReason sql.NullString
		decidedBy    sql.NullString
		createdAt    string
		decidedAt    sql.NullString
	)
	err := row.Scan(
		&app.ID, &app.EmployeeID, &app.LeaveTypeID, &app.ReportingManagerID, &app.Status,
		&startDate, &app.StartSlot, &endDate, &app.EndSlot, &totalDays,
		&reason, &rejectReason, &decidedBy, &createdAt, &decidedAt,
	)
	if err != nil {
		return nil, err
	}

	if app.StartDate, err = calendar.ParseDay(startDate); err != nil {
		return nil, fmt.Errorf("parse start date: %w", err)
	}
	if app.EndDate, err = calendar.ParseDay(endDate); err != nil {
		return nil, fmt.Errorf("parse end date: %w", err)
	}
	if app.TotalDays, err = decimal.NewFromString(totalDays); err != nil {
		return nil, fmt.Errorf("parse total days: %w", err)
	}
	app.Reason = reason.String
	app.RejectReason = rejectReason.String
	app.DecidedBy = decidedBy.String
	app.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if decidedAt.Valid {
		app.DecidedAt, _ = time.Parse(time.RFC3339, decidedAt.String)
	}
	return &app, nil
}

// =============================================================================
// COMP-OFF REQUESTS (compoff.Store)
// =============================================================================

func (s *Store) CreateRequest(ctx context.Context, req compoff.Request) error {
	var leaveDate any
	if !req.LeaveDate.IsZero() {
		leaveDate = req.LeaveDate.Time().Format(dayFormat)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO compoff_requests
		(id, employee_id, type, working_date, leave_date, status, days,
		 reason, reject_reason, grant_entry_id, created_at, decided_at, expired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.EmployeeID, req.Type,
		req.WorkingDate.Time().Format(dayFormat), leaveDate,
		req.Status, req.Days.String(),
		req.Reason, nullString(req.RejectReason), nullString(req.GrantEntryID),
		req.CreatedAt.UTC().Format(time.RFC3339), nullTime(req.DecidedAt), nullTime(req.ExpiredAt),
	)
	if err != nil {
		return fmt.Errorf("create comp-off request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*compoff.Request, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, employee_id, type, working_date, leave_date, status, days,
		       reason, reject_reason, grant_entry_id, created_at, decided_at, expired_at
		FROM compoff_requests WHERE id = ?`,
		id,
	)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Store) DecideRequest(ctx context.Context, id string, to compoff.Status, rejectReason, grantEntryID string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE compoff_requests
		SET status = ?, reject_reason = ?, grant_entry_id = ?, decided_at = ?
		WHERE id = ? AND status = 'pending'`,
		to, nullString(rejectReason), nullString(grantEntryID), at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("decide comp-off request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		existing, err := s.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return &ledger.NotFoundError{Kind: "comp-off request", ID: id}
		}
		return &compoff.AlreadyDecidedError{RequestID: id, Status: existing.Status}
	}
	return nil
}

func (s *Store) ExpireRequest(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE compoff_requests
		SET status = 'expired', expired_at = ?
		WHERE id = ? AND status = 'accepted'`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("expire comp-off request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("comp-off request %s is not accepted", id)
	}
	return nil
}

// CountAcceptedInYear counts requests accepted for a working date in the
// year. Expired requests still count: they were accepted that year.
func (s *Store) CountAcceptedInYear(ctx context.Context, employeeID string, year int) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM compoff_requests
		WHERE employee_id = ?
		  AND status IN ('accepted', 'expired')
		  AND strftime('%Y', working_date) = ?`,
		employeeID, fmt.Sprintf("%04d", year),
	).Scan(&count)
	return count, err
}

func (s *Store) ListAcceptedDecidedBefore(ctx context.Context, cutoff time.Time) ([]compoff.Request, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, employee_id, type, working_date, leave_date, status, days,
		       reason, reject_reason, grant_entry_id, created_at, decided_at, expired_at
		FROM compoff_requests
		WHERE status = 'accepted' AND decided_at <= ?
		ORDER BY decided_at ASC`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []compoff.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

func scanRequest(row rowScanner) (*compoff.Request, error) {
	var (
		req          compoff.Request
		workingDate  string
		leaveDate    sql.NullString
		days         string
		reason       sql.NullString
		rejectReason sql.NullString
		grantEntryID sql.NullString
		createdAt    string
		decidedAt    sql.NullString
		expiredAt    sql.NullString
	)
	err := row.Scan(
		&req.ID, &req.EmployeeID, &req.Type, &workingDate, &leaveDate,
		&req.Status, &days, &reason, &rejectReason, &grantEntryID,
		&createdAt, &decidedAt, &expiredAt,
	)
	if err != nil {
		return nil, err
	}

	if req.WorkingDate, err = calendar.ParseDay(workingDate); err != nil {
		return nil, fmt.Errorf("parse working date: %w", err)
	}
	if leaveDate.Valid {
		if req.LeaveDate, err = calendar.ParseDay(leaveDate.String); err != nil {
			return nil, fmt.Errorf("parse leave date: %w", err)
		}
	}
	if req.Days, err = decimal.NewFromString(days); err != nil {
		return nil, fmt.Errorf("parse days: %w", err)
	}
	req.Reason = reason.String
	req.RejectReason = rejectReason.String
	req.GrantEntryID = grantEntryID.String
	req.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if decidedAt.Valid {
		req.DecidedAt, _ = time.Parse(time.RFC3339, decidedAt.String)
	}
	if expiredAt.Valid {
		req.ExpiredAt, _ = time.Parse(time.RFC3339, expiredAt.String)
	}
	return &req, nil
}

// =============================================================================
// CALENDAR OVERRIDES (compoff.Store / leave.OverrideSource)
// =============================================================================

func (s *Store) SetOverride(ctx context.Context, employeeID string, day calendar.Day, kind calendar.Override) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO holiday_overrides (employee_id, day, kind, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(employee_id, day) DO UPDATE SET kind = excluded.kind`,
		employeeID, day.Time().Format(dayFormat), kind,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) Overrides(ctx context.Context, employeeID string, from, to calendar.Day) (map[calendar.Day]calendar.Override, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT day, kind FROM holiday_overrides
		WHERE employee_id = ? AND day >= ? AND day <= ?`,
		employeeID, from.Time().Format(dayFormat), to.Time().Format(dayFormat),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[calendar.Day]calendar.Override)
	for rows.Next() {
		var dayStr, kind string
		if err := rows.Scan(&dayStr, &kind); err != nil {
			return nil, err
		}
		day, err := calendar.ParseDay(dayStr)
		if err != nil {
			return nil, fmt.Errorf("parse override day: %w", err)
		}
		out[day] = calendar.Override(kind)
	}
	return out, rows.Err()
}

// =============================================================================
// JOB RUNS - cross-instance advisory lock for batch jobs
// =============================================================================

// ClaimJobRun registers a (job, period) run. Returns false when the
// period was already claimed, by this or another instance.
func (s *Store) ClaimJobRun(ctx context.Context, job, periodKey string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO job_runs (job, period_key, status, started_at)
		VALUES (?, ?, 'running', ?)`,
		job, periodKey, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("claim job run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) CompleteJobRun(ctx context.Context, job, periodKey, summary string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE job_runs SET status = 'completed', summary = ?, finished_at = ?
		WHERE job = ? AND period_key = ?`,
		summary, time.Now().UTC().Format(time.RFC3339), job, periodKey,
	)
	return err
}

func (s *Store) FailJobRun(ctx context.Context, job, periodKey string, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE job_runs SET status = 'failed', error = ?, finished_at = ?
		WHERE job = ? AND period_key = ?`,
		msg, time.Now().UTC().Format(time.RFC3339), job, periodKey,
	)
	return err
}

// =============================================================================
// EMPLOYEE DIRECTORY (directory.Directory)
// =============================================================================

func (s *Store) SaveEmployee(ctx context.Context, emp directory.Employee) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO employees (id, name, email, branch, manager_id, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			branch = excluded.branch,
			manager_id = excluded.manager_id,
			active = excluded.active`,
		emp.ID, emp.Name, emp.Email, emp.Branch, nullString(emp.ManagerID), emp.Active,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) Employee(ctx context.Context, id string) (*directory.Employee, error) {
	var emp directory.Employee
	var managerID sql.NullString
	err := s.q.QueryRowContext(ctx,
		"SELECT id, name, email, branch, manager_id, active FROM employees WHERE id = ?",
		id,
	).Scan(&emp.ID, &emp.Name, &emp.Email, &emp.Branch, &managerID, &emp.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	emp.ManagerID = managerID.String
	return &emp, nil
}

func (s *Store) ListActive(ctx context.Context) ([]directory.Employee, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, name, email, branch, manager_id, active FROM employees WHERE active = TRUE ORDER BY id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []directory.Employee
	for rows.Next() {
		var emp directory.Employee
		var managerID sql.NullString
		if err := rows.Scan(&emp.ID, &emp.Name, &emp.Email, &emp.Branch, &managerID, &emp.Active); err != nil {
			return nil, err
		}
		emp.ManagerID = managerID.String
		employees = append(employees, emp)
	}
	return employees, rows.Err()
}

// =============================================================================
// HOLIDAY CALENDAR (directory.HolidayService)
// =============================================================================

func (s *Store) SaveHoliday(ctx context.Context, branch string, day calendar.Day, name string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO holidays (branch, day, name)
		VALUES (?, ?, ?)
		ON CONFLICT(branch, day) DO UPDATE SET name = excluded.name`,
		branch, day.Time().Format(dayFormat), name,
	)
	return err
}

// Holidays returns the branch calendar merged over the company-wide one
// ('' branch) for the range.
func (s *Store) Holidays(ctx context.Context, branch string, from, to calendar.Day) (calendar.HolidaySet, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT day, name FROM holidays
		WHERE (branch = ? OR branch = '') AND day >= ? AND day <= ?`,
		branch, from.Time().Format(dayFormat), to.Time().Format(dayFormat),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(calendar.HolidaySet)
	for rows.Next() {
		var dayStr, name string
		if err := rows.Scan(&dayStr, &name); err != nil {
			return nil, err
		}
		day, err := calendar.ParseDay(dayStr)
		if err != nil {
			return nil, fmt.Errorf("parse holiday day: %w", err)
		}
		set.Add(day, name)
	}
	return set, rows.Err()
}

// =============================================================================
// WORK LOG (directory.WorkLog)
// =============================================================================

func (s *Store) RecordWork(ctx context.Context, employeeID string, day calendar.Day) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO work_log (employee_id, day) VALUES (?, ?)`,
		employeeID, day.Time().Format(dayFormat),
	)
	return err
}

func (s *Store) Worked(ctx context.Context, employeeID string, day calendar.Day) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM work_log WHERE employee_id = ? AND day = ?",
		employeeID, day.Time().Format(dayFormat),
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within one database transaction. The *Store passed
// to fn is bound to the transaction and shares the connection, so every
// port method inside commits or rolls back as one.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	bound := &Store{db: s.db, q: sqlTx, txMu: s.txMu}
	if err := fn(bound); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
