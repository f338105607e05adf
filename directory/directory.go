/*
Package directory defines the external collaborator ports the leave core
consults: the employee/org directory, the per-branch holiday calendar,
the work log, and the notification dispatcher. These systems live
elsewhere; only their interfaces matter here.

Static in-memory implementations are provided for tests and local
development.
*/
package directory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-ledger/calendar"
)

// =============================================================================
// EMPLOYEE / ORG DIRECTORY
// =============================================================================

type Employee struct {
	ID        string
	Name      string
	Email     string
	Branch    string
	ManagerID string
	Active    bool
}

// Directory resolves employee identity and reporting lines.
type Directory interface {
	Employee(ctx context.Context, id string) (*Employee, error)

	// ListActive returns employees eligible for batch jobs.
	ListActive(ctx context.Context) ([]Employee, error)
}

// =============================================================================
// HOLIDAY CALENDAR SERVICE
// =============================================================================

// HolidayService returns the company holidays for a branch in a range.
type HolidayService interface {
	Holidays(ctx context.Context, branch string, from, to calendar.Day) (calendar.HolidaySet, error)
}

// =============================================================================
// WORK LOG
// =============================================================================

// WorkLog answers whether an employee actually worked on a date. Used to
// validate comp-off and swap-holiday claims.
type WorkLog interface {
	Worked(ctx context.Context, employeeID string, day calendar.Day) (bool, error)
}

// =============================================================================
// NOTIFIER - fire-and-forget, never part of a transaction
// =============================================================================

type EventKind string

const (
	EventLeaveApplied  EventKind = "leave_applied"
	EventLeaveAccepted EventKind = "leave_accepted"
	EventLeaveRejected EventKind = "leave_rejected"
	EventCompOffEvent  EventKind = "comp_off_event"
	EventCreditPosted  EventKind = "credit_posted"
)

type Event struct {
	Kind        EventKind
	EmployeeID  string
	ReferenceID string
	Message     string
	At          time.Time
}

// Notifier dispatches events best-effort. Implementations must not
// block the caller on delivery and must never return delivery failures
// into the business transaction.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// ZapNotifier logs events instead of delivering them. Stands in for the
// real dispatcher in development.
type ZapNotifier struct {
	Log *zap.Logger
}

func (n *ZapNotifier) Notify(_ context.Context, ev Event) {
	n.Log.Info("notification",
		zap.String("kind", string(ev.Kind)),
		zap.String("employee_id", ev.EmployeeID),
		zap.String("reference_id", ev.ReferenceID),
		zap.String("message", ev.Message),
	)
}

// =============================================================================
// STATIC IMPLEMENTATIONS (tests / local development)
// =============================================================================

// StaticDirectory serves a fixed set of employees.
type StaticDirectory struct {
	mu        sync.RWMutex
	employees map[string]Employee
}

func NewStaticDirectory(employees ...Employee) *StaticDirectory {
	d := &StaticDirectory{employees: make(map[string]Employee, len(employees))}
	for _, e := range employees {
		d.employees[e.ID] = e
	}
	return d
}

func (d *StaticDirectory) Add(e Employee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.employees[e.ID] = e
}

func (d *StaticDirectory) Employee(_ context.Context, id string) (*Employee, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.employees[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (d *StaticDirectory) ListActive(_ context.Context) ([]Employee, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Employee
	for _, e := range d.employees {
		if e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}

// StaticHolidays serves fixed per-branch holiday sets. The empty branch
// key holds company-wide holidays.
type StaticHolidays struct {
	mu       sync.RWMutex
	byBranch map[string]calendar.HolidaySet
}

func NewStaticHolidays() *StaticHolidays {
	return &StaticHolidays{byBranch: make(map[string]calendar.HolidaySet)}
}

func (h *StaticHolidays) Add(branch string, day calendar.Day, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byBranch[branch]
	if !ok {
		set = make(calendar.HolidaySet)
		h.byBranch[branch] = set
	}
	set.Add(day, name)
}

func (h *StaticHolidays) Holidays(_ context.Context, branch string, from, to calendar.Day) (calendar.HolidaySet, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(calendar.HolidaySet)
	for _, key := range []string{"", branch} {
		for d, name := range h.byBranch[key] {
			if !d.Before(from) && !d.After(to) {
				out.Add(d, name)
			}
		}
	}
	return out, nil
}

// StaticWorkLog records worked dates explicitly.
type StaticWorkLog struct {
	mu     sync.RWMutex
	worked map[string]map[calendar.Day]bool
}

func NewStaticWorkLog() *StaticWorkLog {
	return &StaticWorkLog{worked: make(map[string]map[calendar.Day]bool)}
}

func (w *StaticWorkLog) Record(employeeID string, day calendar.Day) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.worked[employeeID] == nil {
		w.worked[employeeID] = make(map[calendar.Day]bool)
	}
	w.worked[employeeID][day] = true
}

func (w *StaticWorkLog) Worked(_ context.Context, employeeID string, day calendar.Day) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.worked[employeeID][day], nil
}
