/*
scheduler.go - Background batch job scheduler

PURPOSE:
  Periodically runs the two scheduled jobs without an external cron:
  - Monthly credit: one accrual run per configured rule per calendar
    month, on or after the first of the month
  - Comp-off expiry: one sweep per day

DESIGN:
  - One goroutine with a ticker, stop channel and WaitGroup
  - Every due job is claimed through the JobRunStore before running, so
    several server instances sharing a database execute each period once
  - A claim without a completion stays claimed; recovery is manual via
    the job endpoints, which bypass the claim table

SEE ALSO:
  - handlers.go: manual job triggers for the same services
  - store/sqlite: job_runs table backing the claims
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/compoff"
	"github.com/warp/leave-ledger/directory"
)

// JobRunStore is the cross-instance advisory lock for scheduled jobs.
type JobRunStore interface {
	ClaimJobRun(ctx context.Context, job, periodKey string) (bool, error)
	CompleteJobRun(ctx context.Context, job, periodKey, summary string) error
	FailJobRun(ctx context.Context, job, periodKey string, runErr error) error
}

// CreditRule is one recurring monthly credit the scheduler applies.
type CreditRule struct {
	LeaveTypeID    string
	CreditAmount   string // decimal string, e.g. "2.5"
	CarryOverLimit string
	CarryOverMonth time.Month
}

// Scheduler drives the recurring accrual and expiry jobs.
type Scheduler struct {
	Accrual   *accrual.Engine
	CompOff   *compoff.Service
	Directory directory.Directory
	Runs      JobRunStore
	Log       *zap.Logger

	CheckInterval time.Duration
	CreditRules   []CreditRule
	ExpiryEnabled bool

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Start begins the scheduler loop. The first check runs immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CheckInterval <= 0 {
		s.CheckInterval = time.Hour
	}
	if s.Log == nil {
		s.Log = zap.NewNop()
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.Log.Info("scheduler started",
		zap.Duration("check_interval", s.CheckInterval),
		zap.Int("credit_rules", len(s.CreditRules)),
		zap.Bool("expiry_enabled", s.ExpiryEnabled),
	)
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Log.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.check()
	for {
		select {
		case <-s.ticker.C:
			s.check()
		case <-s.stop:
			return
		}
	}
}

// RunNow triggers an immediate check (for admin and tests).
func (s *Scheduler) RunNow() { s.check() }

func (s *Scheduler) check() {
	ctx := context.Background()
	today := calendar.DayOf(s.now())

	for _, rule := range s.CreditRules {
		s.runMonthlyCredit(ctx, rule, today)
	}
	if s.ExpiryEnabled {
		s.runExpiry(ctx, today)
	}
}

func (s *Scheduler) runMonthlyCredit(ctx context.Context, rule CreditRule, today calendar.Day) {
	job := "monthly-credit-" + rule.LeaveTypeID
	periodKey := fmt.Sprintf("%04d-%02d", today.Year(), int(today.Month()))

	claimed, err := s.Runs.ClaimJobRun(ctx, job, periodKey)
	if err != nil {
		s.Log.Error("claim job run", zap.String("job", job), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	creditAmount, err := ledgerDecimal(rule.CreditAmount)
	if err != nil {
		s.Log.Error("invalid credit rule", zap.String("job", job), zap.Error(err))
		s.Runs.FailJobRun(ctx, job, periodKey, err)
		return
	}
	carryOverLimit, err := ledgerDecimal(rule.CarryOverLimit)
	if err != nil {
		s.Log.Error("invalid credit rule", zap.String("job", job), zap.Error(err))
		s.Runs.FailJobRun(ctx, job, periodKey, err)
		return
	}

	employees, err := s.Directory.ListActive(ctx)
	if err != nil {
		s.Log.Error("list active employees", zap.String("job", job), zap.Error(err))
		s.Runs.FailJobRun(ctx, job, periodKey, err)
		return
	}
	employeeIDs := make([]string, len(employees))
	for i, emp := range employees {
		employeeIDs[i] = emp.ID
	}

	result, err := s.Accrual.RunMonthlyCredit(ctx, accrual.Input{
		LeaveTypeID:    rule.LeaveTypeID,
		CreditAmount:   creditAmount,
		CarryOverLimit: carryOverLimit,
		CarryOverMonth: rule.CarryOverMonth,
		AsOf:           today,
		EmployeeIDs:    employeeIDs,
	})

	summary := fmt.Sprintf("posted=%d skipped=%d failed=%d",
		len(result.Posted), len(result.Skipped), len(result.Failed))
	if err != nil {
		// Partial runs complete the claim: the posted entries are
		// committed and re-running the month must stay a no-op for them.
		s.Log.Warn("monthly credit completed with failures",
			zap.String("job", job),
			zap.String("period", periodKey),
			zap.String("summary", summary),
			zap.Error(err),
		)
	} else {
		s.Log.Info("monthly credit completed",
			zap.String("job", job),
			zap.String("period", periodKey),
			zap.String("summary", summary),
		)
	}
	if cerr := s.Runs.CompleteJobRun(ctx, job, periodKey, summary); cerr != nil {
		s.Log.Error("complete job run", zap.String("job", job), zap.Error(cerr))
	}
}

func (s *Scheduler) runExpiry(ctx context.Context, today calendar.Day) {
	const job = "comp-off-expiry"
	periodKey := today.String()

	claimed, err := s.Runs.ClaimJobRun(ctx, job, periodKey)
	if err != nil {
		s.Log.Error("claim job run", zap.String("job", job), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	result, err := s.CompOff.ExpireUnused(ctx, today, false)
	if err != nil {
		s.Log.Error("comp-off expiry failed", zap.String("period", periodKey), zap.Error(err))
		s.Runs.FailJobRun(ctx, job, periodKey, err)
		return
	}

	summary := fmt.Sprintf("expired=%d failed=%d", result.ExpiredCount, len(result.Failed))
	s.Log.Info("comp-off expiry completed",
		zap.String("period", periodKey),
		zap.String("summary", summary),
	)
	if cerr := s.Runs.CompleteJobRun(ctx, job, periodKey, summary); cerr != nil {
		s.Log.Error("complete job run", zap.String("job", job), zap.Error(cerr))
	}

	for _, f := range result.Failed {
		s.Log.Warn("comp-off expiry failure",
			zap.String("request_id", f.RequestID),
			zap.String("employee_id", f.EmployeeID),
			zap.Error(f.Err),
		)
	}
}

func ledgerDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
