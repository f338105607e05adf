/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave ledger server. Handles configuration,
  dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse flags
  2. Initialize the SQLite store and seed leave types
  3. Wire ledger, workflow, comp-off and accrual services
  4. Configure the HTTP router and background scheduler
  5. Start the server with graceful shutdown

CONFIGURATION:
  Flags override environment variables. Environment is read from the
  process and from a local .env file.

  -port / PORT                 HTTP server port (default: 8080)
  -db / DATABASE_PATH          SQLite database path (default: leave.db)
                               Use ":memory:" for an in-memory database
  -dev                         Development logger (console encoding)
  -scheduler                   Enable the background job scheduler
  -credit-amount               Monthly credit per employee (default: 2.5)
  -carryover-limit             January carry-over cap (default: 25)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and wait for in-flight runs
  2. Stop accepting new connections, drain for up to 30s
  3. Close the database
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background job loop
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/api"
	"github.com/warp/leave-ledger/compoff"
	"github.com/warp/leave-ledger/directory"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/store/sqlite"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DATABASE_PATH", "leave.db"), "SQLite database path")
	dev := flag.Bool("dev", false, "development logger")
	schedulerOn := flag.Bool("scheduler", true, "enable the background job scheduler")
	creditAmount := flag.String("credit-amount", envStr("MONTHLY_CREDIT", "2.5"), "monthly credit per employee")
	carryOverLimit := flag.String("carryover-limit", envStr("CARRYOVER_LIMIT", "25"), "January carry-over cap")
	flag.Parse()

	logger := buildLogger(*dev)
	defer logger.Sync()

	st, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("initialize database", zap.Error(err))
	}
	defer st.Close()

	ctx := context.Background()
	if err := seedLeaveTypes(ctx, st); err != nil {
		logger.Fatal("seed leave types", zap.Error(err))
	}

	// The ledger resolves leave types through the store so new types are
	// picked up without a restart.
	led := ledger.New(st, st)

	notifier := &directory.ZapNotifier{Log: logger}

	workflow := &leave.Workflow{
		Ledger:    led,
		Store:     st,
		Tx:        leaveTx(st),
		Directory: st,
		Holidays:  st,
		Overrides: st,
		Notifier:  notifier,
	}

	compOff := &compoff.Service{
		Ledger:    led,
		Store:     st,
		Tx:        compoffTx(st),
		Directory: st,
		Holidays:  st,
		WorkLog:   st,
		Notifier:  notifier,
		Config:    compoff.DefaultConfig(),
	}

	engine := &accrual.Engine{Ledger: led}

	handler := api.NewHandler(api.Handler{
		Ledger:    led,
		Leave:     workflow,
		CompOff:   compOff,
		Accrual:   engine,
		Directory: st,
		Balances:  st,
		Apps:      st,
		Log:       logger,
	})

	scheduler := &api.Scheduler{
		Accrual:       engine,
		CompOff:       compOff,
		Directory:     st,
		Runs:          st,
		Log:           logger,
		CheckInterval: time.Hour,
		CreditRules: []api.CreditRule{{
			LeaveTypeID:    "annual",
			CreditAmount:   *creditAmount,
			CarryOverLimit: *carryOverLimit,
			CarryOverMonth: time.January,
		}},
		ExpiryEnabled: true,
	}
	if *schedulerOn {
		scheduler.Start()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.Int("port", *port), zap.String("db", *dbPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if *schedulerOn {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// leaveTx adapts the store's database transaction to the workflow's
// transaction port.
func leaveTx(st *sqlite.Store) leave.TxRunner {
	return func(ctx context.Context, fn func(leave.TxView) error) error {
		return st.WithTx(ctx, func(tx *sqlite.Store) error {
			return fn(tx)
		})
	}
}

func compoffTx(st *sqlite.Store) compoff.TxRunner {
	return func(ctx context.Context, fn func(compoff.TxView) error) error {
		return st.WithTx(ctx, func(tx *sqlite.Store) error {
			return fn(tx)
		})
	}
}

// seedLeaveTypes upserts the built-in types. Idempotent across restarts.
func seedLeaveTypes(ctx context.Context, st *sqlite.Store) error {
	types := []ledger.LeaveType{
		{ID: "annual", Code: "AL", Name: "Annual Leave"},
		{ID: "sick", Code: "SL", Name: "Sick Leave"},
		{ID: "comp-off", Code: "CO", Name: "Compensatory Off"},
		{ID: "advance", Code: "ADV", Name: "Advance Leave", AllowNegative: true},
	}
	for _, lt := range types {
		if err := st.SaveLeaveType(ctx, lt); err != nil {
			return err
		}
	}
	return nil
}

func buildLogger(dev bool) *zap.Logger {
	if dev {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
