/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client IP behind proxies
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for internal tools

ROUTE GROUPS:
  /api/leave/*      Application workflow
  /api/employees/*  Balances, ledger history, application lists
  /api/compoff/*    Comp-off and swap lifecycle
  /api/jobs/*       Batch job triggers (accrual, expiry)
  /api/admin/*      Chain verification
  /healthz          Liveness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/leave/applications", func(r chi.Router) {
			r.Post("/", h.ApplyLeave)
			r.Get("/{id}", h.GetApplication)
			r.Post("/{id}/decision", h.DecideLeave)
		})

		r.Route("/employees/{id}", func(r chi.Router) {
			r.Get("/applications", h.ListApplications)
			r.Get("/balances", h.ListBalances)
			r.Get("/balances/{leaveType}", h.GetBalance)
			r.Get("/ledger/{leaveType}", h.ListEntries)
		})

		r.Route("/compoff/requests", func(r chi.Router) {
			r.Post("/", h.ClaimCompOff)
			r.Get("/{id}", h.GetCompOff)
			r.Post("/{id}/decision", h.DecideCompOff)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/monthly-credit", h.RunMonthlyCredit)
			r.Post("/comp-off-expiry", h.RunCompOffExpiry)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/verify/{id}/{leaveType}", h.VerifyChain)
		})
	})

	return r
}
