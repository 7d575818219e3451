/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for back-office tools
  5. Actor:      X-Actor-ID header into the audit context

  Loan mutation routes additionally run InlineCOBMiddleware, which closes
  missing business days before the request touches the loan. Lock and COB
  routes are exempt so operators can act on stale or locked loans.

ROUTE GROUPS:
  /api/products/*       Product catalog
  /api/loans/*          Loans, transactions, charges, locks
  /api/cob/*            Catch-up COB
  /api/business-date    Business date
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - cob.go: COB handlers and middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		MaxAge:         300,
	}))
	r.Use(actorMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Get("/{id}", h.GetProduct)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Post("/", h.CreateLoan)

			r.Route("/{loanID}", func(r chi.Router) {
				r.Get("/", h.GetLoan)
				r.Get("/transactions", h.ListTransactions)
				r.Get("/audit", h.GetAudit)

				// Lock and COB operate on stale loans as they are
				r.Get("/lock", h.GetLock)
				r.Post("/lock", h.PlaceLock)
				r.Delete("/lock", h.ReleaseLock)
				r.Post("/cob", h.RunLoanCOB)
				r.Post("/repair", h.RepairLoan)
				r.Post("/repost", h.RepostLoan)

				r.Group(func(r chi.Router) {
					r.Use(h.InlineCOBMiddleware)

					r.Put("/product", h.ChangeProduct)
					r.Post("/batch", h.Batch)

					r.Post("/transactions", h.SubmitTransaction)
					r.Post("/transactions/reverse-batch", h.ReverseBatch)
					r.Post("/transactions/{txID}/reverse", h.ReverseTransaction)
					r.Post("/transactions/{txID}/chargeback", h.ChargebackTransaction)

					r.Post("/charges", h.AddCharge)
					r.Delete("/charges/{chargeID}", h.RemoveCharge)
					r.Post("/charges/{chargeID}/waive", h.WaiveCharge)
				})
			})
		})

		r.Route("/cob", func(r chi.Router) {
			r.Post("/catch-up", h.CatchUp)
			r.Get("/runs", h.ListCOBRuns)
		})

		r.Get("/business-date", h.GetBusinessDate)
		r.Put("/business-date", h.SetBusinessDate)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
