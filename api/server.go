/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counts and latency by route pattern
  5. CORS:       Cross-origin requests for operator dashboards

ROUTE GROUPS:
  /api/accounts/*   Accounts, balances, chains, received payouts
  /api/accruals     Earning events (producer interface)
  /api/batches/*    Distribution Ledger queries
  /api/scenarios/*  Demo referral graphs
  /api/admin/*      Commission table, resolver mode, manual recovery
  /metrics          Prometheus scrape endpoint
  /healthz          Liveness + storage ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/referral-engine/metrics"
)

// RouterOptions tunes the router. The zero value is usable.
type RouterOptions struct {
	AllowedOrigins []string

	// RequestLogging enables chi's request logger.
	RequestLogging bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if opts.RequestLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/chain", h.GetChain)
			r.Get("/{id}/transactions", h.GetAccountTransactions)
		})

		r.Post("/accruals", h.SubmitAccrual)

		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Get("/{id}", h.GetBatch)
			r.Get("/{id}/transactions", h.GetBatchTransactions)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/commission-table", h.GetCommissionTable)
			r.Put("/commission-table", h.SetCommissionTable)
			r.Get("/mode", h.GetMode)
			r.Put("/mode", h.SetMode)
			r.Post("/recover", h.TriggerRecovery)
		})
	})

	return r
}
