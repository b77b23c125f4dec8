/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions for the
  demo surface.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Zap logger: Structured request logging
  4. CORS:       Cross-origin requests for local frontends

ROUTE GROUPS:
  /api/accounts/*      Account registration and removal
  /api/balances/*      Balance reads
  /api/transactions/*  Balance-affecting events
  /api/recalculate     Full recomputation
  /metrics             Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/balanced/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/balance-engine/observability"
)

// NewRouter creates a router with all routes configured. metrics may be nil,
// in which case /metrics is not mounted.
func NewRouter(h *Handler, logger *zap.Logger, metrics *observability.Metrics) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/accounts", h.CreateAccount)
		r.Delete("/accounts/{accountID}", h.DeleteAccount)

		r.Get("/balances", h.ListBalances)
		r.Get("/balances/{accountID}", h.GetBalance)

		r.Post("/transactions", h.CreateTransaction)
		r.Put("/transactions/{id}", h.UpdateTransaction)
		r.Delete("/transactions/{id}", h.DeleteTransaction)

		r.Post("/recalculate", h.Recalculate)
		r.Post("/flush", h.Flush)
		r.Get("/cache/stats", h.CacheStats)
	})

	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	return r
}
