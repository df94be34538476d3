/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the adjuster portal

ROUTE GROUPS:
  /api/firms/*          Firm rate contracts and their periods
  /api/jobs/*           Job lifecycle
  /api/tallies/*        Daily tallies and finalization
  /api/periods/*        Billing period status
  /api/analytics/*      Earnings analytics
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

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

// RouterOptions holds the optional pieces of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler // mounted at /metrics when set
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/firms", func(r chi.Router) {
			r.Get("/", h.ListFirms)
			r.Post("/", h.CreateFirm)
			r.Get("/{name}", h.GetFirm)
			r.Put("/{name}", h.UpdateFirm)
			r.Delete("/{name}", h.DeleteFirm)
			r.Get("/{name}/periods", h.ListFirmPeriods)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/", h.CreateJob)
			r.Get("/{id}", h.GetJob)
			r.Patch("/{id}", h.UpdateJob)
			r.Delete("/{id}", h.DeleteJob)
			r.Post("/{id}/complete", h.CompleteJob)
		})

		r.Route("/tallies", func(r chi.Router) {
			r.Get("/current", h.CurrentTally)
			r.Get("/{date}", h.GetTally)
			r.Post("/{date}/finalize", h.FinalizeTally)
		})

		r.Route("/periods", func(r chi.Router) {
			r.Get("/current", h.CurrentPeriods)
			r.Post("/{id}/status", h.SetPeriodStatus)
		})

		r.Get("/analytics/earnings", h.EarningsAnalytics)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
