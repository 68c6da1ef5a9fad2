/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack and route definitions. This
  is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     zap request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/bonds/*          Bond issuance and lifecycle
  /api/nomenclature/*   Tariff catalog
  /api/rentals/*        Rentals, bond assignment, closing, reconciliation
  /api/periods/*        Period edits, gap resolution, reconciliation
  /api/payments         Payment recording
  /api/cron/*           Scheduler entry points (bearer secret)
  /metrics              Prometheus
  /healthz              Liveness and storage ping

SECURITY NOTE:
  Only /api/cron is authenticated here. The back-office API is expected to
  sit behind the host application's session layer.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Bearer secret and request logging
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	// CronSecret guards /api/cron; empty disables the cron surface.
	CronSecret string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/bonds", func(r chi.Router) {
			r.Post("/", h.IssueBond)
			r.Get("/next-number", h.NextBondNumber)
			r.Get("/{id}", h.GetBond)
			r.Patch("/{id}/status", h.UpdateBondStatus)
		})

		r.Route("/nomenclature", func(r chi.Router) {
			r.Get("/", h.ListNomenclature)
			r.Post("/", h.UpsertTariff)
			r.Get("/{bondType}", h.GetTariff)
		})

		r.Route("/rentals", func(r chi.Router) {
			r.Post("/", h.CreateRental)
			r.Get("/{id}", h.GetRental)
			r.Post("/{id}/bond", h.AssignBond)
			r.Post("/{id}/close", h.CloseRental)
			r.Get("/{id}/reconciliation", h.ReconcileRental)
		})

		r.Route("/periods", func(r chi.Router) {
			r.Get("/{id}", h.GetPeriod)
			r.Patch("/{id}", h.UpdatePeriod)
			r.Post("/{id}/resolve-gap", h.ResolveGap)
			r.Get("/{id}/reconciliation", h.ReconcilePeriod)
		})

		r.Post("/payments", h.RecordPayment)

		r.Route("/cron", func(r chi.Router) {
			r.Use(RequireBearer(opts.CronSecret, h.Logger))
			r.Post("/notifications", h.RunNotificationSweep)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}
