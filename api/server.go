/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:       Request logging
  2. Recoverer:    Panic recovery (500 instead of crash)
  3. RequestID:    Unique ID per request for tracing
  4. CORS:         Cross-origin requests for the front end
  5. Authenticate: Bearer token to acting user (api routes)

ROUTE GROUPS:
  /api/health, /api/cycle     Public
  /api/me/*                   Acting user
  /api/leaderboards/*         Snapshot bundles
  /api/participants/{id}/*    Redeem, ledger, countdowns
  /api/redeem/*               Batch redeem status
  /api/admin/*                Admin only (rebuild, gifts, directory)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultOrigins are allowed when the config names none.
var DefaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(h.Directory, h.Cycles.Clock()))

		r.Get("/health", h.Health)
		r.Get("/cycle", h.GetCycle)
		r.Get("/me/access", h.GetAccess)

		r.Get("/leaderboards/{cycleKey}", h.GetLeaderboards)
		r.Post("/redeem/status", h.BatchRedeemStatus)

		// Participant routes
		r.Route("/participants/{id}", func(r chi.Router) {
			r.Get("/redeem", h.GetRedeemStatus)
			r.Post("/redeem", h.ClaimRedeem)
			r.Get("/redeem/history", h.GetRedeemHistory)
			r.Get("/ledger", h.GetLedger)
			r.Get("/balance", h.GetBalance)

			r.Route("/countdowns", func(r chi.Router) {
				r.Get("/", h.GetCountdowns)
				r.Post("/process", h.ProcessCountdowns)
				r.Put("/{skill}", h.SetCountdown)
				r.Post("/{skill}/resolve", h.ResolveCountdown)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.AdminOnly)

			r.Post("/leaderboards/{cycleKey}/rebuild", h.RebuildLeaderboards)

			r.Route("/gifts", func(r chi.Router) {
				r.Get("/rules", h.ListGiftRules)
				r.Post("/rules", h.SaveGiftRule)
				r.Get("/rules/{id}", h.GetGiftRule)
				r.Put("/rules/{id}", h.SaveGiftRule)
				r.Post("/rules/{id}/enable", h.EnableGiftRule)
				r.Post("/rules/{id}/disable", h.DisableGiftRule)
				r.Get("/rules/{id}/occurrences", h.ListGiftOccurrences)
				r.Post("/run", h.RunGifts)
				r.Get("/trigger", h.GetTriggerStatus)
			})

			r.Get("/participants", h.ListParticipants)
			r.Post("/participants", h.SaveParticipant)
			r.Post("/roles", h.GrantRole)
			r.Post("/links", h.LinkUser)
			r.Post("/sessions", h.CreateSession)
			r.Post("/ledger", h.RecordLedgerEntry)
		})
	})

	return r
}
