package admin

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/lexilearn/token-gateway/internal/middleware"
)

// maxAdminBodySize bounds admin request bodies; issue requests with full
// permission sets stay well under this.
const maxAdminBodySize = 1 << 20

// NewRouter creates the admin router.
func (h *Handler) NewRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.MaxBodySize(maxAdminBodySize))

	// Public endpoints (no auth)
	r.Get("/health", h.HandleHealth)
	r.Get("/ready", h.HandleReady)

	// Admin API (static secret auth)
	r.Route("/api", func(r chi.Router) {
		r.Use(h.SecretAuth)

		r.Get("/tokens", h.HandleListTokens)
		r.Post("/tokens", h.HandleIssueToken)
		r.Post("/tokens/revoke", h.HandleBulkRevoke)
		r.Get("/tokens/{id}", h.HandleGetToken)
		r.Delete("/tokens/{id}", h.HandleDeleteToken)
		r.Post("/tokens/{id}/revoke", h.HandleRevokeToken)
		r.Post("/tokens/{id}/activate", h.HandleActivateToken)
		r.Post("/tokens/{id}/deactivate", h.HandleDeactivateToken)
		r.Post("/tokens/{id}/regenerate", h.HandleRegenerateToken)
		r.Put("/tokens/{id}/permissions", h.HandleUpsertPermission)
		r.Delete("/tokens/{id}/permissions/{pid}", h.HandleDeletePermission)
		r.Get("/tokens/{id}/usage", h.HandleUsageSummary)
		r.Get("/usage", h.HandleRecentUsage)
	})

	return r
}
