package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	// OAuth surface used by the assistant platform during account linking.
	r.Get("/oauth", s.handleAuthorize)
	r.Post("/token", s.handleToken)

	// Fulfillment endpoint, bearer token required.
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuthMiddleware)
		r.Post("/smarthome", s.handleSmartHome)
	})

	// Admin surface for device selection. Mounted only when a key is
	// configured; without one the endpoints do not exist.
	if s.cfg.AdminKey != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.adminKeyMiddleware)
			r.Route("/admin/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/select", s.handleSelectDevices)
				r.Post("/alias", s.handleSetAlias)
			})
		})
	}

	return r
}

// handleHealth returns the server health status plus token counts, which
// make stuck account links visible without log access.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	codes, access, refresh := s.tokens.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"tokens": map[string]int{
			"codes":   codes,
			"access":  access,
			"refresh": refresh,
		},
	})
}
