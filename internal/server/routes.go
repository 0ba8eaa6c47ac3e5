package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Health is public so clients can probe connectivity before auth.
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}
			r.Post("/sync/push", h.SyncPush)
			r.Get("/sync/pull", h.SyncPull)
		})
	})

	return r
}
