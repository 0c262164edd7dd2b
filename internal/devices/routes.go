package devices

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/resul067142/yenirr/internal/authz"
)

// RegisterRoutes registers device routes. Every route requires
// authentication; exports additionally require the export capability.
func RegisterRoutes(r chi.Router, handler *Handler, authMiddleware func(next http.Handler) http.Handler) {
	r.Route("/devices", func(r chi.Router) {
		r.Use(authMiddleware)

		r.Get("/", handler.List)
		r.Post("/", handler.Create)
		r.Get("/types", handler.Types)
		r.Get("/statistics", handler.Statistics)
		r.With(authz.Require(authz.ExportData)).Get("/export/{format}", handler.Export)

		r.Get("/{id}", handler.Get)
		r.Put("/{id}", handler.Update)
		r.Delete("/{id}", handler.Delete)
		r.Post("/{id}/toggle", handler.Toggle)
	})
}
