package users

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/resul067142/yenirr/internal/authz"
)

// RegisterRoutes registers account administration routes. Every route
// requires authentication and the manage-users capability; role changes
// additionally require the change-roles capability.
func RegisterRoutes(r chi.Router, handler *Handler, authMiddleware func(next http.Handler) http.Handler) {
	r.Route("/users", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Use(authz.Require(authz.ManageUsers))

		r.Get("/", handler.List)
		r.Post("/", handler.Create)
		r.Post("/bulk", handler.Bulk)

		r.Get("/{id}", handler.Get)
		r.Put("/{id}", handler.Update)
		r.Delete("/{id}", handler.Delete)
		r.Post("/{id}/unlock", handler.Unlock)
		r.With(authz.Require(authz.ChangeRoles)).Put("/{id}/role", handler.ChangeRole)
	})
}
