package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers all authentication routes with the Chi router.
// loginLimiter throttles the unauthenticated credential endpoints.
func RegisterRoutes(r chi.Router, handler *AuthHandler, authMiddleware, loginLimiter Middleware) {
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(loginLimiter)
			r.Post("/login", handler.Login)
			r.Post("/register", handler.Register)
		})
		r.Post("/refresh", handler.Refresh)
		r.Post("/check-username", handler.CheckUsername)
		r.Post("/check-email", handler.CheckEmail)
		r.Post("/check-national-id", handler.CheckNationalID)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Post("/logout", handler.Logout)
			r.Get("/me", handler.GetMe)
			r.Put("/me", handler.UpdateMe)
			r.Post("/me/password", handler.ChangePassword)
			r.Put("/me/avatar", handler.UpdateAvatar)
		})
	})
}
