package dashboard

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/resul067142/yenirr/internal/api"
	"github.com/resul067142/yenirr/internal/auth"
	"github.com/resul067142/yenirr/internal/authz"
	"github.com/resul067142/yenirr/internal/devices"
	"github.com/resul067142/yenirr/internal/logger"
)

// Handler serves the dashboard endpoints
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new dashboard Handler
func NewHandler(service *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{service: service, logger: log}
}

// RegisterRoutes mounts the dashboard routes under /dashboard
func RegisterRoutes(r chi.Router, h *Handler, authMiddleware func(http.Handler) http.Handler) {
	r.Route("/dashboard", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/", h.Home)
		r.Get("/statistics", h.Statistics)
		r.With(authz.Require(authz.ViewSystem)).Get("/system", h.System)
	})
}

// Home handles GET /api/v1/dashboard
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	home, err := h.service.Home(r.Context(), actor)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, home)
}

// Statistics handles GET /api/v1/dashboard/statistics
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	stats, err := h.service.Statistics(r.Context(), actor)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, stats)
}

// System handles GET /api/v1/dashboard/system
func (h *Handler) System(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	info, err := h.service.System(r.Context(), actor)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, info)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (devices.Actor, bool) {
	userID, ok := api.CurrentUserID(r)
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return devices.Actor{}, false
	}
	return devices.Actor{
		ID:     userID,
		Caps:   authz.FromContext(r.Context()),
		Client: auth.ClientInfo{IPAddress: api.ClientIP(r), UserAgent: r.UserAgent()},
	}, true
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrForbidden) {
		api.WriteError(w, http.StatusForbidden, api.CodeForbidden, "You do not have permission to perform this action", nil)
		return
	}
	logger.WithCorrelationID(r.Context(), h.logger).Error("dashboard request failed",
		slog.String("path", r.URL.Path),
		logger.Err(err),
	)
	api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError, "An unexpected error occurred", nil)
}
