package users

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/resul067142/yenirr/internal/api"
	"github.com/resul067142/yenirr/internal/auth"
	"github.com/resul067142/yenirr/internal/authz"
	"github.com/resul067142/yenirr/internal/logger"
)

// Handler handles account administration HTTP requests
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new users Handler
func NewHandler(service *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{service: service, logger: log}
}

// List handles GET /api/v1/users
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	params := ListParams{
		Page:   api.QueryInt(r, "page", 1),
		Role:   q.Get("role"),
		Status: q.Get("status"),
		Search: q.Get("search"),
	}
	if params.Role != "" && !authz.IsValidRole(params.Role) {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Unknown role filter", nil)
		return
	}
	switch params.Status {
	case "", "active", "inactive", "locked":
	default:
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "status must be active, inactive or locked", nil)
		return
	}

	resp, err := h.service.List(r.Context(), actor, params)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, resp)
}

// Create handles POST /api/v1/users
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req CreateUserRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}

	user, details, err := h.service.Create(r.Context(), actor, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if len(details) > 0 {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Validation failed", details)
		return
	}
	api.WriteSuccess(w, http.StatusCreated, user)
}

// Get handles GET /api/v1/users/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	user, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, user)
}

// Update handles PUT /api/v1/users/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req UpdateUserRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}

	user, details, err := h.service.Update(r.Context(), actor, id, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if len(details) > 0 {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Validation failed", details)
		return
	}
	api.WriteSuccess(w, http.StatusOK, user)
}

// Delete handles DELETE /api/v1/users/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), actor, id); err != nil {
		h.handleError(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]string{"message": "Kullanıcı silindi"})
}

// Unlock handles POST /api/v1/users/{id}/unlock
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	resp, err := h.service.Unlock(r.Context(), actor, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, resp)
}

// ChangeRole handles PUT /api/v1/users/{id}/role
func (h *Handler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req ChangeRoleRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}

	user, err := h.service.ChangeRole(r.Context(), actor, id, req.Role)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, user)
}

// Bulk handles POST /api/v1/users/bulk
func (h *Handler) Bulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req BulkRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}

	resp, details, err := h.service.Bulk(r.Context(), actor, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if len(details) > 0 {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Validation failed", details)
		return
	}
	api.WriteSuccess(w, http.StatusOK, resp)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	userID, ok := api.CurrentUserID(r)
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return Actor{}, false
	}
	return Actor{
		ID:     userID,
		Caps:   authz.FromContext(r.Context()),
		Client: auth.ClientInfo{IPAddress: api.ClientIP(r), UserAgent: r.UserAgent()},
	}, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid user ID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		api.WriteError(w, http.StatusNotFound, api.CodeUserNotFound, "User not found", nil)
	case errors.Is(err, ErrForbidden):
		api.WriteError(w, http.StatusForbidden, api.CodeForbidden, "You do not have permission to perform this action", nil)
	case errors.Is(err, ErrCannotDeleteSelf):
		api.WriteError(w, http.StatusBadRequest, CodeCannotDeleteSelf, "You cannot delete your own account", nil)
	case errors.Is(err, ErrCannotDemoteSelf):
		api.WriteError(w, http.StatusBadRequest, CodeCannotDemoteSelf, "You cannot change your own role", nil)
	case errors.Is(err, ErrInvalidRole):
		api.WriteError(w, http.StatusBadRequest, CodeInvalidRole, "Unknown role", nil)
	case errors.Is(err, ErrUsernameExists):
		api.WriteError(w, http.StatusConflict, auth.CodeUsernameExists, "This username is already taken", nil)
	case errors.Is(err, ErrNationalIDExists):
		api.WriteError(w, http.StatusConflict, auth.CodeNationalIDExists, "An account with this national ID already exists", nil)
	case errors.Is(err, ErrEmailExists):
		api.WriteError(w, http.StatusConflict, auth.CodeEmailExists, "An account with this email already exists", nil)
	default:
		logger.WithCorrelationID(r.Context(), h.logger).Error("user administration request failed",
			slog.String("path", r.URL.Path),
			logger.Err(err),
		)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError, "An unexpected error occurred", nil)
	}
}
