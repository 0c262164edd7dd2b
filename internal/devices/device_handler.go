package devices

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/resul067142/yenirr/internal/api"
	"github.com/resul067142/yenirr/internal/auth"
	"github.com/resul067142/yenirr/internal/authz"
	"github.com/resul067142/yenirr/internal/logger"
)

// Handler handles device HTTP requests
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new devices Handler
func NewHandler(service *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{service: service, logger: log}
}

// List handles GET /api/v1/devices
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}

	resp, err := h.service.List(r.Context(), actor, api.QueryInt(r, "page", 1), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, resp)
}

// Create handles POST /api/v1/devices
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req DeviceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}

	device, details, err := h.service.Create(r.Context(), actor, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if len(details) > 0 {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Validation failed", details)
		return
	}
	api.WriteSuccess(w, http.StatusCreated, device)
}

// Get handles GET /api/v1/devices/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	device, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, device)
}

// Update handles PUT /api/v1/devices/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req DeviceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}

	device, details, err := h.service.Update(r.Context(), actor, id, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if len(details) > 0 {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Validation failed", details)
		return
	}
	api.WriteSuccess(w, http.StatusOK, device)
}

// Delete handles DELETE /api/v1/devices/{id}
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
	api.WriteSuccess(w, http.StatusOK, map[string]string{"message": "Cihaz silindi"})
}

// Toggle handles POST /api/v1/devices/{id}/toggle
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	device, err := h.service.Toggle(r.Context(), actor, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, device)
}

// Statistics handles GET /api/v1/devices/statistics
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

// Types handles GET /api/v1/devices/types
func (h *Handler) Types(w http.ResponseWriter, r *http.Request) {
	api.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"device_types": Types,
	})
}

// Export handles GET /api/v1/devices/export/{format}
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}

	file, err := h.service.Export(r.Context(), actor, chi.URLParam(r, "format"), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", file.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(file.Data); err != nil {
		logger.WithCorrelationID(r.Context(), h.logger).Warn("failed to write export", logger.Err(err))
	}
}

func parseFilter(w http.ResponseWriter, r *http.Request) (Filter, bool) {
	q := r.URL.Query()
	filter := Filter{
		Search: q.Get("search"),
		Sort:   q.Get("sort"),
	}

	if t := q.Get("device_type"); t != "" {
		if !IsValidType(t) {
			api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Unknown device_type", nil)
			return Filter{}, false
		}
		filter.DeviceType = t
	}
	if v := q.Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "is_active must be true or false", nil)
			return Filter{}, false
		}
		filter.IsActive = &active
	}
	if v := q.Get("date_from"); v != "" {
		from, ok := api.ParseDate(v)
		if !ok {
			api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "date_from must be YYYY-MM-DD", nil)
			return Filter{}, false
		}
		filter.From = &from
	}
	if v := q.Get("date_to"); v != "" {
		to, ok := api.ParseDate(v)
		if !ok {
			api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "date_to must be YYYY-MM-DD", nil)
			return Filter{}, false
		}
		filter.To = &to
	}
	return filter, true
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
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid device ID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		api.WriteError(w, http.StatusNotFound, api.CodeDeviceNotFound, "Device not found", nil)
	case errors.Is(err, ErrForbidden):
		api.WriteError(w, http.StatusForbidden, api.CodeForbidden, "You do not have permission to access this device", nil)
	case errors.Is(err, ErrDeviceEmailExists):
		api.WriteError(w, http.StatusConflict, CodeDeviceEmailExists, "A device with this email already exists", nil)
	case errors.Is(err, ErrDeviceGSMExists):
		api.WriteError(w, http.StatusConflict, CodeDeviceGSMExists, "This GSM number is already registered", nil)
	case errors.Is(err, ErrUnknownFormat):
		api.WriteError(w, http.StatusNotFound, api.CodeValidationError, "Unknown export format", nil)
	default:
		logger.WithCorrelationID(r.Context(), h.logger).Error("device request failed",
			slog.String("path", r.URL.Path),
			logger.Err(err),
		)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError, "An unexpected error occurred", nil)
	}
}
