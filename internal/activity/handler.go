package activity

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/resul067142/yenirr/internal/api"
	"github.com/resul067142/yenirr/internal/authz"
	"github.com/resul067142/yenirr/internal/logger"
	"github.com/resul067142/yenirr/internal/repository"
)

// PageSize is the number of entries per activity page
const PageSize = 50

type lister interface {
	List(ctx context.Context, params repository.ListActivityParams) ([]repository.ActivityLogWithUser, int, error)
}

// EntryResponse is an activity entry in API responses
type EntryResponse struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	FullName    string    `json:"full_name,omitempty"`
	LogType     string    `json:"log_type"`
	LogLabel    string    `json:"log_type_label"`
	Description string    `json:"description"`
	IPAddress   *string   `json:"ip_address,omitempty"`
	UserAgent   *string   `json:"user_agent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToEntryResponse converts a stored entry. withUser adds the subject's identity.
func ToEntryResponse(l repository.ActivityLogWithUser, withUser bool) EntryResponse {
	resp := EntryResponse{
		ID:          l.ID,
		UserID:      l.UserID,
		LogType:     l.LogType,
		LogLabel:    Label(l.LogType),
		Description: l.Description,
		IPAddress:   l.IPAddress,
		UserAgent:   l.UserAgent,
		CreatedAt:   l.CreatedAt,
	}
	if withUser {
		resp.Username = l.Username
		resp.FullName = l.FirstName + " " + l.LastName
	}
	return resp
}

// Handler serves the activity log endpoints
type Handler struct {
	repo   lister
	logger *slog.Logger
}

// NewHandler creates a new Handler
func NewHandler(repo lister, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{repo: repo, logger: log}
}

// RegisterRoutes mounts the activity routes under /activity
func RegisterRoutes(r chi.Router, h *Handler, authMiddleware func(http.Handler) http.Handler) {
	r.Route("/activity", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/", h.List)
		r.Get("/types", h.Types)
	})
}

// List handles GET /api/v1/activity
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.CurrentUserID(r)
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}
	caps := authz.FromContext(r.Context())

	q := r.URL.Query()
	params := repository.ListActivityParams{
		Page:  api.QueryInt(r, "page", 1),
		Limit: PageSize,
	}
	if !caps.CanViewAllDevices {
		params.UserID = &userID
	}
	if lt := q.Get("log_type"); lt != "" {
		if !IsValidType(lt) {
			api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Unknown log_type", nil)
			return
		}
		params.LogType = lt
	}
	if from, ok := api.ParseDate(q.Get("date_from")); ok {
		params.FromDate = &from
	}
	if to, ok := api.ParseDate(q.Get("date_to")); ok {
		end := to.AddDate(0, 0, 1)
		params.ToDate = &end
	}

	entries, total, err := h.repo.List(r.Context(), params)
	if err != nil {
		logger.WithCorrelationID(r.Context(), h.logger).Error("failed to list activity", logger.Err(err))
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	items := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, ToEntryResponse(e, caps.CanViewAllDevices))
	}

	api.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"logs":       items,
		"pagination": api.NewPagination(params.Page, PageSize, total),
	})
}

// Types handles GET /api/v1/activity/types
func (h *Handler) Types(w http.ResponseWriter, r *http.Request) {
	api.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"log_types": Types,
	})
}
