package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/resul067142/yenirr/internal/api"
	"github.com/resul067142/yenirr/internal/logger"
	"github.com/resul067142/yenirr/internal/storage"
)

// multipart envelope allowance on top of the image itself
const avatarFormOverhead = 512 * 1024

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	authService *AuthService
	logger      *slog.Logger
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(authService *AuthService, log *slog.Logger) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{
		authService: authService,
		logger:      log,
	}
}

func clientInfo(r *http.Request) ClientInfo {
	return ClientInfo{
		IPAddress: api.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// Register handles user registration
// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}

	response, details, err := h.authService.Register(r.Context(), req, clientInfo(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if len(details) > 0 {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Request validation failed", details)
		return
	}

	api.WriteSuccess(w, http.StatusCreated, response)
}

// Login handles user authentication
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}

	details := map[string][]string{}
	if strings.TrimSpace(req.Login) == "" {
		details["login"] = []string{"login is required"}
	}
	if req.Password == "" {
		details["password"] = []string{"password is required"}
	}
	if len(details) > 0 {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Request validation failed", details)
		return
	}

	response, err := h.authService.Login(r.Context(), req, clientInfo(r))
	if err != nil {
		var loginErr *LoginError
		switch {
		case errors.As(err, &loginErr):
			if loginErr.RemainingAttempts < 0 {
				api.WriteError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid login or password", nil)
				return
			}
			api.WriteErrorWithData(w, http.StatusUnauthorized, CodeInvalidCredentials,
				fmt.Sprintf("Invalid login or password. %d attempts remaining", loginErr.RemainingAttempts),
				map[string]int{"remaining_attempts": loginErr.RemainingAttempts})
		case errors.Is(err, ErrAccountLocked):
			api.WriteError(w, http.StatusLocked, CodeAccountLocked, "Account is locked. Please contact an administrator", nil)
		case errors.Is(err, ErrAccountInactive):
			api.WriteError(w, http.StatusForbidden, CodeAccountInactive, "Account is inactive", nil)
		default:
			h.writeInternal(w, r, "login failed", err)
		}
		return
	}

	api.WriteSuccess(w, http.StatusOK, response)
}

// Logout handles user logout
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.CurrentUserID(r)
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	var req LogoutRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}
	if req.RefreshToken == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "refresh_token is required", nil)
		return
	}

	err := h.authService.Logout(r.Context(), userID, req.RefreshToken, clientInfo(r))
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) || errors.Is(err, ErrSessionNotFound) {
			api.WriteError(w, http.StatusUnauthorized, CodeInvalidRefreshToken, "Invalid refresh token", nil)
			return
		}
		h.writeInternal(w, r, "logout failed", err)
		return
	}

	api.WriteSuccess(w, http.StatusOK, map[string]string{
		"message": "Successfully logged out",
	})
}

// Refresh handles token refresh
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}
	if req.RefreshToken == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "refresh_token is required", nil)
		return
	}

	tokens, err := h.authService.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			api.WriteError(w, http.StatusUnauthorized, CodeInvalidRefreshToken, "Invalid or expired refresh token", nil)
			return
		}
		h.writeInternal(w, r, "token refresh failed", err)
		return
	}

	api.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"tokens": tokens,
	})
}

// GetMe handles getting current user profile
// GET /api/v1/auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.CurrentUserID(r)
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	profile, err := h.authService.GetUserProfile(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	api.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"user": profile,
	})
}

// UpdateMe handles profile updates
// PUT /api/v1/auth/me
func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.CurrentUserID(r)
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	var req UpdateProfileRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}

	profile, details, err := h.authService.UpdateProfile(r.Context(), userID, req, clientInfo(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if len(details) > 0 {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Request validation failed", details)
		return
	}

	api.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"user": profile,
	})
}

// ChangePassword handles password changes
// POST /api/v1/auth/me/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.CurrentUserID(r)
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	var req ChangePasswordRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}

	tokens, details, err := h.authService.ChangePassword(r.Context(), userID, req, clientInfo(r))
	if err != nil {
		if errors.Is(err, ErrWrongPassword) {
			api.WriteError(w, http.StatusBadRequest, CodeWrongPassword, "Current password is incorrect", nil)
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	if len(details) > 0 {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Request validation failed", details)
		return
	}

	api.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"message": "Password changed successfully",
		"tokens":  tokens,
	})
}

// UpdateAvatar handles profile image uploads
// PUT /api/v1/auth/me/avatar (multipart field "image")
func (h *AuthHandler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.CurrentUserID(r)
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxProfileImageSize+avatarFormOverhead)
	if err := r.ParseMultipartForm(storage.MaxProfileImageSize + avatarFormOverhead); err != nil {
		api.WriteError(w, http.StatusRequestEntityTooLarge, CodeInvalidImage, "Image must not exceed 2 MB", nil)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "image file is required", nil)
		return
	}
	defer file.Close()

	// Trust the content, not the client supplied header
	buf := bufio.NewReaderSize(file, 512)
	head, _ := buf.Peek(512)
	contentType := http.DetectContentType(head)

	profile, err := h.authService.UpdateAvatar(r.Context(), userID, contentType, buf, header.Size, clientInfo(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedImage):
			api.WriteError(w, http.StatusBadRequest, CodeInvalidImage, "Only JPEG, PNG and WebP images are accepted", nil)
		case errors.Is(err, ErrImageTooLarge):
			api.WriteError(w, http.StatusRequestEntityTooLarge, CodeInvalidImage, "Image must not exceed 2 MB", nil)
		case errors.Is(err, ErrStorageDisabled):
			api.WriteError(w, http.StatusServiceUnavailable, CodeStorageUnavailable, "Profile image storage is not available", nil)
		default:
			h.writeServiceError(w, r, err)
		}
		return
	}

	api.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"user": profile,
	})
}

type availabilityRequest struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	NationalID string `json:"national_id"`
}

// CheckUsername handles POST /api/v1/auth/check-username
func (h *AuthHandler) CheckUsername(w http.ResponseWriter, r *http.Request) {
	h.checkAvailability(w, r, "username", func(req availabilityRequest) string { return req.Username }, h.authService.UsernameTaken)
}

// CheckEmail handles POST /api/v1/auth/check-email
func (h *AuthHandler) CheckEmail(w http.ResponseWriter, r *http.Request) {
	h.checkAvailability(w, r, "email", func(req availabilityRequest) string { return req.Email }, h.authService.EmailTaken)
}

// CheckNationalID handles POST /api/v1/auth/check-national-id
func (h *AuthHandler) CheckNationalID(w http.ResponseWriter, r *http.Request) {
	h.checkAvailability(w, r, "national_id", func(req availabilityRequest) string { return req.NationalID }, h.authService.NationalIDTaken)
}

func (h *AuthHandler) checkAvailability(
	w http.ResponseWriter,
	r *http.Request,
	field string,
	pick func(availabilityRequest) string,
	exists func(ctx context.Context, value string) (bool, error),
) {
	var req availabilityRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Invalid request body", nil)
		return
	}
	value := strings.TrimSpace(pick(req))
	if value == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError, "Request validation failed",
			map[string][]string{field: {field + " is required"}})
		return
	}

	taken, err := exists(r.Context(), value)
	if err != nil {
		h.writeInternal(w, r, "availability check failed", err)
		return
	}

	api.WriteSuccess(w, http.StatusOK, map[string]bool{"exists": taken})
}

// writeServiceError maps the shared service errors to responses
func (h *AuthHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		api.WriteError(w, http.StatusNotFound, api.CodeUserNotFound, "User not found", nil)
	case errors.Is(err, ErrUsernameExists):
		api.WriteError(w, http.StatusConflict, CodeUsernameExists, "This username is already taken", nil)
	case errors.Is(err, ErrNationalIDExists):
		api.WriteError(w, http.StatusConflict, CodeNationalIDExists, "An account with this national ID already exists", nil)
	case errors.Is(err, ErrEmailExists):
		api.WriteError(w, http.StatusConflict, CodeEmailExists, "An account with this email already exists", nil)
	default:
		h.writeInternal(w, r, "auth request failed", err)
	}
}

func (h *AuthHandler) writeInternal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logger.WithCorrelationID(r.Context(), h.logger).Error(msg,
		slog.String("path", r.URL.Path),
		logger.Err(err),
	)
	api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError, "An unexpected error occurred", nil)
}
