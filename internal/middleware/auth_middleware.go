package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/resul067142/yenirr/internal/api"
	"github.com/resul067142/yenirr/internal/auth"
	"github.com/resul067142/yenirr/internal/authz"
	appctx "github.com/resul067142/yenirr/internal/context"
	"github.com/resul067142/yenirr/internal/logger"
	"github.com/resul067142/yenirr/internal/repository"
)

// Error codes written by the auth middleware
const (
	CodeAccountLocked   = "ACCOUNT_LOCKED"
	CodeAccountInactive = "ACCOUNT_INACTIVE"
)

// AccountLookup loads the current state of an account
type AccountLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error)
}

// AuthMiddleware handles JWT authentication for protected routes
type AuthMiddleware struct {
	tokenService *auth.TokenService
	accounts     AccountLookup
	logger       *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance.
// When accounts is non-nil every request re-reads the account so a locked or
// deactivated user loses access before the access token expires, and the
// role is taken from the database instead of the token.
func NewAuthMiddleware(tokenService *auth.TokenService, accounts AccountLookup, log *slog.Logger) *AuthMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return &AuthMiddleware{
		tokenService: tokenService,
		accounts:     accounts,
		logger:       log,
	}
}

// Authenticate is a middleware that validates JWT tokens from the Authorization header
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenMissing, "Authorization header is required", nil)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid authorization header format", nil)
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Token is empty", nil)
			return
		}

		claims, err := m.tokenService.ValidateAccessToken(tokenString)
		if err != nil {
			api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid or expired token", nil)
			return
		}

		userID, username, role := claims.UserID(), claims.Username, claims.Role
		if m.accounts != nil {
			user, ok := m.loadAccount(w, r, userID)
			if !ok {
				return
			}
			username, role = user.Username, user.Role
		}

		ctx := appctx.WithUser(r.Context(), userID, username, role)
		ctx = authz.WithCapabilities(ctx, authz.For(role))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loadAccount fetches the token subject and rejects locked or inactive
// accounts. It writes the error response itself when it returns false.
func (m *AuthMiddleware) loadAccount(w http.ResponseWriter, r *http.Request, subject string) (*repository.User, bool) {
	id, err := uuid.Parse(subject)
	if err != nil {
		api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return nil, false
	}

	user, err := m.accounts.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			api.WriteError(w, http.StatusUnauthorized, api.CodeAuthTokenInvalid, "Invalid or expired token", nil)
			return nil, false
		}
		logger.WithCorrelationID(r.Context(), m.logger).Error("failed to load account for token",
			slog.String("user_id", subject), logger.Err(err))
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError, "An unexpected error occurred", nil)
		return nil, false
	}

	switch {
	case user.IsLocked:
		api.WriteError(w, http.StatusLocked, CodeAccountLocked, "Account is locked", nil)
		return nil, false
	case !user.IsActive:
		api.WriteError(w, http.StatusForbidden, CodeAccountInactive, "Account is inactive", nil)
		return nil, false
	}
	return user, true
}

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	return appctx.ExtractUserID(ctx)
}

// ExtractRole extracts the role from the request context
func ExtractRole(ctx context.Context) (string, bool) {
	return appctx.ExtractRole(ctx)
}
