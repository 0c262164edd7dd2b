package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/resul067142/yenirr/internal/authz"
	"github.com/resul067142/yenirr/internal/lockout"
	"github.com/resul067142/yenirr/internal/logger"
	"github.com/resul067142/yenirr/internal/repository"
)

// UserResponse represents the user data in responses
type UserResponse struct {
	ID                  string              `json:"id"`
	Username            string              `json:"username"`
	NationalID          string              `json:"national_id"`
	Email               string              `json:"email"`
	FirstName           string              `json:"first_name"`
	LastName            string              `json:"last_name"`
	FullName            string              `json:"full_name"`
	Phone               *string             `json:"phone,omitempty"`
	Role                string              `json:"role"`
	RoleLabel           string              `json:"role_label"`
	IsActive            bool                `json:"is_active"`
	IsLocked            bool                `json:"is_locked"`
	LockedAt            *time.Time          `json:"locked_at,omitempty"`
	FailedLoginAttempts int                 `json:"failed_login_attempts"`
	RemainingAttempts   int                 `json:"remaining_attempts"`
	ProfileImageURL     string              `json:"profile_image_url,omitempty"`
	LastLogin           *time.Time          `json:"last_login,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	Capabilities        *authz.Capabilities `json:"capabilities,omitempty"`
}

// PresentUser converts an account for API responses. avatars may be nil;
// a presigning failure only drops the image URL.
func PresentUser(ctx context.Context, user *repository.User, avatars AvatarStore, log *slog.Logger) UserResponse {
	resp := UserResponse{
		ID:                  user.ID.String(),
		Username:            user.Username,
		NationalID:          user.NationalID,
		Email:               user.Email,
		FirstName:           user.FirstName,
		LastName:            user.LastName,
		FullName:            user.FullName(),
		Phone:               user.Phone,
		Role:                user.Role,
		RoleLabel:           authz.RoleLabels[user.Role],
		IsActive:            user.IsActive,
		IsLocked:            user.IsLocked,
		LockedAt:            user.LockedAt,
		FailedLoginAttempts: user.FailedLoginAttempts,
		RemainingAttempts:   lockout.RemainingAttempts(user.FailedLoginAttempts),
		LastLogin:           user.LastLoginAt,
		CreatedAt:           user.CreatedAt,
	}

	if avatars != nil && user.ProfileImageKey != nil {
		url, err := avatars.GetPresignedURL(ctx, *user.ProfileImageKey)
		if err != nil {
			if log == nil {
				log = slog.Default()
			}
			logger.WithCorrelationID(ctx, log).Warn("failed to presign profile image",
				slog.String("user_id", resp.ID),
				logger.Err(err),
			)
		} else {
			resp.ProfileImageURL = url
		}
	}
	return resp
}
