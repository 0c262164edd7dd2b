package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/resul067142/yenirr/internal/activity"
	"github.com/resul067142/yenirr/internal/authz"
	"github.com/resul067142/yenirr/internal/lockout"
	"github.com/resul067142/yenirr/internal/logger"
	"github.com/resul067142/yenirr/internal/metrics"
	"github.com/resul067142/yenirr/internal/repository"
	"github.com/resul067142/yenirr/internal/sanitizer"
	"github.com/resul067142/yenirr/internal/storage"
	"github.com/resul067142/yenirr/internal/validation"
)

// Auth service errors
var (
	ErrInvalidCredentials  = errors.New("invalid login or password")
	ErrAccountLocked       = errors.New("account locked")
	ErrAccountInactive     = errors.New("account inactive")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrSessionNotFound     = errors.New("session not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrUsernameExists      = errors.New("username already exists")
	ErrEmailExists         = errors.New("email already exists")
	ErrNationalIDExists    = errors.New("national id already exists")
	ErrWrongPassword       = errors.New("current password is incorrect")
	ErrStorageDisabled     = errors.New("profile image storage is not configured")
	ErrUnsupportedImage    = errors.New("unsupported image type")
	ErrImageTooLarge       = errors.New("image too large")
)

// Error codes for API responses
const (
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeAccountLocked       = "ACCOUNT_LOCKED"
	CodeAccountInactive     = "ACCOUNT_INACTIVE"
	CodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	CodeUsernameExists      = "USERNAME_EXISTS"
	CodeEmailExists         = "EMAIL_EXISTS"
	CodeNationalIDExists    = "NATIONAL_ID_EXISTS"
	CodeWrongPassword       = "WRONG_PASSWORD"
	CodeInvalidImage        = "INVALID_IMAGE"
	CodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
)

// LoginError is returned for a login refused with invalid credentials.
// RemainingAttempts is -1 when the login matched no account.
type LoginError struct {
	RemainingAttempts int
}

func (e *LoginError) Error() string {
	if e.RemainingAttempts < 0 {
		return ErrInvalidCredentials.Error()
	}
	return fmt.Sprintf("%s (%d attempts remaining)", ErrInvalidCredentials, e.RemainingAttempts)
}

func (e *LoginError) Unwrap() error {
	return ErrInvalidCredentials
}

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Username        string `json:"username" validate:"required,username"`
	NationalID      string `json:"national_id" validate:"required,national_id"`
	Email           string `json:"email" validate:"required,email,max=254"`
	FirstName       string `json:"first_name" validate:"required,max=150"`
	LastName        string `json:"last_name" validate:"required,max=150"`
	Phone           string `json:"phone" validate:"omitempty,gsm"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
}

// LoginRequest represents the login request payload. Login is a username
// or an 11 digit national ID.
type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// RefreshRequest represents the token refresh request payload
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest represents the logout request payload
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// UpdateProfileRequest represents the profile update payload
type UpdateProfileRequest struct {
	FirstName string `json:"first_name" validate:"required,max=150"`
	LastName  string `json:"last_name" validate:"required,max=150"`
	Email     string `json:"email" validate:"required,email,max=254"`
	Phone     string `json:"phone" validate:"omitempty,gsm"`
}

// ChangePasswordRequest represents the password change payload
type ChangePasswordRequest struct {
	OldPassword     string `json:"old_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	User   UserResponse  `json:"user"`
	Tokens TokenResponse `json:"tokens"`
}

// TokenResponse represents the token response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// ClientInfo identifies the client of a request for sessions and activity entries
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// UserStore is the account persistence used by AuthService
type UserStore interface {
	Create(ctx context.Context, user *repository.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error)
	Update(ctx context.Context, user *repository.User) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	UpdateProfileImage(ctx context.Context, id uuid.UUID, key *string) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID) error
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string, excludeID *uuid.UUID) (bool, error)
	NationalIDExists(ctx context.Context, nationalID string) (bool, error)
}

// SessionStore is the refresh-token session persistence used by AuthService
type SessionStore interface {
	Create(ctx context.Context, session *repository.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*repository.Session, error)
	Rotate(ctx context.Context, oldID uuid.UUID, next *repository.Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
}

// ActivityRecorder appends audit entries
type ActivityRecorder interface {
	Record(ctx context.Context, e activity.Entry) error
}

// AvatarStore stores profile images
type AvatarStore interface {
	PutObject(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	DeleteObject(ctx context.Context, key string) error
	GetPresignedURL(ctx context.Context, key string) (string, error)
}

// Deps holds the collaborators of AuthService. Avatars may be nil when
// object storage is not configured.
type Deps struct {
	Users     UserStore
	Sessions  SessionStore
	Guard     *lockout.Guard
	Tokens    *TokenService
	Passwords *PasswordValidator
	Activity  ActivityRecorder
	Avatars   AvatarStore
	Logger    *slog.Logger
}

// AuthService handles authentication business logic
type AuthService struct {
	users     UserStore
	sessions  SessionStore
	guard     *lockout.Guard
	tokens    *TokenService
	passwords *PasswordValidator
	activity  ActivityRecorder
	avatars   AvatarStore
	logger    *slog.Logger
}

// NewAuthService creates a new AuthService instance
func NewAuthService(d Deps) *AuthService {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &AuthService{
		users:     d.Users,
		sessions:  d.Sessions,
		guard:     d.Guard,
		tokens:    d.Tokens,
		passwords: d.Passwords,
		activity:  d.Activity,
		avatars:   d.Avatars,
		logger:    d.Logger,
	}
}

// Register creates a standard user account and returns tokens
func (s *AuthService) Register(ctx context.Context, req RegisterRequest, client ClientInfo) (*AuthResponse, map[string][]string, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.NationalID = strings.TrimSpace(req.NationalID)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.FirstName = sanitizer.StripTags(req.FirstName)
	req.LastName = sanitizer.StripTags(req.LastName)
	req.Phone = strings.TrimSpace(req.Phone)

	details := validation.Struct(req)
	details = validation.Merge(details, s.CheckNewPassword(req.Password, req.ConfirmPassword, req.Username, "password"))
	if len(details) > 0 {
		return nil, details, nil
	}

	if err := s.ensureUnique(ctx, req.Username, req.NationalID, req.Email); err != nil {
		return nil, nil, err
	}

	hash, err := s.passwords.HashPassword(req.Password)
	if err != nil {
		return nil, nil, err
	}

	user := &repository.User{
		Username:     req.Username,
		NationalID:   req.NationalID,
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Phone:        optionalPhone(req.Phone),
		Role:         authz.RoleUser,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, nil, mapConflict(err)
	}

	s.record(ctx, user.ID, activity.TypeUserRegistered, "Yeni kullanıcı kaydı oluşturuldu", client)

	tokens, err := s.issueTokens(ctx, user, client)
	if err != nil {
		return nil, nil, err
	}

	return &AuthResponse{User: s.present(ctx, user), Tokens: *tokens}, nil, nil
}

// ensureUnique reports the first taken identifier among username, national
// ID and email
func (s *AuthService) ensureUnique(ctx context.Context, username, nationalID, email string) error {
	exists, err := s.users.UsernameExists(ctx, username)
	if err != nil {
		return err
	}
	if exists {
		return ErrUsernameExists
	}

	exists, err = s.users.NationalIDExists(ctx, nationalID)
	if err != nil {
		return err
	}
	if exists {
		return ErrNationalIDExists
	}

	exists, err = s.users.EmailExists(ctx, email, nil)
	if err != nil {
		return err
	}
	if exists {
		return ErrEmailExists
	}
	return nil
}

// CheckNewPassword validates complexity and confirmation of a new password.
// Problems are reported under field.
func (s *AuthService) CheckNewPassword(password, confirm, username, field string) map[string][]string {
	var details map[string][]string
	if password == "" {
		return details
	}
	if problems := s.passwords.ValidatePassword(password, username); len(problems) > 0 {
		details = map[string][]string{field: problems}
	}
	if password != confirm {
		details = validation.Merge(details, map[string][]string{
			"confirm_password": {"Password and confirm_password do not match"},
		})
	}
	return details
}

// Login authenticates through the lockout guard and returns tokens.
//
// Refusals return *LoginError (wrapping ErrInvalidCredentials),
// ErrAccountLocked or ErrAccountInactive. Every refusal against an existing
// account except inactive ones is recorded in the account's activity log.
func (s *AuthService) Login(ctx context.Context, req LoginRequest, client ClientInfo) (*AuthResponse, error) {
	login := strings.TrimSpace(req.Login)

	result, err := s.guard.Authenticate(ctx, login, req.Password)
	if err != nil {
		return nil, s.loginRefused(ctx, result, err, client)
	}
	metrics.LoginAttemptsTotal.WithLabelValues("admitted").Inc()

	user := result.User
	if err := s.users.UpdateLastLogin(ctx, user.ID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	user.LastLoginAt = &now

	tokens, err := s.issueTokens(ctx, user, client)
	if err != nil {
		return nil, err
	}

	s.record(ctx, user.ID, activity.TypeLogin, "Başarılı giriş", client)

	return &AuthResponse{User: s.present(ctx, user), Tokens: *tokens}, nil
}

func (s *AuthService) loginRefused(ctx context.Context, result *lockout.Result, err error, client ClientInfo) error {
	switch {
	case errors.Is(err, lockout.ErrAccountNotFound):
		metrics.LoginAttemptsTotal.WithLabelValues("unknown").Inc()
		return &LoginError{RemainingAttempts: -1}

	case errors.Is(err, lockout.ErrAccountInactive):
		metrics.LoginAttemptsTotal.WithLabelValues("inactive").Inc()
		return ErrAccountInactive

	case errors.Is(err, lockout.ErrAccountLocked):
		metrics.LoginAttemptsTotal.WithLabelValues("locked").Inc()
		if result != nil && result.JustLocked {
			metrics.AccountLockoutsTotal.Inc()
			s.record(ctx, result.User.ID, activity.TypeLoginFailed, failedAttemptDescription(result.User.FailedLoginAttempts), client)
			s.record(ctx, result.User.ID, activity.TypeAccountLocked, "Çok fazla başarısız giriş denemesi nedeniyle hesap kilitlendi", client)
		}
		return ErrAccountLocked

	case errors.Is(err, lockout.ErrInvalidCredentials):
		metrics.LoginAttemptsTotal.WithLabelValues("denied").Inc()
		s.record(ctx, result.User.ID, activity.TypeLoginFailed, failedAttemptDescription(result.User.FailedLoginAttempts), client)
		return &LoginError{RemainingAttempts: result.RemainingAttempts}
	}

	logger.WithCorrelationID(ctx, s.logger).Error("login failed", logger.Err(err))
	return err
}

func failedAttemptDescription(failed int) string {
	return fmt.Sprintf("Başarısız giriş denemesi (%d/%d)", failed, lockout.Threshold)
}

// issueTokens generates a token pair and stores the refresh session
func (s *AuthService) issueTokens(ctx context.Context, user *repository.User, client ClientInfo) (*TokenResponse, error) {
	session, tokens, err := s.newSession(user, client)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return tokens, nil
}

// newSession generates a token pair and the unsaved session of its refresh token
func (s *AuthService) newSession(user *repository.User, client ClientInfo) (*repository.Session, *TokenResponse, error) {
	pair, err := s.tokens.GenerateTokenPair(user.ID.String(), user.Username, user.Role)
	if err != nil {
		return nil, nil, err
	}

	session := &repository.Session{
		UserID:    user.ID,
		TokenHash: s.tokens.HashRefreshToken(pair.RefreshToken),
		ExpiresAt: time.Now().UTC().Add(s.tokens.GetRefreshTokenExpiry()),
		IPAddress: optional(client.IPAddress),
		UserAgent: optional(client.UserAgent),
	}
	return session, &TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		TokenType:    "Bearer",
	}, nil
}

// RefreshToken rotates a refresh token. Sessions of locked or inactive
// accounts are dropped instead of renewed.
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	session, err := s.sessions.GetByTokenHash(ctx, s.tokens.HashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	if time.Now().UTC().After(session.ExpiresAt) {
		_ = s.sessions.Delete(ctx, session.ID)
		return nil, ErrInvalidRefreshToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil || userID != session.UserID {
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if user.IsLocked || !user.IsActive {
		_ = s.sessions.Delete(ctx, session.ID)
		return nil, ErrInvalidRefreshToken
	}

	client := ClientInfo{}
	if session.IPAddress != nil {
		client.IPAddress = *session.IPAddress
	}
	if session.UserAgent != nil {
		client.UserAgent = *session.UserAgent
	}

	next, tokens, err := s.newSession(user, client)
	if err != nil {
		return nil, err
	}
	// a token refreshed twice at once rotates only once
	if err := s.sessions.Rotate(ctx, session.ID, next); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	return tokens, nil
}

// Logout deletes the session of refreshToken
func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID, refreshToken string, client ClientInfo) error {
	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil || claims.Subject != userID.String() {
		return ErrInvalidRefreshToken
	}

	if err := s.sessions.DeleteByTokenHash(ctx, s.tokens.HashRefreshToken(refreshToken)); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}

	s.record(ctx, userID, activity.TypeLogout, "Çıkış yapıldı", client)
	return nil
}

// GetUserProfile returns the profile of userID
func (s *AuthService) GetUserProfile(ctx context.Context, userID uuid.UUID) (*UserResponse, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	resp := s.present(ctx, user)
	caps := authz.For(user.Role)
	resp.Capabilities = &caps
	return &resp, nil
}

// UpdateProfile changes the caller's names, email and phone
func (s *AuthService) UpdateProfile(ctx context.Context, userID uuid.UUID, req UpdateProfileRequest, client ClientInfo) (*UserResponse, map[string][]string, error) {
	req.FirstName = sanitizer.StripTags(req.FirstName)
	req.LastName = sanitizer.StripTags(req.LastName)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.Phone = strings.TrimSpace(req.Phone)

	if details := validation.Struct(req); details != nil {
		return nil, details, nil
	}

	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	taken, err := s.users.EmailExists(ctx, req.Email, &userID)
	if err != nil {
		return nil, nil, err
	}
	if taken {
		return nil, nil, ErrEmailExists
	}

	user.FirstName = req.FirstName
	user.LastName = req.LastName
	user.Email = req.Email
	user.Phone = optionalPhone(req.Phone)
	if err := s.users.Update(ctx, user); err != nil {
		return nil, nil, mapConflict(err)
	}

	s.record(ctx, userID, activity.TypeProfileUpdate, "Profil bilgileri güncellendi", client)

	resp := s.present(ctx, user)
	return &resp, nil, nil
}

// ChangePassword replaces the caller's password after checking the old one.
// Every session of the account is deleted and a fresh token pair is issued.
func (s *AuthService) ChangePassword(ctx context.Context, userID uuid.UUID, req ChangePasswordRequest, client ClientInfo) (*TokenResponse, map[string][]string, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	details := validation.Struct(req)
	details = validation.Merge(details, s.CheckNewPassword(req.NewPassword, req.ConfirmPassword, user.Username, "new_password"))
	if req.NewPassword != "" && req.NewPassword == req.OldPassword {
		details = validation.Merge(details, map[string][]string{
			"new_password": {"New password must differ from the current password"},
		})
	}
	if len(details) > 0 {
		return nil, details, nil
	}

	if err := s.passwords.VerifyPassword(req.OldPassword, user.PasswordHash); err != nil {
		return nil, nil, ErrWrongPassword
	}

	hash, err := s.passwords.HashPassword(req.NewPassword)
	if err != nil {
		return nil, nil, err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return nil, nil, err
	}
	if err := s.sessions.DeleteByUserID(ctx, userID); err != nil {
		return nil, nil, err
	}

	s.record(ctx, userID, activity.TypePasswordChange, "Şifre değiştirildi", client)

	tokens, err := s.issueTokens(ctx, user, client)
	if err != nil {
		return nil, nil, err
	}
	return tokens, nil, nil
}

// UpdateAvatar stores a new profile image and removes the previous one
func (s *AuthService) UpdateAvatar(ctx context.Context, userID uuid.UUID, contentType string, body io.Reader, size int64, client ClientInfo) (*UserResponse, error) {
	if s.avatars == nil {
		return nil, ErrStorageDisabled
	}
	ext, ok := storage.AllowedImageTypes[contentType]
	if !ok {
		return nil, ErrUnsupportedImage
	}
	if size > storage.MaxProfileImageSize {
		return nil, ErrImageTooLarge
	}

	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	key := storage.ProfileImageKey(userID, ext)
	if err := s.avatars.PutObject(ctx, key, contentType, body, size); err != nil {
		return nil, fmt.Errorf("store profile image: %w", err)
	}
	if err := s.users.UpdateProfileImage(ctx, userID, &key); err != nil {
		return nil, err
	}

	if old := user.ProfileImageKey; old != nil && *old != key {
		if err := s.avatars.DeleteObject(ctx, *old); err != nil {
			logger.WithCorrelationID(ctx, s.logger).Warn("failed to delete previous profile image",
				slog.String("key", *old),
				logger.Err(err),
			)
		}
	}
	user.ProfileImageKey = &key

	s.record(ctx, userID, activity.TypeProfileImageUpdate, "Profil resmi güncellendi", client)

	resp := s.present(ctx, user)
	return &resp, nil
}

// UsernameTaken reports whether username is registered
func (s *AuthService) UsernameTaken(ctx context.Context, username string) (bool, error) {
	return s.users.UsernameExists(ctx, strings.TrimSpace(username))
}

// EmailTaken reports whether email is registered
func (s *AuthService) EmailTaken(ctx context.Context, email string) (bool, error) {
	return s.users.EmailExists(ctx, strings.TrimSpace(strings.ToLower(email)), nil)
}

// NationalIDTaken reports whether nationalID is registered
func (s *AuthService) NationalIDTaken(ctx context.Context, nationalID string) (bool, error) {
	return s.users.NationalIDExists(ctx, strings.TrimSpace(nationalID))
}

func (s *AuthService) getUser(ctx context.Context, id uuid.UUID) (*repository.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (s *AuthService) present(ctx context.Context, user *repository.User) UserResponse {
	return PresentUser(ctx, user, s.avatars, s.logger)
}

// record appends an activity entry. Failures are logged by the recorder and
// never fail the request.
func (s *AuthService) record(ctx context.Context, userID uuid.UUID, logType, description string, client ClientInfo) {
	if s.activity == nil {
		return
	}
	_ = s.activity.Record(ctx, activity.Entry{
		UserID:      userID,
		Type:        logType,
		Description: description,
		IPAddress:   client.IPAddress,
		UserAgent:   client.UserAgent,
	})
}

func mapConflict(err error) error {
	switch {
	case errors.Is(err, repository.ErrUsernameExists):
		return ErrUsernameExists
	case errors.Is(err, repository.ErrNationalIDExists):
		return ErrNationalIDExists
	case errors.Is(err, repository.ErrEmailAlreadyExists):
		return ErrEmailExists
	case errors.Is(err, repository.ErrUserNotFound):
		return ErrUserNotFound
	}
	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalPhone(phone string) *string {
	if phone == "" {
		return nil
	}
	normalized := validation.NormalizeGSM(phone)
	return &normalized
}
