// Package users implements account administration: listing, creating,
// editing, deleting, unlocking and bulk operations on user accounts.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/resul067142/yenirr/internal/activity"
	"github.com/resul067142/yenirr/internal/api"
	"github.com/resul067142/yenirr/internal/auth"
	"github.com/resul067142/yenirr/internal/authz"
	"github.com/resul067142/yenirr/internal/lockout"
	"github.com/resul067142/yenirr/internal/logger"
	"github.com/resul067142/yenirr/internal/metrics"
	"github.com/resul067142/yenirr/internal/repository"
	"github.com/resul067142/yenirr/internal/sanitizer"
	"github.com/resul067142/yenirr/internal/validation"
)

const (
	// PageSize is the number of users per list page
	PageSize = 20
	// MaxBulkIDs caps the number of accounts in one bulk request
	MaxBulkIDs = 100
)

// Bulk actions
const (
	BulkActivate   = "activate"
	BulkDeactivate = "deactivate"
	BulkUnlock     = "unlock"
	BulkDelete     = "delete"
)

// Service errors
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrForbidden        = errors.New("insufficient permissions")
	ErrCannotDeleteSelf = errors.New("cannot delete own account")
	ErrCannotDemoteSelf = errors.New("cannot change own role")
	ErrInvalidRole      = errors.New("invalid role")
	ErrUsernameExists   = errors.New("username already exists")
	ErrEmailExists      = errors.New("email already exists")
	ErrNationalIDExists = errors.New("national id already exists")
)

// Error codes for API responses
const (
	CodeCannotDeleteSelf = "CANNOT_DELETE_SELF"
	CodeCannotDemoteSelf = "CANNOT_DEMOTE_SELF"
	CodeInvalidRole      = "INVALID_ROLE"
)

// UserStore is the account persistence used by the service
type UserStore interface {
	Create(ctx context.Context, user *repository.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error)
	Update(ctx context.Context, user *repository.User) error
	UpdateRole(ctx context.Context, id uuid.UUID, role string) error
	Delete(ctx context.Context, id uuid.UUID) error
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string, excludeID *uuid.UUID) (bool, error)
	NationalIDExists(ctx context.Context, nationalID string) (bool, error)
	List(ctx context.Context, params repository.ListUserParams) ([]repository.User, int, error)
	SetActiveMany(ctx context.Context, ids []uuid.UUID, active bool) (int64, error)
	DeleteMany(ctx context.Context, ids []uuid.UUID) (int64, error)
	UnlockMany(ctx context.Context, ids []uuid.UUID) (int64, error)
	ProfileImageKeys(ctx context.Context, ids []uuid.UUID) ([]string, error)
}

// SessionStore drops refresh sessions of deactivated accounts
type SessionStore interface {
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
}

// ImageStore deletes profile images of removed accounts
type ImageStore interface {
	auth.AvatarStore
	DeleteByKeys(ctx context.Context, keys []string) (int, error)
}

// Actor is the administrator performing a request
type Actor struct {
	ID     uuid.UUID
	Caps   authz.Capabilities
	Client auth.ClientInfo
}

// CreateUserRequest is the payload of an administrative account creation
type CreateUserRequest struct {
	Username        string `json:"username" validate:"required,username"`
	NationalID      string `json:"national_id" validate:"required,national_id"`
	Email           string `json:"email" validate:"required,email,max=254"`
	FirstName       string `json:"first_name" validate:"required,max=150"`
	LastName        string `json:"last_name" validate:"required,max=150"`
	Phone           string `json:"phone" validate:"omitempty,gsm"`
	Role            string `json:"role" validate:"required"`
	IsActive        *bool  `json:"is_active"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
}

// UpdateUserRequest edits an account. Nil fields are left unchanged.
type UpdateUserRequest struct {
	FirstName *string `json:"first_name" validate:"omitempty,min=1,max=150"`
	LastName  *string `json:"last_name" validate:"omitempty,min=1,max=150"`
	Email     *string `json:"email" validate:"omitempty,email,max=254"`
	Phone     *string `json:"phone" validate:"omitempty,gsm"`
	IsActive  *bool   `json:"is_active"`
}

// ChangeRoleRequest is the payload of PUT /users/{id}/role
type ChangeRoleRequest struct {
	Role string `json:"role"`
}

// BulkRequest is the payload of POST /users/bulk
type BulkRequest struct {
	Action  string   `json:"action"`
	UserIDs []string `json:"user_ids"`
}

// ListParams filters the account list
type ListParams struct {
	Page   int
	Role   string
	Status string
	Search string
}

// ListResponse is one page of accounts
type ListResponse struct {
	Users      []auth.UserResponse `json:"users"`
	Pagination api.PaginationInfo  `json:"pagination"`
}

// UnlockResponse reports the result of an unlock
type UnlockResponse struct {
	User            auth.UserResponse `json:"user"`
	AlreadyUnlocked bool              `json:"already_unlocked"`
	Message         string            `json:"message"`
}

// BulkResponse reports how many accounts a bulk action changed
type BulkResponse struct {
	Action   string `json:"action"`
	Affected int64  `json:"affected"`
	Skipped  int    `json:"skipped"`
	Message  string `json:"message"`
}

// Service handles account administration
type Service struct {
	users     UserStore
	sessions  SessionStore
	unlocker  *lockout.Guard
	passwords *auth.PasswordValidator
	activity  auth.ActivityRecorder
	images    ImageStore
	logger    *slog.Logger
}

// ServiceConfig contains the dependencies of Service
type ServiceConfig struct {
	Users     UserStore
	Sessions  SessionStore
	Guard     *lockout.Guard
	Passwords *auth.PasswordValidator
	Activity  auth.ActivityRecorder
	Images    ImageStore // optional
	Logger    *slog.Logger
}

// NewService creates a new users Service
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		users:     cfg.Users,
		sessions:  cfg.Sessions,
		unlocker:  cfg.Guard,
		passwords: cfg.Passwords,
		activity:  cfg.Activity,
		images:    cfg.Images,
		logger:    cfg.Logger,
	}
}

// List returns one page of accounts matching params
func (s *Service) List(ctx context.Context, actor Actor, params ListParams) (*ListResponse, error) {
	if !actor.Caps.CanManageUsers {
		return nil, ErrForbidden
	}
	if params.Page < 1 {
		params.Page = 1
	}

	rows, total, err := s.users.List(ctx, repository.ListUserParams{
		Page:   params.Page,
		Limit:  PageSize,
		Role:   params.Role,
		Status: params.Status,
		Search: strings.TrimSpace(params.Search),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	out := make([]auth.UserResponse, 0, len(rows))
	for i := range rows {
		out = append(out, s.present(ctx, &rows[i]))
	}
	return &ListResponse{
		Users:      out,
		Pagination: api.NewPagination(params.Page, PageSize, total),
	}, nil
}

// Get returns one account
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*auth.UserResponse, error) {
	if !actor.Caps.CanManageUsers {
		return nil, ErrForbidden
	}
	user, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := s.present(ctx, user)
	return &resp, nil
}

// Create adds an account on behalf of an administrator. Validation
// problems are returned as the second value.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateUserRequest) (*auth.UserResponse, map[string][]string, error) {
	if !actor.Caps.CanManageUsers {
		return nil, nil, ErrForbidden
	}

	req.Username = strings.TrimSpace(req.Username)
	req.NationalID = strings.TrimSpace(req.NationalID)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.FirstName = sanitizer.StripTags(req.FirstName)
	req.LastName = sanitizer.StripTags(req.LastName)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Role == "" {
		req.Role = authz.RoleUser
	}

	details := validation.Struct(req)
	if problems := s.passwords.ValidatePassword(req.Password, req.Username); req.Password != "" && len(problems) > 0 {
		details = validation.Merge(details, map[string][]string{"password": problems})
	}
	if req.Password != req.ConfirmPassword {
		details = validation.Merge(details, map[string][]string{
			"confirm_password": {"Password and confirm_password do not match"},
		})
	}
	if !authz.IsValidRole(req.Role) {
		details = validation.Merge(details, map[string][]string{"role": {"Unknown role"}})
	}
	if len(details) > 0 {
		return nil, details, nil
	}
	if !actor.Caps.CanAssignRole(req.Role) {
		return nil, nil, ErrForbidden
	}

	if err := s.ensureUnique(ctx, req.Username, req.NationalID, req.Email); err != nil {
		return nil, nil, err
	}

	hash, err := s.passwords.HashPassword(req.Password)
	if err != nil {
		return nil, nil, err
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	user := &repository.User{
		Username:     req.Username,
		NationalID:   req.NationalID,
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Phone:        normalizePhone(req.Phone),
		Role:         req.Role,
		PasswordHash: hash,
		IsActive:     active,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, nil, mapConflict(err)
	}

	s.logger.Info("user created",
		slog.String("user_id", user.ID.String()),
		slog.String("role", user.Role),
		slog.String("actor_id", actor.ID.String()),
	)
	s.record(ctx, actor.ID, activity.TypeUserCreated, "Yeni kullanıcı oluşturuldu: "+user.FullName(), actor.Client)

	resp := s.present(ctx, user)
	return &resp, nil, nil
}

// Update edits names, contact data and the active flag of an account.
// Changing the active flag never touches lock state.
func (s *Service) Update(ctx context.Context, actor Actor, id uuid.UUID, req UpdateUserRequest) (*auth.UserResponse, map[string][]string, error) {
	if !actor.Caps.CanManageUsers {
		return nil, nil, ErrForbidden
	}

	if req.FirstName != nil {
		v := sanitizer.StripTags(*req.FirstName)
		req.FirstName = &v
	}
	if req.LastName != nil {
		v := sanitizer.StripTags(*req.LastName)
		req.LastName = &v
	}
	if req.Email != nil {
		v := strings.TrimSpace(strings.ToLower(*req.Email))
		req.Email = &v
	}
	if req.Phone != nil {
		v := strings.TrimSpace(*req.Phone)
		req.Phone = &v
	}
	if details := validation.Struct(req); len(details) > 0 {
		return nil, details, nil
	}

	user, err := s.getUser(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !actor.Caps.IsSuperAdmin && user.Role == authz.RoleSuperAdmin {
		return nil, nil, ErrForbidden
	}

	if req.Email != nil && *req.Email != user.Email {
		taken, err := s.users.EmailExists(ctx, *req.Email, &user.ID)
		if err != nil {
			return nil, nil, err
		}
		if taken {
			return nil, nil, ErrEmailExists
		}
		user.Email = *req.Email
	}
	if req.FirstName != nil {
		user.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		user.LastName = *req.LastName
	}
	if req.Phone != nil {
		user.Phone = normalizePhone(*req.Phone)
	}
	deactivated := false
	if req.IsActive != nil {
		deactivated = user.IsActive && !*req.IsActive
		user.IsActive = *req.IsActive
	}

	if err := s.users.Update(ctx, user); err != nil {
		return nil, nil, mapConflict(err)
	}
	if deactivated {
		s.dropSessions(ctx, user.ID)
	}

	s.record(ctx, actor.ID, activity.TypeUserUpdated, "Kullanıcı güncellendi: "+user.FullName(), actor.Client)

	resp := s.present(ctx, user)
	return &resp, nil, nil
}

// Delete removes an account and its profile image. Administrators cannot
// delete themselves.
func (s *Service) Delete(ctx context.Context, actor Actor, id uuid.UUID) error {
	if !actor.Caps.CanManageUsers {
		return ErrForbidden
	}
	if id == actor.ID {
		return ErrCannotDeleteSelf
	}

	user, err := s.getUser(ctx, id)
	if err != nil {
		return err
	}
	if !actor.Caps.IsSuperAdmin && user.Role == authz.RoleSuperAdmin {
		return ErrForbidden
	}

	if err := s.users.Delete(ctx, id); err != nil {
		return mapConflict(err)
	}
	if user.ProfileImageKey != nil {
		s.deleteImages(ctx, []string{*user.ProfileImageKey})
	}

	s.logger.Info("user deleted",
		slog.String("user_id", id.String()),
		slog.String("actor_id", actor.ID.String()),
	)
	s.record(ctx, actor.ID, activity.TypeUserDeleted, "Kullanıcı silindi: "+user.FullName(), actor.Client)
	return nil
}

// Unlock clears the lock state of an account. Unlocking an open account is
// not an error; it is reported with AlreadyUnlocked and not logged.
func (s *Service) Unlock(ctx context.Context, actor Actor, id uuid.UUID) (*UnlockResponse, error) {
	if !actor.Caps.CanManageUsers {
		return nil, ErrForbidden
	}

	target, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}

	wasLocked, err := s.unlocker.Unlock(ctx, id)
	if err != nil {
		if errors.Is(err, lockout.ErrAccountNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if !wasLocked {
		return &UnlockResponse{
			User:            s.present(ctx, target),
			AlreadyUnlocked: true,
			Message:         fmt.Sprintf("%s hesabı zaten kilitli değil", target.FullName()),
		}, nil
	}

	metrics.AccountUnlocksTotal.Inc()

	actorName := actor.ID.String()
	if a, err := s.users.GetByID(ctx, actor.ID); err == nil {
		actorName = a.FullName()
	}
	s.record(ctx, target.ID, activity.TypeAccountUnlocked,
		fmt.Sprintf("Hesap %s tarafından açıldı", actorName), actor.Client)
	s.logger.Info("account unlocked",
		slog.String("user_id", id.String()),
		slog.String("actor_id", actor.ID.String()),
	)

	target.IsLocked = false
	target.LockedAt = nil
	target.FailedLoginAttempts = 0
	return &UnlockResponse{
		User:    s.present(ctx, target),
		Message: fmt.Sprintf("%s hesabının kilidi açıldı", target.FullName()),
	}, nil
}

// ChangeRole assigns role to an account. Administrators cannot change
// their own role.
func (s *Service) ChangeRole(ctx context.Context, actor Actor, id uuid.UUID, role string) (*auth.UserResponse, error) {
	if !actor.Caps.CanChangeRoles {
		return nil, ErrForbidden
	}
	if !authz.IsValidRole(role) {
		return nil, ErrInvalidRole
	}
	if id == actor.ID {
		return nil, ErrCannotDemoteSelf
	}
	if !actor.Caps.CanAssignRole(role) {
		return nil, ErrForbidden
	}

	user, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if user.Role == role {
		resp := s.present(ctx, user)
		return &resp, nil
	}

	old := user.Role
	if err := s.users.UpdateRole(ctx, id, role); err != nil {
		return nil, mapConflict(err)
	}
	user.Role = role

	s.record(ctx, actor.ID, activity.TypePermissionUpdate,
		fmt.Sprintf("%s kullanıcısının rolü değiştirildi: %s -> %s",
			user.FullName(), authz.RoleLabels[old], authz.RoleLabels[role]),
		actor.Client)

	resp := s.present(ctx, user)
	return &resp, nil
}

// Bulk applies one action to several accounts. The acting administrator is
// skipped for deactivate and delete.
func (s *Service) Bulk(ctx context.Context, actor Actor, req BulkRequest) (*BulkResponse, map[string][]string, error) {
	if !actor.Caps.CanManageUsers {
		return nil, nil, ErrForbidden
	}

	details := map[string][]string{}
	switch req.Action {
	case BulkActivate, BulkDeactivate, BulkUnlock, BulkDelete:
	default:
		details["action"] = []string{"action must be one of activate, deactivate, unlock, delete"}
	}
	if len(req.UserIDs) == 0 {
		details["user_ids"] = []string{"at least one user id is required"}
	} else if len(req.UserIDs) > MaxBulkIDs {
		details["user_ids"] = []string{fmt.Sprintf("at most %d user ids are allowed", MaxBulkIDs)}
	}

	ids := make([]uuid.UUID, 0, len(req.UserIDs))
	seen := make(map[uuid.UUID]bool, len(req.UserIDs))
	skipped := 0
	for _, raw := range req.UserIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			details["user_ids"] = append(details["user_ids"], "invalid user id: "+raw)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if id == actor.ID && (req.Action == BulkDeactivate || req.Action == BulkDelete) {
			skipped++
			continue
		}
		ids = append(ids, id)
	}
	if len(details) > 0 {
		return nil, details, nil
	}

	resp := &BulkResponse{Action: req.Action, Skipped: skipped}
	if len(ids) == 0 {
		resp.Message = "İşlem yapılacak kullanıcı yok"
		return resp, nil, nil
	}

	var (
		affected int64
		err      error
		label    string
	)
	switch req.Action {
	case BulkActivate:
		affected, err = s.users.SetActiveMany(ctx, ids, true)
		label = "aktifleştirildi"
	case BulkDeactivate:
		affected, err = s.users.SetActiveMany(ctx, ids, false)
		label = "pasifleştirildi"
		if err == nil {
			for _, id := range ids {
				s.dropSessions(ctx, id)
			}
		}
	case BulkUnlock:
		affected, err = s.users.UnlockMany(ctx, ids)
		label = "kilidi açıldı"
		if err == nil && affected > 0 {
			metrics.AccountUnlocksTotal.Add(float64(affected))
		}
	case BulkDelete:
		var keys []string
		keys, err = s.users.ProfileImageKeys(ctx, ids)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to collect profile images: %w", err)
		}
		affected, err = s.users.DeleteMany(ctx, ids)
		label = "silindi"
		if err == nil {
			s.deleteImages(ctx, keys)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("bulk %s failed: %w", req.Action, err)
	}

	resp.Affected = affected
	resp.Message = fmt.Sprintf("%d kullanıcı %s", affected, label)
	s.record(ctx, actor.ID, activity.TypeBulkAction,
		fmt.Sprintf("Toplu işlem (%s): %s", req.Action, resp.Message), actor.Client)

	return resp, nil, nil
}

func (s *Service) ensureUnique(ctx context.Context, username, nationalID, email string) error {
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

func (s *Service) getUser(ctx context.Context, id uuid.UUID) (*repository.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (s *Service) present(ctx context.Context, user *repository.User) auth.UserResponse {
	return auth.PresentUser(ctx, user, s.images, s.logger)
}

func (s *Service) dropSessions(ctx context.Context, id uuid.UUID) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.DeleteByUserID(ctx, id); err != nil {
		logger.WithCorrelationID(ctx, s.logger).Warn("failed to drop sessions of deactivated user",
			slog.String("user_id", id.String()), logger.Err(err))
	}
}

func (s *Service) deleteImages(ctx context.Context, keys []string) {
	if s.images == nil || len(keys) == 0 {
		return
	}
	if _, err := s.images.DeleteByKeys(ctx, keys); err != nil {
		// the orphan cleanup job removes whatever is left behind
		logger.WithCorrelationID(ctx, s.logger).Warn("failed to delete profile images",
			slog.Int("count", len(keys)), logger.Err(err))
	}
}

func (s *Service) record(ctx context.Context, userID uuid.UUID, logType, description string, client auth.ClientInfo) {
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

func normalizePhone(phone string) *string {
	if phone == "" {
		return nil
	}
	normalized := validation.NormalizeGSM(phone)
	return &normalized
}
