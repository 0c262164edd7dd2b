package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/resul067142/yenirr/internal/metrics"
)

// Common errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
	ErrUsernameExists     = errors.New("username already exists")
	ErrNationalIDExists   = errors.New("national id already exists")
)

// UserRepository defines the interface for user data access
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByLogin(ctx context.Context, login string) (*User, error)
	Update(ctx context.Context, user *User) error
	UpdateRole(ctx context.Context, id uuid.UUID, role string) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	UpdateProfileImage(ctx context.Context, id uuid.UUID, key *string) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string, excludeID *uuid.UUID) (bool, error)
	NationalIDExists(ctx context.Context, nationalID string) (bool, error)
	List(ctx context.Context, params ListUserParams) ([]User, int, error)
	SetActiveMany(ctx context.Context, ids []uuid.UUID, active bool) (int64, error)
	DeleteMany(ctx context.Context, ids []uuid.UUID) (int64, error)
	Totals(ctx context.Context) (*UserTotals, error)
	CountByRole(ctx context.Context) ([]LabelCount, error)
	RegistrationsSince(ctx context.Context, since time.Time, bucket string) ([]DateCount, error)
	ProfileImageKeys(ctx context.Context, ids []uuid.UUID) ([]string, error)
	ExistingProfileImageKeys(ctx context.Context, keys []string) (map[string]bool, error)

	IncrementFailedLogins(ctx context.Context, id uuid.UUID, threshold int, now time.Time) (*LockoutState, error)
	ResetFailedLogins(ctx context.Context, id uuid.UUID) error
	Unlock(ctx context.Context, id uuid.UUID) (wasLocked bool, err error)
	UnlockMany(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// Time buckets accepted by the *Since aggregate queries
const (
	BucketDay   = "day"
	BucketMonth = "month"
)

const userColumns = `
	id, username, national_id, email, first_name, last_name, phone, role,
	password_hash, is_active, failed_login_attempts, is_locked, locked_at,
	profile_image_key, last_login_at, created_at, updated_at`

// userRepository implements UserRepository using PostgreSQL
type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.NationalID,
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.Phone,
		&user.Role,
		&user.PasswordHash,
		&user.IsActive,
		&user.FailedLoginAttempts,
		&user.IsLocked,
		&user.LockedAt,
		&user.ProfileImageKey,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// Create inserts a new user into the database
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, national_id, email, first_name, last_name, phone, role, password_hash, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		user.Username,
		user.NationalID,
		strings.ToLower(user.Email),
		user.FirstName,
		user.LastName,
		user.Phone,
		user.Role,
		user.PasswordHash,
		user.IsActive,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return mapUserConflict(err)
	}

	user.Email = strings.ToLower(user.Email)
	return nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetByLogin retrieves a user by national ID when login is an 11 digit
// number and by username otherwise.
func (r *userRepository) GetByLogin(ctx context.Context, login string) (*User, error) {
	defer metrics.TimeQuery("get_user_by_login")()

	login = strings.TrimSpace(login)
	column := "username"
	if IsNationalIDFormat(login) {
		column = "national_id"
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + column + ` = $1`
	return scanUser(r.pool.QueryRow(ctx, query, login))
}

// Update persists profile fields and the active flag.
// Lockout fields are never written here.
func (r *userRepository) Update(ctx context.Context, user *User) error {
	query := `
		UPDATE users
		SET first_name = $2, last_name = $3, email = $4, phone = $5, is_active = $6, updated_at = $7
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		user.ID,
		user.FirstName,
		user.LastName,
		strings.ToLower(user.Email),
		user.Phone,
		user.IsActive,
		time.Now().UTC(),
	).Scan(&user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return mapUserConflict(err)
	}
	return nil
}

// UpdateRole changes a user's role
func (r *userRepository) UpdateRole(ctx context.Context, id uuid.UUID, role string) error {
	return r.execOne(ctx, `UPDATE users SET role = $2, updated_at = $3 WHERE id = $1`, id, role, time.Now().UTC())
}

// UpdatePassword stores a new password hash
func (r *userRepository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.execOne(ctx, `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`, id, passwordHash, time.Now().UTC())
}

// UpdateProfileImage sets or clears the profile image object key
func (r *userRepository) UpdateProfileImage(ctx context.Context, id uuid.UUID, key *string) error {
	return r.execOne(ctx, `UPDATE users SET profile_image_key = $2, updated_at = $3 WHERE id = $1`, id, key, time.Now().UTC())
}

// UpdateLastLogin updates the last_login_at timestamp for a user
func (r *userRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, time.Now().UTC())
}

// Delete deletes a user by their ID.
// Devices, activity entries and sessions go with it via ON DELETE CASCADE.
func (r *userRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, `DELETE FROM users WHERE id = $1`, id)
}

func (r *userRepository) execOne(ctx context.Context, query string, args ...any) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UsernameExists checks if a username is already registered
func (r *userRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists)
	return exists, err
}

// EmailExists checks if an email address is already registered (case-insensitive).
// excludeID skips one account, used when a user keeps their own address.
func (r *userRepository) EmailExists(ctx context.Context, email string, excludeID *uuid.UUID) (bool, error) {
	var exists bool
	var err error
	if excludeID != nil {
		err = r.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(email) = LOWER($1) AND id <> $2)`,
			email, *excludeID).Scan(&exists)
	} else {
		err = r.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(email) = LOWER($1))`,
			email).Scan(&exists)
	}
	return exists, err
}

// NationalIDExists checks if a national ID is already registered
func (r *userRepository) NationalIDExists(ctx context.Context, nationalID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE national_id = $1)`, nationalID).Scan(&exists)
	return exists, err
}

// List retrieves users with pagination and filters, newest first
func (r *userRepository) List(ctx context.Context, params ListUserParams) ([]User, int, error) {
	params.Page, params.Limit = normalizePage(params.Page, params.Limit, 20)

	baseQuery := ` FROM users WHERE 1=1`
	args := []any{}
	argIdx := 1

	if params.Role != "" {
		baseQuery += fmt.Sprintf(" AND role = $%d", argIdx)
		args = append(args, params.Role)
		argIdx++
	}

	switch params.Status {
	case "active":
		baseQuery += " AND is_active = TRUE"
	case "inactive":
		baseQuery += " AND is_active = FALSE"
	case "locked":
		baseQuery += " AND is_locked = TRUE"
	}

	if params.Search != "" {
		baseQuery += fmt.Sprintf(` AND (
			username ILIKE $%d OR
			first_name ILIKE $%d OR
			last_name ILIKE $%d OR
			national_id ILIKE $%d
		)`, argIdx, argIdx, argIdx, argIdx)
		args = append(args, "%"+params.Search+"%")
		argIdx++
	}

	var totalCount int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*)"+baseQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	selectQuery := "SELECT " + userColumns + baseQuery +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, params.Limit, (params.Page-1)*params.Limit)

	rows, err := r.pool.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return users, totalCount, nil
}

// SetActiveMany activates or deactivates several users at once.
// Lockout fields are left untouched.
func (r *userRepository) SetActiveMany(ctx context.Context, ids []uuid.UUID, active bool) (int64, error) {
	result, err := r.pool.Exec(ctx,
		`UPDATE users SET is_active = $2, updated_at = $3 WHERE id = ANY($1::uuid[])`,
		uuidStrings(ids), active, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// DeleteMany deletes several users at once
func (r *userRepository) DeleteMany(ctx context.Context, ids []uuid.UUID) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = ANY($1::uuid[])`, uuidStrings(ids))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Totals returns total, active and locked account counts
func (r *userRepository) Totals(ctx context.Context) (*UserTotals, error) {
	totals := &UserTotals{}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE is_locked)
		FROM users
	`).Scan(&totals.Total, &totals.Active, &totals.Locked)
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// CountByRole returns the number of active users per role, largest first
func (r *userRepository) CountByRole(ctx context.Context) ([]LabelCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT role, COUNT(*) AS count FROM users
		WHERE is_active
		GROUP BY role
		ORDER BY count DESC, role
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := []LabelCount{}
	for rows.Next() {
		var c LabelCount
		if err := rows.Scan(&c.Label, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// RegistrationsSince returns new accounts per day or month since the given time
func (r *userRepository) RegistrationsSince(ctx context.Context, since time.Time, bucket string) ([]DateCount, error) {
	if bucket != BucketMonth {
		bucket = BucketDay
	}
	rows, err := r.pool.Query(ctx, `
		SELECT date_trunc($2, created_at) AS date, COUNT(*)
		FROM users
		WHERE created_at >= $1
		GROUP BY 1
		ORDER BY 1
	`, since, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := []DateCount{}
	for rows.Next() {
		var c DateCount
		if err := rows.Scan(&c.Date, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// ProfileImageKeys returns the profile image keys of the given users
func (r *userRepository) ProfileImageKeys(ctx context.Context, ids []uuid.UUID) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT profile_image_key FROM users WHERE id = ANY($1::uuid[]) AND profile_image_key IS NOT NULL`,
		uuidStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ExistingProfileImageKeys reports which of keys are referenced by an account
func (r *userRepository) ExistingProfileImageKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	result := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	rows, err := r.pool.Query(ctx, `SELECT profile_image_key FROM users WHERE profile_image_key = ANY($1)`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		result[key] = true
	}
	return result, rows.Err()
}

// IncrementFailedLogins adds one failed attempt in a single statement and
// locks the account when the new count reaches threshold. The row lock taken
// by prev serializes concurrent failures, so increments are never lost and
// exactly one of them reports JustLocked and stamps locked_at.
func (r *userRepository) IncrementFailedLogins(ctx context.Context, id uuid.UUID, threshold int, now time.Time) (*LockoutState, error) {
	defer metrics.TimeQuery("increment_failed_logins")()

	query := `
		WITH prev AS (
			SELECT id, is_locked FROM users WHERE id = $1 FOR UPDATE
		)
		UPDATE users u
		SET failed_login_attempts = u.failed_login_attempts + 1,
			is_locked = u.is_locked OR u.failed_login_attempts + 1 >= $2,
			locked_at = CASE
				WHEN NOT u.is_locked AND u.failed_login_attempts + 1 >= $2 THEN $3
				ELSE u.locked_at
			END,
			updated_at = $3
		FROM prev
		WHERE u.id = prev.id
		RETURNING u.failed_login_attempts, u.is_locked, u.locked_at,
			NOT prev.is_locked AND u.is_locked AS just_locked
	`

	state := &LockoutState{}
	err := r.pool.QueryRow(ctx, query, id, threshold, now).Scan(
		&state.FailedLoginAttempts,
		&state.IsLocked,
		&state.LockedAt,
		&state.JustLocked,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return state, nil
}

// ResetFailedLogins zeroes the failed attempt counter. The lock flag is not touched.
func (r *userRepository) ResetFailedLogins(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET failed_login_attempts = 0 WHERE id = $1 AND failed_login_attempts > 0`, id)
	return err
}

// Unlock clears the lock and the failed attempt counter and reports whether
// the account was locked beforehand.
func (r *userRepository) Unlock(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		WITH prev AS (
			SELECT id, is_locked FROM users WHERE id = $1 FOR UPDATE
		)
		UPDATE users u
		SET is_locked = FALSE, failed_login_attempts = 0, locked_at = NULL, updated_at = $2
		FROM prev
		WHERE u.id = prev.id
		RETURNING prev.is_locked
	`

	var wasLocked bool
	err := r.pool.QueryRow(ctx, query, id, time.Now().UTC()).Scan(&wasLocked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, err
	}
	return wasLocked, nil
}

// UnlockMany clears the lock and the failed attempt counter of every
// account in ids, locked or not, and returns how many of them were locked.
func (r *userRepository) UnlockMany(ctx context.Context, ids []uuid.UUID) (int64, error) {
	query := `
		WITH prev AS (
			SELECT id, is_locked FROM users WHERE id = ANY($1::uuid[]) FOR UPDATE
		), cleared AS (
			UPDATE users u
			SET is_locked = FALSE, failed_login_attempts = 0, locked_at = NULL, updated_at = $2
			FROM prev
			WHERE u.id = prev.id
			RETURNING prev.is_locked AS was_locked
		)
		SELECT COUNT(*) FILTER (WHERE was_locked) FROM cleared
	`

	var unlocked int64
	if err := r.pool.QueryRow(ctx, query, uuidStrings(ids), time.Now().UTC()).Scan(&unlocked); err != nil {
		return 0, err
	}
	return unlocked, nil
}

// IsNationalIDFormat reports whether s is exactly 11 ASCII digits
func IsNationalIDFormat(s string) bool {
	if len(s) != 11 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// normalizePage applies page defaults and caps the page size at 100
func normalizePage(page, limit, defaultLimit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
