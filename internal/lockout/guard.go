// Package lockout protects accounts against password guessing.
//
// Every failed password check increments a per-account counter. When the
// counter reaches Threshold the account is locked and stays locked until an
// administrator calls Unlock; there is no time based release. A successful
// login resets the counter. Locked accounts are refused before the password
// is checked, so guessing against a locked account changes nothing.
package lockout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/resul067142/yenirr/internal/repository"
)

// Threshold is the number of consecutive failed logins that locks an account
const Threshold = 5

// Guard errors
var (
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountInactive    = errors.New("account inactive")
)

// Store persists lockout state. Each mutation must be a single atomic
// statement against the account row.
type Store interface {
	GetByLogin(ctx context.Context, login string) (*repository.User, error)
	IncrementFailedLogins(ctx context.Context, id uuid.UUID, threshold int, now time.Time) (*repository.LockoutState, error)
	ResetFailedLogins(ctx context.Context, id uuid.UUID) error
	Unlock(ctx context.Context, id uuid.UUID) (bool, error)
}

// PasswordVerifier compares a plaintext password with a stored hash
type PasswordVerifier interface {
	VerifyPassword(password, hash string) error
}

// Outcome is the decision taken for one authentication attempt
type Outcome int

const (
	Admitted Outcome = iota
	Denied
	Locked
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Denied:
		return "denied"
	case Locked:
		return "locked"
	}
	return "unknown"
}

// Result describes an authentication attempt against an existing account
type Result struct {
	Outcome Outcome
	User    *repository.User
	// RemainingAttempts is Threshold minus the failed count after a denied attempt
	RemainingAttempts int
	// JustLocked is set when this attempt pushed the account over the threshold
	JustLocked bool
}

// Guard decides whether a login is admitted and maintains lockout state
type Guard struct {
	store    Store
	verifier PasswordVerifier
	now      func() time.Time
	logger   *slog.Logger
}

// NewGuard creates a Guard
func NewGuard(store Store, verifier PasswordVerifier, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:    store,
		verifier: verifier,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the time source used to stamp locked_at
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// RecordFailedAttempt increments the account's failed counter and locks it
// when the new value reaches Threshold. user is updated with the stored state.
func (g *Guard) RecordFailedAttempt(ctx context.Context, user *repository.User) error {
	_, err := g.recordFailure(ctx, user)
	return err
}

// recordFailure reports whether this increment is the one that locked the
// account. The flag comes from the store, not from user, which may be stale
// when failures race.
func (g *Guard) recordFailure(ctx context.Context, user *repository.User) (bool, error) {
	state, err := g.store.IncrementFailedLogins(ctx, user.ID, Threshold, g.now().UTC())
	if err != nil {
		return false, err
	}

	user.FailedLoginAttempts = state.FailedLoginAttempts
	user.IsLocked = state.IsLocked
	user.LockedAt = state.LockedAt

	if state.JustLocked {
		g.logger.Warn("account locked after failed logins",
			slog.String("user_id", user.ID.String()),
			slog.Int("failed_login_attempts", user.FailedLoginAttempts),
		)
	}
	return state.JustLocked, nil
}

// RecordSuccessfulAttempt resets a non-zero failed counter. The lock flag is not changed.
func (g *Guard) RecordSuccessfulAttempt(ctx context.Context, user *repository.User) error {
	if user.FailedLoginAttempts == 0 {
		return nil
	}
	if err := g.store.ResetFailedLogins(ctx, user.ID); err != nil {
		return err
	}
	user.FailedLoginAttempts = 0
	return nil
}

// Unlock clears the lock and failed counter of an account and reports
// whether it was locked. Callers must have checked administrator rights.
func (g *Guard) Unlock(ctx context.Context, id uuid.UUID) (bool, error) {
	wasLocked, err := g.store.Unlock(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return false, ErrAccountNotFound
		}
		return false, err
	}
	return wasLocked, nil
}

// Authenticate checks login and password.
//
// Unknown logins return ErrAccountNotFound and nothing is written. Locked
// accounts return ErrAccountLocked before the password is verified. A wrong
// password returns ErrInvalidCredentials with the remaining attempts, or
// ErrAccountLocked when this failure reached the threshold. The Result is
// non-nil whenever the account exists.
func (g *Guard) Authenticate(ctx context.Context, login, password string) (*Result, error) {
	user, err := g.store.GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	if user.IsLocked {
		return &Result{Outcome: Locked, User: user}, ErrAccountLocked
	}

	if !user.IsActive {
		return &Result{Outcome: Denied, User: user}, ErrAccountInactive
	}

	if err := g.verifier.VerifyPassword(password, user.PasswordHash); err != nil {
		justLocked, err := g.recordFailure(ctx, user)
		if err != nil {
			return nil, err
		}
		if user.IsLocked {
			return &Result{Outcome: Locked, User: user, JustLocked: justLocked}, ErrAccountLocked
		}
		return &Result{
			Outcome:           Denied,
			User:              user,
			RemainingAttempts: RemainingAttempts(user.FailedLoginAttempts),
		}, ErrInvalidCredentials
	}

	if err := g.RecordSuccessfulAttempt(ctx, user); err != nil {
		return nil, err
	}
	return &Result{Outcome: Admitted, User: user}, nil
}

// RemainingAttempts returns how many failures are left before locking
func RemainingAttempts(failed int) int {
	if failed >= Threshold {
		return 0
	}
	return Threshold - failed
}
