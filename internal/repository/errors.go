package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

// Unique constraint and index names declared in migrations
const (
	constraintUsersUsername   = "uq_users_username"
	constraintUsersNationalID = "uq_users_national_id"
	constraintUsersEmail      = "uq_users_email"
	constraintDeviceEmail     = "uq_devices_device_email"
	constraintDeviceUserGSM   = "uq_devices_user_gsm"
)

// uniqueViolation reports the violated constraint name when err is a
// PostgreSQL unique violation.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// mapUserConflict translates a users unique violation into a repository error
func mapUserConflict(err error) error {
	constraint, ok := uniqueViolation(err)
	if !ok {
		return err
	}
	switch constraint {
	case constraintUsersUsername:
		return ErrUsernameExists
	case constraintUsersNationalID:
		return ErrNationalIDExists
	case constraintUsersEmail:
		return ErrEmailAlreadyExists
	}
	return err
}

// mapDeviceConflict translates a devices unique violation into a repository error
func mapDeviceConflict(err error) error {
	constraint, ok := uniqueViolation(err)
	if !ok {
		return err
	}
	switch constraint {
	case constraintDeviceEmail:
		return ErrDeviceEmailExists
	case constraintDeviceUserGSM:
		return ErrDeviceGSMExists
	}
	return err
}
