package repository

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account in the database
type User struct {
	ID                  uuid.UUID  `db:"id"`
	Username            string     `db:"username"`
	NationalID          string     `db:"national_id"`
	Email               string     `db:"email"`
	FirstName           string     `db:"first_name"`
	LastName            string     `db:"last_name"`
	Phone               *string    `db:"phone"`
	Role                string     `db:"role"`
	PasswordHash        string     `db:"password_hash"`
	IsActive            bool       `db:"is_active"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	IsLocked            bool       `db:"is_locked"`
	LockedAt            *time.Time `db:"locked_at"`
	ProfileImageKey     *string    `db:"profile_image_key"`
	LastLoginAt         *time.Time `db:"last_login_at"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

// FullName returns "first last"
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}

// LockoutState is the failed-login counter and lock flags of one account
// as persisted after a lockout mutation.
type LockoutState struct {
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	IsLocked            bool       `db:"is_locked"`
	LockedAt            *time.Time `db:"locked_at"`
	// JustLocked is set when this mutation moved the account from unlocked to locked
	JustLocked          bool       `db:"just_locked"`
}

// Session represents a refresh-token session in the database
type Session struct {
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	TokenHash string    `db:"token_hash"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
	IPAddress *string   `db:"ip_address"`
	UserAgent *string   `db:"user_agent"`
}

// ListUserParams holds parameters for listing users
type ListUserParams struct {
	Page   int
	Limit  int
	Role   string
	Status string // active, inactive, locked
	Search string
}

// UserTotals holds aggregate account counters
type UserTotals struct {
	Total  int `db:"total"`
	Active int `db:"active"`
	Locked int `db:"locked"`
}

// Device represents a tracked device in the database
type Device struct {
	ID          uuid.UUID `db:"id"`
	UserID      uuid.UUID `db:"user_id"`
	GSMNumber   string    `db:"gsm_number"`
	DeviceEmail string    `db:"device_email"`
	EmailNumber *string   `db:"email_number"`
	DeviceType  string    `db:"device_type"`
	DeviceName  *string   `db:"device_name"`
	Brand       *string   `db:"brand"`
	Model       *string   `db:"model"`
	IMEI        *string   `db:"imei"`
	DeviceGroup *string   `db:"device_group"`
	Notes       *string   `db:"notes"`
	IsActive    bool      `db:"is_active"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// DeviceWithOwner is a device joined with its owner's identity
type DeviceWithOwner struct {
	Device
	OwnerUsername   string `db:"owner_username"`
	OwnerFirstName  string `db:"owner_first_name"`
	OwnerLastName   string `db:"owner_last_name"`
	OwnerNationalID string `db:"owner_national_id"`
}

// ListDeviceParams holds parameters for listing devices.
// A nil OwnerID lists devices of every user. ToDate is exclusive.
// Limit -1 disables pagination.
type ListDeviceParams struct {
	Page       int
	Limit      int
	OwnerID    *uuid.UUID
	DeviceType string
	IsActive   *bool
	FromDate   *time.Time
	ToDate     *time.Time
	Search     string
	Sort       string
}

// DeviceTotals holds aggregate device counters
type DeviceTotals struct {
	Total  int `db:"total"`
	Active int `db:"active"`
}

// LabelCount is a count grouped by a label such as device type or role
type LabelCount struct {
	Label string `db:"label" json:"label"`
	Count int    `db:"count" json:"count"`
}

// DateCount is a count grouped by a truncated date (day or month)
type DateCount struct {
	Date  time.Time `db:"date" json:"date"`
	Count int       `db:"count" json:"count"`
}

// OwnerDeviceCount is a user together with the number of devices they own
type OwnerDeviceCount struct {
	UserID      uuid.UUID `db:"user_id" json:"user_id"`
	Username    string    `db:"username" json:"username"`
	FirstName   string    `db:"first_name" json:"first_name"`
	LastName    string    `db:"last_name" json:"last_name"`
	DeviceCount int       `db:"device_count" json:"device_count"`
}

// ActivityLog represents one audit entry
type ActivityLog struct {
	ID          uuid.UUID `db:"id"`
	UserID      uuid.UUID `db:"user_id"`
	LogType     string    `db:"log_type"`
	Description string    `db:"description"`
	IPAddress   *string   `db:"ip_address"`
	UserAgent   *string   `db:"user_agent"`
	CreatedAt   time.Time `db:"created_at"`
}

// ActivityLogWithUser is an audit entry joined with its subject's username
type ActivityLogWithUser struct {
	ActivityLog
	Username  string `db:"username"`
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`
}

// ListActivityParams holds parameters for listing activity entries.
// A nil UserID lists entries of every user. ToDate is exclusive.
type ListActivityParams struct {
	Page     int
	Limit    int
	UserID   *uuid.UUID
	LogType  string
	FromDate *time.Time
	ToDate   *time.Time
}

// Event outbox statuses
const (
	EventStatusNew  = "new"
	EventStatusDone = "done"
)

// ActivityEvent is an outbox row waiting to be published
type ActivityEvent struct {
	ID         uuid.UUID  `db:"id"`
	Type       string     `db:"event_type"`
	Payload    string     `db:"payload"`
	Status     string     `db:"status"`
	CreatedAt  time.Time  `db:"created_at"`
	ReservedAt *time.Time `db:"reserved_at"`
}
