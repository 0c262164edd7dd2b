package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Device repository errors
var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceEmailExists = errors.New("device email already exists")
	ErrDeviceGSMExists   = errors.New("gsm number already registered for this user")
)

// DeviceRepositoryInterface defines the interface for device repository operations
type DeviceRepositoryInterface interface {
	List(ctx context.Context, params ListDeviceParams) ([]DeviceWithOwner, int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*DeviceWithOwner, error)
	Create(ctx context.Context, device *Device) error
	Update(ctx context.Context, device *Device) error
	Delete(ctx context.Context, id uuid.UUID) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	DeviceEmailExists(ctx context.Context, email string, excludeID *uuid.UUID) (bool, error)
	GSMExists(ctx context.Context, ownerID uuid.UUID, gsm string, excludeID *uuid.UUID) (bool, error)
	Totals(ctx context.Context, ownerID *uuid.UUID) (*DeviceTotals, error)
	CountByType(ctx context.Context, ownerID *uuid.UUID) ([]LabelCount, error)
	CreatedSince(ctx context.Context, ownerID *uuid.UUID, since time.Time, bucket string) ([]DateCount, error)
	TopOwners(ctx context.Context, limit int) ([]OwnerDeviceCount, error)
}

// deviceSortColumns whitelists sortable fields
var deviceSortColumns = map[string]string{
	"device_name": "d.device_name",
	"gsm_number":  "d.gsm_number",
	"created_at":  "d.created_at",
}

const deviceSelect = `
	SELECT
		d.id, d.user_id, d.gsm_number, d.device_email, d.email_number, d.device_type,
		d.device_name, d.brand, d.model, d.imei, d.device_group, d.notes, d.is_active,
		d.created_at, d.updated_at,
		u.username AS owner_username,
		u.first_name AS owner_first_name,
		u.last_name AS owner_last_name,
		u.national_id AS owner_national_id
	FROM devices d
	JOIN users u ON u.id = d.user_id`

// DeviceRepo implements DeviceRepositoryInterface using PostgreSQL
type DeviceRepo struct {
	db *sqlx.DB
}

// NewDeviceRepo creates a new DeviceRepo instance
func NewDeviceRepo(db *sqlx.DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

// ParseDeviceSort maps a sort parameter such as "-created_at" to an ORDER BY
// clause. Unknown fields fall back to newest first.
func ParseDeviceSort(sort string) string {
	order := "ASC"
	field := sort
	if strings.HasPrefix(sort, "-") {
		order = "DESC"
		field = strings.TrimPrefix(sort, "-")
	}
	column, ok := deviceSortColumns[field]
	if !ok {
		return "d.created_at DESC"
	}
	return column + " " + order
}

// List retrieves devices with pagination, filtering, search and sorting
func (r *DeviceRepo) List(ctx context.Context, params ListDeviceParams) ([]DeviceWithOwner, int, error) {
	paginate := params.Limit != -1
	if paginate {
		params.Page, params.Limit = normalizePage(params.Page, params.Limit, 20)
	}

	baseQuery := " WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if params.OwnerID != nil {
		baseQuery += fmt.Sprintf(" AND d.user_id = $%d", argIdx)
		args = append(args, *params.OwnerID)
		argIdx++
	}

	if params.DeviceType != "" {
		baseQuery += fmt.Sprintf(" AND d.device_type = $%d", argIdx)
		args = append(args, params.DeviceType)
		argIdx++
	}

	if params.IsActive != nil {
		baseQuery += fmt.Sprintf(" AND d.is_active = $%d", argIdx)
		args = append(args, *params.IsActive)
		argIdx++
	}

	if params.FromDate != nil {
		baseQuery += fmt.Sprintf(" AND d.created_at >= $%d", argIdx)
		args = append(args, *params.FromDate)
		argIdx++
	}
	if params.ToDate != nil {
		baseQuery += fmt.Sprintf(" AND d.created_at < $%d", argIdx)
		args = append(args, *params.ToDate)
		argIdx++
	}

	if params.Search != "" {
		baseQuery += fmt.Sprintf(` AND (
			d.device_name ILIKE $%d OR
			d.gsm_number ILIKE $%d OR
			d.device_email ILIKE $%d OR
			d.brand ILIKE $%d OR
			d.model ILIKE $%d
		)`, argIdx, argIdx, argIdx, argIdx, argIdx)
		args = append(args, "%"+params.Search+"%")
		argIdx++
	}

	var totalCount int
	countQuery := "SELECT COUNT(*) FROM devices d" + baseQuery
	if err := r.db.GetContext(ctx, &totalCount, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count devices: %w", err)
	}

	selectQuery := deviceSelect + baseQuery + " ORDER BY " + ParseDeviceSort(params.Sort)
	if paginate {
		selectQuery += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, params.Limit, (params.Page-1)*params.Limit)
	}

	devices := []DeviceWithOwner{}
	if err := r.db.SelectContext(ctx, &devices, selectQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to query devices: %w", err)
	}

	return devices, totalCount, nil
}

// GetByID retrieves a device and its owner
func (r *DeviceRepo) GetByID(ctx context.Context, id uuid.UUID) (*DeviceWithOwner, error) {
	var device DeviceWithOwner
	err := r.db.GetContext(ctx, &device, deviceSelect+" WHERE d.id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

// Create inserts a new device
func (r *DeviceRepo) Create(ctx context.Context, device *Device) error {
	query := `
		INSERT INTO devices (
			user_id, gsm_number, device_email, email_number, device_type, device_name,
			brand, model, imei, device_group, notes, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		device.UserID,
		device.GSMNumber,
		strings.ToLower(device.DeviceEmail),
		device.EmailNumber,
		device.DeviceType,
		device.DeviceName,
		device.Brand,
		device.Model,
		device.IMEI,
		device.DeviceGroup,
		device.Notes,
		device.IsActive,
	).Scan(&device.ID, &device.CreatedAt, &device.UpdatedAt)
	if err != nil {
		return mapDeviceConflict(err)
	}

	device.DeviceEmail = strings.ToLower(device.DeviceEmail)
	return nil
}

// Update persists every editable device field
func (r *DeviceRepo) Update(ctx context.Context, device *Device) error {
	query := `
		UPDATE devices
		SET gsm_number = $2, device_email = $3, email_number = $4, device_type = $5,
			device_name = $6, brand = $7, model = $8, imei = $9, device_group = $10,
			notes = $11, is_active = $12, updated_at = $13
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		device.ID,
		device.GSMNumber,
		strings.ToLower(device.DeviceEmail),
		device.EmailNumber,
		device.DeviceType,
		device.DeviceName,
		device.Brand,
		device.Model,
		device.IMEI,
		device.DeviceGroup,
		device.Notes,
		device.IsActive,
		time.Now().UTC(),
	).Scan(&device.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDeviceNotFound
		}
		return mapDeviceConflict(err)
	}
	return nil
}

// Delete removes a device
func (r *DeviceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// SetActive sets the device status flag
func (r *DeviceRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET is_active = $2, updated_at = $3 WHERE id = $1`,
		id, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// DeviceEmailExists checks global device email uniqueness, optionally skipping one device
func (r *DeviceRepo) DeviceEmailExists(ctx context.Context, email string, excludeID *uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM devices WHERE LOWER(device_email) = LOWER($1)`
	args := []interface{}{email}
	if excludeID != nil {
		query += ` AND id <> $2`
		args = append(args, *excludeID)
	}
	query += `)`

	var exists bool
	err := r.db.GetContext(ctx, &exists, query, args...)
	return exists, err
}

// GSMExists checks whether an owner already registered a GSM number
func (r *DeviceRepo) GSMExists(ctx context.Context, ownerID uuid.UUID, gsm string, excludeID *uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM devices WHERE user_id = $1 AND gsm_number = $2`
	args := []interface{}{ownerID, gsm}
	if excludeID != nil {
		query += ` AND id <> $3`
		args = append(args, *excludeID)
	}
	query += `)`

	var exists bool
	err := r.db.GetContext(ctx, &exists, query, args...)
	return exists, err
}

// ownerFilter returns a WHERE clause fragment restricting to ownerID when set
func ownerFilter(ownerID *uuid.UUID, argIdx int) (string, []interface{}) {
	if ownerID == nil {
		return "", nil
	}
	return fmt.Sprintf(" AND user_id = $%d", argIdx), []interface{}{*ownerID}
}

// Totals returns total and active device counts
func (r *DeviceRepo) Totals(ctx context.Context, ownerID *uuid.UUID) (*DeviceTotals, error) {
	filter, args := ownerFilter(ownerID, 1)
	query := `
		SELECT COUNT(*) AS total, COUNT(*) FILTER (WHERE is_active) AS active
		FROM devices WHERE 1=1` + filter

	var totals DeviceTotals
	if err := r.db.GetContext(ctx, &totals, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}
	return &totals, nil
}

// CountByType returns device counts per type, largest first
func (r *DeviceRepo) CountByType(ctx context.Context, ownerID *uuid.UUID) ([]LabelCount, error) {
	filter, args := ownerFilter(ownerID, 1)
	query := `
		SELECT device_type AS label, COUNT(*) AS count
		FROM devices WHERE 1=1` + filter + `
		GROUP BY device_type
		ORDER BY count DESC, label`

	counts := []LabelCount{}
	if err := r.db.SelectContext(ctx, &counts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count devices by type: %w", err)
	}
	return counts, nil
}

// CreatedSince returns devices added per day or month since the given time
func (r *DeviceRepo) CreatedSince(ctx context.Context, ownerID *uuid.UUID, since time.Time, bucket string) ([]DateCount, error) {
	if bucket != BucketMonth {
		bucket = BucketDay
	}
	filter, ownerArgs := ownerFilter(ownerID, 3)
	query := `
		SELECT date_trunc($1, created_at) AS date, COUNT(*) AS count
		FROM devices
		WHERE created_at >= $2` + filter + `
		GROUP BY 1
		ORDER BY 1`

	args := append([]interface{}{bucket, since}, ownerArgs...)
	counts := []DateCount{}
	if err := r.db.SelectContext(ctx, &counts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count devices by date: %w", err)
	}
	return counts, nil
}

// TopOwners returns the users with the most devices
func (r *DeviceRepo) TopOwners(ctx context.Context, limit int) ([]OwnerDeviceCount, error) {
	query := `
		SELECT u.id AS user_id, u.username, u.first_name, u.last_name, COUNT(d.id) AS device_count
		FROM users u
		JOIN devices d ON d.user_id = u.id
		GROUP BY u.id, u.username, u.first_name, u.last_name
		ORDER BY device_count DESC, u.username
		LIMIT $1`

	owners := []OwnerDeviceCount{}
	if err := r.db.SelectContext(ctx, &owners, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query top owners: %w", err)
	}
	return owners, nil
}
