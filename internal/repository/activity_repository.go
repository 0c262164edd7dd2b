package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ActivityRepositoryInterface defines the interface for activity log storage
type ActivityRepositoryInterface interface {
	Insert(ctx context.Context, entry *ActivityLog, event *ActivityEvent) error
	List(ctx context.Context, params ListActivityParams) ([]ActivityLogWithUser, int, error)
	Recent(ctx context.Context, userID *uuid.UUID, limit int) ([]ActivityLogWithUser, error)
	CountSince(ctx context.Context, logType string, since time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}

// ActivityRepo implements ActivityRepositoryInterface using PostgreSQL
type ActivityRepo struct {
	db *sqlx.DB
}

// NewActivityRepo creates a new ActivityRepo instance
func NewActivityRepo(db *sqlx.DB) *ActivityRepo {
	return &ActivityRepo{db: db}
}

const activitySelect = `
	SELECT
		l.id, l.user_id, l.log_type, l.description, l.ip_address, l.user_agent, l.created_at,
		u.username, u.first_name, u.last_name
	FROM activity_logs l
	JOIN users u ON u.id = l.user_id`

// Insert stores an activity entry and, when event is not nil, its outbox row
// in the same transaction.
func (r *ActivityRepo) Insert(ctx context.Context, entry *ActivityLog, event *ActivityEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO activity_logs (user_id, log_type, description, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, entry.UserID, entry.LogType, entry.Description, entry.IPAddress, entry.UserAgent).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert activity log: %w", err)
	}

	if event != nil {
		event.Status = EventStatusNew
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO activity_events (event_type, payload, status)
			VALUES ($1, $2, $3)
			RETURNING id, created_at
		`, event.Type, event.Payload, event.Status).Scan(&event.ID, &event.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert activity event: %w", err)
		}
	}

	return tx.Commit()
}

// List retrieves activity entries with pagination and filters, newest first
func (r *ActivityRepo) List(ctx context.Context, params ListActivityParams) ([]ActivityLogWithUser, int, error) {
	params.Page, params.Limit = normalizePage(params.Page, params.Limit, 50)

	baseQuery := " WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if params.UserID != nil {
		baseQuery += fmt.Sprintf(" AND l.user_id = $%d", argIdx)
		args = append(args, *params.UserID)
		argIdx++
	}
	if params.LogType != "" {
		baseQuery += fmt.Sprintf(" AND l.log_type = $%d", argIdx)
		args = append(args, params.LogType)
		argIdx++
	}
	if params.FromDate != nil {
		baseQuery += fmt.Sprintf(" AND l.created_at >= $%d", argIdx)
		args = append(args, *params.FromDate)
		argIdx++
	}
	if params.ToDate != nil {
		baseQuery += fmt.Sprintf(" AND l.created_at < $%d", argIdx)
		args = append(args, *params.ToDate)
		argIdx++
	}

	var totalCount int
	if err := r.db.GetContext(ctx, &totalCount, "SELECT COUNT(*) FROM activity_logs l"+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count activity logs: %w", err)
	}

	selectQuery := activitySelect + baseQuery +
		fmt.Sprintf(" ORDER BY l.created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, params.Limit, (params.Page-1)*params.Limit)

	entries := []ActivityLogWithUser{}
	if err := r.db.SelectContext(ctx, &entries, selectQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to query activity logs: %w", err)
	}
	return entries, totalCount, nil
}

// Recent returns the latest entries, optionally restricted to one user
func (r *ActivityRepo) Recent(ctx context.Context, userID *uuid.UUID, limit int) ([]ActivityLogWithUser, error) {
	query := activitySelect
	args := []interface{}{}
	if userID != nil {
		query += " WHERE l.user_id = $1 ORDER BY l.created_at DESC LIMIT $2"
		args = append(args, *userID, limit)
	} else {
		query += " ORDER BY l.created_at DESC LIMIT $1"
		args = append(args, limit)
	}

	entries := []ActivityLogWithUser{}
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query recent activity: %w", err)
	}
	return entries, nil
}

// CountSince counts entries of one type created at or after since
func (r *ActivityRepo) CountSince(ctx context.Context, logType string, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM activity_logs WHERE log_type = $1 AND created_at >= $2`,
		logType, since)
	return count, err
}

// Count returns the total number of activity entries
func (r *ActivityRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM activity_logs`)
	return count, err
}
