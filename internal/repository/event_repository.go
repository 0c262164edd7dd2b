package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventRepo reads and acknowledges activity outbox rows
type EventRepo struct {
	db          *sqlx.DB
	reserveTime time.Duration
}

// NewEventRepo creates a new EventRepo. A reserved event that is not marked
// done within reserveTime becomes eligible again.
func NewEventRepo(db *sqlx.DB, reserveTime time.Duration) *EventRepo {
	if reserveTime <= 0 {
		reserveTime = time.Minute
	}
	return &EventRepo{db: db, reserveTime: reserveTime}
}

// NewEvents reserves up to limit unpublished events, oldest first.
// Rows locked by a concurrent sender are skipped.
func (r *EventRepo) NewEvents(ctx context.Context, limit int) ([]ActivityEvent, error) {
	now := time.Now().UTC()
	query := `
		UPDATE activity_events
		SET reserved_at = $1
		WHERE id IN (
			SELECT id FROM activity_events
			WHERE status = $2 AND (reserved_at IS NULL OR reserved_at < $3)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, payload::text AS payload, status, created_at, reserved_at
	`

	events := []ActivityEvent{}
	err := r.db.SelectContext(ctx, &events, query, now, EventStatusNew, now.Add(-r.reserveTime), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve events: %w", err)
	}
	return events, nil
}

// SetEventDone marks an event as published
func (r *EventRepo) SetEventDone(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE activity_events SET status = $2 WHERE id = $1`, id, EventStatusDone)
	if err != nil {
		return fmt.Errorf("failed to mark event done: %w", err)
	}
	return nil
}
