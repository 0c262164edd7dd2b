package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/resul067142/yenirr/internal/logger"
	"github.com/resul067142/yenirr/internal/metrics"
	"github.com/resul067142/yenirr/internal/repository"
)

// Entry is one audit record about UserID
type Entry struct {
	UserID      uuid.UUID
	Type        string
	Description string
	IPAddress   string
	UserAgent   string
}

// EventPayload is the JSON body published for every entry
type EventPayload struct {
	UserID      string    `json:"user_id"`
	LogType     string    `json:"log_type"`
	Description string    `json:"description"`
	IPAddress   string    `json:"ip_address,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type store interface {
	Insert(ctx context.Context, entry *repository.ActivityLog, event *repository.ActivityEvent) error
}

// Recorder appends audit entries together with their outbox events
type Recorder struct {
	store  store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a new Recorder
func NewRecorder(store store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, logger: log, now: time.Now}
}

// Record stores e. Failures are logged and returned; callers on a user
// facing path usually continue regardless.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if !IsValidType(e.Type) {
		return fmt.Errorf("unknown activity type %q", e.Type)
	}

	payload, err := json.Marshal(EventPayload{
		UserID:      e.UserID.String(),
		LogType:     e.Type,
		Description: e.Description,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		OccurredAt:  r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode activity event: %w", err)
	}

	entry := &repository.ActivityLog{
		UserID:      e.UserID,
		LogType:     e.Type,
		Description: e.Description,
		IPAddress:   optional(e.IPAddress),
		UserAgent:   optional(e.UserAgent),
	}
	event := &repository.ActivityEvent{
		Type:    e.Type,
		Payload: string(payload),
	}

	if err := r.store.Insert(ctx, entry, event); err != nil {
		logger.WithCorrelationID(ctx, r.logger).Error("failed to record activity",
			slog.String("log_type", e.Type),
			slog.String("user_id", e.UserID.String()),
			logger.Err(err),
		)
		return err
	}

	metrics.ActivityEntriesTotal.WithLabelValues(e.Type).Inc()
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
