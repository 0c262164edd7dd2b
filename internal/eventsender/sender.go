// Package eventsender relays activity outbox rows to a message broker.
package eventsender

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/resul067142/yenirr/internal/logger"
	"github.com/resul067142/yenirr/internal/metrics"
	"github.com/resul067142/yenirr/internal/repository"
)

// EventPublisher delivers one event
type EventPublisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// EventProvider reserves pending events and acknowledges published ones
type EventProvider interface {
	NewEvents(ctx context.Context, limit int) ([]repository.ActivityEvent, error)
	SetEventDone(ctx context.Context, id uuid.UUID) error
}

// Sender polls the outbox and publishes what it finds
type Sender struct {
	log       *slog.Logger
	publisher EventPublisher
	provider  EventProvider

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSender creates a new Sender
func NewSender(log *slog.Logger, publisher EventPublisher, provider EventProvider) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		log:       log.With(slog.String("component", "event_sender")),
		publisher: publisher,
		provider:  provider,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start publishes up to limit events every interval until ctx is cancelled
// or Stop is called. It returns immediately.
func (s *Sender) Start(ctx context.Context, limit int, interval time.Duration) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.log.Info("starting event sender", slog.Int("limit", limit), slog.Duration("interval", interval))

	go func() {
		defer close(s.done)
		defer s.log.Info("event sender stopped")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.SendBatch(ctx, limit)
			}
		}
	}()
}

// SendBatch reserves up to limit events and publishes them concurrently.
// It returns the number of events marked done.
func (s *Sender) SendBatch(ctx context.Context, limit int) int {
	events, err := s.provider.NewEvents(ctx, limit)
	if err != nil {
		s.log.Error("failed to get new events", logger.Err(err))
		return 0
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)
	for _, event := range events {
		wg.Add(1)
		go func(event repository.ActivityEvent) {
			defer wg.Done()
			if s.process(ctx, event) {
				mu.Lock()
				sent++
				mu.Unlock()
			}
		}(event)
	}
	wg.Wait()
	return sent
}

func (s *Sender) process(ctx context.Context, event repository.ActivityEvent) bool {
	if err := s.publisher.Publish(ctx, []byte(event.Type), []byte(event.Payload)); err != nil {
		metrics.OutboxPublishErrors.Inc()
		s.log.Error("failed to publish event",
			slog.String("event_id", event.ID.String()),
			logger.Err(err),
		)
		return false
	}
	metrics.OutboxEventsPublished.Inc()

	// a publish without ack is retried once the reservation expires
	if err := s.provider.SetEventDone(ctx, event.ID); err != nil {
		s.log.Error("failed to mark event as done",
			slog.String("event_id", event.ID.String()),
			logger.Err(err),
		)
		return false
	}
	return true
}

// Stop ends the polling loop and waits for the in-flight batch
func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}
