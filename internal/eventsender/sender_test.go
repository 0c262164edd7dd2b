package eventsender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resul067142/yenirr/internal/metrics"
	"github.com/resul067142/yenirr/internal/repository"
)

type fakePublisher struct {
	mu      sync.Mutex
	keys    []string
	values  []string
	failKey string
}

func (p *fakePublisher) Publish(_ context.Context, key, value []byte) error {
	if string(key) == p.failKey {
		return errors.New("broker unavailable")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, string(key))
	p.values = append(p.values, string(value))
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// fakeOutbox hands out pending events once until they are marked done
type fakeOutbox struct {
	mu      sync.Mutex
	pending []repository.ActivityEvent
	done    map[uuid.UUID]bool
}

func newFakeOutbox(types ...string) *fakeOutbox {
	o := &fakeOutbox{done: map[uuid.UUID]bool{}}
	for _, t := range types {
		o.pending = append(o.pending, repository.ActivityEvent{
			ID:      uuid.New(),
			Type:    t,
			Payload: `{"log_type":"` + t + `"}`,
			Status:  repository.EventStatusNew,
		})
	}
	return o
}

func (o *fakeOutbox) NewEvents(_ context.Context, limit int) ([]repository.ActivityEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []repository.ActivityEvent
	for _, e := range o.pending {
		if o.done[e.ID] {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (o *fakeOutbox) SetEventDone(_ context.Context, id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done[id] = true
	return nil
}

func (o *fakeOutbox) doneCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.done)
}

func TestSendBatch_PublishesAndAcknowledges(t *testing.T) {
	outbox := newFakeOutbox("login", "device_add", "logout")
	pub := &fakePublisher{}
	s := NewSender(nil, pub, outbox)
	before := testutil.ToFloat64(metrics.OutboxEventsPublished)

	assert.Equal(t, 2, s.SendBatch(context.Background(), 2))
	assert.Equal(t, 1, s.SendBatch(context.Background(), 2))
	assert.Equal(t, 0, s.SendBatch(context.Background(), 2))

	assert.ElementsMatch(t, []string{"login", "device_add", "logout"}, pub.keys)
	assert.Contains(t, pub.values, `{"log_type":"device_add"}`)
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.OutboxEventsPublished))
}

func TestSendBatch_FailedPublishStaysPending(t *testing.T) {
	outbox := newFakeOutbox("login", "account_locked")
	pub := &fakePublisher{failKey: "account_locked"}
	s := NewSender(nil, pub, outbox)
	before := testutil.ToFloat64(metrics.OutboxPublishErrors)

	assert.Equal(t, 1, s.SendBatch(context.Background(), 10))
	assert.Equal(t, 1, outbox.doneCount())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.OutboxPublishErrors))

	pub.failKey = ""
	assert.Equal(t, 1, s.SendBatch(context.Background(), 10))
	assert.Equal(t, 2, outbox.doneCount())
}

func TestStartStop(t *testing.T) {
	outbox := newFakeOutbox("login", "logout")
	pub := &fakePublisher{}
	s := NewSender(nil, pub, outbox)

	s.Start(context.Background(), 10, 10*time.Millisecond)
	require.Eventually(t, func() bool { return outbox.doneCount() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	assert.Equal(t, 2, pub.count())
}

func TestStop_WithoutStart(t *testing.T) {
	s := NewSender(nil, &fakePublisher{}, newFakeOutbox())
	s.Stop()
}

func TestStart_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSender(nil, &fakePublisher{}, newFakeOutbox())
	s.Start(ctx, 10, time.Hour)
	cancel()

	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("sender did not stop on context cancel")
	}
}
