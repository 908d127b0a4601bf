package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
	eventbus "github.com/atelier-ai/atelier/internal/events/bus"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/stream"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// flakyBus fails publishes until healed.
type flakyBus struct {
	mu        sync.Mutex
	failing   bool
	attempts  int
	published []*eventbus.Event
}

func (b *flakyBus) Publish(ctx context.Context, subject string, event *eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.failing {
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, event)
	return nil
}

func (b *flakyBus) Subscribe(subject string, handler eventbus.EventHandler) (eventbus.Subscription, error) {
	return nil, errors.New("not implemented")
}
func (b *flakyBus) Close()            {}
func (b *flakyBus) IsConnected() bool { return true }

func (b *flakyBus) setFailing(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = v
}

func (b *flakyBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *flakyBus) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *flakyBus) envelopes() []events.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Envelope, 0, len(b.published))
	for _, e := range b.published {
		if env, ok := e.Data.(events.Envelope); ok {
			out = append(out, env)
		}
	}
	return out
}

func testOutboxConfig() config.OutboxConfig {
	return config.OutboxConfig{
		BatchSize:         100,
		TickMs:            10,
		MaxRetries:        10,
		BackoffScheduleMs: []int{10, 20, 30},
		RetentionHours:    72,
	}
}

func testStreamManager(t *testing.T) *stream.Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	m := stream.NewManager(config.StreamConfig{
		BufferSize: 100, BufferTTLSec: 300, ReaderQueueSize: 64, HeartbeatSec: 30,
	}, log)
	t.Cleanup(m.Close)
	return m
}

func newTestPublisher(t *testing.T, cfg config.OutboxConfig, bus eventbus.EventBus) (*Publisher, repository.Repository, *stream.Manager) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	repo := repository.NewMemoryRepository()
	sm := testStreamManager(t)
	p := NewPublisher(cfg, repo, sm, bus, nil, log)
	p.Start()
	t.Cleanup(p.Stop)
	return p, repo, sm
}

func TestAppendRejectsUnknownEventType(t *testing.T) {
	repo := repository.NewMemoryRepository()
	err := Append(context.Background(), repo, tenant.Scope{UserID: "u1"}, "s1", "session", "s1", "bogus_event", nil)
	require.Error(t, err)
}

func TestCommittedEventReachesStreamAndBus(t *testing.T) {
	bus := &flakyBus{}
	_, repo, sm := newTestPublisher(t, testOutboxConfig(), bus)

	reader := sm.Subscribe("s1", time.Time{})
	defer sm.Unsubscribe(reader)

	scope := tenant.Scope{UserID: "u1"}
	err := repo.Atomic(context.Background(), func(tx repository.Repository) error {
		return Append(context.Background(), tx, scope, "s1", "message", "m1",
			events.MessageCreated, map[string]string{"content": "hi"})
	})
	require.NoError(t, err)

	select {
	case env := <-reader.C:
		assert.Equal(t, events.MessageCreated, env.EventType)
		assert.Equal(t, "s1", env.SessionID)
		assert.NotEmpty(t, env.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the stream")
	}

	require.Eventually(t, func() bool { return bus.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	stats, err := repo.GetOutboxStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.Published)
}

func TestPerSessionOrderPreserved(t *testing.T) {
	bus := &flakyBus{}
	_, repo, sm := newTestPublisher(t, testOutboxConfig(), bus)

	reader := sm.Subscribe("s1", time.Time{})
	defer sm.Unsubscribe(reader)

	scope := tenant.Scope{UserID: "u1"}
	base := time.Now().UTC()
	err := repo.Atomic(context.Background(), func(tx repository.Repository) error {
		for i := 0; i < 5; i++ {
			row := &models.OutboxRow{
				AggregateType: "message",
				AggregateID:   "m",
				SessionID:     "s1",
				EventType:     events.TaskProgress,
				Payload:       []byte(`{}`),
				CreatedAt:     base.Add(time.Duration(i) * time.Millisecond),
			}
			if err := tx.AddOutboxEvent(context.Background(), scope, row); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var got []time.Time
	for i := 0; i < 5; i++ {
		select {
		case env := <-reader.C:
			got = append(got, env.Timestamp)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].After(got[i-1]), "events must be delivered oldest first")
	}
}

func TestPublishRetriedUntilBusRecovers(t *testing.T) {
	bus := &flakyBus{}
	bus.setFailing(true)
	_, repo, _ := newTestPublisher(t, testOutboxConfig(), bus)

	scope := tenant.Scope{UserID: "u1"}
	require.NoError(t, repo.Atomic(context.Background(), func(tx repository.Repository) error {
		return Append(context.Background(), tx, scope, "s1", "message", "m1",
			events.MessageCreated, map[string]string{"content": "hi"})
	}))

	// The row accumulates retries while the broker is down.
	require.Eventually(t, func() bool {
		stats, err := repo.GetOutboxStats(context.Background())
		return err == nil && stats.Pending == 1 && stats.Published == 0
	}, 2*time.Second, 10*time.Millisecond)

	bus.setFailing(false)

	require.Eventually(t, func() bool {
		stats, err := repo.GetOutboxStats(context.Background())
		return err == nil && stats.Published == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, bus.count())
}

func TestRetriedRowHoldsBackNewerSessionRows(t *testing.T) {
	cfg := testOutboxConfig()
	cfg.BackoffScheduleMs = []int{150, 150, 150}
	bus := &flakyBus{}
	bus.setFailing(true)
	_, repo, _ := newTestPublisher(t, cfg, bus)

	scope := tenant.Scope{UserID: "u1"}
	base := time.Now().UTC()
	require.NoError(t, repo.Atomic(context.Background(), func(tx repository.Repository) error {
		for i := 0; i < 2; i++ {
			row := &models.OutboxRow{
				AggregateType: "message",
				AggregateID:   "m",
				SessionID:     "s1",
				EventType:     events.TaskProgress,
				Payload:       []byte(fmt.Sprintf(`{"n":%d}`, i+1)),
				CreatedAt:     base.Add(time.Duration(i) * time.Millisecond),
			}
			if err := tx.AddOutboxEvent(context.Background(), scope, row); err != nil {
				return err
			}
		}
		return nil
	}))

	// Wait for the first row to fail and enter its backoff window, then heal
	// the broker. The second row is due the whole time; it must wait anyway.
	require.Eventually(t, func() bool { return bus.attemptCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	bus.setFailing(false)

	require.Eventually(t, func() bool { return bus.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	envs := bus.envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, `{"n":1}`, string(envs[0].Payload), "older row must reach the bus first")
	assert.Equal(t, `{"n":2}`, string(envs[1].Payload))
}

func TestExhaustedRetriesMarkFailed(t *testing.T) {
	cfg := testOutboxConfig()
	cfg.MaxRetries = 2
	bus := &flakyBus{}
	bus.setFailing(true)
	_, repo, _ := newTestPublisher(t, cfg, bus)

	scope := tenant.Scope{UserID: "u1"}
	require.NoError(t, repo.Atomic(context.Background(), func(tx repository.Repository) error {
		return Append(context.Background(), tx, scope, "s1", "message", "m1",
			events.MessageCreated, map[string]string{"content": "hi"})
	}))

	require.Eventually(t, func() bool {
		stats, err := repo.GetOutboxStats(context.Background())
		return err == nil && stats.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	stats, err := repo.GetOutboxStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Published)
}

func TestWriterEmitSignalsPublisher(t *testing.T) {
	bus := &flakyBus{}
	notify := make(chan struct{}, 1)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	repo := repository.NewMemoryRepository()
	sm := testStreamManager(t)

	cfg := testOutboxConfig()
	cfg.TickMs = 60_000 // effectively disable the tick; only the signal wakes it
	p := NewPublisher(cfg, repo, sm, bus, notify, log)
	p.Start()
	t.Cleanup(p.Stop)

	w := NewWriter(repo, notify)
	require.NoError(t, w.Emit(context.Background(), tenant.Scope{UserID: "u1"}, "s1",
		events.ApprovalTimeout, map[string]string{"approval_id": "a1"}))

	require.Eventually(t, func() bool {
		stats, err := repo.GetOutboxStats(context.Background())
		return err == nil && stats.Published == 1
	}, 2*time.Second, 10*time.Millisecond)
}
