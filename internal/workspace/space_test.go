package workspace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/internal/bus"
	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
	"github.com/atelier-ai/atelier/internal/llm"
	"github.com/atelier-ai/atelier/internal/memory"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// recordingSink captures emitted event types in order.
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Emit(_ context.Context, _ tenant.Scope, _ string, eventType string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
	return nil
}

func (s *recordingSink) has(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	return &config.Config{
		Bus: config.BusConfig{
			DefaultQueueCapacity:   100,
			MaxConcurrencyPerAgent: 10,
			DirectTimeoutMs:        5000,
			HardTimeoutMs:          60000,
			Retry:                  config.BusRetryConfig{MaxAttempts: 3, BaseMs: 1, CapMs: 10},
		},
		Cache: config.CacheConfig{AgentTTLSec: 300, AgentMaxEntries: 256},
	}
}

type fixture struct {
	deps  Deps
	repo  repository.Repository
	fake  *llm.Fake
	sink  *recordingSink
	scope tenant.Scope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	fake := llm.NewFake()
	sink := &recordingSink{}
	repo := repository.NewMemoryRepository()
	cfg := testConfig()
	agentBus := bus.New(cfg.Bus, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = agentBus.Drain(ctx)
	})

	return &fixture{
		deps: Deps{
			Cfg:  cfg,
			Repo: repo,
			Bus:  agentBus,
			Mem:  memory.NewService(memory.NewIndex(), memory.NewHashEmbedder()),
			LLM:  fake,
			Sink: sink,
			Log:  log,
		},
		repo:  repo,
		fake:  fake,
		sink:  sink,
		scope: tenant.Scope{UserID: "u1"},
	}
}

func (f *fixture) seedProject(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.EnsureUser(ctx, &models.User{ID: "u1", Email: "u1@example.com"}))
	require.NoError(t, f.repo.CreateProject(ctx, f.scope, &models.Project{ID: "p1", UserID: "u1", Name: "proj"}))
	require.NoError(t, f.repo.CreateSession(ctx, f.scope, &models.Session{ID: "s1", UserID: "u1", ProjectID: "p1"}))
}

func (f *fixture) seedAgent(t *testing.T, id, name, description string) *models.Agent {
	t.Helper()
	agent := &models.Agent{
		ID: id, UserID: "u1", ProjectID: "p1", Name: name,
		Status: models.AgentStatusReady,
		Config: models.AgentConfig{
			Model:            "fake",
			SystemPrompt:     "You are " + name,
			Description:      description,
			ConcurrencyLimit: 2,
		},
	}
	require.NoError(t, f.repo.CreateAgent(context.Background(), f.scope, agent))
	return agent
}

func TestDirectExecutionReturnsResponse(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	f.seedAgent(t, "a1", "coder", "writes code")
	space := NewSpace(f.scope, "p1", f.deps)

	res, err := space.HandleMessage(context.Background(), HandleRequest{
		SessionID: "s1", Content: "ping", TargetAgent: "coder",
	})
	require.NoError(t, err)
	assert.Equal(t, "direct", res.Mode)
	assert.Equal(t, "a1", res.AgentID)
	assert.Equal(t, "echo: ping", res.Response)
	assert.True(t, f.sink.has(events.DirectCall))

	// The assistant reply is persisted with its agent.
	msgs, err := f.repo.ListMessages(context.Background(), f.scope, "s1", repository.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)
	require.NotNil(t, msgs[0].AgentID)
	assert.Equal(t, "a1", *msgs[0].AgentID)
}

func TestDirectExecutionUnknownAgent(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	space := NewSpace(f.scope, "p1", f.deps)

	_, err := space.HandleMessage(context.Background(), HandleRequest{
		SessionID: "s1", Content: "ping", TargetAgent: "ghost",
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDirectExecutionRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	f.seedAgent(t, "a1", "coder", "writes code")
	f.fake.ScriptError(apperr.New(apperr.KindTransient, "upstream blip"))
	space := NewSpace(f.scope, "p1", f.deps)

	res, err := space.HandleMessage(context.Background(), HandleRequest{
		SessionID: "s1", Content: "ping", TargetAgent: "coder",
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", res.Response)
	assert.Equal(t, 2, f.fake.Calls())
}

func TestDirectExecutionPermanentFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	f.seedAgent(t, "a1", "coder", "writes code")
	f.fake.ScriptError(apperr.New(apperr.KindPermanent, "bad request"))
	space := NewSpace(f.scope, "p1", f.deps)

	_, err := space.HandleMessage(context.Background(), HandleRequest{
		SessionID: "s1", Content: "ping", TargetAgent: "coder",
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPermanent))
	assert.Equal(t, 1, f.fake.Calls())
}

func TestOrchestratedRoutesByRelevance(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	f.seedAgent(t, "a1", "coder", "writes go code and fixes bugs in programs")
	f.seedAgent(t, "a2", "writer", "writes prose essays and marketing copy")
	space := NewSpace(f.scope, "p1", f.deps)

	res, err := space.HandleMessage(context.Background(), HandleRequest{
		SessionID: "s1", Content: "please fix the go code bugs",
	})
	require.NoError(t, err)
	assert.Equal(t, "orchestrated", res.Mode)
	assert.Equal(t, "a1", res.AgentID)
	assert.Empty(t, res.Response)
	assert.True(t, f.sink.has(events.AgentSwitched))
	assert.True(t, f.sink.has(events.TaskQueued))

	// The queued task completes in the background.
	require.Eventually(t, func() bool {
		return f.sink.has(events.TaskCompleted)
	}, 3*time.Second, 10*time.Millisecond)

	msgs, err := f.repo.ListMessages(context.Background(), f.scope, "s1", repository.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a1", *msgs[0].AgentID)
}

func TestOrchestratedWithoutAgentsFails(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	space := NewSpace(f.scope, "p1", f.deps)

	_, err := space.HandleMessage(context.Background(), HandleRequest{
		SessionID: "s1", Content: "anyone there?",
	})
	require.Error(t, err)
	assert.Equal(t, "no_agents_available", apperr.CodeOf(err))
}

func TestInvalidateAgentDeregisters(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	f.seedAgent(t, "a1", "coder", "writes code")
	space := NewSpace(f.scope, "p1", f.deps)

	_, err := space.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	_, err = f.deps.Bus.Status("a1")
	require.NoError(t, err)

	space.InvalidateAgent("a1")
	_, err = f.deps.Bus.Status("a1")
	require.Error(t, err)

	// Next use re-registers.
	_, err = space.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	_, err = f.deps.Bus.Status("a1")
	require.NoError(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	f.seedAgent(t, "a1", "coder", "writes code")
	space := NewSpace(f.scope, "p1", f.deps)
	ctx := context.Background()

	_, err := space.AddContext(ctx, "a1", "the database runs on port 5432", map[string]string{"type": "note"})
	require.NoError(t, err)

	hits, err := space.SearchContext(ctx, "a1", "database port", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Record.Content, "5432")

	require.NoError(t, space.ClearContext(ctx, "a1"))
	hits, err = space.SearchContext(ctx, "a1", "database port", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCleanupRefusesNewWork(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	f.seedAgent(t, "a1", "coder", "writes code")
	space := NewSpace(f.scope, "p1", f.deps)

	_, err := space.GetAgent(context.Background(), "a1")
	require.NoError(t, err)

	space.Cleanup(context.Background())

	_, err = space.HandleMessage(context.Background(), HandleRequest{
		SessionID: "s1", Content: "ping", TargetAgent: "coder",
	})
	require.Error(t, err)
	assert.Equal(t, "worker_space_cleanup", apperr.CodeOf(err))

	// Agents were deregistered.
	_, err = f.deps.Bus.Status("a1")
	require.Error(t, err)
}

func TestResetReinitializes(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	f.seedAgent(t, "a1", "coder", "writes code")
	space := NewSpace(f.scope, "p1", f.deps)

	_, err := space.HandleMessage(context.Background(), HandleRequest{
		SessionID: "s1", Content: "ping", TargetAgent: "coder",
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, space.GetMetrics().TaskCounter)

	space.Reset(context.Background())
	assert.EqualValues(t, 0, space.GetMetrics().TaskCounter)

	// The space serves again after reset.
	res, err := space.HandleMessage(context.Background(), HandleRequest{
		SessionID: "s1", Content: "pong", TargetAgent: "coder",
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: pong", res.Response)
}

func TestMetricsConcurrentWithReset(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	f.seedAgent(t, "a1", "coder", "writes code")
	space := NewSpace(f.scope, "p1", f.deps)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = space.GetMetrics()
		}
	}()
	for i := 0; i < 10; i++ {
		space.Reset(context.Background())
	}
	<-done

	assert.GreaterOrEqual(t, space.GetMetrics().UptimeS, 0.0)
}

func TestMetricsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	f.seedAgent(t, "a1", "coder", "writes code")
	space := NewSpace(f.scope, "p1", f.deps)

	_, err := space.HandleMessage(context.Background(), HandleRequest{
		SessionID: "s1", Content: "ping", TargetAgent: "coder",
	})
	require.NoError(t, err)

	m := space.GetMetrics()
	assert.Equal(t, 1, m.RegisteredAgents)
	assert.Equal(t, 1, m.CacheSize)
	assert.EqualValues(t, 1, m.TaskCounter)
	assert.False(t, m.LastActivity.IsZero())
	assert.Empty(t, m.Issues)
}

func TestAgentCacheTTLAndEviction(t *testing.T) {
	c := newAgentCache(30*time.Millisecond, 2)
	a1 := &models.Agent{ID: "a1"}
	a2 := &models.Agent{ID: "a2"}
	a3 := &models.Agent{ID: "a3"}

	c.put(a1)
	c.put(a2)
	_, ok := c.get("a1")
	require.True(t, ok)

	// a2 is now least recently used; inserting a3 evicts it.
	c.put(a3)
	_, ok = c.get("a2")
	assert.False(t, ok)
	_, ok = c.get("a1")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.get("a1")
	assert.False(t, ok, "entries expire after the TTL")
}
