package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

type recordedEvent struct {
	SessionID string
	EventType string
}

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Emit(ctx context.Context, scope tenant.Scope, sessionID, eventType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{SessionID: sessionID, EventType: eventType})
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventType
	}
	return out
}

func testApprovalConfig() config.ApprovalConfig {
	return config.ApprovalConfig{
		Timeout:              config.ApprovalTimeouts{Low: 0, Medium: 300, High: 600, Plan: 300},
		WarningSec:           60,
		MaxRetriesPerSession: 3,
		RetryCooldownSec:     0,
	}
}

func newTestManager(t *testing.T, cfg config.ApprovalConfig) (*Manager, *recordingSink) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	sink := &recordingSink{}
	return NewManager(cfg, repository.NewMemoryRepository(), sink, log), sink
}

func TestCreateAndApprove(t *testing.T) {
	m, sink := newTestManager(t, testApprovalConfig())
	scope := tenant.Scope{UserID: "u1"}
	ctx := context.Background()

	approval := &models.ApprovalRequest{
		SessionID: "s1",
		Kind:      models.ApprovalKindTool,
		Risk:      models.RiskHigh,
		Payload:   []byte(`{"tool":"execute_command"}`),
	}
	created, err := m.Create(ctx, scope, approval)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, models.ApprovalPending, created.Status)

	decisionCh := make(chan Decision, 1)
	go func() {
		d, err := m.Await(ctx, created.ID)
		if err == nil {
			decisionCh <- d
		}
	}()

	// Give Await a moment to register before resolving.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Resolve(ctx, scope, created.ID, true, ""))

	select {
	case d := <-decisionCh:
		assert.True(t, d.Approved)
		assert.False(t, d.TimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("decision not delivered")
	}

	stored, err := m.Get(ctx, scope, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, stored.Status)
	assert.Contains(t, sink.types(), "tool_approval_request")
	assert.Contains(t, sink.types(), "approval_resolved")
}

func TestResolveTwiceFails(t *testing.T) {
	m, _ := newTestManager(t, testApprovalConfig())
	scope := tenant.Scope{UserID: "u1"}
	ctx := context.Background()

	created, err := m.Create(ctx, scope, &models.ApprovalRequest{
		SessionID: "s1", Kind: models.ApprovalKindTool, Risk: models.RiskMedium,
		Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	require.NoError(t, m.Resolve(ctx, scope, created.ID, false, "nope"))
	err = m.Resolve(ctx, scope, created.ID, true, "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAlreadyResolved))
}

func TestCrossTenantApprovalInvisible(t *testing.T) {
	m, _ := newTestManager(t, testApprovalConfig())
	ctx := context.Background()

	created, err := m.Create(ctx, tenant.Scope{UserID: "u1"}, &models.ApprovalRequest{
		SessionID: "s1", Kind: models.ApprovalKindTool, Risk: models.RiskMedium,
		Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	_, err = m.Get(ctx, tenant.Scope{UserID: "u2"}, created.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	err = m.Resolve(ctx, tenant.Scope{UserID: "u2"}, created.ID, true, "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestTimeoutResolvesAndEmits(t *testing.T) {
	cfg := testApprovalConfig()
	cfg.Timeout.High = 1 // expire fast
	m, sink := newTestManager(t, cfg)
	scope := tenant.Scope{UserID: "u1"}
	ctx := context.Background()

	created, err := m.Create(ctx, scope, &models.ApprovalRequest{
		SessionID: "s1", Kind: models.ApprovalKindTool, Risk: models.RiskHigh,
		Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	d, err := m.Await(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, d.TimedOut)
	assert.False(t, d.Approved)

	require.Eventually(t, func() bool {
		stored, err := m.Get(ctx, scope, created.ID)
		return err == nil && stored.Status == models.ApprovalTimedOut
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, sink.types(), "approval_timeout")
}

func TestRetryCeilingPerRequest(t *testing.T) {
	m, _ := newTestManager(t, testApprovalConfig())
	scope := tenant.Scope{UserID: "u1"}
	ctx := context.Background()
	payload := []byte(`{"tool_name":"execute_command","params":{"command":"make build"}}`)

	for i := 0; i < 3; i++ {
		created, err := m.Create(ctx, scope, &models.ApprovalRequest{
			SessionID: "s1", Kind: models.ApprovalKindTool, Risk: models.RiskMedium,
			Payload: payload,
		})
		require.NoError(t, err)
		require.NoError(t, m.Resolve(ctx, scope, created.ID, false, "denied"))
	}

	_, err := m.Create(ctx, scope, &models.ApprovalRequest{
		SessionID: "s1", Kind: models.ApprovalKindTool, Risk: models.RiskMedium,
		Payload: payload,
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindMaxRetriesExceeded))

	// A different request shape in the same session is unaffected.
	_, err = m.Create(ctx, scope, &models.ApprovalRequest{
		SessionID: "s1", Kind: models.ApprovalKindTool, Risk: models.RiskMedium,
		Payload: []byte(`{"tool_name":"write_file","params":{"path":"main.go"}}`),
	})
	require.NoError(t, err)

	// Other sessions are unaffected even with the same payload.
	_, err = m.Create(ctx, scope, &models.ApprovalRequest{
		SessionID: "s2", Kind: models.ApprovalKindTool, Risk: models.RiskMedium,
		Payload: payload,
	})
	require.NoError(t, err)
}

func TestRejectionCooldown(t *testing.T) {
	cfg := testApprovalConfig()
	cfg.RetryCooldownSec = 10
	m, _ := newTestManager(t, cfg)
	scope := tenant.Scope{UserID: "u1"}
	ctx := context.Background()

	created, err := m.Create(ctx, scope, &models.ApprovalRequest{
		SessionID: "s1", Kind: models.ApprovalKindTool, Risk: models.RiskMedium,
		Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, m.Resolve(ctx, scope, created.ID, false, "denied"))

	_, err = m.Create(ctx, scope, &models.ApprovalRequest{
		SessionID: "s1", Kind: models.ApprovalKindTool, Risk: models.RiskMedium,
		Payload: []byte(`{}`),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBackpressure))
	assert.Equal(t, "retry_cooldown", apperr.CodeOf(err))

	// The cooldown binds only the rejected request shape.
	_, err = m.Create(ctx, scope, &models.ApprovalRequest{
		SessionID: "s1", Kind: models.ApprovalKindTool, Risk: models.RiskMedium,
		Payload: []byte(`{"tool_name":"read_file"}`),
	})
	require.NoError(t, err)

	// ResetSession clears the ceiling and the cooldown.
	m.ResetSession("s1")
	_, err = m.Create(ctx, scope, &models.ApprovalRequest{
		SessionID: "s1", Kind: models.ApprovalKindTool, Risk: models.RiskMedium,
		Payload: []byte(`{}`),
	})
	require.NoError(t, err)
}
