package tool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/internal/approval"
	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// recordingSink captures emitted events instead of writing them anywhere.
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

func testToolConfig() config.ToolConfig {
	return config.ToolConfig{
		Limits:              testLimits(),
		ExecutionTimeoutSec: 60,
	}
}

func newTestService(t *testing.T, cfg config.ToolConfig) (*Service, *approval.Manager, repository.Repository, *recordingSink) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	sink := &recordingSink{}
	approvals := approval.NewManager(config.ApprovalConfig{
		Timeout:              config.ApprovalTimeouts{Low: 0, Medium: 300, High: 600, Plan: 300},
		WarningSec:           60,
		MaxRetriesPerSession: 3,
		RetryCooldownSec:     0,
	}, repo, sink, log)

	svc := NewService(cfg, repo, approvals, sink, log)
	return svc, approvals, repo, sink
}

func executeAsync(svc *Service, scope tenant.Scope, req ExecuteRequest) (<-chan ExecutionResult, <-chan error) {
	resCh := make(chan ExecutionResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := svc.Execute(context.Background(), scope, req)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()
	return resCh, errCh
}

func waitForStatus(t *testing.T, repo repository.Repository, scope tenant.Scope, sessionID string, status models.ToolExecutionStatus) *models.ToolExecution {
	t.Helper()
	var found *models.ToolExecution
	require.Eventually(t, func() bool {
		execs, err := repo.ListToolExecutions(context.Background(), scope, sessionID)
		if err != nil {
			return false
		}
		for _, e := range execs {
			if e.Status == status {
				found = e
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

func TestLowRiskExecutesWithoutApproval(t *testing.T) {
	svc, approvals, repo, sink := newTestService(t, testToolConfig())
	scope := tenant.Scope{UserID: "u1"}

	resCh, errCh := executeAsync(svc, scope, ExecuteRequest{
		AgentID: "a1", ProjectID: "p1", SessionID: "s1",
		ToolName: ReadFile, Params: readParams("main.go"),
	})

	exec := waitForStatus(t, repo, scope, "s1", models.ToolExecExecuting)
	assert.Equal(t, models.RiskLow, exec.Risk)
	assert.Nil(t, exec.ApprovalID)
	assert.Equal(t, 0, approvals.PendingCount())
	assert.True(t, sink.has("tool_execution_signal"))

	result := json.RawMessage(`{"content": "package main"}`)
	require.NoError(t, svc.SubmitResult(context.Background(), scope, exec.ID, true, result))

	select {
	case res := <-resCh:
		assert.Equal(t, models.ToolExecCompleted, res.Status)
		assert.JSONEq(t, string(result), string(res.Result))
	case err := <-errCh:
		t.Fatalf("execute failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("execute never returned")
	}
	assert.True(t, sink.has("tool_result_received"))
}

func TestMediumRiskWaitsForApproval(t *testing.T) {
	svc, approvals, repo, sink := newTestService(t, testToolConfig())
	scope := tenant.Scope{UserID: "u1"}

	params, _ := json.Marshal(map[string]any{"path": "notes.txt", "content": "hello"})
	resCh, errCh := executeAsync(svc, scope, ExecuteRequest{
		AgentID: "a1", ProjectID: "p1", SessionID: "s1",
		ToolName: WriteFile, Params: params,
	})

	// The agent is parked until the user resolves.
	var pending []*models.ApprovalRequest
	require.Eventually(t, func() bool {
		var err error
		pending, err = approvals.Pending(context.Background(), scope)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, sink.has("tool_approval_request"))

	require.NoError(t, approvals.Resolve(context.Background(), scope, pending[0].ID, true, ""))

	exec := waitForStatus(t, repo, scope, "s1", models.ToolExecExecuting)
	require.NoError(t, svc.SubmitResult(context.Background(), scope, exec.ID, true, json.RawMessage(`{"ok": true}`)))

	select {
	case res := <-resCh:
		assert.Equal(t, models.ToolExecCompleted, res.Status)
	case err := <-errCh:
		t.Fatalf("execute failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("execute never returned")
	}
}

func TestRejectedApprovalEndsExecution(t *testing.T) {
	svc, approvals, repo, _ := newTestService(t, testToolConfig())
	scope := tenant.Scope{UserID: "u1"}

	params, _ := json.Marshal(map[string]any{"path": "notes.txt", "content": "hello"})
	resCh, errCh := executeAsync(svc, scope, ExecuteRequest{
		AgentID: "a1", ProjectID: "p1", SessionID: "s1",
		ToolName: WriteFile, Params: params,
	})

	var pending []*models.ApprovalRequest
	require.Eventually(t, func() bool {
		var err error
		pending, err = approvals.Pending(context.Background(), scope)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, approvals.Resolve(context.Background(), scope, pending[0].ID, false, "not today"))

	select {
	case res := <-resCh:
		assert.Equal(t, models.ToolExecRejected, res.Status)
	case err := <-errCh:
		t.Fatalf("execute failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("execute never returned")
	}

	exec := waitForStatus(t, repo, scope, "s1", models.ToolExecRejected)
	assert.Nil(t, exec.Result)
}

func TestResultRejectedUnlessExecuting(t *testing.T) {
	svc, _, repo, _ := newTestService(t, testToolConfig())
	scope := tenant.Scope{UserID: "u1"}

	exec := &models.ToolExecution{
		ID: "te1", AgentID: "a1", ProjectID: "p1", SessionID: "s1",
		ToolName: ReadFile, Params: readParams("main.go"),
		Risk: models.RiskLow, Status: models.ToolExecPending,
	}
	require.NoError(t, repo.CreateToolExecution(context.Background(), scope, exec))

	err := svc.SubmitResult(context.Background(), scope, "te1", true, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAlreadyResolved))
}

func TestValidationFailureCreatesNoExecution(t *testing.T) {
	svc, _, repo, _ := newTestService(t, testToolConfig())
	scope := tenant.Scope{UserID: "u1"}

	_, err := svc.Execute(context.Background(), scope, ExecuteRequest{
		AgentID: "a1", ProjectID: "p1", SessionID: "s1",
		ToolName: ReadFile, Params: json.RawMessage(`{"path": "../etc/passwd"}`),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	execs, err := repo.ListToolExecutions(context.Background(), scope, "s1")
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestExecutionTimesOutWithoutResult(t *testing.T) {
	cfg := testToolConfig()
	cfg.ExecutionTimeoutSec = 1
	svc, _, repo, _ := newTestService(t, cfg)
	scope := tenant.Scope{UserID: "u1"}

	resCh, errCh := executeAsync(svc, scope, ExecuteRequest{
		AgentID: "a1", ProjectID: "p1", SessionID: "s1",
		ToolName: ListDirectory, Params: json.RawMessage(`{}`),
	})

	select {
	case res := <-resCh:
		assert.Equal(t, models.ToolExecTimedOut, res.Status)
	case err := <-errCh:
		t.Fatalf("execute failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("execute never timed out")
	}

	exec := waitForStatus(t, repo, scope, "s1", models.ToolExecTimedOut)

	// A late result is refused.
	err := svc.SubmitResult(context.Background(), scope, exec.ID, true, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAlreadyResolved))
}

func TestCrossTenantExecutionInvisible(t *testing.T) {
	svc, _, repo, _ := newTestService(t, testToolConfig())
	owner := tenant.Scope{UserID: "u1"}
	other := tenant.Scope{UserID: "u2"}

	exec := &models.ToolExecution{
		ID: "te1", AgentID: "a1", ProjectID: "p1", SessionID: "s1",
		ToolName: ReadFile, Params: readParams("main.go"),
		Risk: models.RiskLow, Status: models.ToolExecExecuting,
	}
	require.NoError(t, repo.CreateToolExecution(context.Background(), owner, exec))

	_, err := svc.Get(context.Background(), other, "te1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	err = svc.SubmitResult(context.Background(), other, "te1", true, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
