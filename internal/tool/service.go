package tool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/approval"
	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// ExecuteRequest is an agent's intent to run a tool on the client.
type ExecuteRequest struct {
	AgentID   string
	ProjectID string
	SessionID string
	ToolName  string
	Params    json.RawMessage
}

// ExecutionResult is what the waiting agent receives once the client has run
// the tool, or the mediation pipeline has ended it without running.
type ExecutionResult struct {
	ExecutionID string
	Status      models.ToolExecutionStatus
	Result      json.RawMessage
}

// waiter is the future an agent task parks on between signal and result.
type waiter struct {
	ch       chan ExecutionResult
	expTimer *time.Timer
}

// Service mediates client-executed tool calls. Validation failures are
// returned to the agent directly; everything that passes policy produces a
// ToolExecution row whose state machine the client drives to completion.
type Service struct {
	cfg       config.ToolConfig
	repo      repository.Repository
	approvals *approval.Manager
	sink      approval.EventSink
	policy    *Policy
	log       *logger.Logger

	mu      sync.Mutex
	waiting map[string]*waiter // keyed by tool execution id
}

// NewService creates the tool mediation service.
func NewService(cfg config.ToolConfig, repo repository.Repository, approvals *approval.Manager, sink approval.EventSink, log *logger.Logger) *Service {
	return &Service{
		cfg:       cfg,
		repo:      repo,
		approvals: approvals,
		sink:      sink,
		policy:    NewPolicy(cfg.Limits),
		log:       log,
		waiting:   make(map[string]*waiter),
	}
}

// Execute runs the full mediation flow on behalf of an agent: validate,
// policy-check, classify, obtain approval unless the call is low risk, signal
// the client, and block until the client posts a result or the execution
// times out. The returned result carries the terminal status.
func (s *Service) Execute(ctx context.Context, scope tenant.Scope, req ExecuteRequest) (ExecutionResult, error) {
	if err := ValidateParams(req.ToolName, req.Params); err != nil {
		return ExecutionResult{}, err
	}
	if err := s.policy.Check(req.ToolName, req.Params); err != nil {
		return ExecutionResult{}, err
	}
	risk := AssessRisk(req.ToolName, req.Params)

	exec := &models.ToolExecution{
		ID:        uuid.New().String(),
		AgentID:   req.AgentID,
		ProjectID: req.ProjectID,
		SessionID: req.SessionID,
		ToolName:  req.ToolName,
		Params:    req.Params,
		Risk:      risk,
		Status:    models.ToolExecPending,
	}

	// The approval is opened first so the execution row carries its id.
	var approvalID string
	if risk != models.RiskLow {
		id, err := s.openApproval(ctx, scope, exec)
		if err != nil {
			return ExecutionResult{}, err
		}
		approvalID = id
		exec.ApprovalID = &approvalID
	}

	if err := s.repo.CreateToolExecution(ctx, scope, exec); err != nil {
		return ExecutionResult{}, err
	}

	if risk != models.RiskLow {
		approved, err := s.approvals.Await(ctx, approvalID)
		if err != nil {
			return ExecutionResult{}, err
		}
		if !approved.Approved {
			status := models.ToolExecRejected
			if approved.TimedOut {
				status = models.ToolExecTimedOut
			}
			if terr := s.repo.TransitionToolExecution(ctx, scope, exec.ID, exec.Status, status, nil); terr != nil {
				s.log.Warn("failed to record tool rejection",
					zap.String("tool_execution_id", exec.ID), zap.Error(terr))
			}
			return ExecutionResult{ExecutionID: exec.ID, Status: status}, nil
		}
		if err := s.repo.TransitionToolExecution(ctx, scope, exec.ID, exec.Status, models.ToolExecApproved, nil); err != nil {
			return ExecutionResult{}, err
		}
		exec.Status = models.ToolExecApproved
	}

	if err := s.repo.TransitionToolExecution(ctx, scope, exec.ID, exec.Status, models.ToolExecExecuting, nil); err != nil {
		return ExecutionResult{}, err
	}
	exec.Status = models.ToolExecExecuting

	w := s.registerWaiter(scope, exec.ID)
	s.emitSignal(ctx, scope, exec)

	select {
	case res := <-w.ch:
		return res, nil
	case <-ctx.Done():
		s.dropWaiter(exec.ID)
		return ExecutionResult{}, apperr.Wrap(apperr.KindCancelled, ctx.Err(),
			"await result for tool execution %s", exec.ID)
	}
}

// SubmitResult ingests the client-posted outcome of a tool execution. Results
// are accepted only while the execution is in the executing state; anything
// else means the pipeline already ended it.
func (s *Service) SubmitResult(ctx context.Context, scope tenant.Scope, executionID string, success bool, result json.RawMessage) error {
	status := models.ToolExecCompleted
	if !success {
		status = models.ToolExecFailed
	}
	if err := s.repo.TransitionToolExecution(ctx, scope, executionID, models.ToolExecExecuting, status, result); err != nil {
		return err
	}

	s.wake(executionID, ExecutionResult{ExecutionID: executionID, Status: status, Result: result})

	exec, err := s.repo.GetToolExecution(ctx, scope, executionID)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"tool_id":   executionID,
		"tool_name": exec.ToolName,
		"status":    status,
	}
	if emitErr := s.sink.Emit(ctx, scope, exec.SessionID, events.ToolResultReceived, payload); emitErr != nil {
		s.log.Warn("failed to emit tool result event",
			zap.String("tool_execution_id", executionID), zap.Error(emitErr))
	}
	return nil
}

// Get returns one tool execution within the tenant scope.
func (s *Service) Get(ctx context.Context, scope tenant.Scope, id string) (*models.ToolExecution, error) {
	return s.repo.GetToolExecution(ctx, scope, id)
}

// List returns the session's tool executions, newest first.
func (s *Service) List(ctx context.Context, scope tenant.Scope, sessionID string) ([]*models.ToolExecution, error) {
	return s.repo.ListToolExecutions(ctx, scope, sessionID)
}

// Definitions exposes the tool catalog for API surfaces.
func (s *Service) Definitions() []Definition {
	return Definitions()
}

// openApproval creates the approval request gating this execution and
// returns its id. The caller awaits the decision separately.
func (s *Service) openApproval(ctx context.Context, scope tenant.Scope, exec *models.ToolExecution) (string, error) {
	payload, err := events.Marshal(map[string]any{
		"tool_execution_id": exec.ID,
		"tool_name":         exec.ToolName,
		"params":            json.RawMessage(exec.Params),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "marshal approval payload")
	}

	req := &models.ApprovalRequest{
		ID:        uuid.New().String(),
		SessionID: exec.SessionID,
		Kind:      models.ApprovalKindToolExecution,
		Risk:      exec.Risk,
		Payload:   payload,
		Status:    models.ApprovalPending,
	}
	created, err := s.approvals.Create(ctx, scope, req)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// registerWaiter installs the result future and arms the execution deadline.
func (s *Service) registerWaiter(scope tenant.Scope, executionID string) *waiter {
	w := &waiter{ch: make(chan ExecutionResult, 1)}
	if s.cfg.ExecutionTimeoutSec > 0 {
		deadline := time.Duration(s.cfg.ExecutionTimeoutSec) * time.Second
		w.expTimer = time.AfterFunc(deadline, func() { s.expire(scope, executionID) })
	}
	s.mu.Lock()
	s.waiting[executionID] = w
	s.mu.Unlock()
	return w
}

// expire times out an execution the client never answered.
func (s *Service) expire(scope tenant.Scope, executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.repo.TransitionToolExecution(ctx, scope, executionID, models.ToolExecExecuting, models.ToolExecTimedOut, nil)
	if err != nil {
		// A concurrent result beat the timer; nothing to do.
		if apperr.Is(err, apperr.KindAlreadyResolved) || apperr.Is(err, apperr.KindNotFound) {
			return
		}
		s.log.Error("failed to time out tool execution",
			zap.String("tool_execution_id", executionID), zap.Error(err))
		return
	}
	s.wake(executionID, ExecutionResult{ExecutionID: executionID, Status: models.ToolExecTimedOut})
}

// wake resolves the future, if anyone is still parked on it.
func (s *Service) wake(executionID string, res ExecutionResult) {
	s.mu.Lock()
	w, ok := s.waiting[executionID]
	if ok {
		delete(s.waiting, executionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if w.expTimer != nil {
		w.expTimer.Stop()
	}
	w.ch <- res
}

func (s *Service) dropWaiter(executionID string) {
	s.mu.Lock()
	w, ok := s.waiting[executionID]
	if ok {
		delete(s.waiting, executionID)
	}
	s.mu.Unlock()
	if ok && w.expTimer != nil {
		w.expTimer.Stop()
	}
}

// emitSignal tells the client to execute the tool locally.
func (s *Service) emitSignal(ctx context.Context, scope tenant.Scope, exec *models.ToolExecution) {
	payload := map[string]any{
		"tool_id":   exec.ID,
		"tool_name": exec.ToolName,
		"params":    json.RawMessage(exec.Params),
		"risk":      exec.Risk,
	}
	if err := s.sink.Emit(ctx, scope, exec.SessionID, events.ToolExecutionSignal, payload); err != nil {
		s.log.Warn("failed to emit tool execution signal",
			zap.String("tool_execution_id", exec.ID), zap.Error(err))
	}
}
