package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// Tool execution operations

// CreateToolExecution inserts a new tool execution record.
func (r *Repository) CreateToolExecution(ctx context.Context, scope tenant.Scope, exec *models.ToolExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	exec.UserID = scope.UserID
	if exec.Status == "" {
		exec.Status = models.ToolExecPending
	}

	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO tool_executions
			(id, user_id, project_id, agent_id, session_id, tool_name, params,
			 risk, status, approval_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, exec.ID, exec.UserID, exec.ProjectID, exec.AgentID, exec.SessionID,
		exec.ToolName, exec.Params, exec.Risk, exec.Status, exec.ApprovalID,
		exec.CreatedAt, exec.UpdatedAt)
	return err
}

// GetToolExecution retrieves a tool execution by ID within the tenant scope.
func (r *Repository) GetToolExecution(ctx context.Context, scope tenant.Scope, id string) (*models.ToolExecution, error) {
	exec := &models.ToolExecution{}
	err := sqlx.GetContext(ctx, r.ext, exec, `
		SELECT id, user_id, project_id, agent_id, session_id, tool_name, params,
		       risk, status, result, approval_id, created_at, updated_at
		FROM tool_executions WHERE id = $1 AND user_id = $2
	`, id, scope.UserID)
	if err != nil {
		return nil, mapNotFound(err, "tool execution %s", id)
	}
	return exec, nil
}

// ListToolExecutions returns tool executions for a session, oldest first.
func (r *Repository) ListToolExecutions(ctx context.Context, scope tenant.Scope, sessionID string) ([]*models.ToolExecution, error) {
	var execs []*models.ToolExecution
	err := sqlx.SelectContext(ctx, r.ext, &execs, `
		SELECT id, user_id, project_id, agent_id, session_id, tool_name, params,
		       risk, status, result, approval_id, created_at, updated_at
		FROM tool_executions WHERE session_id = $1 AND user_id = $2
		ORDER BY created_at ASC
	`, sessionID, scope.UserID)
	if err != nil {
		return nil, err
	}
	return execs, nil
}

// TransitionToolExecution moves a tool execution from one status to another.
// The WHERE clause pins the expected current status, so a stale caller loses
// the race instead of overwriting a newer state.
func (r *Repository) TransitionToolExecution(ctx context.Context, scope tenant.Scope, id string, from, to models.ToolExecutionStatus, result []byte) error {
	var err error
	var n int64
	if result != nil {
		res, execErr := r.ext.ExecContext(ctx, `
			UPDATE tool_executions SET status = $1, result = $2, updated_at = $3
			WHERE id = $4 AND user_id = $5 AND status = $6
		`, to, result, time.Now().UTC(), id, scope.UserID, from)
		if execErr != nil {
			return execErr
		}
		n, err = res.RowsAffected()
	} else {
		res, execErr := r.ext.ExecContext(ctx, `
			UPDATE tool_executions SET status = $1, updated_at = $2
			WHERE id = $3 AND user_id = $4 AND status = $5
		`, to, time.Now().UTC(), id, scope.UserID, from)
		if execErr != nil {
			return execErr
		}
		n, err = res.RowsAffected()
	}
	if err != nil {
		return err
	}
	if n == 0 {
		current, getErr := r.GetToolExecution(ctx, scope, id)
		if getErr != nil {
			return getErr
		}
		return apperr.New(apperr.KindAlreadyResolved,
			"tool execution %s is %s, cannot move %s -> %s", id, current.Status, from, to)
	}
	return nil
}
