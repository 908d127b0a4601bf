package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// Agent operations

// agentRow carries the JSONB config column alongside the scalar fields.
type agentRow struct {
	models.Agent
	ConfigJSON []byte `db:"config"`
}

func (a *agentRow) toModel() (*models.Agent, error) {
	agent := a.Agent
	if len(a.ConfigJSON) > 0 {
		if err := json.Unmarshal(a.ConfigJSON, &agent.Config); err != nil {
			return nil, fmt.Errorf("failed to deserialize agent config: %w", err)
		}
	}
	return &agent, nil
}

// CreateAgent creates an agent within the tenant scope.
func (r *Repository) CreateAgent(ctx context.Context, scope tenant.Scope, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	if agent.Status == "" {
		agent.Status = models.AgentStatusReady
	}
	agent.UserID = scope.UserID

	configJSON, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize agent config: %w", err)
	}

	_, err = r.ext.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, project_id, name, config, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, agent.ID, agent.UserID, agent.ProjectID, agent.Name, configJSON, agent.Status, agent.CreatedAt)
	return err
}

// GetAgent retrieves an agent by ID within the tenant scope.
func (r *Repository) GetAgent(ctx context.Context, scope tenant.Scope, id string) (*models.Agent, error) {
	row := &agentRow{}
	err := sqlx.GetContext(ctx, r.ext, row, `
		SELECT id, user_id, project_id, name, config, status, created_at
		FROM agents WHERE id = $1 AND user_id = $2
	`, id, scope.UserID)
	if err != nil {
		return nil, mapNotFound(err, "agent %s", id)
	}
	return row.toModel()
}

// GetAgentByName retrieves an agent by its project-unique name.
func (r *Repository) GetAgentByName(ctx context.Context, scope tenant.Scope, projectID, name string) (*models.Agent, error) {
	row := &agentRow{}
	err := sqlx.GetContext(ctx, r.ext, row, `
		SELECT id, user_id, project_id, name, config, status, created_at
		FROM agents WHERE project_id = $1 AND name = $2 AND user_id = $3
	`, projectID, name, scope.UserID)
	if err != nil {
		return nil, mapNotFound(err, "agent %s", name)
	}
	return row.toModel()
}

// ListAgents returns all agents in a project within the tenant scope.
func (r *Repository) ListAgents(ctx context.Context, scope tenant.Scope, projectID string) ([]*models.Agent, error) {
	var rows []*agentRow
	err := sqlx.SelectContext(ctx, r.ext, &rows, `
		SELECT id, user_id, project_id, name, config, status, created_at
		FROM agents WHERE project_id = $1 AND user_id = $2 ORDER BY created_at ASC
	`, projectID, scope.UserID)
	if err != nil {
		return nil, err
	}

	agents := make([]*models.Agent, 0, len(rows))
	for _, row := range rows {
		agent, err := row.toModel()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// UpdateAgent updates an agent's name and config within the tenant scope.
func (r *Repository) UpdateAgent(ctx context.Context, scope tenant.Scope, agent *models.Agent) error {
	configJSON, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize agent config: %w", err)
	}

	res, err := r.ext.ExecContext(ctx, `
		UPDATE agents SET name = $1, config = $2
		WHERE id = $3 AND user_id = $4
	`, agent.Name, configJSON, agent.ID, scope.UserID)
	if err != nil {
		return err
	}
	return requireRow(res, "agent %s", agent.ID)
}

// UpdateAgentStatus sets the lifecycle status of an agent.
func (r *Repository) UpdateAgentStatus(ctx context.Context, scope tenant.Scope, id string, status models.AgentStatus) error {
	res, err := r.ext.ExecContext(ctx, `
		UPDATE agents SET status = $1 WHERE id = $2 AND user_id = $3
	`, status, id, scope.UserID)
	if err != nil {
		return err
	}
	return requireRow(res, "agent %s", id)
}

// DeleteAgent deletes an agent within the tenant scope.
func (r *Repository) DeleteAgent(ctx context.Context, scope tenant.Scope, id string) error {
	res, err := r.ext.ExecContext(ctx, `
		DELETE FROM agents WHERE id = $1 AND user_id = $2
	`, id, scope.UserID)
	if err != nil {
		return err
	}
	return requireRow(res, "agent %s", id)
}
