package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// User operations

// EnsureUser inserts the user row if it does not already exist.
func (r *Repository) EnsureUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO users (id, email, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, user.ID, user.Email, user.CreatedAt)
	return err
}

// GetUser retrieves a user by ID.
func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := sqlx.GetContext(ctx, r.ext, user, `
		SELECT id, email, created_at FROM users WHERE id = $1
	`, id)
	if err != nil {
		return nil, mapNotFound(err, "user %s", id)
	}
	return user, nil
}

// Project operations

// CreateProject creates a project owned by the scope's user.
func (r *Repository) CreateProject(ctx context.Context, scope tenant.Scope, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now
	project.UserID = scope.UserID

	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, name, workspace_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, project.ID, project.UserID, project.Name, project.WorkspacePath, project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID within the tenant scope.
func (r *Repository) GetProject(ctx context.Context, scope tenant.Scope, id string) (*models.Project, error) {
	project := &models.Project{}
	err := sqlx.GetContext(ctx, r.ext, project, `
		SELECT id, user_id, name, workspace_path, created_at, updated_at
		FROM projects WHERE id = $1 AND user_id = $2
	`, id, scope.UserID)
	if err != nil {
		return nil, mapNotFound(err, "project %s", id)
	}
	return project, nil
}

// ListProjects returns all projects owned by the scope's user.
func (r *Repository) ListProjects(ctx context.Context, scope tenant.Scope) ([]*models.Project, error) {
	var projects []*models.Project
	err := sqlx.SelectContext(ctx, r.ext, &projects, `
		SELECT id, user_id, name, workspace_path, created_at, updated_at
		FROM projects WHERE user_id = $1 ORDER BY created_at ASC
	`, scope.UserID)
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// UpdateProject updates a project's mutable fields within the tenant scope.
func (r *Repository) UpdateProject(ctx context.Context, scope tenant.Scope, project *models.Project) error {
	project.UpdatedAt = time.Now().UTC()
	res, err := r.ext.ExecContext(ctx, `
		UPDATE projects SET name = $1, workspace_path = $2, updated_at = $3
		WHERE id = $4 AND user_id = $5
	`, project.Name, project.WorkspacePath, project.UpdatedAt, project.ID, scope.UserID)
	if err != nil {
		return err
	}
	return requireRow(res, "project %s", project.ID)
}

// DeleteProject deletes a project and, via cascade, its agents and sessions.
func (r *Repository) DeleteProject(ctx context.Context, scope tenant.Scope, id string) error {
	res, err := r.ext.ExecContext(ctx, `
		DELETE FROM projects WHERE id = $1 AND user_id = $2
	`, id, scope.UserID)
	if err != nil {
		return err
	}
	return requireRow(res, "project %s", id)
}

// mapNotFound converts sql.ErrNoRows into a tenant-safe not-found error.
// Cross-tenant rows never reach the caller, so missing and foreign rows
// are indistinguishable.
func mapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.KindNotFound, format+" not found", args...)
	}
	return err
}

// requireRow converts a zero-row update or delete into a not-found error.
func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.KindNotFound, format+" not found", args...)
	}
	return nil
}
