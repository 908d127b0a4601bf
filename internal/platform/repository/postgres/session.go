package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// Session operations

// CreateSession creates a session within the tenant scope.
func (r *Repository) CreateSession(ctx context.Context, scope tenant.Scope, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.UserID = scope.UserID

	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, project_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, session.ID, session.UserID, session.ProjectID, session.CreatedAt)
	return err
}

// GetSession retrieves a session by ID within the tenant scope.
func (r *Repository) GetSession(ctx context.Context, scope tenant.Scope, id string) (*models.Session, error) {
	session := &models.Session{}
	err := sqlx.GetContext(ctx, r.ext, session, `
		SELECT id, user_id, project_id, created_at
		FROM sessions WHERE id = $1 AND user_id = $2
	`, id, scope.UserID)
	if err != nil {
		return nil, mapNotFound(err, "session %s", id)
	}
	return session, nil
}

// ListSessions returns all sessions in a project within the tenant scope.
func (r *Repository) ListSessions(ctx context.Context, scope tenant.Scope, projectID string) ([]*models.Session, error) {
	var sessions []*models.Session
	err := sqlx.SelectContext(ctx, r.ext, &sessions, `
		SELECT id, user_id, project_id, created_at
		FROM sessions WHERE project_id = $1 AND user_id = $2 ORDER BY created_at ASC
	`, projectID, scope.UserID)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession deletes a session and its messages within the tenant scope.
func (r *Repository) DeleteSession(ctx context.Context, scope tenant.Scope, id string) error {
	res, err := r.ext.ExecContext(ctx, `
		DELETE FROM sessions WHERE id = $1 AND user_id = $2
	`, id, scope.UserID)
	if err != nil {
		return err
	}
	return requireRow(res, "session %s", id)
}

// Message operations

// CreateMessage appends a message to a session. The session must already be
// visible within the scope; callers verify that before writing.
func (r *Repository) CreateMessage(ctx context.Context, scope tenant.Scope, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	res, err := r.ext.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, agent_id, created_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $2 AND user_id = $7)
	`, message.ID, message.SessionID, message.Role, message.Content, message.AgentID, message.CreatedAt, scope.UserID)
	if err != nil {
		return err
	}
	return requireRow(res, "session %s", message.SessionID)
}

// ListMessages returns messages for a session in (created_at, id) order.
// A Before cursor pages backwards through history.
func (r *Repository) ListMessages(ctx context.Context, scope tenant.Scope, sessionID string, opts repository.ListMessagesOptions) ([]*models.Message, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var messages []*models.Message
	var err error
	if opts.Before != "" {
		err = sqlx.SelectContext(ctx, r.ext, &messages, `
			SELECT m.id, m.session_id, m.role, m.content, m.agent_id, m.created_at
			FROM messages m
			JOIN sessions s ON s.id = m.session_id
			WHERE m.session_id = $1 AND s.user_id = $2
			  AND (m.created_at, m.id) < (SELECT created_at, id FROM messages WHERE id = $3)
			ORDER BY m.created_at ASC, m.id ASC
			LIMIT $4
		`, sessionID, scope.UserID, opts.Before, limit)
	} else {
		err = sqlx.SelectContext(ctx, r.ext, &messages, `
			SELECT m.id, m.session_id, m.role, m.content, m.agent_id, m.created_at
			FROM messages m
			JOIN sessions s ON s.id = m.session_id
			WHERE m.session_id = $1 AND s.user_id = $2
			ORDER BY m.created_at ASC, m.id ASC
			LIMIT $3
		`, sessionID, scope.UserID, limit)
	}
	if err != nil {
		return nil, err
	}
	return messages, nil
}
