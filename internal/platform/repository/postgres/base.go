// Package postgres provides the PostgreSQL repository implementation.
package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/atelier-ai/atelier/internal/common/database"
	"github.com/atelier-ai/atelier/internal/platform/repository"
)

// Repository provides PostgreSQL-backed storage operations.
// A transaction-bound instance shares the outer instance's schema and
// serves exactly one Atomic call.
type Repository struct {
	db  *database.DB    // nil when transaction-bound
	ext sqlx.ExtContext // the pool, or the active transaction
}

// New creates a repository on the given connection pool and initializes the schema.
func New(db *database.DB) (*Repository, error) {
	repo := &Repository{db: db, ext: db.Sqlx()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Atomic runs fn against a transaction-bound repository. Nested calls reuse
// the enclosing transaction.
func (r *Repository) Atomic(ctx context.Context, fn func(repository.Repository) error) error {
	if r.db == nil {
		return fn(r)
	}
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&Repository{ext: tx})
	})
}

// Close closes the underlying pool. Transaction-bound instances are no-ops.
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// initSchema creates the tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initTenantSchema(); err != nil {
		return err
	}
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.initOutboxSchema(); err != nil {
		return err
	}
	return r.initMediationSchema()
}

func (r *Repository) initTenantSchema() error {
	_, err := r.db.Sqlx().Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		workspace_path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		config JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'ready',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE(project_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_projects_user_id ON projects(user_id);
	CREATE INDEX IF NOT EXISTS idx_agents_project_id ON agents(project_id);
	CREATE INDEX IF NOT EXISTS idx_agents_user_id ON agents(user_id);
	`)
	return err
}

func (r *Repository) initSessionSchema() error {
	_, err := r.db.Sqlx().Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		agent_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at, id);
	`)
	return err
}

func (r *Repository) initOutboxSchema() error {
	_, err := r.db.Sqlx().Exec(`
	CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox_events(created_at) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_outbox_published_at
		ON outbox_events(published_at) WHERE status = 'published';
	`)
	return err
}

func (r *Repository) initMediationSchema() error {
	_, err := r.db.Sqlx().Exec(`
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		risk TEXT NOT NULL DEFAULT 'medium',
		payload JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		decision TEXT
	);

	CREATE TABLE IF NOT EXISTS tool_executions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		params JSONB NOT NULL DEFAULT '{}',
		risk TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		result JSONB,
		approval_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_user_pending
		ON approvals(user_id, created_at) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_tool_executions_session ON tool_executions(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_tool_executions_user ON tool_executions(user_id);
	`)
	return err
}
