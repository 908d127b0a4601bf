// Package repository defines the storage interface for the coordination core.
// All tenant-owned reads and writes take an explicit tenant scope; rows outside
// the scope produce not-found errors, never forbidden.
package repository

import (
	"context"
	"time"

	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// ListMessagesOptions bounds message pagination.
type ListMessagesOptions struct {
	Limit  int
	Before string // message id cursor, exclusive
}

// OutboxStats is a point-in-time count of outbox rows per status.
type OutboxStats struct {
	Pending   int `db:"pending" json:"pending"`
	Published int `db:"published" json:"published"`
	Failed    int `db:"failed" json:"failed"`
}

// Repository defines storage operations for all coordination entities.
type Repository interface {
	// Atomic runs fn against a transaction-bound repository. Everything fn
	// writes commits or rolls back as a unit. The outbox write and its domain
	// write must share one Atomic call.
	Atomic(ctx context.Context, fn func(Repository) error) error

	// User operations
	EnsureUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	// Project operations
	CreateProject(ctx context.Context, scope tenant.Scope, project *models.Project) error
	GetProject(ctx context.Context, scope tenant.Scope, id string) (*models.Project, error)
	ListProjects(ctx context.Context, scope tenant.Scope) ([]*models.Project, error)
	UpdateProject(ctx context.Context, scope tenant.Scope, project *models.Project) error
	DeleteProject(ctx context.Context, scope tenant.Scope, id string) error

	// Agent operations
	CreateAgent(ctx context.Context, scope tenant.Scope, agent *models.Agent) error
	GetAgent(ctx context.Context, scope tenant.Scope, id string) (*models.Agent, error)
	GetAgentByName(ctx context.Context, scope tenant.Scope, projectID, name string) (*models.Agent, error)
	ListAgents(ctx context.Context, scope tenant.Scope, projectID string) ([]*models.Agent, error)
	UpdateAgent(ctx context.Context, scope tenant.Scope, agent *models.Agent) error
	UpdateAgentStatus(ctx context.Context, scope tenant.Scope, id string, status models.AgentStatus) error
	DeleteAgent(ctx context.Context, scope tenant.Scope, id string) error

	// Session operations
	CreateSession(ctx context.Context, scope tenant.Scope, session *models.Session) error
	GetSession(ctx context.Context, scope tenant.Scope, id string) (*models.Session, error)
	ListSessions(ctx context.Context, scope tenant.Scope, projectID string) ([]*models.Session, error)
	DeleteSession(ctx context.Context, scope tenant.Scope, id string) error

	// Message operations
	CreateMessage(ctx context.Context, scope tenant.Scope, message *models.Message) error
	ListMessages(ctx context.Context, scope tenant.Scope, sessionID string, opts ListMessagesOptions) ([]*models.Message, error)

	// Outbox operations. AddOutboxEvent is tenant-scoped; the publisher-side
	// operations run as the system and see all tenants.
	AddOutboxEvent(ctx context.Context, scope tenant.Scope, row *models.OutboxRow) error
	ClaimPendingOutbox(ctx context.Context, now time.Time, limit int) ([]*models.OutboxRow, error)
	MarkOutboxPublished(ctx context.Context, id string, at time.Time) error
	ScheduleOutboxRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) error
	MarkOutboxFailed(ctx context.Context, id string, lastError string) error
	DeleteOutboxPublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	GetOutboxStats(ctx context.Context) (*OutboxStats, error)

	// Approval operations
	CreateApproval(ctx context.Context, scope tenant.Scope, approval *models.ApprovalRequest) error
	GetApproval(ctx context.Context, scope tenant.Scope, id string) (*models.ApprovalRequest, error)
	ListPendingApprovals(ctx context.Context, scope tenant.Scope) ([]*models.ApprovalRequest, error)
	// ResolveApproval transitions a pending approval to a terminal status.
	// It fails with an already-resolved error if the row is no longer pending.
	ResolveApproval(ctx context.Context, scope tenant.Scope, id string, status models.ApprovalStatus, decision string, at time.Time) error

	// Tool execution operations
	CreateToolExecution(ctx context.Context, scope tenant.Scope, exec *models.ToolExecution) error
	GetToolExecution(ctx context.Context, scope tenant.Scope, id string) (*models.ToolExecution, error)
	ListToolExecutions(ctx context.Context, scope tenant.Scope, sessionID string) ([]*models.ToolExecution, error)
	// TransitionToolExecution moves a tool execution from one status to
	// another, optionally recording a result. The update is conditional on the
	// current status so concurrent transitions cannot race past the state machine.
	TransitionToolExecution(ctx context.Context, scope tenant.Scope, id string, from, to models.ToolExecutionStatus, result []byte) error

	// Close releases storage resources.
	Close() error
}
