// Package models defines the domain entities owned by the coordination core.
// Every entity is exclusively owned by a tenant; repository implementations
// enforce the (user_id, project_id) predicate on all reads and writes.
package models

import (
	"time"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusReady AgentStatus = "ready"
	AgentStatusBusy  AgentStatus = "busy"
	AgentStatusError AgentStatus = "error"
)

// MessageRole is the author role of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// RiskLevel is the closed set of tool risk classifications.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// OutboxStatus is the publication state of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
	OutboxFailed    OutboxStatus = "failed"
)

// ApprovalKind distinguishes what is being approved.
type ApprovalKind string

const (
	ApprovalKindTool          ApprovalKind = "tool"
	ApprovalKindPlan          ApprovalKind = "plan"
	ApprovalKindToolExecution ApprovalKind = "tool_execution"
)

// ApprovalStatus is the lifecycle state of an approval request.
// pending is the only non-terminal state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalTimedOut
}

// ToolExecutionStatus is the lifecycle state of a client-executed tool call.
type ToolExecutionStatus string

const (
	ToolExecPending   ToolExecutionStatus = "pending"
	ToolExecApproved  ToolExecutionStatus = "approved"
	ToolExecRejected  ToolExecutionStatus = "rejected"
	ToolExecExecuting ToolExecutionStatus = "executing"
	ToolExecCompleted ToolExecutionStatus = "completed"
	ToolExecFailed    ToolExecutionStatus = "failed"
	ToolExecTimedOut  ToolExecutionStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s ToolExecutionStatus) Terminal() bool {
	switch s {
	case ToolExecRejected, ToolExecCompleted, ToolExecFailed, ToolExecTimedOut:
		return true
	}
	return false
}

// User is the tenant principal. Identity comes from the token subject;
// the row exists so foreign keys have somewhere to point.
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Project is a tenant-owned grouping of agents and sessions.
// WorkspacePath is an opaque client-side path; the server never dereferences it.
type Project struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	Name          string    `db:"name" json:"name"`
	WorkspacePath string    `db:"workspace_path" json:"workspace_path,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// AgentConfig is the model-facing configuration of an agent.
type AgentConfig struct {
	Model            string   `json:"model"`
	SystemPrompt     string   `json:"system_prompt"`
	Description      string   `json:"description"`
	Temperature      float64  `json:"temperature"`
	MaxTokens        int      `json:"max_tokens"`
	Tools            []string `json:"tools"`
	ConcurrencyLimit int      `json:"concurrency_limit"`
}

// Agent is a tenant-owned executor descriptor. Name is unique per project.
type Agent struct {
	ID        string      `db:"id" json:"id"`
	UserID    string      `db:"user_id" json:"user_id"`
	ProjectID string      `db:"project_id" json:"project_id"`
	Name      string      `db:"name" json:"name"`
	Config    AgentConfig `db:"-" json:"config"`
	Status    AgentStatus `db:"status" json:"status"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

// Session is a chat session bound to exactly one project.
type Session struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Message is an append-only chat message, ordered by (created_at, id).
type Message struct {
	ID        string      `db:"id" json:"id"`
	SessionID string      `db:"session_id" json:"session_id"`
	Role      MessageRole `db:"role" json:"role"`
	Content   string      `db:"content" json:"content"`
	AgentID   *string     `db:"agent_id" json:"agent_id,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

// OutboxRow is a committed event intent awaiting publication.
// Its ID doubles as the public event_id clients dedupe on.
type OutboxRow struct {
	ID            string       `db:"id" json:"id"`
	AggregateType string       `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string       `db:"aggregate_id" json:"aggregate_id"`
	UserID        string       `db:"user_id" json:"user_id"`
	ProjectID     string       `db:"project_id" json:"project_id"`
	SessionID     string       `db:"session_id" json:"session_id"`
	EventType     string       `db:"event_type" json:"event_type"`
	Payload       []byte       `db:"payload" json:"payload"`
	Status        OutboxStatus `db:"status" json:"status"`
	RetryCount    int          `db:"retry_count" json:"retry_count"`
	NextRetryAt   *time.Time   `db:"next_retry_at" json:"next_retry_at,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	PublishedAt   *time.Time   `db:"published_at" json:"published_at,omitempty"`
	LastError     *string      `db:"last_error" json:"last_error,omitempty"`
}

// ApprovalRequest is a pending or resolved consent request. Risk selects the
// expiry deadline; plan approvals use the plan deadline regardless of risk.
type ApprovalRequest struct {
	ID         string         `db:"id" json:"id"`
	UserID     string         `db:"user_id" json:"user_id"`
	SessionID  string         `db:"session_id" json:"session_id"`
	Kind       ApprovalKind   `db:"kind" json:"type"`
	Risk       RiskLevel      `db:"risk" json:"risk"`
	Payload    []byte         `db:"payload" json:"payload"`
	Status     ApprovalStatus `db:"status" json:"status"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	ResolvedAt *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
	Decision   *string        `db:"decision" json:"decision,omitempty"`
}

// ToolExecution tracks a client-executed tool call through its state machine.
// Transitions are strictly monotonic; a posted result is accepted only while
// the status is executing.
type ToolExecution struct {
	ID         string              `db:"id" json:"id"`
	UserID     string              `db:"user_id" json:"user_id"`
	ProjectID  string              `db:"project_id" json:"project_id"`
	AgentID    string              `db:"agent_id" json:"agent_id"`
	SessionID  string              `db:"session_id" json:"session_id"`
	ToolName   string              `db:"tool_name" json:"tool_name"`
	Params     []byte              `db:"params" json:"params"`
	Risk       RiskLevel           `db:"risk" json:"risk"`
	Status     ToolExecutionStatus `db:"status" json:"status"`
	Result     []byte              `db:"result" json:"result,omitempty"`
	ApprovalID *string             `db:"approval_id" json:"approval_id,omitempty"`
	CreatedAt  time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time           `db:"updated_at" json:"updated_at"`
}

// CanTransition reports whether the tool execution state machine permits
// moving from the current status to next. Terminal states admit nothing.
func (t *ToolExecution) CanTransition(next ToolExecutionStatus) bool {
	switch t.Status {
	case ToolExecPending:
		return next == ToolExecApproved || next == ToolExecRejected ||
			next == ToolExecExecuting || next == ToolExecTimedOut
	case ToolExecApproved:
		return next == ToolExecExecuting || next == ToolExecTimedOut
	case ToolExecExecuting:
		return next == ToolExecCompleted || next == ToolExecFailed || next == ToolExecTimedOut
	default:
		return false
	}
}
