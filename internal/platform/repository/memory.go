package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// MemoryRepository is an in-memory Repository for tests and database-less
// development. Atomic serializes writers but does not roll back on error.
type MemoryRepository struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	users     map[string]*models.User
	projects  map[string]*models.Project
	agents    map[string]*models.Agent
	sessions  map[string]*models.Session
	messages  map[string][]*models.Message // keyed by session id
	outbox    map[string]*models.OutboxRow
	approvals map[string]*models.ApprovalRequest
	toolExecs map[string]*models.ToolExecution
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:     make(map[string]*models.User),
		projects:  make(map[string]*models.Project),
		agents:    make(map[string]*models.Agent),
		sessions:  make(map[string]*models.Session),
		messages:  make(map[string][]*models.Message),
		outbox:    make(map[string]*models.OutboxRow),
		approvals: make(map[string]*models.ApprovalRequest),
		toolExecs: make(map[string]*models.ToolExecution),
	}
}

// Atomic serializes concurrent transactions. Partial writes are not rolled
// back on error; tests that depend on rollback use the PostgreSQL repository.
func (m *MemoryRepository) Atomic(ctx context.Context, fn func(Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(&txRepository{m})
}

// txRepository marks a transaction-bound view so nested Atomic calls
// don't deadlock on txMu.
type txRepository struct {
	*MemoryRepository
}

func (t *txRepository) Atomic(ctx context.Context, fn func(Repository) error) error {
	return fn(t)
}

// Close releases nothing.
func (m *MemoryRepository) Close() error { return nil }

// User operations

func (m *MemoryRepository) EnsureUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; ok {
		return nil
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *MemoryRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "user %s not found", id)
	}
	clone := *user
	return &clone, nil
}

// Project operations

func (m *MemoryRepository) CreateProject(ctx context.Context, scope tenant.Scope, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now
	project.UserID = scope.UserID
	clone := *project
	m.projects[project.ID] = &clone
	return nil
}

func (m *MemoryRepository) GetProject(ctx context.Context, scope tenant.Scope, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	project, ok := m.projects[id]
	if !ok || !scope.Owns(project.UserID) {
		return nil, apperr.New(apperr.KindNotFound, "project %s not found", id)
	}
	clone := *project
	return &clone, nil
}

func (m *MemoryRepository) ListProjects(ctx context.Context, scope tenant.Scope) ([]*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var projects []*models.Project
	for _, p := range m.projects {
		if scope.Owns(p.UserID) {
			clone := *p
			projects = append(projects, &clone)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

func (m *MemoryRepository) UpdateProject(ctx context.Context, scope tenant.Scope, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.projects[project.ID]
	if !ok || !scope.Owns(existing.UserID) {
		return apperr.New(apperr.KindNotFound, "project %s not found", project.ID)
	}
	existing.Name = project.Name
	existing.WorkspacePath = project.WorkspacePath
	existing.UpdatedAt = time.Now().UTC()
	project.UpdatedAt = existing.UpdatedAt
	return nil
}

func (m *MemoryRepository) DeleteProject(ctx context.Context, scope tenant.Scope, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[id]
	if !ok || !scope.Owns(project.UserID) {
		return apperr.New(apperr.KindNotFound, "project %s not found", id)
	}
	delete(m.projects, id)
	for agentID, agent := range m.agents {
		if agent.ProjectID == id {
			delete(m.agents, agentID)
		}
	}
	for sessionID, session := range m.sessions {
		if session.ProjectID == id {
			delete(m.sessions, sessionID)
			delete(m.messages, sessionID)
		}
	}
	return nil
}

// Agent operations

func (m *MemoryRepository) CreateAgent(ctx context.Context, scope tenant.Scope, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.agents {
		if existing.ProjectID == agent.ProjectID && existing.Name == agent.Name {
			return apperr.New(apperr.KindValidation, "agent name %q already exists in project", agent.Name)
		}
	}
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
	clone := *agent
	m.agents[agent.ID] = &clone
	return nil
}

func (m *MemoryRepository) GetAgent(ctx context.Context, scope tenant.Scope, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok || !scope.Owns(agent.UserID) {
		return nil, apperr.New(apperr.KindNotFound, "agent %s not found", id)
	}
	clone := *agent
	return &clone, nil
}

func (m *MemoryRepository) GetAgentByName(ctx context.Context, scope tenant.Scope, projectID, name string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, agent := range m.agents {
		if agent.ProjectID == projectID && strings.EqualFold(agent.Name, name) && scope.Owns(agent.UserID) {
			clone := *agent
			return &clone, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "agent %s not found", name)
}

func (m *MemoryRepository) ListAgents(ctx context.Context, scope tenant.Scope, projectID string) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var agents []*models.Agent
	for _, agent := range m.agents {
		if agent.ProjectID == projectID && scope.Owns(agent.UserID) {
			clone := *agent
			agents = append(agents, &clone)
		}
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}

func (m *MemoryRepository) UpdateAgent(ctx context.Context, scope tenant.Scope, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.agents[agent.ID]
	if !ok || !scope.Owns(existing.UserID) {
		return apperr.New(apperr.KindNotFound, "agent %s not found", agent.ID)
	}
	existing.Name = agent.Name
	existing.Config = agent.Config
	return nil
}

func (m *MemoryRepository) UpdateAgentStatus(ctx context.Context, scope tenant.Scope, id string, status models.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok || !scope.Owns(agent.UserID) {
		return apperr.New(apperr.KindNotFound, "agent %s not found", id)
	}
	agent.Status = status
	return nil
}

func (m *MemoryRepository) DeleteAgent(ctx context.Context, scope tenant.Scope, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok || !scope.Owns(agent.UserID) {
		return apperr.New(apperr.KindNotFound, "agent %s not found", id)
	}
	delete(m.agents, id)
	return nil
}

// Session operations

func (m *MemoryRepository) CreateSession(ctx context.Context, scope tenant.Scope, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.UserID = scope.UserID
	clone := *session
	m.sessions[session.ID] = &clone
	return nil
}

func (m *MemoryRepository) GetSession(ctx context.Context, scope tenant.Scope, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok || !scope.Owns(session.UserID) {
		return nil, apperr.New(apperr.KindNotFound, "session %s not found", id)
	}
	clone := *session
	return &clone, nil
}

func (m *MemoryRepository) ListSessions(ctx context.Context, scope tenant.Scope, projectID string) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sessions []*models.Session
	for _, session := range m.sessions {
		if session.ProjectID == projectID && scope.Owns(session.UserID) {
			clone := *session
			sessions = append(sessions, &clone)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (m *MemoryRepository) DeleteSession(ctx context.Context, scope tenant.Scope, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok || !scope.Owns(session.UserID) {
		return apperr.New(apperr.KindNotFound, "session %s not found", id)
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

// Message operations

func (m *MemoryRepository) CreateMessage(ctx context.Context, scope tenant.Scope, message *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[message.SessionID]
	if !ok || !scope.Owns(session.UserID) {
		return apperr.New(apperr.KindNotFound, "session %s not found", message.SessionID)
	}
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	clone := *message
	m.messages[message.SessionID] = append(m.messages[message.SessionID], &clone)
	return nil
}

func (m *MemoryRepository) ListMessages(ctx context.Context, scope tenant.Scope, sessionID string, opts ListMessagesOptions) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok || !scope.Owns(session.UserID) {
		return nil, apperr.New(apperr.KindNotFound, "session %s not found", sessionID)
	}

	all := make([]*models.Message, 0, len(m.messages[sessionID]))
	for _, msg := range m.messages[sessionID] {
		clone := *msg
		all = append(all, &clone)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	if opts.Before != "" {
		cut := len(all)
		for i, msg := range all {
			if msg.ID == opts.Before {
				cut = i
				break
			}
		}
		all = all[:cut]
	}

	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Outbox operations

func (m *MemoryRepository) AddOutboxEvent(ctx context.Context, scope tenant.Scope, row *models.OutboxRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	row.UserID = scope.UserID
	row.Status = models.OutboxPending
	clone := *row
	m.outbox[row.ID] = &clone
	return nil
}

func (m *MemoryRepository) ClaimPendingOutbox(ctx context.Context, now time.Time, limit int) ([]*models.OutboxRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pending []*models.OutboxRow
	for _, row := range m.outbox {
		if row.Status == models.OutboxPending {
			pending = append(pending, row)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	// A row waiting out its retry backoff holds back every newer row of its
	// session, so per-session order survives across batches.
	blocked := make(map[string]bool)
	var due []*models.OutboxRow
	for _, row := range pending {
		if blocked[row.SessionID] {
			continue
		}
		if row.NextRetryAt != nil && row.NextRetryAt.After(now) {
			blocked[row.SessionID] = true
			continue
		}
		clone := *row
		due = append(due, &clone)
	}
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryRepository) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.outbox[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "outbox event %s not found", id)
	}
	row.Status = models.OutboxPublished
	published := at
	row.PublishedAt = &published
	row.LastError = nil
	return nil
}

func (m *MemoryRepository) ScheduleOutboxRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.outbox[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "outbox event %s not found", id)
	}
	row.RetryCount = retryCount
	next := nextRetryAt
	row.NextRetryAt = &next
	row.LastError = &lastError
	return nil
}

func (m *MemoryRepository) MarkOutboxFailed(ctx context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.outbox[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "outbox event %s not found", id)
	}
	row.Status = models.OutboxFailed
	row.LastError = &lastError
	return nil
}

func (m *MemoryRepository) DeleteOutboxPublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, row := range m.outbox {
		if row.Status == models.OutboxPublished && row.PublishedAt != nil && row.PublishedAt.Before(cutoff) {
			delete(m.outbox, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) GetOutboxStats(ctx context.Context) (*OutboxStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &OutboxStats{}
	for _, row := range m.outbox {
		switch row.Status {
		case models.OutboxPending:
			stats.Pending++
		case models.OutboxPublished:
			stats.Published++
		case models.OutboxFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Approval operations

func (m *MemoryRepository) CreateApproval(ctx context.Context, scope tenant.Scope, approval *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if approval.ID == "" {
		approval.ID = uuid.New().String()
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now().UTC()
	}
	approval.UserID = scope.UserID
	approval.Status = models.ApprovalPending
	if approval.Risk == "" {
		approval.Risk = models.RiskMedium
	}
	clone := *approval
	m.approvals[approval.ID] = &clone
	return nil
}

func (m *MemoryRepository) GetApproval(ctx context.Context, scope tenant.Scope, id string) (*models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	approval, ok := m.approvals[id]
	if !ok || !scope.Owns(approval.UserID) {
		return nil, apperr.New(apperr.KindNotFound, "approval %s not found", id)
	}
	clone := *approval
	return &clone, nil
}

func (m *MemoryRepository) ListPendingApprovals(ctx context.Context, scope tenant.Scope) ([]*models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var approvals []*models.ApprovalRequest
	for _, approval := range m.approvals {
		if approval.Status == models.ApprovalPending && scope.Owns(approval.UserID) {
			clone := *approval
			approvals = append(approvals, &clone)
		}
	}
	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
	})
	return approvals, nil
}

func (m *MemoryRepository) ResolveApproval(ctx context.Context, scope tenant.Scope, id string, status models.ApprovalStatus, decision string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	approval, ok := m.approvals[id]
	if !ok || !scope.Owns(approval.UserID) {
		return apperr.New(apperr.KindNotFound, "approval %s not found", id)
	}
	if approval.Status != models.ApprovalPending {
		return apperr.New(apperr.KindAlreadyResolved, "approval %s already resolved", id)
	}
	approval.Status = status
	resolved := at
	approval.ResolvedAt = &resolved
	d := decision
	approval.Decision = &d
	return nil
}

// Tool execution operations

func (m *MemoryRepository) CreateToolExecution(ctx context.Context, scope tenant.Scope, exec *models.ToolExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	clone := *exec
	m.toolExecs[exec.ID] = &clone
	return nil
}

func (m *MemoryRepository) GetToolExecution(ctx context.Context, scope tenant.Scope, id string) (*models.ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.toolExecs[id]
	if !ok || !scope.Owns(exec.UserID) {
		return nil, apperr.New(apperr.KindNotFound, "tool execution %s not found", id)
	}
	clone := *exec
	return &clone, nil
}

func (m *MemoryRepository) ListToolExecutions(ctx context.Context, scope tenant.Scope, sessionID string) ([]*models.ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var execs []*models.ToolExecution
	for _, exec := range m.toolExecs {
		if exec.SessionID == sessionID && scope.Owns(exec.UserID) {
			clone := *exec
			execs = append(execs, &clone)
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
	return execs, nil
}

func (m *MemoryRepository) TransitionToolExecution(ctx context.Context, scope tenant.Scope, id string, from, to models.ToolExecutionStatus, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.toolExecs[id]
	if !ok || !scope.Owns(exec.UserID) {
		return apperr.New(apperr.KindNotFound, "tool execution %s not found", id)
	}
	if exec.Status != from {
		return apperr.New(apperr.KindAlreadyResolved,
			"tool execution %s is %s, cannot move %s -> %s", id, exec.Status, from, to)
	}
	exec.Status = to
	if result != nil {
		exec.Result = result
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}
