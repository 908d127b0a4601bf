// Package platform exposes the tenant-facing CRUD and messaging surface:
// projects, agents, sessions, messages, approvals, and the health and
// metrics snapshots, all routed through the worker space registry.
package platform

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/approval"
	"github.com/atelier-ai/atelier/internal/bus"
	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
	"github.com/atelier-ai/atelier/internal/memory"
	"github.com/atelier-ai/atelier/internal/outbox"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/stream"
	"github.com/atelier-ai/atelier/internal/tenant"
	"github.com/atelier-ai/atelier/internal/workspace"
)

// starterAgent seeds a new project with a ready-to-use agent.
type starterAgent struct {
	name        string
	description string
	prompt      string
	temperature float64
	maxTokens   int
}

var starterPack = []starterAgent{
	{
		name:        "coder",
		description: "writes, refactors, and debugs code across languages",
		prompt:      "You are a senior software engineer. Write clear, tested, idiomatic code and explain trade-offs briefly.",
		temperature: 0.2,
		maxTokens:   4096,
	},
	{
		name:        "analyzer",
		description: "analyzes data, logs, and systems to find patterns and root causes",
		prompt:      "You are a systems analyst. Reason step by step, cite the evidence you use, and state confidence in conclusions.",
		temperature: 0.3,
		maxTokens:   4096,
	},
	{
		name:        "writer",
		description: "writes prose, documentation, and long-form content",
		prompt:      "You are a professional writer. Produce clear, well-structured prose matched to the requested audience and tone.",
		temperature: 0.7,
		maxTokens:   4096,
	},
	{
		name:        "researcher",
		description: "researches topics, summarizes sources, and compares options",
		prompt:      "You are a research assistant. Summarize faithfully, distinguish facts from speculation, and surface open questions.",
		temperature: 0.5,
		maxTokens:   4096,
	},
}

// Service implements the tenant-facing operations over the repository and the
// coordination singletons.
type Service struct {
	cfg       *config.Config
	repo      repository.Repository
	registry  *workspace.Registry
	approvals *approval.Manager
	mem       *memory.Service
	bus       *bus.AgentBus
	streams   *stream.Manager
	sink      workspace.EventSink
	log       *logger.Logger
}

// NewService wires the platform service.
func NewService(
	cfg *config.Config,
	repo repository.Repository,
	registry *workspace.Registry,
	approvals *approval.Manager,
	mem *memory.Service,
	agentBus *bus.AgentBus,
	streams *stream.Manager,
	sink workspace.EventSink,
	log *logger.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		repo:      repo,
		registry:  registry,
		approvals: approvals,
		mem:       mem,
		bus:       agentBus,
		streams:   streams,
		sink:      sink,
		log:       log,
	}
}

// CreateProjectInput is the caller-supplied part of a new project.
type CreateProjectInput struct {
	Name          string `json:"name" binding:"required"`
	WorkspacePath string `json:"workspace_path"`
}

// CreateProject creates a project and seeds it with the starter agents.
// Each starter agent's context collection is primed with its profile so
// relevance routing works before any interaction is stored.
func (s *Service) CreateProject(ctx context.Context, scope tenant.Scope, in CreateProjectInput) (*models.Project, error) {
	if in.Name == "" {
		return nil, apperr.New(apperr.KindValidation, "project name must not be empty")
	}
	if err := s.repo.EnsureUser(ctx, &models.User{ID: scope.UserID}); err != nil {
		return nil, err
	}

	project := &models.Project{
		ID:            uuid.New().String(),
		UserID:        scope.UserID,
		Name:          in.Name,
		WorkspacePath: in.WorkspacePath,
	}
	if err := s.repo.CreateProject(ctx, scope, project); err != nil {
		return nil, err
	}

	for _, sa := range starterPack {
		agent := &models.Agent{
			ID:        uuid.New().String(),
			UserID:    scope.UserID,
			ProjectID: project.ID,
			Name:      sa.name,
			Status:    models.AgentStatusReady,
			Config: models.AgentConfig{
				Model:            s.cfg.LLM.Model,
				SystemPrompt:     sa.prompt,
				Description:      sa.description,
				Temperature:      sa.temperature,
				MaxTokens:        sa.maxTokens,
				ConcurrencyLimit: 2,
			},
		}
		if err := s.repo.CreateAgent(ctx, scope, agent); err != nil {
			return nil, err
		}
		collection := memory.CollectionName(scope.UserID, project.ID, agent.Name)
		if _, err := s.mem.Add(ctx, collection, sa.description, map[string]string{"type": "profile"}); err != nil {
			s.log.Warn("failed to prime agent collection",
				zap.String("agent", agent.Name), zap.Error(err))
		}
	}

	s.log.Info("project created",
		zap.String("project_id", project.ID),
		zap.String("user_id", scope.UserID))
	return project, nil
}

// GetProject returns one project in the scope.
func (s *Service) GetProject(ctx context.Context, scope tenant.Scope, id string) (*models.Project, error) {
	return s.repo.GetProject(ctx, scope, id)
}

// ListProjects returns the scope's projects.
func (s *Service) ListProjects(ctx context.Context, scope tenant.Scope) ([]*models.Project, error) {
	return s.repo.ListProjects(ctx, scope)
}

// UpdateProjectInput carries the mutable project fields.
type UpdateProjectInput struct {
	Name          *string `json:"name"`
	WorkspacePath *string `json:"workspace_path"`
}

// UpdateProject applies a partial update.
func (s *Service) UpdateProject(ctx context.Context, scope tenant.Scope, id string, in UpdateProjectInput) (*models.Project, error) {
	project, err := s.repo.GetProject(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		if *in.Name == "" {
			return nil, apperr.New(apperr.KindValidation, "project name must not be empty")
		}
		project.Name = *in.Name
	}
	if in.WorkspacePath != nil {
		project.WorkspacePath = *in.WorkspacePath
	}
	if err := s.repo.UpdateProject(ctx, scope, project); err != nil {
		return nil, err
	}
	return project, nil
}

// DeleteProject drains the project's worker space, drops agent context
// collections, and cascades the rows.
func (s *Service) DeleteProject(ctx context.Context, scope tenant.Scope, id string) error {
	agents, err := s.repo.ListAgents(ctx, scope, id)
	if err != nil {
		return err
	}

	s.registry.Remove(ctx, scope, id)

	for _, agent := range agents {
		collection := memory.CollectionName(scope.UserID, id, agent.Name)
		if err := s.mem.Clear(ctx, collection); err != nil {
			s.log.Warn("failed to drop agent collection",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	return s.repo.DeleteProject(ctx, scope, id)
}

// CreateAgentInput is the caller-supplied part of a new agent.
type CreateAgentInput struct {
	Name   string             `json:"name" binding:"required"`
	Config models.AgentConfig `json:"config"`
}

// CreateAgent creates an agent in a project. Missing config fields fall back
// to the platform defaults.
func (s *Service) CreateAgent(ctx context.Context, scope tenant.Scope, projectID string, in CreateAgentInput) (*models.Agent, error) {
	if in.Name == "" {
		return nil, apperr.New(apperr.KindValidation, "agent name must not be empty")
	}
	if _, err := s.repo.GetProject(ctx, scope, projectID); err != nil {
		return nil, err
	}

	cfg := in.Config
	if cfg.Model == "" {
		cfg.Model = s.cfg.LLM.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 2
	}

	agent := &models.Agent{
		ID:        uuid.New().String(),
		UserID:    scope.UserID,
		ProjectID: projectID,
		Name:      in.Name,
		Status:    models.AgentStatusReady,
		Config:    cfg,
	}
	if err := s.repo.CreateAgent(ctx, scope, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgent returns one agent in the scope.
func (s *Service) GetAgent(ctx context.Context, scope tenant.Scope, id string) (*models.Agent, error) {
	return s.repo.GetAgent(ctx, scope, id)
}

// ListAgents returns a project's agents.
func (s *Service) ListAgents(ctx context.Context, scope tenant.Scope, projectID string) ([]*models.Agent, error) {
	if _, err := s.repo.GetProject(ctx, scope, projectID); err != nil {
		return nil, err
	}
	return s.repo.ListAgents(ctx, scope, projectID)
}

// UpdateAgentInput carries the mutable agent fields.
type UpdateAgentInput struct {
	Name   *string             `json:"name"`
	Config *models.AgentConfig `json:"config"`
}

// UpdateAgent applies a partial update and invalidates the cached descriptor
// so the next task sees the new configuration.
func (s *Service) UpdateAgent(ctx context.Context, scope tenant.Scope, id string, in UpdateAgentInput) (*models.Agent, error) {
	agent, err := s.repo.GetAgent(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		if *in.Name == "" {
			return nil, apperr.New(apperr.KindValidation, "agent name must not be empty")
		}
		agent.Name = *in.Name
	}
	if in.Config != nil {
		agent.Config = *in.Config
	}
	if err := s.repo.UpdateAgent(ctx, scope, agent); err != nil {
		return nil, err
	}
	if space := s.registry.Get(scope, agent.ProjectID); space != nil {
		space.InvalidateAgent(agent.ID)
	}
	return agent, nil
}

// DeleteAgent removes an agent, its bus registration, and its context.
func (s *Service) DeleteAgent(ctx context.Context, scope tenant.Scope, id string) error {
	agent, err := s.repo.GetAgent(ctx, scope, id)
	if err != nil {
		return err
	}
	if space := s.registry.Get(scope, agent.ProjectID); space != nil {
		space.InvalidateAgent(agent.ID)
	}
	collection := memory.CollectionName(scope.UserID, agent.ProjectID, agent.Name)
	if err := s.mem.Clear(ctx, collection); err != nil {
		s.log.Warn("failed to drop agent collection",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
	return s.repo.DeleteAgent(ctx, scope, id)
}

// CreateSession opens a chat session in a project.
func (s *Service) CreateSession(ctx context.Context, scope tenant.Scope, projectID string) (*models.Session, error) {
	if _, err := s.repo.GetProject(ctx, scope, projectID); err != nil {
		return nil, err
	}
	session := &models.Session{
		ID:        uuid.New().String(),
		UserID:    scope.UserID,
		ProjectID: projectID,
	}
	if err := s.repo.CreateSession(ctx, scope, session); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession returns one session in the scope.
func (s *Service) GetSession(ctx context.Context, scope tenant.Scope, id string) (*models.Session, error) {
	return s.repo.GetSession(ctx, scope, id)
}

// ListSessions returns a project's sessions.
func (s *Service) ListSessions(ctx context.Context, scope tenant.Scope, projectID string) ([]*models.Session, error) {
	if _, err := s.repo.GetProject(ctx, scope, projectID); err != nil {
		return nil, err
	}
	return s.repo.ListSessions(ctx, scope, projectID)
}

// DeleteSession removes a session and releases its approval retry history.
func (s *Service) DeleteSession(ctx context.Context, scope tenant.Scope, id string) error {
	if _, err := s.repo.GetSession(ctx, scope, id); err != nil {
		return err
	}
	if err := s.repo.DeleteSession(ctx, scope, id); err != nil {
		return err
	}
	s.approvals.ResetSession(id)
	s.streams.Reset(id)
	return nil
}

// SendMessageInput is one inbound user message.
type SendMessageInput struct {
	Content     string `json:"content" binding:"required"`
	TargetAgent string `json:"target_agent"`
}

// SendMessage persists the user message with its event in one transaction,
// then hands the content to the session's worker space. Direct mode blocks
// for the agent reply; orchestrated mode returns once the task is queued.
func (s *Service) SendMessage(ctx context.Context, scope tenant.Scope, sessionID string, in SendMessageInput) (*workspace.HandleResult, error) {
	if in.Content == "" {
		return nil, apperr.New(apperr.KindValidation, "message content must not be empty")
	}
	session, err := s.repo.GetSession(ctx, scope, sessionID)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   in.Content,
	}
	err = s.repo.Atomic(ctx, func(tx repository.Repository) error {
		if err := tx.CreateMessage(ctx, scope, msg); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, scope, sessionID, "message", msg.ID,
			events.MessageCreated, map[string]any{
				"message_id": msg.ID,
				"role":       models.RoleUser,
				"content":    in.Content,
			})
	})
	if err != nil {
		return nil, err
	}
	s.notifyPublisher()

	space, err := s.registry.GetOrCreate(ctx, scope, session.ProjectID)
	if err != nil {
		return nil, err
	}
	return space.HandleMessage(ctx, workspace.HandleRequest{
		SessionID:   sessionID,
		Content:     in.Content,
		TargetAgent: in.TargetAgent,
	})
}

// ListMessages returns a session's messages, oldest first, with cursor
// pagination.
func (s *Service) ListMessages(ctx context.Context, scope tenant.Scope, sessionID string, opts repository.ListMessagesOptions) ([]*models.Message, error) {
	if _, err := s.repo.GetSession(ctx, scope, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, scope, sessionID, opts)
}

// PendingApprovals lists the scope's unresolved approvals.
func (s *Service) PendingApprovals(ctx context.Context, scope tenant.Scope) ([]*models.ApprovalRequest, error) {
	return s.approvals.Pending(ctx, scope)
}

// ResolveApproval records the user's decision on one approval.
func (s *Service) ResolveApproval(ctx context.Context, scope tenant.Scope, id string, approved bool, reason string) error {
	return s.approvals.Resolve(ctx, scope, id, approved, reason)
}

// SearchAgentContext queries an agent's long-term memory.
func (s *Service) SearchAgentContext(ctx context.Context, scope tenant.Scope, agentID, query string, limit int) ([]memory.Hit, error) {
	if query == "" {
		return nil, apperr.New(apperr.KindValidation, "query must not be empty")
	}
	space, err := s.spaceForAgent(ctx, scope, agentID)
	if err != nil {
		return nil, err
	}
	return space.SearchContext(ctx, agentID, query, limit, nil)
}

// AddAgentContext appends a record to an agent's long-term memory.
func (s *Service) AddAgentContext(ctx context.Context, scope tenant.Scope, agentID, content string, metadata map[string]string) (memory.Record, error) {
	space, err := s.spaceForAgent(ctx, scope, agentID)
	if err != nil {
		return memory.Record{}, err
	}
	return space.AddContext(ctx, agentID, content, metadata)
}

// ClearAgentContext drops an agent's memory collection.
func (s *Service) ClearAgentContext(ctx context.Context, scope tenant.Scope, agentID string) error {
	space, err := s.spaceForAgent(ctx, scope, agentID)
	if err != nil {
		return err
	}
	return space.ClearContext(ctx, agentID)
}

func (s *Service) spaceForAgent(ctx context.Context, scope tenant.Scope, agentID string) (*workspace.Space, error) {
	agent, err := s.repo.GetAgent(ctx, scope, agentID)
	if err != nil {
		return nil, err
	}
	return s.registry.GetOrCreate(ctx, scope, agent.ProjectID)
}

// ProjectMetrics is the per-project operational snapshot.
type ProjectMetrics struct {
	Workspace *workspace.Metrics `json:"workspace,omitempty"`
	Bus       bus.Metrics        `json:"bus"`
}

// GetProjectMetrics snapshots a project's worker space and the shared bus.
// A project whose space has not materialized reports bus metrics only.
func (s *Service) GetProjectMetrics(ctx context.Context, scope tenant.Scope, projectID string) (*ProjectMetrics, error) {
	if _, err := s.repo.GetProject(ctx, scope, projectID); err != nil {
		return nil, err
	}
	out := &ProjectMetrics{Bus: s.bus.Metrics()}
	if space := s.registry.Get(scope, projectID); space != nil {
		m := space.GetMetrics()
		out.Workspace = &m
	}
	return out, nil
}

// Health is the liveness snapshot served at /healthz.
type Health struct {
	Status           string               `json:"status"` // ok, degraded
	Database         string               `json:"database"`
	WorkerSpaces     int                  `json:"worker_spaces"`
	PendingApprovals int                  `json:"pending_approvals"`
	Outbox           *repository.OutboxStats `json:"outbox,omitempty"`
	Bus              bus.Metrics          `json:"bus"`
	Streams          stream.Stats         `json:"streams"`
	CheckedAt        time.Time            `json:"checked_at"`
}

// GetHealth probes storage and snapshots the coordination singletons.
func (s *Service) GetHealth(ctx context.Context) *Health {
	h := &Health{
		Status:           "ok",
		Database:         "ok",
		WorkerSpaces:     s.registry.Count(),
		PendingApprovals: s.approvals.PendingCount(),
		Bus:              s.bus.Metrics(),
		Streams:          s.streams.Stats(),
		CheckedAt:        time.Now().UTC(),
	}
	stats, err := s.repo.GetOutboxStats(ctx)
	if err != nil {
		h.Status = "degraded"
		h.Database = err.Error()
		return h
	}
	h.Outbox = stats
	if stats.Failed > 0 {
		h.Status = "degraded"
	}
	return h
}

// notifyPublisher nudges the outbox publisher when the sink supports it.
func (s *Service) notifyPublisher() {
	if n, ok := s.sink.(interface{ Notify() }); ok {
		n.Notify()
	}
}
