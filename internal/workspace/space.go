// Package workspace materializes per-(user, project) working sets: a bounded
// agent cache, bus registrations, message routing, and the agent execution
// loop that ties the LLM provider, context memory, and the outbox together.
package workspace

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/bus"
	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
	"github.com/atelier-ai/atelier/internal/llm"
	"github.com/atelier-ai/atelier/internal/memory"
	"github.com/atelier-ai/atelier/internal/outbox"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// cleanupDrainWindow bounds how long Cleanup waits for in-flight tasks
// before cancelling them.
const cleanupDrainWindow = 10 * time.Second

// EventSink receives session events a space emits outside domain
// transactions. The outbox writer implements it.
type EventSink interface {
	Emit(ctx context.Context, scope tenant.Scope, sessionID, eventType string, payload any) error
}

// Deps are the shared collaborators every worker space holds references to.
type Deps struct {
	Cfg  *config.Config
	Repo repository.Repository
	Bus  *bus.AgentBus
	Mem  *memory.Service
	LLM  llm.Provider
	Sink EventSink
	Log  *logger.Logger
}

// HandleRequest is a message entering the space.
type HandleRequest struct {
	SessionID   string
	Content     string
	TargetAgent string // agent name or id; empty routes by relevance
}

// HandleResult reports how a message was dispatched. Response is set only in
// direct mode; orchestrated mode returns once the task is queued.
type HandleResult struct {
	Mode      string `json:"mode"` // direct, orchestrated
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	TaskID    string `json:"task_id"`
	Response  string `json:"response,omitempty"`
}

// Metrics is a point-in-time snapshot of one space.
type Metrics struct {
	UptimeS          float64   `json:"uptime_s"`
	RegisteredAgents int       `json:"registered_agents"`
	CacheSize        int       `json:"cache_size"`
	CacheHitRate     float64   `json:"cache_hit_rate"`
	TaskCounter      uint64    `json:"task_counter"`
	LastActivity     time.Time `json:"last_activity"`
	Issues           []string  `json:"issues"`
}

type turnOutcome struct {
	response string
	err      error
}

// Space is the working set of one (user, project) pair. Distinct pairs share
// no cached state.
type Space struct {
	scope     tenant.Scope
	projectID string
	deps      Deps
	router    *Router
	cache     *agentCache

	mu         sync.Mutex
	registered map[string]bool
	active     map[string]string // task id -> agent id
	closed     bool

	taskCounter  atomic.Uint64
	startTime    time.Time
	lastActivity atomic.Int64 // unix nanos
}

// NewSpace creates a space. Agents register with the bus lazily on first use.
func NewSpace(scope tenant.Scope, projectID string, deps Deps) *Space {
	s := &Space{
		scope:     scope,
		projectID: projectID,
		deps:      deps,
		router:    NewRouter(deps.Mem),
		cache: newAgentCache(
			time.Duration(deps.Cfg.Cache.AgentTTLSec)*time.Second,
			deps.Cfg.Cache.AgentMaxEntries,
		),
		registered: make(map[string]bool),
		active:     make(map[string]string),
		startTime:  time.Now(),
	}
	s.touch()
	return s
}

// GetAgent returns an agent descriptor, cache-first, and ensures the agent is
// registered with the bus.
func (s *Space) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	if agent, ok := s.cache.get(agentID); ok {
		s.ensureRegistered(agent)
		return agent, nil
	}

	agent, err := s.deps.Repo.GetAgent(ctx, s.scope, agentID)
	if err != nil {
		return nil, err
	}
	if agent.ProjectID != s.projectID {
		return nil, apperr.New(apperr.KindNotFound, "agent %s not found", agentID)
	}
	s.cache.put(agent)
	s.ensureRegistered(agent)
	return agent, nil
}

// InvalidateAgent drops an agent from the cache and its bus registration.
// The next use reloads and re-registers it.
func (s *Space) InvalidateAgent(agentID string) {
	s.cache.remove(agentID)
	s.mu.Lock()
	wasRegistered := s.registered[agentID]
	delete(s.registered, agentID)
	s.mu.Unlock()
	if wasRegistered {
		s.deps.Bus.Deregister(agentID)
	}
}

// ClearAgentCache drops all cached descriptors. Registered workers keep
// serving in-flight tasks.
func (s *Space) ClearAgentCache() {
	s.cache.clear()
}

// HandleMessage is the single entry point for session messages. A target
// agent routes directly; otherwise the router picks by relevance.
func (s *Space) HandleMessage(ctx context.Context, req HandleRequest) (*HandleResult, error) {
	if s.isClosed() {
		return nil, apperr.NewCode(apperr.KindCancelled, "worker_space_cleanup",
			"worker space is shutting down")
	}
	s.touch()
	s.taskCounter.Add(1)

	if req.TargetAgent != "" {
		agent, err := s.resolveAgent(ctx, req.TargetAgent)
		if err != nil {
			return nil, err
		}
		return s.directExecution(ctx, agent, req)
	}
	return s.orchestratedExecution(ctx, req)
}

// resolveAgent accepts an agent name or id.
func (s *Space) resolveAgent(ctx context.Context, target string) (*models.Agent, error) {
	agent, err := s.deps.Repo.GetAgentByName(ctx, s.scope, s.projectID, target)
	if err == nil {
		s.cache.put(agent)
		s.ensureRegistered(agent)
		return agent, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}
	return s.GetAgent(ctx, target)
}

// directExecution enqueues the turn on the agent's queue and blocks for the
// reply up to the direct timeout.
func (s *Space) directExecution(ctx context.Context, agent *models.Agent, req HandleRequest) (*HandleResult, error) {
	outcome := make(chan turnOutcome, 1)
	task := s.newTurnTask(agent, req, func(res turnOutcome) {
		select {
		case outcome <- res:
		default:
		}
	})

	s.emit(ctx, req.SessionID, events.DirectCall, map[string]any{
		"agent_id":   agent.ID,
		"task_id":    task.ID,
		"started_at": time.Now().UTC(),
	})

	if err := s.deps.Bus.Submit(task); err != nil {
		return nil, err
	}

	select {
	case res := <-outcome:
		if res.err != nil {
			return nil, res.err
		}
		return &HandleResult{
			Mode:      "direct",
			AgentID:   agent.ID,
			AgentName: agent.Name,
			TaskID:    task.ID,
			Response:  res.response,
		}, nil
	case <-time.After(s.deps.Cfg.Bus.DirectTimeout()):
		return nil, apperr.New(apperr.KindTimeout,
			"agent %s did not reply within %s", agent.Name, s.deps.Cfg.Bus.DirectTimeout())
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindCancelled, ctx.Err(), "direct execution for agent %s", agent.Name)
	}
}

// orchestratedExecution routes the message to the most relevant project agent
// and returns once the task is queued.
func (s *Space) orchestratedExecution(ctx context.Context, req HandleRequest) (*HandleResult, error) {
	agents, err := s.deps.Repo.ListAgents(ctx, s.scope, s.projectID)
	if err != nil {
		return nil, err
	}

	selected, err := s.router.Select(ctx, req.Content, agents, s.freeSlots)
	if err != nil {
		return nil, err
	}
	s.cache.put(selected)
	s.ensureRegistered(selected)

	task := s.newTurnTask(selected, req, nil)

	s.emit(ctx, req.SessionID, events.AgentSwitched, map[string]any{
		"to_agent_id": selected.ID,
		"reason":      "relevance",
	})
	s.emit(ctx, req.SessionID, events.TaskQueued, map[string]any{
		"task_id":  task.ID,
		"agent_id": selected.ID,
	})

	if err := s.deps.Bus.Submit(task); err != nil {
		return nil, err
	}
	return &HandleResult{
		Mode:      "orchestrated",
		AgentID:   selected.ID,
		AgentName: selected.Name,
		TaskID:    task.ID,
	}, nil
}

// newTurnTask wraps one agent turn for the bus. Retriable failures propagate
// so the bus retries; the final outcome is delivered exactly once, both to
// the optional reply callback and as task lifecycle events.
func (s *Space) newTurnTask(agent *models.Agent, req HandleRequest, reply func(turnOutcome)) *bus.Task {
	attempts := 0
	maxAttempts := s.deps.Cfg.Bus.Retry.MaxAttempts

	var task *bus.Task
	task = bus.NewTask(agent.ID, req.SessionID, func(tctx context.Context) error {
		if attempts == 0 {
			s.trackTask(task.ID, agent.ID)
			if reply == nil {
				s.emit(tctx, req.SessionID, events.TaskStarted, map[string]any{
					"task_id":  task.ID,
					"agent_id": agent.ID,
				})
			}
		}
		attempts++

		if s.isClosed() {
			err := apperr.NewCode(apperr.KindCancelled, "worker_space_cleanup", "worker space is shutting down")
			s.finishTask(tctx, task.ID, req.SessionID, reply, turnOutcome{err: err})
			return err
		}

		response, err := s.executeTurn(tctx, agent, task.ID, req)
		if err != nil {
			if apperr.Retriable(err) && attempts < maxAttempts && tctx.Err() == nil {
				return err // the bus retries with backoff
			}
			s.finishTask(tctx, task.ID, req.SessionID, reply, turnOutcome{err: err})
			return err
		}
		s.finishTask(tctx, task.ID, req.SessionID, reply, turnOutcome{response: response})
		return nil
	})
	return task
}

func (s *Space) finishTask(ctx context.Context, taskID, sessionID string, reply func(turnOutcome), res turnOutcome) {
	s.untrackTask(taskID)
	if reply != nil {
		reply(res)
		return
	}
	if res.err != nil {
		s.emit(ctx, sessionID, events.TaskFailed, map[string]any{
			"task_id": taskID,
			"error":   res.err.Error(),
		})
		return
	}
	s.emit(ctx, sessionID, events.TaskCompleted, map[string]any{"task_id": taskID})
}

// executeTurn runs one agent completion: gather history and context, call the
// model, persist the assistant message with its event in one transaction, and
// remember the interaction.
func (s *Space) executeTurn(ctx context.Context, agent *models.Agent, taskID string, req HandleRequest) (string, error) {
	history, err := s.deps.Repo.ListMessages(ctx, s.scope, req.SessionID, repository.ListMessagesOptions{Limit: 50})
	if err != nil {
		return "", err
	}

	collection := memory.CollectionName(s.scope.UserID, s.projectID, agent.Name)
	hits, err := s.deps.Mem.Search(ctx, collection, req.Content, 5, nil)
	if err != nil {
		s.deps.Log.Warn("context search failed",
			zap.String("agent_id", agent.ID), zap.Error(err))
		hits = nil
	}
	if len(hits) > 0 {
		s.emit(ctx, req.SessionID, events.ContextRetrieved, map[string]any{
			"agent_id":  agent.ID,
			"hits":      len(hits),
			"max_score": hits[0].Score,
		})
	}

	resp, err := s.deps.LLM.Complete(ctx, llm.Request{
		Model:       agent.Config.Model,
		System:      buildSystemPrompt(agent, hits),
		Messages:    buildMessages(history, req.Content),
		MaxTokens:   agent.Config.MaxTokens,
		Temperature: agent.Config.Temperature,
	})
	if err != nil {
		return "", err
	}

	agentID := agent.ID
	err = s.deps.Repo.Atomic(ctx, func(tx repository.Repository) error {
		msg := &models.Message{
			SessionID: req.SessionID,
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			AgentID:   &agentID,
		}
		if err := tx.CreateMessage(ctx, s.scope, msg); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, s.scope, req.SessionID, "message", msg.ID,
			events.MessageCreated, map[string]any{
				"message_id": msg.ID,
				"role":       models.RoleAssistant,
				"content":    resp.Content,
				"agent_id":   agent.ID,
				"agent_name": agent.Name,
			})
	})
	if err != nil {
		return "", err
	}
	s.notifyPublisher()

	interaction := fmt.Sprintf("user: %s\nassistant: %s", req.Content, resp.Content)
	if _, err := s.deps.Mem.Add(ctx, collection, interaction, map[string]string{
		"type":    "interaction",
		"task_id": taskID,
		"success": "true",
	}); err != nil {
		s.deps.Log.Warn("failed to store interaction context",
			zap.String("agent_id", agent.ID), zap.Error(err))
	} else {
		s.emit(ctx, req.SessionID, events.ContextStored, map[string]any{"agent_id": agent.ID})
	}

	return resp.Content, nil
}

// SearchContext queries an agent's long-term memory.
func (s *Space) SearchContext(ctx context.Context, agentID, query string, limit int, filters map[string]string) ([]memory.Hit, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	collection := memory.CollectionName(s.scope.UserID, s.projectID, agent.Name)
	return s.deps.Mem.Search(ctx, collection, query, limit, filters)
}

// AddContext appends a record to an agent's long-term memory.
func (s *Space) AddContext(ctx context.Context, agentID, content string, metadata map[string]string) (memory.Record, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return memory.Record{}, err
	}
	collection := memory.CollectionName(s.scope.UserID, s.projectID, agent.Name)
	return s.deps.Mem.Add(ctx, collection, content, metadata)
}

// ClearContext drops an agent's memory collection.
func (s *Space) ClearContext(ctx context.Context, agentID string) error {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return s.deps.Mem.Clear(ctx, memory.CollectionName(s.scope.UserID, s.projectID, agent.Name))
}

// Cleanup drains the space: new messages are refused, in-flight tasks get a
// bounded window to finish, stragglers are cancelled, then all agents are
// deregistered and caches released.
func (s *Space) Cleanup(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	deadline := time.Now().Add(cleanupDrainWindow)
	for time.Now().Before(deadline) && s.activeCount() > 0 {
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(50 * time.Millisecond):
		}
	}

	// Cancel before deregistering: cancellation needs the live queue.
	s.mu.Lock()
	for taskID, agentID := range s.active {
		s.deps.Bus.Cancel(agentID, taskID)
	}
	registered := make([]string, 0, len(s.registered))
	for agentID := range s.registered {
		registered = append(registered, agentID)
	}
	s.registered = make(map[string]bool)
	s.mu.Unlock()

	for _, agentID := range registered {
		s.deps.Bus.Deregister(agentID)
	}
	s.cache.clear()
}

// Reset force-cancels in-flight tasks, cleans up, and reinitializes the
// space for further use.
func (s *Space) Reset(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	for taskID, agentID := range s.active {
		s.deps.Bus.Cancel(agentID, taskID)
	}
	s.mu.Unlock()

	s.Cleanup(ctx)

	s.mu.Lock()
	s.closed = false
	s.active = make(map[string]string)
	s.startTime = time.Now()
	s.mu.Unlock()
	s.taskCounter.Store(0)
	s.touch()
}

// GetMetrics snapshots the space.
func (s *Space) GetMetrics() Metrics {
	s.mu.Lock()
	registered := len(s.registered)
	closed := s.closed
	start := s.startTime
	s.mu.Unlock()

	issues := []string{}
	if closed {
		issues = append(issues, "worker_space_cleanup")
	}
	return Metrics{
		UptimeS:          time.Since(start).Seconds(),
		RegisteredAgents: registered,
		CacheSize:        s.cache.size(),
		CacheHitRate:     s.cache.hitRate(),
		TaskCounter:      s.taskCounter.Load(),
		LastActivity:     time.Unix(0, s.lastActivity.Load()).UTC(),
		Issues:           issues,
	}
}

func (s *Space) ensureRegistered(agent *models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.registered[agent.ID] {
		return
	}
	s.deps.Bus.Register(agent.ID, agent.Config.ConcurrencyLimit)
	s.registered[agent.ID] = true
}

// freeSlots reports an agent's idle worker count for routing tie-breaks.
func (s *Space) freeSlots(agentID string) int {
	status, err := s.deps.Bus.Status(agentID)
	if err != nil {
		return 0
	}
	free := status.Concurrency - status.Running
	if free < 0 {
		return 0
	}
	return free
}

func (s *Space) trackTask(taskID, agentID string) {
	s.mu.Lock()
	s.active[taskID] = agentID
	s.mu.Unlock()
}

func (s *Space) untrackTask(taskID string) {
	s.mu.Lock()
	delete(s.active, taskID)
	s.mu.Unlock()
}

func (s *Space) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Space) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Space) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Space) emit(ctx context.Context, sessionID, eventType string, payload any) {
	if err := s.deps.Sink.Emit(ctx, s.scope, sessionID, eventType, payload); err != nil {
		s.deps.Log.Warn("failed to emit event",
			zap.String("event_type", eventType),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// notifyPublisher nudges the outbox publisher when the sink supports it.
func (s *Space) notifyPublisher() {
	if n, ok := s.deps.Sink.(interface{ Notify() }); ok {
		n.Notify()
	}
}

// buildSystemPrompt folds retrieved context into the agent's system prompt.
func buildSystemPrompt(agent *models.Agent, hits []memory.Hit) string {
	var b strings.Builder
	b.WriteString(agent.Config.SystemPrompt)
	if len(hits) > 0 {
		b.WriteString("\n\nRelevant context from previous interactions:\n")
		for _, hit := range hits {
			b.WriteString("- ")
			b.WriteString(hit.Record.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// buildMessages converts history into model turns, ensuring the current
// message is the final user turn even when it is not yet persisted.
func buildMessages(history []*models.Message, content string) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}
		out = append(out, llm.Message{Role: string(msg.Role), Content: msg.Content})
	}
	if len(out) == 0 || out[len(out)-1].Role != "user" || out[len(out)-1].Content != content {
		out = append(out, llm.Message{Role: "user", Content: content})
	}
	return out
}
