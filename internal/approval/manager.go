// Package approval manages human consent requests: creation, resolution,
// risk-based expiry, and the per-session retry ceiling after rejections.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// EventSink receives events the manager wants delivered to session streams.
// The outbox writer implements it.
type EventSink interface {
	Emit(ctx context.Context, scope tenant.Scope, sessionID, eventType string, payload any) error
}

// Decision is the outcome delivered to a waiting requester.
type Decision struct {
	Approved bool
	Reason   string
	TimedOut bool
}

// pendingEntry tracks one in-flight request and its timers.
type pendingEntry struct {
	approval   *models.ApprovalRequest
	scope      tenant.Scope
	responseCh chan Decision
	warnTimer  *time.Timer
	expTimer   *time.Timer
}

// retryState tracks rejections of one request shape within a session so
// agents cannot grind users down with immediate re-asks. Rejecting one tool
// call does not penalize unrelated requests in the same session.
type retryState struct {
	rejections     int
	lastResolvedAt time.Time
}

// retryKeyFor digests the request shape: same session, kind and payload share
// a key; a different tool or different params starts a fresh ceiling.
func retryKeyFor(a *models.ApprovalRequest) string {
	sum := sha256.Sum256(append([]byte(a.Kind), a.Payload...))
	return a.SessionID + "|" + hex.EncodeToString(sum[:8])
}

// Manager coordinates approval requests between agents and users.
type Manager struct {
	cfg  config.ApprovalConfig
	repo repository.Repository
	sink EventSink
	log  *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
	retries map[string]*retryState // keyed by retryKeyFor
}

// NewManager creates an approval manager.
func NewManager(cfg config.ApprovalConfig, repo repository.Repository, sink EventSink, log *logger.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		repo:    repo,
		sink:    sink,
		log:     log,
		pending: make(map[string]*pendingEntry),
		retries: make(map[string]*retryState),
	}
}

// Create persists a pending approval and arms its warning and expiry timers.
// A session that has exhausted its retry ceiling, or is still inside the
// rejection cooldown, is refused before anything is written.
func (m *Manager) Create(ctx context.Context, scope tenant.Scope, approval *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	if err := m.checkRetryCeiling(approval); err != nil {
		return nil, err
	}

	if err := m.repo.CreateApproval(ctx, scope, approval); err != nil {
		return nil, err
	}

	entry := &pendingEntry{
		approval:   approval,
		scope:      scope,
		responseCh: make(chan Decision, 1),
	}

	deadline := m.deadlineFor(approval)
	if deadline > 0 {
		warnIn := deadline - time.Duration(m.cfg.WarningSec)*time.Second
		if warnIn > 0 {
			entry.warnTimer = time.AfterFunc(warnIn, func() { m.warn(approval.ID) })
		}
		entry.expTimer = time.AfterFunc(deadline, func() { m.expire(approval.ID) })
	}

	m.mu.Lock()
	m.pending[approval.ID] = entry
	m.mu.Unlock()

	payload := map[string]any{
		"approval_id": approval.ID,
		"type":        approval.Kind,
		"risk":        approval.Risk,
		"payload":     json.RawMessage(approval.Payload),
		"expires_in_s": int(deadline / time.Second),
	}
	if err := m.sink.Emit(ctx, scope, approval.SessionID, events.ToolApprovalRequest, payload); err != nil {
		m.log.Warn("failed to emit approval request event",
			zap.String("approval_id", approval.ID), zap.Error(err))
	}

	return approval, nil
}

// Await blocks until the approval is resolved, expires, or ctx is cancelled.
func (m *Manager) Await(ctx context.Context, id string) (Decision, error) {
	m.mu.Lock()
	entry, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return Decision{}, apperr.New(apperr.KindNotFound, "approval %s not found", id)
	}

	select {
	case d := <-entry.responseCh:
		return d, nil
	case <-ctx.Done():
		return Decision{}, apperr.Wrap(apperr.KindCancelled, ctx.Err(), "await approval %s", id)
	}
}

// Resolve applies a user decision to a pending approval. Resolving twice, or
// resolving after expiry, returns an already-resolved error.
func (m *Manager) Resolve(ctx context.Context, scope tenant.Scope, id string, approved bool, reason string) error {
	status := models.ApprovalRejected
	decision := "rejected"
	if approved {
		status = models.ApprovalApproved
		decision = "approved"
	}

	if err := m.repo.ResolveApproval(ctx, scope, id, status, decision, time.Now().UTC()); err != nil {
		return err
	}

	entry := m.takePending(id)
	if entry != nil {
		entry.responseCh <- Decision{Approved: approved, Reason: reason}
		if !approved {
			m.recordRejection(entry.approval)
		}
		m.emitResolved(ctx, entry, decision, reason)
	}
	return nil
}

// Pending lists the caller's unresolved approvals.
func (m *Manager) Pending(ctx context.Context, scope tenant.Scope) ([]*models.ApprovalRequest, error) {
	return m.repo.ListPendingApprovals(ctx, scope)
}

// Get returns one approval within the tenant scope.
func (m *Manager) Get(ctx context.Context, scope tenant.Scope, id string) (*models.ApprovalRequest, error) {
	return m.repo.GetApproval(ctx, scope, id)
}

// warn emits the expiry warning for a still-pending approval.
func (m *Manager) warn(id string) {
	m.mu.Lock()
	entry, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload := map[string]any{
		"approval_id":  id,
		"expires_in_s": m.cfg.WarningSec,
	}
	if err := m.sink.Emit(ctx, entry.scope, entry.approval.SessionID, events.ApprovalTimeoutWarning, payload); err != nil {
		m.log.Warn("failed to emit approval warning", zap.String("approval_id", id), zap.Error(err))
	}
}

// expire times out a pending approval. Expiry counts as a rejection for the
// retry ceiling: an unanswered request must not be cheaper than a denied one.
func (m *Manager) expire(id string) {
	entry := m.takePending(id)
	if entry == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := m.repo.ResolveApproval(ctx, entry.scope, id, models.ApprovalTimedOut, "timeout", time.Now().UTC())
	if err != nil && !apperr.Is(err, apperr.KindAlreadyResolved) {
		m.log.Error("failed to persist approval timeout", zap.String("approval_id", id), zap.Error(err))
	}
	if apperr.Is(err, apperr.KindAlreadyResolved) {
		return
	}

	entry.responseCh <- Decision{Approved: false, Reason: "timeout", TimedOut: true}
	m.recordRejection(entry.approval)

	payload := map[string]any{"approval_id": id}
	if emitErr := m.sink.Emit(ctx, entry.scope, entry.approval.SessionID, events.ApprovalTimeout, payload); emitErr != nil {
		m.log.Warn("failed to emit approval timeout", zap.String("approval_id", id), zap.Error(emitErr))
	}
}

// takePending removes and returns the entry, stopping its timers.
func (m *Manager) takePending(id string) *pendingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	if entry.warnTimer != nil {
		entry.warnTimer.Stop()
	}
	if entry.expTimer != nil {
		entry.expTimer.Stop()
	}
	return entry
}

func (m *Manager) emitResolved(ctx context.Context, entry *pendingEntry, decision, reason string) {
	payload := map[string]any{
		"approval_id": entry.approval.ID,
		"decision":    decision,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := m.sink.Emit(ctx, entry.scope, entry.approval.SessionID, events.ApprovalResolved, payload); err != nil {
		m.log.Warn("failed to emit approval resolution",
			zap.String("approval_id", entry.approval.ID), zap.Error(err))
	}
}

// deadlineFor maps an approval to its expiry. Plan approvals use the plan
// deadline; a zero deadline means the request never expires on its own.
func (m *Manager) deadlineFor(approval *models.ApprovalRequest) time.Duration {
	if approval.Kind == models.ApprovalKindPlan {
		return m.cfg.Timeout.ForRisk("plan")
	}
	return m.cfg.Timeout.ForRisk(string(approval.Risk))
}

func (m *Manager) checkRetryCeiling(approval *models.ApprovalRequest) error {
	if approval.SessionID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.retries[retryKeyFor(approval)]
	if !ok {
		return nil
	}
	if state.rejections >= m.cfg.MaxRetriesPerSession {
		return apperr.New(apperr.KindMaxRetriesExceeded,
			"session %s exceeded %d approval retries for this request",
			approval.SessionID, m.cfg.MaxRetriesPerSession)
	}
	cooldown := time.Duration(m.cfg.RetryCooldownSec) * time.Second
	if state.rejections > 0 && time.Since(state.lastResolvedAt) < cooldown {
		return apperr.NewCode(apperr.KindBackpressure, "retry_cooldown",
			"session %s must wait %s before re-requesting this approval",
			approval.SessionID, cooldown)
	}
	return nil
}

func (m *Manager) recordRejection(approval *models.ApprovalRequest) {
	if approval.SessionID == "" {
		return
	}
	key := retryKeyFor(approval)
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.retries[key]
	if !ok {
		state = &retryState{}
		m.retries[key] = state
	}
	state.rejections++
	state.lastResolvedAt = time.Now()
}

// ResetSession clears the retry ceilings for a session, for example when the
// session is reset or deleted.
func (m *Manager) ResetSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := sessionID + "|"
	for key := range m.retries {
		if strings.HasPrefix(key, prefix) {
			delete(m.retries, key)
		}
	}
}

// PendingCount reports in-memory pending entries, for metrics.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
