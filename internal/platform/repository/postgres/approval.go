package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// Approval operations

// CreateApproval inserts a pending approval request for the scope's user.
func (r *Repository) CreateApproval(ctx context.Context, scope tenant.Scope, approval *models.ApprovalRequest) error {
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

	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO approvals (id, user_id, session_id, kind, risk, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, approval.ID, approval.UserID, approval.SessionID, approval.Kind, approval.Risk,
		approval.Payload, approval.Status, approval.CreatedAt)
	return err
}

// GetApproval retrieves an approval by ID within the tenant scope.
func (r *Repository) GetApproval(ctx context.Context, scope tenant.Scope, id string) (*models.ApprovalRequest, error) {
	approval := &models.ApprovalRequest{}
	err := sqlx.GetContext(ctx, r.ext, approval, `
		SELECT id, user_id, session_id, kind, risk, payload, status, created_at, resolved_at, decision
		FROM approvals WHERE id = $1 AND user_id = $2
	`, id, scope.UserID)
	if err != nil {
		return nil, mapNotFound(err, "approval %s", id)
	}
	return approval, nil
}

// ListPendingApprovals returns pending approvals for the scope's user, oldest first.
func (r *Repository) ListPendingApprovals(ctx context.Context, scope tenant.Scope) ([]*models.ApprovalRequest, error) {
	var approvals []*models.ApprovalRequest
	err := sqlx.SelectContext(ctx, r.ext, &approvals, `
		SELECT id, user_id, session_id, kind, risk, payload, status, created_at, resolved_at, decision
		FROM approvals WHERE user_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
	`, scope.UserID)
	if err != nil {
		return nil, err
	}
	return approvals, nil
}

// ResolveApproval transitions a pending approval to a terminal status.
// The update is conditional on the pending status; losing a resolution race
// surfaces as an already-resolved error, not a silent overwrite.
func (r *Repository) ResolveApproval(ctx context.Context, scope tenant.Scope, id string, status models.ApprovalStatus, decision string, at time.Time) error {
	res, err := r.ext.ExecContext(ctx, `
		UPDATE approvals SET status = $1, decision = $2, resolved_at = $3
		WHERE id = $4 AND user_id = $5 AND status = 'pending'
	`, status, decision, at, id, scope.UserID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a lost race.
		if _, getErr := r.GetApproval(ctx, scope, id); getErr != nil {
			return getErr
		}
		return apperr.New(apperr.KindAlreadyResolved, "approval %s already resolved", id)
	}
	return nil
}
