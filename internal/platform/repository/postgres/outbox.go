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

// Outbox operations

// AddOutboxEvent inserts a pending outbox row. Callers invoke this inside the
// same Atomic call as the domain write it describes.
func (r *Repository) AddOutboxEvent(ctx context.Context, scope tenant.Scope, row *models.OutboxRow) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	row.UserID = scope.UserID
	row.Status = models.OutboxPending

	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO outbox_events
			(id, aggregate_type, aggregate_id, user_id, project_id, session_id,
			 event_type, payload, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)
	`, row.ID, row.AggregateType, row.AggregateID, row.UserID, row.ProjectID,
		row.SessionID, row.EventType, row.Payload, row.Status, row.CreatedAt)
	return err
}

// ClaimPendingOutbox locks and returns up to limit pending rows that are due,
// oldest first. SKIP LOCKED keeps concurrent publishers from double-claiming;
// the caller must hold the rows inside an Atomic call until they are marked.
// A session with an older row still waiting out its retry backoff yields no
// rows, so per-session order survives across batches.
func (r *Repository) ClaimPendingOutbox(ctx context.Context, now time.Time, limit int) ([]*models.OutboxRow, error) {
	var rows []*models.OutboxRow
	err := sqlx.SelectContext(ctx, r.ext, &rows, `
		SELECT o.id, o.aggregate_type, o.aggregate_id, o.user_id, o.project_id, o.session_id,
		       o.event_type, o.payload, o.status, o.retry_count, o.next_retry_at,
		       o.created_at, o.published_at, o.last_error
		FROM outbox_events o
		WHERE o.status = 'pending' AND (o.next_retry_at IS NULL OR o.next_retry_at <= $1)
		  AND NOT EXISTS (
			SELECT 1 FROM outbox_events prior
			WHERE prior.session_id = o.session_id
			  AND prior.status = 'pending'
			  AND prior.next_retry_at IS NOT NULL AND prior.next_retry_at > $1
			  AND (prior.created_at, prior.id) < (o.created_at, o.id)
		  )
		ORDER BY o.created_at ASC, o.id ASC
		LIMIT $2
		FOR UPDATE OF o SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkOutboxPublished transitions a row to published.
func (r *Repository) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	res, err := r.ext.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'published', published_at = $1, last_error = NULL
		WHERE id = $2
	`, at, id)
	if err != nil {
		return err
	}
	return requireRow(res, "outbox event %s", id)
}

// ScheduleOutboxRetry records a publish failure and the next attempt time.
func (r *Repository) ScheduleOutboxRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) error {
	res, err := r.ext.ExecContext(ctx, `
		UPDATE outbox_events SET retry_count = $1, next_retry_at = $2, last_error = $3
		WHERE id = $4
	`, retryCount, nextRetryAt, lastError, id)
	if err != nil {
		return err
	}
	return requireRow(res, "outbox event %s", id)
}

// MarkOutboxFailed moves a row to the terminal failed state.
func (r *Repository) MarkOutboxFailed(ctx context.Context, id string, lastError string) error {
	res, err := r.ext.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'failed', last_error = $1
		WHERE id = $2
	`, lastError, id)
	if err != nil {
		return err
	}
	return requireRow(res, "outbox event %s", id)
}

// DeleteOutboxPublishedBefore removes published rows older than the cutoff.
func (r *Repository) DeleteOutboxPublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.ext.ExecContext(ctx, `
		DELETE FROM outbox_events WHERE status = 'published' AND published_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetOutboxStats returns a per-status row count.
func (r *Repository) GetOutboxStats(ctx context.Context) (*repository.OutboxStats, error) {
	stats := &repository.OutboxStats{}
	err := sqlx.GetContext(ctx, r.ext, stats, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending')   AS pending,
			COUNT(*) FILTER (WHERE status = 'published') AS published,
			COUNT(*) FILTER (WHERE status = 'failed')    AS failed
		FROM outbox_events
	`)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
