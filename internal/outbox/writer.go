// Package outbox implements transactional event publication: domain writes
// and their events commit together, and a background publisher delivers
// committed events to session streams and the event bus.
//
// The outbox table is also the only durable event record. Published rows are
// pruned after the retention window, so consumers that need history must
// project events into their own store before the sweep.
package outbox

import (
	"context"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/events"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// Append writes one pending outbox row. Call it with a transaction-bound
// repository when the event must commit atomically with a domain write.
// Unknown event types are rejected here, before anything is persisted.
func Append(ctx context.Context, repo repository.Repository, scope tenant.Scope, sessionID, aggregateType, aggregateID, eventType string, payload any) error {
	if !events.Known(eventType) {
		return apperr.New(apperr.KindValidation, "unknown event type %q", eventType)
	}

	raw, err := events.Marshal(payload)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "marshal payload for %s", eventType)
	}

	row := &models.OutboxRow{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		SessionID:     sessionID,
		EventType:     eventType,
		Payload:       raw,
	}
	return repo.AddOutboxEvent(ctx, scope, row)
}

// Writer is the EventSink used by components that emit events outside a
// domain transaction. Each emitted event nudges the publisher.
type Writer struct {
	repo   repository.Repository
	notify chan struct{}
}

// NewWriter creates a writer that wakes the given publisher signal channel.
func NewWriter(repo repository.Repository, notify chan struct{}) *Writer {
	return &Writer{repo: repo, notify: notify}
}

// Emit appends an event in its own transaction and signals the publisher.
func (w *Writer) Emit(ctx context.Context, scope tenant.Scope, sessionID, eventType string, payload any) error {
	err := w.repo.Atomic(ctx, func(tx repository.Repository) error {
		return Append(ctx, tx, scope, sessionID, "session", sessionID, eventType, payload)
	})
	if err != nil {
		return err
	}
	w.Notify()
	return nil
}

// Notify wakes the publisher without waiting for its next tick.
func (w *Writer) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}
