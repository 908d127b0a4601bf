package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
	eventbus "github.com/atelier-ai/atelier/internal/events/bus"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/stream"
)

// retentionSweepInterval is how often published rows past retention are purged.
const retentionSweepInterval = time.Hour

// Publisher drains committed outbox rows to the stream manager and mirrors
// them onto the event bus. Rows are processed oldest-first; a failing row
// blocks later rows of the same session so per-session order is preserved.
type Publisher struct {
	cfg    config.OutboxConfig
	repo   repository.Repository
	stream *stream.Manager
	bus    eventbus.EventBus
	log    *logger.Logger

	notify chan struct{}
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher. The notify channel is shared with Writers
// so fresh events are picked up before the next tick.
func NewPublisher(cfg config.OutboxConfig, repo repository.Repository, sm *stream.Manager, bus eventbus.EventBus, notify chan struct{}, log *logger.Logger) *Publisher {
	if notify == nil {
		notify = make(chan struct{}, 1)
	}
	return &Publisher{
		cfg:    cfg,
		repo:   repo,
		stream: sm,
		bus:    bus,
		log:    log,
		notify: notify,
		stop:   make(chan struct{}),
	}
}

// Notify wakes the publisher outside its tick schedule.
func (p *Publisher) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Start launches the publish loop and the retention sweeper.
func (p *Publisher) Start() {
	p.wg.Add(2)
	go p.run()
	go p.sweep()
}

// Stop terminates the loops and waits for the in-flight batch.
func (p *Publisher) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.publishBatch()
		case <-p.notify:
			p.publishBatch()
		case <-p.stop:
			// Final drain so committed events are not stranded on shutdown.
			p.publishBatch()
			return
		}
	}
}

// publishBatch claims due rows and delivers them. Claim and mark share one
// transaction so a crashed publisher leaves rows pending for the next run.
func (p *Publisher) publishBatch() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.repo.Atomic(ctx, func(tx repository.Repository) error {
		rows, err := tx.ClaimPendingOutbox(ctx, time.Now().UTC(), p.cfg.BatchSize)
		if err != nil {
			return err
		}

		// Sessions with a failed row in this batch: later rows are skipped,
		// not reordered past the failure.
		held := make(map[string]bool)

		for _, row := range rows {
			if held[row.SessionID] {
				continue
			}
			if err := p.deliver(ctx, row); err != nil {
				held[row.SessionID] = true
				p.recordFailure(ctx, tx, row, err)
				continue
			}
			if err := tx.MarkOutboxPublished(ctx, row.ID, time.Now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.log.Error("outbox batch failed", zap.Error(err))
	}
}

// deliver pushes one row to stream readers and mirrors it onto the bus.
// The envelope's event id is the outbox row id, so redelivery after a retry
// is deduplicable by clients.
func (p *Publisher) deliver(ctx context.Context, row *models.OutboxRow) error {
	env := events.Envelope{
		EventID:   row.ID,
		EventType: row.EventType,
		Timestamp: row.CreatedAt.UTC(),
		SessionID: row.SessionID,
		Payload:   row.Payload,
	}
	p.stream.Broadcast(env)

	if p.bus == nil {
		return nil
	}
	busEvent := eventbus.NewEvent(row.EventType, "outbox", env)
	busEvent.ID = row.ID
	busEvent.Timestamp = env.Timestamp
	return p.bus.Publish(ctx, events.SessionSubject(row.SessionID), busEvent)
}

// recordFailure schedules a retry on the backoff schedule, or moves the row
// to failed once retries are exhausted.
func (p *Publisher) recordFailure(ctx context.Context, tx repository.Repository, row *models.OutboxRow, cause error) {
	retryCount := row.RetryCount + 1
	if retryCount > p.cfg.MaxRetries {
		p.log.Error("outbox row exhausted retries",
			zap.String("event_id", row.ID),
			zap.String("event_type", row.EventType),
			zap.Error(cause))
		if err := tx.MarkOutboxFailed(ctx, row.ID, cause.Error()); err != nil {
			p.log.Error("failed to mark outbox row failed", zap.String("event_id", row.ID), zap.Error(err))
		}
		return
	}

	schedule := p.cfg.BackoffSchedule()
	idx := retryCount - 1
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	next := time.Now().UTC().Add(schedule[idx])

	p.log.Warn("outbox publish failed, scheduling retry",
		zap.String("event_id", row.ID),
		zap.Int("retry_count", retryCount),
		zap.Time("next_retry_at", next),
		zap.Error(cause))

	if err := tx.ScheduleOutboxRetry(ctx, row.ID, retryCount, next, cause.Error()); err != nil {
		p.log.Error("failed to schedule outbox retry", zap.String("event_id", row.ID), zap.Error(err))
	}
}

// sweep purges published rows older than the retention window.
func (p *Publisher) sweep() {
	defer p.wg.Done()
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-time.Duration(p.cfg.RetentionHours) * time.Hour)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := p.repo.DeleteOutboxPublishedBefore(ctx, cutoff)
			cancel()
			if err != nil {
				p.log.Error("outbox retention sweep failed", zap.Error(err))
			} else if n > 0 {
				p.log.Info("outbox retention sweep", zap.Int64("deleted", n))
			}
		case <-p.stop:
			return
		}
	}
}
