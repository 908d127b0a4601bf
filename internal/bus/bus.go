package bus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
)

// cancelGrace is how long a cancelled task's handler gets to unwind before
// its worker is abandoned and replaced.
const cancelGrace = 2 * time.Second

// AgentBus routes tasks to per-agent queues, each served by a fixed pool of
// workers. Capacity and concurrency are set at registration time.
type AgentBus struct {
	cfg config.BusConfig
	log *logger.Logger

	mu       sync.RWMutex
	queues   map[string]*agentQueue
	draining bool

	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	cancelled atomic.Uint64
}

// latencySampleCap bounds the per-queue latency reservoir.
const latencySampleCap = 256

// errorRateWindow is the sliding window behind error_rate_5m.
const errorRateWindow = 5 * time.Minute

type outcome struct {
	at     time.Time
	failed bool
}

type agentQueue struct {
	agentID     string
	ch          chan *Task
	capacity    int
	concurrency int

	mu       sync.Mutex
	running  map[string]context.CancelFunc // task id -> cancel
	inFlight int
	closed   bool

	submitted       uint64
	completed       uint64
	failed          uint64
	lastCompletedAt time.Time
	latencies       []time.Duration // ring, newest overwrites oldest
	latNext         int
	outcomes        []outcome // pruned to errorRateWindow

	wg sync.WaitGroup
}

// recordOutcome updates the queue's counters after a task reaches a terminal
// state. Latency is measured from enqueue, so queue wait counts.
func (q *agentQueue) recordOutcome(task *Task, failed bool) {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	if failed {
		q.failed++
	} else {
		q.completed++
		q.lastCompletedAt = now
		lat := now.Sub(task.EnqueuedAt)
		if len(q.latencies) < latencySampleCap {
			q.latencies = append(q.latencies, lat)
		} else {
			q.latencies[q.latNext] = lat
			q.latNext = (q.latNext + 1) % latencySampleCap
		}
	}
	q.outcomes = append(q.outcomes, outcome{at: now, failed: failed})
	q.pruneOutcomesLocked(now)
}

func (q *agentQueue) pruneOutcomesLocked(now time.Time) {
	cutoff := now.Add(-errorRateWindow)
	i := 0
	for i < len(q.outcomes) && q.outcomes[i].at.Before(cutoff) {
		i++
	}
	q.outcomes = q.outcomes[i:]
}

// errorRateLocked is the failed fraction of terminal outcomes in the window.
func (q *agentQueue) errorRateLocked(now time.Time) float64 {
	q.pruneOutcomesLocked(now)
	if len(q.outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, o := range q.outcomes {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(q.outcomes))
}

// New creates an agent bus with the given configuration.
func New(cfg config.BusConfig, log *logger.Logger) *AgentBus {
	return &AgentBus{
		cfg:    cfg,
		log:    log,
		queues: make(map[string]*agentQueue),
	}
}

// Register creates the queue and worker pool for an agent. Concurrency is
// clamped to [1, maxConcurrencyPerAgent]. Re-registering with the same limit
// is a no-op; a changed limit drains the old pool and recreates it.
func (b *AgentBus) Register(agentID string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > b.cfg.MaxConcurrencyPerAgent {
		concurrency = b.cfg.MaxConcurrencyPerAgent
	}

	b.mu.Lock()
	if q, ok := b.queues[agentID]; ok {
		if q.concurrency == concurrency {
			b.mu.Unlock()
			return
		}
		delete(b.queues, agentID)
		b.mu.Unlock()

		q.mu.Lock()
		if !q.closed {
			q.closed = true
			close(q.ch)
		}
		q.mu.Unlock()
		q.wg.Wait()

		b.mu.Lock()
		// A concurrent Register may have won the re-registration.
		if _, ok := b.queues[agentID]; ok {
			b.mu.Unlock()
			return
		}
	}
	defer b.mu.Unlock()

	q := &agentQueue{
		agentID:     agentID,
		ch:          make(chan *Task, b.cfg.DefaultQueueCapacity),
		capacity:    b.cfg.DefaultQueueCapacity,
		concurrency: concurrency,
		running:     make(map[string]context.CancelFunc),
	}
	b.queues[agentID] = q

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go b.worker(q)
	}

	b.log.Debug("agent registered on bus",
		zap.String("agent_id", agentID),
		zap.Int("concurrency", concurrency))
}

// Deregister closes an agent's queue. Queued tasks still drain; new submits
// are rejected.
func (b *AgentBus) Deregister(agentID string) {
	b.mu.Lock()
	q, ok := b.queues[agentID]
	if ok {
		delete(b.queues, agentID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	b.log.Debug("agent deregistered from bus", zap.String("agent_id", agentID))
}

// Submit enqueues a task for its agent. A full queue or an unknown agent
// rejects immediately; Submit never blocks.
func (b *AgentBus) Submit(task *Task) error {
	b.mu.RLock()
	q, ok := b.queues[task.AgentID]
	draining := b.draining
	b.mu.RUnlock()

	if !ok {
		return apperr.New(apperr.KindNotFound, "agent %s not registered", task.AgentID)
	}
	if draining {
		b.rejected.Add(1)
		return apperr.New(apperr.KindBackpressure, "bus is draining")
	}

	task.EnqueuedAt = time.Now().UTC()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "agent %s not registered", task.AgentID)
	}
	select {
	case q.ch <- task:
		q.submitted++
		q.mu.Unlock()
		b.enqueued.Add(1)
		return nil
	default:
		q.mu.Unlock()
		b.rejected.Add(1)
		return apperr.New(apperr.KindBackpressure,
			"agent %s queue full (%d tasks)", task.AgentID, q.capacity)
	}
}

// Cancel cancels a running task. Queued tasks cannot be cancelled
// individually; they run and observe their own session state.
func (b *AgentBus) Cancel(agentID, taskID string) bool {
	b.mu.RLock()
	q, ok := b.queues[agentID]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	q.mu.Lock()
	cancel, running := q.running[taskID]
	q.mu.Unlock()
	if !running {
		return false
	}
	cancel()
	b.cancelled.Add(1)
	return true
}

// worker serves one concurrency slot of an agent queue. Handlers that ignore
// cancellation are abandoned after a grace period so the slot frees up.
func (b *AgentBus) worker(q *agentQueue) {
	defer q.wg.Done()
	for task := range q.ch {
		b.runTask(q, task)
	}
}

func (b *AgentBus) runTask(q *agentQueue, task *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HardTimeout())

	q.mu.Lock()
	q.running[task.ID] = cancel
	q.inFlight++
	q.mu.Unlock()

	defer func() {
		cancel()
		q.mu.Lock()
		delete(q.running, task.ID)
		q.inFlight--
		q.mu.Unlock()
	}()

	err := b.runWithRetry(ctx, task)
	switch {
	case err == nil:
		b.completed.Add(1)
		q.recordOutcome(task, false)
	case ctx.Err() != nil:
		// Cancellations do not count toward the error rate.
		b.cancelled.Add(1)
		b.log.Debug("task cancelled",
			zap.String("agent_id", task.AgentID),
			zap.String("task_id", task.ID))
	default:
		b.failed.Add(1)
		q.recordOutcome(task, true)
		b.log.Warn("task failed",
			zap.String("agent_id", task.AgentID),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// runWithRetry executes the task, retrying transient failures with
// exponential backoff. Permanent failures and cancellation return immediately.
func (b *AgentBus) runWithRetry(ctx context.Context, task *Task) error {
	retry := b.cfg.Retry
	backoff := time.Duration(retry.BaseMs) * time.Millisecond
	capDur := time.Duration(retry.CapMs) * time.Millisecond

	var err error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		err = b.invoke(ctx, task)
		if err == nil || ctx.Err() != nil || !apperr.Retriable(err) {
			return err
		}
		if attempt == retry.MaxAttempts {
			break
		}

		b.log.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > capDur {
			backoff = capDur
		}
	}
	return err
}

// invoke runs the handler in its own goroutine so a cancelled handler that
// ignores its context only costs an abandoned goroutine, not a stuck worker.
func (b *AgentBus) invoke(ctx context.Context, task *Task) error {
	done := make(chan error, 1)
	go func() {
		done <- task.Run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	// Cancelled: give the handler a grace period to unwind.
	select {
	case err := <-done:
		if err == nil {
			return ctx.Err()
		}
		return err
	case <-time.After(cancelGrace):
		b.log.Warn("handler ignored cancellation, abandoning",
			zap.String("agent_id", task.AgentID),
			zap.String("task_id", task.ID))
		return ctx.Err()
	}
}

// Status returns the queue snapshot for one agent.
func (b *AgentBus) Status(agentID string) (QueueStatus, error) {
	b.mu.RLock()
	q, ok := b.queues[agentID]
	draining := b.draining
	b.mu.RUnlock()
	if !ok {
		return QueueStatus{}, apperr.New(apperr.KindNotFound, "agent %s not registered", agentID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	status := QueueStatus{
		AgentID:     agentID,
		Depth:       len(q.ch),
		Capacity:    q.capacity,
		Concurrency: q.concurrency,
		Running:     q.inFlight,
		Draining:    draining,
		ErrorRate5m: q.errorRateLocked(time.Now()),
	}
	if !q.lastCompletedAt.IsZero() {
		at := q.lastCompletedAt
		status.LastCompletedAt = &at
	}
	return status, nil
}

// AgentMetrics summarizes one agent's throughput and task latency.
func (b *AgentBus) AgentMetrics(agentID string) (AgentMetrics, error) {
	b.mu.RLock()
	q, ok := b.queues[agentID]
	b.mu.RUnlock()
	if !ok {
		return AgentMetrics{}, apperr.New(apperr.KindNotFound, "agent %s not registered", agentID)
	}

	q.mu.Lock()
	m := AgentMetrics{
		AgentID:   agentID,
		Submitted: q.submitted,
		Completed: q.completed,
		Failed:    q.failed,
	}
	samples := make([]time.Duration, len(q.latencies))
	copy(samples, q.latencies)
	q.mu.Unlock()

	if len(samples) > 0 {
		var total time.Duration
		for _, s := range samples {
			total += s
		}
		m.AvgLatencyMs = float64(total.Microseconds()) / float64(len(samples)) / 1000
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		idx := int(float64(len(samples)) * 0.95)
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		m.P95LatencyMs = float64(samples[idx].Microseconds()) / 1000
	}
	return m, nil
}

// Metrics returns aggregate counters.
func (b *AgentBus) Metrics() Metrics {
	b.mu.RLock()
	agents := len(b.queues)
	b.mu.RUnlock()
	return Metrics{
		Enqueued:  b.enqueued.Load(),
		Completed: b.completed.Load(),
		Failed:    b.failed.Load(),
		Rejected:  b.rejected.Load(),
		Cancelled: b.cancelled.Load(),
		Agents:    agents,
	}
}

// Drain stops accepting new tasks and waits for queued work to finish or the
// context to expire. Remaining tasks after the deadline are cancelled.
func (b *AgentBus) Drain(ctx context.Context) error {
	b.mu.Lock()
	b.draining = true
	queues := make([]*agentQueue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.queues = make(map[string]*agentQueue)
	b.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		if !q.closed {
			q.closed = true
			close(q.ch)
		}
		q.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		for _, q := range queues {
			q.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Cancel whatever is still running and stop waiting.
		for _, q := range queues {
			q.mu.Lock()
			for _, cancel := range q.running {
				cancel()
			}
			q.mu.Unlock()
		}
		return ctx.Err()
	}
}
