// Package bus implements per-agent task queues with bounded capacity and
// fixed worker pools. Tasks for one agent are accepted in FIFO order; a full
// queue rejects immediately instead of blocking the caller.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskFunc is the work executed for a queued task. The context is cancelled
// on task cancellation, drain timeout, or when the hard deadline expires.
type TaskFunc func(ctx context.Context) error

// Task is a unit of agent work.
type Task struct {
	ID        string
	SessionID string
	AgentID   string
	EnqueuedAt time.Time
	Run       TaskFunc
}

// NewTask builds a task with a fresh ID.
func NewTask(agentID, sessionID string, run TaskFunc) *Task {
	return &Task{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		AgentID:   agentID,
		Run:       run,
	}
}

// QueueStatus is a point-in-time snapshot of one agent queue.
type QueueStatus struct {
	AgentID         string     `json:"agent_id"`
	Depth           int        `json:"depth"`
	Capacity        int        `json:"capacity"`
	Concurrency     int        `json:"concurrency"`
	Running         int        `json:"running"`
	Draining        bool       `json:"draining"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	ErrorRate5m     float64    `json:"error_rate_5m"`
}

// AgentMetrics aggregates one agent's counters and latency percentiles.
// Latency is enqueue-to-completion, so it includes queue wait.
type AgentMetrics struct {
	AgentID      string  `json:"agent_id"`
	Submitted    uint64  `json:"submitted"`
	Completed    uint64  `json:"completed"`
	Failed       uint64  `json:"failed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// Metrics aggregates counters across all agent queues.
type Metrics struct {
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Cancelled uint64 `json:"cancelled"`
	Agents    int    `json:"agents"`
}
