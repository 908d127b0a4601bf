// Package events defines the closed set of stream event types and the wire
// envelope shared by the outbox, the stream manager, and the gateways.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types for session lifecycle and routing
const (
	MessageCreated = "message_created"
	DirectCall     = "direct_agent_call"
	AgentSwitched  = "agent_switched"
)

// Event types for task progress
const (
	TaskQueued      = "task_queued"
	TaskStarted     = "task_started"
	TaskProgress    = "task_progress"
	TaskCompleted   = "task_completed"
	TaskFailed      = "task_failed"
	TaskPlanCreated = "task_plan_created"
)

// Event types for context memory
const (
	ContextRetrieved = "context_retrieved"
	ContextStored    = "context_stored"
)

// Event types for tool mediation
const (
	ToolRequest         = "tool_request"
	ToolApprovalRequest = "tool_approval_request"
	ToolExecutionSignal = "tool_execution_signal"
	ToolResultReceived  = "tool_result_received"
)

// Event types for approvals
const (
	ApprovalResolved       = "approval_resolved"
	ApprovalTimeoutWarning = "approval_timeout_warning"
	ApprovalTimeout        = "approval_timeout"
)

// Event types for stream control
const (
	ErrorEvent = "error"
	Heartbeat  = "heartbeat"
)

// knownTypes is the closed set accepted by the publisher. Unknown types are
// rejected at publish time rather than silently forwarded to clients.
var knownTypes = map[string]bool{
	MessageCreated:         true,
	DirectCall:             true,
	AgentSwitched:          true,
	TaskQueued:             true,
	TaskStarted:            true,
	TaskProgress:           true,
	TaskCompleted:          true,
	TaskFailed:             true,
	TaskPlanCreated:        true,
	ContextRetrieved:       true,
	ContextStored:          true,
	ToolRequest:            true,
	ToolApprovalRequest:    true,
	ToolExecutionSignal:    true,
	ToolResultReceived:     true,
	ApprovalResolved:       true,
	ApprovalTimeoutWarning: true,
	ApprovalTimeout:        true,
	ErrorEvent:             true,
	Heartbeat:              true,
}

// Known reports whether eventType belongs to the closed event set.
func Known(eventType string) bool {
	return knownTypes[eventType]
}

// Envelope is the wire format of a single stream event. It serializes to one
// NDJSON line; Timestamp is RFC3339 UTC and is the resume cursor.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// New builds an envelope with a fresh UUID and the current UTC time.
// The payload must already be valid JSON.
func New(sessionID, eventType string, payload json.RawMessage) Envelope {
	return Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Payload:   payload,
	}
}

// NewHeartbeat builds a heartbeat envelope. Heartbeats are never buffered.
func NewHeartbeat(sessionID string) Envelope {
	return New(sessionID, Heartbeat, json.RawMessage(`{}`))
}

// Marshal encodes a value as the envelope payload.
func Marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// SessionSubject returns the bus subject session events are mirrored on.
func SessionSubject(sessionID string) string {
	return "events.session." + sessionID
}

// SessionWildcardSubject returns a wildcard subscription matching all
// session event subjects.
func SessionWildcardSubject() string {
	return "events.session.*"
}
