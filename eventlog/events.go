// Package eventlog provides the per-task ordered audit stream.
//
// Every state transition and tool call in a task publishes one event. The
// store assigns a strictly monotone, contiguous sequence per task, so the
// event log is a total order suitable for driving UIs and durability.
//
// Event types form a closed enumeration; payloads are typed structs (one per
// event type) with an Extra map carrying forward-compatible keys.
package eventlog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event in the closed enumeration.
type Type string

// The closed set of event types.
const (
	TaskCreated   Type = "task.created"
	TaskQueued    Type = "task.queued"
	TaskRunning   Type = "task.running"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskTimedOut  Type = "task.timed_out"
	TaskDenied    Type = "task.denied"
	TaskStdout    Type = "task.stdout"
	TaskStderr    Type = "task.stderr"

	ToolCallStarted   Type = "tool.call.started"
	ToolCallCompleted Type = "tool.call.completed"
	ToolCallFailed    Type = "tool.call.failed"
	ToolCallDenied    Type = "tool.call.denied"

	ApprovalRequested Type = "approval.requested"
	ApprovalResolved  Type = "approval.resolved"
)

// AllTypes returns every event type in the enumeration.
func AllTypes() []Type {
	return []Type{
		TaskCreated, TaskQueued, TaskRunning,
		TaskCompleted, TaskFailed, TaskTimedOut, TaskDenied,
		TaskStdout, TaskStderr,
		ToolCallStarted, ToolCallCompleted, ToolCallFailed, ToolCallDenied,
		ApprovalRequested, ApprovalResolved,
	}
}

// IsValid returns true if the type is part of the enumeration.
func (t Type) IsValid() bool {
	switch t {
	case TaskCreated, TaskQueued, TaskRunning,
		TaskCompleted, TaskFailed, TaskTimedOut, TaskDenied,
		TaskStdout, TaskStderr,
		ToolCallStarted, ToolCallCompleted, ToolCallFailed, ToolCallDenied,
		ApprovalRequested, ApprovalResolved:
		return true
	default:
		return false
	}
}

// IsTerminalTaskEvent returns true for the four terminal task events.
func (t Type) IsTerminalTaskEvent() bool {
	switch t {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskDenied:
		return true
	default:
		return false
	}
}

// String returns the string representation of the type.
func (t Type) String() string {
	return string(t)
}

// Payload is implemented by every event payload struct.
type Payload interface {
	EventType() Type
}

// TaskCreatedPayload accompanies task.created.
type TaskCreatedPayload struct {
	TaskID      uuid.UUID      `json:"taskId"`
	Status      string         `json:"status"`
	RuntimeID   string         `json:"runtimeId"`
	TimeoutMs   int            `json:"timeoutMs"`
	WorkspaceID string         `json:"workspaceId"`
	ActorID     string         `json:"actorId"`
	ClientID    string         `json:"clientId"`
	CreatedAt   time.Time      `json:"createdAt"`
	Extra       map[string]any `json:"-"`
}

func (TaskCreatedPayload) EventType() Type { return TaskCreated }

// TaskQueuedPayload accompanies task.queued.
type TaskQueuedPayload struct {
	TaskID uuid.UUID      `json:"taskId"`
	Status string         `json:"status"`
	Extra  map[string]any `json:"-"`
}

func (TaskQueuedPayload) EventType() Type { return TaskQueued }

// TaskRunningPayload accompanies task.running.
type TaskRunningPayload struct {
	TaskID    uuid.UUID      `json:"taskId"`
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	Extra     map[string]any `json:"-"`
}

func (TaskRunningPayload) EventType() Type { return TaskRunning }

// TaskTerminalPayload accompanies task.completed, task.failed,
// task.timed_out and task.denied.
type TaskTerminalPayload struct {
	Type        Type           `json:"-"`
	TaskID      uuid.UUID      `json:"taskId"`
	Status      string         `json:"status"`
	ExitCode    *int           `json:"exitCode,omitempty"`
	DurationMs  *int64         `json:"durationMs,omitempty"`
	Error       *string        `json:"error,omitempty"`
	CompletedAt time.Time      `json:"completedAt"`
	Extra       map[string]any `json:"-"`
}

func (p TaskTerminalPayload) EventType() Type { return p.Type }

// TaskOutputPayload accompanies task.stdout and task.stderr.
type TaskOutputPayload struct {
	Type      Type           `json:"-"`
	TaskID    uuid.UUID      `json:"taskId"`
	Line      string         `json:"line"`
	Timestamp time.Time      `json:"timestamp"`
	Extra     map[string]any `json:"-"`
}

func (p TaskOutputPayload) EventType() Type { return p.Type }

// ToolCallStartedPayload accompanies tool.call.started. Approval is "auto"
// or "required" so observers can render a pending-approval span.
type ToolCallStartedPayload struct {
	CallID   string          `json:"callId"`
	ToolPath string          `json:"toolPath"`
	Approval string          `json:"approval"`
	Input    json.RawMessage `json:"input"`
	Extra    map[string]any  `json:"-"`
}

func (ToolCallStartedPayload) EventType() Type { return ToolCallStarted }

// ToolCallCompletedPayload accompanies tool.call.completed.
type ToolCallCompletedPayload struct {
	CallID   string         `json:"callId"`
	ToolPath string         `json:"toolPath"`
	Output   any            `json:"output"`
	Extra    map[string]any `json:"-"`
}

func (ToolCallCompletedPayload) EventType() Type { return ToolCallCompleted }

// ToolCallFailedPayload accompanies tool.call.failed.
type ToolCallFailedPayload struct {
	CallID   string         `json:"callId"`
	ToolPath string         `json:"toolPath"`
	Error    string         `json:"error"`
	Extra    map[string]any `json:"-"`
}

func (ToolCallFailedPayload) EventType() Type { return ToolCallFailed }

// ToolCallDeniedPayload accompanies tool.call.denied. Reason is set for
// policy denials; ApprovalID for reviewer denials.
type ToolCallDeniedPayload struct {
	CallID     string         `json:"callId"`
	ToolPath   string         `json:"toolPath"`
	Reason     *string        `json:"reason,omitempty"`
	ApprovalID *uuid.UUID     `json:"approvalId,omitempty"`
	Extra      map[string]any `json:"-"`
}

func (ToolCallDeniedPayload) EventType() Type { return ToolCallDenied }

// ApprovalRequestedPayload accompanies approval.requested.
type ApprovalRequestedPayload struct {
	ApprovalID uuid.UUID       `json:"approvalId"`
	TaskID     uuid.UUID       `json:"taskId"`
	CallID     string          `json:"callId"`
	ToolPath   string          `json:"toolPath"`
	Input      json.RawMessage `json:"input"`
	CreatedAt  time.Time       `json:"createdAt"`
	Extra      map[string]any  `json:"-"`
}

func (ApprovalRequestedPayload) EventType() Type { return ApprovalRequested }

// ApprovalResolvedPayload accompanies approval.resolved.
type ApprovalResolvedPayload struct {
	ApprovalID uuid.UUID      `json:"approvalId"`
	TaskID     uuid.UUID      `json:"taskId"`
	ToolPath   string         `json:"toolPath"`
	Decision   string         `json:"decision"`
	ReviewerID *string        `json:"reviewerId,omitempty"`
	Reason     *string        `json:"reason,omitempty"`
	ResolvedAt time.Time      `json:"resolvedAt"`
	Extra      map[string]any `json:"-"`
}

func (ApprovalResolvedPayload) EventType() Type { return ApprovalResolved }
