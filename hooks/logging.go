package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/storage"
)

// LoggingHooks provides built-in logging hooks for observability
type LoggingHooks struct {
	logger *log.Logger
}

// NewLoggingHooks creates logging hooks with the provided logger
func NewLoggingHooks(logger *log.Logger) *LoggingHooks {
	return &LoggingHooks{logger: logger}
}

// DefaultLoggingHooks creates logging hooks with default logger
func DefaultLoggingHooks() *LoggingHooks {
	return &LoggingHooks{logger: log.Default()}
}

// Register attaches every logging hook to the registry.
func (h *LoggingHooks) Register(r *Registry) {
	r.OnTaskStarted(h.TaskStarted)
	r.OnTaskFinished(h.TaskFinished)
	r.OnToolCall(h.ToolCall)
	r.OnApprovalRequested(h.ApprovalRequested)
	r.OnApprovalResolved(h.ApprovalResolved)
}

// TaskStarted logs a claimed task
func (h *LoggingHooks) TaskStarted(ctx context.Context, task *storage.Task) error {
	h.logger.Printf("[codebroker] Task %s running (runtime=%s workspace=%s)", task.ID, task.RuntimeID, task.WorkspaceID)
	return nil
}

// TaskFinished logs a terminal task
func (h *LoggingHooks) TaskFinished(ctx context.Context, task *storage.Task) error {
	if task.Error != nil {
		h.logger.Printf("[codebroker] Task %s %s: %s", task.ID, task.Status, *task.Error)
	} else {
		h.logger.Printf("[codebroker] Task %s %s", task.ID, task.Status)
	}
	return nil
}

// ToolCall logs tool execution
func (h *LoggingHooks) ToolCall(ctx context.Context, taskID uuid.UUID, toolPath string, input json.RawMessage, output any, err error) error {
	if err != nil {
		h.logger.Printf("[codebroker] Tool '%s' failed for task %s: %v", toolPath, taskID, err)
	} else {
		preview := fmt.Sprintf("%v", output)
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		h.logger.Printf("[codebroker] Tool '%s' succeeded for task %s: %s", toolPath, taskID, preview)
	}
	return nil
}

// ApprovalRequested logs an opened approval gate
func (h *LoggingHooks) ApprovalRequested(ctx context.Context, approval *storage.Approval) error {
	h.logger.Printf("[codebroker] Approval %s requested for '%s' (task %s)", approval.ID, approval.ToolPath, approval.TaskID)
	return nil
}

// ApprovalResolved logs an approval decision
func (h *LoggingHooks) ApprovalResolved(ctx context.Context, approval *storage.Approval) error {
	h.logger.Printf("[codebroker] Approval %s %s (reviewer=%s)", approval.ID, approval.Status, storage.Deref(approval.ReviewerID))
	return nil
}

// VerboseLoggingHooks provides detailed logging for debugging
type VerboseLoggingHooks struct {
	logger *log.Logger
}

// NewVerboseLoggingHooks creates verbose logging hooks
func NewVerboseLoggingHooks(logger *log.Logger) *VerboseLoggingHooks {
	return &VerboseLoggingHooks{logger: logger}
}

// Register attaches every verbose hook to the registry.
func (h *VerboseLoggingHooks) Register(r *Registry) {
	r.OnTaskStarted(h.TaskStarted)
	r.OnTaskFinished(h.TaskFinished)
	r.OnToolCall(h.ToolCall)
}

// TaskStarted logs detailed task information
func (h *VerboseLoggingHooks) TaskStarted(ctx context.Context, task *storage.Task) error {
	h.logger.Printf("[codebroker][VERBOSE] === Task %s ===", task.ID)
	h.logger.Printf("[codebroker][VERBOSE] Workspace: %s actor=%s client=%s", task.WorkspaceID, task.ActorID, task.ClientID)
	h.logger.Printf("[codebroker][VERBOSE] Runtime: %s timeout=%dms code=%d bytes", task.RuntimeID, task.TimeoutMs, len(task.Code))
	return nil
}

// TaskFinished logs detailed terminal information
func (h *VerboseLoggingHooks) TaskFinished(ctx context.Context, task *storage.Task) error {
	h.logger.Printf("[codebroker][VERBOSE] === Task %s finished ===", task.ID)
	h.logger.Printf("[codebroker][VERBOSE] Status: %s", task.Status)
	if task.ExitCode != nil {
		h.logger.Printf("[codebroker][VERBOSE] Exit code: %d", *task.ExitCode)
	}
	if task.Error != nil {
		h.logger.Printf("[codebroker][VERBOSE] Error: %s", *task.Error)
	}
	return nil
}

// ToolCall logs detailed tool execution information
func (h *VerboseLoggingHooks) ToolCall(ctx context.Context, taskID uuid.UUID, toolPath string, input json.RawMessage, output any, err error) error {
	h.logger.Printf("[codebroker][VERBOSE] === Tool Call: %s (task %s) ===", toolPath, taskID)
	h.logger.Printf("[codebroker][VERBOSE] Input: %s", string(input))

	if err != nil {
		h.logger.Printf("[codebroker][VERBOSE] Error: %v", err)
	} else {
		h.logger.Printf("[codebroker][VERBOSE] Output: %v", output)
	}
	return nil
}

// MetricsHooks collects metrics for monitoring
type MetricsHooks struct {
	OnMetric func(name string, value float64, tags map[string]string)
}

// NewMetricsHooks creates metrics collection hooks
func NewMetricsHooks(onMetric func(string, float64, map[string]string)) *MetricsHooks {
	return &MetricsHooks{OnMetric: onMetric}
}

// Register attaches every metrics hook to the registry.
func (h *MetricsHooks) Register(r *Registry) {
	r.OnTaskFinished(h.TaskFinished)
	r.OnToolCall(h.ToolCall)
	r.OnApprovalResolved(h.ApprovalResolved)
}

// TaskFinished records terminal status counts
func (h *MetricsHooks) TaskFinished(ctx context.Context, task *storage.Task) error {
	h.OnMetric("broker.task.finished", 1, map[string]string{"status": string(task.Status)})
	return nil
}

// ToolCall records tool execution metrics
func (h *MetricsHooks) ToolCall(ctx context.Context, taskID uuid.UUID, toolPath string, input json.RawMessage, output any, err error) error {
	tags := map[string]string{"tool": toolPath}

	if err != nil {
		h.OnMetric("broker.tool.error", 1, tags)
	} else {
		h.OnMetric("broker.tool.success", 1, tags)
	}
	return nil
}

// ApprovalResolved records approval decision counts
func (h *MetricsHooks) ApprovalResolved(ctx context.Context, approval *storage.Approval) error {
	h.OnMetric("broker.approval.resolved", 1, map[string]string{"decision": string(approval.Status)})
	return nil
}
