// Package hooks provides extension points for observing broker activity.
//
// Hooks run synchronously at their trigger point; a hook returning an error
// aborts the remaining hooks for that trigger and surfaces to the caller.
// Keep hooks fast and side-effect free.
package hooks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/storage"
)

// TaskStartedHook is called when an executor claims a task.
type TaskStartedHook func(ctx context.Context, task *storage.Task) error

// TaskFinishedHook is called when a task reaches a terminal status.
type TaskFinishedHook func(ctx context.Context, task *storage.Task) error

// ToolCallHook is called after a tool call finishes, success or not.
type ToolCallHook func(ctx context.Context, taskID uuid.UUID, toolPath string, input json.RawMessage, output any, err error) error

// ApprovalRequestedHook is called when a tool call opens an approval gate.
type ApprovalRequestedHook func(ctx context.Context, approval *storage.Approval) error

// ApprovalResolvedHook is called when a reviewer decides an approval.
type ApprovalResolvedHook func(ctx context.Context, approval *storage.Approval) error

// Registry holds registered hooks grouped by trigger.
type Registry struct {
	mu                sync.RWMutex
	taskStarted       []TaskStartedHook
	taskFinished      []TaskFinishedHook
	toolCall          []ToolCallHook
	approvalRequested []ApprovalRequestedHook
	approvalResolved  []ApprovalResolvedHook
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// add appends a hook under the registry lock.
func add[H any](r *Registry, list *[]H, hook H) {
	r.mu.Lock()
	*list = append(*list, hook)
	r.mu.Unlock()
}

// runAll calls each registered hook in registration order, stopping at the
// first error. It snapshots the list so hooks may register more hooks.
func runAll[H any](r *Registry, list *[]H, call func(H) error) error {
	r.mu.RLock()
	hooks := make([]H, len(*list))
	copy(hooks, *list)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := call(hook); err != nil {
			return err
		}
	}
	return nil
}

// OnTaskStarted registers a hook called when a task starts running.
func (r *Registry) OnTaskStarted(hook TaskStartedHook) {
	add(r, &r.taskStarted, hook)
}

// OnTaskFinished registers a hook called when a task finishes.
func (r *Registry) OnTaskFinished(hook TaskFinishedHook) {
	add(r, &r.taskFinished, hook)
}

// OnToolCall registers a hook called when a tool call finishes.
func (r *Registry) OnToolCall(hook ToolCallHook) {
	add(r, &r.toolCall, hook)
}

// OnApprovalRequested registers a hook called when an approval opens.
func (r *Registry) OnApprovalRequested(hook ApprovalRequestedHook) {
	add(r, &r.approvalRequested, hook)
}

// OnApprovalResolved registers a hook called when an approval resolves.
func (r *Registry) OnApprovalResolved(hook ApprovalResolvedHook) {
	add(r, &r.approvalResolved, hook)
}

// TriggerTaskStarted calls the task-started hooks.
func (r *Registry) TriggerTaskStarted(ctx context.Context, task *storage.Task) error {
	return runAll(r, &r.taskStarted, func(h TaskStartedHook) error {
		return h(ctx, task)
	})
}

// TriggerTaskFinished calls the task-finished hooks.
func (r *Registry) TriggerTaskFinished(ctx context.Context, task *storage.Task) error {
	return runAll(r, &r.taskFinished, func(h TaskFinishedHook) error {
		return h(ctx, task)
	})
}

// TriggerToolCall calls the tool-call hooks.
func (r *Registry) TriggerToolCall(ctx context.Context, taskID uuid.UUID, toolPath string, input json.RawMessage, output any, err error) error {
	return runAll(r, &r.toolCall, func(h ToolCallHook) error {
		return h(ctx, taskID, toolPath, input, output, err)
	})
}

// TriggerApprovalRequested calls the approval-requested hooks.
func (r *Registry) TriggerApprovalRequested(ctx context.Context, approval *storage.Approval) error {
	return runAll(r, &r.approvalRequested, func(h ApprovalRequestedHook) error {
		return h(ctx, approval)
	})
}

// TriggerApprovalResolved calls the approval-resolved hooks.
func (r *Registry) TriggerApprovalResolved(ctx context.Context, approval *storage.Approval) error {
	return runAll(r, &r.approvalResolved, func(h ApprovalResolvedHook) error {
		return h(ctx, approval)
	})
}
