package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/eventlog"
	"github.com/codebroker/codebroker/hooks"
	"github.com/codebroker/codebroker/pipeline"
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/taskstate"
)

// Executor runs claimed tasks against registered sandbox runtimes.
type Executor struct {
	store      storage.Store
	events     *eventlog.Log
	pipeline   *pipeline.Pipeline
	instanceID string
	logger     *log.Logger
	hooks      *hooks.Registry

	mu       sync.RWMutex
	runtimes map[string]SandboxAdapter
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger; silent by default.
func WithLogger(logger *log.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithHooks attaches a hook registry observing task transitions.
func WithHooks(registry *hooks.Registry) Option {
	return func(e *Executor) { e.hooks = registry }
}

// New creates an executor claiming tasks on behalf of instanceID.
func New(store storage.Store, events *eventlog.Log, pipe *pipeline.Pipeline, instanceID string, opts ...Option) *Executor {
	e := &Executor{
		store:      store,
		events:     events,
		pipeline:   pipe,
		instanceID: instanceID,
		runtimes:   make(map[string]SandboxAdapter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterRuntime installs a sandbox adapter under a runtime ID. Tasks
// naming an unregistered runtime fail before claiming.
func (e *Executor) RegisterRuntime(runtimeID string, adapter SandboxAdapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runtimes[runtimeID] = adapter
}

func (e *Executor) runtime(runtimeID string) (SandboxAdapter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	adapter, ok := e.runtimes[runtimeID]
	return adapter, ok
}

// Run drives one task from queued to a terminal status. It is a no-op for
// tasks that are missing or already claimed elsewhere.
func (e *Executor) Run(ctx context.Context, taskID uuid.UUID) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("executor: get task %s: %w", taskID, err)
	}
	if task == nil || task.Status != taskstate.StatusQueued {
		return nil
	}

	adapter, ok := e.runtime(task.RuntimeID)
	if !ok {
		return e.rejectTask(ctx, task, fmt.Sprintf("unknown runtime %q", task.RuntimeID))
	}

	running, err := e.store.MarkTaskRunning(ctx, task.ID, e.instanceID)
	if err != nil {
		return fmt.Errorf("executor: claim task %s: %w", task.ID, err)
	}
	if running == nil {
		// Another instance won the claim.
		return nil
	}

	if err := e.publish(ctx, running.ID, eventlog.TaskRunningPayload{
		TaskID:    running.ID,
		Status:    string(taskstate.StatusRunning),
		StartedAt: storage.Deref(running.StartedAt),
	}); err != nil {
		return err
	}
	e.triggerStarted(ctx, running)

	result := e.runSandbox(ctx, running, adapter)

	finished, err := e.store.MarkTaskFinished(ctx, &storage.FinishTaskParams{
		TaskID:   running.ID,
		Status:   result.Status,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		Error:    result.Error,
	})
	if err != nil {
		return fmt.Errorf("executor: finish task %s: %w", running.ID, err)
	}
	if finished == nil {
		// Already terminal (rescued as orphan, for example); the terminal
		// event was published by whoever finished it.
		return nil
	}

	if err := e.publish(ctx, finished.ID, eventlog.TaskTerminalPayload{
		Type:        terminalEventFor(finished.Status),
		TaskID:      finished.ID,
		Status:      string(finished.Status),
		ExitCode:    finished.ExitCode,
		DurationMs:  &result.DurationMs,
		Error:       finished.Error,
		CompletedAt: storage.Deref(finished.CompletedAt),
	}); err != nil {
		return err
	}
	e.triggerFinished(ctx, finished)
	return nil
}

func (e *Executor) triggerStarted(ctx context.Context, task *storage.Task) {
	if e.hooks == nil {
		return
	}
	if err := e.hooks.TriggerTaskStarted(ctx, task); err != nil {
		e.logf("executor: task-started hook: %v", err)
	}
}

func (e *Executor) triggerFinished(ctx context.Context, task *storage.Task) {
	if e.hooks == nil {
		return
	}
	if err := e.hooks.TriggerTaskFinished(ctx, task); err != nil {
		e.logf("executor: task-finished hook: %v", err)
	}
}

// runSandbox executes the adapter and normalizes every outcome into a
// RuntimeResult with a terminal status.
func (e *Executor) runSandbox(ctx context.Context, task *storage.Task, adapter SandboxAdapter) *RuntimeResult {
	req := &RunRequest{
		TaskID:    task.ID,
		RuntimeID: task.RuntimeID,
		Code:      task.Code,
		TimeoutMs: task.TimeoutMs,
		Metadata:  task.Metadata,
	}
	bridge := &taskBridge{executor: e, task: task}

	started := time.Now()
	result, err := adapter.Run(ctx, req, bridge)
	elapsed := time.Since(started).Milliseconds()

	if err != nil {
		status := taskstate.StatusFailed
		kind := taskstate.ErrorKindSandbox

		// A denied approval surfacing out of the sandbox denies the task
		// rather than failing it.
		var denied *pipeline.ApprovalDeniedError
		if errors.As(err, &denied) {
			status = taskstate.StatusDenied
			kind = taskstate.ErrorKindTool
		}

		return &RuntimeResult{
			Status:     status,
			Error:      storage.Ptr(err.Error()),
			ErrorKind:  kind,
			DurationMs: elapsed,
		}
	}

	if result == nil || !result.Status.IsTerminal() {
		return &RuntimeResult{
			Status:     taskstate.StatusFailed,
			Error:      storage.Ptr("sandbox adapter returned no terminal status"),
			ErrorKind:  taskstate.ErrorKindSandbox,
			DurationMs: elapsed,
		}
	}
	if result.DurationMs == 0 {
		result.DurationMs = elapsed
	}
	return result
}

// rejectTask fails a queued task without claiming it.
func (e *Executor) rejectTask(ctx context.Context, task *storage.Task, reason string) error {
	finished, err := e.store.MarkTaskFinished(ctx, &storage.FinishTaskParams{
		TaskID: task.ID,
		Status: taskstate.StatusFailed,
		Error:  storage.Ptr(reason),
	})
	if err != nil {
		return fmt.Errorf("executor: reject task %s: %w", task.ID, err)
	}
	if finished == nil {
		return nil
	}
	if err := e.publish(ctx, finished.ID, eventlog.TaskTerminalPayload{
		Type:        eventlog.TaskFailed,
		TaskID:      finished.ID,
		Status:      string(taskstate.StatusFailed),
		Error:       finished.Error,
		CompletedAt: storage.Deref(finished.CompletedAt),
	}); err != nil {
		return err
	}
	e.triggerFinished(ctx, finished)
	return nil
}

// terminalEventFor maps a terminal status to its event type.
func terminalEventFor(status taskstate.Status) eventlog.Type {
	switch status {
	case taskstate.StatusCompleted:
		return eventlog.TaskCompleted
	case taskstate.StatusTimedOut:
		return eventlog.TaskTimedOut
	case taskstate.StatusDenied:
		return eventlog.TaskDenied
	default:
		return eventlog.TaskFailed
	}
}

// publish appends an event. Run and rejectTask abort on error; output
// streaming logs and keeps going since the bridge cannot surface it.
func (e *Executor) publish(ctx context.Context, taskID uuid.UUID, payload eventlog.Payload) error {
	if _, err := e.events.Publish(ctx, taskID, payload); err != nil {
		return fmt.Errorf("executor: publish %s for task %s: %w", payload.EventType(), taskID, err)
	}
	return nil
}

func (e *Executor) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

// taskBridge adapts a running task to the sandbox protocol.
type taskBridge struct {
	executor *Executor
	task     *storage.Task
}

func (b *taskBridge) InvokeTool(ctx context.Context, call *ToolCall) (any, error) {
	return b.executor.pipeline.Invoke(ctx, b.task, &pipeline.Call{
		CallID:   call.CallID,
		ToolPath: call.ToolPath,
		Input:    call.Input,
	})
}

func (b *taskBridge) EmitOutput(ctx context.Context, stream, line string) {
	eventType := eventlog.TaskStdout
	if stream == StreamStderr {
		eventType = eventlog.TaskStderr
	}
	if err := b.executor.publish(ctx, b.task.ID, eventlog.TaskOutputPayload{
		Type:      eventType,
		TaskID:    b.task.ID,
		Line:      line,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		b.executor.logf("%v", err)
	}
}
