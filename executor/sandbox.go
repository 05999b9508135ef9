// Package executor drives tasks through their state machine.
//
// A task is claimed (queued -> running, compare-and-set), handed to the
// runtime's sandbox adapter, and finished with exactly one terminal status.
// The sandbox calls back into the broker for tool invocations and output
// streaming through the Bridge.
package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/taskstate"
)

// Output stream names for Bridge.EmitOutput.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// RunRequest describes one sandboxed execution.
type RunRequest struct {
	TaskID    uuid.UUID
	RuntimeID string
	Code      string
	TimeoutMs int
	Metadata  map[string]any
}

// ToolCall is one tool invocation from user code. The sandbox chooses the
// call ID, unique within the task.
type ToolCall struct {
	CallID   string
	ToolPath string
	Input    map[string]any
}

// Bridge is the broker side of the sandbox protocol. The adapter calls
// InvokeTool synchronously for every tool call the user code makes and
// waits for its result before resuming the code.
type Bridge interface {
	InvokeTool(ctx context.Context, call *ToolCall) (any, error)
	EmitOutput(ctx context.Context, stream, line string)
}

// RuntimeResult is what the sandbox reports when the program ends. Status
// must be terminal; timeout enforcement is the adapter's job (return
// StatusTimedOut).
type RuntimeResult struct {
	Status     taskstate.Status
	Stdout     *string
	Stderr     *string
	ExitCode   *int
	Error      *string
	ErrorKind  taskstate.ErrorKind
	DurationMs int64
}

// SandboxAdapter executes submitted code in an isolated runtime. Run
// blocks until the sandbox completes. A returned error means the sandbox
// itself broke; a program failure is a RuntimeResult with a failed status.
type SandboxAdapter interface {
	Run(ctx context.Context, req *RunRequest, bridge Bridge) (*RuntimeResult, error)
}
