// Package taskstate provides the state machine definition for broker tasks.
//
// A task represents one sandboxed execution of submitted code. Each task has
// a status that progresses through the state machine until reaching a
// terminal status.
//
// State Machine:
//
//	queued -> running                  (executor claims task)
//	running -> completed               (sandbox finished cleanly)
//	running -> failed                  (sandbox or broker error)
//	running -> timed_out               (sandbox deadline expired)
//	running -> denied                  (a required approval was denied)
//	queued -> failed                   (unknown runtime, dead instance)
//
// Terminal statuses (completed, failed, timed_out, denied) cannot transition
// further.
package taskstate

import (
	"database/sql/driver"
	"fmt"
)

// Status represents the current status of a task.
type Status string

const (
	// StatusQueued indicates the task is created but not yet picked up by
	// an executor. This is the initial status when a task is created.
	StatusQueued Status = "queued"

	// StatusRunning indicates an executor has claimed the task and the
	// sandbox is executing the submitted code.
	StatusRunning Status = "running"

	// StatusCompleted indicates the sandbox finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the task failed with an error. The task's
	// error field will be populated.
	StatusFailed Status = "failed"

	// StatusTimedOut indicates the sandbox deadline expired before the
	// submitted code finished.
	StatusTimedOut Status = "timed_out"

	// StatusDenied indicates a required approval for a tool call inside
	// the task was denied by a reviewer.
	StatusDenied Status = "denied"
)

// AllStatuses returns all possible task statuses.
func AllStatuses() []Status {
	return []Status{
		StatusQueued,
		StatusRunning,
		StatusCompleted,
		StatusFailed,
		StatusTimedOut,
		StatusDenied,
	}
}

// TerminalStatuses returns all terminal (final) statuses.
func TerminalStatuses() []Status {
	return []Status{
		StatusCompleted,
		StatusFailed,
		StatusTimedOut,
		StatusDenied,
	}
}

// IsValid returns true if the status is a valid Status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusTimedOut, StatusDenied:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status is a terminal (final) status.
// Terminal statuses cannot transition to any other status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusDenied:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if a transition from this status to the
// target status is valid.
//
// Valid transitions:
//   - queued -> running (executor claims task)
//   - queued -> failed (rejected before running: unknown runtime, orphaned)
//   - running -> completed | failed | timed_out | denied
//
// Invalid transitions:
//   - Any terminal status to any other status
//   - Same status to same status (no-op)
func (s Status) CanTransitionTo(target Status) bool {
	if s.IsTerminal() {
		return false
	}
	if s == target {
		return false
	}

	switch s {
	case StatusQueued:
		return target == StatusRunning || target == StatusFailed
	case StatusRunning:
		return target.IsTerminal()
	}

	return false
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Value implements driver.Valuer for database serialization.
func (s Status) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner for database deserialization.
func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case string:
		status := Status(v)
		if !status.IsValid() {
			return fmt.Errorf("taskstate: invalid status %q", v)
		}
		*s = status
		return nil
	case []byte:
		status := Status(v)
		if !status.IsValid() {
			return fmt.Errorf("taskstate: invalid status %q", v)
		}
		*s = status
		return nil
	default:
		return fmt.Errorf("taskstate: cannot scan type %T into Status", src)
	}
}

// Transition represents a status transition with validation.
type Transition struct {
	From Status
	To   Status
}

// Validate returns an error if the transition is invalid.
func (t Transition) Validate() error {
	if !t.From.IsValid() {
		return fmt.Errorf("taskstate: invalid source status %q", t.From)
	}
	if !t.To.IsValid() {
		return fmt.Errorf("taskstate: invalid target status %q", t.To)
	}
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("taskstate: invalid transition from %q to %q", t.From, t.To)
	}
	return nil
}

// ErrorKind classifies why a task failed.
type ErrorKind string

const (
	// ErrorKindOrphan indicates the task was orphaned by a dead instance.
	ErrorKindOrphan ErrorKind = "orphan"

	// ErrorKindRuntime indicates the requested runtime is unknown or disabled.
	ErrorKindRuntime ErrorKind = "runtime"

	// ErrorKindSandbox indicates the sandbox reported an execution error.
	ErrorKindSandbox ErrorKind = "sandbox"

	// ErrorKindTool indicates a tool invocation failed the task.
	ErrorKindTool ErrorKind = "tool"

	// ErrorKindInternal indicates an internal broker error.
	ErrorKindInternal ErrorKind = "internal"
)

// String returns the string representation of the error kind.
func (e ErrorKind) String() string {
	return string(e)
}
