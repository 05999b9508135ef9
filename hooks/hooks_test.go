package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/taskstate"
)

func TestTriggerTaskStarted_RunsInOrder(t *testing.T) {
	r := NewRegistry()

	var order []int
	r.OnTaskStarted(func(ctx context.Context, task *storage.Task) error {
		order = append(order, 1)
		return nil
	})
	r.OnTaskStarted(func(ctx context.Context, task *storage.Task) error {
		order = append(order, 2)
		return nil
	})

	task := &storage.Task{ID: uuid.New(), Status: taskstate.StatusRunning}
	if err := r.TriggerTaskStarted(context.Background(), task); err != nil {
		t.Fatalf("TriggerTaskStarted() error = %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("hook order = %v, want [1 2]", order)
	}
}

func TestTrigger_ErrorAbortsRemaining(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")

	called := 0
	r.OnTaskFinished(func(ctx context.Context, task *storage.Task) error {
		called++
		return boom
	})
	r.OnTaskFinished(func(ctx context.Context, task *storage.Task) error {
		called++
		return nil
	})

	err := r.TriggerTaskFinished(context.Background(), &storage.Task{ID: uuid.New()})
	if !errors.Is(err, boom) {
		t.Fatalf("TriggerTaskFinished() error = %v, want boom", err)
	}
	if called != 1 {
		t.Errorf("hooks called = %d, want 1", called)
	}
}

func TestTriggerToolCall_PassesArguments(t *testing.T) {
	r := NewRegistry()

	taskID := uuid.New()
	callErr := errors.New("dispatch failed")
	var got struct {
		toolPath string
		input    json.RawMessage
		output   any
		err      error
	}
	r.OnToolCall(func(ctx context.Context, id uuid.UUID, toolPath string, input json.RawMessage, output any, err error) error {
		if id != taskID {
			t.Errorf("taskID = %v, want %v", id, taskID)
		}
		got.toolPath = toolPath
		got.input = input
		got.output = output
		got.err = err
		return nil
	})

	input := json.RawMessage(`{"q":"x"}`)
	if err := r.TriggerToolCall(context.Background(), taskID, "github.search", input, "result", callErr); err != nil {
		t.Fatalf("TriggerToolCall() error = %v", err)
	}
	if got.toolPath != "github.search" {
		t.Errorf("toolPath = %q", got.toolPath)
	}
	if string(got.input) != `{"q":"x"}` {
		t.Errorf("input = %s", got.input)
	}
	if got.output != "result" || !errors.Is(got.err, callErr) {
		t.Errorf("output = %v, err = %v", got.output, got.err)
	}
}

func TestTriggerApprovalHooks(t *testing.T) {
	r := NewRegistry()

	requested := 0
	resolved := 0
	r.OnApprovalRequested(func(ctx context.Context, approval *storage.Approval) error {
		requested++
		return nil
	})
	r.OnApprovalResolved(func(ctx context.Context, approval *storage.Approval) error {
		resolved++
		if approval.Status != storage.ApprovalApproved {
			t.Errorf("Status = %v, want approved", approval.Status)
		}
		return nil
	})

	approval := &storage.Approval{ID: uuid.New(), Status: storage.ApprovalPending}
	if err := r.TriggerApprovalRequested(context.Background(), approval); err != nil {
		t.Fatalf("TriggerApprovalRequested() error = %v", err)
	}
	approval.Status = storage.ApprovalApproved
	if err := r.TriggerApprovalResolved(context.Background(), approval); err != nil {
		t.Fatalf("TriggerApprovalResolved() error = %v", err)
	}
	if requested != 1 || resolved != 1 {
		t.Errorf("requested = %d, resolved = %d, want 1 each", requested, resolved)
	}
}

func TestTrigger_NoHooksIsNoOp(t *testing.T) {
	r := NewRegistry()
	if err := r.TriggerTaskStarted(context.Background(), &storage.Task{}); err != nil {
		t.Errorf("TriggerTaskStarted() error = %v", err)
	}
	if err := r.TriggerToolCall(context.Background(), uuid.New(), "a.b", nil, nil, nil); err != nil {
		t.Errorf("TriggerToolCall() error = %v", err)
	}
}
