package codebroker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/codebroker/codebroker/dispatch"
	"github.com/codebroker/codebroker/eventlog"
	"github.com/codebroker/codebroker/executor"
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/storage/memory"
	"github.com/codebroker/codebroker/taskstate"
	"github.com/codebroker/codebroker/tooldef"
	"github.com/codebroker/codebroker/toolsource"
)

// echoSandbox invokes one tool through the bridge and completes.
type echoSandbox struct{}

func (echoSandbox) Run(ctx context.Context, req *executor.RunRequest, bridge executor.Bridge) (*executor.RuntimeResult, error) {
	out, err := bridge.InvokeTool(ctx, &executor.ToolCall{
		CallID:   "call-1",
		ToolPath: "system.echo",
		Input:    map[string]any{"message": "hi"},
	})
	if err != nil {
		return nil, err
	}
	bridge.EmitOutput(ctx, executor.StreamStdout, out.(string))
	return &executor.RuntimeResult{
		Status:   taskstate.StatusCompleted,
		Stdout:   storage.Ptr(out.(string)),
		ExitCode: storage.Ptr(0),
	}, nil
}

func newTestClient(t *testing.T, store storage.Store, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithRuntime("node", echoSandbox{}),
		WithBuiltin(&tooldef.ToolDefinition{
			Path:     "system.echo",
			Approval: tooldef.ApprovalAuto,
			Run:      tooldef.RunSpec{Kind: tooldef.KindBuiltin},
		}, func(ctx context.Context, env *dispatch.Env, input map[string]any) (any, error) {
			msg, _ := input["message"].(string)
			return msg, nil
		}),
	}
	client, err := NewClient(store, &Config{
		InstanceID:   "inst-1",
		PollInterval: 50 * time.Millisecond,
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(nil, nil); err == nil {
		t.Error("NewClient(nil store) expected error")
	}

	store := memory.New()
	if _, err := NewClient(store, &Config{
		HeartbeatInterval: time.Minute,
		InstanceTTL:       time.Second,
	}); err == nil {
		t.Error("NewClient() expected error for TTL below heartbeat interval")
	}
}

func TestCreateTask_Validation(t *testing.T) {
	client := newTestClient(t, memory.New())
	ctx := context.Background()

	tests := []struct {
		name   string
		params *storage.CreateTaskParams
	}{
		{"missing workspace", &storage.CreateTaskParams{RuntimeID: "node", Code: "1"}},
		{"missing runtime", &storage.CreateTaskParams{WorkspaceID: "acme", Code: "1"}},
		{"missing code", &storage.CreateTaskParams{WorkspaceID: "acme", RuntimeID: "node"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := client.CreateTask(ctx, tt.params); err == nil {
				t.Error("CreateTask() expected error")
			}
		})
	}
}

func TestCreateTask_DefaultTimeout(t *testing.T) {
	client := newTestClient(t, memory.New())

	task, err := client.CreateTask(context.Background(), &storage.CreateTaskParams{
		WorkspaceID: "acme",
		RuntimeID:   "node",
		Code:        "1",
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if task.TimeoutMs != DefaultTaskTimeoutMs {
		t.Errorf("TimeoutMs = %d, want %d", task.TimeoutMs, DefaultTaskTimeoutMs)
	}
}

func TestClient_EndToEnd(t *testing.T) {
	store := memory.New()
	client := newTestClient(t, store)

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer client.Stop(ctx)

	if err := client.Start(ctx); err != ErrClientAlreadyStarted {
		t.Errorf("second Start() error = %v, want ErrClientAlreadyStarted", err)
	}

	// Warm the catalog so the first tool call sees a fresh snapshot.
	if _, err := client.RebuildTools(ctx, "acme"); err != nil {
		t.Fatalf("RebuildTools() error = %v", err)
	}

	task, err := client.CreateTask(ctx, &storage.CreateTaskParams{
		WorkspaceID: "acme",
		ActorID:     "agent-7",
		RuntimeID:   "node",
		Code:        "echo('hi')",
		TimeoutMs:   5000,
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		got, err := client.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}
		if got.Status.IsTerminal() {
			if got.Status != taskstate.StatusCompleted {
				t.Fatalf("Status = %v (error %v), want completed", got.Status, got.Error)
			}
			if storage.Deref(got.Stdout) != "hi" {
				t.Errorf("Stdout = %v, want hi", got.Stdout)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task did not finish, status %v", got.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}

	events, err := client.TaskEvents(ctx, task.ID, 0, 0)
	if err != nil {
		t.Fatalf("TaskEvents() error = %v", err)
	}
	seen := make(map[string]bool)
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			t.Errorf("events[%d].Sequence = %d, want %d", i, e.Sequence, i+1)
		}
		seen[e.EventType] = true
	}
	for _, want := range []eventlog.Type{
		eventlog.TaskCreated, eventlog.TaskQueued, eventlog.TaskRunning,
		eventlog.ToolCallStarted, eventlog.ToolCallCompleted,
		eventlog.TaskStdout, eventlog.TaskCompleted,
	} {
		if !seen[string(want)] {
			t.Errorf("missing event %s", want)
		}
	}
}

func TestClient_StopDeregistersInstance(t *testing.T) {
	store := memory.New()
	client := newTestClient(t, store)

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := client.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if client.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := client.Stop(ctx); err != ErrClientNotStarted {
		t.Errorf("second Stop() error = %v, want ErrClientNotStarted", err)
	}
}

func TestUpsertToolSource_NormalizesAndHashes(t *testing.T) {
	client := newTestClient(t, memory.New())
	ctx := context.Background()

	src, err := client.UpsertToolSource(ctx, &ToolSourceParams{
		WorkspaceID: "acme",
		Name:        "GitHub",
		Type:        toolsource.TypeMCP,
		Config:      json.RawMessage(`{"url":"https://mcp.example.com"}`),
	})
	if err != nil {
		t.Fatalf("UpsertToolSource() error = %v", err)
	}
	if src.SpecHash == "" || src.AuthFingerprint == "" {
		t.Errorf("hashes not stored: spec %q auth %q", src.SpecHash, src.AuthFingerprint)
	}
	if !src.Enabled {
		t.Error("Enabled = false, want default true")
	}

	sources, err := client.ListToolSources(ctx, "acme")
	if err != nil {
		t.Fatalf("ListToolSources() error = %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(sources))
	}

	if _, err := client.UpsertToolSource(ctx, &ToolSourceParams{
		WorkspaceID: "acme",
		Name:        "bad",
		Type:        toolsource.TypeOpenAPI,
		Config:      json.RawMessage(`{}`),
	}); err == nil {
		t.Error("UpsertToolSource() expected error for missing spec location")
	}
}

func TestGetTools_ServesBaseAndSystemBuiltins(t *testing.T) {
	client := newTestClient(t, memory.New())

	snap, err := client.RebuildTools(context.Background(), "acme")
	if err != nil {
		t.Fatalf("RebuildTools() error = %v", err)
	}
	if _, ok := snap.Lookup("system.echo"); !ok {
		t.Error("system.echo missing from the catalog")
	}
	if _, ok := snap.Lookup("discover"); !ok {
		t.Error("discover missing from the catalog")
	}
}
