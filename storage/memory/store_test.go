package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/taskstate"
)

func createTask(t *testing.T, s *Store) *storage.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), &storage.CreateTaskParams{
		WorkspaceID: "acme",
		ActorID:     "agent-7",
		RuntimeID:   "node",
		Code:        "1+1",
		TimeoutMs:   30_000,
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return task
}

func TestCreateTask(t *testing.T) {
	s := New()
	task := createTask(t, s)

	if task.Status != taskstate.StatusQueued {
		t.Errorf("Status = %v, want queued", task.Status)
	}
	if task.ID == uuid.Nil {
		t.Error("ID not assigned")
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got == nil || got.ID != task.ID {
		t.Fatalf("GetTask() = %v, want the created task", got)
	}
}

func TestCreateTask_RequiresWorkspace(t *testing.T) {
	s := New()
	if _, err := s.CreateTask(context.Background(), &storage.CreateTaskParams{}); err == nil {
		t.Error("CreateTask() expected error without workspace_id")
	}
}

func TestMarkTaskRunning_CompareAndSet(t *testing.T) {
	s := New()
	task := createTask(t, s)

	claimed, err := s.MarkTaskRunning(context.Background(), task.ID, "inst-1")
	if err != nil {
		t.Fatalf("MarkTaskRunning() error = %v", err)
	}
	if claimed == nil {
		t.Fatal("MarkTaskRunning() = nil, want claimed task")
	}
	if claimed.Status != taskstate.StatusRunning {
		t.Errorf("Status = %v, want running", claimed.Status)
	}
	if claimed.StartedAt == nil {
		t.Error("StartedAt not set")
	}
	if storage.Deref(claimed.ClaimedByInstanceID) != "inst-1" {
		t.Errorf("ClaimedByInstanceID = %v, want inst-1", claimed.ClaimedByInstanceID)
	}

	// Second claim loses the race.
	lost, err := s.MarkTaskRunning(context.Background(), task.ID, "inst-2")
	if err != nil {
		t.Fatalf("MarkTaskRunning() error = %v", err)
	}
	if lost != nil {
		t.Errorf("MarkTaskRunning() = %v, want nil on a lost race", lost)
	}
}

func TestMarkTaskRunning_UnknownTask(t *testing.T) {
	s := New()
	got, err := s.MarkTaskRunning(context.Background(), uuid.New(), "inst-1")
	if err != nil {
		t.Fatalf("MarkTaskRunning() error = %v", err)
	}
	if got != nil {
		t.Errorf("MarkTaskRunning() = %v, want nil for an unknown task", got)
	}
}

func TestMarkTaskFinished(t *testing.T) {
	s := New()
	task := createTask(t, s)
	if _, err := s.MarkTaskRunning(context.Background(), task.ID, "inst-1"); err != nil {
		t.Fatalf("MarkTaskRunning() error = %v", err)
	}

	finished, err := s.MarkTaskFinished(context.Background(), &storage.FinishTaskParams{
		TaskID:   task.ID,
		Status:   taskstate.StatusCompleted,
		Stdout:   storage.Ptr("done"),
		ExitCode: storage.Ptr(0),
	})
	if err != nil {
		t.Fatalf("MarkTaskFinished() error = %v", err)
	}
	if finished.Status != taskstate.StatusCompleted {
		t.Errorf("Status = %v, want completed", finished.Status)
	}
	if finished.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// Finishing an already terminal task is a no-op.
	again, err := s.MarkTaskFinished(context.Background(), &storage.FinishTaskParams{
		TaskID: task.ID,
		Status: taskstate.StatusFailed,
	})
	if err != nil {
		t.Fatalf("MarkTaskFinished() error = %v", err)
	}
	if again != nil {
		t.Errorf("MarkTaskFinished() = %v, want nil when already terminal", again)
	}

	got, _ := s.GetTask(context.Background(), task.ID)
	if got.Status != taskstate.StatusCompleted {
		t.Errorf("Status = %v, terminal status must not change", got.Status)
	}
}

func TestMarkTaskFinished_RejectsNonTerminal(t *testing.T) {
	s := New()
	task := createTask(t, s)
	_, err := s.MarkTaskFinished(context.Background(), &storage.FinishTaskParams{
		TaskID: task.ID,
		Status: taskstate.StatusRunning,
	})
	if err == nil {
		t.Error("MarkTaskFinished() expected error for a non-terminal status")
	}
}

func TestListQueuedTasks(t *testing.T) {
	s := New()
	first := createTask(t, s)
	second := createTask(t, s)
	if _, err := s.MarkTaskRunning(context.Background(), first.ID, "inst-1"); err != nil {
		t.Fatalf("MarkTaskRunning() error = %v", err)
	}

	queued, err := s.ListQueuedTasks(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListQueuedTasks() error = %v", err)
	}
	if len(queued) != 1 || queued[0].ID != second.ID {
		t.Errorf("ListQueuedTasks() = %v, want only the second task", queued)
	}
}

func TestAppendTaskEvent_Sequences(t *testing.T) {
	s := New()
	task := createTask(t, s)

	for i := 1; i <= 3; i++ {
		seq, err := s.AppendTaskEvent(context.Background(), task.ID, "task.queued", json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("AppendTaskEvent() error = %v", err)
		}
		if seq != int64(i) {
			t.Errorf("AppendTaskEvent() sequence = %d, want %d", seq, i)
		}
	}

	events, err := s.ListTaskEvents(context.Background(), task.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListTaskEvents() error = %v", err)
	}
	for i, event := range events {
		if event.Sequence != int64(i+1) {
			t.Errorf("events[%d].Sequence = %d, want %d", i, event.Sequence, i+1)
		}
		if event.EventType != "task.queued" {
			t.Errorf("events[%d].EventType = %q, want task.queued", i, event.EventType)
		}
	}

	if _, err := s.AppendTaskEvent(context.Background(), uuid.New(), "task.queued", nil); err == nil {
		t.Error("AppendTaskEvent() expected error for an unknown task")
	}
}

func TestResolveApproval_ExactlyOnce(t *testing.T) {
	s := New()
	task := createTask(t, s)

	approval, err := s.CreateApproval(context.Background(), task.ID, "acme", "github.create_issue", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}
	if approval.Status != storage.ApprovalPending {
		t.Errorf("Status = %v, want pending", approval.Status)
	}

	resolved, did, err := s.ResolveApproval(context.Background(), &storage.ResolveApprovalParams{
		ApprovalID: approval.ID,
		Decision:   storage.ApprovalApproved,
		ReviewerID: storage.Ptr("ops"),
	})
	if err != nil {
		t.Fatalf("ResolveApproval() error = %v", err)
	}
	if !did {
		t.Error("ResolveApproval() did = false, want true for the first resolve")
	}
	if resolved.Status != storage.ApprovalApproved {
		t.Errorf("Status = %v, want approved", resolved.Status)
	}
	if resolved.ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}

	again, did, err := s.ResolveApproval(context.Background(), &storage.ResolveApprovalParams{
		ApprovalID: approval.ID,
		Decision:   storage.ApprovalDenied,
	})
	if err != nil {
		t.Fatalf("ResolveApproval() error = %v", err)
	}
	if did {
		t.Error("ResolveApproval() did = true on a second resolve")
	}
	if again.Status != storage.ApprovalApproved {
		t.Errorf("Status = %v, first decision must stick", again.Status)
	}
}

func TestListPendingApprovals(t *testing.T) {
	s := New()
	task := createTask(t, s)

	a, _ := s.CreateApproval(context.Background(), task.ID, "acme", "a.x", nil)
	b, _ := s.CreateApproval(context.Background(), task.ID, "acme", "b.y", nil)
	if _, _, err := s.ResolveApproval(context.Background(), &storage.ResolveApprovalParams{
		ApprovalID: a.ID,
		Decision:   storage.ApprovalDenied,
	}); err != nil {
		t.Fatalf("ResolveApproval() error = %v", err)
	}

	pending, err := s.ListPendingApprovals(context.Background(), "acme")
	if err != nil {
		t.Fatalf("ListPendingApprovals() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Errorf("ListPendingApprovals() = %v, want only the unresolved approval", pending)
	}
}

func TestUpsertToolSource_ReplacesByName(t *testing.T) {
	s := New()
	first, err := s.UpsertToolSource(context.Background(), &storage.ToolSource{
		WorkspaceID: "acme",
		Name:        "github",
		Type:        "openapi",
		SpecHash:    "h1",
	})
	if err != nil {
		t.Fatalf("UpsertToolSource() error = %v", err)
	}

	second, err := s.UpsertToolSource(context.Background(), &storage.ToolSource{
		WorkspaceID: "acme",
		Name:        "github",
		Type:        "openapi",
		SpecHash:    "h2",
	})
	if err != nil {
		t.Fatalf("UpsertToolSource() error = %v", err)
	}
	if second.ID != first.ID {
		t.Error("upsert should keep the original ID")
	}
	if second.SpecHash != "h2" {
		t.Errorf("SpecHash = %q, want h2", second.SpecHash)
	}

	sources, _ := s.ListToolSources(context.Background(), "acme")
	if len(sources) != 1 {
		t.Fatalf("ListToolSources() returned %d sources, want 1", len(sources))
	}
}

func TestBuildLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	buildID := uuid.New()
	if err := s.BeginBuild(ctx, "acme", "sig-1", buildID); err != nil {
		t.Fatalf("BeginBuild() error = %v", err)
	}
	if err := s.PutToolsBatch(ctx, []*storage.ToolEntry{
		{BuildID: buildID, Path: "github.create_issue"},
	}); err != nil {
		t.Fatalf("PutToolsBatch() error = %v", err)
	}
	if err := s.FinishBuild(ctx, "acme", "sig-1", buildID, []string{"slack: compile: connect refused"}); err != nil {
		t.Fatalf("FinishBuild() error = %v", err)
	}

	state, err := s.GetRegistryState(ctx, "acme")
	if err != nil {
		t.Fatalf("GetRegistryState() error = %v", err)
	}
	if state.Signature != "sig-1" {
		t.Errorf("Signature = %q, want sig-1", state.Signature)
	}
	if storage.Deref(state.ReadyBuildID) != buildID {
		t.Errorf("ReadyBuildID = %v, want %v", state.ReadyBuildID, buildID)
	}
	if state.BuildingBuildID != nil {
		t.Error("BuildingBuildID should be cleared after finish")
	}
	if len(state.Warnings) != 1 || state.Warnings[0] != "slack: compile: connect refused" {
		t.Errorf("Warnings = %v, want the finish-build warning", state.Warnings)
	}

	tools, _ := s.ListBuildTools(ctx, buildID)
	if len(tools) != 1 || tools[0].Path != "github.create_issue" {
		t.Errorf("ListBuildTools() = %v", tools)
	}

	// A second build supersedes the first and drops its pages.
	next := uuid.New()
	if err := s.BeginBuild(ctx, "acme", "sig-2", next); err != nil {
		t.Fatalf("BeginBuild() error = %v", err)
	}
	if err := s.FinishBuild(ctx, "acme", "sig-2", next, nil); err != nil {
		t.Fatalf("FinishBuild() error = %v", err)
	}
	tools, _ = s.ListBuildTools(ctx, buildID)
	if len(tools) != 0 {
		t.Errorf("superseded build still has %d tool pages", len(tools))
	}

	state, _ = s.GetRegistryState(ctx, "acme")
	if len(state.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none for a clean build", state.Warnings)
	}
}

func TestFinishBuild_StaleBuildRejected(t *testing.T) {
	ctx := context.Background()
	s := New()

	stale := uuid.New()
	if err := s.BeginBuild(ctx, "acme", "sig-1", stale); err != nil {
		t.Fatalf("BeginBuild() error = %v", err)
	}
	current := uuid.New()
	if err := s.BeginBuild(ctx, "acme", "sig-2", current); err != nil {
		t.Fatalf("BeginBuild() error = %v", err)
	}

	if err := s.FinishBuild(ctx, "acme", "sig-1", stale, nil); err == nil {
		t.Error("FinishBuild() expected error for a superseded build")
	}
}

func TestFailBuild(t *testing.T) {
	ctx := context.Background()
	s := New()

	buildID := uuid.New()
	if err := s.BeginBuild(ctx, "acme", "sig-1", buildID); err != nil {
		t.Fatalf("BeginBuild() error = %v", err)
	}
	if err := s.FailBuild(ctx, "acme", buildID); err != nil {
		t.Fatalf("FailBuild() error = %v", err)
	}

	state, _ := s.GetRegistryState(ctx, "acme")
	if state.BuildingBuildID != nil {
		t.Error("BuildingBuildID should be cleared after a failed build")
	}
	if state.ReadyBuildID != nil {
		t.Error("ReadyBuildID should stay nil, the build never finished")
	}
}

func TestListOrphanedTasks(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.RegisterInstance(ctx, &storage.Instance{ID: "alive"}); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}

	claimed := createTask(t, s)
	if _, err := s.MarkTaskRunning(ctx, claimed.ID, "alive"); err != nil {
		t.Fatalf("MarkTaskRunning() error = %v", err)
	}
	orphan := createTask(t, s)
	if _, err := s.MarkTaskRunning(ctx, orphan.ID, "gone"); err != nil {
		t.Fatalf("MarkTaskRunning() error = %v", err)
	}

	orphans, err := s.ListOrphanedTasks(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ListOrphanedTasks() error = %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != orphan.ID {
		t.Errorf("ListOrphanedTasks() = %v, want only the task claimed by the missing instance", orphans)
	}

	// Deregistering the live instance orphans its task too.
	if err := s.DeregisterInstance(ctx, "alive"); err != nil {
		t.Fatalf("DeregisterInstance() error = %v", err)
	}
	orphans, _ = s.ListOrphanedTasks(ctx, time.Minute)
	if len(orphans) != 2 {
		t.Errorf("ListOrphanedTasks() returned %d tasks, want 2", len(orphans))
	}
}

func TestNotify_DeliversToSubscribedListener(t *testing.T) {
	ctx := context.Background()
	s := New()

	l, err := s.GetListener(ctx)
	if err != nil {
		t.Fatalf("GetListener() error = %v", err)
	}
	defer l.Close(ctx)
	if err := l.Listen(ctx, storage.ChannelTaskQueued); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	task := createTask(t, s)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	n, err := l.WaitForNotification(waitCtx)
	if err != nil {
		t.Fatalf("WaitForNotification() error = %v", err)
	}
	if n.Channel != storage.ChannelTaskQueued {
		t.Errorf("Channel = %q, want %q", n.Channel, storage.ChannelTaskQueued)
	}
	if n.Payload != task.ID.String() {
		t.Errorf("Payload = %q, want the task ID", n.Payload)
	}
}

func TestNotify_UnsubscribedChannelIgnored(t *testing.T) {
	ctx := context.Background()
	s := New()

	l, err := s.GetListener(ctx)
	if err != nil {
		t.Fatalf("GetListener() error = %v", err)
	}
	defer l.Close(ctx)
	if err := l.Listen(ctx, storage.ChannelBuildFinished); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	if err := s.Notify(ctx, storage.ChannelTaskQueued, "x"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if n, err := l.WaitForNotification(waitCtx); err == nil {
		t.Errorf("WaitForNotification() = %v, want timeout for an unsubscribed channel", n)
	}
}

func TestAccessPolicyCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()

	policy, err := s.CreateAccessPolicy(ctx, &storage.AccessPolicy{
		WorkspaceID:     "acme",
		ToolPathPattern: "github.*",
		Decision:        "allow",
	})
	if err != nil {
		t.Fatalf("CreateAccessPolicy() error = %v", err)
	}
	if policy.ID == uuid.Nil {
		t.Error("ID not assigned")
	}

	policies, _ := s.ListAccessPolicies(ctx, "acme")
	if len(policies) != 1 {
		t.Fatalf("ListAccessPolicies() returned %d, want 1", len(policies))
	}

	if err := s.DeleteAccessPolicy(ctx, policy.ID); err != nil {
		t.Fatalf("DeleteAccessPolicy() error = %v", err)
	}
	policies, _ = s.ListAccessPolicies(ctx, "acme")
	if len(policies) != 0 {
		t.Errorf("ListAccessPolicies() returned %d after delete, want 0", len(policies))
	}

	if err := s.DeleteAccessPolicy(ctx, uuid.New()); err == nil {
		t.Error("DeleteAccessPolicy() expected error for an unknown ID")
	}
}
