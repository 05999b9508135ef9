package maintenance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/codebroker/codebroker/eventlog"
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/storage/memory"
	"github.com/codebroker/codebroker/taskstate"
)

func runningTask(t *testing.T, store storage.Store, instanceID string) *storage.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), &storage.CreateTaskParams{
		WorkspaceID: "acme",
		RuntimeID:   "node",
		Code:        "1",
		TimeoutMs:   1000,
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	running, err := store.MarkTaskRunning(context.Background(), task.ID, instanceID)
	if err != nil {
		t.Fatalf("MarkTaskRunning() error = %v", err)
	}
	return running
}

func TestRunOnce_RescuesOrphan(t *testing.T) {
	store := memory.New()
	task := runningTask(t, store, "dead-instance")

	r := NewRescuer(store, eventlog.New(store), nil)
	result := r.RunOnce(context.Background())
	if len(result.Errors) != 0 {
		t.Fatalf("RunOnce() errors = %v", result.Errors)
	}
	if result.TasksRescued != 1 {
		t.Fatalf("TasksRescued = %d, want 1", result.TasksRescued)
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != taskstate.StatusFailed {
		t.Errorf("Status = %v, want failed", got.Status)
	}
	if !strings.Contains(storage.Deref(got.Error), "orphaned") {
		t.Errorf("Error = %v", got.Error)
	}

	events, err := store.ListTaskEvents(context.Background(), task.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListTaskEvents() error = %v", err)
	}
	failed := 0
	for _, e := range events {
		if e.EventType == string(eventlog.TaskFailed) {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("task.failed events = %d, want 1", failed)
	}
}

func TestRunOnce_SkipsHealthyInstance(t *testing.T) {
	store := memory.New()
	if err := store.RegisterInstance(context.Background(), &storage.Instance{ID: "inst-1"}); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}
	task := runningTask(t, store, "inst-1")

	r := NewRescuer(store, eventlog.New(store), nil)
	result := r.RunOnce(context.Background())
	if result.TasksRescued != 0 {
		t.Fatalf("TasksRescued = %d, want 0", result.TasksRescued)
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != taskstate.StatusRunning {
		t.Errorf("Status = %v, want running", got.Status)
	}
}

func TestRunOnce_RescuesAfterDeregister(t *testing.T) {
	store := memory.New()
	if err := store.RegisterInstance(context.Background(), &storage.Instance{ID: "inst-1"}); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}
	runningTask(t, store, "inst-1")
	if err := store.DeregisterInstance(context.Background(), "inst-1"); err != nil {
		t.Fatalf("DeregisterInstance() error = %v", err)
	}

	r := NewRescuer(store, eventlog.New(store), nil)
	if result := r.RunOnce(context.Background()); result.TasksRescued != 1 {
		t.Errorf("TasksRescued = %d, want 1", result.TasksRescued)
	}
}

func TestRescuer_StartStop(t *testing.T) {
	store := memory.New()
	r := NewRescuer(store, eventlog.New(store), &RescuerConfig{Interval: time.Minute})

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !r.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := r.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if r.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := r.Stop(ctx); !errors.Is(err, ErrNotStarted) {
		t.Errorf("second Stop() error = %v, want ErrNotStarted", err)
	}
}

func TestRescuer_OnRescueCallback(t *testing.T) {
	store := memory.New()
	runningTask(t, store, "dead-instance")

	counts := make(chan int, 1)
	r := NewRescuer(store, eventlog.New(store), &RescuerConfig{
		Interval: time.Minute,
		OnRescue: func(count int) { counts <- count },
	})

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(ctx)

	select {
	case count := <-counts:
		if count != 1 {
			t.Errorf("OnRescue count = %d, want 1", count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnRescue was not called on the initial pass")
	}
}

func TestHeartbeat_RefreshesInstance(t *testing.T) {
	store := memory.New()
	if err := store.RegisterInstance(context.Background(), &storage.Instance{ID: "inst-1"}); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}

	h := NewHeartbeat(store, "inst-1", &HeartbeatConfig{Interval: 10 * time.Millisecond})
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop(ctx)

	time.Sleep(50 * time.Millisecond)

	// A tiny staleness window passes only if the heartbeat keeps refreshing.
	runningTask(t, store, "inst-1")
	r := NewRescuer(store, eventlog.New(store), &RescuerConfig{
		Interval:   time.Minute,
		StaleAfter: 40 * time.Millisecond,
	})
	if result := r.RunOnce(ctx); result.TasksRescued != 0 {
		t.Errorf("TasksRescued = %d, want 0 while heartbeating", result.TasksRescued)
	}
}

func TestHeartbeat_OnError(t *testing.T) {
	store := memory.New()

	errs := make(chan error, 1)
	h := NewHeartbeat(store, "ghost", &HeartbeatConfig{
		Interval: time.Minute,
		OnError: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	})

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop(ctx)

	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("OnError was not called for an unregistered instance")
	}
}
