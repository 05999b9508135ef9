package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/eventlog"
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/storage/memory"
)

func newManager(t *testing.T) (*Manager, *memory.Store, *storage.Task) {
	t.Helper()
	store := memory.New()
	task, err := store.CreateTask(context.Background(), &storage.CreateTaskParams{
		WorkspaceID: "acme",
		RuntimeID:   "node",
		Code:        "1",
		TimeoutMs:   1000,
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	m := New(store, eventlog.New(store), WithPollInterval(20*time.Millisecond))
	return m, store, task
}

func eventTypes(t *testing.T, store storage.Store, taskID uuid.UUID) []string {
	t.Helper()
	events, err := store.ListTaskEvents(context.Background(), taskID, 0, 0)
	if err != nil {
		t.Fatalf("ListTaskEvents() error = %v", err)
	}
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}

func TestCreate_PublishesRequestedEvent(t *testing.T) {
	m, store, task := newManager(t)

	approval, err := m.Create(context.Background(), task.ID, "acme", "call-1", "github.create_issue", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if approval.Status != storage.ApprovalPending {
		t.Errorf("Status = %v, want pending", approval.Status)
	}

	types := eventTypes(t, store, task.ID)
	if len(types) != 1 || types[0] != string(eventlog.ApprovalRequested) {
		t.Errorf("events = %v, want [approval.requested]", types)
	}
}

func TestWaitFor_WakesOnResolve(t *testing.T) {
	m, _, task := newManager(t)

	approval, err := m.Create(context.Background(), task.ID, "acme", "call-1", "github.x", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	type result struct {
		status storage.ApprovalStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := m.WaitFor(context.Background(), approval.ID)
		done <- result{status, err}
	}()

	// Give the waiter a moment to register, then decide.
	time.Sleep(10 * time.Millisecond)
	if _, err := m.Resolve(context.Background(), &storage.ResolveApprovalParams{
		ApprovalID: approval.ID,
		Decision:   storage.ApprovalApproved,
		ReviewerID: storage.Ptr("ops"),
	}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("WaitFor() error = %v", r.err)
		}
		if r.status != storage.ApprovalApproved {
			t.Errorf("WaitFor() = %v, want approved", r.status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor() did not return after Resolve")
	}
}

func TestWaitFor_AlreadyResolved(t *testing.T) {
	m, _, task := newManager(t)

	approval, err := m.Create(context.Background(), task.ID, "acme", "call-1", "github.x", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Resolve(context.Background(), &storage.ResolveApprovalParams{
		ApprovalID: approval.ID,
		Decision:   storage.ApprovalDenied,
	}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	status, err := m.WaitFor(context.Background(), approval.ID)
	if err != nil {
		t.Fatalf("WaitFor() error = %v", err)
	}
	if status != storage.ApprovalDenied {
		t.Errorf("WaitFor() = %v, want denied", status)
	}
}

func TestWaitFor_ContextCancelled(t *testing.T) {
	m, _, task := newManager(t)

	approval, err := m.Create(context.Background(), task.ID, "acme", "call-1", "github.x", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.WaitFor(ctx, approval.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitFor() error = %v, want deadline exceeded", err)
	}
}

func TestResolve_SecondDecisionIgnored(t *testing.T) {
	m, store, task := newManager(t)

	approval, err := m.Create(context.Background(), task.ID, "acme", "call-1", "github.x", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first, err := m.Resolve(context.Background(), &storage.ResolveApprovalParams{
		ApprovalID: approval.ID,
		Decision:   storage.ApprovalApproved,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first.Status != storage.ApprovalApproved {
		t.Errorf("Status = %v, want approved", first.Status)
	}

	second, err := m.Resolve(context.Background(), &storage.ResolveApprovalParams{
		ApprovalID: approval.ID,
		Decision:   storage.ApprovalDenied,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if second.Status != storage.ApprovalApproved {
		t.Errorf("Status = %v, first decision must stick", second.Status)
	}

	// Exactly one resolved event despite two Resolve calls.
	resolved := 0
	for _, typ := range eventTypes(t, store, task.ID) {
		if typ == string(eventlog.ApprovalResolved) {
			resolved++
		}
	}
	if resolved != 1 {
		t.Errorf("resolved events = %d, want 1", resolved)
	}
}

func TestResolve_Validation(t *testing.T) {
	m, _, _ := newManager(t)

	if _, err := m.Resolve(context.Background(), &storage.ResolveApprovalParams{
		ApprovalID: uuid.New(),
		Decision:   storage.ApprovalPending,
	}); err == nil {
		t.Error("Resolve() expected error for a non-terminal decision")
	}

	if _, err := m.Resolve(context.Background(), &storage.ResolveApprovalParams{
		ApprovalID: uuid.New(),
		Decision:   storage.ApprovalApproved,
	}); err == nil {
		t.Error("Resolve() expected error for an unknown approval")
	}
}

func TestGet_NotFound(t *testing.T) {
	m, _, _ := newManager(t)
	if _, err := m.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPending(t *testing.T) {
	m, _, task := newManager(t)

	a, _ := m.Create(context.Background(), task.ID, "acme", "c1", "a.x", nil)
	b, _ := m.Create(context.Background(), task.ID, "acme", "c2", "b.y", nil)
	if _, err := m.Resolve(context.Background(), &storage.ResolveApprovalParams{
		ApprovalID: a.ID,
		Decision:   storage.ApprovalApproved,
	}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	pending, err := m.Pending(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Errorf("Pending() = %v, want only the undecided approval", pending)
	}
}

func TestParseResolvedPayload(t *testing.T) {
	id := uuid.New()

	got, status, ok := parseResolvedPayload(id.String() + ":approved")
	if !ok || got != id || status != storage.ApprovalApproved {
		t.Errorf("parseResolvedPayload() = %v %v %v", got, status, ok)
	}

	for _, payload := range []string{"", "garbage", id.String(), id.String() + ":pending", "nope:approved"} {
		if _, _, ok := parseResolvedPayload(payload); ok {
			t.Errorf("parseResolvedPayload(%q) ok = true", payload)
		}
	}
}

func TestRun_WakesWaitersFromNotifications(t *testing.T) {
	store := memory.New()
	task, err := store.CreateTask(context.Background(), &storage.CreateTaskParams{
		WorkspaceID: "acme",
		RuntimeID:   "node",
		Code:        "1",
		TimeoutMs:   1000,
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	// A long poll interval forces the waiter to depend on the notification.
	m := New(store, eventlog.New(store), WithPollInterval(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	approval, err := m.Create(ctx, task.ID, "acme", "call-1", "github.x", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	done := make(chan storage.ApprovalStatus, 1)
	go func() {
		status, err := m.WaitFor(ctx, approval.ID)
		if err == nil {
			done <- status
		}
	}()
	time.Sleep(20 * time.Millisecond)

	// Resolve through the store directly; only the notification path can
	// wake the waiter before the one-minute poll.
	if _, _, err := store.ResolveApproval(ctx, &storage.ResolveApprovalParams{
		ApprovalID: approval.ID,
		Decision:   storage.ApprovalApproved,
	}); err != nil {
		t.Fatalf("ResolveApproval() error = %v", err)
	}

	select {
	case status := <-done:
		if status != storage.ApprovalApproved {
			t.Errorf("WaitFor() = %v, want approved", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification did not wake the waiter")
	}
}
