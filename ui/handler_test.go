package ui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/approval"
	"github.com/codebroker/codebroker/eventlog"
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/storage/memory"
)

type fixture struct {
	store     *memory.Store
	approvals *approval.Manager
	server    *httptest.Server
	task      *storage.Task
}

func newFixture(t *testing.T, cfg *Config) *fixture {
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

	approvals := approval.New(store, eventlog.New(store))
	server := httptest.NewServer(NewHandler(store, approvals, cfg))
	t.Cleanup(server.Close)
	return &fixture{store: store, approvals: approvals, server: server, task: task}
}

func (f *fixture) createApproval(t *testing.T, toolPath string, input json.RawMessage) *storage.Approval {
	t.Helper()
	a, err := f.approvals.Create(context.Background(), f.task.ID, "acme", uuid.NewString(), toolPath, input)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return a
}

func get(t *testing.T, url string) (*http.Response, Response) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, body
}

func post(t *testing.T, url, body string) (*http.Response, Response) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func decodeData(t *testing.T, body Response, out any) {
	t.Helper()
	raw, err := json.Marshal(body.Data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
}

func TestListApprovals(t *testing.T) {
	f := newFixture(t, nil)
	a := f.createApproval(t, "github.create_issue", json.RawMessage(`{"title":"x","token":"tok-1"}`))

	resp, body := get(t, f.server.URL+"/approvals?workspace=acme")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var views []*ApprovalView
	decodeData(t, body, &views)
	if len(views) != 1 || views[0].ID != a.ID {
		t.Fatalf("views = %v, want the pending approval", views)
	}
	if views[0].ToolPath != "github.create_issue" {
		t.Errorf("ToolPath = %q", views[0].ToolPath)
	}

	input := string(views[0].Input)
	if strings.Contains(input, "tok-1") {
		t.Errorf("Input leaked the token: %s", input)
	}
	if !strings.Contains(input, redactedPlaceholder) {
		t.Errorf("Input = %s, want redacted token", input)
	}
}

func TestListApprovals_MissingWorkspace(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := get(t, f.server.URL+"/approvals")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body.Error == nil || body.Error.Code != "missing_workspace" {
		t.Errorf("error = %v, want missing_workspace", body.Error)
	}
}

func TestListApprovals_ConfiguredWorkspace(t *testing.T) {
	f := newFixture(t, &Config{WorkspaceID: "acme"})
	f.createApproval(t, "a.b", nil)

	resp, body := get(t, f.server.URL+"/approvals")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var views []*ApprovalView
	decodeData(t, body, &views)
	if len(views) != 1 {
		t.Errorf("views = %d, want 1", len(views))
	}
}

func TestGetApproval(t *testing.T) {
	f := newFixture(t, nil)
	a := f.createApproval(t, "shop.create_order", json.RawMessage(`{"sku":"x","api_key":"k"}`))

	resp, body := get(t, f.server.URL+"/approvals/"+a.ID.String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var view ApprovalView
	decodeData(t, body, &view)
	if view.ID != a.ID {
		t.Errorf("ID = %v, want %v", view.ID, a.ID)
	}
	if view.InputHTML == "" {
		t.Error("InputHTML empty on the detail view")
	}
	if strings.Contains(view.InputHTML, `"k"`) {
		t.Errorf("InputHTML leaked the key: %s", view.InputHTML)
	}
}

func TestGetApproval_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := get(t, f.server.URL+"/approvals/"+uuid.NewString())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body.Error == nil || body.Error.Code != "not_found" {
		t.Errorf("error = %v, want not_found", body.Error)
	}
}

func TestGetApproval_InvalidID(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := get(t, f.server.URL+"/approvals/not-a-uuid")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestApprove(t *testing.T) {
	f := newFixture(t, nil)
	a := f.createApproval(t, "github.x", nil)

	resp, body := post(t, f.server.URL+"/approvals/"+a.ID.String()+"/approve", `{"reviewer_id":"ops"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var view ApprovalView
	decodeData(t, body, &view)
	if view.Status != storage.ApprovalApproved {
		t.Errorf("Status = %v, want approved", view.Status)
	}
	if storage.Deref(view.ReviewerID) != "ops" {
		t.Errorf("ReviewerID = %v, want ops", view.ReviewerID)
	}
}

func TestApprove_MissingReviewer(t *testing.T) {
	f := newFixture(t, nil)
	a := f.createApproval(t, "github.x", nil)

	resp, body := post(t, f.server.URL+"/approvals/"+a.ID.String()+"/approve", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body.Error == nil || body.Error.Code != "missing_reviewer" {
		t.Errorf("error = %v, want missing_reviewer", body.Error)
	}

	got, err := f.approvals.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != storage.ApprovalPending {
		t.Errorf("Status = %v, approval must stay pending", got.Status)
	}
}

func TestDeny_WithReason(t *testing.T) {
	f := newFixture(t, nil)
	a := f.createApproval(t, "github.delete_repo", nil)

	resp, body := post(t, f.server.URL+"/approvals/"+a.ID.String()+"/deny", `{"reviewer_id":"ops","reason":"too risky"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var view ApprovalView
	decodeData(t, body, &view)
	if view.Status != storage.ApprovalDenied {
		t.Errorf("Status = %v, want denied", view.Status)
	}
	if storage.Deref(view.Reason) != "too risky" {
		t.Errorf("Reason = %v", view.Reason)
	}
}

func TestResolve_ReadOnly(t *testing.T) {
	f := newFixture(t, &Config{ReadOnly: true})
	a := f.createApproval(t, "github.x", nil)

	resp, body := post(t, f.server.URL+"/approvals/"+a.ID.String()+"/approve", `{"reviewer_id":"ops"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if body.Error == nil || body.Error.Code != "read_only" {
		t.Errorf("error = %v, want read_only", body.Error)
	}
}

func TestGetTask(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := get(t, f.server.URL+"/tasks/"+f.task.ID.String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var task storage.Task
	decodeData(t, body, &task)
	if task.ID != f.task.ID || task.WorkspaceID != "acme" {
		t.Errorf("task = %+v", task)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := get(t, f.server.URL+"/tasks/"+uuid.NewString())
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListTasks(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := get(t, f.server.URL+"/tasks?workspace=acme")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var tasks []*storage.Task
	decodeData(t, body, &tasks)
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
}

func TestTaskEvents_AfterSequence(t *testing.T) {
	f := newFixture(t, nil)
	events := eventlog.New(f.store)
	for i := 0; i < 3; i++ {
		if _, err := events.Publish(context.Background(), f.task.ID, eventlog.TaskOutputPayload{
			Type:   eventlog.TaskStdout,
			TaskID: f.task.ID,
			Line:   "line",
		}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	resp, body := get(t, f.server.URL+"/tasks/"+f.task.ID.String()+"/events?after=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got []*storage.TaskEvent
	decodeData(t, body, &got)
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].Sequence != 2 {
		t.Errorf("first sequence = %d, want 2", got[0].Sequence)
	}
}

func TestRedactInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
		leak  string
	}{
		{"top level", `{"token":"tok-1","title":"x"}`, "tok-1"},
		{"nested", `{"headers":{"Authorization":"Bearer abc"}}`, "abc"},
		{"array element", `{"creds":[{"password":"hunter2"}]}`, "hunter2"},
		{"mixed case key", `{"Api_Key":"k-9"}`, "k-9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := string(RedactInput(json.RawMessage(tt.input)))
			if strings.Contains(out, tt.leak) {
				t.Errorf("RedactInput(%s) = %s, leaked %q", tt.input, out, tt.leak)
			}
			if !strings.Contains(out, redactedPlaceholder) {
				t.Errorf("RedactInput(%s) = %s, want placeholder", tt.input, out)
			}
		})
	}
}

func TestRedactInput_PreservesNonSecrets(t *testing.T) {
	out := string(RedactInput(json.RawMessage(`{"title":"hello","count":3}`)))
	if !strings.Contains(out, "hello") || !strings.Contains(out, "3") {
		t.Errorf("RedactInput = %s, non-secret values must survive", out)
	}
}

func TestRedactInput_InvalidJSONUnchanged(t *testing.T) {
	in := json.RawMessage(`not json {token`)
	if out := RedactInput(in); string(out) != string(in) {
		t.Errorf("RedactInput = %s, want unchanged", out)
	}
}

func TestRenderMarkdown_StripsScripts(t *testing.T) {
	out := RenderMarkdown("# Title\n\n<script>alert(1)</script>")
	if strings.Contains(out, "<script>") {
		t.Errorf("RenderMarkdown = %s, script must be stripped", out)
	}
	if !strings.Contains(out, "Title") {
		t.Errorf("RenderMarkdown = %s, content lost", out)
	}
}
