// Package ui provides the reviewer HTTP surface.
//
// Reviewers list pending approvals, inspect a tool call's input with secret
// values redacted, approve or deny, and tail a task's event log. The handler
// is a plain http.Handler so it mounts under any router:
//
//	http.Handle("/broker/", http.StripPrefix("/broker", ui.NewHandler(store, approvals, cfg)))
package ui

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/approval"
	"github.com/codebroker/codebroker/storage"
)

// Response wraps all API responses.
type Response struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ApprovalView is the reviewer-facing shape of an approval. Input is the
// redacted document; InputHTML is its sanitized rendering for detail pages.
type ApprovalView struct {
	ID          uuid.UUID              `json:"id"`
	TaskID      uuid.UUID              `json:"task_id"`
	WorkspaceID string                 `json:"workspace_id"`
	ToolPath    string                 `json:"tool_path"`
	Status      storage.ApprovalStatus `json:"status"`
	Input       json.RawMessage        `json:"input"`
	InputHTML   string                 `json:"input_html,omitempty"`
	ReviewerID  *string                `json:"reviewer_id,omitempty"`
	Reason      *string                `json:"reason,omitempty"`
	CreatedAt   string                 `json:"created_at"`
}

// DecisionRequest is the approve/deny request body.
type DecisionRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason,omitempty"`
}

type handler struct {
	store     storage.Store
	approvals *approval.Manager
	config    *Config
}

// NewHandler returns the reviewer surface as an http.Handler.
func NewHandler(store storage.Store, approvals *approval.Manager, cfg *Config) http.Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg.applyDefaults()
	}
	if err := cfg.validate(); err != nil {
		panic("ui: invalid configuration: " + err.Error())
	}

	h := &handler{store: store, approvals: approvals, config: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /approvals", h.handleListApprovals)
	mux.HandleFunc("GET /approvals/{id}", h.handleGetApproval)
	mux.HandleFunc("POST /approvals/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /approvals/{id}/deny", h.handleDeny)
	mux.HandleFunc("GET /tasks", h.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", h.handleGetTask)
	mux.HandleFunc("GET /tasks/{id}/events", h.handleTaskEvents)

	return withMiddleware(mux, cfg)
}

// withMiddleware wraps the handler with common middleware.
func withMiddleware(next http.Handler, cfg *Config) http.Handler {
	next = jsonMiddleware(next)
	next = recoveryMiddleware(next, cfg)
	return next
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func recoveryMiddleware(next http.Handler, cfg *Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if cfg.Logger != nil {
					cfg.Logger.Printf("ui: panic recovered on %s: %v", r.URL.Path, err)
				}
				http.Error(w, `{"error":{"code":"internal_error","message":"internal server error"}}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// =========================================================================
// Approvals
// =========================================================================

func (h *handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	workspaceID := h.workspace(r)
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "missing_workspace", "workspace is required")
		return
	}

	approvals, err := h.approvals.Pending(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	views := make([]*ApprovalView, 0, len(approvals))
	for _, a := range approvals {
		views = append(views, approvalView(a, false))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid approval id")
		return
	}

	a, err := h.approvals.Get(r.Context(), id)
	if err == approval.ErrNotFound {
		writeError(w, http.StatusNotFound, "not_found", "approval not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, approvalView(a, true))
}

func (h *handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, storage.ApprovalApproved)
}

func (h *handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, storage.ApprovalDenied)
}

func (h *handler) resolve(w http.ResponseWriter, r *http.Request, decision storage.ApprovalStatus) {
	if h.config.ReadOnly {
		writeError(w, http.StatusForbidden, "read_only", ErrReadOnly.Error())
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid approval id")
		return
	}

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if req.ReviewerID == "" {
		writeError(w, http.StatusBadRequest, "missing_reviewer", "reviewer_id is required")
		return
	}

	params := &storage.ResolveApprovalParams{
		ApprovalID: id,
		Decision:   decision,
		ReviewerID: &req.ReviewerID,
	}
	if req.Reason != "" {
		params.Reason = &req.Reason
	}

	resolved, err := h.approvals.Resolve(r.Context(), params)
	if err == approval.ErrNotFound {
		writeError(w, http.StatusNotFound, "not_found", "approval not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, approvalView(resolved, false))
}

// =========================================================================
// Tasks
// =========================================================================

func (h *handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	workspaceID := h.workspace(r)
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "missing_workspace", "workspace is required")
		return
	}

	limit := parseInt(r, "limit", h.config.PageSize)
	tasks, err := h.store.ListTasksByWorkspace(r.Context(), workspaceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid task id")
		return
	}

	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handler) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid task id")
		return
	}

	after := int64(parseInt(r, "after", 0))
	limit := parseInt(r, "limit", DefaultEventsLimit)

	events, err := h.store.ListTaskEvents(r.Context(), id, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// =========================================================================
// Helpers
// =========================================================================

func (h *handler) workspace(r *http.Request) string {
	if h.config.WorkspaceID != "" {
		return h.config.WorkspaceID
	}
	return r.URL.Query().Get("workspace")
}

func approvalView(a *storage.Approval, detail bool) *ApprovalView {
	view := &ApprovalView{
		ID:          a.ID,
		TaskID:      a.TaskID,
		WorkspaceID: a.WorkspaceID,
		ToolPath:    a.ToolPath,
		Status:      a.Status,
		Input:       RedactInput(a.Input),
		ReviewerID:  a.ReviewerID,
		Reason:      a.Reason,
		CreatedAt:   a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if detail {
		view.InputHTML = renderInputHTML(a.Input)
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Error: &APIError{Code: code, Message: message},
	})
}

func parseInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return defaultVal
	}
	return i
}
