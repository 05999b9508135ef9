// Package storage defines the persistence port for the broker.
//
// This package declares the Store interface that persistence backends must
// implement, together with the persisted entity types. Two implementations
// ship with the broker:
//   - github.com/codebroker/codebroker/storage/postgres (pgx/v5)
//   - github.com/codebroker/codebroker/storage/memory (in-process)
//
// All entities are scoped under a workspace, the tenant boundary. Tasks are
// never deleted; they form the audit trail together with their events.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/taskstate"
)

// CredentialScope controls who a credential belongs to.
type CredentialScope string

const (
	// ScopeWorkspace credentials are shared by every actor in the workspace.
	ScopeWorkspace CredentialScope = "workspace"

	// ScopeActor credentials belong to a single actor within the workspace.
	ScopeActor CredentialScope = "actor"
)

// ApprovalStatus is the status of an approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// IsTerminal returns true once the approval has been decided.
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied
}

// Task is one sandboxed execution of submitted code.
type Task struct {
	ID          uuid.UUID        `json:"id"`
	WorkspaceID string           `json:"workspace_id"`
	ActorID     string           `json:"actor_id"`
	ClientID    string           `json:"client_id"`
	RuntimeID   string           `json:"runtime_id"`
	Code        string           `json:"code"`
	TimeoutMs   int              `json:"timeout_ms"`
	Status      taskstate.Status `json:"status"`

	// Outputs (populated when the task reaches a terminal status)
	Stdout   *string `json:"stdout,omitempty"`
	Stderr   *string `json:"stderr,omitempty"`
	ExitCode *int    `json:"exit_code,omitempty"`
	Error    *string `json:"error,omitempty"`

	// Instance claiming
	ClaimedByInstanceID *string `json:"claimed_by_instance_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskEvent is one immutable record in a task's audit stream. Sequences are
// contiguous per task, starting at 1, and are assigned by the store.
type TaskEvent struct {
	Sequence  int64           `json:"sequence"`
	TaskID    uuid.UUID       `json:"task_id"`
	EventType string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Approval is a gate for a single tool call awaiting a reviewer decision.
type Approval struct {
	ID          uuid.UUID       `json:"id"`
	TaskID      uuid.UUID       `json:"task_id"`
	WorkspaceID string          `json:"workspace_id"`
	ToolPath    string          `json:"tool_path"`
	Input       json.RawMessage `json:"input"`
	Status      ApprovalStatus  `json:"status"`
	ReviewerID  *string         `json:"reviewer_id,omitempty"`
	Reason      *string         `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// AccessPolicy is a workspace-scoped rule mapping tool-path patterns and
// actor/client filters to a decision. Empty ActorID/ClientID act as wildcards.
type AccessPolicy struct {
	ID              uuid.UUID `json:"id"`
	WorkspaceID     string    `json:"workspace_id"`
	ActorID         *string   `json:"actor_id,omitempty"`
	ClientID        *string   `json:"client_id,omitempty"`
	ToolPathPattern string    `json:"tool_path_pattern"`
	Decision        string    `json:"decision"`
	Priority        int       `json:"priority"`
	CreatedAt       time.Time `json:"created_at"`
}

// Credential is an addressable secret bundle attached to a tool source.
// SecretJSON is opaque to the broker; the named provider decrypts it at
// resolution time. Uniqueness: (workspace_id, source_key, scope, actor_id).
type Credential struct {
	ID            uuid.UUID       `json:"id"`
	WorkspaceID   string          `json:"workspace_id"`
	SourceKey     string          `json:"source_key"`
	Scope         CredentialScope `json:"scope"`
	ActorID       *string         `json:"actor_id,omitempty"`
	Provider      string          `json:"provider"`
	SecretJSON    json.RawMessage `json:"secret_json"`
	OverridesJSON json.RawMessage `json:"overrides_json,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ToolSource is a workspace-registered external tool origin. Config is the
// normalized JSON form of the typed per-kind config (see package toolsource).
type ToolSource struct {
	ID              uuid.UUID       `json:"id"`
	WorkspaceID     string          `json:"workspace_id"`
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Config          json.RawMessage `json:"config"`
	Enabled         bool            `json:"enabled"`
	SpecHash        string          `json:"spec_hash"`
	AuthFingerprint string          `json:"auth_fingerprint"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// RegistryState is the per-workspace build pointer pair. ReadyBuildID points
// at the build readers serve from; BuildingBuildID is the in-flight build, if
// any. Readers never observe a partially written build.
type RegistryState struct {
	WorkspaceID     string     `json:"workspace_id"`
	Signature       string     `json:"signature"`
	ReadyBuildID    *uuid.UUID `json:"ready_build_id,omitempty"`
	BuildingBuildID *uuid.UUID `json:"building_build_id,omitempty"`
	Warnings        []string   `json:"warnings,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ToolEntry is one compiled tool persisted under a registry build. Definition
// is the serialized tooldef.ToolDefinition.
type ToolEntry struct {
	BuildID    uuid.UUID       `json:"build_id"`
	Path       string          `json:"path"`
	Definition json.RawMessage `json:"definition"`
}

// NamespaceEntry is one namespace index row persisted under a registry build.
type NamespaceEntry struct {
	BuildID   uuid.UUID `json:"build_id"`
	Namespace string    `json:"namespace"`
	ToolCount int       `json:"tool_count"`
}

// Instance is a running broker instance, registered for orphan detection.
type Instance struct {
	ID              string    `json:"id"`
	Hostname        *string   `json:"hostname,omitempty"`
	PID             *int      `json:"pid,omitempty"`
	MaxConcurrent   int       `json:"max_concurrent"`
	CreatedAt       time.Time `json:"created_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// CreateTaskParams are the inputs to Store.CreateTask.
type CreateTaskParams struct {
	WorkspaceID string
	ActorID     string
	ClientID    string
	RuntimeID   string
	Code        string
	TimeoutMs   int
	Metadata    map[string]any
}

// FinishTaskParams are the inputs to Store.MarkTaskFinished. Status must be
// terminal.
type FinishTaskParams struct {
	TaskID   uuid.UUID
	Status   taskstate.Status
	Stdout   *string
	Stderr   *string
	ExitCode *int
	Error    *string
}

// ResolveApprovalParams are the inputs to Store.ResolveApproval.
type ResolveApprovalParams struct {
	ApprovalID uuid.UUID
	Decision   ApprovalStatus
	ReviewerID *string
	Reason     *string
}

// ResolveCredentialParams identify one credential record.
type ResolveCredentialParams struct {
	WorkspaceID string
	SourceKey   string
	Scope       CredentialScope
	ActorID     *string
}

// Store is the persistence port the broker core requires.
//
// Implementations must make MarkTaskRunning a compare-and-set (conditional on
// status=queued) and must assign event sequences linearizably per task.
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, params *CreateTaskParams) (*Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	// MarkTaskRunning transitions queued -> running and records the claiming
	// instance. Returns (nil, nil) when the task is not queued (lost race).
	MarkTaskRunning(ctx context.Context, id uuid.UUID, instanceID string) (*Task, error)
	// MarkTaskFinished sets a terminal status unconditionally. Returns
	// (nil, nil) when the task is already terminal.
	MarkTaskFinished(ctx context.Context, params *FinishTaskParams) (*Task, error)
	ListQueuedTasks(ctx context.Context, limit int) ([]*Task, error)
	ListTasksByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*Task, error)

	// Event operations. AppendTaskEvent assigns the next contiguous sequence
	// for the task atomically and returns it.
	AppendTaskEvent(ctx context.Context, taskID uuid.UUID, eventType string, payload json.RawMessage) (int64, error)
	ListTaskEvents(ctx context.Context, taskID uuid.UUID, afterSequence int64, limit int) ([]*TaskEvent, error)

	// Approval operations. ResolveApproval is conditional on status=pending;
	// the bool reports whether this call performed the transition.
	CreateApproval(ctx context.Context, taskID uuid.UUID, workspaceID, toolPath string, input json.RawMessage) (*Approval, error)
	GetApproval(ctx context.Context, id uuid.UUID) (*Approval, error)
	ResolveApproval(ctx context.Context, params *ResolveApprovalParams) (*Approval, bool, error)
	ListPendingApprovals(ctx context.Context, workspaceID string) ([]*Approval, error)

	// Policy operations
	ListAccessPolicies(ctx context.Context, workspaceID string) ([]*AccessPolicy, error)
	CreateAccessPolicy(ctx context.Context, policy *AccessPolicy) (*AccessPolicy, error)
	DeleteAccessPolicy(ctx context.Context, id uuid.UUID) error

	// Credential operations
	ResolveCredential(ctx context.Context, params *ResolveCredentialParams) (*Credential, error)
	UpsertCredential(ctx context.Context, credential *Credential) (*Credential, error)

	// Tool source operations. ListToolSources returns a stable order
	// (by name).
	ListToolSources(ctx context.Context, workspaceID string) ([]*ToolSource, error)
	GetToolSource(ctx context.Context, workspaceID, name string) (*ToolSource, error)
	UpsertToolSource(ctx context.Context, source *ToolSource) (*ToolSource, error)
	DeleteToolSource(ctx context.Context, workspaceID, name string) error

	// Registry build operations (see package registry for the state machine).
	GetRegistryState(ctx context.Context, workspaceID string) (*RegistryState, error)
	BeginBuild(ctx context.Context, workspaceID, signature string, buildID uuid.UUID) error
	PutToolsBatch(ctx context.Context, entries []*ToolEntry) error
	PutNamespacesBatch(ctx context.Context, entries []*NamespaceEntry) error
	// FinishBuild promotes buildID to ready iff it is the current building
	// build for the workspace, recording the build's compile warnings.
	FinishBuild(ctx context.Context, workspaceID, signature string, buildID uuid.UUID, warnings []string) error
	// FailBuild discards buildID, restoring the previous ready state.
	FailBuild(ctx context.Context, workspaceID string, buildID uuid.UUID) error
	ListBuildTools(ctx context.Context, buildID uuid.UUID) ([]*ToolEntry, error)

	// Instance operations
	RegisterInstance(ctx context.Context, instance *Instance) error
	HeartbeatInstance(ctx context.Context, instanceID string) error
	DeregisterInstance(ctx context.Context, instanceID string) error
	// ListOrphanedTasks returns running tasks claimed by instances whose
	// heartbeat is older than staleAfter.
	ListOrphanedTasks(ctx context.Context, staleAfter time.Duration) ([]*Task, error)
}

// Helper functions for working with pointers

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns the value pointed to by p, or the zero value if p is nil.
func Deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// DerefOr returns the value pointed to by p, or the default value if p is nil.
func DerefOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
