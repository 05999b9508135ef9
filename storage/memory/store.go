// Package memory provides an in-process implementation of storage.Store.
//
// The memory store backs unit tests and single-process embedded deployments.
// It implements the same compare-and-set and sequence-assignment guarantees
// as the Postgres store, and supports notify-on-write through an in-process
// hub so the approval manager and scheduler behave identically against it.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/taskstate"
)

// Store is an in-memory storage.NotifyingStore.
type Store struct {
	mu sync.Mutex

	tasks     map[uuid.UUID]*storage.Task
	taskOrder []uuid.UUID
	events    map[uuid.UUID][]*storage.TaskEvent
	approvals map[uuid.UUID]*storage.Approval
	policies  map[string][]*storage.AccessPolicy
	creds     []*storage.Credential
	sources   map[string]map[string]*storage.ToolSource
	registry  map[string]*storage.RegistryState
	tools     map[uuid.UUID][]*storage.ToolEntry
	spaces    map[uuid.UUID][]*storage.NamespaceEntry
	instances map[string]*storage.Instance

	hub *hub
}

var _ storage.NotifyingStore = (*Store)(nil)

// New creates an empty memory store.
func New() *Store {
	return &Store{
		tasks:     make(map[uuid.UUID]*storage.Task),
		events:    make(map[uuid.UUID][]*storage.TaskEvent),
		approvals: make(map[uuid.UUID]*storage.Approval),
		policies:  make(map[string][]*storage.AccessPolicy),
		sources:   make(map[string]map[string]*storage.ToolSource),
		registry:  make(map[string]*storage.RegistryState),
		tools:     make(map[uuid.UUID][]*storage.ToolEntry),
		spaces:    make(map[uuid.UUID][]*storage.NamespaceEntry),
		instances: make(map[string]*storage.Instance),
		hub:       newHub(),
	}
}

// =========================================================================
// Tasks
// =========================================================================

// CreateTask persists a new queued task.
func (s *Store) CreateTask(ctx context.Context, params *storage.CreateTaskParams) (*storage.Task, error) {
	if params.WorkspaceID == "" {
		return nil, fmt.Errorf("memory: workspace_id is required")
	}

	now := time.Now()
	task := &storage.Task{
		ID:          uuid.New(),
		WorkspaceID: params.WorkspaceID,
		ActorID:     params.ActorID,
		ClientID:    params.ClientID,
		RuntimeID:   params.RuntimeID,
		Code:        params.Code,
		TimeoutMs:   params.TimeoutMs,
		Status:      taskstate.StatusQueued,
		Metadata:    params.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.taskOrder = append(s.taskOrder, task.ID)
	s.mu.Unlock()

	s.hub.notify(storage.ChannelTaskQueued, task.ID.String())
	return cloneTask(task), nil
}

// GetTask returns a task or (nil, nil) when absent.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(task), nil
}

// MarkTaskRunning transitions queued -> running; (nil, nil) on a lost race.
func (s *Store) MarkTaskRunning(ctx context.Context, id uuid.UUID, instanceID string) (*storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || task.Status != taskstate.StatusQueued {
		return nil, nil
	}

	now := time.Now()
	task.Status = taskstate.StatusRunning
	task.StartedAt = &now
	task.UpdatedAt = now
	if instanceID != "" {
		task.ClaimedByInstanceID = &instanceID
	}
	return cloneTask(task), nil
}

// MarkTaskFinished sets a terminal status; (nil, nil) when already terminal.
func (s *Store) MarkTaskFinished(ctx context.Context, params *storage.FinishTaskParams) (*storage.Task, error) {
	if !params.Status.IsTerminal() {
		return nil, fmt.Errorf("memory: %q is not a terminal status", params.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[params.TaskID]
	if !ok {
		return nil, fmt.Errorf("memory: task not found: %s", params.TaskID)
	}
	if task.Status.IsTerminal() {
		return nil, nil
	}

	now := time.Now()
	task.Status = params.Status
	task.Stdout = params.Stdout
	task.Stderr = params.Stderr
	task.ExitCode = params.ExitCode
	task.Error = params.Error
	task.CompletedAt = &now
	task.UpdatedAt = now
	return cloneTask(task), nil
}

// ListQueuedTasks returns queued tasks in creation order.
func (s *Store) ListQueuedTasks(ctx context.Context, limit int) ([]*storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.Task
	for _, id := range s.taskOrder {
		task := s.tasks[id]
		if task.Status != taskstate.StatusQueued {
			continue
		}
		out = append(out, cloneTask(task))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListTasksByWorkspace returns a workspace's tasks, newest first.
func (s *Store) ListTasksByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.Task
	for i := len(s.taskOrder) - 1; i >= 0; i-- {
		task := s.tasks[s.taskOrder[i]]
		if task.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, cloneTask(task))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// =========================================================================
// Events
// =========================================================================

// AppendTaskEvent assigns the next contiguous sequence for the task.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID uuid.UUID, eventType string, payload json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return 0, fmt.Errorf("memory: task not found: %s", taskID)
	}

	seq := int64(len(s.events[taskID])) + 1
	event := &storage.TaskEvent{
		Sequence:  seq,
		TaskID:    taskID,
		EventType: eventType,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now(),
	}
	s.events[taskID] = append(s.events[taskID], event)
	return seq, nil
}

// ListTaskEvents returns events after the given sequence, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID uuid.UUID, afterSequence int64, limit int) ([]*storage.TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.TaskEvent
	for _, event := range s.events[taskID] {
		if event.Sequence <= afterSequence {
			continue
		}
		clone := *event
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// =========================================================================
// Approvals
// =========================================================================

// CreateApproval persists a pending approval.
func (s *Store) CreateApproval(ctx context.Context, taskID uuid.UUID, workspaceID, toolPath string, input json.RawMessage) (*storage.Approval, error) {
	approval := &storage.Approval{
		ID:          uuid.New(),
		TaskID:      taskID,
		WorkspaceID: workspaceID,
		ToolPath:    toolPath,
		Input:       append(json.RawMessage(nil), input...),
		Status:      storage.ApprovalPending,
		CreatedAt:   time.Now(),
	}

	s.mu.Lock()
	s.approvals[approval.ID] = approval
	s.mu.Unlock()

	s.hub.notify(storage.ChannelApprovalRequested, approval.ID.String())
	return cloneApproval(approval), nil
}

// GetApproval returns an approval or (nil, nil) when absent.
func (s *Store) GetApproval(ctx context.Context, id uuid.UUID) (*storage.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[id]
	if !ok {
		return nil, nil
	}
	return cloneApproval(approval), nil
}

// ResolveApproval transitions pending -> terminal exactly once. The bool
// reports whether this call performed the transition.
func (s *Store) ResolveApproval(ctx context.Context, params *storage.ResolveApprovalParams) (*storage.Approval, bool, error) {
	if !params.Decision.IsTerminal() {
		return nil, false, fmt.Errorf("memory: %q is not a terminal approval status", params.Decision)
	}

	s.mu.Lock()
	approval, ok := s.approvals[params.ApprovalID]
	if !ok {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("memory: approval not found: %s", params.ApprovalID)
	}

	if approval.Status != storage.ApprovalPending {
		clone := cloneApproval(approval)
		s.mu.Unlock()
		return clone, false, nil
	}

	now := time.Now()
	approval.Status = params.Decision
	approval.ReviewerID = params.ReviewerID
	approval.Reason = params.Reason
	approval.ResolvedAt = &now
	clone := cloneApproval(approval)
	s.mu.Unlock()

	s.hub.notify(storage.ChannelApprovalResolved, clone.ID.String()+":"+string(clone.Status))
	return clone, true, nil
}

// ListPendingApprovals returns pending approvals for a workspace, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context, workspaceID string) ([]*storage.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.Approval
	for _, approval := range s.approvals {
		if approval.WorkspaceID == workspaceID && approval.Status == storage.ApprovalPending {
			out = append(out, cloneApproval(approval))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =========================================================================
// Policies
// =========================================================================

// ListAccessPolicies returns a workspace's policies in insertion order.
func (s *Store) ListAccessPolicies(ctx context.Context, workspaceID string) ([]*storage.AccessPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.AccessPolicy, 0, len(s.policies[workspaceID]))
	for _, policy := range s.policies[workspaceID] {
		clone := *policy
		out = append(out, &clone)
	}
	return out, nil
}

// CreateAccessPolicy persists a policy.
func (s *Store) CreateAccessPolicy(ctx context.Context, policy *storage.AccessPolicy) (*storage.AccessPolicy, error) {
	clone := *policy
	if clone.ID == uuid.Nil {
		clone.ID = uuid.New()
	}
	clone.CreatedAt = time.Now()

	s.mu.Lock()
	s.policies[clone.WorkspaceID] = append(s.policies[clone.WorkspaceID], &clone)
	s.mu.Unlock()

	result := clone
	return &result, nil
}

// DeleteAccessPolicy removes a policy by ID.
func (s *Store) DeleteAccessPolicy(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ws, policies := range s.policies {
		for i, policy := range policies {
			if policy.ID == id {
				s.policies[ws] = append(policies[:i], policies[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("memory: policy not found: %s", id)
}

// =========================================================================
// Credentials
// =========================================================================

// ResolveCredential returns the matching record or (nil, nil).
func (s *Store) ResolveCredential(ctx context.Context, params *storage.ResolveCredentialParams) (*storage.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cred := range s.creds {
		if cred.WorkspaceID != params.WorkspaceID || cred.SourceKey != params.SourceKey || cred.Scope != params.Scope {
			continue
		}
		if params.Scope == storage.ScopeActor {
			if cred.ActorID == nil || params.ActorID == nil || *cred.ActorID != *params.ActorID {
				continue
			}
		}
		clone := *cred
		return &clone, nil
	}
	return nil, nil
}

// UpsertCredential inserts or replaces on the uniqueness key.
func (s *Store) UpsertCredential(ctx context.Context, credential *storage.Credential) (*storage.Credential, error) {
	if credential.Scope == storage.ScopeActor && credential.ActorID == nil {
		return nil, fmt.Errorf("memory: actor-scoped credential requires actor_id")
	}

	clone := *credential
	now := time.Now()
	clone.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.creds {
		if existing.WorkspaceID == clone.WorkspaceID && existing.SourceKey == clone.SourceKey &&
			existing.Scope == clone.Scope && storage.Deref(existing.ActorID) == storage.Deref(clone.ActorID) {
			clone.ID = existing.ID
			clone.CreatedAt = existing.CreatedAt
			s.creds[i] = &clone
			result := clone
			return &result, nil
		}
	}

	clone.ID = uuid.New()
	clone.CreatedAt = now
	s.creds = append(s.creds, &clone)
	result := clone
	return &result, nil
}

// =========================================================================
// Tool sources
// =========================================================================

// ListToolSources returns a workspace's sources ordered by name.
func (s *Store) ListToolSources(ctx context.Context, workspaceID string) ([]*storage.ToolSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.ToolSource, 0, len(s.sources[workspaceID]))
	for _, source := range s.sources[workspaceID] {
		clone := *source
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetToolSource returns a source by name or (nil, nil).
func (s *Store) GetToolSource(ctx context.Context, workspaceID, name string) (*storage.ToolSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.sources[workspaceID][name]
	if !ok {
		return nil, nil
	}
	clone := *source
	return &clone, nil
}

// UpsertToolSource inserts or replaces a source by workspace and name.
func (s *Store) UpsertToolSource(ctx context.Context, source *storage.ToolSource) (*storage.ToolSource, error) {
	if source.Name == "" {
		return nil, fmt.Errorf("memory: tool source name is required")
	}

	clone := *source
	now := time.Now()
	clone.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sources[clone.WorkspaceID] == nil {
		s.sources[clone.WorkspaceID] = make(map[string]*storage.ToolSource)
	}
	if existing, ok := s.sources[clone.WorkspaceID][clone.Name]; ok {
		clone.ID = existing.ID
		clone.CreatedAt = existing.CreatedAt
	} else {
		clone.ID = uuid.New()
		clone.CreatedAt = now
	}
	s.sources[clone.WorkspaceID][clone.Name] = &clone
	result := clone
	return &result, nil
}

// DeleteToolSource removes a source by workspace and name.
func (s *Store) DeleteToolSource(ctx context.Context, workspaceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[workspaceID][name]; !ok {
		return fmt.Errorf("memory: tool source not found: %s", name)
	}
	delete(s.sources[workspaceID], name)
	return nil
}

// =========================================================================
// Registry builds
// =========================================================================

// GetRegistryState returns the build pointers or (nil, nil) when the
// workspace has never built.
func (s *Store) GetRegistryState(ctx context.Context, workspaceID string) (*storage.RegistryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.registry[workspaceID]
	if !ok {
		return nil, nil
	}
	clone := *state
	clone.Warnings = append([]string(nil), state.Warnings...)
	return &clone, nil
}

// BeginBuild marks buildID as the in-flight build for the workspace. The
// previous ready build stays visible to readers.
func (s *Store) BeginBuild(ctx context.Context, workspaceID, signature string, buildID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.registry[workspaceID]
	if !ok {
		state = &storage.RegistryState{WorkspaceID: workspaceID}
		s.registry[workspaceID] = state
	}
	state.BuildingBuildID = &buildID
	state.UpdatedAt = time.Now()
	return nil
}

// PutToolsBatch appends tool pages to their builds.
func (s *Store) PutToolsBatch(ctx context.Context, entries []*storage.ToolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		clone := *entry
		s.tools[entry.BuildID] = append(s.tools[entry.BuildID], &clone)
	}
	return nil
}

// PutNamespacesBatch appends namespace index pages to their builds.
func (s *Store) PutNamespacesBatch(ctx context.Context, entries []*storage.NamespaceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		clone := *entry
		s.spaces[entry.BuildID] = append(s.spaces[entry.BuildID], &clone)
	}
	return nil
}

// FinishBuild promotes buildID to ready iff it is still the building build.
func (s *Store) FinishBuild(ctx context.Context, workspaceID, signature string, buildID uuid.UUID, warnings []string) error {
	s.mu.Lock()
	state, ok := s.registry[workspaceID]
	if !ok || state.BuildingBuildID == nil || *state.BuildingBuildID != buildID {
		s.mu.Unlock()
		return fmt.Errorf("memory: build %s is not the building build for workspace %s", buildID, workspaceID)
	}

	if state.ReadyBuildID != nil {
		delete(s.tools, *state.ReadyBuildID)
		delete(s.spaces, *state.ReadyBuildID)
	}
	ready := buildID
	state.Signature = signature
	state.ReadyBuildID = &ready
	state.BuildingBuildID = nil
	state.Warnings = append([]string(nil), warnings...)
	state.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.hub.notify(storage.ChannelBuildFinished, workspaceID)
	return nil
}

// FailBuild discards buildID, restoring the previous ready state.
func (s *Store) FailBuild(ctx context.Context, workspaceID string, buildID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tools, buildID)
	delete(s.spaces, buildID)
	state, ok := s.registry[workspaceID]
	if ok && state.BuildingBuildID != nil && *state.BuildingBuildID == buildID {
		state.BuildingBuildID = nil
		state.UpdatedAt = time.Now()
	}
	return nil
}

// ListBuildTools returns a build's tool pages in insertion order.
func (s *Store) ListBuildTools(ctx context.Context, buildID uuid.UUID) ([]*storage.ToolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.ToolEntry, 0, len(s.tools[buildID]))
	for _, entry := range s.tools[buildID] {
		clone := *entry
		out = append(out, &clone)
	}
	return out, nil
}

// =========================================================================
// Instances
// =========================================================================

// RegisterInstance registers or refreshes an instance.
func (s *Store) RegisterInstance(ctx context.Context, instance *storage.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *instance
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.LastHeartbeatAt = now
	s.instances[clone.ID] = &clone
	return nil
}

// HeartbeatInstance refreshes an instance's heartbeat.
func (s *Store) HeartbeatInstance(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("memory: instance not found: %s", instanceID)
	}
	instance.LastHeartbeatAt = time.Now()
	return nil
}

// DeregisterInstance removes an instance.
func (s *Store) DeregisterInstance(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceID)
	return nil
}

// ListOrphanedTasks returns running tasks whose claiming instance is gone or
// has a stale heartbeat.
func (s *Store) ListOrphanedTasks(ctx context.Context, staleAfter time.Duration) ([]*storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	var out []*storage.Task
	for _, id := range s.taskOrder {
		task := s.tasks[id]
		if task.Status != taskstate.StatusRunning || task.ClaimedByInstanceID == nil {
			continue
		}
		instance, ok := s.instances[*task.ClaimedByInstanceID]
		if !ok || instance.LastHeartbeatAt.Before(cutoff) {
			out = append(out, cloneTask(task))
		}
	}
	return out, nil
}

// =========================================================================
// Notifications
// =========================================================================

// GetListener returns a new in-process listener.
func (s *Store) GetListener(ctx context.Context) (storage.Listener, error) {
	return s.hub.newListener(), nil
}

// Notify broadcasts a payload on a channel.
func (s *Store) Notify(ctx context.Context, channel, payload string) error {
	s.hub.notify(channel, payload)
	return nil
}

func cloneTask(task *storage.Task) *storage.Task {
	clone := *task
	return &clone
}

func cloneApproval(approval *storage.Approval) *storage.Approval {
	clone := *approval
	clone.Input = append(json.RawMessage(nil), approval.Input...)
	return &clone
}
