package codebroker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/approval"
	"github.com/codebroker/codebroker/compiler"
	"github.com/codebroker/codebroker/credential"
	"github.com/codebroker/codebroker/dispatch"
	"github.com/codebroker/codebroker/eventlog"
	"github.com/codebroker/codebroker/executor"
	"github.com/codebroker/codebroker/hooks"
	"github.com/codebroker/codebroker/maintenance"
	"github.com/codebroker/codebroker/pipeline"
	"github.com/codebroker/codebroker/registry"
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/taskstate"
	"github.com/codebroker/codebroker/toolsource"
)

// Version is the current broker version
const Version = "1.0.0"

// Client wires the broker components over a single store and manages the
// instance's background services.
type Client struct {
	store      storage.Store
	config     *Config
	instanceID string

	events      *eventlog.Log
	credentials *credential.Resolver
	compiler    *compiler.Compiler
	registry    *registry.Registry
	dispatcher  *dispatch.Dispatcher
	approvals   *approval.Manager
	pipeline    *pipeline.Pipeline
	executor    *executor.Executor
	scheduler   *executor.Scheduler
	hooks       *hooks.Registry

	// Background services
	heartbeat *maintenance.Heartbeat
	rescuer   *maintenance.Rescuer

	// State
	started atomic.Bool
	cancel  context.CancelFunc
	bg      sync.WaitGroup
}

// NewClient creates a broker client over the given store.
//
// Example:
//
//	pool, _ := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	store := postgres.New(pool)
//	client, err := codebroker.NewClient(store, nil,
//	    codebroker.WithRuntime("node", nodeAdapter),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(ctx)
func NewClient(store storage.Store, config *Config, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}

	if config == nil {
		config = DefaultConfig()
	} else {
		config.applyDefaults()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	options := newClientOptions()
	for _, opt := range opts {
		opt(options)
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	if config.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			config.Hostname = h
		} else {
			config.Hostname = "unknown"
		}
	}

	providers := credential.NewProviderRegistry()
	_ = providers.Register(credential.PlaintextProvider{})
	for _, p := range options.providers {
		if err := providers.Register(p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	events := eventlog.New(store)
	resolver := credential.NewResolver(store, providers)

	var compilerOpts []compiler.Option
	if options.httpClient != nil {
		compilerOpts = append(compilerOpts, compiler.WithHTTPClient(options.httpClient))
	}
	comp := compiler.New(compilerOpts...)

	reg := registry.New(store, comp,
		registry.WithLogger(options.logger),
		registry.WithSourceBudget(config.SourceBudget),
	)

	dispatcherOpts := []dispatch.Option{dispatch.WithLogger(options.logger)}
	if options.httpClient != nil {
		dispatcherOpts = append(dispatcherOpts, dispatch.WithHTTPClient(options.httpClient))
	}
	dispatcher := dispatch.New(dispatcherOpts...)
	pipeline.RegisterBaseBuiltins(dispatcher, reg)
	for _, def := range options.baseTools {
		reg.RegisterBaseTool(def)
	}
	for path, fn := range options.builtins {
		dispatcher.RegisterBuiltin(path, fn)
	}

	approvalOpts := []approval.Option{
		approval.WithLogger(options.logger),
		approval.WithPollInterval(config.ApprovalPollInterval),
	}
	if options.hooks != nil {
		approvalOpts = append(approvalOpts, approval.WithHooks(options.hooks))
	}
	approvals := approval.New(store, events, approvalOpts...)

	pipelineOpts := []pipeline.Option{pipeline.WithLogger(options.logger)}
	if options.hooks != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithHooks(options.hooks))
	}
	pipe := pipeline.New(reg, store, events, approvals, resolver, dispatcher, pipelineOpts...)

	executorOpts := []executor.Option{executor.WithLogger(options.logger)}
	if options.hooks != nil {
		executorOpts = append(executorOpts, executor.WithHooks(options.hooks))
	}
	exec := executor.New(store, events, pipe, instanceID, executorOpts...)
	for runtimeID, adapter := range options.runtimes {
		exec.RegisterRuntime(runtimeID, adapter)
	}

	scheduler := executor.NewScheduler(store, exec, config.MaxConcurrent,
		executor.WithSchedulerLogger(options.logger),
		executor.WithPollInterval(config.PollInterval),
	)

	return &Client{
		store:       store,
		config:      config,
		instanceID:  instanceID,
		events:      events,
		credentials: resolver,
		compiler:    comp,
		registry:    reg,
		dispatcher:  dispatcher,
		approvals:   approvals,
		pipeline:    pipe,
		executor:    exec,
		scheduler:   scheduler,
		hooks:       options.hooks,
	}, nil
}

// Start registers the instance and begins background operations: the task
// scheduler, the approval listener, the heartbeat and the orphan rescuer.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrClientAlreadyStarted
	}

	ctx, c.cancel = context.WithCancel(ctx)

	instance := &storage.Instance{
		ID:            c.instanceID,
		Hostname:      &c.config.Hostname,
		PID:           storage.Ptr(os.Getpid()),
		MaxConcurrent: c.config.MaxConcurrent,
	}
	if err := c.store.RegisterInstance(ctx, instance); err != nil {
		c.started.Store(false)
		return fmt.Errorf("failed to register instance: %w", err)
	}

	c.heartbeat = maintenance.NewHeartbeat(c.store, c.instanceID, &maintenance.HeartbeatConfig{
		Interval: c.config.HeartbeatInterval,
		OnError:  c.config.OnError,
	})
	if err := c.heartbeat.Start(ctx); err != nil {
		c.started.Store(false)
		return fmt.Errorf("failed to start heartbeat: %w", err)
	}

	c.rescuer = maintenance.NewRescuer(c.store, c.events, &maintenance.RescuerConfig{
		Interval:   c.config.RescueInterval,
		StaleAfter: c.config.InstanceTTL,
		OnError:    c.config.OnError,
	})
	if err := c.rescuer.Start(ctx); err != nil {
		_ = c.heartbeat.Stop(ctx) // best-effort cleanup
		c.started.Store(false)
		return fmt.Errorf("failed to start rescuer: %w", err)
	}

	c.bg.Add(2)
	go func() {
		defer c.bg.Done()
		c.scheduler.Run(ctx)
	}()
	go func() {
		defer c.bg.Done()
		_ = c.approvals.Run(ctx)
	}()

	return nil
}

// Stop gracefully shuts down the client: background loops first, then the
// maintenance services, then instance deregistration.
func (c *Client) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.bg.Wait()

	if c.rescuer != nil && c.rescuer.IsRunning() {
		_ = c.rescuer.Stop(ctx)
	}
	if c.heartbeat != nil && c.heartbeat.IsRunning() {
		_ = c.heartbeat.Stop(ctx)
	}

	c.dispatcher.Close()

	// Deregister instance (best effort)
	_ = c.store.DeregisterInstance(ctx, c.instanceID)

	c.started.Store(false)
	return nil
}

// =========================================================================
// Tasks
// =========================================================================

// CreateTask queues a sandboxed execution and publishes task.created and
// task.queued on its event log. The scheduler picks it up on the next wakeup.
func (c *Client) CreateTask(ctx context.Context, params *storage.CreateTaskParams) (*storage.Task, error) {
	if params.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspace_id is required", ErrInvalidConfig)
	}
	if params.RuntimeID == "" {
		return nil, fmt.Errorf("%w: runtime_id is required", ErrInvalidConfig)
	}
	if params.Code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidConfig)
	}
	if params.TimeoutMs <= 0 {
		params.TimeoutMs = DefaultTaskTimeoutMs
	}

	task, err := c.store.CreateTask(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	if _, err := c.events.Publish(ctx, task.ID, eventlog.TaskCreatedPayload{
		TaskID:      task.ID,
		Status:      string(task.Status),
		RuntimeID:   task.RuntimeID,
		TimeoutMs:   task.TimeoutMs,
		WorkspaceID: task.WorkspaceID,
		ActorID:     task.ActorID,
		ClientID:    task.ClientID,
		CreatedAt:   task.CreatedAt,
	}); err != nil {
		return nil, err
	}
	if _, err := c.events.Publish(ctx, task.ID, eventlog.TaskQueuedPayload{
		TaskID: task.ID,
		Status: string(taskstate.StatusQueued),
	}); err != nil {
		return nil, err
	}

	// Local fast path; remote instances wake via the store notification.
	if c.started.Load() {
		c.scheduler.Trigger()
	}
	return task, nil
}

// GetTask returns a task by ID.
func (c *Client) GetTask(ctx context.Context, taskID uuid.UUID) (*storage.Task, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns a workspace's tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, workspaceID string, limit int) ([]*storage.Task, error) {
	return c.store.ListTasksByWorkspace(ctx, workspaceID, limit)
}

// TaskEvents returns a task's events after the given sequence, oldest first.
// Pass afterSequence 0 to read from the start.
func (c *Client) TaskEvents(ctx context.Context, taskID uuid.UUID, afterSequence int64, limit int) ([]*storage.TaskEvent, error) {
	return c.events.List(ctx, taskID, afterSequence, limit)
}

// RegisterRuntime installs a sandbox adapter under a runtime ID.
func (c *Client) RegisterRuntime(runtimeID string, adapter executor.SandboxAdapter) {
	c.executor.RegisterRuntime(runtimeID, adapter)
}

// =========================================================================
// Tool sources and registry
// =========================================================================

// ToolSourceParams are the inputs to UpsertToolSource. Config is the raw
// per-kind JSON document (see package toolsource).
type ToolSourceParams struct {
	WorkspaceID string
	Name        string
	Type        toolsource.Type
	Config      json.RawMessage
	Enabled     *bool
}

// UpsertToolSource validates, normalizes and persists a tool source. The
// stored spec hash and auth fingerprint feed the registry signature, so the
// next read observes the change and rebuilds.
func (c *Client) UpsertToolSource(ctx context.Context, params *ToolSourceParams) (*storage.ToolSource, error) {
	if params.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspace_id is required", ErrInvalidConfig)
	}

	cfg, err := toolsource.Parse(params.Type, params.Config)
	if err != nil {
		return nil, err
	}
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, fmt.Errorf("failed to normalize tool source: %w", err)
	}
	specHash, err := cfg.SpecHash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash tool source: %w", err)
	}
	fingerprint, err := cfg.AuthFingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint tool source auth: %w", err)
	}

	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}

	return c.store.UpsertToolSource(ctx, &storage.ToolSource{
		WorkspaceID:     params.WorkspaceID,
		Name:            params.Name,
		Type:            string(params.Type),
		Config:          normalized,
		Enabled:         enabled,
		SpecHash:        specHash,
		AuthFingerprint: fingerprint,
	})
}

// ListToolSources returns a workspace's tool sources ordered by name.
func (c *Client) ListToolSources(ctx context.Context, workspaceID string) ([]*storage.ToolSource, error) {
	return c.store.ListToolSources(ctx, workspaceID)
}

// DeleteToolSource removes a tool source by name.
func (c *Client) DeleteToolSource(ctx context.Context, workspaceID, name string) error {
	return c.store.DeleteToolSource(ctx, workspaceID, name)
}

// GetTools returns the workspace's tool snapshot. Stale snapshots are served
// while a rebuild runs in the background; check Snapshot.Warning.
func (c *Client) GetTools(ctx context.Context, workspaceID string) (*registry.Snapshot, error) {
	return c.registry.GetTools(ctx, workspaceID)
}

// RebuildTools forces a synchronous registry rebuild for the workspace and
// returns the fresh snapshot.
func (c *Client) RebuildTools(ctx context.Context, workspaceID string) (*registry.Snapshot, error) {
	return c.registry.GetToolsFresh(ctx, workspaceID)
}

// =========================================================================
// Credentials and policies
// =========================================================================

// UpsertCredential inserts or replaces a credential record on its uniqueness
// key (workspace, source key, scope, actor).
func (c *Client) UpsertCredential(ctx context.Context, cred *storage.Credential) (*storage.Credential, error) {
	return c.store.UpsertCredential(ctx, cred)
}

// CreateAccessPolicy persists a workspace policy rule.
func (c *Client) CreateAccessPolicy(ctx context.Context, policy *storage.AccessPolicy) (*storage.AccessPolicy, error) {
	return c.store.CreateAccessPolicy(ctx, policy)
}

// DeleteAccessPolicy removes a policy rule.
func (c *Client) DeleteAccessPolicy(ctx context.Context, id uuid.UUID) error {
	return c.store.DeleteAccessPolicy(ctx, id)
}

// ListAccessPolicies returns a workspace's policy rules.
func (c *Client) ListAccessPolicies(ctx context.Context, workspaceID string) ([]*storage.AccessPolicy, error) {
	return c.store.ListAccessPolicies(ctx, workspaceID)
}

// =========================================================================
// Approvals
// =========================================================================

// PendingApprovals lists the workspace's undecided approvals.
func (c *Client) PendingApprovals(ctx context.Context, workspaceID string) ([]*storage.Approval, error) {
	return c.approvals.Pending(ctx, workspaceID)
}

// Approve applies an approve decision on behalf of a reviewer.
func (c *Client) Approve(ctx context.Context, approvalID uuid.UUID, reviewerID, reason string) (*storage.Approval, error) {
	return c.resolveApproval(ctx, approvalID, storage.ApprovalApproved, reviewerID, reason)
}

// Deny applies a deny decision on behalf of a reviewer.
func (c *Client) Deny(ctx context.Context, approvalID uuid.UUID, reviewerID, reason string) (*storage.Approval, error) {
	return c.resolveApproval(ctx, approvalID, storage.ApprovalDenied, reviewerID, reason)
}

func (c *Client) resolveApproval(ctx context.Context, approvalID uuid.UUID, decision storage.ApprovalStatus, reviewerID, reason string) (*storage.Approval, error) {
	params := &storage.ResolveApprovalParams{
		ApprovalID: approvalID,
		Decision:   decision,
	}
	if reviewerID != "" {
		params.ReviewerID = &reviewerID
	}
	if reason != "" {
		params.Reason = &reason
	}
	return c.approvals.Resolve(ctx, params)
}

// =========================================================================
// Accessors
// =========================================================================

// InstanceID returns the unique identifier for this client instance.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// IsRunning returns true if the client is running.
func (c *Client) IsRunning() bool {
	return c.started.Load()
}

// Store returns the storage interface for direct access.
func (c *Client) Store() storage.Store {
	return c.store
}

// Events returns the event log.
func (c *Client) Events() *eventlog.Log {
	return c.events
}

// Registry returns the tool registry.
func (c *Client) Registry() *registry.Registry {
	return c.registry
}

// Approvals returns the approval manager, for mounting reviewer surfaces.
func (c *Client) Approvals() *approval.Manager {
	return c.approvals
}

// Executor returns the task executor.
func (c *Client) Executor() *executor.Executor {
	return c.executor
}
