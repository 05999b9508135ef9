// Package postgres implements storage.Store on PostgreSQL with pgx/v5.
//
// All broker tables carry the codebroker_ prefix so the store can share a
// database with the application. Queued-task claims are a conditional UPDATE,
// event sequences are assigned by the database, and writes that waiters care
// about emit pg_notify on the storage channels.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codebroker/codebroker/storage"
)

// Store is a PostgreSQL-backed storage.NotifyingStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.NotifyingStore = (*Store)(nil)

// New creates a store over an existing connection pool. The caller owns the
// pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for callers that need raw access.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

const taskColumns = `id, workspace_id, actor_id, client_id, runtime_id, code, timeout_ms, status,
       stdout, stderr, exit_code, error, claimed_by_instance_id, metadata,
       created_at, started_at, completed_at, updated_at`

// =========================================================================
// Tasks
// =========================================================================

// CreateTask persists a new queued task and notifies the task-queued channel.
func (s *Store) CreateTask(ctx context.Context, params *storage.CreateTaskParams) (*storage.Task, error) {
	if params.WorkspaceID == "" {
		return nil, fmt.Errorf("postgres: workspace_id is required")
	}

	metadataJSON, err := json.Marshal(params.Metadata)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal metadata: %w", err)
	}

	query := `
		INSERT INTO codebroker_tasks (id, workspace_id, actor_id, client_id, runtime_id, code, timeout_ms, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued', $8, NOW(), NOW())
		RETURNING ` + taskColumns

	task, err := scanTask(s.pool.QueryRow(ctx, query,
		uuid.New(), params.WorkspaceID, params.ActorID, params.ClientID,
		params.RuntimeID, params.Code, params.TimeoutMs, metadataJSON,
	))
	if err != nil {
		return nil, fmt.Errorf("postgres: create task: %w", err)
	}

	if err := s.Notify(ctx, storage.ChannelTaskQueued, task.ID.String()); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask returns a task or (nil, nil) when absent.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*storage.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM codebroker_tasks WHERE id = $1`

	task, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get task: %w", err)
	}
	return task, nil
}

// MarkTaskRunning transitions queued -> running; (nil, nil) on a lost race.
func (s *Store) MarkTaskRunning(ctx context.Context, id uuid.UUID, instanceID string) (*storage.Task, error) {
	query := `
		UPDATE codebroker_tasks
		SET status = 'running',
		    claimed_by_instance_id = NULLIF($2, ''),
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING ` + taskColumns

	task, err := scanTask(s.pool.QueryRow(ctx, query, id, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: claim task: %w", err)
	}
	return task, nil
}

// MarkTaskFinished sets a terminal status; (nil, nil) when already terminal.
func (s *Store) MarkTaskFinished(ctx context.Context, params *storage.FinishTaskParams) (*storage.Task, error) {
	if !params.Status.IsTerminal() {
		return nil, fmt.Errorf("postgres: %q is not a terminal status", params.Status)
	}

	query := `
		UPDATE codebroker_tasks
		SET status = $2,
		    stdout = $3,
		    stderr = $4,
		    exit_code = $5,
		    error = $6,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING ` + taskColumns

	task, err := scanTask(s.pool.QueryRow(ctx, query,
		params.TaskID, params.Status, params.Stdout, params.Stderr, params.ExitCode, params.Error,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM codebroker_tasks WHERE id = $1)`, params.TaskID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("postgres: finish task: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("postgres: task not found: %s", params.TaskID)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: finish task: %w", err)
	}
	return task, nil
}

// ListQueuedTasks returns queued tasks in creation order.
func (s *Store) ListQueuedTasks(ctx context.Context, limit int) ([]*storage.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM codebroker_tasks
		WHERE status = 'queued'
		ORDER BY created_at
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list queued tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByWorkspace returns a workspace's tasks, newest first.
func (s *Store) ListTasksByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*storage.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM codebroker_tasks
		WHERE workspace_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, workspaceID, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// =========================================================================
// Events
// =========================================================================

// appendEventRetries bounds the sequence race loop. Two writers inserting the
// same sequence collide on the primary key; the loser recomputes and retries.
const appendEventRetries = 8

// AppendTaskEvent assigns the next contiguous sequence for the task.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID uuid.UUID, eventType string, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	query := `
		INSERT INTO codebroker_task_events (task_id, sequence, type, payload, created_at)
		SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, NOW()
		FROM codebroker_task_events
		WHERE task_id = $1
		RETURNING sequence`

	var lastErr error
	for attempt := 0; attempt < appendEventRetries; attempt++ {
		var sequence int64
		err := s.pool.QueryRow(ctx, query, taskID, eventType, payload).Scan(&sequence)
		if err == nil {
			return sequence, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505": // unique_violation: lost the sequence race
				lastErr = err
				continue
			case "23503": // foreign_key_violation: no such task
				return 0, fmt.Errorf("postgres: task not found: %s", taskID)
			}
		}
		return 0, fmt.Errorf("postgres: append event: %w", err)
	}
	return 0, fmt.Errorf("postgres: append event: sequence contention: %w", lastErr)
}

// ListTaskEvents returns events after the given sequence, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID uuid.UUID, afterSequence int64, limit int) ([]*storage.TaskEvent, error) {
	query := `
		SELECT task_id, sequence, type, payload, created_at
		FROM codebroker_task_events
		WHERE task_id = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, taskID, afterSequence, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []*storage.TaskEvent
	for rows.Next() {
		var event storage.TaskEvent
		if err := rows.Scan(&event.TaskID, &event.Sequence, &event.EventType, &event.Payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate events: %w", err)
	}
	return events, nil
}

// =========================================================================
// Approvals
// =========================================================================

const approvalColumns = `id, task_id, workspace_id, tool_path, input, status, reviewer_id, reason, created_at, resolved_at`

// CreateApproval persists a pending approval and notifies the
// approval-requested channel.
func (s *Store) CreateApproval(ctx context.Context, taskID uuid.UUID, workspaceID, toolPath string, input json.RawMessage) (*storage.Approval, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	query := `
		INSERT INTO codebroker_approvals (id, task_id, workspace_id, tool_path, input, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', NOW())
		RETURNING ` + approvalColumns

	approval, err := scanApproval(s.pool.QueryRow(ctx, query, uuid.New(), taskID, workspaceID, toolPath, input))
	if err != nil {
		return nil, fmt.Errorf("postgres: create approval: %w", err)
	}

	if err := s.Notify(ctx, storage.ChannelApprovalRequested, approval.ID.String()); err != nil {
		return nil, err
	}
	return approval, nil
}

// GetApproval returns an approval or (nil, nil) when absent.
func (s *Store) GetApproval(ctx context.Context, id uuid.UUID) (*storage.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM codebroker_approvals WHERE id = $1`

	approval, err := scanApproval(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get approval: %w", err)
	}
	return approval, nil
}

// ResolveApproval transitions pending -> terminal exactly once. The bool
// reports whether this call performed the transition; a repeat call returns
// the already-resolved approval unchanged.
func (s *Store) ResolveApproval(ctx context.Context, params *storage.ResolveApprovalParams) (*storage.Approval, bool, error) {
	if !params.Decision.IsTerminal() {
		return nil, false, fmt.Errorf("postgres: %q is not a terminal approval status", params.Decision)
	}

	query := `
		UPDATE codebroker_approvals
		SET status = $2,
		    reviewer_id = $3,
		    reason = $4,
		    resolved_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + approvalColumns

	approval, err := scanApproval(s.pool.QueryRow(ctx, query, params.ApprovalID, params.Decision, params.ReviewerID, params.Reason))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetApproval(ctx, params.ApprovalID)
		if getErr != nil {
			return nil, false, getErr
		}
		if existing == nil {
			return nil, false, fmt.Errorf("postgres: approval not found: %s", params.ApprovalID)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: resolve approval: %w", err)
	}

	payload := approval.ID.String() + ":" + string(approval.Status)
	if err := s.Notify(ctx, storage.ChannelApprovalResolved, payload); err != nil {
		return nil, false, err
	}
	return approval, true, nil
}

// ListPendingApprovals returns pending approvals for a workspace, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context, workspaceID string) ([]*storage.Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM codebroker_approvals
		WHERE workspace_id = $1 AND status = 'pending'
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*storage.Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan approval: %w", err)
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate approvals: %w", err)
	}
	return approvals, nil
}

// =========================================================================
// Policies
// =========================================================================

// ListAccessPolicies returns a workspace's policies, oldest first.
func (s *Store) ListAccessPolicies(ctx context.Context, workspaceID string) ([]*storage.AccessPolicy, error) {
	query := `
		SELECT id, workspace_id, actor_id, client_id, tool_path_pattern, decision, priority, created_at
		FROM codebroker_access_policies
		WHERE workspace_id = $1
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list policies: %w", err)
	}
	defer rows.Close()

	var policies []*storage.AccessPolicy
	for rows.Next() {
		var policy storage.AccessPolicy
		if err := rows.Scan(
			&policy.ID, &policy.WorkspaceID, &policy.ActorID, &policy.ClientID,
			&policy.ToolPathPattern, &policy.Decision, &policy.Priority, &policy.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan policy: %w", err)
		}
		policies = append(policies, &policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate policies: %w", err)
	}
	return policies, nil
}

// CreateAccessPolicy persists a policy.
func (s *Store) CreateAccessPolicy(ctx context.Context, policy *storage.AccessPolicy) (*storage.AccessPolicy, error) {
	id := policy.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	query := `
		INSERT INTO codebroker_access_policies (id, workspace_id, actor_id, client_id, tool_path_pattern, decision, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, workspace_id, actor_id, client_id, tool_path_pattern, decision, priority, created_at`

	var created storage.AccessPolicy
	err := s.pool.QueryRow(ctx, query,
		id, policy.WorkspaceID, policy.ActorID, policy.ClientID,
		policy.ToolPathPattern, policy.Decision, policy.Priority,
	).Scan(
		&created.ID, &created.WorkspaceID, &created.ActorID, &created.ClientID,
		&created.ToolPathPattern, &created.Decision, &created.Priority, &created.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: create policy: %w", err)
	}
	return &created, nil
}

// DeleteAccessPolicy removes a policy by ID.
func (s *Store) DeleteAccessPolicy(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM codebroker_access_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: policy not found: %s", id)
	}
	return nil
}

// =========================================================================
// Credentials
// =========================================================================

const credentialColumns = `id, workspace_id, source_key, scope, actor_id, provider, secret_json, overrides_json, created_at, updated_at`

// ResolveCredential returns the matching record or (nil, nil).
func (s *Store) ResolveCredential(ctx context.Context, params *storage.ResolveCredentialParams) (*storage.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM codebroker_credentials
		WHERE workspace_id = $1 AND source_key = $2 AND scope = $3 AND COALESCE(actor_id, '') = COALESCE($4, '')`

	var cred storage.Credential
	err := s.pool.QueryRow(ctx, query, params.WorkspaceID, params.SourceKey, params.Scope, params.ActorID).Scan(
		&cred.ID, &cred.WorkspaceID, &cred.SourceKey, &cred.Scope, &cred.ActorID,
		&cred.Provider, &cred.SecretJSON, &cred.OverridesJSON, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: resolve credential: %w", err)
	}
	return &cred, nil
}

// UpsertCredential inserts or replaces on the uniqueness key.
func (s *Store) UpsertCredential(ctx context.Context, credential *storage.Credential) (*storage.Credential, error) {
	if credential.Scope == storage.ScopeActor && credential.ActorID == nil {
		return nil, fmt.Errorf("postgres: actor-scoped credential requires actor_id")
	}

	query := `
		INSERT INTO codebroker_credentials (id, workspace_id, source_key, scope, actor_id, provider, secret_json, overrides_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (workspace_id, source_key, scope, COALESCE(actor_id, ''))
		DO UPDATE SET provider = EXCLUDED.provider,
		              secret_json = EXCLUDED.secret_json,
		              overrides_json = EXCLUDED.overrides_json,
		              updated_at = NOW()
		RETURNING ` + credentialColumns

	var saved storage.Credential
	err := s.pool.QueryRow(ctx, query,
		uuid.New(), credential.WorkspaceID, credential.SourceKey, credential.Scope,
		credential.ActorID, credential.Provider, credential.SecretJSON, credential.OverridesJSON,
	).Scan(
		&saved.ID, &saved.WorkspaceID, &saved.SourceKey, &saved.Scope, &saved.ActorID,
		&saved.Provider, &saved.SecretJSON, &saved.OverridesJSON, &saved.CreatedAt, &saved.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert credential: %w", err)
	}
	return &saved, nil
}

// =========================================================================
// Tool sources
// =========================================================================

const toolSourceColumns = `id, workspace_id, name, type, config, enabled, spec_hash, auth_fingerprint, created_at, updated_at`

// ListToolSources returns a workspace's sources ordered by name.
func (s *Store) ListToolSources(ctx context.Context, workspaceID string) ([]*storage.ToolSource, error) {
	query := `
		SELECT ` + toolSourceColumns + `
		FROM codebroker_tool_sources
		WHERE workspace_id = $1
		ORDER BY name`

	rows, err := s.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tool sources: %w", err)
	}
	defer rows.Close()

	var sources []*storage.ToolSource
	for rows.Next() {
		source, err := scanToolSource(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan tool source: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate tool sources: %w", err)
	}
	return sources, nil
}

// GetToolSource returns a source by name or (nil, nil).
func (s *Store) GetToolSource(ctx context.Context, workspaceID, name string) (*storage.ToolSource, error) {
	query := `SELECT ` + toolSourceColumns + ` FROM codebroker_tool_sources WHERE workspace_id = $1 AND name = $2`

	source, err := scanToolSource(s.pool.QueryRow(ctx, query, workspaceID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get tool source: %w", err)
	}
	return source, nil
}

// UpsertToolSource inserts or replaces a source by workspace and name.
func (s *Store) UpsertToolSource(ctx context.Context, source *storage.ToolSource) (*storage.ToolSource, error) {
	if source.Name == "" {
		return nil, fmt.Errorf("postgres: tool source name is required")
	}

	query := `
		INSERT INTO codebroker_tool_sources (id, workspace_id, name, type, config, enabled, spec_hash, auth_fingerprint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (workspace_id, name)
		DO UPDATE SET type = EXCLUDED.type,
		              config = EXCLUDED.config,
		              enabled = EXCLUDED.enabled,
		              spec_hash = EXCLUDED.spec_hash,
		              auth_fingerprint = EXCLUDED.auth_fingerprint,
		              updated_at = NOW()
		RETURNING ` + toolSourceColumns

	saved, err := scanToolSource(s.pool.QueryRow(ctx, query,
		uuid.New(), source.WorkspaceID, source.Name, source.Type, source.Config,
		source.Enabled, source.SpecHash, source.AuthFingerprint,
	))
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert tool source: %w", err)
	}
	return saved, nil
}

// DeleteToolSource removes a source by workspace and name.
func (s *Store) DeleteToolSource(ctx context.Context, workspaceID, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM codebroker_tool_sources WHERE workspace_id = $1 AND name = $2`, workspaceID, name)
	if err != nil {
		return fmt.Errorf("postgres: delete tool source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: tool source not found: %s", name)
	}
	return nil
}

// =========================================================================
// Registry builds
// =========================================================================

// GetRegistryState returns the build pointers or (nil, nil) when the
// workspace has never built.
func (s *Store) GetRegistryState(ctx context.Context, workspaceID string) (*storage.RegistryState, error) {
	query := `
		SELECT workspace_id, signature, ready_build_id, building_build_id, warnings, updated_at
		FROM codebroker_registry_state
		WHERE workspace_id = $1`

	var state storage.RegistryState
	err := s.pool.QueryRow(ctx, query, workspaceID).Scan(
		&state.WorkspaceID, &state.Signature, &state.ReadyBuildID, &state.BuildingBuildID, &state.Warnings, &state.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get registry state: %w", err)
	}
	return &state, nil
}

// BeginBuild marks buildID as the in-flight build for the workspace. The
// previous ready build stays visible to readers.
func (s *Store) BeginBuild(ctx context.Context, workspaceID, signature string, buildID uuid.UUID) error {
	query := `
		INSERT INTO codebroker_registry_state (workspace_id, building_build_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (workspace_id)
		DO UPDATE SET building_build_id = EXCLUDED.building_build_id, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, workspaceID, buildID); err != nil {
		return fmt.Errorf("postgres: begin build: %w", err)
	}
	return nil
}

// PutToolsBatch writes one page of compiled tool rows.
func (s *Store) PutToolsBatch(ctx context.Context, entries []*storage.ToolEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entry := range entries {
		batch.Queue(
			`INSERT INTO codebroker_registry_tools (build_id, path, definition) VALUES ($1, $2, $3)
			 ON CONFLICT (build_id, path) DO UPDATE SET definition = EXCLUDED.definition`,
			entry.BuildID, entry.Path, entry.Definition,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: put tools batch: %w", err)
		}
	}
	return nil
}

// PutNamespacesBatch writes one page of namespace index rows.
func (s *Store) PutNamespacesBatch(ctx context.Context, entries []*storage.NamespaceEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entry := range entries {
		batch.Queue(
			`INSERT INTO codebroker_registry_namespaces (build_id, namespace, tool_count) VALUES ($1, $2, $3)
			 ON CONFLICT (build_id, namespace) DO UPDATE SET tool_count = EXCLUDED.tool_count`,
			entry.BuildID, entry.Namespace, entry.ToolCount,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: put namespaces batch: %w", err)
		}
	}
	return nil
}

// FinishBuild promotes buildID to ready iff it is still the building build,
// drops the superseded build's rows, and notifies the build-finished channel.
func (s *Store) FinishBuild(ctx context.Context, workspaceID, signature string, buildID uuid.UUID, warnings []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: finish build: %w", err)
	}
	defer tx.Rollback(context.Background())

	var previousReady, building *uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT ready_build_id, building_build_id FROM codebroker_registry_state WHERE workspace_id = $1 FOR UPDATE`,
		workspaceID,
	).Scan(&previousReady, &building)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && (building == nil || *building != buildID)) {
		return fmt.Errorf("postgres: build %s is not the building build for workspace %s", buildID, workspaceID)
	}
	if err != nil {
		return fmt.Errorf("postgres: finish build: %w", err)
	}

	promote := `
		UPDATE codebroker_registry_state
		SET signature = $2,
		    ready_build_id = $3,
		    building_build_id = NULL,
		    warnings = $4,
		    updated_at = NOW()
		WHERE workspace_id = $1`
	if _, err := tx.Exec(ctx, promote, workspaceID, signature, buildID, warnings); err != nil {
		return fmt.Errorf("postgres: finish build: %w", err)
	}

	if previousReady != nil && *previousReady != buildID {
		if err := deleteBuildRows(ctx, tx, *previousReady); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: finish build: %w", err)
	}

	return s.Notify(ctx, storage.ChannelBuildFinished, workspaceID)
}

// FailBuild discards buildID, restoring the previous ready state.
func (s *Store) FailBuild(ctx context.Context, workspaceID string, buildID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: fail build: %w", err)
	}
	defer tx.Rollback(context.Background())

	query := `
		UPDATE codebroker_registry_state
		SET building_build_id = NULL, updated_at = NOW()
		WHERE workspace_id = $1 AND building_build_id = $2`

	if _, err := tx.Exec(ctx, query, workspaceID, buildID); err != nil {
		return fmt.Errorf("postgres: fail build: %w", err)
	}
	if err := deleteBuildRows(ctx, tx, buildID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: fail build: %w", err)
	}
	return nil
}

// ListBuildTools returns a build's tool rows ordered by path.
func (s *Store) ListBuildTools(ctx context.Context, buildID uuid.UUID) ([]*storage.ToolEntry, error) {
	query := `
		SELECT build_id, path, definition
		FROM codebroker_registry_tools
		WHERE build_id = $1
		ORDER BY path`

	rows, err := s.pool.Query(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list build tools: %w", err)
	}
	defer rows.Close()

	var entries []*storage.ToolEntry
	for rows.Next() {
		var entry storage.ToolEntry
		if err := rows.Scan(&entry.BuildID, &entry.Path, &entry.Definition); err != nil {
			return nil, fmt.Errorf("postgres: scan build tool: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate build tools: %w", err)
	}
	return entries, nil
}

func deleteBuildRows(ctx context.Context, tx pgx.Tx, buildID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `DELETE FROM codebroker_registry_tools WHERE build_id = $1`, buildID); err != nil {
		return fmt.Errorf("postgres: delete build tools: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM codebroker_registry_namespaces WHERE build_id = $1`, buildID); err != nil {
		return fmt.Errorf("postgres: delete build namespaces: %w", err)
	}
	return nil
}

// =========================================================================
// Instances
// =========================================================================

// RegisterInstance registers or refreshes an instance.
func (s *Store) RegisterInstance(ctx context.Context, instance *storage.Instance) error {
	query := `
		INSERT INTO codebroker_instances (id, hostname, pid, max_concurrent, created_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id)
		DO UPDATE SET hostname = EXCLUDED.hostname,
		              pid = EXCLUDED.pid,
		              max_concurrent = EXCLUDED.max_concurrent,
		              last_heartbeat_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, instance.ID, instance.Hostname, instance.PID, instance.MaxConcurrent); err != nil {
		return fmt.Errorf("postgres: register instance: %w", err)
	}
	return nil
}

// HeartbeatInstance refreshes an instance's heartbeat.
func (s *Store) HeartbeatInstance(ctx context.Context, instanceID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE codebroker_instances SET last_heartbeat_at = NOW() WHERE id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("postgres: heartbeat instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: instance not found: %s", instanceID)
	}
	return nil
}

// DeregisterInstance removes an instance.
func (s *Store) DeregisterInstance(ctx context.Context, instanceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM codebroker_instances WHERE id = $1`, instanceID); err != nil {
		return fmt.Errorf("postgres: deregister instance: %w", err)
	}
	return nil
}

// ListOrphanedTasks returns running tasks whose claiming instance is gone or
// has a stale heartbeat.
func (s *Store) ListOrphanedTasks(ctx context.Context, staleAfter time.Duration) ([]*storage.Task, error) {
	query := `
		SELECT ` + qualifyTaskColumns("t") + `
		FROM codebroker_tasks t
		LEFT JOIN codebroker_instances i ON i.id = t.claimed_by_instance_id
		WHERE t.status = 'running'
		  AND t.claimed_by_instance_id IS NOT NULL
		  AND (i.id IS NULL OR i.last_heartbeat_at < NOW() - $1::interval)
		ORDER BY t.created_at`

	rows, err := s.pool.Query(ctx, query, staleAfter)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orphaned tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// =========================================================================
// Notifications
// =========================================================================

// GetListener returns a new Listener on a dedicated pool connection.
func (s *Store) GetListener(ctx context.Context) (storage.Listener, error) {
	return newListener(ctx, s.pool)
}

// Notify broadcasts a payload on a channel via pg_notify.
func (s *Store) Notify(ctx context.Context, channel, payload string) error {
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("postgres: notify %s: %w", channel, err)
	}
	return nil
}

// =========================================================================
// Scan helpers
// =========================================================================

func scanTask(row pgx.Row) (*storage.Task, error) {
	var task storage.Task
	var metadataJSON []byte

	err := row.Scan(
		&task.ID, &task.WorkspaceID, &task.ActorID, &task.ClientID, &task.RuntimeID,
		&task.Code, &task.TimeoutMs, &task.Status,
		&task.Stdout, &task.Stderr, &task.ExitCode, &task.Error, &task.ClaimedByInstanceID,
		&metadataJSON, &task.CreatedAt, &task.StartedAt, &task.CompletedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &task.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &task, nil
}

func scanTasks(rows pgx.Rows) ([]*storage.Task, error) {
	var tasks []*storage.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanApproval(row pgx.Row) (*storage.Approval, error) {
	var approval storage.Approval
	err := row.Scan(
		&approval.ID, &approval.TaskID, &approval.WorkspaceID, &approval.ToolPath,
		&approval.Input, &approval.Status, &approval.ReviewerID, &approval.Reason,
		&approval.CreatedAt, &approval.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &approval, nil
}

func scanToolSource(row pgx.Row) (*storage.ToolSource, error) {
	var source storage.ToolSource
	err := row.Scan(
		&source.ID, &source.WorkspaceID, &source.Name, &source.Type, &source.Config,
		&source.Enabled, &source.SpecHash, &source.AuthFingerprint,
		&source.CreatedAt, &source.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &source, nil
}

// qualifyTaskColumns prefixes the task column list with a table alias for
// joined queries.
func qualifyTaskColumns(alias string) string {
	return alias + `.id, ` + alias + `.workspace_id, ` + alias + `.actor_id, ` + alias + `.client_id, ` +
		alias + `.runtime_id, ` + alias + `.code, ` + alias + `.timeout_ms, ` + alias + `.status, ` +
		alias + `.stdout, ` + alias + `.stderr, ` + alias + `.exit_code, ` + alias + `.error, ` +
		alias + `.claimed_by_instance_id, ` + alias + `.metadata, ` +
		alias + `.created_at, ` + alias + `.started_at, ` + alias + `.completed_at, ` + alias + `.updated_at`
}

// nullableLimit turns the "no limit" zero value into SQL NULL so LIMIT NULL
// applies no cap.
func nullableLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
