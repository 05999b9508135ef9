package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the broker's DDL. Every statement is idempotent, so running
// Migrate against an up-to-date database is a no-op.
const Schema = `
CREATE TABLE IF NOT EXISTS codebroker_tasks (
    id UUID PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    actor_id TEXT NOT NULL DEFAULT '',
    client_id TEXT NOT NULL DEFAULT '',
    runtime_id TEXT NOT NULL,
    code TEXT NOT NULL,
    timeout_ms INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'queued',
    stdout TEXT,
    stderr TEXT,
    exit_code INTEGER,
    error TEXT,
    claimed_by_instance_id TEXT,
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_codebroker_tasks_queued
    ON codebroker_tasks (created_at) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_codebroker_tasks_workspace
    ON codebroker_tasks (workspace_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_codebroker_tasks_running_instance
    ON codebroker_tasks (claimed_by_instance_id) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS codebroker_task_events (
    task_id UUID NOT NULL REFERENCES codebroker_tasks(id),
    sequence BIGINT NOT NULL,
    type TEXT NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (task_id, sequence)
);

CREATE TABLE IF NOT EXISTS codebroker_approvals (
    id UUID PRIMARY KEY,
    task_id UUID NOT NULL REFERENCES codebroker_tasks(id),
    workspace_id TEXT NOT NULL,
    tool_path TEXT NOT NULL,
    input JSONB NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'pending',
    reviewer_id TEXT,
    reason TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_codebroker_approvals_pending
    ON codebroker_approvals (workspace_id, created_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS codebroker_access_policies (
    id UUID PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    actor_id TEXT,
    client_id TEXT,
    tool_path_pattern TEXT NOT NULL,
    decision TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_codebroker_access_policies_workspace
    ON codebroker_access_policies (workspace_id);

CREATE TABLE IF NOT EXISTS codebroker_credentials (
    id UUID PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    source_key TEXT NOT NULL,
    scope TEXT NOT NULL,
    actor_id TEXT,
    provider TEXT NOT NULL,
    secret_json JSONB NOT NULL,
    overrides_json JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_codebroker_credentials_key
    ON codebroker_credentials (workspace_id, source_key, scope, COALESCE(actor_id, ''));

CREATE TABLE IF NOT EXISTS codebroker_tool_sources (
    id UUID PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    config JSONB NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    spec_hash TEXT NOT NULL DEFAULT '',
    auth_fingerprint TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (workspace_id, name)
);

CREATE TABLE IF NOT EXISTS codebroker_registry_state (
    workspace_id TEXT PRIMARY KEY,
    signature TEXT NOT NULL DEFAULT '',
    ready_build_id UUID,
    building_build_id UUID,
    warnings TEXT[] NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS codebroker_registry_tools (
    build_id UUID NOT NULL,
    path TEXT NOT NULL,
    definition JSONB NOT NULL,
    PRIMARY KEY (build_id, path)
);

CREATE TABLE IF NOT EXISTS codebroker_registry_namespaces (
    build_id UUID NOT NULL,
    namespace TEXT NOT NULL,
    tool_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (build_id, namespace)
);

CREATE TABLE IF NOT EXISTS codebroker_instances (
    id TEXT PRIMARY KEY,
    hostname TEXT,
    pid INTEGER,
    max_concurrent INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
