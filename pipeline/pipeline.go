// Package pipeline orchestrates one tool invocation end to end.
//
// For each call it loads the workspace's tools and policies, applies the
// policy decision, resolves credentials, gates on reviewer approval when
// required, dispatches, and publishes the paired tool.call events. Every
// published tool.call.started is followed by exactly one terminal tool
// event for the same call ID.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/codebroker/codebroker/approval"
	"github.com/codebroker/codebroker/credential"
	"github.com/codebroker/codebroker/dispatch"
	"github.com/codebroker/codebroker/eventlog"
	"github.com/codebroker/codebroker/hooks"
	"github.com/codebroker/codebroker/policy"
	"github.com/codebroker/codebroker/registry"
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/tooldef"
)

// Call is one tool invocation from the sandbox. The sandbox chooses the
// call ID, unique within its task.
type Call struct {
	CallID   string
	ToolPath string
	Input    map[string]any
}

// Pipeline wires the invocation stages together.
type Pipeline struct {
	registry    *registry.Registry
	store       storage.Store
	events      *eventlog.Log
	approvals   *approval.Manager
	credentials *credential.Resolver
	dispatcher  *dispatch.Dispatcher
	logger      *log.Logger
	hooks       *hooks.Registry
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger; silent by default.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithHooks attaches a hook registry observing tool calls.
func WithHooks(registry *hooks.Registry) Option {
	return func(p *Pipeline) { p.hooks = registry }
}

// New creates a pipeline over the given collaborators.
func New(reg *registry.Registry, store storage.Store, events *eventlog.Log, approvals *approval.Manager, credentials *credential.Resolver, dispatcher *dispatch.Dispatcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:    reg,
		store:       store,
		events:      events,
		approvals:   approvals,
		credentials: credentials,
		dispatcher:  dispatcher,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Invoke executes one tool call for a running task and returns the tool's
// output. Failures are typed: UnknownToolError, PolicyDeniedError,
// MissingCredentialError, ApprovalDeniedError or ToolExecutionError.
func (p *Pipeline) Invoke(ctx context.Context, task *storage.Task, call *Call) (any, error) {
	snapshot, policies, err := p.loadWorkspace(ctx, task.WorkspaceID)
	if err != nil {
		return nil, err
	}

	tool, ok := snapshot.Lookup(call.ToolPath)
	if !ok {
		return nil, &UnknownToolError{ToolPath: call.ToolPath}
	}

	pctx := policy.Context{
		WorkspaceID: task.WorkspaceID,
		ActorID:     task.ActorID,
		ClientID:    task.ClientID,
	}

	decision, effectivePath, effectivePaths := p.decide(tool, call.Input, pctx, policies)

	inputJSON := marshalInput(call.Input)

	if decision == policy.Deny {
		// A multi-field GraphQL denial enumerates every evaluated path so
		// the reason names the field(s) a policy rejected.
		reason := "policy_deny"
		if len(effectivePaths) > 1 {
			reason = strings.Join(effectivePaths, ", ")
		}
		if err := p.publish(ctx, task, eventlog.ToolCallDeniedPayload{
			CallID:   call.CallID,
			ToolPath: effectivePath,
			Reason:   storage.Ptr(reason),
		}); err != nil {
			return nil, err
		}
		return nil, &PolicyDeniedError{ToolPath: effectivePath, Paths: effectivePaths}
	}

	var authHeaders map[string]string
	if tool.Credential != nil {
		headers, err := p.credentials.Resolve(ctx, tool.Credential, credential.TaskContext{
			WorkspaceID: task.WorkspaceID,
			ActorID:     task.ActorID,
		})
		if err != nil && !errors.Is(err, credential.ErrNotFound) {
			return nil, fmt.Errorf("pipeline: resolve credential: %w", err)
		}
		if len(headers) == 0 {
			return nil, &MissingCredentialError{SourceKey: tool.Credential.SourceKey, Mode: tool.Credential.Mode}
		}
		authHeaders = headers
	}

	approvalMode := "auto"
	if decision == policy.RequireApproval {
		approvalMode = "required"
	}
	if err := p.publish(ctx, task, eventlog.ToolCallStartedPayload{
		CallID:   call.CallID,
		ToolPath: effectivePath,
		Approval: approvalMode,
		Input:    inputJSON,
	}); err != nil {
		return nil, err
	}

	if decision == policy.RequireApproval {
		gate, err := p.approvals.Create(ctx, task.ID, task.WorkspaceID, call.CallID, effectivePath, inputJSON)
		if err != nil {
			p.publishFailed(ctx, task, call.CallID, effectivePath, err)
			return nil, fmt.Errorf("pipeline: create approval: %w", err)
		}
		verdict, err := p.approvals.WaitFor(ctx, gate.ID)
		if err != nil {
			p.publishFailed(ctx, task, call.CallID, effectivePath, err)
			return nil, fmt.Errorf("pipeline: wait for approval: %w", err)
		}
		if verdict == storage.ApprovalDenied {
			if err := p.publish(ctx, task, eventlog.ToolCallDeniedPayload{
				CallID:     call.CallID,
				ToolPath:   effectivePath,
				ApprovalID: &gate.ID,
			}); err != nil {
				return nil, err
			}
			return nil, &ApprovalDeniedError{ToolPath: effectivePath, ApprovalID: gate.ID}
		}
	}

	env := &dispatch.Env{
		WorkspaceID: task.WorkspaceID,
		AuthHeaders: authHeaders,
		IsToolAllowed: func(path string) bool {
			return policy.Decide(policy.ToolRef{Path: path}, pctx, policies) != policy.Deny
		},
	}
	output, err := p.dispatcher.Call(ctx, tool, call.Input, env)
	p.triggerToolCall(ctx, task, effectivePath, inputJSON, output, err)
	if err != nil {
		p.publishFailed(ctx, task, call.CallID, effectivePath, err)
		return nil, &ToolExecutionError{ToolPath: effectivePath, Err: err}
	}

	if err := p.publish(ctx, task, eventlog.ToolCallCompletedPayload{
		CallID:   call.CallID,
		ToolPath: effectivePath,
		Output:   output,
	}); err != nil {
		return nil, err
	}
	return output, nil
}

func (p *Pipeline) triggerToolCall(ctx context.Context, task *storage.Task, toolPath string, input json.RawMessage, output any, callErr error) {
	if p.hooks == nil {
		return
	}
	if err := p.hooks.TriggerToolCall(ctx, task.ID, toolPath, input, output, callErr); err != nil {
		p.logf("pipeline: tool-call hook: %v", err)
	}
}

// loadWorkspace fetches the tool snapshot and the policy set concurrently.
func (p *Pipeline) loadWorkspace(ctx context.Context, workspaceID string) (*registry.Snapshot, []*storage.AccessPolicy, error) {
	type toolsResult struct {
		snapshot *registry.Snapshot
		err      error
	}
	toolsCh := make(chan toolsResult, 1)
	go func() {
		snapshot, err := p.registry.GetTools(ctx, workspaceID)
		toolsCh <- toolsResult{snapshot, err}
	}()

	policies, policiesErr := p.store.ListAccessPolicies(ctx, workspaceID)
	tools := <-toolsCh

	if tools.err != nil {
		return nil, nil, fmt.Errorf("pipeline: load tools: %w", tools.err)
	}
	if policiesErr != nil {
		return nil, nil, fmt.Errorf("pipeline: load policies: %w", policiesErr)
	}
	return tools.snapshot, policies, nil
}

// decide evaluates the policy for the call. GraphQL-marked tools expand to
// per-field effective paths derived from the query in the input; the full
// path list rides along for deny reasons.
func (p *Pipeline) decide(tool *tooldef.ToolDefinition, input map[string]any, pctx policy.Context, policies []*storage.AccessPolicy) (policy.Decision, string, []string) {
	if tool.GraphQLSource != "" {
		query, _ := input["query"].(string)
		result := policy.DecideGraphQL(tool, strings.TrimSpace(query), pctx, policies)
		return result.Decision, result.EffectivePath, result.Paths
	}
	decision := policy.Decide(policy.ToolRef{Path: tool.Path, Approval: tool.Approval}, pctx, policies)
	return decision, tool.Path, []string{tool.Path}
}

// publishFailed is best effort: a failure is already propagating to the
// caller, and the append error must not mask it.
func (p *Pipeline) publishFailed(ctx context.Context, task *storage.Task, callID, toolPath string, callErr error) {
	if err := p.publish(ctx, task, eventlog.ToolCallFailedPayload{
		CallID:   callID,
		ToolPath: toolPath,
		Error:    callErr.Error(),
	}); err != nil {
		p.logf("pipeline: %v", err)
	}
}

// publish appends an event. Callers on the happy path abort on error; a
// call may not proceed past an event the audit stream never recorded.
func (p *Pipeline) publish(ctx context.Context, task *storage.Task, payload eventlog.Payload) error {
	if _, err := p.events.Publish(ctx, task.ID, payload); err != nil {
		return fmt.Errorf("pipeline: publish %s for task %s: %w", payload.EventType(), task.ID, err)
	}
	return nil
}

// marshalInput serializes the call input for event payloads and approvals.
func marshalInput(input map[string]any) json.RawMessage {
	if input == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
