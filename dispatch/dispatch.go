// Package dispatch executes compiled tools against their protocol runtimes.
//
// The dispatcher is transport code only: policy, credentials and approvals
// are decided upstream by the invocation pipeline, which hands over the
// final header set. MCP sessions are pooled per connection key and reused
// across calls.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/codebroker/codebroker/tooldef"
)

// ErrUnknownBuiltin is returned when a builtin tool has no registered
// handler.
var ErrUnknownBuiltin = errors.New("dispatch: no handler registered for builtin")

// ValidationError reports input that does not satisfy the tool's schema.
type ValidationError struct {
	ToolPath string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dispatch: input for %s does not match schema: %v", e.ToolPath, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Env carries per-call context the pipeline resolves upstream: credential
// headers and the policy check builtins use to filter what they expose.
type Env struct {
	// WorkspaceID scopes builtin catalog lookups.
	WorkspaceID string

	// AuthHeaders are resolved credential headers; they override static
	// auth baked into the run spec.
	AuthHeaders map[string]string

	// IsToolAllowed reports whether the calling task may see a tool path.
	// Nil means everything is visible.
	IsToolAllowed func(path string) bool
}

func (e *Env) authHeaders() map[string]string {
	if e == nil {
		return nil
	}
	return e.AuthHeaders
}

// Allowed applies IsToolAllowed, defaulting to true.
func (e *Env) Allowed(path string) bool {
	if e == nil || e.IsToolAllowed == nil {
		return true
	}
	return e.IsToolAllowed(path)
}

// BuiltinFunc handles one in-process tool.
type BuiltinFunc func(ctx context.Context, env *Env, input map[string]any) (any, error)

// Dispatcher routes tool calls by run kind.
type Dispatcher struct {
	httpClient *http.Client
	logger     *log.Logger
	pool       *mcpPool
	builtins   map[string]BuiltinFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client for OpenAPI, Postman and
// GraphQL calls.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = client }
}

// WithLogger sets the logger; silent by default.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a dispatcher with an empty builtin table.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		builtins:   make(map[string]BuiltinFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pool = newMCPPool(d.logger)
	return d
}

// RegisterBuiltin installs the handler for a builtin tool path. Call before
// dispatching.
func (d *Dispatcher) RegisterBuiltin(path string, fn BuiltinFunc) {
	d.builtins[path] = fn
}

// Call executes one tool invocation. The returned value is the tool's
// decoded output.
func (d *Dispatcher) Call(ctx context.Context, tool *tooldef.ToolDefinition, input map[string]any, env *Env) (any, error) {
	if input == nil {
		input = map[string]any{}
	}
	if err := d.validateInput(tool, input); err != nil {
		return nil, err
	}

	switch tool.Run.Kind {
	case tooldef.KindBuiltin:
		fn, ok := d.builtins[tool.Path]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBuiltin, tool.Path)
		}
		return fn(ctx, env, input)
	case tooldef.KindMCP:
		return d.pool.callTool(ctx, tool.Run.MCP, input, env.authHeaders())
	case tooldef.KindOpenAPI:
		return d.callOpenAPI(ctx, tool.Run.OpenAPI, input, env.authHeaders())
	case tooldef.KindPostman:
		return d.callPostman(ctx, tool.Run.Postman, input, env.authHeaders())
	case tooldef.KindGraphQLRaw, tooldef.KindGraphQLField:
		return d.callGraphQL(ctx, tool.Run.Kind, tool.Run.GraphQL, input, env.authHeaders())
	default:
		return nil, fmt.Errorf("dispatch: unknown run kind %q", tool.Run.Kind)
	}
}

// Close releases pooled connections.
func (d *Dispatcher) Close() {
	d.pool.close()
}

// validateInput checks the input against the tool's schema, when one is
// declared. A schema that itself fails to compile is ignored: the remote
// endpoint stays the final validator.
func (d *Dispatcher) validateInput(tool *tooldef.ToolDefinition, input map[string]any) error {
	if tool.InputSchema == nil {
		return nil
	}

	// Round-trip so nested values are plain decoded JSON, which is what the
	// validator expects.
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		d.logf("dispatch: schema for %s rejected: %v", tool.Path, err)
		return nil
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		d.logf("dispatch: schema for %s does not compile: %v", tool.Path, err)
		return nil
	}

	doc, err := roundTripValue(input)
	if err != nil {
		return &ValidationError{ToolPath: tool.Path, Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{ToolPath: tool.Path, Err: err}
	}
	return nil
}

// roundTripValue re-decodes a value through JSON so typed Go values become
// the generic form the schema validator understands.
func roundTripValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// mergeHeaders overlays resolved credential headers on the run spec's
// static headers.
func mergeHeaders(static, resolved map[string]string) map[string]string {
	if len(static) == 0 && len(resolved) == 0 {
		return nil
	}
	merged := make(map[string]string, len(static)+len(resolved))
	for k, v := range static {
		merged[k] = v
	}
	for k, v := range resolved {
		merged[k] = v
	}
	return merged
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}
