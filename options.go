package codebroker

import (
	"log"
	"net/http"

	"github.com/codebroker/codebroker/credential"
	"github.com/codebroker/codebroker/dispatch"
	"github.com/codebroker/codebroker/executor"
	"github.com/codebroker/codebroker/hooks"
	"github.com/codebroker/codebroker/tooldef"
)

// Option configures a Client at construction time.
type Option func(*clientOptions)

// clientOptions collects construction-time wiring before the components
// exist.
type clientOptions struct {
	logger     *log.Logger
	hooks      *hooks.Registry
	httpClient *http.Client
	providers  []credential.Provider
	runtimes   map[string]executor.SandboxAdapter
	builtins   map[string]dispatch.BuiltinFunc
	baseTools  []*tooldef.ToolDefinition
}

func newClientOptions() *clientOptions {
	return &clientOptions{
		runtimes: make(map[string]executor.SandboxAdapter),
		builtins: make(map[string]dispatch.BuiltinFunc),
	}
}

// WithLogger sets the logger shared by every component; silent by default.
func WithLogger(logger *log.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithHooks attaches a hook registry observing tasks, tool calls and
// approvals.
func WithHooks(registry *hooks.Registry) Option {
	return func(o *clientOptions) { o.hooks = registry }
}

// WithHTTPClient overrides the HTTP client used for tool source compilation
// and dispatch.
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = client }
}

// WithCredentialProvider registers a secret provider in addition to the
// built-in plaintext provider.
func WithCredentialProvider(provider credential.Provider) Option {
	return func(o *clientOptions) { o.providers = append(o.providers, provider) }
}

// WithRuntime registers a sandbox adapter under a runtime ID.
func WithRuntime(runtimeID string, adapter executor.SandboxAdapter) Option {
	return func(o *clientOptions) { o.runtimes[runtimeID] = adapter }
}

// WithBuiltin registers a system builtin tool. The definition appears in
// every workspace's catalog and the handler runs in-process.
func WithBuiltin(def *tooldef.ToolDefinition, fn dispatch.BuiltinFunc) Option {
	return func(o *clientOptions) {
		o.baseTools = append(o.baseTools, def)
		o.builtins[def.Path] = fn
	}
}
