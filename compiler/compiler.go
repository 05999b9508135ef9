// Package compiler turns tool source configurations into callable tool
// definitions.
//
// Each source type has its own subcompiler (MCP, OpenAPI, Postman, GraphQL).
// Recoverable problems such as an unreachable server or a broken operation
// become warnings, not errors: the compiler returns the tools it could build.
// Output is deterministic: given identical inputs, tool paths and ordering
// are identical (tools sort by path within a source).
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/codebroker/codebroker/credential"
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/tooldef"
	"github.com/codebroker/codebroker/toolsource"
)

// Warning records a recoverable compilation problem.
type Warning struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Result is the outcome of compiling one source.
type Result struct {
	Tools    []*tooldef.ToolDefinition
	Warnings []Warning
}

// RemoteTool is one tool discovered on an MCP server.
type RemoteTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// MCPLister lists the tools an MCP server exposes. The default uses the MCP
// SDK; tests inject fakes.
type MCPLister interface {
	ListTools(ctx context.Context, cfg *toolsource.MCPConfig) ([]RemoteTool, error)
}

// PostmanFetcher fetches a Postman collection by UID.
type PostmanFetcher interface {
	FetchCollection(ctx context.Context, uid string, headers map[string]string) (json.RawMessage, error)
}

// Compiler compiles tool sources into definitions.
type Compiler struct {
	httpClient *http.Client
	mcp        MCPLister
	postman    PostmanFetcher
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithHTTPClient overrides the HTTP client used for spec fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Compiler) { c.httpClient = client }
}

// WithMCPLister overrides MCP tool discovery.
func WithMCPLister(lister MCPLister) Option {
	return func(c *Compiler) { c.mcp = lister }
}

// WithPostmanFetcher overrides Postman collection fetching.
func WithPostmanFetcher(fetcher PostmanFetcher) Option {
	return func(c *Compiler) { c.postman = fetcher }
}

// New creates a compiler with default protocol clients.
func New(opts ...Option) *Compiler {
	c := &Compiler{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.mcp == nil {
		c.mcp = &sdkMCPLister{}
	}
	if c.postman == nil {
		c.postman = &apiPostmanFetcher{client: c.httpClient}
	}
	return c
}

// CompileSource compiles one tool source. The returned error is reserved
// for malformed configs; remote failures surface as warnings with zero
// tools.
func (c *Compiler) CompileSource(ctx context.Context, source *storage.ToolSource) (*Result, error) {
	cfg, err := toolsource.Parse(toolsource.Type(source.Type), source.Config)
	if err != nil {
		return nil, err
	}

	var result *Result
	switch cfg.Type {
	case toolsource.TypeMCP:
		result = c.compileMCP(ctx, source.Name, cfg.MCP)
	case toolsource.TypeOpenAPI:
		if uid := cfg.OpenAPI.PostmanUID(); uid != "" {
			result = c.compilePostman(ctx, source.Name, uid, cfg.OpenAPI)
		} else {
			result = c.compileOpenAPI(ctx, source.Name, cfg.OpenAPI)
		}
	case toolsource.TypeGraphQL:
		result = c.compileGraphQL(source.Name, cfg.GraphQL)
	default:
		return nil, fmt.Errorf("compiler: unknown source type %q", source.Type)
	}

	sort.Slice(result.Tools, func(i, j int) bool {
		return result.Tools[i].Path < result.Tools[j].Path
	})
	return result, nil
}

// approvalFor picks a tool's approval default: the per-tool override, then
// the given default, then "auto".
func approvalFor(overrides map[string]toolsource.Override, name, def string) tooldef.Approval {
	if o, ok := overrides[name]; ok && o.Approval != "" {
		return tooldef.Approval(o.Approval)
	}
	if def != "" {
		return tooldef.Approval(def)
	}
	return tooldef.ApprovalAuto
}

// staticAuthHeaders renders an AuthSpec with static (inline) material into
// headers. Non-static specs render nothing here; they become credential
// requirements instead.
func staticAuthHeaders(auth *toolsource.AuthSpec) map[string]string {
	if auth == nil {
		return nil
	}
	if auth.Mode != "" && auth.Mode != toolsource.AuthModeStatic {
		return nil
	}

	headers := make(map[string]string)
	switch auth.Type {
	case "bearer":
		if auth.Token != "" {
			headers["authorization"] = "Bearer " + auth.Token
		}
	case "basic":
		if auth.Username != "" || auth.Password != "" {
			headers["authorization"] = "Basic " + basicToken(auth.Username, auth.Password)
		}
	case "apiKey":
		if auth.Value != "" {
			headers[auth.Header] = auth.Value
		}
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

// credentialSpecFor turns a non-static AuthSpec into a credential
// requirement addressed by the source name.
func credentialSpecFor(sourceName string, auth *toolsource.AuthSpec) *credential.Spec {
	if auth == nil || auth.Type == "" || auth.Type == "none" {
		return nil
	}
	if auth.Mode != toolsource.AuthModeWorkspace && auth.Mode != toolsource.AuthModeActor {
		return nil
	}

	spec := &credential.Spec{
		SourceKey: sourceName,
		Mode:      storage.ScopeWorkspace,
		AuthType:  credential.AuthType(auth.Type),
	}
	if auth.Mode == toolsource.AuthModeActor {
		spec.Mode = storage.ScopeActor
	}
	if auth.Type == "apiKey" {
		spec.HeaderName = auth.Header
	}
	return spec
}
