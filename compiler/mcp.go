package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codebroker/codebroker/tooldef"
	"github.com/codebroker/codebroker/toolsource"
)

// compileMCP lists the server's tools and wraps each in a definition. An
// unreachable server yields a warning and zero tools, never an error, so
// one bad source cannot block a registry build.
func (c *Compiler) compileMCP(ctx context.Context, sourceName string, cfg *toolsource.MCPConfig) *Result {
	result := &Result{}

	remote, err := c.mcp.ListTools(ctx, cfg)
	if err != nil {
		result.Warnings = append(result.Warnings, Warning{
			Source:  sourceName,
			Message: fmt.Sprintf("mcp list tools: %v", err),
		})
		return result
	}

	sort.Slice(remote, func(i, j int) bool { return remote[i].Name < remote[j].Name })

	prefix := toolsource.Sanitize(sourceName)
	for _, tool := range remote {
		def := &tooldef.ToolDefinition{
			Path:        prefix + "." + toolsource.Sanitize(tool.Name),
			Description: tool.Description,
			Approval:    approvalFor(cfg.Overrides, tool.Name, cfg.DefaultApproval),
			Source:      sourceName,
			InputSchema: tool.InputSchema,
			Run: tooldef.RunSpec{
				Kind: tooldef.KindMCP,
				MCP: &tooldef.MCPRun{
					URL:         cfg.URL,
					Transport:   cfg.Transport,
					QueryParams: cfg.QueryParams,
					ToolName:    tool.Name,
				},
			},
		}
		result.Tools = append(result.Tools, def)
	}
	return result
}

// sdkMCPLister discovers tools with the MCP SDK over a short-lived session.
type sdkMCPLister struct{}

func (sdkMCPLister) ListTools(ctx context.Context, cfg *toolsource.MCPConfig) ([]RemoteTool, error) {
	endpoint, err := mcpEndpoint(cfg)
	if err != nil {
		return nil, err
	}

	client := gomcp.NewClient(&gomcp.Implementation{Name: "codebroker", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, mcpTransport(endpoint, cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}
	defer session.Close()

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]RemoteTool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		tools = append(tools, RemoteTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return tools, nil
}

// mcpEndpoint merges configured query params into the server URL.
func mcpEndpoint(cfg *toolsource.MCPConfig) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", cfg.URL, err)
	}
	if len(cfg.QueryParams) > 0 {
		q := u.Query()
		for k, v := range cfg.QueryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// mcpTransport picks the SDK transport for the configured flavor. The
// default is streamable HTTP.
func mcpTransport(endpoint string, cfg *toolsource.MCPConfig) gomcp.Transport {
	var httpClient *http.Client
	if len(cfg.Headers) > 0 {
		httpClient = &http.Client{Transport: &headerRoundTripper{headers: cfg.Headers}}
	}
	if cfg.Transport == "sse" {
		return &gomcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
	}
	return &gomcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
}

// headerRoundTripper injects static headers on every request.
type headerRoundTripper struct {
	headers map[string]string
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range rt.headers {
		clone.Header.Set(k, v)
	}
	return http.DefaultTransport.RoundTrip(clone)
}

// schemaToMap converts whatever schema representation the SDK hands back
// into a plain map for storage in the definition.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
