package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codebroker/codebroker/tooldef"
)

// mcpPool caches MCP client sessions per connection key so repeated calls
// to the same server reuse one session. A failed call evicts the session
// and retries once on a fresh connection.
type mcpPool struct {
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*gomcp.ClientSession
}

func newMCPPool(logger *log.Logger) *mcpPool {
	return &mcpPool{logger: logger, sessions: make(map[string]*gomcp.ClientSession)}
}

// connectionKey hashes everything that distinguishes one server connection
// from another: endpoint, transport flavor, query params and auth headers.
func connectionKey(run *tooldef.MCPRun, headers map[string]string) string {
	var parts []string
	parts = append(parts, run.URL, run.Transport)
	for _, m := range []map[string]string{run.QueryParams, headers} {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+m[k])
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

func (p *mcpPool) callTool(ctx context.Context, run *tooldef.MCPRun, input map[string]any, authHeaders map[string]string) (any, error) {
	key := connectionKey(run, authHeaders)

	session, err := p.session(ctx, key, run, authHeaders)
	if err != nil {
		return nil, err
	}

	result, err := session.CallTool(ctx, &gomcp.CallToolParams{Name: run.ToolName, Arguments: input})
	if err != nil {
		// The pooled session may have gone stale. Reconnect once.
		p.evict(key, session)
		session, err = p.session(ctx, key, run, authHeaders)
		if err != nil {
			return nil, err
		}
		result, err = session.CallTool(ctx, &gomcp.CallToolParams{Name: run.ToolName, Arguments: input})
		if err != nil {
			return nil, fmt.Errorf("mcp call %s: %w", run.ToolName, err)
		}
	}
	return extractMCPResult(run.ToolName, result)
}

// session returns the pooled session for the key, dialing when absent.
func (p *mcpPool) session(ctx context.Context, key string, run *tooldef.MCPRun, headers map[string]string) (*gomcp.ClientSession, error) {
	p.mu.Lock()
	if s, ok := p.sessions[key]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	session, err := dialMCP(ctx, run, headers)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.sessions[key]; ok {
		// Lost the dial race; keep the existing session.
		go session.Close()
		return existing, nil
	}
	p.sessions[key] = session
	return session, nil
}

func (p *mcpPool) evict(key string, session *gomcp.ClientSession) {
	p.mu.Lock()
	if p.sessions[key] == session {
		delete(p.sessions, key)
	}
	p.mu.Unlock()
	if err := session.Close(); err != nil && p.logger != nil {
		p.logger.Printf("dispatch: close stale mcp session: %v", err)
	}
}

func (p *mcpPool) close() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*gomcp.ClientSession)
	p.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// dialMCP opens a new session against the server described by the run spec.
func dialMCP(ctx context.Context, run *tooldef.MCPRun, headers map[string]string) (*gomcp.ClientSession, error) {
	u, err := url.Parse(run.URL)
	if err != nil {
		return nil, fmt.Errorf("mcp url %q: %w", run.URL, err)
	}
	if len(run.QueryParams) > 0 {
		q := u.Query()
		for k, v := range run.QueryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	endpoint := u.String()

	var httpClient *http.Client
	if len(headers) > 0 {
		httpClient = &http.Client{Transport: &staticHeaderTransport{headers: headers}}
	}

	client := gomcp.NewClient(&gomcp.Implementation{Name: "codebroker", Version: "1.0.0"}, nil)

	var transport gomcp.Transport
	if run.Transport == "sse" {
		transport = &gomcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
	} else {
		transport = &gomcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect %s: %w", run.URL, err)
	}
	return session, nil
}

// staticHeaderTransport injects headers on every request of a session.
type staticHeaderTransport struct {
	headers map[string]string
}

func (t *staticHeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return http.DefaultTransport.RoundTrip(clone)
}

// extractMCPResult flattens a tool result into a value: structured content
// when present, otherwise concatenated text. An IsError result becomes an
// error carrying that text.
func extractMCPResult(toolName string, result *gomcp.CallToolResult) (any, error) {
	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*gomcp.TextContent); ok {
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(tc.Text)
		}
	}

	if result.IsError {
		msg := text.String()
		if msg == "" {
			msg = "tool returned an error"
		}
		return nil, fmt.Errorf("mcp tool %s: %s", toolName, msg)
	}

	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}

	// A lone JSON payload in text content is decoded so callers see
	// structure instead of a string.
	out := text.String()
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded, nil
		}
	}
	return out, nil
}
