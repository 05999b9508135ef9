package compiler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/codebroker/codebroker/credential"
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/tooldef"
	"github.com/codebroker/codebroker/toolsource"
)

// writeMethods are HTTP methods that default to required approval.
var writeMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// compileOpenAPI loads the spec and emits one tool per (path, method)
// operation. A spec that fails to load is a warning; a single broken
// operation is skipped with a warning while the rest compile.
func (c *Compiler) compileOpenAPI(ctx context.Context, sourceName string, cfg *toolsource.OpenAPIConfig) *Result {
	result := &Result{}

	doc, err := c.loadOpenAPIDoc(ctx, cfg)
	if err != nil {
		result.Warnings = append(result.Warnings, Warning{
			Source:  sourceName,
			Message: fmt.Sprintf("load openapi spec: %v", err),
		})
		return result
	}

	baseURL := cfg.BaseURL
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		result.Warnings = append(result.Warnings, Warning{
			Source:  sourceName,
			Message: "openapi spec declares no servers and config sets no baseUrl",
		})
		return result
	}

	authHeaders := staticAuthHeaders(cfg.Auth)
	credSpec := credentialSpecFor(sourceName, cfg.Auth)
	if cfg.Auth == nil {
		credSpec = inferredCredentialSpec(sourceName, doc)
	}

	prefix := toolsource.Sanitize(sourceName)
	if doc.Paths == nil {
		return result
	}
	for _, pathKey := range doc.Paths.InMatchingOrder() {
		pathItem := doc.Paths.Value(pathKey)
		if pathItem == nil {
			continue
		}
		for method, op := range pathItem.Operations() {
			if op == nil {
				continue
			}

			name := op.OperationID
			if name == "" {
				name = strings.ToLower(method) + "_" + pathKey
			}

			def := strings.TrimSpace(cfg.DefaultReadApproval)
			if writeMethods[method] {
				def = strings.TrimSpace(cfg.DefaultWriteApproval)
				if def == "" {
					def = string(tooldef.ApprovalRequired)
				}
			}

			params := collectParameters(pathItem.Parameters, op.Parameters)

			tool := &tooldef.ToolDefinition{
				Path:        prefix + "." + toolsource.Sanitize(name),
				Description: operationDescription(op),
				Approval:    approvalFor(cfg.Overrides, name, def),
				Source:      sourceName,
				Credential:  credSpec,
				InputSchema: openAPIInputSchema(op, params),
				Run: tooldef.RunSpec{
					Kind: tooldef.KindOpenAPI,
					OpenAPI: &tooldef.OpenAPIRun{
						Method:       method,
						PathTemplate: pathKey,
						BaseURL:      baseURL,
						Parameters:   params,
						HasBody:      op.RequestBody != nil,
						AuthHeaders:  authHeaders,
					},
				},
			}
			result.Tools = append(result.Tools, tool)
		}
	}
	return result
}

// loadOpenAPIDoc resolves the config's spec field, either a URL to fetch or
// an inline document.
func (c *Compiler) loadOpenAPIDoc(ctx context.Context, cfg *toolsource.OpenAPIConfig) (*openapi3.T, error) {
	loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}

	switch spec := cfg.Spec.(type) {
	case string:
		u, err := url.Parse(spec)
		if err != nil || u.Scheme == "" {
			return nil, fmt.Errorf("spec is neither a URL nor an inline document: %q", spec)
		}
		return loader.LoadFromURI(u)
	default:
		raw, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("marshal inline spec: %w", err)
		}
		return loader.LoadFromData(raw)
	}
}

func operationDescription(op *openapi3.Operation) string {
	if op.Summary != "" {
		return op.Summary
	}
	return op.Description
}

// collectParameters merges path-level and operation-level parameters,
// operation-level winning on (name, in) collisions. Cookie parameters are
// dropped.
func collectParameters(levels ...openapi3.Parameters) []tooldef.Parameter {
	type key struct{ name, in string }
	byKey := make(map[key]tooldef.Parameter)
	var order []key

	for _, params := range levels {
		for _, ref := range params {
			if ref == nil || ref.Value == nil {
				continue
			}
			p := ref.Value
			if p.In != "path" && p.In != "query" && p.In != "header" {
				continue
			}
			k := key{p.Name, p.In}
			if _, seen := byKey[k]; !seen {
				order = append(order, k)
			}
			byKey[k] = tooldef.Parameter{Name: p.Name, In: p.In, Required: p.Required}
		}
	}

	out := make([]tooldef.Parameter, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

// openAPIInputSchema builds a flat object schema: one property per
// parameter plus a "body" property when the operation takes a request body.
func openAPIInputSchema(op *openapi3.Operation, params []tooldef.Parameter) map[string]any {
	properties := make(map[string]any)
	var required []string

	for _, p := range params {
		prop := map[string]any{"type": "string"}
		if schema := parameterSchema(op, p); schema != nil {
			prop = schema
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	if op.RequestBody != nil {
		properties["body"] = map[string]any{
			"description": "Request body",
		}
		if op.RequestBody.Value != nil && op.RequestBody.Value.Required {
			required = append(required, "body")
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// parameterSchema extracts the declared schema for a named parameter, if
// the document carries one inline.
func parameterSchema(op *openapi3.Operation, param tooldef.Parameter) map[string]any {
	for _, ref := range op.Parameters {
		if ref == nil || ref.Value == nil || ref.Value.Name != param.Name || ref.Value.In != param.In {
			continue
		}
		if ref.Value.Schema == nil || ref.Value.Schema.Value == nil {
			return nil
		}
		raw, err := ref.Value.Schema.Value.MarshalJSON()
		if err != nil {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		return m
	}
	return nil
}

// inferredCredentialSpec derives a credential requirement from the
// document's security schemes when the config is silent about auth. HTTP
// bearer and header API keys are recognized; anything else compiles
// without a credential.
func inferredCredentialSpec(sourceName string, doc *openapi3.T) *credential.Spec {
	if doc.Components == nil || len(doc.Security) == 0 {
		return nil
	}
	for _, requirement := range doc.Security {
		for schemeName := range requirement {
			ref, ok := doc.Components.SecuritySchemes[schemeName]
			if !ok || ref.Value == nil {
				continue
			}
			scheme := ref.Value
			switch {
			case scheme.Type == "http" && strings.EqualFold(scheme.Scheme, "bearer"):
				return &credential.Spec{
					SourceKey: sourceName,
					Mode:      storage.ScopeWorkspace,
					AuthType:  credential.AuthBearer,
				}
			case scheme.Type == "apiKey" && scheme.In == "header":
				return &credential.Spec{
					SourceKey:  sourceName,
					Mode:       storage.ScopeWorkspace,
					AuthType:   credential.AuthAPIKey,
					HeaderName: scheme.Name,
				}
			}
		}
	}
	return nil
}

// basicToken renders HTTP basic auth material.
func basicToken(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
