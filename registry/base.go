package registry

import "github.com/codebroker/codebroker/tooldef"

// Builtin tool paths. The dispatcher routes these to in-process handlers
// backed by the registry snapshot itself.
const (
	PathDiscover          = "discover"
	PathCatalogNamespaces = "catalog.namespaces"
	PathCatalogTools      = "catalog.tools"
)

// baseTools returns the built-in tools merged into every build. They come
// after external tools, so a source whose sanitized name collides with a
// builtin namespace loses those paths.
func baseTools() []*tooldef.ToolDefinition {
	return []*tooldef.ToolDefinition{
		{
			Path:        PathDiscover,
			Description: "List the tool namespaces available in this workspace with their tool counts.",
			Approval:    tooldef.ApprovalAuto,
			Run:         tooldef.RunSpec{Kind: tooldef.KindBuiltin},
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Path:        PathCatalogNamespaces,
			Description: "List tool namespaces.",
			Approval:    tooldef.ApprovalAuto,
			Run:         tooldef.RunSpec{Kind: tooldef.KindBuiltin},
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Path:        PathCatalogTools,
			Description: "List the tools in a namespace with their descriptions and input schemas.",
			Approval:    tooldef.ApprovalAuto,
			Run:         tooldef.RunSpec{Kind: tooldef.KindBuiltin},
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"namespace": map[string]any{
						"type":        "string",
						"description": "Namespace to list; omit to list every tool",
					},
				},
			},
		},
	}
}
