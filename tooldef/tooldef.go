// Package tooldef defines the compiled tool descriptor the broker
// orchestrates.
//
// A ToolDefinition is produced by the tool source compiler, cached by the
// tool registry, and executed by the dispatcher. It is never persisted as a
// standalone entity; registry builds store its serialized form and
// reconstruct it on read.
package tooldef

import (
	"encoding/json"
	"fmt"

	"github.com/codebroker/codebroker/credential"
)

// Approval is a tool's static approval default.
type Approval string

const (
	// ApprovalAuto tools dispatch without a reviewer unless a policy says
	// otherwise.
	ApprovalAuto Approval = "auto"

	// ApprovalRequired tools wait for a reviewer unless a policy allows
	// them explicitly.
	ApprovalRequired Approval = "required"
)

// RunKind discriminates the RunSpec union.
type RunKind string

const (
	KindBuiltin      RunKind = "builtin"
	KindMCP          RunKind = "mcp"
	KindOpenAPI      RunKind = "openapi"
	KindGraphQLRaw   RunKind = "graphql_raw"
	KindGraphQLField RunKind = "graphql_field"
	KindPostman      RunKind = "postman"
)

// IsGraphQL returns true for both GraphQL run kinds.
func (k RunKind) IsGraphQL() bool {
	return k == KindGraphQLRaw || k == KindGraphQLField
}

// MCPRun carries what the dispatcher needs to call a remote MCP tool.
type MCPRun struct {
	URL         string            `json:"url"`
	Transport   string            `json:"transport,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	ToolName    string            `json:"toolName"`
}

// Parameter is one OpenAPI operation parameter.
type Parameter struct {
	Name     string `json:"name"`
	In       string `json:"in"` // "path", "query" or "header"
	Required bool   `json:"required,omitempty"`
}

// OpenAPIRun carries what the dispatcher needs to perform an OpenAPI call.
type OpenAPIRun struct {
	Method       string            `json:"method"`
	PathTemplate string            `json:"pathTemplate"`
	BaseURL      string            `json:"baseUrl"`
	Parameters   []Parameter       `json:"parameters,omitempty"`
	HasBody      bool              `json:"hasBody,omitempty"`
	AuthHeaders  map[string]string `json:"authHeaders,omitempty"`
}

// PostmanRun carries one materialized Postman collection request.
type PostmanRun struct {
	Method      string            `json:"method"`
	URLTemplate string            `json:"urlTemplate"`
	Headers     map[string]string `json:"headers,omitempty"`
	BodyMode    string            `json:"bodyMode,omitempty"` // "raw" or "urlencoded"
	RawBody     string            `json:"rawBody,omitempty"`
	AuthHeaders map[string]string `json:"authHeaders,omitempty"`
}

// GraphQLRun carries a GraphQL endpoint plus, for field tools, the query
// template the dispatcher substitutes when the caller supplies no query.
type GraphQLRun struct {
	Endpoint      string            `json:"endpoint"`
	AuthHeaders   map[string]string `json:"authHeaders,omitempty"`
	Query         string            `json:"query,omitempty"`
	OperationType string            `json:"operationType,omitempty"` // "query" or "mutation"
	FieldName     string            `json:"fieldName,omitempty"`
	OperationName string            `json:"operationName,omitempty"`
	Variables     []string          `json:"variables,omitempty"`
}

// RunSpec is the tagged union of protocol-specific dispatch data. Exactly
// the variant matching Kind is set.
type RunSpec struct {
	Kind    RunKind     `json:"kind"`
	MCP     *MCPRun     `json:"mcp,omitempty"`
	OpenAPI *OpenAPIRun `json:"openapi,omitempty"`
	Postman *PostmanRun `json:"postman,omitempty"`
	GraphQL *GraphQLRun `json:"graphql,omitempty"`
}

// Validate checks that the variant matching Kind is populated.
func (r *RunSpec) Validate() error {
	switch r.Kind {
	case KindBuiltin:
		return nil
	case KindMCP:
		if r.MCP == nil {
			return fmt.Errorf("tooldef: mcp run spec missing mcp variant")
		}
	case KindOpenAPI:
		if r.OpenAPI == nil {
			return fmt.Errorf("tooldef: openapi run spec missing openapi variant")
		}
	case KindPostman:
		if r.Postman == nil {
			return fmt.Errorf("tooldef: postman run spec missing postman variant")
		}
	case KindGraphQLRaw, KindGraphQLField:
		if r.GraphQL == nil {
			return fmt.Errorf("tooldef: graphql run spec missing graphql variant")
		}
	default:
		return fmt.Errorf("tooldef: unknown run kind %q", r.Kind)
	}
	return nil
}

// ToolDefinition is one callable tool.
type ToolDefinition struct {
	// Path is the dot-separated, source-prefixed tool path.
	Path string `json:"path"`

	// Description is shown in catalogs and to reviewers.
	Description string `json:"description,omitempty"`

	// Approval is the static default; policies can override it.
	Approval Approval `json:"approval"`

	// Source is the owning tool source name; empty for builtins.
	Source string `json:"source,omitempty"`

	// Credential, when set, must resolve before dispatch.
	Credential *credential.Spec `json:"credential,omitempty"`

	// GraphQLSource marks tools whose policy decision expands to per-field
	// effective paths at call time. It names the source prefix used when
	// deriving those paths.
	GraphQLSource string `json:"graphqlSource,omitempty"`

	// Run is the protocol-specific dispatch data.
	Run RunSpec `json:"runSpec"`

	// InputSchema is the JSON Schema for the tool's input, when known.
	// The dispatcher validates input against it before dispatch.
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Namespace returns the first segment of the tool path.
func (t *ToolDefinition) Namespace() string {
	for i := 0; i < len(t.Path); i++ {
		if t.Path[i] == '.' {
			return t.Path[:i]
		}
	}
	return t.Path
}

// Marshal serializes the definition for registry build pages.
func (t *ToolDefinition) Marshal() (json.RawMessage, error) {
	return json.Marshal(t)
}

// Unmarshal reconstructs a definition from a registry build page.
func Unmarshal(raw json.RawMessage) (*ToolDefinition, error) {
	var def ToolDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("tooldef: unmarshal definition: %w", err)
	}
	if err := def.Run.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}
