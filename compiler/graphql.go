package compiler

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/codebroker/codebroker/tooldef"
	"github.com/codebroker/codebroker/toolsource"
)

// compileGraphQL emits the raw escape-hatch tool plus, when the config
// carries an introspection schema, one pseudo-tool per top-level query and
// mutation field. Field tools get policy-friendly
// <source>.<query|mutation>.<field> paths and a query template the
// dispatcher substitutes at call time.
func (c *Compiler) compileGraphQL(sourceName string, cfg *toolsource.GraphQLConfig) *Result {
	result := &Result{}

	authHeaders := staticAuthHeaders(cfg.Auth)
	credSpec := credentialSpecFor(sourceName, cfg.Auth)
	prefix := toolsource.Sanitize(sourceName)

	result.Tools = append(result.Tools, &tooldef.ToolDefinition{
		Path:          prefix + ".raw",
		Description:   "Execute an arbitrary GraphQL operation against " + cfg.Endpoint,
		Approval:      tooldef.ApprovalRequired,
		Source:        sourceName,
		Credential:    credSpec,
		GraphQLSource: sourceName,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":     map[string]any{"type": "string", "description": "GraphQL operation text"},
				"variables": map[string]any{"type": "object"},
			},
			"required": []string{"query"},
		},
		Run: tooldef.RunSpec{
			Kind: tooldef.KindGraphQLRaw,
			GraphQL: &tooldef.GraphQLRun{
				Endpoint:    cfg.Endpoint,
				AuthHeaders: authHeaders,
			},
		},
	})

	if cfg.Schema == nil {
		return result
	}

	schemaJSON, err := json.Marshal(cfg.Schema)
	if err != nil {
		result.Warnings = append(result.Warnings, Warning{
			Source:  sourceName,
			Message: fmt.Sprintf("marshal graphql schema: %v", err),
		})
		return result
	}

	root := gjson.ParseBytes(schemaJSON)
	schema := root.Get("data.__schema")
	if !schema.Exists() {
		schema = root.Get("__schema")
	}
	if !schema.Exists() {
		result.Warnings = append(result.Warnings, Warning{
			Source:  sourceName,
			Message: "graphql schema is not an introspection result",
		})
		return result
	}

	for _, op := range []struct {
		kind     string // "query" or "mutation"
		typePath string
		def      string
	}{
		{"query", "queryType.name", cfg.DefaultQueryApproval},
		{"mutation", "mutationType.name", cfg.DefaultMutationApproval},
	} {
		typeName := schema.Get(op.typePath).String()
		if typeName == "" {
			continue
		}
		fields := rootTypeFields(schema, typeName)
		for _, field := range fields {
			def := strings.TrimSpace(op.def)
			if def == "" && op.kind == "mutation" {
				def = string(tooldef.ApprovalRequired)
			}

			result.Tools = append(result.Tools, &tooldef.ToolDefinition{
				Path:          prefix + "." + op.kind + "." + toolsource.Sanitize(field.Name),
				Description:   field.Description,
				Approval:      approvalFor(cfg.Overrides, field.Name, def),
				Source:        sourceName,
				Credential:    credSpec,
				GraphQLSource: sourceName,
				InputSchema:   graphQLFieldInputSchema(field),
				Run: tooldef.RunSpec{
					Kind: tooldef.KindGraphQLField,
					GraphQL: &tooldef.GraphQLRun{
						Endpoint:      cfg.Endpoint,
						AuthHeaders:   authHeaders,
						Query:         fieldQueryTemplate(op.kind, field),
						OperationType: op.kind,
						FieldName:     field.Name,
						OperationName: field.Name,
						Variables:     field.ArgNames(),
					},
				},
			})
		}
	}
	return result
}

// graphQLField is one top-level field lifted from an introspection result.
type graphQLField struct {
	Name        string
	Description string
	Args        []graphQLArg
}

type graphQLArg struct {
	Name     string
	TypeSDL  string // rendered type, e.g. "[ID!]!"
	Required bool
}

// ArgNames lists argument names in declaration order.
func (f *graphQLField) ArgNames() []string {
	names := make([]string, 0, len(f.Args))
	for _, a := range f.Args {
		names = append(names, a.Name)
	}
	return names
}

// rootTypeFields extracts the named type's fields, sorted by name for
// deterministic output. Introspection meta fields (leading "__") are
// skipped.
func rootTypeFields(schema gjson.Result, typeName string) []graphQLField {
	var fields []graphQLField
	schema.Get("types").ForEach(func(_, t gjson.Result) bool {
		if t.Get("name").String() != typeName {
			return true
		}
		t.Get("fields").ForEach(func(_, f gjson.Result) bool {
			name := f.Get("name").String()
			if name == "" || strings.HasPrefix(name, "__") {
				return true
			}
			field := graphQLField{
				Name:        name,
				Description: f.Get("description").String(),
			}
			f.Get("args").ForEach(func(_, a gjson.Result) bool {
				sdl := renderTypeRef(a.Get("type"))
				field.Args = append(field.Args, graphQLArg{
					Name:     a.Get("name").String(),
					TypeSDL:  sdl,
					Required: strings.HasSuffix(sdl, "!"),
				})
				return true
			})
			fields = append(fields, field)
			return true
		})
		return false
	})
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields
}

// renderTypeRef walks an introspection type reference (NON_NULL and LIST
// wrappers around a named type) back into SDL notation.
func renderTypeRef(ref gjson.Result) string {
	switch ref.Get("kind").String() {
	case "NON_NULL":
		return renderTypeRef(ref.Get("ofType")) + "!"
	case "LIST":
		return "[" + renderTypeRef(ref.Get("ofType")) + "]"
	default:
		return ref.Get("name").String()
	}
}

// fieldQueryTemplate renders the operation the dispatcher sends when the
// caller supplies arguments instead of a raw query.
func fieldQueryTemplate(opType string, field graphQLField) string {
	if len(field.Args) == 0 {
		return fmt.Sprintf("%s %s { %s }", opType, field.Name, field.Name)
	}

	varDefs := make([]string, 0, len(field.Args))
	argRefs := make([]string, 0, len(field.Args))
	for _, a := range field.Args {
		varDefs = append(varDefs, "$"+a.Name+": "+a.TypeSDL)
		argRefs = append(argRefs, a.Name+": $"+a.Name)
	}
	return fmt.Sprintf("%s %s(%s) { %s(%s) }",
		opType, field.Name, strings.Join(varDefs, ", "),
		field.Name, strings.Join(argRefs, ", "))
}

// graphQLFieldInputSchema declares one property per argument; an extra
// "query" property lets callers bypass the template with a raw operation.
func graphQLFieldInputSchema(field graphQLField) map[string]any {
	properties := map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "Optional raw GraphQL operation overriding the field template",
		},
	}
	for _, a := range field.Args {
		properties[a.Name] = map[string]any{"description": "GraphQL argument (" + a.TypeSDL + ")"}
	}

	// Required arguments are not enforced here: a caller may bypass the
	// template with a raw query, and the endpoint rejects missing arguments
	// anyway.
	return map[string]any{"type": "object", "properties": properties}
}
