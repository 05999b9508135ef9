package policy

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/tooldef"
	"github.com/codebroker/codebroker/toolsource"
)

// GraphQLResult is the outcome of evaluating a GraphQL tool call.
type GraphQLResult struct {
	// Decision is the worst-wins combination across effective paths.
	Decision Decision

	// EffectivePath is the path published on events: the single field path
	// when the operation selects exactly one field, else the tool's path.
	EffectivePath string

	// Paths lists every evaluated effective path, for deny messages.
	Paths []string
}

// EffectivePaths parses a GraphQL operation and derives
// <source>.<query|mutation>.<field> tuples from its top-level selection
// sets. A malformed or empty operation yields no paths.
func EffectivePaths(source, query string) ([]string, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return nil, fmt.Errorf("policy: parse graphql operation: %w", err)
	}

	var paths []string
	seen := make(map[string]struct{})
	for _, op := range doc.Operations {
		opType := string(op.Operation)
		if opType == "" {
			opType = "query"
		}
		for _, sel := range op.SelectionSet {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			path := toolsource.Sanitize(source) + "." + opType + "." + toolsource.Sanitize(field.Name)
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// DecideGraphQL evaluates a graphql_raw or graphql_field call. The query is
// taken from the input when present; field tools without an explicit query
// evaluate their own single field path. Each effective path is decided
// independently and combined worst-wins. Zero parsed fields fall back to the
// tool's own path.
func DecideGraphQL(tool *tooldef.ToolDefinition, query string, ctx Context, policies []*storage.AccessPolicy) GraphQLResult {
	var paths []string

	if strings.TrimSpace(query) != "" {
		parsed, err := EffectivePaths(tool.GraphQLSource, query)
		if err == nil {
			paths = parsed
		}
		// A query that does not parse is left to the endpoint to reject;
		// policy falls back to the tool's own path.
	} else if tool.Run.Kind == tooldef.KindGraphQLField && tool.Run.GraphQL != nil {
		run := tool.Run.GraphQL
		opType := run.OperationType
		if opType == "" {
			opType = "query"
		}
		paths = []string{toolsource.Sanitize(tool.GraphQLSource) + "." + opType + "." + toolsource.Sanitize(run.FieldName)}
	}

	if len(paths) == 0 {
		decision := Decide(ToolRef{Path: tool.Path, Approval: tool.Approval}, ctx, policies)
		return GraphQLResult{Decision: decision, EffectivePath: tool.Path, Paths: []string{tool.Path}}
	}

	combined := Allow
	for _, path := range paths {
		decision := Decide(ToolRef{Path: path, Approval: tool.Approval}, ctx, policies)
		combined = Worst(combined, decision)
	}

	effective := tool.Path
	if len(paths) == 1 {
		effective = paths[0]
	}
	return GraphQLResult{Decision: combined, EffectivePath: effective, Paths: paths}
}
