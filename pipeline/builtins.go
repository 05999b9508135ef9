package pipeline

import (
	"context"
	"fmt"

	"github.com/codebroker/codebroker/dispatch"
	"github.com/codebroker/codebroker/registry"
	"github.com/codebroker/codebroker/tooldef"
)

// RegisterBaseBuiltins installs handlers for the built-in catalog tools.
// They read the calling workspace's registry snapshot and hide tools the
// caller's policies deny.
func RegisterBaseBuiltins(d *dispatch.Dispatcher, reg *registry.Registry) {
	d.RegisterBuiltin(registry.PathDiscover, func(ctx context.Context, env *dispatch.Env, _ map[string]any) (any, error) {
		snapshot, err := snapshotFor(ctx, reg, env)
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"namespaces": visibleNamespaces(snapshot, env),
			"warning":    snapshot.Warning,
		}
		if len(snapshot.BuildWarnings) > 0 {
			out["buildWarnings"] = snapshot.BuildWarnings
		}
		return out, nil
	})

	d.RegisterBuiltin(registry.PathCatalogNamespaces, func(ctx context.Context, env *dispatch.Env, _ map[string]any) (any, error) {
		snapshot, err := snapshotFor(ctx, reg, env)
		if err != nil {
			return nil, err
		}
		return visibleNamespaces(snapshot, env), nil
	})

	d.RegisterBuiltin(registry.PathCatalogTools, func(ctx context.Context, env *dispatch.Env, input map[string]any) (any, error) {
		snapshot, err := snapshotFor(ctx, reg, env)
		if err != nil {
			return nil, err
		}
		namespace, _ := input["namespace"].(string)

		var tools []map[string]any
		for _, t := range snapshot.Tools() {
			if namespace != "" && t.Namespace() != namespace {
				continue
			}
			if !env.Allowed(t.Path) {
				continue
			}
			tools = append(tools, describeTool(t))
		}
		return map[string]any{"tools": tools}, nil
	})
}

func snapshotFor(ctx context.Context, reg *registry.Registry, env *dispatch.Env) (*registry.Snapshot, error) {
	if env == nil || env.WorkspaceID == "" {
		return nil, fmt.Errorf("catalog: no workspace in call environment")
	}
	return reg.GetTools(ctx, env.WorkspaceID)
}

// visibleNamespaces lists namespaces that contain at least one tool the
// caller may see, with counts restricted to those tools.
func visibleNamespaces(snapshot *registry.Snapshot, env *dispatch.Env) []registry.NamespaceInfo {
	counts := make(map[string]int)
	var order []string
	for _, t := range snapshot.Tools() {
		if !env.Allowed(t.Path) {
			continue
		}
		ns := t.Namespace()
		if _, seen := counts[ns]; !seen {
			order = append(order, ns)
		}
		counts[ns]++
	}

	out := make([]registry.NamespaceInfo, 0, len(order))
	for _, ns := range order {
		out = append(out, registry.NamespaceInfo{Name: ns, ToolCount: counts[ns]})
	}
	return out
}

func describeTool(t *tooldef.ToolDefinition) map[string]any {
	desc := map[string]any{
		"path":     t.Path,
		"approval": string(t.Approval),
	}
	if t.Description != "" {
		desc["description"] = t.Description
	}
	if t.InputSchema != nil {
		desc["inputSchema"] = t.InputSchema
	}
	return desc
}
