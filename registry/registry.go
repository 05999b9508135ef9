// Package registry caches compiled workspace tools behind a signature.
//
// Reads are served from the last published build. When the workspace's
// source set drifts from the build's signature, reads return stale (or
// empty) results immediately and a rebuild runs in the background; a
// subsequent read observes the fresh build. Builds are transactional:
// readers never see a partially written build.
package registry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/compiler"
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/tooldef"
)

const (
	// DefaultSourceBudget bounds one source's compile time during a build.
	// A source exceeding it contributes a warning and zero tools.
	DefaultSourceBudget = 20 * time.Second

	// persistBatchSize bounds one PutToolsBatch call.
	persistBatchSize = 100
)

// Warnings surfaced on stale and empty reads.
const (
	WarningStale   = "showing previous results while refreshing"
	WarningLoading = "tool inventory is still loading"
)

// NamespaceInfo summarizes one namespace in a snapshot.
type NamespaceInfo struct {
	Name      string `json:"name"`
	ToolCount int    `json:"toolCount"`
}

// Snapshot is an immutable view of a workspace's tools. Fresh reports
// whether it reflects the current source set; a stale or empty snapshot
// carries a Warning. BuildWarnings are the compile warnings persisted with
// the build the snapshot serves from.
type Snapshot struct {
	Signature     string
	Fresh         bool
	Warning       string
	BuildWarnings []string

	tools  []*tooldef.ToolDefinition
	byPath map[string]*tooldef.ToolDefinition
}

// Tools returns the snapshot's tools sorted by path.
func (s *Snapshot) Tools() []*tooldef.ToolDefinition { return s.tools }

// Lookup finds a tool by exact path.
func (s *Snapshot) Lookup(path string) (*tooldef.ToolDefinition, bool) {
	def, ok := s.byPath[path]
	return def, ok
}

// Namespaces aggregates the snapshot's tools by first path segment.
func (s *Snapshot) Namespaces() []NamespaceInfo {
	counts := make(map[string]int)
	for _, t := range s.tools {
		counts[t.Namespace()]++
	}
	out := make([]NamespaceInfo, 0, len(counts))
	for name, n := range counts {
		out = append(out, NamespaceInfo{Name: name, ToolCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func newSnapshot(signature string, fresh bool, warning string, tools []*tooldef.ToolDefinition) *Snapshot {
	byPath := make(map[string]*tooldef.ToolDefinition, len(tools))
	for _, t := range tools {
		byPath[t.Path] = t
	}
	return &Snapshot{Signature: signature, Fresh: fresh, Warning: warning, tools: tools, byPath: byPath}
}

// Registry serves tool reads and coordinates rebuilds per workspace.
type Registry struct {
	store        storage.Store
	compiler     *compiler.Compiler
	logger       *log.Logger
	sourceBudget time.Duration

	mu       sync.Mutex
	inflight map[string]*rebuild       // workspaceID -> running rebuild
	extra    []*tooldef.ToolDefinition // system-registered base tools
}

// rebuild is a single-flight cell; waiters block on done.
type rebuild struct {
	done chan struct{}
	err  error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger; silent by default.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithSourceBudget overrides the per-source compile budget.
func WithSourceBudget(budget time.Duration) Option {
	return func(r *Registry) { r.sourceBudget = budget }
}

// New creates a registry over the given store and compiler.
func New(store storage.Store, comp *compiler.Compiler, opts ...Option) *Registry {
	r := &Registry{
		store:        store,
		compiler:     comp,
		sourceBudget: DefaultSourceBudget,
		inflight:     make(map[string]*rebuild),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterBaseTool adds a system tool merged into every subsequent build,
// after the standard builtins. Call before serving reads.
func (r *Registry) RegisterBaseTool(def *tooldef.ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extra = append(r.extra, def)
}

// GetTools returns the workspace's tool snapshot. A fresh build is served
// directly. Otherwise the previous build (or an empty set) is returned with
// a warning and a rebuild starts in the background.
func (r *Registry) GetTools(ctx context.Context, workspaceID string) (*Snapshot, error) {
	sources, err := r.store.ListToolSources(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("registry: list sources: %w", err)
	}
	expected := Signature(sources)

	state, err := r.store.GetRegistryState(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("registry: read state: %w", err)
	}

	if state != nil && state.Signature == expected && state.ReadyBuildID != nil {
		tools, err := r.loadBuild(ctx, *state.ReadyBuildID)
		if err != nil {
			return nil, err
		}
		snap := newSnapshot(expected, true, "", tools)
		snap.BuildWarnings = state.Warnings
		return snap, nil
	}

	r.startRebuild(workspaceID)

	if state != nil && state.ReadyBuildID != nil {
		tools, err := r.loadBuild(ctx, *state.ReadyBuildID)
		if err != nil {
			return nil, err
		}
		snap := newSnapshot(state.Signature, false, WarningStale, tools)
		snap.BuildWarnings = state.Warnings
		return snap, nil
	}
	return newSnapshot("", false, WarningLoading, nil), nil
}

// GetToolsFresh blocks until the workspace's build matches its sources,
// then returns the fresh snapshot.
func (r *Registry) GetToolsFresh(ctx context.Context, workspaceID string) (*Snapshot, error) {
	snap, err := r.GetTools(ctx, workspaceID)
	if err != nil || snap.Fresh {
		return snap, err
	}
	if err := r.waitRebuild(ctx, workspaceID); err != nil {
		return nil, err
	}
	return r.GetTools(ctx, workspaceID)
}

// loadBuild reads and deserializes a build's tool entries.
func (r *Registry) loadBuild(ctx context.Context, buildID uuid.UUID) ([]*tooldef.ToolDefinition, error) {
	entries, err := r.store.ListBuildTools(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("registry: load build %s: %w", buildID, err)
	}
	tools := make([]*tooldef.ToolDefinition, 0, len(entries))
	for _, e := range entries {
		def, err := tooldef.Unmarshal(e.Definition)
		if err != nil {
			return nil, fmt.Errorf("registry: build %s entry %s: %w", buildID, e.Path, err)
		}
		tools = append(tools, def)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Path < tools[j].Path })
	return tools, nil
}

// startRebuild kicks off a background rebuild unless one is already
// running for the workspace.
func (r *Registry) startRebuild(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.inflight[workspaceID]; running {
		return
	}
	cell := &rebuild{done: make(chan struct{})}
	r.inflight[workspaceID] = cell

	go func() {
		// Detached from the read's context: the build outlives the request
		// that triggered it.
		ctx, cancel := context.WithTimeout(context.Background(), r.sourceBudget+30*time.Second)
		defer cancel()

		cell.err = r.runBuild(ctx, workspaceID)
		if cell.err != nil {
			r.logf("registry: rebuild workspace %s: %v", workspaceID, cell.err)
		}

		r.mu.Lock()
		delete(r.inflight, workspaceID)
		r.mu.Unlock()
		close(cell.done)
	}()
}

// waitRebuild blocks until the workspace's in-flight rebuild (if any)
// finishes.
func (r *Registry) waitRebuild(ctx context.Context, workspaceID string) error {
	r.mu.Lock()
	cell, running := r.inflight[workspaceID]
	r.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-cell.done:
		return cell.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rebuild runs a build synchronously. Concurrent callers for the same
// workspace join the running build instead of racing it.
func (r *Registry) Rebuild(ctx context.Context, workspaceID string) error {
	r.startRebuild(workspaceID)
	return r.waitRebuild(ctx, workspaceID)
}

// sourceResult carries one source's compile outcome across the fan-in.
type sourceResult struct {
	index    int
	tools    []*tooldef.ToolDefinition
	warnings []compiler.Warning
}

// runBuild executes one registry build end to end.
func (r *Registry) runBuild(ctx context.Context, workspaceID string) error {
	sources, err := r.store.ListToolSources(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	signature := Signature(sources)

	buildID := uuid.New()
	if err := r.store.BeginBuild(ctx, workspaceID, signature, buildID); err != nil {
		return fmt.Errorf("begin build: %w", err)
	}

	tools, warnings := r.compileAll(ctx, sources)
	warningTexts := make([]string, 0, len(warnings))
	for _, w := range warnings {
		r.logf("registry: workspace %s source %s: %s", workspaceID, w.Source, w.Message)
		warningTexts = append(warningTexts, fmt.Sprintf("%s: %s", w.Source, w.Message))
	}

	if err := r.persistBuild(ctx, buildID, tools); err != nil {
		if failErr := r.store.FailBuild(ctx, workspaceID, buildID); failErr != nil {
			r.logf("registry: fail build %s: %v", buildID, failErr)
		}
		return err
	}

	if err := r.store.FinishBuild(ctx, workspaceID, signature, buildID, warningTexts); err != nil {
		return fmt.Errorf("finish build: %w", err)
	}
	return nil
}

// compileAll compiles enabled sources in parallel under the per-source
// budget and merges base tools last (later entries win path collisions).
func (r *Registry) compileAll(ctx context.Context, sources []*storage.ToolSource) ([]*tooldef.ToolDefinition, []compiler.Warning) {
	enabled := make([]*storage.ToolSource, 0, len(sources))
	for _, s := range sources {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	results := make(chan sourceResult, len(enabled))
	for i, src := range enabled {
		go func(i int, src *storage.ToolSource) {
			srcCtx, cancel := context.WithTimeout(ctx, r.sourceBudget)
			defer cancel()

			res, err := r.compiler.CompileSource(srcCtx, src)
			if err != nil {
				results <- sourceResult{index: i, warnings: []compiler.Warning{{
					Source:  src.Name,
					Message: fmt.Sprintf("compile: %v", err),
				}}}
				return
			}
			results <- sourceResult{index: i, tools: res.Tools, warnings: res.Warnings}
		}(i, src)
	}

	collected := make([]sourceResult, len(enabled))
	for range enabled {
		res := <-results
		collected[res.index] = res
	}

	var (
		merged   []*tooldef.ToolDefinition
		warnings []compiler.Warning
		byPath   = make(map[string]int)
	)
	add := func(def *tooldef.ToolDefinition) {
		if i, dup := byPath[def.Path]; dup {
			merged[i] = def
			return
		}
		byPath[def.Path] = len(merged)
		merged = append(merged, def)
	}

	for _, res := range collected {
		warnings = append(warnings, res.warnings...)
		for _, def := range res.tools {
			add(def)
		}
	}
	for _, def := range baseTools() {
		add(def)
	}
	r.mu.Lock()
	extra := r.extra
	r.mu.Unlock()
	for _, def := range extra {
		add(def)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Path < merged[j].Path })
	return merged, warnings
}

// persistBuild writes tool entries in batches plus the namespace index.
func (r *Registry) persistBuild(ctx context.Context, buildID uuid.UUID, tools []*tooldef.ToolDefinition) error {
	var batch []*storage.ToolEntry
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.store.PutToolsBatch(ctx, batch); err != nil {
			return fmt.Errorf("persist tools: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	counts := make(map[string]int)
	for _, def := range tools {
		raw, err := def.Marshal()
		if err != nil {
			return fmt.Errorf("marshal tool %s: %w", def.Path, err)
		}
		batch = append(batch, &storage.ToolEntry{BuildID: buildID, Path: def.Path, Definition: raw})
		counts[def.Namespace()]++
		if len(batch) >= persistBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	namespaces := make([]*storage.NamespaceEntry, 0, len(counts))
	for name, n := range counts {
		namespaces = append(namespaces, &storage.NamespaceEntry{BuildID: buildID, Namespace: name, ToolCount: n})
	}
	sort.Slice(namespaces, func(i, j int) bool { return namespaces[i].Namespace < namespaces[j].Namespace })
	if len(namespaces) > 0 {
		if err := r.store.PutNamespacesBatch(ctx, namespaces); err != nil {
			return fmt.Errorf("persist namespaces: %w", err)
		}
	}
	return nil
}

func (r *Registry) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
