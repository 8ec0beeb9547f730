package action

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps "<workspace>.<action>" to definitions for the CLI and
// HTTP boundaries.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Definition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Definition)}
}

// Register adds a workspace's action definitions. Re-registering a name
// overwrites the previous definition.
func (r *Registry) Register(workspace string, defs ...Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		r.actions[workspace+"."+def.Name] = def
	}
}

// FromExports registers every Definition found in a workspace exports
// record, recursing into nested maps with a dotted path.
func (r *Registry) FromExports(workspace string, exports map[string]any) {
	r.registerNested(workspace, "", exports)
}

func (r *Registry) registerNested(workspace, prefix string, values map[string]any) {
	for name, value := range values {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		switch v := value.(type) {
		case Definition:
			def := v
			def.Name = path
			r.Register(workspace, def)
		case map[string]any:
			r.registerNested(workspace, path, v)
		}
	}
}

// Lookup finds an action by workspace and name
func (r *Registry) Lookup(workspace, name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.actions[workspace+"."+name]
	return def, ok
}

// Invoke runs a registered action; unknown actions produce a not-found
// result rather than an error.
func (r *Registry) Invoke(ctx context.Context, workspace, name string, input map[string]any) Result {
	def, ok := r.Lookup(workspace, name)
	if !ok {
		return Result{Err: NotFound("unknown action %q in workspace %q", name, workspace)}
	}
	return def.Invoke(ctx, input)
}

// Names returns every registered "<workspace>.<action>" key in sorted
// order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String implements fmt.Stringer for diagnostics
func (r *Registry) String() string {
	return fmt.Sprintf("action.Registry(%d actions)", len(r.Names()))
}
