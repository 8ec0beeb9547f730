package workspace

import (
	"fmt"

	"github.com/epicenterhq/epicenter/pkg/provider"
	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/epicenterhq/epicenter/pkg/table"
)

// Config declares one workspace: its schema, its dependencies, its
// providers, and its exports factory. Configs are data and live for the
// life of a client; construction performs no side effects until New runs.
type Config struct {
	// ID is the workspace identifier; doubles as the document GUID and
	// the default workspace directory name. Must be non-empty.
	ID string

	// Dependencies lists the workspace ids this workspace depends on.
	// Dependencies are flat: every transitive dependency must also be
	// passed to New.
	Dependencies []string

	// Schema declares the tables
	Schema schema.WorkspaceSchema

	// Providers are instantiated in declaration order
	Providers []provider.Def

	// Exports builds the action surface exposed to callers. Optional.
	Exports ExportsFactory
}

// ExportsContext is handed to the exports factory after every provider of
// the workspace has initialized. Workspaces maps dependency id to the
// already-built dependency client.
type ExportsContext struct {
	Tables     *table.Tables
	Schema     schema.WorkspaceSchema
	Validators schema.ValidatorSet
	Providers  map[string]*provider.Exports
	Workspaces map[string]*Client
	Paths      *provider.Paths
}

// ExportsFactory produces the record of actions and utilities a workspace
// exposes.
type ExportsFactory func(ExportsContext) (map[string]any, error)

// DependencyError is fatal at construction: missing, duplicate, or
// circular workspace dependencies.
type DependencyError struct {
	msg string
}

func (e *DependencyError) Error() string { return e.msg }

func missingDependency(id, dep string) *DependencyError {
	return &DependencyError{msg: fmt.Sprintf(
		"Missing dependency: workspace %q depends on %q, but %q was not passed to New. "+
			"All transitive dependencies must appear in the root workspace list.", id, dep, dep)}
}

func duplicateIDs(id string) *DependencyError {
	return &DependencyError{msg: fmt.Sprintf("Duplicate workspace IDs detected: %q appears more than once", id)}
}

func circularDependency(cycle []string) *DependencyError {
	path := ""
	for i, id := range cycle {
		if i > 0 {
			path += " -> "
		}
		path += id
	}
	return &DependencyError{msg: "Circular dependency detected: " + path}
}

// ProviderError wraps a provider factory failure
type ProviderError struct {
	WorkspaceID string
	ProviderID  string
	Err         error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q failed to initialize in workspace %q: %v", e.ProviderID, e.WorkspaceID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
