package provider

import (
	"github.com/epicenterhq/epicenter/pkg/crdt"
	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/epicenterhq/epicenter/pkg/table"
	"github.com/rs/zerolog"
)

// Paths locates the filesystem roots a provider may use. Nil in runtimes
// without a filesystem (embedded/browser-style hosts); providers that need
// disk must check for that.
type Paths struct {
	// Project is the project root directory
	Project string

	// Epicenter is the provider-state directory, <project>/.epicenter
	Epicenter string

	// Provider is this provider's private directory,
	// <project>/.epicenter/providers/<providerId>
	Provider string
}

// Context carries everything a provider factory may read. Declarations are
// data: factories receive the already-built document and table runtime and
// must not reach outside their context.
type Context struct {
	WorkspaceID string
	ProviderID  string
	Doc         *crdt.Doc
	Schema      schema.WorkspaceSchema
	Validators  schema.ValidatorSet
	Tables      *table.Tables
	Paths       *Paths
	Logger      zerolog.Logger
}

// Exports is the tagged record a provider factory returns. Every field is
// optional; the workspace runtime handles whichever capabilities are
// present.
type Exports struct {
	// Values are named exports reachable from the workspace exports
	// factory and action handlers.
	Values map[string]any

	// Destroy tears the provider down: cancel timers, unsubscribe
	// observers, close watchers. Called once from Client.Destroy.
	Destroy func() error

	// WhenReady is closed when asynchronous hydration has completed.
	// Nil, or already closed, for providers that are ready on return.
	WhenReady <-chan struct{}
}

// Factory instantiates one provider for one workspace. Factories run in
// declaration order during workspace initialization and are awaited: a
// factory error aborts the workspace.
type Factory func(Context) (*Exports, error)

// Def pairs a provider id with its factory. Order matters: the workspace
// runtime calls factories in declaration order.
type Def struct {
	ID      string
	Factory Factory
}
