package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/epicenterhq/epicenter/pkg/crdt"
	"github.com/epicenterhq/epicenter/pkg/log"
	"github.com/epicenterhq/epicenter/pkg/metrics"
	"github.com/epicenterhq/epicenter/pkg/provider"
	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/epicenterhq/epicenter/pkg/table"
)

// Options configures the runtime New builds workspaces in
type Options struct {
	// ProjectDir is the filesystem root. When empty, the runtime is
	// treated as diskless and providers receive nil Paths.
	ProjectDir string
}

// Client is one initialized workspace: the document, the table runtime,
// the provider exports, and the user-defined action surface.
type Client struct {
	ID         string
	Doc        *crdt.Doc
	Tables     *table.Tables
	Validators schema.ValidatorSet
	Providers  map[string]*provider.Exports
	Exports    map[string]any

	providerOrder []string
	ready         <-chan struct{}

	destroyOnce sync.Once
	destroyErr  error
}

// New resolves the dependency graph of the given configs, initializes each
// workspace in topological order, and returns the clients keyed by
// workspace id. Dependencies are initialized before dependents, so a
// dependent's exports factory always sees fully-built dependency clients.
func New(opts Options, configs ...Config) (map[string]*Client, error) {
	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("workspace config has an empty id")
		}
	}

	order, err := resolveOrder(configs)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		byID[cfg.ID] = cfg
	}

	clients := make(map[string]*Client, len(configs))
	for _, id := range order {
		client, err := initWorkspace(opts, byID[id], clients)
		if err != nil {
			// Tear down what was already built so a failed New leaks
			// nothing.
			for _, built := range clients {
				built.Destroy() //nolint:errcheck
			}
			return nil, err
		}
		clients[id] = client
	}
	return clients, nil
}

func initWorkspace(opts Options, cfg Config, clients map[string]*Client) (*Client, error) {
	logger := log.WithWorkspace(cfg.ID)

	validators, err := schema.Compile(cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("workspace %q: %w", cfg.ID, err)
	}

	doc := crdt.NewDoc(cfg.ID)
	tables, err := table.NewTables(doc, cfg.Schema, validators)
	if err != nil {
		doc.Destroy()
		return nil, fmt.Errorf("workspace %q: %w", cfg.ID, err)
	}

	basePaths, err := buildPaths(opts)
	if err != nil {
		doc.Destroy()
		return nil, fmt.Errorf("workspace %q: %w", cfg.ID, err)
	}

	client := &Client{
		ID:         cfg.ID,
		Doc:        doc,
		Tables:     tables,
		Validators: validators,
		Providers:  make(map[string]*provider.Exports, len(cfg.Providers)),
	}

	for _, def := range cfg.Providers {
		if def.ID == "" || def.Factory == nil {
			client.Destroy() //nolint:errcheck
			return nil, fmt.Errorf("workspace %q: provider declaration needs an id and a factory", cfg.ID)
		}
		if _, ok := client.Providers[def.ID]; ok {
			client.Destroy() //nolint:errcheck
			return nil, fmt.Errorf("workspace %q: duplicate provider id %q", cfg.ID, def.ID)
		}

		timer := metrics.NewTimer()
		exports, err := def.Factory(provider.Context{
			WorkspaceID: cfg.ID,
			ProviderID:  def.ID,
			Doc:         doc,
			Schema:      cfg.Schema,
			Validators:  validators,
			Tables:      tables,
			Paths:       providerPaths(basePaths, def.ID),
			Logger:      logger.With().Str("provider_id", def.ID).Logger(),
		})
		timer.ObserveDurationVec(metrics.ProviderInitDuration, def.ID)
		if err != nil {
			client.Destroy() //nolint:errcheck
			return nil, &ProviderError{WorkspaceID: cfg.ID, ProviderID: def.ID, Err: err}
		}
		if exports == nil {
			exports = &provider.Exports{}
		}
		client.Providers[def.ID] = exports
		client.providerOrder = append(client.providerOrder, def.ID)
	}

	client.ready = aggregateReadiness(client)

	if cfg.Exports != nil {
		deps := make(map[string]*Client, len(cfg.Dependencies))
		for _, dep := range cfg.Dependencies {
			deps[dep] = clients[dep]
		}
		exports, err := cfg.Exports(ExportsContext{
			Tables:     tables,
			Schema:     cfg.Schema,
			Validators: validators,
			Providers:  client.Providers,
			Workspaces: deps,
			Paths:      basePaths,
		})
		if err != nil {
			client.Destroy() //nolint:errcheck
			return nil, fmt.Errorf("workspace %q: exports factory: %w", cfg.ID, err)
		}
		client.Exports = exports
	}

	logger.Info().
		Int("tables", len(tables.Names())).
		Int("providers", len(client.Providers)).
		Msg("Workspace initialized")
	return client, nil
}

// buildPaths creates the project-level directory layout, or returns nil in
// a diskless runtime.
func buildPaths(opts Options) (*provider.Paths, error) {
	if opts.ProjectDir == "" {
		return nil, nil
	}
	epicenterDir := filepath.Join(opts.ProjectDir, ".epicenter")
	if err := os.MkdirAll(epicenterDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create epicenter directory: %w", err)
	}
	return &provider.Paths{Project: opts.ProjectDir, Epicenter: epicenterDir}, nil
}

func providerPaths(base *provider.Paths, providerID string) *provider.Paths {
	if base == nil {
		return nil
	}
	return &provider.Paths{
		Project:   base.Project,
		Epicenter: base.Epicenter,
		Provider:  filepath.Join(base.Epicenter, "providers", providerID),
	}
}

// aggregateReadiness folds every provider's WhenReady channel into one
// channel that closes when initial asynchronous hydration has completed
// across the workspace.
func aggregateReadiness(client *Client) <-chan struct{} {
	var pending []<-chan struct{}
	for _, id := range client.providerOrder {
		if ch := client.Providers[id].WhenReady; ch != nil {
			pending = append(pending, ch)
		}
	}

	ready := make(chan struct{})
	if len(pending) == 0 {
		close(ready)
		return ready
	}
	go func() {
		for _, ch := range pending {
			<-ch
		}
		close(ready)
	}()
	return ready
}

// WhenReady returns a channel closed once every provider that hydrates
// asynchronously has finished its initial load.
func (c *Client) WhenReady() <-chan struct{} { return c.ready }

// Destroy tears the workspace down: every provider's Destroy runs in
// parallel, then the document is destroyed. Destroy is idempotent; the
// first error encountered is retained and returned on every call.
func (c *Client) Destroy() error {
	c.destroyOnce.Do(func() {
		var wg sync.WaitGroup
		errCh := make(chan error, len(c.Providers))
		for _, id := range c.providerOrder {
			exports := c.Providers[id]
			if exports.Destroy == nil {
				continue
			}
			wg.Add(1)
			go func(id string, destroy func() error) {
				defer wg.Done()
				if err := destroy(); err != nil {
					errCh <- fmt.Errorf("provider %q: %w", id, err)
				}
			}(id, exports.Destroy)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			if c.destroyErr == nil {
				c.destroyErr = err
			}
		}
		c.Doc.Destroy()
	})
	return c.destroyErr
}

// Close makes a client satisfy io.Closer; it aliases Destroy
func (c *Client) Close() error { return c.Destroy() }
