package markdown

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epicenterhq/epicenter/pkg/crdt"
	"github.com/epicenterhq/epicenter/pkg/metrics"
	"github.com/epicenterhq/epicenter/pkg/provider"
	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/epicenterhq/epicenter/pkg/table"
	"github.com/rs/zerolog"
)

// TableConfig overrides the defaults for one table
type TableConfig struct {
	// Dir is the table subdirectory, relative to the workspace directory.
	// Defaults to the table name.
	Dir string

	// Serializer controls the file format. Defaults to DefaultSerializer.
	Serializer Serializer
}

// Config declares a markdown provider
type Config struct {
	// Dir is the workspace directory: absolute, or relative to the
	// project directory. Defaults to the workspace id under the project
	// directory.
	Dir string

	// Tables overrides per-table directory and serializer
	Tables map[string]TableConfig

	// Stability is how long a file must be quiet before a watcher event
	// is processed. Defaults to 500ms.
	Stability time.Duration
}

// tableState is the per-table runtime: directory, serializer, and the
// tracking map from row id to the filename currently on disk.
type tableState struct {
	name       string
	table      *table.Table
	validator  *schema.Validator
	serializer Serializer
	dir        string

	mu       sync.Mutex
	tracking map[string]string

	unobserve func()
}

func (ts *tableState) tracked(id string) (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	name, ok := ts.tracking[id]
	return name, ok
}

func (ts *tableState) track(id, filename string) {
	ts.mu.Lock()
	ts.tracking[id] = filename
	ts.mu.Unlock()
}

func (ts *tableState) untrack(id string) {
	ts.mu.Lock()
	delete(ts.tracking, id)
	ts.mu.Unlock()
}

// Provider keeps a directory of markdown files and the CRDT tables of one
// workspace continuously consistent in both directions.
type Provider struct {
	workspaceID string
	providerID  string
	doc         *crdt.Doc
	logger      zerolog.Logger
	audit       zerolog.Logger
	auditFile   *os.File
	diags       *diagnosticsSet

	tables []*tableState
	byDir  map[string]*tableState

	// Loop-prevention counters. Counters rather than booleans: multiple
	// asynchronous writes overlap, and the first to finish must not clear
	// the guard for the rest.
	yjsWriteCount   atomic.Int64
	fileChangeCount atomic.Int64

	stability time.Duration

	watcher   *watcher
	validated chan struct{}
	done      chan struct{}
	destroyed sync.Once
}

// Provide builds the provider factory for a workspace declaration
func Provide(cfg Config) provider.Factory {
	return func(ctx provider.Context) (*provider.Exports, error) {
		p, err := newProvider(cfg, ctx)
		if err != nil {
			return nil, err
		}
		return &provider.Exports{
			Values:    map[string]any{"markdown": p},
			Destroy:   p.destroy,
			WhenReady: p.validated,
		}, nil
	}
}

func newProvider(cfg Config, ctx provider.Context) (*Provider, error) {
	if ctx.Paths == nil {
		return nil, fmt.Errorf("markdown provider requires a filesystem runtime")
	}

	workspaceDir := cfg.Dir
	switch {
	case workspaceDir == "":
		workspaceDir = filepath.Join(ctx.Paths.Project, ctx.WorkspaceID)
	case !filepath.IsAbs(workspaceDir):
		workspaceDir = filepath.Join(ctx.Paths.Project, workspaceDir)
	}

	diagFile, err := diagnosticsPath(ctx.Paths.Epicenter, ctx.WorkspaceID, ctx.ProviderID)
	if err != nil {
		return nil, err
	}
	logFile, err := auditLogPath(ctx.Paths.Epicenter, ctx.WorkspaceID, ctx.ProviderID)
	if err != nil {
		return nil, err
	}
	auditFile, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open provider log: %w", err)
	}

	stability := cfg.Stability
	if stability <= 0 {
		stability = 500 * time.Millisecond
	}

	p := &Provider{
		workspaceID: ctx.WorkspaceID,
		providerID:  ctx.ProviderID,
		doc:         ctx.Doc,
		logger:      ctx.Logger.With().Str("component", "markdown").Logger(),
		audit:       zerolog.New(auditFile).With().Timestamp().Logger(),
		auditFile:   auditFile,
		diags:       newDiagnosticsSet(diagFile, ctx.WorkspaceID, ctx.ProviderID),
		byDir:       make(map[string]*tableState),
		stability:   stability,
		validated:   make(chan struct{}),
		done:        make(chan struct{}),
	}

	for _, name := range ctx.Schema.Tables() {
		tbl, ok := ctx.Tables.Get(name)
		if !ok {
			return nil, fmt.Errorf("table %q missing from table runtime", name)
		}
		tc := cfg.Tables[name]
		dir := tc.Dir
		if dir == "" {
			dir = name
		}
		ser := tc.Serializer
		if ser == nil {
			ser = DefaultSerializer()
		}
		absDir := filepath.Join(workspaceDir, dir)
		if err := os.MkdirAll(absDir, 0755); err != nil {
			p.auditFile.Close() //nolint:errcheck
			return nil, fmt.Errorf("failed to create table directory: %w", err)
		}
		ts := &tableState{
			name:       name,
			table:      tbl,
			validator:  ctx.Validators[name],
			serializer: ser,
			dir:        absDir,
			tracking:   make(map[string]string),
		}
		p.tables = append(p.tables, ts)
		p.byDir[absDir] = ts
	}

	if err := p.start(); err != nil {
		p.auditFile.Close() //nolint:errcheck
		return nil, err
	}
	return p, nil
}

// start runs the four-phase startup sequence. Phases 1 and 2 are cheap
// and synchronous; phase 3 makes the provider ready; phase 4 defers the
// expensive full-content validation so readiness does not depend on it.
func (p *Provider) start() error {
	// Phase 1: build the tracking map from the CRDT
	for _, ts := range p.tables {
		for _, row := range ts.table.GetAllValid() {
			fd, err := ts.serializer.Serialize(row, ts.validator)
			if err != nil {
				p.logger.Error().Err(err).Str("table", ts.name).Msg("Failed to serialize row while building tracking")
				continue
			}
			id, _ := row[ts.validator.IDField()].(string)
			ts.tracking[id] = fd.Filename
		}
	}

	// Phase 2: delete orphan files. Requires phase 1: without the
	// expected-filename map an orphan cannot be told apart from a row's
	// current file.
	for _, ts := range p.tables {
		if err := p.deleteOrphans(ts); err != nil {
			return err
		}
	}

	// Phase 3: observers and watcher; the provider is ready after this
	for _, ts := range p.tables {
		ts.unobserve = ts.table.Observe(p.handlers(ts))
	}
	w, err := newWatcher(p)
	if err != nil {
		return err
	}
	p.watcher = w

	// Phase 4: background validation of every remaining file
	go p.validateAll()

	p.logger.Info().Int("tables", len(p.tables)).Msg("Markdown provider ready")
	return nil
}

func (p *Provider) deleteOrphans(ts *tableState) error {
	files, err := listMarkdownFiles(ts.dir)
	if err != nil {
		return err
	}
	for _, filename := range files {
		parsed := ts.serializer.ParseFilename(filename)
		if parsed == nil {
			// Unidentifiable files are never deleted
			p.audit.Warn().Str("table", ts.name).Str("filename", filename).Msg("unidentifiable filename")
			continue
		}
		if ts.table.Has(parsed.ID) {
			continue
		}
		path := filepath.Join(ts.dir, filename)
		if err := os.Remove(path); err != nil {
			p.logger.Error().Err(err).Str("path", path).Msg("Failed to delete orphan file")
			continue
		}
		metrics.MarkdownFileOpsTotal.WithLabelValues(p.workspaceID, ts.name, "orphan").Inc()
		p.audit.Info().Str("table", ts.name).Str("filename", filename).Str("kind", "orphan").Msg("deleted orphan file")
		p.logger.Info().Str("table", ts.name).Str("filename", filename).Msg("Deleted orphan file")
	}
	return nil
}

// validateAll re-reads every file and records deserialization failures in
// the diagnostics set. Runs once in the background after startup.
func (p *Provider) validateAll() {
	defer close(p.validated)
	for _, ts := range p.tables {
		select {
		case <-p.done:
			return
		default:
		}
		fresh := p.scanTable(ts)
		p.diags.replaceTable(ts.name, fresh)
	}
}

// scanTable deserializes every file in one table directory and returns
// the diagnostics for the ones that fail.
func (p *Provider) scanTable(ts *tableState) []Diagnostic {
	var found []Diagnostic
	files, err := listMarkdownFiles(ts.dir)
	if err != nil {
		p.logger.Error().Err(err).Str("table", ts.name).Msg("Failed to list table directory")
		return nil
	}
	for _, filename := range files {
		path := filepath.Join(ts.dir, filename)
		if _, err := p.readRow(ts, filename, path); err != nil {
			found = append(found, Diagnostic{
				AbsolutePath: path,
				TableName:    ts.name,
				Filename:     filename,
				Error:        err.Error(),
				RecordedAt:   time.Now().UTC(),
			})
		}
	}
	return found
}

// readRow reads and deserializes one file
func (p *Provider) readRow(ts *tableState, filename, path string) (schema.Row, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	fd, err := decodeFile(content, filename)
	if err != nil {
		return nil, err
	}
	if parsed := ts.serializer.ParseFilename(filename); parsed == nil {
		return nil, &FilenameParseError{Filename: filename}
	}
	return ts.serializer.Deserialize(fd, ts.validator)
}

// handlers builds the CRDT observation handlers mirroring table changes
// into files.
func (p *Provider) handlers(ts *tableState) table.Handlers {
	write := func(ev table.Event) {
		if p.fileChangeCount.Load() > 0 {
			// The change originated from the file watcher; the file is
			// already on disk.
			return
		}
		if ev.Err != nil {
			p.logger.Warn().Str("table", ts.name).Str("id", ev.ID).Str("error", ev.Err.Error()).
				Msg("Skipping file write for invalid row")
			return
		}
		p.writeRow(ts, ev.ID, ev.Row)
	}
	return table.Handlers{
		OnAdd:    write,
		OnUpdate: write,
		OnDelete: func(ev table.Event) {
			if p.fileChangeCount.Load() > 0 {
				return
			}
			p.deleteRowFile(ts, ev.ID)
		},
	}
}

// writeRow serializes a row to its file, unlinking the previously tracked
// file first when the filename changed.
func (p *Provider) writeRow(ts *tableState, id string, row schema.Row) {
	fd, err := ts.serializer.Serialize(row, ts.validator)
	if err != nil {
		p.logger.Error().Err(err).Str("table", ts.name).Str("id", id).Msg("Failed to serialize row")
		return
	}

	p.yjsWriteCount.Add(1)
	defer p.yjsWriteCount.Add(-1)

	if old, ok := ts.tracked(id); ok && old != fd.Filename {
		oldPath := filepath.Join(ts.dir, old)
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			p.logger.Error().Err(err).Str("path", oldPath).Msg("Failed to delete renamed file")
		} else {
			metrics.MarkdownFileOpsTotal.WithLabelValues(p.workspaceID, ts.name, "delete").Inc()
		}
	}
	ts.track(id, fd.Filename)

	content, err := encodeFile(fd)
	if err != nil {
		p.logger.Error().Err(err).Str("table", ts.name).Str("id", id).Msg("Failed to encode file")
		return
	}
	path := filepath.Join(ts.dir, fd.Filename)
	if err := os.WriteFile(path, content, 0644); err != nil {
		ioErr := &IOError{Op: "write", Path: path, Err: err}
		p.logger.Error().Err(ioErr).Msg("Failed to write markdown file")
		p.audit.Error().Str("table", ts.name).Str("filename", fd.Filename).Err(err).Msg("write failed")
		return
	}
	metrics.MarkdownFileOpsTotal.WithLabelValues(p.workspaceID, ts.name, "write").Inc()
	p.diags.clear(path)
}

// deleteRowFile removes the tracked file of a deleted row
func (p *Provider) deleteRowFile(ts *tableState, id string) {
	filename, ok := ts.tracked(id)
	if !ok {
		return
	}

	p.yjsWriteCount.Add(1)
	defer p.yjsWriteCount.Add(-1)

	path := filepath.Join(ts.dir, filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.logger.Error().Err(err).Str("path", path).Msg("Failed to delete file for removed row")
		return
	}
	ts.untrack(id)
	metrics.MarkdownFileOpsTotal.WithLabelValues(p.workspaceID, ts.name, "delete").Inc()
	p.diags.clear(path)
}

// Diagnostics returns the current snapshot of files failing to
// deserialize.
func (p *Provider) Diagnostics() []Diagnostic {
	return p.diags.snapshot()
}

// ScanForErrors rescans every table directory and replaces the
// diagnostics snapshot with the current set of failures.
func (p *Provider) ScanForErrors() []Diagnostic {
	for _, ts := range p.tables {
		p.diags.replaceTable(ts.name, p.scanTable(ts))
	}
	return p.diags.snapshot()
}

// destroy closes the watcher, cancels pending debounce timers,
// unsubscribes observers, and closes the audit log.
func (p *Provider) destroy() error {
	var err error
	p.destroyed.Do(func() {
		close(p.done)
		if p.watcher != nil {
			err = p.watcher.close()
		}
		for _, ts := range p.tables {
			if ts.unobserve != nil {
				ts.unobserve()
			}
		}
		if cerr := p.auditFile.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// rowsEqual compares a deserialized file row with the stored row so
// watcher echoes of our own writes do not trigger another transaction.
func rowsEqual(a, b schema.Row) bool {
	return reflect.DeepEqual(a, b)
}

// listMarkdownFiles returns the .md entries of one directory, sorted
func listMarkdownFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &IOError{Op: "list", Path: dir, Err: err}
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if ignoreFilename(name) || filepath.Ext(name) != ".md" {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}
