package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/epicenterhq/epicenter/pkg/provider"
	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/epicenterhq/epicenter/pkg/table"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

// Config declares a relational index provider
type Config struct {
	// Path overrides the sqlite file location. Defaults to
	// <providerDir>/<workspaceId>.sqlite.
	Path string
}

// Index maintains a sqlite mirror of every declared table. The index is
// derived data: it is rebuilt from the CRDT on initialization and can be
// deleted at any time.
type Index struct {
	db        *sql.DB
	logger    zerolog.Logger
	schema    schema.WorkspaceSchema
	unobserve []func()
}

// Provide builds the index provider factory
func Provide(cfg Config) provider.Factory {
	return func(ctx provider.Context) (*provider.Exports, error) {
		idx, err := open(cfg, ctx)
		if err != nil {
			return nil, err
		}
		return &provider.Exports{
			Values:  map[string]any{"index": idx},
			Destroy: idx.close,
		}, nil
	}
}

func open(cfg Config, ctx provider.Context) (*Index, error) {
	if ctx.Paths == nil {
		return nil, fmt.Errorf("index provider requires a filesystem runtime")
	}

	path := cfg.Path
	if path == "" {
		path = filepath.Join(ctx.Paths.Provider, ctx.WorkspaceID+".sqlite")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	// WAL mode for concurrent readers while observers write
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping index database: %w", err)
	}

	idx := &Index{
		db:     db,
		logger: ctx.Logger.With().Str("component", "index").Logger(),
		schema: ctx.Schema,
	}

	for _, name := range ctx.Schema.Tables() {
		tbl, ok := ctx.Tables.Get(name)
		if !ok {
			db.Close() //nolint:errcheck
			return nil, fmt.Errorf("table %q missing from table runtime", name)
		}
		if err := idx.rebuild(name, tbl); err != nil {
			db.Close() //nolint:errcheck
			return nil, err
		}
		idx.unobserve = append(idx.unobserve, tbl.Observe(idx.handlers(name, tbl)))
	}

	idx.logger.Info().Str("path", path).Msg("Relational index ready")
	return idx, nil
}

// DB exposes the underlying database for caller-defined queries
func (idx *Index) DB() *sql.DB { return idx.db }

// Query hands the database to a callback; a thin escape hatch for
// exports factories that want SQL over the materialized rows.
func (idx *Index) Query(fn func(db *sql.DB) error) error {
	return fn(idx.db)
}

// columnType maps a schema kind to its sqlite column type
func columnType(kind schema.Kind) string {
	switch kind {
	case schema.KindInteger, schema.KindBoolean:
		return "INTEGER"
	case schema.KindReal:
		return "REAL"
	default:
		// text, date, enum, tags, json all store as TEXT; tags and json
		// hold JSON-encoded values
		return "TEXT"
	}
}

// rebuild drops and recreates one table's mirror, then loads every
// currently valid row. The sqlite schema is derived, so recreation is
// always safe.
func (idx *Index) rebuild(name string, tbl *table.Table) error {
	ts := idx.schema[name]
	idField, err := ts.IDField()
	if err != nil {
		return err
	}

	var cols []string
	cols = append(cols, fmt.Sprintf("%s TEXT PRIMARY KEY", quoteIdent(idField)))
	for _, field := range ts.Fields() {
		if field == idField {
			continue
		}
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(field), columnType(ts[field].Kind)))
	}
	cols = append(cols, `"_row" TEXT NOT NULL`)

	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(name)),
		fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(cols, ", ")),
	}
	for _, stmt := range stmts {
		if _, err := idx.db.Exec(stmt); err != nil {
			return fmt.Errorf("rebuild index table %q: %w", name, err)
		}
	}

	for _, row := range tbl.GetAllValid() {
		if err := idx.upsert(name, row); err != nil {
			return err
		}
	}
	return nil
}

// upsert mirrors one valid row into its sqlite table
func (idx *Index) upsert(name string, row schema.Row) error {
	ts := idx.schema[name]
	idField, err := ts.IDField()
	if err != nil {
		return err
	}

	fields := []string{idField}
	for _, field := range ts.Fields() {
		if field != idField {
			fields = append(fields, field)
		}
	}

	cols := make([]string, 0, len(fields)+1)
	placeholders := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+1)
	for _, field := range fields {
		value, err := sqlValue(ts[field].Kind, row[field])
		if err != nil {
			return fmt.Errorf("index table %q field %q: %w", name, field, err)
		}
		cols = append(cols, quoteIdent(field))
		placeholders = append(placeholders, "?")
		args = append(args, value)
	}

	full, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("index table %q: %w", name, err)
	}
	cols = append(cols, `"_row"`)
	placeholders = append(placeholders, "?")
	args = append(args, string(full))

	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		quoteIdent(name), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := idx.db.Exec(stmt, args...); err != nil {
		return fmt.Errorf("index upsert into %q: %w", name, err)
	}
	return nil
}

func (idx *Index) delete(name, id string) error {
	ts := idx.schema[name]
	idField, err := ts.IDField()
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(name), quoteIdent(idField))
	if _, err := idx.db.Exec(stmt, id); err != nil {
		return fmt.Errorf("index delete from %q: %w", name, err)
	}
	return nil
}

// handlers keeps the mirror incremental after the initial rebuild. Rows
// that fail the schema leave the index: only valid rows materialize.
func (idx *Index) handlers(name string, tbl *table.Table) table.Handlers {
	apply := func(ev table.Event) {
		var err error
		if ev.Err != nil {
			err = idx.delete(name, ev.ID)
		} else {
			err = idx.upsert(name, ev.Row)
		}
		if err != nil {
			idx.logger.Error().Err(err).Str("table", name).Str("id", ev.ID).Msg("Failed to update index")
		}
	}
	return table.Handlers{
		OnAdd:    apply,
		OnUpdate: apply,
		OnDelete: func(ev table.Event) {
			if err := idx.delete(name, ev.ID); err != nil {
				idx.logger.Error().Err(err).Str("table", name).Str("id", ev.ID).Msg("Failed to update index")
			}
		},
	}
}

func (idx *Index) close() error {
	for _, unobserve := range idx.unobserve {
		unobserve()
	}
	return idx.db.Close()
}

// sqlValue converts a normalized row value into its sqlite representation
func sqlValue(kind schema.Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case schema.KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case schema.KindTags, schema.KindJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return v, nil
	}
}

// quoteIdent quotes a sqlite identifier
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
