package table

import (
	"fmt"

	"github.com/epicenterhq/epicenter/pkg/crdt"
	"github.com/epicenterhq/epicenter/pkg/schema"
)

// Tables is the facade over every declared table of one workspace,
// consumed by providers and action handlers.
type Tables struct {
	byName map[string]*Table
	names  []string
}

// NewTables builds the table runtime for a workspace schema
func NewTables(doc *crdt.Doc, ws schema.WorkspaceSchema, validators schema.ValidatorSet) (*Tables, error) {
	tables := &Tables{byName: make(map[string]*Table, len(ws))}
	for _, name := range ws.Tables() {
		v, ok := validators[name]
		if !ok {
			return nil, fmt.Errorf("no validator compiled for table %q", name)
		}
		tables.byName[name] = New(doc, name, v)
		tables.names = append(tables.names, name)
	}
	return tables, nil
}

// Get returns the table runtime for name
func (ts *Tables) Get(name string) (*Table, bool) {
	t, ok := ts.byName[name]
	return t, ok
}

// MustGet returns the table runtime for name and panics when the table was
// never declared. Intended for exports factories over a known schema.
func (ts *Tables) MustGet(name string) *Table {
	t, ok := ts.byName[name]
	if !ok {
		panic(fmt.Sprintf("table %q is not declared in this workspace", name))
	}
	return t
}

// Names returns the declared table names in sorted order
func (ts *Tables) Names() []string {
	out := make([]string, len(ts.names))
	copy(out, ts.names)
	return out
}
