package table

import (
	"testing"

	"github.com/epicenterhq/epicenter/pkg/crdt"
	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	v, err := schema.NewValidator("notes", schema.TableSchema{
		"id":      schema.ID(),
		"content": schema.Text(),
		"pinned":  schema.Boolean().Optional().WithDefault(false),
	})
	require.NoError(t, err)
	return New(crdt.NewDoc("ws"), "notes", v)
}

func TestUpsertAndGet(t *testing.T) {
	tbl := newTestTable(t)

	require.NoError(t, tbl.Upsert(map[string]any{"id": "n1", "content": "hi"}))

	res := tbl.Get("n1")
	require.Equal(t, StatusFound, res.Status)
	assert.Equal(t, "hi", res.Row["content"])
	assert.Equal(t, false, res.Row["pinned"], "default applied on read")

	assert.Equal(t, StatusNotFound, tbl.Get("missing").Status)
}

func TestUpsertOverwritesAtomically(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Upsert(map[string]any{"id": "n1", "content": "first"}))
	require.NoError(t, tbl.Upsert(map[string]any{"id": "n1", "content": "second"}))

	assert.Equal(t, 1, tbl.Count())
	assert.Equal(t, "second", tbl.Get("n1").Row["content"])
}

func TestUpsertRequiresID(t *testing.T) {
	tbl := newTestTable(t)
	assert.Error(t, tbl.Upsert(map[string]any{"content": "no id"}))
	assert.Error(t, tbl.Upsert(map[string]any{"id": "", "content": "empty id"}))
}

func TestUpsertManySingleTransaction(t *testing.T) {
	tbl := newTestTable(t)
	batches := 0
	tbl.doc.Observe("notes", func(set crdt.ChangeSet) { batches++ })
	require.NoError(t, tbl.UpsertMany([]map[string]any{
		{"id": "a", "content": "1"},
		{"id": "b", "content": "2"},
		{"id": "c", "content": "3"},
	}))
	assert.Equal(t, 1, batches, "one CRDT transaction for the whole batch")
	assert.Equal(t, 3, tbl.Count())
}

func TestUpdateMergesExistingRow(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Upsert(map[string]any{"id": "n1", "content": "hi", "pinned": true}))

	res, err := tbl.Update(map[string]any{"id": "n1", "content": "bye"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, res.Applied)

	row := tbl.Get("n1").Row
	assert.Equal(t, "bye", row["content"])
	assert.Equal(t, true, row["pinned"], "unmentioned fields survive the merge")
}

func TestUpdateMissingRowIsNoOp(t *testing.T) {
	tbl := newTestTable(t)

	res, err := tbl.Update(map[string]any{"id": "ghost", "content": "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, res.NotFound)
	assert.Empty(t, res.Applied)
	assert.False(t, tbl.Has("ghost"), "update must never insert a partial row")
}

func TestUpdateManyPartitions(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Upsert(map[string]any{"id": "a", "content": "1"}))

	res, err := tbl.UpdateMany([]map[string]any{
		{"id": "a", "content": "1b"},
		{"id": "b", "content": "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Applied)
	assert.Equal(t, []string{"b"}, res.NotFound)
}

func TestInvalidRowsSurfaceOnRead(t *testing.T) {
	tbl := newTestTable(t)
	// Bypass the table API to store a row that fails the schema, the way
	// a remote peer with a newer schema could.
	require.NoError(t, tbl.doc.Transact(nil, func(tx *crdt.Tx) error {
		tx.Set("notes", "bad", map[string]any{"id": "bad", "content": 7})
		return nil
	}))
	require.NoError(t, tbl.Upsert(map[string]any{"id": "good", "content": "ok"}))

	res := tbl.Get("bad")
	require.Equal(t, StatusInvalid, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, map[string]any{"id": "bad", "content": 7}, res.Raw)

	assert.Len(t, tbl.GetAllValid(), 1)
	invalid := tbl.GetAllInvalid()
	require.Len(t, invalid, 1)
	assert.Equal(t, "bad", invalid[0].ID)

	all := tbl.GetAll()
	assert.Len(t, all, 2)
	assert.Equal(t, 2, tbl.Count(), "count includes invalid rows")
}

func TestDeleteAndClear(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.UpsertMany([]map[string]any{
		{"id": "a", "content": "1"},
		{"id": "b", "content": "2"},
	}))

	existed, err := tbl.Delete("a")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = tbl.Delete("a")
	require.NoError(t, err)
	assert.False(t, existed, "deleting an absent id is a no-op")

	res, err := tbl.DeleteMany([]string{"b", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Deleted)
	assert.Equal(t, []string{"ghost"}, res.Missing)

	require.NoError(t, tbl.UpsertMany([]map[string]any{
		{"id": "x", "content": "1"},
		{"id": "y", "content": "2"},
	}))
	require.NoError(t, tbl.Clear())
	assert.Equal(t, 0, tbl.Count())
}

func TestFilterAndFindSkipInvalid(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.doc.Transact(nil, func(tx *crdt.Tx) error {
		tx.Set("notes", "bad", map[string]any{"id": "bad", "content": 7})
		return nil
	}))
	require.NoError(t, tbl.UpsertMany([]map[string]any{
		{"id": "a", "content": "keep"},
		{"id": "b", "content": "drop"},
	}))

	kept := tbl.Filter(func(row schema.Row) bool { return row["content"] == "keep" })
	require.Len(t, kept, 1)
	assert.Equal(t, "a", kept[0]["id"])

	row, ok := tbl.Find(func(row schema.Row) bool { return row["content"] == "drop" })
	require.True(t, ok)
	assert.Equal(t, "b", row["id"])

	_, ok = tbl.Find(func(row schema.Row) bool { return row["content"] == 7 })
	assert.False(t, ok, "invalid rows are skipped by predicates")
}

func TestObserveEvents(t *testing.T) {
	tbl := newTestTable(t)

	var added, updated, deleted []Event
	unobserve := tbl.Observe(Handlers{
		OnAdd:    func(ev Event) { added = append(added, ev) },
		OnUpdate: func(ev Event) { updated = append(updated, ev) },
		OnDelete: func(ev Event) { deleted = append(deleted, ev) },
	})

	require.NoError(t, tbl.Upsert(map[string]any{"id": "n1", "content": "v1"}))
	require.NoError(t, tbl.Upsert(map[string]any{"id": "n1", "content": "v2"}))
	_, err := tbl.Delete("n1")
	require.NoError(t, err)

	require.Len(t, added, 1)
	assert.Equal(t, "v1", added[0].Row["content"])
	assert.Nil(t, added[0].Origin)

	require.Len(t, updated, 1)
	assert.Equal(t, "v2", updated[0].Row["content"])
	assert.Equal(t, "v1", updated[0].Old["content"])

	require.Len(t, deleted, 1)
	assert.Equal(t, "n1", deleted[0].ID)

	unobserve()
	require.NoError(t, tbl.Upsert(map[string]any{"id": "n2", "content": "x"}))
	assert.Len(t, added, 1, "unsubscribed handlers receive nothing")
}

func TestObserveInvalidPayload(t *testing.T) {
	tbl := newTestTable(t)
	var events []Event
	tbl.Observe(Handlers{OnAdd: func(ev Event) { events = append(events, ev) }})

	require.NoError(t, tbl.doc.Transact("sync:peer", func(tx *crdt.Tx) error {
		tx.Set("notes", "bad", map[string]any{"id": "bad", "content": 7})
		return nil
	}))

	require.Len(t, events, 1)
	assert.Nil(t, events[0].Row)
	require.NotNil(t, events[0].Err, "invalid payloads surface as errors, not rows")
	assert.Equal(t, "sync:peer", events[0].Origin)
}

func TestTablesFacade(t *testing.T) {
	ws := schema.WorkspaceSchema{
		"notes": {"id": schema.ID(), "content": schema.Text()},
		"tabs":  {"id": schema.ID(), "url": schema.Text()},
	}
	validators, err := schema.Compile(ws)
	require.NoError(t, err)

	tables, err := NewTables(crdt.NewDoc("ws"), ws, validators)
	require.NoError(t, err)

	assert.Equal(t, []string{"notes", "tabs"}, tables.Names())
	notes, ok := tables.Get("notes")
	require.True(t, ok)
	assert.Equal(t, "notes", notes.Name())
	_, ok = tables.Get("missing")
	assert.False(t, ok)
	assert.Panics(t, func() { tables.MustGet("missing") })
}
