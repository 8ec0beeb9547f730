package sync

import (
	"testing"
	"time"

	"github.com/epicenterhq/epicenter/pkg/crdt"
	"github.com/epicenterhq/epicenter/pkg/provider"
	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/epicenterhq/epicenter/pkg/table"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notesSchema() schema.WorkspaceSchema {
	return schema.WorkspaceSchema{
		"notes": {"id": schema.ID(), "content": schema.Text()},
	}
}

type replica struct {
	doc    *crdt.Doc
	tables *table.Tables
	peer   *Peer
}

func newReplica(t *testing.T, peerID string) *replica {
	t.Helper()

	doc := crdt.NewDoc("ws")
	validators, err := schema.Compile(notesSchema())
	require.NoError(t, err)
	tables, err := table.NewTables(doc, notesSchema(), validators)
	require.NoError(t, err)

	peer, err := newPeer(Config{PeerID: peerID}, provider.Context{
		WorkspaceID: "ws",
		ProviderID:  "sync",
		Doc:         doc,
		Schema:      notesSchema(),
		Validators:  validators,
		Tables:      tables,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		peer.close() //nolint:errcheck
		doc.Destroy()
	})
	return &replica{doc: doc, tables: tables, peer: peer}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSnapshotExchangeOnConnect(t *testing.T) {
	a := newReplica(t, "a")
	b := newReplica(t, "b")

	require.NoError(t, a.tables.MustGet("notes").Upsert(map[string]any{"id": "n1", "content": "from a"}))
	require.NoError(t, b.tables.MustGet("notes").Upsert(map[string]any{"id": "n2", "content": "from b"}))

	disconnect, err := Connect(a.peer, b.peer)
	require.NoError(t, err)
	defer disconnect()

	assert.True(t, a.tables.MustGet("notes").Has("n2"))
	assert.True(t, b.tables.MustGet("notes").Has("n1"))
}

func TestIncrementalConvergence(t *testing.T) {
	a := newReplica(t, "a")
	b := newReplica(t, "b")

	disconnect, err := Connect(a.peer, b.peer)
	require.NoError(t, err)
	defer disconnect()

	require.NoError(t, a.tables.MustGet("notes").Upsert(map[string]any{"id": "n1", "content": "hello"}))
	waitFor(t, "b to receive n1", func() bool { return b.tables.MustGet("notes").Has("n1") })

	_, err = b.tables.MustGet("notes").Delete("n1")
	require.NoError(t, err)
	waitFor(t, "a to see the delete", func() bool { return !a.tables.MustGet("notes").Has("n1") })
}

func TestInboundOriginIsPeerID(t *testing.T) {
	a := newReplica(t, "a")

	var origins []any
	a.doc.Observe("notes", func(set crdt.ChangeSet) { origins = append(origins, set.Origin) })

	require.NoError(t, a.peer.Apply(crdt.Update{GUID: "ws", Clock: 7, Ops: []crdt.Op{
		{Table: "notes", Key: "n1", Value: map[string]any{"id": "n1", "content": "x"}, Clock: 7},
	}}))

	require.Len(t, origins, 1)
	assert.Equal(t, "sync:a", origins[0], "inbound changes carry the peer origin")
}

func TestApplyRejectsWrongDocument(t *testing.T) {
	a := newReplica(t, "a")
	err := a.peer.Apply(crdt.Update{GUID: "other"})
	assert.Error(t, err)
}

func TestNoEchoLoop(t *testing.T) {
	a := newReplica(t, "a")
	b := newReplica(t, "b")

	disconnect, err := Connect(a.peer, b.peer)
	require.NoError(t, err)
	defer disconnect()

	require.NoError(t, a.tables.MustGet("notes").Upsert(map[string]any{"id": "n1", "content": "once"}))
	waitFor(t, "b to converge", func() bool { return b.tables.MustGet("notes").Has("n1") })

	// Let any echo settle, then check the clocks stopped moving
	time.Sleep(100 * time.Millisecond)
	av, bv := a.doc.Version(), b.doc.Version()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, av, a.doc.Version())
	assert.Equal(t, bv, b.doc.Version())
}

func TestDestroyClosesUpdates(t *testing.T) {
	a := newReplica(t, "a")
	require.NoError(t, a.peer.close())
	require.NoError(t, a.peer.close(), "close is idempotent")

	_, open := <-a.peer.Updates()
	assert.False(t, open)

	// Changes after close are not forwarded, and do not panic
	require.NoError(t, a.tables.MustGet("notes").Upsert(map[string]any{"id": "n1", "content": "x"}))
}
