package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/epicenterhq/epicenter/pkg/log"
	"github.com/epicenterhq/epicenter/pkg/metrics"
	"github.com/rs/zerolog"
)

// ChangeKind identifies what happened to a key within a transaction
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one key-level delta inside a committed transaction
type Change struct {
	Table string
	Key   string
	Kind  ChangeKind
	Old   map[string]any
	New   map[string]any
}

// ChangeSet is the batched delta one observer receives per transaction.
// Origin is nil for local transactions and the writer's identifier for
// changes delivered from elsewhere (sync peer, persistence hydration).
type ChangeSet struct {
	Origin  any
	Changes []Change
}

// Observer receives the change set for one table after each transaction
type Observer func(ChangeSet)

// entry is the stored state for one key
type entry struct {
	value map[string]any
	clock uint64
}

// Map is one ordered key-value container inside a Doc. Iteration follows
// insertion order; deleting and re-adding a key moves it to the end.
type Map struct {
	doc  *Doc
	name string

	keys   []string
	index  map[string]int
	values map[string]*entry

	// tombstones records the clock of the latest delete per key so that
	// late-arriving sets with older clocks do not resurrect rows
	tombstones map[string]uint64
}

// Doc is the replicated root for one workspace
type Doc struct {
	guid   string
	logger zerolog.Logger

	mu        sync.Mutex
	clock     uint64
	tables    map[string]*Map
	order     []string
	destroyed bool

	obsMu     sync.Mutex
	nextObsID int
	observers map[string]map[int]Observer
}

// NewDoc creates a document with the given GUID. The workspace runtime uses
// the workspace id as the GUID.
func NewDoc(guid string) *Doc {
	return &Doc{
		guid:      guid,
		logger:    log.WithComponent("crdt"),
		tables:    make(map[string]*Map),
		observers: make(map[string]map[int]Observer),
	}
}

// GUID returns the document identifier
func (d *Doc) GUID() string { return d.guid }

// Version returns the current logical clock
func (d *Doc) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

// Table returns the ordered key-value container for the given table,
// creating it on first use.
func (d *Doc) Table(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tableLocked(name)
}

func (d *Doc) tableLocked(name string) *Map {
	if m, ok := d.tables[name]; ok {
		return m
	}
	m := &Map{
		doc:        d,
		name:       name,
		index:      make(map[string]int),
		values:     make(map[string]*entry),
		tombstones: make(map[string]uint64),
	}
	d.tables[name] = m
	d.order = append(d.order, name)
	return m
}

// Get returns a deep copy of the value stored under key
func (m *Map) Get(key string) (map[string]any, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.values[key]
	if !ok {
		return nil, false
	}
	return copyValue(e.value), true
}

// Has reports whether key is present
func (m *Map) Has(key string) bool {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	_, ok := m.values[key]
	return ok
}

// Len returns the number of keys
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return len(m.keys)
}

// Keys returns the keys in insertion order
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// ForEach visits every key-value pair in insertion order. The callback
// receives a deep copy of each value.
func (m *Map) ForEach(fn func(key string, value map[string]any)) {
	m.doc.mu.Lock()
	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	snapshot := make([]map[string]any, len(keys))
	for i, k := range keys {
		snapshot[i] = copyValue(m.values[k].value)
	}
	m.doc.mu.Unlock()

	for i, k := range keys {
		fn(k, snapshot[i])
	}
}

// Name returns the table name
func (m *Map) Name() string { return m.name }

// txOp is one staged operation inside a transaction
type txOp struct {
	table  string
	key    string
	value  map[string]any
	delete bool
}

// Tx stages set and delete operations for one atomic transaction
type Tx struct {
	doc    *Doc
	origin any
	ops    []txOp
	staged map[string]int // table+"\x00"+key -> index into ops
}

// Set stages a value write. The value is deep-copied at staging time so
// later caller mutations do not leak into the document.
func (t *Tx) Set(table, key string, value map[string]any) {
	t.stage(txOp{table: table, key: key, value: copyValue(value)})
}

// Delete stages a key removal
func (t *Tx) Delete(table, key string) {
	t.stage(txOp{table: table, key: key, delete: true})
}

func (t *Tx) stage(op txOp) {
	id := op.table + "\x00" + op.key
	if i, ok := t.staged[id]; ok {
		t.ops[i] = op
		return
	}
	t.staged[id] = len(t.ops)
	t.ops = append(t.ops, op)
}

// Transact applies a batch of mutations atomically. The origin marker is
// attached to every change set delivered to observers; nil means local.
// If fn returns an error, no staged operation is applied.
//
// Transactions do not nest: fn must not call Transact on the same document.
func (d *Doc) Transact(origin any, fn func(tx *Tx) error) error {
	tx := &Tx{doc: d, origin: origin, staged: make(map[string]int)}
	if err := fn(tx); err != nil {
		return err
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return fmt.Errorf("document %q is destroyed", d.guid)
	}
	if len(tx.ops) == 0 {
		d.mu.Unlock()
		return nil
	}

	d.clock++
	clock := d.clock

	changes := make(map[string][]Change)
	for _, op := range tx.ops {
		m := d.tableLocked(op.table)
		if c, ok := m.applyLocked(op, clock); ok {
			changes[op.table] = append(changes[op.table], c)
		}
	}
	order := make([]string, len(d.order))
	copy(order, d.order)
	d.mu.Unlock()

	metrics.TransactionsTotal.WithLabelValues(d.guid, metrics.OriginLabel(origin)).Inc()
	d.dispatch(order, origin, changes)
	return nil
}

// applyLocked applies one operation to the map and returns the resulting
// change. Deleting an absent key produces no change.
func (m *Map) applyLocked(op txOp, clock uint64) (Change, bool) {
	if op.delete {
		e, ok := m.values[op.key]
		if !ok {
			// Record the tombstone anyway so replicated sets with older
			// clocks stay dead.
			if m.tombstones[op.key] < clock {
				m.tombstones[op.key] = clock
			}
			return Change{}, false
		}
		m.removeKeyLocked(op.key)
		m.tombstones[op.key] = clock
		return Change{Table: m.name, Key: op.key, Kind: ChangeDelete, Old: e.value}, true
	}

	if e, ok := m.values[op.key]; ok {
		old := e.value
		m.values[op.key] = &entry{value: op.value, clock: clock}
		return Change{Table: m.name, Key: op.key, Kind: ChangeUpdate, Old: old, New: op.value}, true
	}

	delete(m.tombstones, op.key)
	m.values[op.key] = &entry{value: op.value, clock: clock}
	m.index[op.key] = len(m.keys)
	m.keys = append(m.keys, op.key)
	return Change{Table: m.name, Key: op.key, Kind: ChangeAdd, New: op.value}, true
}

func (m *Map) removeKeyLocked(key string) {
	i, ok := m.index[key]
	if !ok {
		return
	}
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
	for j := i; j < len(m.keys); j++ {
		m.index[m.keys[j]] = j
	}
	delete(m.index, key)
	delete(m.values, key)
}

// Observe registers an observer for one table. The returned function
// removes the subscription.
func (d *Doc) Observe(table string, fn Observer) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	if d.observers[table] == nil {
		d.observers[table] = make(map[int]Observer)
	}
	id := d.nextObsID
	d.nextObsID++
	d.observers[table][id] = fn

	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		delete(d.observers[table], id)
	}
}

// dispatch delivers the per-table change sets to observers in container
// insertion order. Observer panics are recovered and logged so one broken
// consumer cannot stall the event stream.
func (d *Doc) dispatch(order []string, origin any, changes map[string][]Change) {
	for _, table := range order {
		tableChanges, ok := changes[table]
		if !ok {
			continue
		}
		d.obsMu.Lock()
		observers := make([]Observer, 0, len(d.observers[table]))
		ids := make([]int, 0, len(d.observers[table]))
		for id := range d.observers[table] {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			observers = append(observers, d.observers[table][id])
		}
		d.obsMu.Unlock()

		set := ChangeSet{Origin: origin, Changes: tableChanges}
		for _, obs := range observers {
			d.safeNotify(table, obs, set)
		}
	}
}

func (d *Doc) safeNotify(table string, obs Observer, set ChangeSet) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("doc", d.guid).
				Str("table", table).
				Interface("panic", r).
				Msg("Observer panicked")
		}
	}()
	obs(set)
}

// Destroy detaches all observers and rejects further transactions.
// Destroy is idempotent.
func (d *Doc) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.mu.Unlock()

	d.obsMu.Lock()
	d.observers = make(map[string]map[int]Observer)
	d.obsMu.Unlock()
}

// Destroyed reports whether Destroy has been called
func (d *Doc) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// copyValue deep-copies the JSON-shaped values rows are made of
func copyValue(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = copyAny(val)
	}
	return out
}

func copyAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyValue(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyAny(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
