package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/epicenterhq/epicenter/pkg/metrics"
)

// Op is one replicated operation: a set with a value or a delete
type Op struct {
	Table  string         `json:"table"`
	Key    string         `json:"key"`
	Value  map[string]any `json:"value,omitempty"`
	Delete bool           `json:"delete,omitempty"`
	Clock  uint64         `json:"clock"`
}

// Update is a batch of operations exchanged between replicas. Clock is the
// sender's logical clock at encode time; receivers fast-forward to it.
type Update struct {
	GUID  string `json:"guid"`
	Clock uint64 `json:"clock"`
	Ops   []Op   `json:"ops"`
}

// Empty reports whether the update carries no operations
func (u Update) Empty() bool { return len(u.Ops) == 0 }

// Marshal encodes the update as JSON for transports and persistence
func (u Update) Marshal() ([]byte, error) {
	return json.Marshal(u)
}

// UnmarshalUpdate decodes an update produced by Marshal
func UnmarshalUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}

// EncodeState snapshots the whole document as an update: every live entry
// plus every tombstone, each carrying its recorded clock.
func (d *Doc) EncodeState() Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := Update{GUID: d.guid, Clock: d.clock}
	for _, table := range d.order {
		m := d.tables[table]
		for _, key := range m.keys {
			e := m.values[key]
			u.Ops = append(u.Ops, Op{Table: table, Key: key, Value: copyValue(e.value), Clock: e.clock})
		}
		for key, clock := range m.tombstones {
			u.Ops = append(u.Ops, Op{Table: table, Key: key, Delete: true, Clock: clock})
		}
	}
	return u
}

// EncodeUpdatesSince returns the operations committed after the given
// version. Used by the sync and persistence providers for incremental
// exchange.
func (d *Doc) EncodeUpdatesSince(version uint64) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := Update{GUID: d.guid, Clock: d.clock}
	for _, table := range d.order {
		m := d.tables[table]
		for _, key := range m.keys {
			e := m.values[key]
			if e.clock > version {
				u.Ops = append(u.Ops, Op{Table: table, Key: key, Value: copyValue(e.value), Clock: e.clock})
			}
		}
		for key, clock := range m.tombstones {
			if clock > version {
				u.Ops = append(u.Ops, Op{Table: table, Key: key, Delete: true, Clock: clock})
			}
		}
	}
	return u
}

// ApplyUpdate merges an inbound update under last-writer-wins and notifies
// observers with the given origin. An operation applies only when its clock
// beats the locally recorded clock for that key; deletes win clock ties.
// The local clock fast-forwards past every applied operation so subsequent
// local writes order after the merged state.
func (d *Doc) ApplyUpdate(u Update, origin any) error {
	if origin == nil {
		return fmt.Errorf("apply update: origin must identify the remote writer")
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return fmt.Errorf("document %q is destroyed", d.guid)
	}

	changes := make(map[string][]Change)
	for _, op := range u.Ops {
		m := d.tableLocked(op.Table)
		if c, ok := m.mergeLocked(op); ok {
			changes[op.Table] = append(changes[op.Table], c)
		}
		if op.Clock > d.clock {
			d.clock = op.Clock
		}
	}
	if u.Clock > d.clock {
		d.clock = u.Clock
	}
	order := make([]string, len(d.order))
	copy(order, d.order)
	d.mu.Unlock()

	metrics.TransactionsTotal.WithLabelValues(d.guid, metrics.OriginLabel(origin)).Inc()
	d.dispatch(order, origin, changes)
	return nil
}

// mergeLocked applies one replicated operation under LWW rules
func (m *Map) mergeLocked(op Op) (Change, bool) {
	e, live := m.values[op.Key]
	tombClock, dead := m.tombstones[op.Key]

	var localClock uint64
	if live {
		localClock = e.clock
	} else if dead {
		localClock = tombClock
	}

	if op.Delete {
		if op.Clock < localClock {
			return Change{}, false
		}
		if m.tombstones[op.Key] < op.Clock {
			m.tombstones[op.Key] = op.Clock
		}
		if !live {
			return Change{}, false
		}
		old := e.value
		m.removeKeyLocked(op.Key)
		return Change{Table: m.name, Key: op.Key, Kind: ChangeDelete, Old: old}, true
	}

	// Sets lose ties so a delete and a set at the same clock converge on
	// the delete everywhere.
	if op.Clock <= localClock {
		return Change{}, false
	}

	value := copyValue(op.Value)
	if live {
		old := e.value
		m.values[op.Key] = &entry{value: value, clock: op.Clock}
		return Change{Table: m.name, Key: op.Key, Kind: ChangeUpdate, Old: old, New: value}, true
	}

	delete(m.tombstones, op.Key)
	m.values[op.Key] = &entry{value: value, clock: op.Clock}
	m.index[op.Key] = len(m.keys)
	m.keys = append(m.keys, op.Key)
	return Change{Table: m.name, Key: op.Key, Kind: ChangeAdd, New: value}, true
}
