package table

import (
	"github.com/epicenterhq/epicenter/pkg/crdt"
	"github.com/epicenterhq/epicenter/pkg/schema"
)

// Event is one row-level change delivered to observation handlers. When the
// new value fails the current schema, Err is set instead of Row and Old
// carries the raw previous value; consumers must branch on Err before
// touching Row.
type Event struct {
	ID     string
	Row    schema.Row
	Err    *schema.ValidationError
	Old    map[string]any
	Origin any
}

// Handlers receives the batched deltas of each CRDT transaction. Handlers
// are side-effect-only: a panic inside a handler is recovered by the
// document and never corrupts table state.
type Handlers struct {
	OnAdd    func(Event)
	OnUpdate func(Event)
	OnDelete func(Event)
}

// Observe subscribes the handlers to this table's changes. One call per
// changed row is delivered synchronously at the end of each transaction,
// in container insertion order, tagged with the transaction origin.
// The returned function removes the subscription.
func (t *Table) Observe(h Handlers) func() {
	return t.doc.Observe(t.name, func(set crdt.ChangeSet) {
		for _, change := range set.Changes {
			switch change.Kind {
			case crdt.ChangeAdd:
				if h.OnAdd != nil {
					h.OnAdd(t.event(change, set.Origin))
				}
			case crdt.ChangeUpdate:
				if h.OnUpdate != nil {
					h.OnUpdate(t.event(change, set.Origin))
				}
			case crdt.ChangeDelete:
				if h.OnDelete != nil {
					h.OnDelete(Event{ID: change.Key, Old: change.Old, Origin: set.Origin})
				}
			}
		}
		t.observeRowCount()
	})
}

func (t *Table) event(change crdt.Change, origin any) Event {
	ev := Event{ID: change.Key, Old: change.Old, Origin: origin}
	row, verr := t.validator.Validate(change.New)
	if verr != nil {
		ev.Err = verr
		return ev
	}
	ev.Row = row
	return ev
}
