package table

import (
	"fmt"

	"github.com/epicenterhq/epicenter/pkg/crdt"
	"github.com/epicenterhq/epicenter/pkg/log"
	"github.com/epicenterhq/epicenter/pkg/metrics"
	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/rs/zerolog"
)

// GetStatus tags the outcome of a single-row read
type GetStatus string

const (
	StatusFound    GetStatus = "found"
	StatusNotFound GetStatus = "not_found"
	StatusInvalid  GetStatus = "invalid"
)

// GetResult is the tagged result of Get. Reads never fail with a plain
// error: a stored row that no longer matches the schema surfaces as
// StatusInvalid with the raw value and the validation error attached.
type GetResult struct {
	Status GetStatus
	ID     string
	Row    schema.Row
	Raw    map[string]any
	Err    *schema.ValidationError
}

// InvalidRow pairs a raw stored value with its validation error
type InvalidRow struct {
	ID  string
	Raw map[string]any
	Err *schema.ValidationError
}

// UpdateResult partitions a batch update into applied and not-found ids
type UpdateResult struct {
	Applied  []string
	NotFound []string
}

// DeleteResult partitions a batch delete into deleted and missing ids
type DeleteResult struct {
	Deleted []string
	Missing []string
}

// Table is the strongly-typed CRUD and observation surface over one CRDT
// key-value container.
type Table struct {
	name      string
	doc       *crdt.Doc
	container *crdt.Map
	validator *schema.Validator
	logger    zerolog.Logger
}

// New creates the table runtime for one declared table
func New(doc *crdt.Doc, name string, validator *schema.Validator) *Table {
	return &Table{
		name:      name,
		doc:       doc,
		container: doc.Table(name),
		validator: validator,
		logger:    log.WithTable(name),
	}
}

// Name returns the table name
func (t *Table) Name() string { return t.name }

// Validator returns the table's schema validator
func (t *Table) Validator() *schema.Validator { return t.validator }

// extractID pulls the id field out of a row
func (t *Table) extractID(row map[string]any) (string, error) {
	raw, ok := row[t.validator.IDField()]
	if !ok {
		return "", fmt.Errorf("table %q: row has no %q field", t.name, t.validator.IDField())
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("table %q: %q must be a non-empty string", t.name, t.validator.IDField())
	}
	return id, nil
}

// normalized returns the row to store: the validator's normalized form when
// the row is valid, the raw input otherwise. Storing raw invalid rows keeps
// them readable and repairable; reads surface them as StatusInvalid.
func (t *Table) normalized(row map[string]any) map[string]any {
	if valid, verr := t.validator.Validate(row); verr == nil {
		return valid
	}
	return row
}

// Upsert writes a full row under its id, overwriting any existing row
// atomically.
func (t *Table) Upsert(row map[string]any) error {
	return t.UpsertMany([]map[string]any{row})
}

// UpsertMany writes a batch of rows in a single CRDT transaction
func (t *Table) UpsertMany(rows []map[string]any) error {
	err := t.doc.Transact(nil, func(tx *crdt.Tx) error {
		for _, row := range rows {
			id, err := t.extractID(row)
			if err != nil {
				return err
			}
			tx.Set(t.name, id, t.normalized(row))
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.observeRowCount()
	return nil
}

// Update merges a partial row into an existing one. When the id is not
// present locally the call is a deliberate no-op: inserting a partial row
// under last-writer-wins could obliterate a complete row concurrently
// synced at the same id on another peer. Upsert is the primary write.
func (t *Table) Update(partial map[string]any) (UpdateResult, error) {
	return t.UpdateMany([]map[string]any{partial})
}

// UpdateMany merges a batch of partial rows in a single CRDT transaction,
// partitioning ids into applied and not-found-locally.
func (t *Table) UpdateMany(partials []map[string]any) (UpdateResult, error) {
	var result UpdateResult
	err := t.doc.Transact(nil, func(tx *crdt.Tx) error {
		for _, partial := range partials {
			id, err := t.extractID(partial)
			if err != nil {
				return err
			}
			existing, ok := t.container.Get(id)
			if !ok {
				result.NotFound = append(result.NotFound, id)
				continue
			}
			for k, v := range partial {
				existing[k] = v
			}
			tx.Set(t.name, id, t.normalized(existing))
			result.Applied = append(result.Applied, id)
		}
		return nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	return result, nil
}

// Get reads one row and revalidates it against the current schema
func (t *Table) Get(id string) GetResult {
	raw, ok := t.container.Get(id)
	if !ok {
		return GetResult{Status: StatusNotFound, ID: id}
	}
	row, verr := t.validator.Validate(raw)
	if verr != nil {
		metrics.TableInvalidReads.WithLabelValues(t.doc.GUID(), t.name).Inc()
		return GetResult{Status: StatusInvalid, ID: id, Raw: raw, Err: verr}
	}
	return GetResult{Status: StatusFound, ID: id, Row: row}
}

// GetAll enumerates every row, valid or not, as tagged results
func (t *Table) GetAll() []GetResult {
	var results []GetResult
	t.container.ForEach(func(key string, value map[string]any) {
		row, verr := t.validator.Validate(value)
		if verr != nil {
			metrics.TableInvalidReads.WithLabelValues(t.doc.GUID(), t.name).Inc()
			results = append(results, GetResult{Status: StatusInvalid, ID: key, Raw: value, Err: verr})
			return
		}
		results = append(results, GetResult{Status: StatusFound, ID: key, Row: row})
	})
	return results
}

// GetAllValid returns every row that passes the current schema
func (t *Table) GetAllValid() []schema.Row {
	var rows []schema.Row
	t.container.ForEach(func(key string, value map[string]any) {
		if row, verr := t.validator.Validate(value); verr == nil {
			rows = append(rows, row)
		}
	})
	return rows
}

// GetAllInvalid returns every stored row failing the current schema,
// paired with its validation error for user-facing repair.
func (t *Table) GetAllInvalid() []InvalidRow {
	var rows []InvalidRow
	t.container.ForEach(func(key string, value map[string]any) {
		if _, verr := t.validator.Validate(value); verr != nil {
			rows = append(rows, InvalidRow{ID: key, Raw: value, Err: verr})
		}
	})
	return rows
}

// Has reports whether a row exists under id, valid or not
func (t *Table) Has(id string) bool {
	return t.container.Has(id)
}

// Count returns the total number of stored rows, including invalid ones
func (t *Table) Count() int {
	return t.container.Len()
}

// Delete removes one row; deleting an absent id is a no-op. Returns
// whether the row existed.
func (t *Table) Delete(id string) (bool, error) {
	res, err := t.DeleteMany([]string{id})
	if err != nil {
		return false, err
	}
	return len(res.Deleted) == 1, nil
}

// DeleteMany removes a batch of rows in a single CRDT transaction
func (t *Table) DeleteMany(ids []string) (DeleteResult, error) {
	var result DeleteResult
	err := t.doc.Transact(nil, func(tx *crdt.Tx) error {
		for _, id := range ids {
			if t.container.Has(id) {
				result.Deleted = append(result.Deleted, id)
			} else {
				result.Missing = append(result.Missing, id)
			}
			tx.Delete(t.name, id)
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	t.observeRowCount()
	return result, nil
}

// Clear deletes every row in one transaction
func (t *Table) Clear() error {
	keys := t.container.Keys()
	err := t.doc.Transact(nil, func(tx *crdt.Tx) error {
		for _, key := range keys {
			tx.Delete(t.name, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.observeRowCount()
	return nil
}

// Filter returns every valid row matching the predicate. Invalid rows are
// skipped.
func (t *Table) Filter(pred func(schema.Row) bool) []schema.Row {
	var rows []schema.Row
	for _, row := range t.GetAllValid() {
		if pred(row) {
			rows = append(rows, row)
		}
	}
	return rows
}

// Find returns the first valid row matching the predicate, in container
// insertion order.
func (t *Table) Find(pred func(schema.Row) bool) (schema.Row, bool) {
	for _, row := range t.GetAllValid() {
		if pred(row) {
			return row, true
		}
	}
	return nil, false
}

func (t *Table) observeRowCount() {
	metrics.TableRows.WithLabelValues(t.doc.GUID(), t.name).Set(float64(t.container.Len()))
}
