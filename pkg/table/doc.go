/*
Package table provides the strongly-typed CRUD and observation API over the
CRDT key-value containers of a workspace.

Each declared table gets one Table wrapping one ordered container plus the
table's compiled validator. Writes (Upsert, UpsertMany, Update, UpdateMany,
Delete, DeleteMany, Clear) go through single CRDT transactions and never
fail in steady state. Reads (Get, GetAll, GetAllValid, GetAllInvalid, Find,
Filter) revalidate stored rows against the current schema and return tagged
results instead of errors, so a schema change can invalidate rows without
corrupting storage and consumers can surface invalid rows for repair.

Update deliberately no-ops on rows that are not present locally: merging a
partial row into an id that only exists on a remote peer would let
last-writer-wins obliterate the complete remote row. Upsert with a full row
is the primary write path.

Observe registers add/update/delete handlers that fire synchronously at the
end of each CRDT transaction with the transaction's origin marker. Invalid
new values surface as events with Err set rather than Row; handlers branch
on it.
*/
package table
