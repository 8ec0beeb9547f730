/*
Package persist is the bbolt-backed persistence provider.

State lives in one database file per workspace under the provider's
private directory, one bucket per table, values stored as JSON records
carrying the row and the logical clock it was persisted at. On
initialization the provider hydrates the document by replaying the stored
records as a single update tagged with a provider-specific origin, so
downstream observers can distinguish hydration from runtime mutation and
last-writer-wins resolves correctly against rows that arrived first.

After hydration the provider subscribes to every table and writes each
committed transaction behind the document. Deletes keep a tombstone with
their clock so a stale persisted row never resurrects on the next load.

Persistence failures are logged and never fatal; the document remains the
source of truth for the running process.
*/
package persist
