/*
Package crdt implements the replicated document substrate that Epicenter
tables are built on.

A Doc is a per-workspace root identified by a GUID. It holds one ordered
key-value Map per table, created lazily by name. All mutation goes through
Transact, which applies a batch of set/delete operations atomically, stamps
them with the document's logical clock, and notifies observers once per
transaction with the batched change list and the transaction origin.

Origins distinguish writers: a nil origin is a local mutation; any non-nil
origin identifies the subsystem that delivered the change (a sync peer, the
persistence provider hydrating from disk). Observers receive the origin with
every change set and use it to decide whether a change needs to propagate
further.

Replication uses row-granular last-writer-wins. Every set and delete carries
the clock of its transaction; ApplyUpdate applies an inbound operation only
when its clock beats the locally recorded one, with deletes winning ties.
EncodeState and EncodeUpdatesSince produce Update values for the sync and
persistence providers.

Observer callbacks run synchronously at commit, after the document lock is
released, in container insertion order. A panicking observer is recovered
and logged; it never corrupts document state or stops the event stream.
*/
package crdt
