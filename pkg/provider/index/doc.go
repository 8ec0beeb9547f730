/*
Package index is the relational materializer glue: a sqlite mirror of
every declared table, kept incremental by table observers.

The sqlite database is derived data, never the source of truth. Each
declared table gets one sqlite table with a typed column per scalar field
(tags and json fields store JSON text) plus a _row column holding the
full row JSON. On initialization the mirror is dropped, recreated, and
reloaded from the CRDT; afterwards add/update/delete events keep it
current. Rows failing the schema leave the mirror; only valid rows
materialize.

Query and DB expose the *sql.DB for caller-defined SQL; the provider
itself ships no query language.
*/
package index
