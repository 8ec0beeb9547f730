/*
Package markdown keeps a directory tree of markdown files and the CRDT
tables of a workspace continuously consistent under concurrent mutation
from both sides.

Each table maps to one subdirectory with one file per row; a Serializer
decides the frontmatter/body split and the filename, and its ParseFilename
stage recovers the row id purely from the filename. Built-ins cover the
common layouts: DefaultSerializer ({id}.md, all fields in frontmatter),
BodyField (one field becomes the markdown body), and TitleFilename
({sanitizedTitle}-{id}.md with automatic rename on title change).

# Startup

Four phases, strictly ordered. First the tracking map (row id to current
filename) is built from the CRDT; without it orphans cannot be identified.
Second, files whose parsed id is not a row in the table are deleted.
Third, CRDT observers and the file watcher start: the provider is ready,
and runtime mutations propagate in both directions. Fourth, every
remaining file is re-read and deserialized in the background to populate
the diagnostics set; readiness never waits on validation cost.

# Loop prevention

Two counters guard the feedback path: yjsWriteCount is held while
observers write files (watcher events short-circuit), and fileChangeCount
is held while the watcher updates the CRDT (observers short-circuit).
They are counters rather than booleans because overlapping asynchronous
writes are the expected case; a boolean would be cleared by the first
writer to finish. As a second line of defense the watcher compares a
deserialized file against the stored row and skips the transaction when
they match, so an echo arriving after the stability window stages nothing.

# Failure model

Provider I/O and validation errors are never fatal: they are appended to
the per-provider audit log, reflected in the diagnostics snapshot
(persisted as <providerId>.diagnostics.json), and synchronization of the
remaining files continues. A file that cannot be read or deserialized
never authorizes deletion of a CRDT row.

PullToMarkdown and PushFromMarkdown perform diff-based bulk
reconciliation in the two directions; both are idempotent on a consistent
state.
*/
package markdown
