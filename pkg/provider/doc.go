/*
Package provider defines the contract between the workspace runtime and
attachable provider subsystems.

A provider is polymorphic over a small capability set: it may read the
table runtime, observe document changes, write external state, return named
exports, expose a Destroy routine, and expose a WhenReady channel for
asynchronous hydration. Rather than an interface hierarchy, the contract is
a single Factory type returning a tagged Exports record with optional
fields; the workspace runtime handles whichever capabilities are present.

Concrete providers live in subpackages: markdown (bidirectional file sync),
persist (bbolt persistence), index (sqlite materializer glue), and sync
(peer update exchange).
*/
package provider
