/*
Package workspace resolves workspace configurations into running clients.

A Config pairs a table schema with an ordered list of dependency
workspaces, a set of provider factories, and an exports factory. New takes
one or more configs, validates the dependency graph (flat and hoisted:
every transitive dependency must be passed explicitly), computes a
topological initialization order with Kahn's algorithm, and then builds
each workspace in turn: document, table runtime, providers in declaration
order, exports factory last. Dependents therefore always see fully-built
dependency clients in their exports context.

Construction-time errors are fatal: duplicate workspace ids, missing
dependencies, and circular dependencies abort New before any side effects
reach disk. A provider factory failure tears down the workspaces already
built and surfaces as a ProviderError.

Destroy runs every provider's teardown in parallel, waits, then destroys
the document. It is idempotent and also exposed as Close so clients
satisfy io.Closer.
*/
package workspace
