/*
Package action defines the typed action surface a workspace exposes.

An action is either a query (read-only) or a mutation (writes), declared
with a name, a description, an optional input validator, and a handler.
Invoke validates the input, runs the handler, and always returns a Result
envelope carrying either Data or a structured Error; handler errors and
panics are adapted at the boundary so callers never see exceptions.

The Registry indexes definitions as "<workspace>.<action>" for the CLI and
HTTP boundaries, and FromExports lifts Definition values (including nested
maps of them) out of a workspace exports record.
*/
package action
