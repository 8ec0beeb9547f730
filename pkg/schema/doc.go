/*
Package schema defines the column kinds, table schemas, and runtime
validators for Epicenter workspaces.

A TableSchema maps field names to columns; exactly one field must have kind
id. A WorkspaceSchema maps table names to table schemas. Compile turns a
workspace schema into a ValidatorSet with one Validator per table.

Validators accept a plain object and return either a normalized row or a
ValidationError with a structured issue list. Normalization coerces the
different concrete types produced by the YAML and JSON decoders into one
canonical representation per kind (integers to int64, tags to []string,
dates to RFC 3339 strings), so that a row which round-trips through a
serializer compares equal to its input.

Validators never mutate their input and are safe for concurrent use.
Omit derives a validator that skips named fields, which the markdown
provider uses to validate frontmatter without the body field.
*/
package schema
