package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Issue is one structured validation failure
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationError carries the issue list for a row that failed its schema
type ValidationError struct {
	Table  string  `json:"table"`
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", issue.Field, issue.Message)
	}
	return fmt.Sprintf("validation failed for table %q: %s", e.Table, strings.Join(parts, "; "))
}

// Validator checks plain objects against one table schema and returns
// normalized rows. Validators are total and deterministic: the same input
// always produces the same result, and no input panics.
type Validator struct {
	table   string
	schema  TableSchema
	idField string
	omitted map[string]bool
}

// NewValidator compiles a validator for one table schema
func NewValidator(table string, ts TableSchema) (*Validator, error) {
	idField, err := ts.IDField()
	if err != nil {
		return nil, fmt.Errorf("table %q: %w", table, err)
	}
	for name, col := range ts {
		if col.Kind == KindEnum && len(col.Values) == 0 {
			return nil, fmt.Errorf("table %q: enum column %q has no values", table, name)
		}
	}
	return &Validator{table: table, schema: ts, idField: idField}, nil
}

// Table returns the table name this validator was compiled for
func (v *Validator) Table() string { return v.table }

// IDField returns the name of the id column
func (v *Validator) IDField() string { return v.idField }

// Schema returns the compiled table schema
func (v *Validator) Schema() TableSchema { return v.schema }

// Omit derives a validator that ignores the named fields entirely: they are
// neither required nor rejected. The markdown provider uses this to exclude
// the body field from frontmatter validation.
func (v *Validator) Omit(fields ...string) *Validator {
	omitted := make(map[string]bool, len(v.omitted)+len(fields))
	for f := range v.omitted {
		omitted[f] = true
	}
	for _, f := range fields {
		omitted[f] = true
	}
	return &Validator{table: v.table, schema: v.schema, idField: v.idField, omitted: omitted}
}

// Validate checks input against the schema. On success it returns a
// normalized copy of the row; on failure a ValidationError listing every
// issue found. The input map is never mutated.
func (v *Validator) Validate(input map[string]any) (Row, *ValidationError) {
	var issues []Issue
	if input == nil {
		return nil, &ValidationError{Table: v.table, Issues: []Issue{{Field: v.idField, Message: "row is nil"}}}
	}

	row := make(Row, len(v.schema))

	for _, field := range v.schema.Fields() {
		if v.omitted[field] {
			continue
		}
		col := v.schema[field]
		raw, present := input[field]

		if !present || raw == nil {
			if col.Default != nil {
				row[field] = col.Default
				continue
			}
			if col.Nullable {
				if present {
					row[field] = nil
				}
				continue
			}
			issues = append(issues, Issue{Field: field, Message: "required field is missing"})
			continue
		}

		value, err := normalize(col, raw)
		if err != nil {
			issues = append(issues, Issue{Field: field, Message: err.Error(), Value: raw})
			continue
		}
		row[field] = value
	}

	for name := range input {
		if _, ok := v.schema[name]; !ok && !v.omitted[name] {
			issues = append(issues, Issue{Field: name, Message: "unknown field", Value: input[name]})
		}
	}

	if len(issues) > 0 {
		sort.Slice(issues, func(i, j int) bool { return issues[i].Field < issues[j].Field })
		return nil, &ValidationError{Table: v.table, Issues: issues}
	}
	return row, nil
}

// normalize coerces raw into the canonical Go representation for the
// column kind. YAML and JSON decoders produce different concrete types for
// the same document, so each kind accepts the common decodings.
func normalize(col Column, raw any) (any, error) {
	switch col.Kind {
	case KindID, KindText:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		if col.Kind == KindID && s == "" {
			return nil, fmt.Errorf("id must be non-empty")
		}
		return s, nil

	case KindInteger:
		switch n := raw.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case uint64:
			return int64(n), nil
		case float64:
			if n != float64(int64(n)) {
				return nil, fmt.Errorf("expected integer, got fractional number %v", n)
			}
			return int64(n), nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", raw)
		}

	case KindReal:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("expected number, got %T", raw)
		}

	case KindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", raw)
		}
		return b, nil

	case KindDate:
		switch d := raw.(type) {
		case time.Time:
			return d.Format(time.RFC3339Nano), nil
		case string:
			if _, err := time.Parse(time.RFC3339Nano, d); err != nil {
				if _, err := time.Parse(time.RFC3339, d); err != nil {
					return nil, fmt.Errorf("expected RFC 3339 timestamp: %v", err)
				}
			}
			return d, nil
		default:
			return nil, fmt.Errorf("expected RFC 3339 timestamp, got %T", raw)
		}

	case KindEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		for _, allowed := range col.Values {
			if s == allowed {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value %q is not one of %v", s, col.Values)

	case KindTags:
		switch list := raw.(type) {
		case []string:
			out := make([]string, len(list))
			copy(out, list)
			return out, nil
		case []any:
			out := make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected string element, got %T", item)
				}
				out = append(out, s)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("expected string list, got %T", raw)
		}

	case KindJSON:
		if col.Validate != nil {
			if err := col.Validate(raw); err != nil {
				return nil, err
			}
		}
		return raw, nil

	default:
		return nil, fmt.Errorf("unknown column kind %q", col.Kind)
	}
}

// ValidatorSet exposes the per-table validators of one workspace
type ValidatorSet map[string]*Validator

// Compile builds a validator for every table in the workspace schema
func Compile(ws WorkspaceSchema) (ValidatorSet, error) {
	set := make(ValidatorSet, len(ws))
	for _, table := range ws.Tables() {
		v, err := NewValidator(table, ws[table])
		if err != nil {
			return nil, err
		}
		set[table] = v
	}
	return set, nil
}
