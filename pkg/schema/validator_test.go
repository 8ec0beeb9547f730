package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noteSchema() TableSchema {
	return TableSchema{
		"id":       ID(),
		"title":    Text(),
		"words":    Integer().Optional(),
		"score":    Real().Optional(),
		"done":     Boolean().Optional().WithDefault(false),
		"created":  Date().Optional(),
		"status":   Enum("draft", "published").Optional().WithDefault("draft"),
		"tags":     Tags().Optional(),
		"metadata": JSON(nil).Optional(),
	}
}

func TestValidatorAcceptsValidRow(t *testing.T) {
	v, err := NewValidator("notes", noteSchema())
	require.NoError(t, err)

	row, verr := v.Validate(map[string]any{
		"id":      "n1",
		"title":   "hello",
		"words":   42,
		"score":   0.5,
		"done":    true,
		"created": "2025-06-01T10:00:00Z",
		"status":  "published",
		"tags":    []any{"a", "b"},
	})
	require.Nil(t, verr)

	assert.Equal(t, "n1", row["id"])
	assert.Equal(t, int64(42), row["words"], "integers normalize to int64")
	assert.Equal(t, 0.5, row["score"])
	assert.Equal(t, []string{"a", "b"}, row["tags"], "tags normalize to []string")
}

func TestValidatorAppliesDefaults(t *testing.T) {
	v, err := NewValidator("notes", noteSchema())
	require.NoError(t, err)

	row, verr := v.Validate(map[string]any{"id": "n1", "title": "x"})
	require.Nil(t, verr)
	assert.Equal(t, false, row["done"])
	assert.Equal(t, "draft", row["status"])
	_, present := row["tags"]
	assert.False(t, present, "absent nullable field without default stays absent")
}

func TestValidatorRejections(t *testing.T) {
	v, err := NewValidator("notes", noteSchema())
	require.NoError(t, err)

	tests := []struct {
		name  string
		input map[string]any
		field string
	}{
		{
			name:  "missing required field",
			input: map[string]any{"id": "n1"},
			field: "title",
		},
		{
			name:  "wrong type",
			input: map[string]any{"id": "n1", "title": 7},
			field: "title",
		},
		{
			name:  "fractional integer",
			input: map[string]any{"id": "n1", "title": "x", "words": 1.5},
			field: "words",
		},
		{
			name:  "enum out of range",
			input: map[string]any{"id": "n1", "title": "x", "status": "archived"},
			field: "status",
		},
		{
			name:  "bad date",
			input: map[string]any{"id": "n1", "title": "x", "created": "yesterday"},
			field: "created",
		},
		{
			name:  "unknown field",
			input: map[string]any{"id": "n1", "title": "x", "bogus": 1},
			field: "bogus",
		},
		{
			name:  "empty id",
			input: map[string]any{"id": "", "title": "x"},
			field: "id",
		},
		{
			name:  "non-string tag element",
			input: map[string]any{"id": "n1", "title": "x", "tags": []any{"a", 3}},
			field: "tags",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, verr := v.Validate(tt.input)
			require.NotNil(t, verr)
			assert.Nil(t, row)
			found := false
			for _, issue := range verr.Issues {
				if issue.Field == tt.field {
					found = true
				}
			}
			assert.True(t, found, "expected an issue on field %q, got %v", tt.field, verr.Issues)
		})
	}
}

func TestValidatorDeterminism(t *testing.T) {
	v, err := NewValidator("notes", noteSchema())
	require.NoError(t, err)

	input := map[string]any{"id": "n1", "title": 3, "status": "nope", "bogus": true}
	first, ferr := v.Validate(input)
	second, serr := v.Validate(input)
	assert.Equal(t, first, second)
	require.NotNil(t, ferr)
	require.NotNil(t, serr)
	assert.Equal(t, ferr.Error(), serr.Error())
}

func TestValidatorDoesNotMutateInput(t *testing.T) {
	v, err := NewValidator("notes", noteSchema())
	require.NoError(t, err)

	input := map[string]any{"id": "n1", "title": "x"}
	_, verr := v.Validate(input)
	require.Nil(t, verr)
	assert.Equal(t, map[string]any{"id": "n1", "title": "x"}, input)
}

func TestValidatorOmit(t *testing.T) {
	v, err := NewValidator("notes", noteSchema())
	require.NoError(t, err)

	// Without title the row fails; an omitting validator accepts it and
	// also ignores the field when present.
	_, verr := v.Validate(map[string]any{"id": "n1"})
	require.NotNil(t, verr)

	frontmatter := v.Omit("title")
	row, verr := frontmatter.Validate(map[string]any{"id": "n1"})
	require.Nil(t, verr)
	_, present := row["title"]
	assert.False(t, present)

	row, verr = frontmatter.Validate(map[string]any{"id": "n1", "title": "ignored"})
	require.Nil(t, verr)
	_, present = row["title"]
	assert.False(t, present)
}

func TestSchemaIDField(t *testing.T) {
	if _, err := (TableSchema{"title": Text()}).IDField(); err == nil {
		t.Error("expected error for schema without id column")
	}
	if _, err := (TableSchema{"a": ID(), "b": ID()}).IDField(); err == nil {
		t.Error("expected error for schema with two id columns")
	}
	field, err := (TableSchema{"key": ID()}).IDField()
	if err != nil {
		t.Fatalf("IDField() error = %v", err)
	}
	if field != "key" {
		t.Errorf("IDField() = %v, want key", field)
	}
}

func TestCompile(t *testing.T) {
	ws := WorkspaceSchema{
		"notes": noteSchema(),
		"tabs":  {"id": ID(), "url": Text()},
	}
	set, err := Compile(ws)
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.Equal(t, "id", set["tabs"].IDField())

	_, err = Compile(WorkspaceSchema{"broken": {"name": Text()}})
	assert.Error(t, err)
}

func TestJSONColumnValidation(t *testing.T) {
	ts := TableSchema{
		"id": ID(),
		"config": JSON(func(v any) error {
			if _, ok := v.(map[string]any); !ok {
				return assert.AnError
			}
			return nil
		}),
	}
	v, err := NewValidator("widgets", ts)
	require.NoError(t, err)

	_, verr := v.Validate(map[string]any{"id": "w1", "config": map[string]any{"k": "v"}})
	assert.Nil(t, verr)

	_, verr = v.Validate(map[string]any{"id": "w1", "config": "not a map"})
	assert.NotNil(t, verr)
}
