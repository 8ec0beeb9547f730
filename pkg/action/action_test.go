package action

import (
	"context"
	"fmt"
	"testing"

	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoInput(t *testing.T) InputValidator {
	t.Helper()
	v, err := schema.NewValidator("input", schema.TableSchema{
		"id":   schema.ID(),
		"text": schema.Text(),
	})
	require.NoError(t, err)
	return v
}

func TestInvokeReturnsData(t *testing.T) {
	def := Query("echo", "echoes its input", echoInput(t),
		func(ctx context.Context, input map[string]any) (any, error) {
			return input["text"], nil
		})

	result := def.Invoke(context.Background(), map[string]any{"id": "x", "text": "hi"})
	require.Nil(t, result.Err)
	assert.Equal(t, "hi", result.Data)
}

func TestInvokeValidatesInput(t *testing.T) {
	called := false
	def := Mutation("set", "", echoInput(t),
		func(ctx context.Context, input map[string]any) (any, error) {
			called = true
			return nil, nil
		})

	result := def.Invoke(context.Background(), map[string]any{"id": "x", "text": 9})
	require.NotNil(t, result.Err)
	assert.Equal(t, ErrInput, result.Err.Kind)
	assert.NotEmpty(t, result.Err.Issues)
	assert.False(t, called, "handler must not run on invalid input")
}

func TestInvokeAdaptsErrors(t *testing.T) {
	plain := Query("fail", "", nil, func(ctx context.Context, input map[string]any) (any, error) {
		return nil, fmt.Errorf("disk on fire")
	})
	result := plain.Invoke(context.Background(), nil)
	require.NotNil(t, result.Err)
	assert.Equal(t, ErrOperation, result.Err.Kind)
	assert.Contains(t, result.Err.Message, "disk on fire")

	typed := Query("missing", "", nil, func(ctx context.Context, input map[string]any) (any, error) {
		return nil, NotFound("row %q does not exist", "n1")
	})
	result = typed.Invoke(context.Background(), nil)
	require.NotNil(t, result.Err)
	assert.Equal(t, ErrNotFound, result.Err.Kind, "typed action errors keep their kind")
}

func TestInvokeRecoversPanic(t *testing.T) {
	def := Mutation("boom", "", nil, func(ctx context.Context, input map[string]any) (any, error) {
		panic("unexpected")
	})
	result := def.Invoke(context.Background(), nil)
	require.NotNil(t, result.Err)
	assert.Equal(t, ErrOperation, result.Err.Kind)
	assert.Contains(t, result.Err.Message, "unexpected")
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("notes", Query("list", "", nil,
		func(ctx context.Context, input map[string]any) (any, error) {
			return []string{"n1"}, nil
		}))

	result := reg.Invoke(context.Background(), "notes", "list", nil)
	require.Nil(t, result.Err)
	assert.Equal(t, []string{"n1"}, result.Data)

	result = reg.Invoke(context.Background(), "notes", "nope", nil)
	require.NotNil(t, result.Err)
	assert.Equal(t, ErrNotFound, result.Err.Kind)

	assert.Equal(t, []string{"notes.list"}, reg.Names())
}

func TestRegistryFromExports(t *testing.T) {
	reg := NewRegistry()
	noop := func(ctx context.Context, input map[string]any) (any, error) { return nil, nil }

	reg.FromExports("ws", map[string]any{
		"list": Query("list", "", nil, noop),
		"admin": map[string]any{
			"reset": Mutation("reset", "", nil, noop),
		},
		"notAnAction": 42,
	})

	assert.Equal(t, []string{"ws.admin.reset", "ws.list"}, reg.Names())
}
