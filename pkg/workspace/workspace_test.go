package workspace

import (
	"fmt"
	"testing"

	"github.com/epicenterhq/epicenter/pkg/provider"
	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleConfig(id string, deps ...string) Config {
	return Config{
		ID:           id,
		Dependencies: deps,
		Schema: schema.WorkspaceSchema{
			"items": {"id": schema.ID(), "name": schema.Text()},
		},
	}
}

func TestResolveOrder(t *testing.T) {
	tests := []struct {
		name    string
		configs []Config
		want    []string
	}{
		{
			name:    "no dependencies sorts alphabetically",
			configs: []Config{simpleConfig("b"), simpleConfig("a")},
			want:    []string{"a", "b"},
		},
		{
			name:    "dependency before dependent",
			configs: []Config{simpleConfig("app", "base"), simpleConfig("base")},
			want:    []string{"base", "app"},
		},
		{
			name: "diamond",
			configs: []Config{
				simpleConfig("top", "left", "right"),
				simpleConfig("left", "base"),
				simpleConfig("right", "base"),
				simpleConfig("base"),
			},
			want: []string{"base", "left", "right", "top"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := resolveOrder(tt.configs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, order)
		})
	}
}

func TestResolveOrderErrors(t *testing.T) {
	_, err := resolveOrder([]Config{simpleConfig("a"), simpleConfig("a")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Duplicate workspace IDs detected")

	_, err = resolveOrder([]Config{simpleConfig("B", "A")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Missing dependency: workspace "B" depends on "A"`)

	_, err = resolveOrder([]Config{
		simpleConfig("a", "b"),
		simpleConfig("b", "a"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Circular dependency detected")
	assert.Contains(t, err.Error(), "a -> b")

	var depErr *DependencyError
	assert.ErrorAs(t, err, &depErr)
}

func TestNewBuildsClient(t *testing.T) {
	cfg := simpleConfig("ws")
	cfg.Exports = func(ctx ExportsContext) (map[string]any, error) {
		return map[string]any{"hello": "world"}, nil
	}

	clients, err := New(Options{}, cfg)
	require.NoError(t, err)
	defer clients["ws"].Destroy() //nolint:errcheck

	client := clients["ws"]
	require.NotNil(t, client)
	assert.Equal(t, "ws", client.Doc.GUID(), "document GUID equals workspace id")
	assert.Equal(t, []string{"items"}, client.Tables.Names())
	assert.Equal(t, "world", client.Exports["hello"])

	select {
	case <-client.WhenReady():
	default:
		t.Error("client with no async providers should be ready immediately")
	}
}

func TestNewRejectsEmptyID(t *testing.T) {
	_, err := New(Options{}, simpleConfig(""))
	assert.Error(t, err)
}

func TestProvidersRunInDeclarationOrder(t *testing.T) {
	var order []string
	factory := func(name string) provider.Factory {
		return func(ctx provider.Context) (*provider.Exports, error) {
			order = append(order, name)
			return &provider.Exports{Values: map[string]any{"name": name}}, nil
		}
	}

	cfg := simpleConfig("ws")
	cfg.Providers = []provider.Def{
		{ID: "zeta", Factory: factory("zeta")},
		{ID: "alpha", Factory: factory("alpha")},
	}
	cfg.Exports = func(ctx ExportsContext) (map[string]any, error) {
		// Providers are visible to the exports factory
		if ctx.Providers["zeta"].Values["name"] != "zeta" {
			return nil, fmt.Errorf("missing provider exports")
		}
		return nil, nil
	}

	clients, err := New(Options{}, cfg)
	require.NoError(t, err)
	defer clients["ws"].Destroy() //nolint:errcheck

	assert.Equal(t, []string{"zeta", "alpha"}, order)
}

func TestProviderContext(t *testing.T) {
	dir := t.TempDir()
	var got provider.Context

	cfg := simpleConfig("ws")
	cfg.Providers = []provider.Def{{
		ID: "probe",
		Factory: func(ctx provider.Context) (*provider.Exports, error) {
			got = ctx
			return nil, nil
		},
	}}

	clients, err := New(Options{ProjectDir: dir}, cfg)
	require.NoError(t, err)
	defer clients["ws"].Destroy() //nolint:errcheck

	assert.Equal(t, "ws", got.WorkspaceID)
	assert.Equal(t, "probe", got.ProviderID)
	require.NotNil(t, got.Paths)
	assert.Equal(t, dir, got.Paths.Project)
	assert.Contains(t, got.Paths.Epicenter, ".epicenter")
	assert.Contains(t, got.Paths.Provider, "probe")
	require.NotNil(t, got.Tables)
	_, ok := got.Tables.Get("items")
	assert.True(t, ok)
}

func TestPathsAbsentWithoutProjectDir(t *testing.T) {
	var paths *provider.Paths = &provider.Paths{}
	cfg := simpleConfig("ws")
	cfg.Providers = []provider.Def{{
		ID: "probe",
		Factory: func(ctx provider.Context) (*provider.Exports, error) {
			paths = ctx.Paths
			return nil, nil
		},
	}}

	clients, err := New(Options{}, cfg)
	require.NoError(t, err)
	defer clients["ws"].Destroy() //nolint:errcheck
	assert.Nil(t, paths, "diskless runtime passes nil paths")
}

func TestProviderFailureAbortsAndTearsDown(t *testing.T) {
	destroyed := false

	good := simpleConfig("good")
	good.Providers = []provider.Def{{
		ID: "p",
		Factory: func(ctx provider.Context) (*provider.Exports, error) {
			return &provider.Exports{Destroy: func() error { destroyed = true; return nil }}, nil
		},
	}}

	bad := simpleConfig("bad", "good")
	bad.Providers = []provider.Def{{
		ID: "boom",
		Factory: func(ctx provider.Context) (*provider.Exports, error) {
			return nil, fmt.Errorf("no disk")
		},
	}}

	_, err := New(Options{}, bad, good)
	require.Error(t, err)
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "boom", provErr.ProviderID)
	assert.True(t, destroyed, "already-built workspaces are torn down on failure")
}

func TestDependentSeesDependencyExports(t *testing.T) {
	base := simpleConfig("base")
	base.Exports = func(ctx ExportsContext) (map[string]any, error) {
		return map[string]any{"answer": 42}, nil
	}

	app := simpleConfig("app", "base")
	var seen any
	app.Exports = func(ctx ExportsContext) (map[string]any, error) {
		seen = ctx.Workspaces["base"].Exports["answer"]
		return nil, nil
	}

	clients, err := New(Options{}, app, base)
	require.NoError(t, err)
	defer func() {
		for _, c := range clients {
			c.Destroy() //nolint:errcheck
		}
	}()

	assert.Equal(t, 42, seen)
}

func TestDestroyIdempotentAndParallel(t *testing.T) {
	destroys := 0
	cfg := simpleConfig("ws")
	cfg.Providers = []provider.Def{{
		ID: "p",
		Factory: func(ctx provider.Context) (*provider.Exports, error) {
			return &provider.Exports{Destroy: func() error { destroys++; return nil }}, nil
		},
	}}

	clients, err := New(Options{}, cfg)
	require.NoError(t, err)
	client := clients["ws"]

	require.NoError(t, client.Destroy())
	require.NoError(t, client.Destroy())
	require.NoError(t, client.Close())
	assert.Equal(t, 1, destroys)
	assert.True(t, client.Doc.Destroyed())
}
