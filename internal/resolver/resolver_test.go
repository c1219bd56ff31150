package resolver_test

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/qobs-build/arcbuild/internal/registry"
	"github.com/qobs-build/arcbuild/internal/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zerr"
)

// newRegistry builds a registry from "unit" -> deps pairs declared in the given order.
func newRegistry(t *testing.T, names []string, deps map[string][]string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, name := range names {
		require.NoError(t, reg.Register(registry.Unit{
			Name:         name,
			Kind:         registry.KindLibrary,
			Dependencies: deps[name],
		}))
	}
	return reg
}

func requireTopological(t *testing.T, reg *registry.Registry, order *resolver.Order) {
	t.Helper()
	for _, u := range order.Units() {
		for _, dep := range u.Dependencies {
			assert.Less(t, order.Index(dep), order.Index(u.Name), "%s must precede %s", dep, u.Name)
		}
	}
}

func TestResolve_Chain(t *testing.T) {
	// A -> B -> C
	reg := newRegistry(t, []string{"A", "B", "C"}, map[string][]string{
		"A": {"B"},
		"B": {"C"},
	})
	order, err := resolver.Resolve(reg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, order.Names())
}

func TestResolve_StableTieBreak(t *testing.T) {
	// unrelated units keep declaration order
	reg := newRegistry(t, []string{"zeta", "alpha", "mid"}, nil)
	order, err := resolver.Resolve(reg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, order.Names())
}

func TestResolve_RestrictedToRoots(t *testing.T) {
	reg := newRegistry(t, []string{"app", "bus", "other", "os"}, map[string][]string{
		"app": {"bus"},
		"bus": {"os"},
	})
	order, err := resolver.Resolve(reg, []string{"app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"os", "bus", "app"}, order.Names())
	assert.False(t, order.Contains("other"))
	assert.Equal(t, -1, order.Index("other"))
}

func TestResolve_UnknownRoot(t *testing.T) {
	reg := newRegistry(t, []string{"app"}, nil)
	_, err := resolver.Resolve(reg, []string{"ghost"})
	require.ErrorIs(t, err, registry.ErrUnknownUnit)
}

func TestResolve_MissingDependencyMetadata(t *testing.T) {
	reg := newRegistry(t, []string{"app"}, map[string][]string{"app": {"removed"}})
	_, err := resolver.Resolve(reg, nil)
	require.ErrorIs(t, err, registry.ErrMissingDependencyMetadata)

	zErr, ok := err.(*zerr.Error)
	require.True(t, ok, "expected *zerr.Error, got %T", err)
	assert.Equal(t, "app", zErr.Metadata()["unit"])
	assert.Equal(t, "removed", zErr.Metadata()["dependency"])
}

func TestResolve_Cycle(t *testing.T) {
	// ok -> A -> B -> C -> A
	reg := newRegistry(t, []string{"ok", "A", "B", "C"}, map[string][]string{
		"ok": {"A"},
		"A":  {"B"},
		"B":  {"C"},
		"C":  {"A"},
	})
	_, err := resolver.Resolve(reg, nil)
	require.ErrorIs(t, err, registry.ErrCyclicDependency)

	zErr, ok := err.(*zerr.Error)
	require.True(t, ok, "expected *zerr.Error, got %T", err)
	assert.Equal(t, "A -> B -> C -> A", zErr.Metadata()["cycle"])
	assert.Contains(t, err.Error(), "A -> B -> C -> A")
}

func TestResolve_SelfCycle(t *testing.T) {
	reg := newRegistry(t, []string{"A"}, map[string][]string{"A": {"A"}})
	_, err := resolver.Resolve(reg, nil)
	require.ErrorIs(t, err, registry.ErrCyclicDependency)
}

// randomDAG declares n units where each unit may only depend on units declared later,
// then shuffles the declaration order.
func randomDAG(t *testing.T, rnd *rand.Rand, n int) ([]string, map[string][]string) {
	t.Helper()
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("u%02d", i)
	}
	deps := make(map[string][]string)
	for i := range names {
		for j := i + 1; j < n; j++ {
			if rnd.IntN(4) == 0 {
				deps[names[i]] = append(deps[names[i]], names[j])
			}
		}
	}
	rnd.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	return names, deps
}

func TestResolve_RandomDAGs(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	for i := range 50 {
		names, deps := randomDAG(t, rnd, 3+i%15)
		reg := newRegistry(t, names, deps)

		first, err := resolver.Resolve(reg, nil)
		require.NoError(t, err)
		require.Len(t, first.Names(), len(names))
		requireTopological(t, reg, first)

		second, err := resolver.Resolve(newRegistry(t, names, deps), nil)
		require.NoError(t, err)
		assert.Equal(t, first.Names(), second.Names(), "resolution must be deterministic")
	}
}

func TestResolve_RandomCycles(t *testing.T) {
	rnd := rand.New(rand.NewPCG(3, 4))
	for range 30 {
		names, deps := randomDAG(t, rnd, 6)
		// close a loop through a back edge from the last unit to the first
		slices.Sort(names)
		first, last := names[0], names[len(names)-1]
		deps[first] = append(deps[first], names[1])
		deps[names[1]] = append(deps[names[1]], last)
		deps[last] = append(deps[last], first)

		reg := newRegistry(t, names, deps)
		_, err := resolver.Resolve(reg, nil)
		require.ErrorIs(t, err, registry.ErrCyclicDependency)

		zErr, ok := err.(*zerr.Error)
		require.True(t, ok)
		cycle, ok := zErr.Metadata()["cycle_path"].([]string)
		require.True(t, ok)
		require.GreaterOrEqual(t, len(cycle), 2)
		assert.Equal(t, cycle[0], cycle[len(cycle)-1], "cycle must be closed")
		for k := 0; k+1 < len(cycle); k++ {
			assert.Contains(t, deps[cycle[k]], cycle[k+1], "edge %s -> %s must exist", cycle[k], cycle[k+1])
		}
	}
}

func TestResolve_Propagation(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Unit{
		Name: "C", Kind: registry.KindLibrary,
		Public:  registry.Interface{IncludeDirs: []string{"/c/inc"}, Defines: map[string]string{"C_API": "1"}},
		Private: registry.Interface{IncludeDirs: []string{"/c/src"}, Defines: map[string]string{"C_IMPL": ""}},
	}))
	require.NoError(t, reg.Register(registry.Unit{
		Name: "B", Kind: registry.KindLibrary, Dependencies: []string{"C"},
		Public:  registry.Interface{IncludeDirs: []string{"/b/inc"}},
		Private: registry.Interface{IncludeDirs: []string{"/b/src"}},
	}))
	require.NoError(t, reg.Register(registry.Unit{
		Name: "A", Kind: registry.KindModule, Dependencies: []string{"B"},
		Private: registry.Interface{Defines: map[string]string{"A_IMPL": "2"}},
	}))

	order, err := resolver.Resolve(reg, []string{"A"})
	require.NoError(t, err)

	a := order.Interface("A")
	assert.Equal(t, []string{"/b/inc", "/c/inc"}, a.IncludeDirs)
	assert.Equal(t, map[string]string{"A_IMPL": "2", "C_API": "1"}, a.Defines)

	b := order.Interface("B")
	assert.Equal(t, []string{"/b/src", "/b/inc", "/c/inc"}, b.IncludeDirs)

	assert.Equal(t, []string{"/b/inc", "/c/inc"}, order.Exported("B").IncludeDirs)
	assert.Equal(t, []string{"C", "B"}, order.TransitiveDeps("A"))
	assert.Empty(t, order.TransitiveDeps("C"))
}

func TestResolve_DiamondTransitiveDeps(t *testing.T) {
	// A -> B, A -> C, B -> D, C -> D
	reg := newRegistry(t, []string{"A", "B", "C", "D"}, map[string][]string{
		"A": {"B", "C"},
		"B": {"D"},
		"C": {"D"},
	})
	order, err := resolver.Resolve(reg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "B", "C", "A"}, order.Names())
	assert.Equal(t, []string{"D", "B", "C"}, order.TransitiveDeps("A"))
}
