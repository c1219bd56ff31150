// Package resolver orders units so that every dependency precedes its dependents and
// computes the metadata each unit inherits from its dependencies.
package resolver

import (
	"slices"
	"strings"

	"github.com/qobs-build/arcbuild/internal/registry"
	"go.trai.ch/zerr"
)

// Order is the dependency order of a unit set together with the propagated interfaces.
type Order struct {
	units    []*registry.Unit
	index    map[string]int
	exported map[string]registry.Interface
	compile  map[string]registry.Interface
	deps     map[string][]string
}

// Resolve orders the units reachable from roots. A nil roots slice resolves the whole registry.
//
// The order is a depth-first post-order started from units in declaration order, visiting
// dependencies in their declared order, so identical input always yields the identical order.
func Resolve(reg *registry.Registry, roots []string) (*Order, error) {
	if roots == nil {
		for _, u := range reg.Units() {
			roots = append(roots, u.Name)
		}
	}

	reachable, err := reachableFrom(reg, roots)
	if err != nil {
		return nil, err
	}

	o := &Order{
		index:    make(map[string]int, len(reachable)),
		exported: make(map[string]registry.Interface, len(reachable)),
		compile:  make(map[string]registry.Interface, len(reachable)),
		deps:     make(map[string][]string, len(reachable)),
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(reachable))
	var path []string

	var visit func(u *registry.Unit) error
	visit = func(u *registry.Unit) error {
		state[u.Name] = visiting
		path = append(path, u.Name)

		for _, depName := range u.Dependencies {
			switch state[depName] {
			case visiting:
				return cycleError(path, depName)
			case unvisited:
				dep := reachable[depName]
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		state[u.Name] = visited
		path = path[:len(path)-1]
		o.index[u.Name] = len(o.units)
		o.units = append(o.units, u)
		return nil
	}

	for _, u := range reg.Units() {
		if _, ok := reachable[u.Name]; !ok || state[u.Name] != unvisited {
			continue
		}
		if err := visit(u); err != nil {
			return nil, err
		}
	}

	o.propagate()
	return o, nil
}

// reachableFrom collects the units reachable from roots, failing on names that are not registered.
func reachableFrom(reg *registry.Registry, roots []string) (map[string]*registry.Unit, error) {
	reachable := make(map[string]*registry.Unit)
	queue := make([]string, 0, len(roots))
	for _, name := range roots {
		if _, err := reg.Get(name); err != nil {
			return nil, err
		}
		queue = append(queue, name)
	}

	for i := 0; i < len(queue); i++ {
		name := queue[i]
		if _, seen := reachable[name]; seen {
			continue
		}
		u, _ := reg.Get(name)
		reachable[name] = u

		for _, dep := range u.Dependencies {
			if !reg.Has(dep) {
				err := zerr.With(zerr.Wrap(registry.ErrMissingDependencyMetadata, "unit "+name+" depends on "+dep), "unit", name)
				return nil, zerr.With(err, "dependency", dep)
			}
			queue = append(queue, dep)
		}
	}
	return reachable, nil
}

func cycleError(path []string, dep string) error {
	start := slices.Index(path, dep)
	cycle := append(slices.Clone(path[start:]), dep)
	desc := strings.Join(cycle, " -> ")
	err := zerr.With(zerr.Wrap(registry.ErrCyclicDependency, desc), "cycle", desc)
	return zerr.With(err, "cycle_path", cycle)
}

// propagate computes exported and compile interfaces in dependency order.
func (o *Order) propagate() {
	for _, u := range o.units {
		exported := registry.Interface{}.Merge(u.Public)
		var deps []string
		for _, depName := range u.Dependencies {
			exported = exported.Merge(o.exported[depName])
			deps = append(deps, depName)
			deps = append(deps, o.deps[depName]...)
		}
		o.exported[u.Name] = exported
		o.compile[u.Name] = registry.Interface{}.Merge(u.Private).Merge(exported)

		deps = slices.Compact(o.sortByIndex(deps))
		o.deps[u.Name] = deps
	}
}

func (o *Order) sortByIndex(names []string) []string {
	slices.SortFunc(names, func(a, b string) int { return o.index[a] - o.index[b] })
	return names
}

// Units returns the ordered units.
func (o *Order) Units() []*registry.Unit { return slices.Clone(o.units) }

// Names returns the ordered unit names.
func (o *Order) Names() []string {
	names := make([]string, len(o.units))
	for i, u := range o.units {
		names[i] = u.Name
	}
	return names
}

// Contains reports whether the unit is part of the order.
func (o *Order) Contains(name string) bool {
	_, ok := o.index[name]
	return ok
}

// Index returns the position of a unit in the order, or -1.
func (o *Order) Index(name string) int {
	if i, ok := o.index[name]; ok {
		return i
	}
	return -1
}

// Interface returns the metadata a unit is compiled with: its private and public metadata plus
// the public metadata of every transitive dependency.
func (o *Order) Interface(name string) registry.Interface { return o.compile[name] }

// Exported returns the metadata a unit passes on to its dependents.
func (o *Order) Exported(name string) registry.Interface { return o.exported[name] }

// TransitiveDeps returns every direct and indirect dependency of a unit, dependencies first.
func (o *Order) TransitiveDeps(name string) []string { return slices.Clone(o.deps[name]) }
