package registry

import (
	"slices"

	"go.trai.ch/zerr"
)

// Registry stores declared units, targets and stub libraries in declaration order.
// All declarations must happen before Seal; afterwards the registry is read-only and
// may be shared by concurrent readers.
type Registry struct {
	units map[string]*Unit
	order []string

	targets     map[string]*Target
	targetOrder []string

	stubs     map[string][]string
	stubOrder []string

	sealed bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		units:   make(map[string]*Unit),
		targets: make(map[string]*Target),
		stubs:   make(map[string][]string),
	}
}

// Register adds a unit. Re-declaring a name fails with ErrDuplicateUnit.
func (r *Registry) Register(u Unit) error {
	if r.sealed {
		return zerr.With(zerr.Wrap(ErrRegistrySealed, "register "+u.Name), "unit", u.Name)
	}
	if u.Name == "" {
		return zerr.Wrap(ErrInvalidUnit, "unit has no name")
	}
	if !u.Kind.valid() {
		err := zerr.With(zerr.Wrap(ErrInvalidUnit, "unit "+u.Name+" has unknown kind"), "unit", u.Name)
		return zerr.With(err, "kind", string(u.Kind))
	}
	if u.LinkType != "" && u.LinkType != LinkStatic && u.LinkType != LinkDynamic {
		err := zerr.With(zerr.Wrap(ErrInvalidUnit, "unit "+u.Name+" has unknown linkage"), "unit", u.Name)
		return zerr.With(err, "link", string(u.LinkType))
	}
	if _, exists := r.units[u.Name]; exists {
		return zerr.With(zerr.Wrap(ErrDuplicateUnit, "register "+u.Name), "unit", u.Name)
	}
	r.units[u.Name] = u.clone()
	r.order = append(r.order, u.Name)
	return nil
}

// Get returns the unit with the given name. The returned unit must not be modified.
func (r *Registry) Get(name string) (*Unit, error) {
	u, ok := r.units[name]
	if !ok {
		return nil, zerr.With(zerr.Wrap(ErrUnknownUnit, "lookup "+name), "unit", name)
	}
	return u, nil
}

// Has reports whether a unit is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.units[name]
	return ok
}

// DeclareDependency records that unit depends on dep. Both must be registered.
// Declaring the same edge twice is a no-op.
func (r *Registry) DeclareDependency(unit, dep string) error {
	if r.sealed {
		return zerr.With(zerr.Wrap(ErrRegistrySealed, "declare dependency of "+unit), "unit", unit)
	}
	u, ok := r.units[unit]
	if !ok {
		err := zerr.With(zerr.Wrap(ErrUnknownUnit, "declare dependency of "+unit), "unit", unit)
		return zerr.With(err, "dependency", dep)
	}
	if _, ok := r.units[dep]; !ok {
		err := zerr.With(zerr.Wrap(ErrUnknownUnit, "declare dependency on "+dep), "unit", dep)
		return zerr.With(err, "dependent", unit)
	}
	if !slices.Contains(u.Dependencies, dep) {
		u.Dependencies = append(u.Dependencies, dep)
	}
	return nil
}

// Units returns all units in declaration order.
func (r *Registry) Units() []*Unit {
	units := make([]*Unit, len(r.order))
	for i, name := range r.order {
		units[i] = r.units[name]
	}
	return units
}

// AddTarget declares a target.
func (r *Registry) AddTarget(t Target) error {
	if r.sealed {
		return zerr.With(zerr.Wrap(ErrRegistrySealed, "add target "+t.Name), "target", t.Name)
	}
	if _, exists := r.targets[t.Name]; exists {
		return zerr.With(zerr.Wrap(ErrDuplicateTarget, "add target "+t.Name), "target", t.Name)
	}
	t.StaticApps = slices.Clone(t.StaticApps)
	t.DynamicApps = slices.Clone(t.DynamicApps)
	r.targets[t.Name] = &t
	r.targetOrder = append(r.targetOrder, t.Name)
	return nil
}

// Target returns the target with the given name.
func (r *Registry) Target(name string) (*Target, error) {
	t, ok := r.targets[name]
	if !ok {
		return nil, zerr.With(zerr.Wrap(ErrUnknownTarget, "lookup "+name), "target", name)
	}
	return t, nil
}

// Targets returns all targets in declaration order.
func (r *Registry) Targets() []*Target {
	targets := make([]*Target, len(r.targetOrder))
	for i, name := range r.targetOrder {
		targets[i] = r.targets[name]
	}
	return targets
}

// Architectures returns the architectures in order of first use by a target.
func (r *Registry) Architectures() []Architecture {
	var archs []Architecture
	for _, t := range r.Targets() {
		idx := slices.IndexFunc(archs, func(a Architecture) bool { return a.Name == t.Arch })
		if idx < 0 {
			archs = append(archs, Architecture{Name: t.Arch})
			idx = len(archs) - 1
		}
		archs[idx].Targets = append(archs[idx].Targets, t.Name)
	}
	return archs
}

// Architecture returns a single architecture by name.
func (r *Registry) Architecture(name string) (Architecture, error) {
	for _, arch := range r.Architectures() {
		if arch.Name == name {
			return arch, nil
		}
	}
	return Architecture{}, zerr.With(zerr.Wrap(ErrUnknownArchitecture, "lookup "+name), "arch", name)
}

// DeclareStubs declares the stub sources replacing module in coverage builds. The module
// does not have to be a registered unit.
func (r *Registry) DeclareStubs(module string, sources []string) error {
	if r.sealed {
		return zerr.With(zerr.Wrap(ErrRegistrySealed, "declare stubs for "+module), "unit", module)
	}
	if _, exists := r.stubs[module]; exists {
		return zerr.With(zerr.Wrap(ErrDuplicateUnit, "declare stubs for "+module), "unit", module)
	}
	r.stubs[module] = slices.Clone(sources)
	r.stubOrder = append(r.stubOrder, module)
	return nil
}

// Stubs returns the stub sources declared for module.
func (r *Registry) Stubs(module string) ([]string, bool) {
	sources, ok := r.stubs[module]
	return sources, ok
}

// StubModules returns the modules with declared stubs in declaration order.
func (r *Registry) StubModules() []string {
	return slices.Clone(r.stubOrder)
}

// Seal ends the declaration phase.
func (r *Registry) Seal() { r.sealed = true }
