// Package planner turns the registry into per-architecture build plans: it decides the linkage
// of every unit, lays out the compile, link, table and install jobs and checks the install tree.
package planner

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"

	"github.com/qobs-build/arcbuild/internal/install"
	"github.com/qobs-build/arcbuild/internal/job"
	"github.com/qobs-build/arcbuild/internal/registry"
	"github.com/qobs-build/arcbuild/internal/resolver"
	"github.com/qobs-build/arcbuild/internal/tables"
	"github.com/qobs-build/arcbuild/internal/toolchain"
	"go.trai.ch/zerr"
)

// Tools are the external tools of one architecture.
type Tools struct {
	Toolchain toolchain.Toolchain
	Converter toolchain.Converter
}

type Options struct {
	// BuildDir holds the per-architecture outputs, {BuildDir}/{arch}/...
	BuildDir string
	// InstallRoot holds the staged targets, {InstallRoot}/{target}/{install_subdir}/...
	InstallRoot string
	// Cflags are added to every compile (profile flags).
	Cflags []string

	Locator *tables.Locator
	Tools   func(arch string) Tools
}

// Plan is the build plan of one architecture.
type Plan struct {
	Arch    string
	Order   *resolver.Order
	Targets []*registry.Target
	Linkage map[string]registry.LinkType

	// Objects maps a unit to its object files; every unit is compiled once per architecture.
	Objects map[string][]string
	// Artifacts maps a unit to the archive, module or executable built for the architecture.
	Artifacts map[string]string
	// Cores maps a target to its linked core executable.
	Cores    map[string]string
	Tables   []tables.Artifact
	Installs []install.Action

	Graph *job.Graph
}

// Planner builds plans from a registry. It is single threaded and must not be used concurrently.
type Planner struct {
	reg  *registry.Registry
	opts Options
}

func New(reg *registry.Registry, opts Options) *Planner {
	return &Planner{reg: reg, opts: opts}
}

// PlanAll plans the given architectures, or every architecture in first-use order. A structural
// error aborts its architecture only; the plans of the others are returned together with the
// joined errors.
func (p *Planner) PlanAll(arches ...string) ([]*Plan, error) {
	if len(arches) == 0 {
		for _, arch := range p.reg.Architectures() {
			arches = append(arches, arch.Name)
		}
	}

	var plans []*Plan
	var errs []error
	for _, arch := range arches {
		plan, err := p.Plan(arch)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		plans = append(plans, plan)
	}
	return plans, errors.Join(errs...)
}

// Plan builds the plan of one architecture. Structural errors (unknown names, cycles, conflicting
// linkage, install collisions) fail the whole architecture before anything is built.
func (p *Planner) Plan(arch string) (*Plan, error) {
	p.reg.Seal()

	info, err := p.reg.Architecture(arch)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Arch:      arch,
		Linkage:   make(map[string]registry.LinkType),
		Objects:   make(map[string][]string),
		Artifacts: make(map[string]string),
		Cores:     make(map[string]string),
		Graph:     job.NewGraph(),
	}

	var roots []string
	for _, name := range info.Targets {
		t, err := p.reg.Target(name)
		if err != nil {
			return nil, err
		}
		plan.Targets = append(plan.Targets, t)

		for _, unit := range t.Units() {
			if !p.reg.Has(unit) {
				err := zerr.Wrap(registry.ErrUnknownUnit, "target "+t.Name+" references unit "+unit)
				err = zerr.With(err, "unit", unit)
				err = zerr.With(err, "target", t.Name)
				return nil, zerr.With(err, "arch", arch)
			}
			if !slices.Contains(roots, unit) {
				roots = append(roots, unit)
			}
		}
	}

	plan.Order, err = resolver.Resolve(p.reg, roots)
	if err != nil {
		return nil, zerr.With(err, "arch", arch)
	}

	if err := plan.decideLinkage(); err != nil {
		return nil, err
	}

	b := &planBuilder{
		plan:    plan,
		opts:    p.opts,
		tools:   p.opts.Tools(arch),
		archDir: filepath.Join(p.opts.BuildDir, arch),
	}
	if err := b.build(); err != nil {
		return nil, err
	}

	if err := install.CheckCollisions(plan.Installs); err != nil {
		return nil, zerr.With(err, "arch", arch)
	}
	if err := plan.Graph.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// decideLinkage applies the linkage policy: a unit listed as a dynamic app of any target of the
// architecture is loaded at runtime, a unit listed as a static app is linked into the core, and
// any other unit keeps its declared linkage. Listing a unit both ways is a conflict.
func (plan *Plan) decideLinkage() error {
	staticIn := make(map[string]string)
	dynamicIn := make(map[string]string)
	for _, t := range plan.Targets {
		for _, name := range t.StaticApps {
			if _, ok := staticIn[name]; !ok {
				staticIn[name] = t.Name
			}
		}
		for _, name := range t.DynamicApps {
			if _, ok := dynamicIn[name]; !ok {
				dynamicIn[name] = t.Name
			}
		}
	}

	for _, u := range plan.Order.Units() {
		staticTarget, isStatic := staticIn[u.Name]
		dynamicTarget, isDynamic := dynamicIn[u.Name]
		switch {
		case isStatic && isDynamic:
			err := zerr.Wrap(registry.ErrConflictingLinkage,
				"unit "+u.Name+" is a static app of "+staticTarget+" and a dynamic app of "+dynamicTarget)
			err = zerr.With(err, "unit", u.Name)
			err = zerr.With(err, "arch", plan.Arch)
			err = zerr.With(err, "static_target", staticTarget)
			return zerr.With(err, "dynamic_target", dynamicTarget)
		case isDynamic:
			plan.Linkage[u.Name] = registry.LinkDynamic
		case isStatic:
			plan.Linkage[u.Name] = registry.LinkStatic
		default:
			plan.Linkage[u.Name] = u.LinkType
		}
	}
	return nil
}

// Closure returns the units a target deploys and links: its unit list and every transitive
// dependency, in plan order.
func (plan *Plan) Closure(t *registry.Target) []*registry.Unit {
	in := make(map[string]bool)
	for _, name := range t.Units() {
		in[name] = true
		for _, dep := range plan.Order.TransitiveDeps(name) {
			in[dep] = true
		}
	}
	var units []*registry.Unit
	for _, u := range plan.Order.Units() {
		if in[u.Name] {
			units = append(units, u)
		}
	}
	return units
}

// InstallsFor returns the install actions of one target.
func (plan *Plan) InstallsFor(target string) []install.Action {
	var out []install.Action
	for _, a := range plan.Installs {
		if a.Target == target {
			out = append(out, a)
		}
	}
	return out
}

// UnitJobID returns the id of the job producing a unit's architecture artifact.
func UnitJobID(arch, unit string) string { return job.ID(arch, "unit", unit) }

// CoreJobID returns the id of the job linking a target's core.
func CoreJobID(arch, target string) string { return job.ID(arch, "core", target) }

// ObjectPath returns the object file of a source: {archDir}/obj/{unit}/{source relative to the unit dir}.o
func ObjectPath(archDir string, u *registry.Unit, src string) string {
	rel, err := filepath.Rel(u.Dir, src)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(src)
	}
	return filepath.Join(archDir, "obj", u.Name, rel+".o")
}
