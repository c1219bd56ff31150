package planner

import (
	"path/filepath"
	"slices"

	"github.com/qobs-build/arcbuild/internal/install"
	"github.com/qobs-build/arcbuild/internal/job"
	"github.com/qobs-build/arcbuild/internal/registry"
	"github.com/qobs-build/arcbuild/internal/tables"
	"github.com/qobs-build/arcbuild/internal/toolchain"
	"go.trai.ch/zerr"
)

type planBuilder struct {
	plan    *Plan
	opts    Options
	tools   Tools
	archDir string
	units   map[string]*registry.Unit
	cores   map[string]bool
	pic     map[string]bool // units whose objects end up in a shared object
}

func (b *planBuilder) build() error {
	b.units = make(map[string]*registry.Unit)
	for _, u := range b.plan.Order.Units() {
		b.units[u.Name] = u
	}
	b.cores = make(map[string]bool)
	for _, t := range b.plan.Targets {
		if t.Core == "" {
			continue
		}
		if core := b.unit(t.Core); core.Kind != registry.KindExecutable || !core.HasCode() {
			err := zerr.Wrap(registry.ErrInvalidUnit, "core "+t.Core+" of target "+t.Name+" is not an executable with sources")
			err = zerr.With(err, "unit", t.Core)
			return zerr.With(err, "target", t.Name)
		}
		b.cores[t.Core] = true
	}

	b.pic = make(map[string]bool)
	for _, u := range b.plan.Order.Units() {
		if u.Kind == registry.KindExecutable || b.linkage(u) != registry.LinkDynamic {
			continue
		}
		b.pic[u.Name] = true
		for _, dep := range b.plan.Order.TransitiveDeps(u.Name) {
			b.pic[dep] = true
		}
	}

	for _, u := range b.plan.Order.Units() {
		if !u.HasCode() {
			continue
		}
		if err := b.addUnit(u); err != nil {
			return err
		}
	}

	for _, t := range b.plan.Targets {
		if t.Core != "" {
			if err := b.addCore(t); err != nil {
				return err
			}
		}
		if err := b.addTargetOutputs(t); err != nil {
			return err
		}
	}
	return nil
}

func (b *planBuilder) linkage(u *registry.Unit) registry.LinkType {
	return b.plan.Linkage[u.Name]
}

// isArchive reports whether a unit is built into a static archive that consumers link.
func (b *planBuilder) isArchive(u *registry.Unit) bool {
	return u.HasCode() && u.Kind != registry.KindExecutable && b.linkage(u) == registry.LinkStatic
}

func (b *planBuilder) unit(name string) *registry.Unit {
	return b.units[name]
}

// codeDeps returns the transitive dependencies of a unit that produce a job.
func (b *planBuilder) codeDeps(name string) []*registry.Unit {
	var deps []*registry.Unit
	for _, dep := range b.plan.Order.TransitiveDeps(name) {
		if u := b.unit(dep); u.HasCode() {
			deps = append(deps, u)
		}
	}
	return deps
}

// libraries returns the archives of the given units, dependents before their dependencies.
func (b *planBuilder) libraries(units []*registry.Unit) []string {
	units = slices.Clone(units)
	slices.SortFunc(units, func(x, y *registry.Unit) int {
		return b.plan.Order.Index(y.Name) - b.plan.Order.Index(x.Name)
	})
	var libs []string
	for _, u := range units {
		if b.isArchive(u) {
			libs = append(libs, b.plan.Artifacts[u.Name])
		}
	}
	return libs
}

func systemLinks(units ...*registry.Unit) []string {
	var links []string
	for _, u := range units {
		for _, l := range u.Links {
			if !slices.Contains(links, l) {
				links = append(links, l)
			}
		}
	}
	return links
}

func hasCxx(units ...*registry.Unit) bool {
	for _, u := range units {
		if slices.ContainsFunc(u.Sources, toolchain.IsCxx) {
			return true
		}
	}
	return false
}

func (b *planBuilder) compileFlags(u *registry.Unit) []string {
	flags := slices.Concat(b.opts.Cflags, u.Cflags)
	if b.pic[u.Name] {
		flags = append(flags, "-fPIC")
	}
	return flags
}

// addUnit adds the compile jobs of a unit and the job producing its artifact. Compiling waits
// for every dependency with code, so a failed dependency skips its dependents.
func (b *planBuilder) addUnit(u *registry.Unit) error {
	arch := b.plan.Arch
	deps := b.codeDeps(u.Name)
	var depJobs []string
	for _, d := range deps {
		depJobs = append(depJobs, UnitJobID(arch, d.Name))
	}

	iface := b.plan.Order.Interface(u.Name)
	flags := b.compileFlags(u)

	var objects, compileJobs []string
	for _, src := range u.Sources {
		obj := ObjectPath(b.archDir, u, src)
		rel, _ := filepath.Rel(b.archDir, obj)
		id := job.ID(arch, filepath.ToSlash(rel))
		err := b.plan.Graph.Add(job.Job{
			ID:   id,
			Deps: depJobs,
			Arch: arch,
			Unit: u.Name,
			Cmds: []toolchain.Command{b.tools.Toolchain.Compile(toolchain.CompileRequest{
				Source:    src,
				Object:    obj,
				Interface: iface,
				Flags:     flags,
			})},
		})
		if err != nil {
			return err
		}
		objects = append(objects, obj)
		compileJobs = append(compileJobs, id)
	}
	b.plan.Objects[u.Name] = objects

	unitJob := job.Job{
		ID:   UnitJobID(arch, u.Name),
		Deps: slices.Concat(compileJobs, depJobs),
		Arch: arch,
		Unit: u.Name,
	}

	switch {
	case u.Kind == registry.KindExecutable && b.cores[u.Name]:
		// linked per target by addCore
	case b.isArchive(u):
		out := filepath.Join(b.archDir, "lib", u.ArtifactName(registry.LinkStatic))
		unitJob.Cmds = []toolchain.Command{b.tools.Toolchain.Archive(out, objects)}
		b.plan.Artifacts[u.Name] = out
	default:
		dir := "lib"
		if u.Kind == registry.KindExecutable {
			dir = "bin"
		}
		out := filepath.Join(b.archDir, dir, u.ArtifactName(b.linkage(u)))
		unitJob.Cmds = []toolchain.Command{b.tools.Toolchain.Link(toolchain.LinkRequest{
			Output:    out,
			Objects:   objects,
			Libraries: b.libraries(deps),
			Links:     systemLinks(append([]*registry.Unit{u}, deps...)...),
			Shared:    u.Kind != registry.KindExecutable,
			Cxx:       hasCxx(append([]*registry.Unit{u}, deps...)...),
		})}
		b.plan.Artifacts[u.Name] = out
	}
	return b.plan.Graph.Add(unitJob)
}

// addCore links a target's core executable with the target's static apps and every static
// library they need. The core's objects are shared by all targets of the architecture.
func (b *planBuilder) addCore(t *registry.Target) error {
	arch := b.plan.Arch
	core := b.unit(t.Core)

	members := []*registry.Unit{core}
	for _, name := range t.StaticApps {
		members = append(members, b.unit(name))
	}
	var linked []*registry.Unit
	for _, m := range members {
		for _, u := range append([]*registry.Unit{m}, b.codeDeps(m.Name)...) {
			if !slices.Contains(linked, u) {
				linked = append(linked, u)
			}
		}
	}

	deps := []string{UnitJobID(arch, core.Name)}
	for _, u := range linked {
		if b.isArchive(u) {
			deps = append(deps, UnitJobID(arch, u.Name))
		}
	}

	out := filepath.Join(b.archDir, "bin", "core-"+t.Name)
	b.plan.Cores[t.Name] = out
	return b.plan.Graph.Add(job.Job{
		ID:     CoreJobID(arch, t.Name),
		Deps:   deps,
		Arch:   arch,
		Target: t.Name,
		Unit:   core.Name,
		Cmds: []toolchain.Command{b.tools.Toolchain.Link(toolchain.LinkRequest{
			Output:    out,
			Objects:   b.plan.Objects[core.Name],
			Libraries: b.libraries(linked),
			Links:     systemLinks(linked...),
			Cxx:       hasCxx(linked...),
		})},
	})
}

// addTargetOutputs plans the tables of a target and one install action per deployable
// artifact of every unit in the target's closure. Static archives are linked, not installed.
func (b *planBuilder) addTargetOutputs(t *registry.Target) error {
	arch := b.plan.Arch
	compiler := &tables.Compiler{
		Locator:   b.opts.Locator,
		Toolchain: b.tools.Toolchain,
		Converter: b.tools.Converter,
	}

	for _, u := range b.plan.Closure(t) {
		switch {
		case u.Name == t.Core:
			if err := b.addInstall(t, u, b.plan.Cores[t.Name], CoreJobID(arch, t.Name)); err != nil {
				return err
			}
		case b.cores[u.Name] || !u.HasCode():
		case u.Kind == registry.KindExecutable || b.linkage(u) == registry.LinkDynamic:
			if err := b.addInstall(t, u, b.plan.Artifacts[u.Name], UnitJobID(arch, u.Name)); err != nil {
				return err
			}
		}

		for _, decl := range u.Tables {
			if decl.Name == "" {
				decl.Name = tables.TableName(decl.Source)
			}
			j, art := compiler.Job(tables.Request{
				Query: tables.Query{
					Target:  t.Name,
					Arch:    arch,
					Unit:    u.Name,
					UnitDir: u.Dir,
					Table:   decl,
				},
				Interface:  b.plan.Order.Interface(u.Name),
				Flags:      slices.Concat(b.opts.Cflags, u.Cflags),
				ScratchDir: tables.ScratchDir(b.archDir, t.Name, u.Name, decl.Name),
			})
			if err := b.plan.Graph.Add(j); err != nil {
				return err
			}
			b.plan.Tables = append(b.plan.Tables, art)
			if err := b.addInstall(t, u, art.Path, j.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *planBuilder) addInstall(t *registry.Target, u *registry.Unit, src, producer string) error {
	a := install.Action{
		Unit:   u.Name,
		Target: t.Name,
		Src:    src,
		Dst:    install.Path(b.opts.InstallRoot, t.Name, t.InstallSubdir, filepath.Base(src)),
	}
	b.plan.Installs = append(b.plan.Installs, a)
	return b.plan.Graph.Add(job.Job{
		ID:      job.ID(b.plan.Arch, "install", t.Name, u.Name, filepath.Base(src)),
		Deps:    []string{producer},
		Arch:    b.plan.Arch,
		Target:  t.Name,
		Unit:    u.Name,
		Install: &a,
	})
}
