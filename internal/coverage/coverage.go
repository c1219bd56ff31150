// Package coverage builds isolated coverage test runners: the code under test is compiled with
// coverage instrumentation and linked against stub libraries instead of its real dependencies.
package coverage

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"

	"github.com/qobs-build/arcbuild/internal/job"
	"github.com/qobs-build/arcbuild/internal/registry"
	"github.com/qobs-build/arcbuild/internal/toolchain"
	"go.trai.ch/zerr"
)

var (
	DefaultCflags  = []string{"--coverage", "-O0"}
	DefaultLdflags = []string{"--coverage"}
)

type Options struct {
	Arch     string
	BuildDir string // outputs go to {BuildDir}/{Arch}/coverage

	Toolchain toolchain.Toolchain
	// Cflags instrument the sources under test, Ldflags link every runner.
	Cflags  []string
	Ldflags []string

	// AssertSources and AssertIncludes make up the test assertion library every runner links.
	AssertSources  []string
	AssertIncludes []string
}

// StubLibraryName returns the name of a module's stub library.
func StubLibraryName(module string) string { return "coverage-" + module + "-stubs" }

// RunnerName returns the harness name of a coverage runner.
func RunnerName(module, unit string) string { return "coverage-" + module + "-" + unit }

// Orchestrator plans stub libraries and coverage runners into a job graph and registers the
// runners with a harness.
type Orchestrator struct {
	reg     *registry.Registry
	opts    Options
	dir     string
	graph   *job.Graph
	harness *Harness

	stubs     map[string]string // module -> stub archive
	assertLib string
}

func New(reg *registry.Registry, opts Options, harness *Harness) *Orchestrator {
	if opts.Cflags == nil {
		opts.Cflags = DefaultCflags
	}
	if opts.Ldflags == nil {
		opts.Ldflags = DefaultLdflags
	}
	return &Orchestrator{
		reg:     reg,
		opts:    opts,
		dir:     filepath.Join(opts.BuildDir, opts.Arch, "coverage"),
		graph:   job.NewGraph(),
		harness: harness,
		stubs:   make(map[string]string),
	}
}

func (o *Orchestrator) Graph() *job.Graph { return o.graph }

func (o *Orchestrator) stubJobID(module string) string {
	return job.ID(o.opts.Arch, "coverage", "stubs", module)
}

func (o *Orchestrator) assertJobID() string {
	return job.ID(o.opts.Arch, "coverage", "assert")
}

func (o *Orchestrator) runnerJobID(name string) string {
	return job.ID(o.opts.Arch, "coverage", "runner", name)
}

// objectPath places the object of src under dir, keeping its path relative to base when src
// lies inside base.
func objectPath(dir, base, src string) string {
	rel, err := filepath.Rel(base, src)
	if base == "" || err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(src)
	}
	return filepath.Join(dir, rel+".o")
}

func (o *Orchestrator) compileAll(idPrefix, objDir, base string, sources []string, iface registry.Interface, flags []string) ([]string, []string, error) {
	var objects, ids []string
	for _, src := range sources {
		obj := objectPath(objDir, base, src)
		rel, _ := filepath.Rel(objDir, obj)
		id := job.ID(idPrefix, filepath.ToSlash(rel))
		err := o.graph.Add(job.Job{
			ID:   id,
			Arch: o.opts.Arch,
			Cmds: []toolchain.Command{o.opts.Toolchain.Compile(toolchain.CompileRequest{
				Source:    src,
				Object:    obj,
				Interface: iface,
				Flags:     flags,
			})},
		})
		if err != nil {
			return nil, nil, err
		}
		objects = append(objects, obj)
		ids = append(ids, id)
	}
	return objects, ids, nil
}

func (o *Orchestrator) assertInterface() registry.Interface {
	return registry.Interface{IncludeDirs: slices.Clone(o.opts.AssertIncludes)}
}

// BuildStubLibrary plans the stub library of a module. The module does not have to be a
// registered unit; when it is, the stubs see its public interface. Planning the same module
// again returns the existing library.
func (o *Orchestrator) BuildStubLibrary(module string, stubSources []string) (string, error) {
	if lib, ok := o.stubs[module]; ok {
		return lib, nil
	}

	iface := o.assertInterface()
	base := ""
	if u, err := o.reg.Get(module); err == nil {
		iface = registry.Interface{}.Merge(u.Public).Merge(iface)
		base = u.Dir
	}

	id := o.stubJobID(module)
	objects, compileIDs, err := o.compileAll(id, filepath.Join(o.dir, "stubs", module), base, stubSources, iface, nil)
	if err != nil {
		return "", err
	}

	lib := filepath.Join(o.dir, "lib", "lib"+StubLibraryName(module)+".a")
	err = o.graph.Add(job.Job{
		ID:   id,
		Deps: compileIDs,
		Arch: o.opts.Arch,
		Unit: module,
		Cmds: []toolchain.Command{o.opts.Toolchain.Archive(lib, objects)},
	})
	if err != nil {
		return "", err
	}
	o.stubs[module] = lib
	return lib, nil
}

// buildAssertLibrary plans the fixed assertion library once.
func (o *Orchestrator) buildAssertLibrary() (string, error) {
	if o.assertLib != "" {
		return o.assertLib, nil
	}
	id := o.assertJobID()
	objects, compileIDs, err := o.compileAll(id, filepath.Join(o.dir, "assert"), "", o.opts.AssertSources, o.assertInterface(), nil)
	if err != nil {
		return "", err
	}
	lib := filepath.Join(o.dir, "lib", "libut_assert.a")
	err = o.graph.Add(job.Job{
		ID:   id,
		Deps: compileIDs,
		Arch: o.opts.Arch,
		Cmds: []toolchain.Command{o.opts.Toolchain.Archive(lib, objects)},
	})
	if err != nil {
		return "", err
	}
	o.assertLib = lib
	return lib, nil
}

// stubbedDeps returns every transitive dependency of module, nearest first. Dependencies that
// are registered units contribute their own dependencies; a dependency that is neither a unit
// nor a stub module fails with ErrMissingDependencyMetadata.
func (o *Orchestrator) stubbedDeps(module *registry.Unit) ([]string, error) {
	var deps []string
	seen := map[string]bool{module.Name: true}
	queue := []*registry.Unit{module}

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, dep := range u.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true

			_, hasStubs := o.reg.Stubs(dep)
			depUnit, err := o.reg.Get(dep)
			if !hasStubs {
				msg := "dependency " + dep + " of " + u.Name + " has no stub library"
				if err != nil {
					msg = "dependency " + dep + " of " + u.Name + " is neither a unit nor a stub module"
				}
				e := zerr.With(zerr.Wrap(registry.ErrMissingDependencyMetadata, msg), "unit", u.Name)
				e = zerr.With(e, "dependency", dep)
				return nil, zerr.With(e, "module", module.Name)
			}
			deps = append(deps, dep)
			if err == nil {
				queue = append(queue, depUnit)
			}
		}
	}
	return deps, nil
}

// LinkTest plans a coverage runner for one unit of a module. sourcesUnderTest are compiled with
// coverage flags and the optional overrides prepended to their include path; testSources are
// compiled without either. The runner links the stub library of every transitive dependency of
// the module in place of the real one, plus the assertion library, and is registered with the
// harness as coverage-{module}-{unit}.
func (o *Orchestrator) LinkTest(module, unit string, testSources, sourcesUnderTest []string, overrides ...string) (Test, error) {
	m, err := o.reg.Get(module)
	if err != nil {
		return Test{}, err
	}

	deps, err := o.stubbedDeps(m)
	if err != nil {
		return Test{}, err
	}

	name := RunnerName(module, unit)
	id := o.runnerJobID(name)
	linkDeps := []string{}
	var libraries []string
	for _, dep := range deps {
		sources, _ := o.reg.Stubs(dep)
		lib, err := o.BuildStubLibrary(dep, sources)
		if err != nil {
			return Test{}, err
		}
		libraries = append(libraries, lib)
		linkDeps = append(linkDeps, o.stubJobID(dep))
	}
	assertLib, err := o.buildAssertLibrary()
	if err != nil {
		return Test{}, err
	}
	libraries = append(libraries, assertLib)
	linkDeps = append(linkDeps, o.assertJobID())

	// the module sees its own headers and the public headers of its dependencies
	iface := registry.Interface{}.Merge(m.Private).Merge(m.Public)
	for _, dep := range deps {
		if u, err := o.reg.Get(dep); err == nil {
			iface = iface.Merge(u.Public)
		}
	}
	iface = iface.Merge(o.assertInterface())
	sutIface := registry.Interface{IncludeDirs: slices.Clone(overrides)}.Merge(iface)

	objDir := filepath.Join(o.dir, "obj", name)
	sutObjs, sutIDs, err := o.compileAll(job.ID(id, "sut"), filepath.Join(objDir, "sut"), m.Dir, sourcesUnderTest, sutIface, slices.Concat(m.Cflags, o.opts.Cflags))
	if err != nil {
		return Test{}, err
	}
	testObjs, testIDs, err := o.compileAll(job.ID(id, "test"), filepath.Join(objDir, "test"), m.Dir, testSources, iface, m.Cflags)
	if err != nil {
		return Test{}, err
	}

	out := filepath.Join(o.dir, "bin", name)
	err = o.graph.Add(job.Job{
		ID:   id,
		Deps: slices.Concat(sutIDs, testIDs, linkDeps),
		Arch: o.opts.Arch,
		Unit: module,
		Cmds: []toolchain.Command{o.opts.Toolchain.Link(toolchain.LinkRequest{
			Output:    out,
			Objects:   slices.Concat(sutObjs, testObjs),
			Libraries: libraries,
			Links:     m.Links,
			Flags:     o.opts.Ldflags,
			Cxx:       slices.ContainsFunc(slices.Concat(sourcesUnderTest, testSources), toolchain.IsCxx),
		})},
	})
	if err != nil {
		return Test{}, err
	}

	test := Test{Name: name, Module: module, Unit: unit, Path: out, JobID: id}
	if o.harness != nil {
		if err := o.harness.Register(test); err != nil {
			return Test{}, err
		}
	}
	return test, nil
}

// BuildAll plans every declared stub library and every coverage test declared by a unit. A
// runner that cannot be planned is left out; the others are still planned and registered, and
// the errors are returned joined along with the tests that were.
func (o *Orchestrator) BuildAll() ([]Test, error) {
	var errs []error
	for _, module := range o.reg.StubModules() {
		sources, _ := o.reg.Stubs(module)
		if _, err := o.BuildStubLibrary(module, sources); err != nil {
			errs = append(errs, err)
		}
	}

	var tests []Test
	for _, u := range o.reg.Units() {
		for _, decl := range u.Tests {
			test, err := o.LinkTest(u.Name, decl.Name, decl.Tests, decl.Sources, decl.Overrides...)
			if err != nil {
				errs = append(errs, zerr.With(err, "test", RunnerName(u.Name, decl.Name)))
				continue
			}
			tests = append(tests, test)
		}
	}
	return tests, errors.Join(errs...)
}
