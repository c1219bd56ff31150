package builder

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/qobs-build/arcbuild/internal/builder/gen"
	"github.com/qobs-build/arcbuild/internal/coverage"
	"github.com/qobs-build/arcbuild/internal/index"
	"github.com/qobs-build/arcbuild/internal/install"
	"github.com/qobs-build/arcbuild/internal/job"
	"github.com/qobs-build/arcbuild/internal/msg"
	"github.com/qobs-build/arcbuild/internal/planner"
	"github.com/qobs-build/arcbuild/internal/registry"
	"github.com/qobs-build/arcbuild/internal/tables"
	"github.com/qobs-build/arcbuild/internal/toolchain"
)

const (
	GeneratorNative = "native"
	GeneratorNinja  = "ninja"

	// DefaultConverter is the table conversion tool used when an [arch] section names none.
	DefaultConverter = "elf2cfetbl"
	// DefaultCoverageArch is the architecture coverage runners are built for by default.
	DefaultCoverageArch = "native"
)

// MissionFiles are the accepted mission file names, in lookup order.
var MissionFiles = []string{"Mission.toml", "Mission.yaml", "Mission.yml"}

var (
	errNoMissionFile = errors.New("no Mission.toml or Mission.yaml found")
	errNoCore        = errors.New("target has no core executable to run")
)

// Options select what a build does.
type Options struct {
	Generator string
	Arches    []string // empty builds every architecture
	Jobs      int
	Force     bool
}

type Builder struct {
	cfg      *Config
	basedir  string
	buildDir string
	profile  string
	env      ConfigEnv

	runner   toolchain.Runner
	newTools func(arch string, section ArchSection) planner.Tools

	reg *registry.Registry
}

// FindMissionFile returns the mission file in dir.
func FindMissionFile(dir string) (string, error) {
	for _, name := range MissionFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s: %w", dir, errNoMissionFile)
}

func NewBuilderInDirectory(path, profile string) (*Builder, error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	file, err := FindMissionFile(path)
	if err != nil {
		return nil, err
	}

	env := NewConfigEnv(path, profile)
	cfg, err := ParseConfigFromFile(file, env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(file), err)
	}
	if _, ok := cfg.Profile[profile]; !ok {
		return nil, fmt.Errorf("unknown profile %q, known profiles: %s", profile, strings.Join(cfg.Profiles(), ", "))
	}

	return &Builder{
		cfg:      cfg,
		basedir:  path,
		buildDir: filepath.Join(path, "build"),
		profile:  profile,
		env:      env,
		runner:   toolchain.ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr},
		newTools: gnuTools,
	}, nil
}

func (b *Builder) Config() *Config     { return b.cfg }
func (b *Builder) BuildDir() string    { return b.buildDir }
func (b *Builder) InstallRoot() string { return filepath.Join(b.buildDir, "exe") }

// SetRunner replaces the runner executing toolchain commands and coverage runners.
func (b *Builder) SetRunner(r toolchain.Runner) { b.runner = r }

func gnuTools(arch string, section ArchSection) planner.Tools {
	converter := section.Converter
	if converter == "" {
		converter = DefaultConverter
	}
	return planner.Tools{
		Toolchain: toolchain.NewGNU(section.Prefix, section.Cflags, section.Ldflags),
		Converter: toolchain.TableConverter{Tool: converter},
	}
}

func (b *Builder) tools(arch string) planner.Tools {
	section, ok := b.cfg.Arch[arch]
	if !ok {
		msg.Debug("no [arch.%s] section, using the host toolchain", arch)
	}
	return b.newTools(arch, section)
}

func (b *Builder) missionPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(b.basedir, p)
}

func (b *Builder) collectFiles(dir string, patterns []string, stripFilename bool) ([]string, error) {
	var files []string
	var stripmap map[string]struct{}
	if stripFilename {
		stripmap = map[string]struct{}{}
	}
	fsys := os.DirFS(dir)

	var globparams []doublestar.GlobOption
	if !stripFilename {
		globparams = append(globparams, doublestar.WithFilesOnly())
	}

	for _, pat := range patterns {
		if filepath.IsAbs(pat) {
			if stripFilename {
				stripmap[filepath.Clean(pat)] = struct{}{}
			} else {
				files = append(files, filepath.Clean(pat))
			}
			continue
		}
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(pat), globparams...)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			msg.Debug("pattern %q matched nothing in %s", pat, dir)
		}
		for _, match := range matches {
			absPath := filepath.Clean(filepath.Join(dir, filepath.FromSlash(match)))
			if stripFilename {
				if stat, err := os.Stat(absPath); err == nil && !stat.IsDir() {
					stripmap[filepath.Dir(absPath)] = struct{}{} // this is a file, we need directories
				} else {
					stripmap[absPath] = struct{}{}
				}
			} else {
				files = append(files, absPath)
			}
		}
	}

	if stripFilename {
		for dir := range stripmap {
			files = append(files, dir)
		}
		slices.Sort(files)
	}

	return files, nil
}

// Registry loads the mission into a registry: units are fetched if needed, their build scripts
// run and their patterns globbed. It is loaded once.
func (b *Builder) Registry() (*registry.Registry, error) {
	if b.reg != nil {
		return b.reg, nil
	}

	idx, err := index.ForMission(b.basedir)
	if err != nil {
		msg.Warn("failed to load %s: %v", index.IndexFilename, err)
		idx = nil
	}
	f := &fetcher{depsDir: filepath.Join(b.buildDir, "_deps"), baseDir: b.basedir, index: idx}

	reg := registry.New()
	for _, us := range b.cfg.Units {
		u, err := b.loadUnit(f, us)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(u); err != nil {
			return nil, err
		}
	}

	for _, unit := range slices.Sorted(maps.Keys(b.cfg.Dependencies)) {
		for _, dep := range b.cfg.Dependencies[unit] {
			if err := reg.DeclareDependency(unit, dep); err != nil {
				return nil, err
			}
		}
	}

	for _, stub := range b.cfg.Stubs {
		sources, err := b.collectFiles(b.basedir, stub.Sources, false)
		if err != nil {
			return nil, fmt.Errorf("failed to collect stubs for %s: %w", stub.Module, err)
		}
		if err := reg.DeclareStubs(stub.Module, sources); err != nil {
			return nil, err
		}
	}

	for _, ts := range b.cfg.Targets {
		err := reg.AddTarget(registry.Target{
			Name:          ts.Name,
			Arch:          ts.Arch,
			Core:          ts.Core,
			StaticApps:    ts.StaticApps,
			DynamicApps:   ts.Apps,
			InstallSubdir: ts.InstallSubdir,
		})
		if err != nil {
			return nil, err
		}
	}

	b.reg = reg
	return reg, nil
}

func isDir(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && stat.IsDir()
}

func (b *Builder) loadUnit(f *fetcher, us UnitSection) (registry.Unit, error) {
	dir := b.missionPath(us.Dir)
	if us.Dir == "" {
		dir = filepath.Join(b.basedir, us.Name)
	}
	if us.Fetch != "" && !isDir(dir) {
		fetched, err := f.fetch(us.Name, us.Fetch)
		if err != nil {
			return registry.Unit{}, err
		}
		dir = fetched
	}

	if err := us.RunBuildScript(b.env.In(dir)); err != nil {
		return registry.Unit{}, err
	}

	kind := registry.Kind(us.Kind)
	if kind == "" {
		kind = registry.KindLibrary
	}
	u := registry.Unit{
		Name:         us.Name,
		Kind:         kind,
		Dir:          dir,
		Dependencies: us.Depends,
		LinkType:     registry.LinkType(us.Link),
		Public:       registry.Interface{Defines: us.Defines},
		Private:      registry.Interface{Defines: us.PrivateDefines},
		Cflags:       us.Cflags,
		Links:        us.Links,
		Build:        us.Build,
	}

	var err error
	if u.Sources, err = b.collectFiles(dir, us.Sources, false); err != nil {
		return u, fmt.Errorf("failed to collect sources for %s: %w", us.Name, err)
	}
	if u.Public.IncludeDirs, err = b.collectFiles(dir, us.Headers, true); err != nil {
		return u, fmt.Errorf("failed to collect headers for %s: %w", us.Name, err)
	}
	if u.Private.IncludeDirs, err = b.collectFiles(dir, us.PrivateHeaders, true); err != nil {
		return u, fmt.Errorf("failed to collect private headers for %s: %w", us.Name, err)
	}

	for _, src := range us.Tables {
		u.Tables = append(u.Tables, registry.TableDecl{Name: tables.TableName(src), Source: src})
	}

	for _, ts := range us.Coverage {
		decl := registry.TestDecl{Name: ts.Name}
		if decl.Sources, err = b.collectFiles(dir, ts.Sources, false); err != nil {
			return u, err
		}
		if decl.Tests, err = b.collectFiles(dir, ts.Tests, false); err != nil {
			return u, err
		}
		if decl.Overrides, err = b.collectFiles(dir, ts.Overrides, true); err != nil {
			return u, err
		}
		u.Tests = append(u.Tests, decl)
	}
	return u, nil
}

func (b *Builder) makeCflags(profile string) ([]string, error) {
	if prof, ok := b.cfg.Profile[profile]; ok {
		var cflags []string
		optLevel := prof.optLevel()
		if optLevel != "" {
			cflags = append(cflags, "-O"+optLevel)
		}
		return append(cflags, prof.Cflags...), nil
	}
	return nil, fmt.Errorf("unknown profile %q, known profiles: %s", profile, strings.Join(b.cfg.Profiles(), ", "))
}

// Planner returns a planner over the mission registry.
func (b *Builder) Planner() (*planner.Planner, error) {
	reg, err := b.Registry()
	if err != nil {
		return nil, err
	}
	cflags, err := b.makeCflags(b.profile)
	if err != nil {
		return nil, err
	}
	return planner.New(reg, planner.Options{
		BuildDir:    b.buildDir,
		InstallRoot: b.InstallRoot(),
		Cflags:      cflags,
		Locator:     tables.NewLocator(b.missionPath(b.cfg.Mission.Defs), b.missionPath(b.cfg.Mission.Source)),
		Tools:       b.tools,
	}), nil
}

// Plan plans the requested architectures. A structural error aborts its architecture only; the
// plans of the others are returned together with the joined errors.
func (b *Builder) Plan(arches []string) ([]*planner.Plan, error) {
	p, err := b.Planner()
	if err != nil {
		return nil, err
	}
	return p.PlanAll(arches...)
}

func (b *Builder) createGenerator(opts Options) (gen.Generator, error) {
	switch opts.Generator {
	case GeneratorNinja:
		return &gen.NinjaGen{}, nil
	case GeneratorNative, "":
		g := gen.NewNativeBuilder(b.runner)
		if opts.Jobs > 0 {
			g.Jobs = opts.Jobs
		}
		g.Force = opts.Force
		return g, nil
	default:
		return nil, fmt.Errorf("unknown generator %q", opts.Generator)
	}
}

// generate hands a graph to the generator, writes the build file if there is one and invokes it.
func (b *Builder) generate(ctx context.Context, g gen.Generator, graph *job.Graph, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	out, genErr := g.Generate(graph)
	if out != "" {
		buildFile := filepath.Join(dir, g.BuildFile())
		if err := os.WriteFile(buildFile, []byte(out), 0644); err != nil {
			return err
		}
	}
	return errors.Join(genErr, g.Invoke(ctx, dir))
}

// Build plans the mission and builds every planned architecture in one graph. Failures of one
// architecture or artifact do not stop the others; everything is reported together.
func (b *Builder) Build(ctx context.Context, opts Options) error {
	plans, planErr := b.Plan(opts.Arches)
	if len(plans) == 0 {
		if planErr != nil {
			return planErr
		}
		msg.Warn("mission declares no targets, nothing to build")
		return nil
	}

	graph := job.NewGraph()
	for _, plan := range plans {
		if err := graph.Merge(plan.Graph); err != nil {
			return err
		}
		msg.Debug("%s: %d units, %d jobs", plan.Arch, len(plan.Order.Names()), plan.Graph.Len())
	}

	g, err := b.createGenerator(opts)
	if err != nil {
		return err
	}
	return errors.Join(planErr, b.generate(ctx, g, graph, b.buildDir))
}

// CoverageArch returns the architecture coverage runners are built for.
func (b *Builder) CoverageArch() string {
	if b.cfg.Coverage.Arch != "" {
		return b.cfg.Coverage.Arch
	}
	return DefaultCoverageArch
}

// Coverage plans the stub libraries, assertion library and coverage runners of every unit.
// Runners that could not be planned are reported in the error; the returned orchestrator still
// holds every runner that could.
func (b *Builder) Coverage(harness *coverage.Harness) (*coverage.Orchestrator, error) {
	reg, err := b.Registry()
	if err != nil {
		return nil, err
	}
	reg.Seal()

	assertSources, err := b.collectFiles(b.basedir, b.cfg.Coverage.AssertSources, false)
	if err != nil {
		return nil, err
	}
	assertIncludes, err := b.collectFiles(b.basedir, b.cfg.Coverage.AssertHeaders, true)
	if err != nil {
		return nil, err
	}

	arch := b.CoverageArch()
	orch := coverage.New(reg, coverage.Options{
		Arch:           arch,
		BuildDir:       b.buildDir,
		Toolchain:      b.tools(arch).Toolchain,
		AssertSources:  assertSources,
		AssertIncludes: assertIncludes,
	}, harness)
	_, err = orch.BuildAll()
	return orch, err
}

// Test builds the coverage runners and runs the named ones, or all of them. A runner that failed
// to build fails its test and a runner that could not be planned is not run; both kinds of error
// are returned along with the results.
func (b *Builder) Test(ctx context.Context, opts Options, names ...string) ([]coverage.Result, error) {
	harness := coverage.NewHarness()
	orch, planErr := b.Coverage(harness)
	if orch == nil {
		return nil, planErr
	}

	opts.Generator = GeneratorNative
	g, err := b.createGenerator(opts)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(b.buildDir, b.CoverageArch(), "coverage")
	buildErr := b.generate(ctx, g, orch.Graph(), dir)

	results, err := harness.Run(ctx, b.runner, opts.Jobs, names...)
	if err != nil {
		return nil, errors.Join(planErr, buildErr, err)
	}
	return results, errors.Join(planErr, buildErr)
}

// BuildAndRun builds the target's architecture and runs its installed core executable from the
// target's install directory, the way it would be started on the flight computer.
func (b *Builder) BuildAndRun(ctx context.Context, opts Options, target string, args []string) error {
	reg, err := b.Registry()
	if err != nil {
		return err
	}
	t, err := reg.Target(target)
	if err != nil {
		return err
	}
	if t.Core == "" {
		return fmt.Errorf("%s: %w", target, errNoCore)
	}

	opts.Arches = []string{t.Arch}
	if err := b.Build(ctx, opts); err != nil {
		return err
	}

	core := install.Path(b.InstallRoot(), t.Name, t.InstallSubdir, "core-"+t.Name)
	cmd := exec.CommandContext(ctx, core, args...)
	cmd.Dir = filepath.Dir(core)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
