package gen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/qobs-build/arcbuild/internal/install"
	"github.com/qobs-build/arcbuild/internal/job"
	"github.com/qobs-build/arcbuild/internal/msg"
	"github.com/qobs-build/arcbuild/internal/toolchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zerr"
)

// fakeRunner writes every output of a command, failing commands whose tool is "fail". A
// command's depfile lists its inputs and headers.
type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	headers []string
}

func (r *fakeRunner) Run(_ context.Context, cmd toolchain.Command) error {
	r.mu.Lock()
	r.ran = append(r.ran, cmd.Desc)
	r.mu.Unlock()
	if cmd.Args[0] == "fail" {
		return errors.New("exit status 1")
	}
	if err := toolchain.PrepareDirs(cmd); err != nil {
		return err
	}
	for _, out := range cmd.Outputs {
		if err := os.WriteFile(out, []byte(strings.Join(cmd.Args, " ")), 0644); err != nil {
			return err
		}
	}
	if cmd.Depfile != "" {
		deps := strings.Join(append(slices.Clone(cmd.Inputs), r.headers...), " \\\n  ")
		if err := os.WriteFile(cmd.Depfile, []byte(cmd.Outputs[0]+": "+deps+"\n"), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func quiet(t *testing.T) {
	t.Helper()
	color.NoColor = true
	var sb strings.Builder
	msg.SetOutput(&sb)
	t.Cleanup(func() { msg.SetOutput(nil) })
}

func cmd(tool, desc string, inputs []string, outputs ...string) toolchain.Command {
	return toolchain.Command{Desc: desc, Args: []string{tool, desc}, Inputs: inputs, Outputs: outputs}
}

// testGraph builds:
//
//	src.c -> osal.o -> libosal.a -> core-cpu1 -> install
//	                             \-> sch.so (fails when failSch)
//	                                  \-> install sch.so
func testGraph(t *testing.T, dir string, failSch bool) *job.Graph {
	t.Helper()
	src := filepath.Join(dir, "src", "osal.c")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0755))
	require.NoError(t, os.WriteFile(src, []byte("int x;"), 0644))

	build := filepath.Join(dir, "build")
	obj := filepath.Join(build, "obj", "osal.o")
	lib := filepath.Join(build, "lib", "libosal.a")
	core := filepath.Join(build, "bin", "core-cpu1")
	sch := filepath.Join(build, "lib", "sch.so")
	schTool := "cc"
	if failSch {
		schTool = "fail"
	}

	g := job.NewGraph()
	require.NoError(t, g.Add(
		job.Job{ID: "native/obj/osal", Arch: "native", Unit: "osal",
			Cmds: []toolchain.Command{cmd("cc", "CC osal.c", []string{src}, obj)}},
		job.Job{ID: "native/unit/osal", Arch: "native", Unit: "osal", Deps: []string{"native/obj/osal"},
			Cmds: []toolchain.Command{cmd("ar", "AR libosal.a", []string{obj}, lib)}},
		job.Job{ID: "native/core/cpu1", Arch: "native", Target: "cpu1", Deps: []string{"native/unit/osal"},
			Cmds: []toolchain.Command{cmd("cc", "LINK core-cpu1", []string{lib}, core)}},
		job.Job{ID: "native/unit/sch", Arch: "native", Unit: "sch", Deps: []string{"native/unit/osal"},
			Cmds: []toolchain.Command{cmd(schTool, "LINK sch.so", []string{lib}, sch)}},
		job.Job{ID: "native/install/cpu1/core", Arch: "native", Target: "cpu1", Deps: []string{"native/core/cpu1"},
			Install: &install.Action{Target: "cpu1", Src: core, Dst: filepath.Join(dir, "exe", "cpu1", "core-cpu1")}},
		job.Job{ID: "native/install/cpu1/sch", Arch: "native", Target: "cpu1", Unit: "sch", Deps: []string{"native/unit/sch"},
			Install: &install.Action{Unit: "sch", Target: "cpu1", Src: sch, Dst: filepath.Join(dir, "exe", "cpu1", "cf", "sch.so")}},
	))
	return g
}

func TestNativeBuilder_BuildsGraph(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	runner := &fakeRunner{}
	b := NewNativeBuilder(runner)
	b.Jobs = 4

	_, err := b.Generate(testGraph(t, dir, false))
	require.NoError(t, err)
	require.NoError(t, b.Invoke(context.Background(), filepath.Join(dir, "build")))

	assert.ElementsMatch(t, []string{"CC osal.c", "AR libosal.a", "LINK core-cpu1", "LINK sch.so"}, runner.commands())
	assert.FileExists(t, filepath.Join(dir, "exe", "cpu1", "core-cpu1"))
	assert.FileExists(t, filepath.Join(dir, "exe", "cpu1", "cf", "sch.so"))
	assert.FileExists(t, filepath.Join(dir, "build", b.BuildFile()))
	assert.Equal(t, Stats{Ran: 6}, b.Stats())
}

func TestNativeBuilder_FailureSkipsOnlyDependents(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	runner := &fakeRunner{}
	b := NewNativeBuilder(runner)

	_, err := b.Generate(testGraph(t, dir, true))
	require.NoError(t, err)
	err = b.Invoke(context.Background(), filepath.Join(dir, "build"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "native/unit/sch")

	var zErr *zerr.Error
	require.ErrorAs(t, err, &zErr)
	assert.Equal(t, "sch", msgField(t, zErr, "unit"))

	// the core of the same target is still linked and installed
	assert.FileExists(t, filepath.Join(dir, "exe", "cpu1", "core-cpu1"))
	assert.NoFileExists(t, filepath.Join(dir, "exe", "cpu1", "cf", "sch.so"))

	s := b.Stats()
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Skipped)
}

func msgField(t *testing.T, err error, key string) string {
	t.Helper()
	for _, f := range strings.Fields(msg.Fields(err)) {
		if v, ok := strings.CutPrefix(f, key+"="); ok {
			return v
		}
	}
	return ""
}

func TestNativeBuilder_Incremental(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	buildDir := filepath.Join(dir, "build")
	g := testGraph(t, dir, false)

	first := NewNativeBuilder(&fakeRunner{})
	_, err := first.Generate(g)
	require.NoError(t, err)
	require.NoError(t, first.Invoke(context.Background(), buildDir))

	runner := &fakeRunner{}
	second := NewNativeBuilder(runner)
	_, err = second.Generate(g)
	require.NoError(t, err)
	require.NoError(t, second.Invoke(context.Background(), buildDir))
	assert.Empty(t, runner.commands())
	assert.Equal(t, 6, second.Stats().UpToDate)

	// a changed source is recompiled
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "osal.c"), []byte("int y;"), 0644))
	runner = &fakeRunner{}
	third := NewNativeBuilder(runner)
	_, err = third.Generate(g)
	require.NoError(t, err)
	require.NoError(t, third.Invoke(context.Background(), buildDir))
	assert.Contains(t, runner.commands(), "CC osal.c")

	runner = &fakeRunner{}
	forced := NewNativeBuilder(runner)
	forced.Force = true
	_, err = forced.Generate(g)
	require.NoError(t, err)
	require.NoError(t, forced.Invoke(context.Background(), buildDir))
	assert.Len(t, runner.commands(), 4)
}

func TestNativeBuilder_PlannedFailure(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	tbl := filepath.Join(dir, "sch_def_msgtbl.tbl")
	missing := errors.New("table source not found")

	g := job.NewGraph()
	require.NoError(t, g.Add(
		job.Job{ID: "native/table/cpu1/sch/sch_def_msgtbl", Arch: "native", Err: missing},
		job.Job{ID: "native/install/cpu1/sch/sch_def_msgtbl.tbl", Deps: []string{"native/table/cpu1/sch/sch_def_msgtbl"},
			Install: &install.Action{Src: tbl, Dst: filepath.Join(dir, "exe", "sch_def_msgtbl.tbl")}},
		job.Job{ID: "native/obj/other", Arch: "native",
			Cmds: []toolchain.Command{cmd("cc", "CC other.c", nil, filepath.Join(dir, "other.o"))}},
	))

	runner := &fakeRunner{}
	b := NewNativeBuilder(runner)
	_, err := b.Generate(g)
	require.NoError(t, err)
	err = b.Invoke(context.Background(), filepath.Join(dir, "build"))
	require.ErrorIs(t, err, missing)
	assert.Equal(t, []string{"CC other.c"}, runner.commands())
	assert.Equal(t, 1, b.Stats().Skipped)
}

func TestNativeBuilder_UnknownDependency(t *testing.T) {
	g := job.NewGraph()
	require.NoError(t, g.Add(job.Job{ID: "a", Deps: []string{"missing"}}))
	_, err := NewNativeBuilder(&fakeRunner{}).Generate(g)
	require.Error(t, err)
}

func TestNativeBuilder_HeaderChangeRecompiles(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	buildDir := filepath.Join(dir, "build")
	src := filepath.Join(dir, "sch.c")
	hdr := filepath.Join(dir, "inc", "sch.h")
	require.NoError(t, os.MkdirAll(filepath.Dir(hdr), 0755))
	require.NoError(t, os.WriteFile(src, []byte("#include \"sch.h\""), 0644))
	require.NoError(t, os.WriteFile(hdr, []byte("#define SCH_RATE 1"), 0644))

	obj := filepath.Join(buildDir, "obj", "sch.c.o")
	lib := filepath.Join(buildDir, "lib", "libsch.a")
	compile := cmd("cc", "CC sch.c", []string{src}, obj)
	compile.Depfile = obj + ".d"
	g := job.NewGraph()
	require.NoError(t, g.Add(
		job.Job{ID: "native/obj/sch/sch.c.o", Arch: "native", Cmds: []toolchain.Command{compile}},
		job.Job{ID: "native/unit/sch", Arch: "native", Deps: []string{"native/obj/sch/sch.c.o"},
			Cmds: []toolchain.Command{cmd("ar", "AR libsch.a", []string{obj}, lib)}},
	))

	build := func() (*NativeBuilder, *fakeRunner) {
		runner := &fakeRunner{headers: []string{hdr}}
		b := NewNativeBuilder(runner)
		_, err := b.Generate(g)
		require.NoError(t, err)
		require.NoError(t, b.Invoke(context.Background(), buildDir))
		return b, runner
	}

	first, _ := build()
	assert.Equal(t, 2, first.Stats().Ran)

	second, runner := build()
	assert.Empty(t, runner.commands(), "the depfile written by the first build is part of the saved state")
	assert.Equal(t, 2, second.Stats().UpToDate)

	require.NoError(t, os.WriteFile(hdr, []byte("#define SCH_RATE 5"), 0644))
	_, runner = build()
	assert.Equal(t, []string{"CC sch.c"}, runner.commands(), "the object is unchanged so the archive is up to date")

	require.NoError(t, os.Remove(compile.Depfile))
	_, runner = build()
	assert.Equal(t, []string{"CC sch.c"}, runner.commands())
}

func TestNinjaGen_Generate(t *testing.T) {
	dir := "/work"
	g := job.NewGraph()
	require.NoError(t, g.Add(
		job.Job{ID: "arm/obj/sch/sch.c.o", Cmds: []toolchain.Command{{
			Desc: "CC sch.c", Args: []string{"arm-gcc", "-DNAME=\"sch app\"", "-c", "sch.c", "-o", dir + "/sch.o"},
			Inputs: []string{"sch.c"}, Outputs: []string{dir + "/sch.o"}, Depfile: dir + "/sch.o.d",
		}}},
		job.Job{ID: "arm/unit/sch", Deps: []string{"arm/obj/sch/sch.c.o"}, Cmds: []toolchain.Command{{
			Desc: "AR libsch.a", Args: []string{"ar", "rcs", dir + "/libsch.a", dir + "/sch.o"},
			Inputs: []string{dir + "/sch.o"}, Outputs: []string{dir + "/libsch.a"},
		}}},
		job.Job{ID: "arm/table/cpu1/sch/tbl", Deps: []string{"arm/unit/sch"}, Cmds: []toolchain.Command{{
			Desc: "TBL tbl", Args: []string{"elf2cfetbl", "tbl.o"}, Dir: dir + "/my tables",
			Inputs: []string{dir + "/my tables/tbl.o"}, Outputs: []string{dir + "/my tables/tbl.tbl"},
		}}},
		job.Job{ID: "arm/install/cpu1/sch/tbl.tbl", Deps: []string{"arm/table/cpu1/sch/tbl"},
			Install: &install.Action{Src: dir + "/my tables/tbl.tbl", Dst: "/exe/cpu1/cf/tbl.tbl"}},
	))

	out, err := (&NinjaGen{}).Generate(g)
	require.NoError(t, err)

	assert.Contains(t, out, "rule run\n  command = $cmd\n")
	assert.Contains(t, out, "rule cc\n  command = $cmd\n  description = $desc\n  depfile = $depfile\n  deps = gcc\n")
	assert.Contains(t, out, "build /work/sch.o: cc sch.c\n")
	assert.Contains(t, out, "  depfile = /work/sch.o.d\n")
	assert.Contains(t, out, `  cmd = arm-gcc '-DNAME="sch app"' -c sch.c -o /work/sch.o`)
	assert.Contains(t, out, "build /work/libsch.a: run /work/sch.o || /work/sch.o\n")
	assert.Contains(t, out, "build /work/my$ tables/tbl.tbl: run /work/my$ tables/tbl.o || /work/libsch.a\n")
	assert.Contains(t, out, "  cmd = cd '/work/my tables' && elf2cfetbl tbl.o\n")
	assert.Contains(t, out, "build /exe/cpu1/cf/tbl.tbl: install /work/my$ tables/tbl.tbl\n")
	assert.Contains(t, out, "default /work/sch.o /work/libsch.a")
}

func TestNinjaGen_SkipsFailedJobs(t *testing.T) {
	missing := errors.New("table source not found")
	g := job.NewGraph()
	require.NoError(t, g.Add(
		job.Job{ID: "t", Err: missing},
		job.Job{ID: "i", Deps: []string{"t"}, Install: &install.Action{Src: "/b/t.tbl", Dst: "/exe/t.tbl"}},
		job.Job{ID: "o", Cmds: []toolchain.Command{{Desc: "CC", Args: []string{"cc"}, Outputs: []string{"/b/o.o"}}}},
	))

	out, err := (&NinjaGen{}).Generate(g)
	require.ErrorIs(t, err, missing)
	assert.NotContains(t, out, "/exe/t.tbl")
	assert.Contains(t, out, "build /b/o.o: run\n")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "plain", shellQuote("plain"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "'-DX=1'", shellQuote("-DX=1"))
}
