package tables_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/qobs-build/arcbuild/internal/registry"
	"github.com/qobs-build/arcbuild/internal/tables"
	"github.com/qobs-build/arcbuild/internal/toolchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zerr"
)

type layout struct {
	root, defs, source, unitDir string
}

func newLayout(t *testing.T) layout {
	t.Helper()
	root := t.TempDir()
	return layout{
		root:    root,
		defs:    filepath.Join(root, "sample_defs"),
		source:  filepath.Join(root, "mission"),
		unitDir: filepath.Join(root, "apps", "eps"),
	}
}

func touch(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("/* table */\n"), 0644))
	return path
}

func (l layout) query() tables.Query {
	return tables.Query{
		Target:  "target1",
		Arch:    "arm",
		Unit:    "eps",
		UnitDir: l.unitDir,
		Table:   registry.TableDecl{Name: "power", Source: "fsw/tables/power.c"},
	}
}

func TestLocate_Levels(t *testing.T) {
	tests := []struct {
		name  string
		file  func(l layout) string
		level int
	}{
		{"mission target override", func(l layout) string { return filepath.Join(l.defs, "tables", "target1_power.c") }, 1},
		{"mission source target override", func(l layout) string { return filepath.Join(l.source, "tables", "target1_power.c") }, 2},
		{"mission architecture override", func(l layout) string { return filepath.Join(l.defs, "arm", "tables", "power.c") }, 3},
		{"mission default", func(l layout) string { return filepath.Join(l.defs, "tables", "power.c") }, 4},
		{"mission source default", func(l layout) string { return filepath.Join(l.source, "tables", "power.c") }, 5},
		{"unit source", func(l layout) string { return filepath.Join(l.unitDir, "fsw", "tables", "power.c") }, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLayout(t)
			want := touch(t, tt.file(l))

			res, err := tables.NewLocator(l.defs, l.source).Locate(l.query())
			require.NoError(t, err)
			assert.Equal(t, want, res.Path)
			assert.Equal(t, tt.level, res.Level)
			assert.Equal(t, tt.name, res.Strategy)
		})
	}
}

func TestLocate_AbsoluteSource(t *testing.T) {
	l := newLayout(t)
	abs := touch(t, filepath.Join(l.root, "elsewhere", "power.c"))
	touch(t, filepath.Join(l.unitDir, "fsw", "tables", "power.c"))

	q := l.query()
	q.Table.Source = abs
	res, err := tables.NewLocator(l.defs, l.source).Locate(q)
	require.NoError(t, err)
	assert.Equal(t, abs, res.Path)
	assert.Equal(t, 6, res.Level)
}

func TestLocate_FirstMatchWins(t *testing.T) {
	l := newLayout(t)
	override := touch(t, filepath.Join(l.defs, "tables", "target1_power.c"))
	touch(t, filepath.Join(l.defs, "tables", "power.c"))
	touch(t, filepath.Join(l.unitDir, "fsw", "tables", "power.c"))

	res, err := tables.NewLocator(l.defs, l.source).Locate(l.query())
	require.NoError(t, err)
	assert.Equal(t, override, res.Path)
	assert.Equal(t, 1, res.Level)

	// another target sharing the mission defaults does not see target1's override
	q := l.query()
	q.Target = "target2"
	res, err = tables.NewLocator(l.defs, l.source).Locate(q)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Level)
}

func TestLocate_Missing(t *testing.T) {
	l := newLayout(t)
	// a directory where a file is expected does not count
	require.NoError(t, os.MkdirAll(filepath.Join(l.defs, "tables", "power.c"), 0755))

	_, err := tables.NewLocator(l.defs, l.source).Locate(l.query())
	require.ErrorIs(t, err, registry.ErrMissingTableSource)
	assert.Contains(t, err.Error(), "power")
	assert.Contains(t, err.Error(), "eps")

	var zerrErr *zerr.Error
	require.ErrorAs(t, err, &zerrErr)
	assert.Equal(t, "eps", zerrErr.Metadata()["unit"])
	assert.Equal(t, "power", zerrErr.Metadata()["table"])
}

func TestLocate_EmptyMissionDirs(t *testing.T) {
	l := newLayout(t)
	want := touch(t, filepath.Join(l.unitDir, "fsw", "tables", "power.c"))

	res, err := tables.NewLocator("", "").Locate(l.query())
	require.NoError(t, err)
	assert.Equal(t, want, res.Path)
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "power", tables.TableName("fsw/tables/power.c"))
	assert.Equal(t, "sch_def_msgtbl", tables.TableName("/abs/sch_def_msgtbl.c"))
}

func newCompiler(l layout) *tables.Compiler {
	return &tables.Compiler{
		Locator:   tables.NewLocator(l.defs, l.source),
		Toolchain: &toolchain.GNU{CC: "gcc", CXX: "g++", AR: "ar"},
		Converter: toolchain.TableConverter{Tool: "elf2cfetbl"},
	}
}

func TestCompilerJob(t *testing.T) {
	l := newLayout(t)
	src := touch(t, filepath.Join(l.defs, "tables", "target1_power.c"))
	scratch := tables.ScratchDir(filepath.Join(l.root, "build", "arm"), "target1", "eps", "power")

	j, art := newCompiler(l).Job(tables.Request{
		Query:      l.query(),
		Interface:  registry.Interface{IncludeDirs: []string{"/inc/eps"}, Defines: map[string]string{"EPS": "1"}},
		ScratchDir: scratch,
	})
	require.NoError(t, j.Err)
	assert.Equal(t, tables.JobID("arm", "target1", "eps", "power"), j.ID)
	assert.Equal(t, "target1", j.Target)

	require.Len(t, j.Cmds, 4)
	object := filepath.Join(scratch, "obj", "power.o")
	archive := filepath.Join(scratch, "libpower.a")
	assert.Equal(t, []string{"gcc", "-I/inc/eps", "-DEPS=1", "-c", src, "-o", object, "-MMD", "-MF", object + ".d"}, j.Cmds[0].Args)
	assert.Equal(t, []string{"ar", "rcs", archive, object}, j.Cmds[1].Args)
	assert.Equal(t, []string{"ar", "x", archive, "power.o"}, j.Cmds[2].Args)
	assert.Equal(t, []string{"elf2cfetbl", filepath.Join(scratch, "power.o")}, j.Cmds[3].Args)

	assert.Equal(t, tables.Artifact{
		Target:   "target1",
		Unit:     "eps",
		Table:    "power",
		Path:     filepath.Join(scratch, "power.tbl"),
		Source:   src,
		Level:    1,
		Strategy: "mission target override",
	}, art)
}

func TestCompilerJob_MissingSourceIsPerJob(t *testing.T) {
	l := newLayout(t)
	c := newCompiler(l)
	touch(t, filepath.Join(l.unitDir, "fsw", "tables", "power.c"))

	missing := l.query()
	missing.Table = registry.TableDecl{Name: "health", Source: "fsw/tables/health.c"}

	bad, badArt := c.Job(tables.Request{Query: missing, ScratchDir: t.TempDir()})
	good, goodArt := c.Job(tables.Request{Query: l.query(), ScratchDir: t.TempDir()})

	require.ErrorIs(t, bad.Err, registry.ErrMissingTableSource)
	assert.Empty(t, bad.Cmds)
	assert.Empty(t, badArt.Source)
	assert.Equal(t, 7, goodArt.Level)
	assert.Equal(t, "unit source", goodArt.Strategy)
	require.NoError(t, good.Err)
	assert.Len(t, good.Cmds, 4)
}

// The converter names its output from the table source, not from the declared table name. The
// artifact path is the assumed `{table}.tbl` even when the source is a differently named file.
func TestCompilerJob_OutputNameNotValidated(t *testing.T) {
	l := newLayout(t)
	abs := touch(t, filepath.Join(l.root, "shared", "eps_power_v2.c"))

	q := l.query()
	q.Table = registry.TableDecl{Name: "power", Source: abs}
	scratch := t.TempDir()
	j, art := newCompiler(l).Job(tables.Request{Query: q, ScratchDir: scratch})

	require.NoError(t, j.Err)
	assert.Equal(t, filepath.Join(scratch, "power.tbl"), art.Path)
	assert.Equal(t, []string{art.Path}, j.Cmds[3].Outputs)
}
