package tables

import (
	"path/filepath"

	"github.com/qobs-build/arcbuild/internal/job"
	"github.com/qobs-build/arcbuild/internal/registry"
	"github.com/qobs-build/arcbuild/internal/toolchain"
)

// Artifact is the table binary produced for one (target, unit, table) and the source it is
// built from. Source is empty when no source could be located.
type Artifact struct {
	Target string
	Unit   string
	Table  string
	Path   string

	Source   string
	Level    int
	Strategy string
}

// Request asks for the table binary of one (target, unit, table).
type Request struct {
	Query
	Interface  registry.Interface // the owning unit's compile metadata
	Flags      []string
	ScratchDir string
}

// Compiler plans table builds.
type Compiler struct {
	Locator   *Locator
	Toolchain toolchain.Toolchain
	Converter toolchain.Converter
}

// ScratchDir returns the per-(target, unit, table) working directory under the arch build dir.
func ScratchDir(archDir, target, unit, table string) string {
	return filepath.Join(archDir, "tables", target, unit, table)
}

// JobID returns the id of the job building a table.
func JobID(arch, target, unit, table string) string {
	return job.ID(arch, "table", target, unit, table)
}

// Job plans the build of one table binary. The source is compiled with the owning unit's
// metadata, archived, extracted back out of the archive and handed to the converter.
//
// The converter names its output after a filename embedded in the table source. The artifact
// path assumes `{table}.tbl`; a source declaring another name leaves that path unproduced and
// nothing here detects it.
//
// When no source can be located the returned job carries the error, so only the table's own
// install fails.
func (c *Compiler) Job(req Request) (job.Job, Artifact) {
	name := req.Table.Name
	art := Artifact{
		Target: req.Target,
		Unit:   req.Unit,
		Table:  name,
		Path:   filepath.Join(req.ScratchDir, name+".tbl"),
	}
	j := job.Job{
		ID:     JobID(req.Arch, req.Target, req.Unit, name),
		Arch:   req.Arch,
		Target: req.Target,
		Unit:   req.Unit,
	}

	res, err := c.Locator.Locate(req.Query)
	if err != nil {
		j.Err = err
		return j, art
	}
	art.Source, art.Level, art.Strategy = res.Path, res.Level, res.Strategy

	member := name + ".o"
	object := filepath.Join(req.ScratchDir, "obj", member)
	archive := filepath.Join(req.ScratchDir, "lib"+name+".a")

	j.Cmds = []toolchain.Command{
		c.Toolchain.Compile(toolchain.CompileRequest{
			Source:    res.Path,
			Object:    object,
			Interface: req.Interface,
			Flags:     req.Flags,
		}),
		c.Toolchain.Archive(archive, []string{object}),
		c.Toolchain.Extract(archive, member, req.ScratchDir),
		c.Converter.Convert(filepath.Join(req.ScratchDir, member), req.ScratchDir, art.Path),
	}
	return j, art
}
