package toolchain

import (
	"path/filepath"
	"slices"
)

// GNU is a GCC/Clang style toolchain, optionally prefixed for cross compilation.
type GNU struct {
	CC, CXX, AR string
	Cflags      []string
	Ldflags     []string
}

// NewGNU returns a GNU toolchain for the given prefix ("" for the host compiler).
func NewGNU(prefix string, cflags, ldflags []string) *GNU {
	return &GNU{
		CC:      findCompiler(prefix, false),
		CXX:     findCompiler(prefix, true),
		AR:      findArchiver(prefix),
		Cflags:  slices.Clone(cflags),
		Ldflags: slices.Clone(ldflags),
	}
}

func (g *GNU) Compile(req CompileRequest) Command {
	cc := g.CC
	if IsCxx(req.Source) {
		cc = g.CXX
	}

	args := []string{cc}
	args = append(args, g.Cflags...)
	args = append(args, req.Flags...)
	args = append(args, InterfaceFlags(req.Interface)...)
	depfile := req.Object + ".d"
	args = append(args, "-c", req.Source, "-o", req.Object, "-MMD", "-MF", depfile)

	return Command{
		Desc:    "CC " + req.Source,
		Args:    args,
		Inputs:  []string{req.Source},
		Outputs: []string{req.Object},
		Depfile: depfile,
	}
}

func (g *GNU) Archive(output string, objects []string) Command {
	args := []string{g.AR, "rcs", output}
	args = append(args, objects...)
	return Command{
		Desc:    "AR " + output,
		Args:    args,
		Inputs:  slices.Clone(objects),
		Outputs: []string{output},
	}
}

func (g *GNU) Link(req LinkRequest) Command {
	cc := g.CC
	if req.Cxx {
		cc = g.CXX
	}

	args := []string{cc}
	if req.Shared {
		args = append(args, "-shared")
	}
	args = append(args, "-o", req.Output)
	args = append(args, req.Objects...)
	args = append(args, req.Libraries...)
	for _, lib := range req.Links {
		args = append(args, "-l"+lib)
	}
	args = append(args, g.Ldflags...)
	args = append(args, req.Flags...)

	return Command{
		Desc:    "LINK " + req.Output,
		Args:    args,
		Inputs:  slices.Concat(req.Objects, req.Libraries),
		Outputs: []string{req.Output},
	}
}

func (g *GNU) Extract(archive, member, dir string) Command {
	return Command{
		Desc:    "AR x " + member,
		Args:    []string{g.AR, "x", archive, member},
		Dir:     dir,
		Inputs:  []string{archive},
		Outputs: []string{filepath.Join(dir, member)},
	}
}

// TableConverter runs an external table conversion tool such as elf2cfetbl.
// The tool names its output after a filename embedded in the object, so expected is only
// the path the caller assumes the tool writes.
type TableConverter struct {
	Tool string
}

func (c TableConverter) Convert(object, dir, expected string) Command {
	return Command{
		Desc:    "TBL " + filepath.Base(expected),
		Args:    []string{c.Tool, object},
		Dir:     dir,
		Inputs:  []string{object},
		Outputs: []string{expected},
	}
}
