// Package toolchain turns build requests into the command lines of an external compiler
// toolchain and runs them.
package toolchain

import (
	"maps"
	"slices"

	"github.com/qobs-build/arcbuild/internal/registry"
)

// Command is a single external tool invocation.
type Command struct {
	Desc    string // short label such as "CC src/app.c"
	Args    []string
	Dir     string
	Inputs  []string
	Outputs []string
	Depfile string // make-style list of the headers the command read, written by the command
}

// CompileRequest compiles one source file into one object file.
type CompileRequest struct {
	Source    string
	Object    string
	Interface registry.Interface
	Flags     []string
}

// LinkRequest links objects and archives into an executable or a loadable module.
type LinkRequest struct {
	Output    string
	Objects   []string
	Libraries []string // archive paths, dependents before their dependencies
	Links     []string // system libraries, passed as -l
	Flags     []string
	Shared    bool
	Cxx       bool
}

// Toolchain produces the commands of one architecture's compiler toolchain.
type Toolchain interface {
	Compile(req CompileRequest) Command
	Archive(output string, objects []string) Command
	Link(req LinkRequest) Command
	// Extract copies member out of archive into dir.
	Extract(archive, member, dir string) Command
}

// Converter produces the command that turns a compiled table object into a table binary.
type Converter interface {
	Convert(object, dir, expected string) Command
}

// InterfaceFlags renders include directories and definitions as compiler flags.
// Definitions are sorted so identical metadata always yields identical command lines.
func InterfaceFlags(i registry.Interface) []string {
	flags := make([]string, 0, len(i.IncludeDirs)+len(i.Defines))
	for _, dir := range i.IncludeDirs {
		flags = append(flags, "-I"+dir)
	}
	for _, name := range slices.Sorted(maps.Keys(i.Defines)) {
		if v := i.Defines[name]; v != "" {
			flags = append(flags, "-D"+name+"="+v)
		} else {
			flags = append(flags, "-D"+name)
		}
	}
	return flags
}
