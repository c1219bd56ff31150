// Package registry holds the declared build units and targets of a mission.
package registry

import (
	"maps"
	"slices"
)

// Kind is the kind of artifact a unit produces.
type Kind string

const (
	KindLibrary    Kind = "library"
	KindExecutable Kind = "executable"
	KindModule     Kind = "module"
	KindTable      Kind = "table"
)

func (k Kind) valid() bool {
	switch k {
	case KindLibrary, KindExecutable, KindModule, KindTable:
		return true
	}
	return false
}

// LinkType decides whether a unit is linked into its consumers or loaded at runtime.
type LinkType string

const (
	LinkStatic  LinkType = "static"
	LinkDynamic LinkType = "dynamic"
)

// Interface is a set of include directories and preprocessor definitions.
type Interface struct {
	IncludeDirs []string
	Defines     map[string]string
}

// Merge returns i extended with the entries of other. Include directories keep their first
// position and definitions already present in i are not overridden.
func (i Interface) Merge(other Interface) Interface {
	out := Interface{
		IncludeDirs: slices.Clone(i.IncludeDirs),
		Defines:     maps.Clone(i.Defines),
	}
	for _, dir := range other.IncludeDirs {
		if !slices.Contains(out.IncludeDirs, dir) {
			out.IncludeDirs = append(out.IncludeDirs, dir)
		}
	}
	for name, value := range other.Defines {
		if out.Defines == nil {
			out.Defines = make(map[string]string)
		}
		if _, ok := out.Defines[name]; !ok {
			out.Defines[name] = value
		}
	}
	return out
}

// IsEmpty reports whether the interface carries no metadata.
func (i Interface) IsEmpty() bool {
	return len(i.IncludeDirs) == 0 && len(i.Defines) == 0
}

// TableDecl is a data table declared by a unit.
type TableDecl struct {
	Name   string // table name, the source basename without extension
	Source string // declared source path, absolute or relative to the unit directory
}

// TestDecl is a coverage test declared by a unit.
type TestDecl struct {
	Name      string
	Sources   []string // sources under test
	Tests     []string // test case sources
	Overrides []string // include dirs injected for the sources under test only
}

// Unit is a buildable thing. It is immutable once registered.
type Unit struct {
	Name         string
	Kind         Kind
	Dir          string
	Sources      []string
	Dependencies []string
	LinkType     LinkType

	// Public is propagated to every dependent unit, Private is not.
	Public  Interface
	Private Interface

	Cflags []string
	Links  []string
	Tables []TableDecl
	Tests  []TestDecl

	// Build is an optional pre-build expression.
	Build string
}

// ArtifactName returns the file name of the unit's primary artifact for the given linkage
// (e.g. `libbus.a`, `telemetry.so` or `core`). Table units have no artifact.
func (u *Unit) ArtifactName(link LinkType) string {
	switch u.Kind {
	case KindTable:
		return ""
	case KindExecutable:
		return u.Name
	}
	if link == LinkDynamic {
		if u.Kind == KindModule {
			return u.Name + ".so"
		}
		return "lib" + u.Name + ".so"
	}
	return "lib" + u.Name + ".a"
}

// HasCode reports whether the unit compiles any sources.
func (u *Unit) HasCode() bool {
	return u.Kind != KindTable && len(u.Sources) > 0
}

func (u Unit) clone() *Unit {
	c := u
	c.Sources = slices.Clone(u.Sources)
	c.Dependencies = dedupe(u.Dependencies)
	c.Public = Interface{}.Merge(u.Public)
	c.Private = Interface{}.Merge(u.Private)
	c.Cflags = slices.Clone(u.Cflags)
	c.Links = slices.Clone(u.Links)
	c.Tables = slices.Clone(u.Tables)
	c.Tests = slices.Clone(u.Tests)
	if c.LinkType == "" {
		c.LinkType = LinkStatic
	}
	return &c
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}
