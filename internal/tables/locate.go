// Package tables turns declared table sources into table binaries: it picks the source for a
// (target, table) pair from the mission override layers and plans the conversion steps.
package tables

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/qobs-build/arcbuild/internal/registry"
	"go.trai.ch/zerr"
)

// Query identifies the table whose source is looked up.
type Query struct {
	Target  string
	Arch    string
	Unit    string
	UnitDir string
	Table   registry.TableDecl
}

// Strategy proposes one candidate path for a query. An empty candidate means the strategy does
// not apply.
type Strategy struct {
	Name      string
	Candidate func(q Query) string
}

// Resolution is the source selected for a query.
type Resolution struct {
	Path     string
	Level    int // 1-based priority level of the strategy that matched
	Strategy string
}

// Locator selects table sources. Strategies are tried in order and the first candidate that
// exists wins.
type Locator struct {
	Strategies []Strategy
}

// NewLocator returns a locator with the mission override layers, highest priority first:
//
//  1. {defs}/tables/{target}_{table}.c
//  2. {source}/tables/{target}_{table}.c
//  3. {defs}/{arch}/tables/{table}.c
//  4. {defs}/tables/{table}.c
//  5. {source}/tables/{table}.c
//  6. the declared source, if absolute
//  7. the declared source relative to the unit directory
func NewLocator(defsDir, sourceDir string) *Locator {
	inDir := func(dir string, name func(q Query) string) func(q Query) string {
		return func(q Query) string {
			if dir == "" {
				return ""
			}
			return filepath.Join(dir, name(q))
		}
	}
	targetFile := func(q Query) string {
		return filepath.Join("tables", q.Target+"_"+q.Table.Name+".c")
	}
	defaultFile := func(q Query) string {
		return filepath.Join("tables", q.Table.Name+".c")
	}

	return &Locator{
		Strategies: []Strategy{
			{Name: "mission target override", Candidate: inDir(defsDir, targetFile)},
			{Name: "mission source target override", Candidate: inDir(sourceDir, targetFile)},
			{Name: "mission architecture override", Candidate: inDir(defsDir, func(q Query) string {
				return filepath.Join(q.Arch, "tables", q.Table.Name+".c")
			})},
			{Name: "mission default", Candidate: inDir(defsDir, defaultFile)},
			{Name: "mission source default", Candidate: inDir(sourceDir, defaultFile)},
			{Name: "absolute source", Candidate: func(q Query) string {
				if filepath.IsAbs(q.Table.Source) {
					return filepath.Clean(q.Table.Source)
				}
				return ""
			}},
			{Name: "unit source", Candidate: func(q Query) string {
				if q.Table.Source == "" || filepath.IsAbs(q.Table.Source) {
					return ""
				}
				return filepath.Join(q.UnitDir, q.Table.Source)
			}},
		},
	}
}

func fileExists(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && !stat.IsDir()
}

// Locate returns the first existing candidate, or ErrMissingTableSource listing every path tried.
func (l *Locator) Locate(q Query) (Resolution, error) {
	var tried []string
	for i, s := range l.Strategies {
		path := s.Candidate(q)
		if path == "" {
			continue
		}
		if fileExists(path) {
			return Resolution{Path: path, Level: i + 1, Strategy: s.Name}, nil
		}
		tried = append(tried, path)
	}

	err := zerr.Wrap(registry.ErrMissingTableSource,
		"no source for table "+q.Table.Name+" of unit "+q.Unit+" (tried "+strings.Join(tried, ", ")+")")
	err = zerr.With(err, "unit", q.Unit)
	err = zerr.With(err, "table", q.Table.Name)
	return Resolution{}, zerr.With(err, "target", q.Target)
}

// TableName derives a table name from its declared source (`fsw/tables/power.c` -> `power`).
func TableName(source string) string {
	base := filepath.Base(source)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
