// Package job describes the build graph handed to a generator: nodes carrying the external
// commands or install copies of one build action, and the edges between them.
package job

import (
	"fmt"
	"slices"
	"strings"

	"github.com/qobs-build/arcbuild/internal/install"
	"github.com/qobs-build/arcbuild/internal/toolchain"
)

// Job is one node of the build graph. Its commands run in sequence once every job in Deps
// has succeeded.
type Job struct {
	ID   string
	Deps []string

	Arch   string
	Target string // empty for jobs shared by every target of the architecture
	Unit   string

	Cmds    []toolchain.Command
	Install *install.Action

	// Err marks a job that failed while being planned (e.g. a missing table source). It fails
	// when executed without running anything, so only its dependents are skipped.
	Err error
}

// ID joins the parts of a job id.
func ID(parts ...string) string {
	return strings.Join(parts, "/")
}

// Outputs returns the files the job produces.
func (j *Job) Outputs() []string {
	var outs []string
	for _, cmd := range j.Cmds {
		outs = append(outs, cmd.Outputs...)
	}
	if j.Install != nil {
		outs = append(outs, j.Install.Dst)
	}
	return outs
}

// Graph is an insertion ordered set of jobs.
type Graph struct {
	jobs  []*Job
	index map[string]int
}

func NewGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Add adds jobs to the graph. Adding an id twice is an error.
func (g *Graph) Add(jobs ...Job) error {
	for _, j := range jobs {
		if _, exists := g.index[j.ID]; exists {
			return fmt.Errorf("duplicate job %q", j.ID)
		}
		j.Deps = slices.Clone(j.Deps)
		g.index[j.ID] = len(g.jobs)
		g.jobs = append(g.jobs, &j)
	}
	return nil
}

// Merge adds every job of other.
func (g *Graph) Merge(other *Graph) error {
	for _, j := range other.jobs {
		if err := g.Add(*j); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) Get(id string) (*Job, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.jobs[i], true
}

func (g *Graph) Jobs() []*Job { return slices.Clone(g.jobs) }

func (g *Graph) Len() int { return len(g.jobs) }

// Validate checks that every dependency names a job of the graph.
func (g *Graph) Validate() error {
	for _, j := range g.jobs {
		for _, dep := range j.Deps {
			if _, ok := g.index[dep]; !ok {
				return fmt.Errorf("job %q depends on unknown job %q", j.ID, dep)
			}
		}
	}
	return nil
}

// Dependents returns, for every job id, the ids of the jobs that directly depend on it.
func (g *Graph) Dependents() map[string][]string {
	dependents := make(map[string][]string, len(g.jobs))
	for _, j := range g.jobs {
		for _, dep := range j.Deps {
			dependents[dep] = append(dependents[dep], j.ID)
		}
	}
	return dependents
}
