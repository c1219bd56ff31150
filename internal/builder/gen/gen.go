package gen

import (
	"context"

	"github.com/qobs-build/arcbuild/internal/job"
)

type Generator interface {
	// Generate renders the build file for a graph, or returns "" when the generator executes
	// the graph itself. Jobs that already failed during planning are reported in the error and
	// left out together with their dependents.
	Generate(g *job.Graph) (string, error)
	BuildFile() string
	Invoke(ctx context.Context, buildDir string) error
}
