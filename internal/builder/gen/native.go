package gen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/qobs-build/arcbuild/internal/install"
	"github.com/qobs-build/arcbuild/internal/job"
	"github.com/qobs-build/arcbuild/internal/msg"
	"github.com/qobs-build/arcbuild/internal/toolchain"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// Stats counts what a native build did.
type Stats struct {
	Ran      int
	UpToDate int
	Failed   int
	Skipped  int // not started because a dependency failed
}

// NativeBuilder executes a job graph itself, running independent jobs in parallel.
type NativeBuilder struct {
	Runner    toolchain.Runner
	Installer *install.Installer
	Jobs      int
	Force     bool // ignore the saved state and run every job

	graph *job.Graph
	state *BuildState
	stats Stats

	started atomic.Int64
	total   int // commands and installs in the graph
	statsMu sync.Mutex
}

func NewNativeBuilder(runner toolchain.Runner) *NativeBuilder {
	return &NativeBuilder{
		Runner:    runner,
		Installer: install.NewInstaller(),
		Jobs:      runtime.NumCPU(),
	}
}

func (g *NativeBuilder) BuildFile() string {
	return "arcbuild_state.json"
}

// Generate takes the graph to execute. There is no build file.
func (g *NativeBuilder) Generate(graph *job.Graph) (string, error) {
	if err := graph.Validate(); err != nil {
		return "", err
	}
	g.graph = graph
	return "", nil
}

func (g *NativeBuilder) Stats() Stats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return g.stats
}

func (g *NativeBuilder) count(field *int, n int) {
	g.statsMu.Lock()
	*field += n
	g.statsMu.Unlock()
}

// Invoke runs the graph. A failed job skips its transitive dependents only; every failure is
// returned together once nothing else can run.
func (g *NativeBuilder) Invoke(ctx context.Context, buildDir string) error {
	if g.graph == nil {
		return errors.New("native builder: no graph generated")
	}

	stateFile := filepath.Join(buildDir, g.BuildFile())
	state, err := loadBuildState(stateFile)
	if err != nil {
		msg.Warn("failed to load build state: %v", err)
	}
	if g.Force {
		state = newBuildState()
	}
	state.Session = uuid.NewString()
	g.state = state
	msg.Debug("build session %s", state.Session)

	runErr := g.execute(ctx)

	if err := os.MkdirAll(buildDir, 0755); err == nil {
		if err := state.save(stateFile); err != nil {
			msg.Warn("failed to save build state: %v", err)
		}
	}

	if s := g.Stats(); s.Ran == 0 && s.Failed == 0 && s.Skipped == 0 {
		fmt.Println("arcbuild: no work to do.")
	}
	return runErr
}

type jobResult struct {
	id  string
	err error
}

func (g *NativeBuilder) execute(ctx context.Context) error {
	jobs := g.graph.Jobs()
	if len(jobs) == 0 {
		return nil
	}
	g.total = 0
	for _, j := range jobs {
		g.total += len(j.Cmds)
		if j.Install != nil {
			g.total++
		}
	}

	dependents := g.graph.Dependents()
	pending := make(map[string]int, len(jobs))
	for _, j := range jobs {
		pending[j.ID] = len(j.Deps)
	}

	// buffered to the node count, so workers never block on reporting
	results := make(chan jobResult, len(jobs))
	var eg errgroup.Group
	eg.SetLimit(max(g.Jobs, 1))

	launch := func(j *job.Job) {
		eg.Go(func() error {
			results <- jobResult{id: j.ID, err: g.runJob(ctx, j)}
			return nil
		})
	}

	running := 0
	for _, j := range jobs {
		if pending[j.ID] == 0 {
			running++
			launch(j)
		}
	}
	if running == 0 {
		return errors.New("native builder: job graph has no starting point")
	}

	var errs []error
	skipped := make(map[string]bool)
	var skip func(id string)
	skip = func(id string) {
		for _, d := range dependents[id] {
			if !skipped[d] {
				skipped[d] = true
				skip(d)
			}
		}
	}

	for running > 0 {
		r := <-results
		running--

		if r.err != nil {
			errs = append(errs, r.err)
			skip(r.id)
			continue
		}
		for _, d := range dependents[r.id] {
			pending[d]--
			if pending[d] == 0 && !skipped[d] {
				next, _ := g.graph.Get(d)
				running++
				launch(next)
			}
		}
	}
	_ = eg.Wait()

	for id := range skipped {
		msg.Debug("skipped %s", id)
	}
	g.count(&g.stats.Skipped, len(skipped))
	return errors.Join(errs...)
}

func (g *NativeBuilder) upToDate(j *job.Job, fingerprint string) bool {
	if g.Force || fingerprint == "" || g.state.get(j.ID) != fingerprint {
		return false
	}
	for _, out := range j.Outputs() {
		if _, err := os.Stat(out); err != nil {
			return false
		}
	}
	return true
}

func jobError(j *job.Job, err error) error {
	e := zerr.Wrap(err, "job "+j.ID)
	if j.Unit != "" {
		e = zerr.With(e, "unit", j.Unit)
	}
	if j.Target != "" {
		e = zerr.With(e, "target", j.Target)
	}
	return zerr.With(e, "arch", j.Arch)
}

// runJob runs the commands of one job in order, or installs its artifact.
func (g *NativeBuilder) runJob(ctx context.Context, j *job.Job) error {
	if j.Err != nil {
		g.count(&g.stats.Failed, 1)
		return j.Err
	}

	fingerprint := g.state.fingerprint(j)
	if g.upToDate(j, fingerprint) {
		g.count(&g.stats.UpToDate, 1)
		return nil
	}

	if len(j.Cmds) > 0 || j.Install != nil {
		g.count(&g.stats.Ran, 1)
	}
	g.state.set(j.ID, "")
	outputs := j.Outputs()
	g.state.forget(outputs)

	for _, cmd := range j.Cmds {
		msg.Step(int(g.started.Add(1)), g.total, cmd.Desc)
		if err := g.Runner.Run(ctx, cmd); err != nil {
			g.count(&g.stats.Failed, 1)
			return jobError(j, err)
		}
	}
	if j.Install != nil {
		msg.Step(int(g.started.Add(1)), g.total, "INSTALL "+j.Install.Dst)
		if err := g.Installer.Install(*j.Install); err != nil {
			g.count(&g.stats.Failed, 1)
			return jobError(j, err)
		}
	}

	g.state.forget(outputs)
	g.state.set(j.ID, g.state.fingerprint(j))
	return nil
}
