package coverage

import (
	"context"
	"sync"
	"time"

	"github.com/qobs-build/arcbuild/internal/registry"
	"github.com/qobs-build/arcbuild/internal/toolchain"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// Test is a registered coverage runner.
type Test struct {
	Name   string
	Module string
	Unit   string
	Path   string // runner executable
	JobID  string // job building the runner
}

// Result is the outcome of one runner.
type Result struct {
	Test     Test
	Err      error
	Duration time.Duration
}

func (r Result) Passed() bool { return r.Err == nil }

// Harness keeps the registered runners, each invocable and reported on its own.
type Harness struct {
	mu    sync.Mutex
	tests map[string]Test
	order []string
}

func NewHarness() *Harness {
	return &Harness{tests: make(map[string]Test)}
}

// Register adds a runner. Names are unique.
func (h *Harness) Register(t Test) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.tests[t.Name]; exists {
		return zerr.With(zerr.Wrap(registry.ErrDuplicateTest, "register "+t.Name), "test", t.Name)
	}
	h.tests[t.Name] = t
	h.order = append(h.order, t.Name)
	return nil
}

func (h *Harness) Get(name string) (Test, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tests[name]
	if !ok {
		return Test{}, zerr.With(zerr.Wrap(registry.ErrUnknownTest, "lookup "+name), "test", name)
	}
	return t, nil
}

// Tests returns the registered runners in registration order.
func (h *Harness) Tests() []Test {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Test, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.tests[name])
	}
	return out
}

// Run runs the named runners, or every runner when names is empty, at most jobs at a time.
// A failing runner does not stop the others; unknown names fail before anything runs.
func (h *Harness) Run(ctx context.Context, runner toolchain.Runner, jobs int, names ...string) ([]Result, error) {
	tests := h.Tests()
	if len(names) > 0 {
		tests = tests[:0]
		for _, name := range names {
			t, err := h.Get(name)
			if err != nil {
				return nil, err
			}
			tests = append(tests, t)
		}
	}

	results := make([]Result, len(tests))
	var eg errgroup.Group
	eg.SetLimit(max(jobs, 1))
	for i, t := range tests {
		eg.Go(func() error {
			start := time.Now()
			err := runner.Run(ctx, toolchain.Command{
				Desc: "TEST " + t.Name,
				Args: []string{t.Path},
			})
			results[i] = Result{Test: t, Err: err, Duration: time.Since(start)}
			return nil
		})
	}
	_ = eg.Wait()
	return results, nil
}
