package gen

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/qobs-build/arcbuild/internal/job"
)

// NinjaGen renders a job graph as a build.ninja file, one edge per command.
type NinjaGen struct {
	graph *job.Graph
}

func (g *NinjaGen) BuildFile() string { return "build.ninja" }

var ninjaPathEscaper = strings.NewReplacer("$", "$$", ":", "$:", " ", "$ ", "\n", "$\n")

func quote(s string) string { return ninjaPathEscaper.Replace(s) }

// shellQuote quotes a command line argument for /bin/sh.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]#~=%!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ninjaVar escapes a value placed on the right side of a ninja variable binding.
func ninjaVar(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}

// failedJobs returns the jobs that failed during planning and everything depending on them.
func failedJobs(g *job.Graph) (map[string]bool, error) {
	dependents := g.Dependents()
	failed := make(map[string]bool)
	var errs []error
	var mark func(id string)
	mark = func(id string) {
		if failed[id] {
			return
		}
		failed[id] = true
		for _, d := range dependents[id] {
			mark(d)
		}
	}
	for _, j := range g.Jobs() {
		if j.Err != nil {
			errs = append(errs, j.Err)
			mark(j.ID)
		}
	}
	return failed, errors.Join(errs...)
}

// outputsOf returns the files that stand for a job: its own outputs or, for jobs without
// commands, those of its dependencies.
func outputsOf(g *job.Graph, id string, seen map[string]bool) []string {
	if seen[id] {
		return nil
	}
	seen[id] = true
	j, ok := g.Get(id)
	if !ok {
		return nil
	}
	if outs := j.Outputs(); len(outs) > 0 {
		return outs
	}
	var outs []string
	for _, dep := range j.Deps {
		outs = append(outs, outputsOf(g, dep, seen)...)
	}
	return outs
}

func (g *NinjaGen) Generate(graph *job.Graph) (string, error) {
	if err := graph.Validate(); err != nil {
		return "", err
	}
	g.graph = graph
	failed, planErr := failedJobs(graph)

	var w ninjaWriter

	w.writeln("ninja_required_version = 1.1")
	w.writeln()

	// gen rules
	w.write(`rule run
  command = $cmd
  description = $desc
`)
	w.write(`rule cc
  command = $cmd
  description = $desc
  depfile = $depfile
  deps = gcc
`)
	w.write(`rule install
  command = cp $in $out
  description = INSTALL $out
`)
	w.writeln()

	var defaults []string
	for _, j := range graph.Jobs() {
		if failed[j.ID] {
			continue
		}

		var orderOnly []string
		for _, dep := range j.Deps {
			orderOnly = append(orderOnly, outputsOf(graph, dep, map[string]bool{})...)
		}
		slices.Sort(orderOnly)
		orderOnly = slices.Compact(orderOnly)

		for _, cmd := range j.Cmds {
			if len(cmd.Outputs) == 0 {
				continue
			}
			rule := "run"
			if cmd.Depfile != "" {
				rule = "cc"
			}
			w.write("build")
			w.paths(cmd.Outputs)
			w.write(": ", rule)
			w.paths(cmd.Inputs)
			if len(orderOnly) > 0 {
				w.write(" ||")
				w.paths(orderOnly)
			}
			w.writeln()

			args := make([]string, len(cmd.Args))
			for i, a := range cmd.Args {
				args[i] = shellQuote(a)
			}
			line := strings.Join(args, " ")
			if cmd.Dir != "" {
				line = "cd " + shellQuote(cmd.Dir) + " && " + line
			}
			w.bind("cmd", line)
			w.bind("desc", cmd.Desc)
			if cmd.Depfile != "" {
				w.bind("depfile", cmd.Depfile)
			}
			defaults = append(defaults, cmd.Outputs...)
		}

		if j.Install != nil {
			w.writeln("build ", quote(j.Install.Dst), ": install ", quote(j.Install.Src))
			defaults = append(defaults, j.Install.Dst)
		}
	}
	w.writeln()

	if len(defaults) > 0 {
		w.write("default")
		w.paths(defaults)
		w.writeln()
	}

	return w.String(), planErr
}

func (g *NinjaGen) Invoke(ctx context.Context, buildDir string) error {
	cmd := exec.CommandContext(ctx, "ninja", "-C", buildDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
