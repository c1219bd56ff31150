// arcbuild test [path]
package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/qobs-build/arcbuild/internal/coverage"
	"github.com/qobs-build/arcbuild/internal/msg"
	"github.com/spf13/cobra"
)

var flagRun []string

// printResults prints one line per coverage runner and returns the number of failures.
func printResults(w io.Writer, results []coverage.Result) int {
	failed := 0
	for _, r := range results {
		status := color.HiGreenString("PASS")
		if !r.Passed() {
			status = color.HiRedString("FAIL")
			failed++
		}
		fmt.Fprintf(w, "%s %s (%s)\n", status, r.Test.Name, r.Duration.Round(time.Millisecond))
		if r.Err != nil {
			fmt.Fprintf(w, "     %v\n", r.Err)
		}
	}
	return failed
}

func doTest(cmd *cobra.Command, args []string) {
	b := loadBuilder(args)
	ctx, cancel := signalContext()
	defer cancel()

	results, err := b.Test(ctx, buildOptions(), flagRun...)
	if err != nil {
		msg.Err(err)
	}
	if len(results) == 0 && err == nil {
		msg.Warn("mission declares no coverage tests")
		return
	}

	failed := printResults(os.Stdout, results)
	if failed > 0 || err != nil {
		msg.Error("%d of %d coverage tests failed", failed, len(results))
		os.Exit(1)
	}
	msg.Info("%d coverage tests passed", len(results))
}

var testCmd = &cobra.Command{
	Use:   "test [mission path]",
	Short: "Build and run the coverage tests",
	Long:  `Build every unit's coverage runners against the stub libraries of its dependencies and run them.`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doTest,
}

func init() {
	// arcbuild test subcommand
	rootCmd.AddCommand(testCmd)
	testCmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Build with the given profile")
	testCmd.Flags().IntVarP(&flagJobs, "jobs", "j", 4, "Number of jobs to run in parallel")
	testCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "Ignore the build state and rebuild everything")
	testCmd.Flags().StringSliceVarP(&flagRun, "run", "r", nil, "Only run the named coverage tests")
}
