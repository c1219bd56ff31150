// arcbuild [path], arcbuild build [path]
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"

	"github.com/qobs-build/arcbuild/internal/builder"
	"github.com/qobs-build/arcbuild/internal/msg"
	"github.com/spf13/cobra"
)

var (
	flagProfile   string
	flagGenerator EnumValue = NewEnumValue("native", map[string]string{
		"native": "Build with arcbuild's parallel builder (default)",
		"ninja":  "Generate build/build.ninja and run ninja",
	})
	flagJobs    int
	flagForce   bool
	flagArches  []string
	flagVerbose bool
)

func missionDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

func buildOptions() builder.Options {
	return builder.Options{
		Generator: flagGenerator.Value(),
		Arches:    flagArches,
		Jobs:      flagJobs,
		Force:     flagForce,
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// fail prints an error with its structured fields and exits.
func fail(err error) {
	msg.Err(err)
	os.Exit(1)
}

func loadBuilder(args []string) *builder.Builder {
	b, err := builder.NewBuilderInDirectory(missionDir(args), flagProfile)
	if err != nil {
		fail(err)
	}
	return b
}

func doBuild(cmd *cobra.Command, args []string) {
	b := loadBuilder(args)
	ctx, cancel := signalContext()
	defer cancel()
	if err := b.Build(ctx, buildOptions()); err != nil {
		fail(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "arcbuild [mission path]",
	Short: "Multi-architecture build orchestrator for modular flight software",
	Long: `arcbuild builds a mission: every unit is compiled once per architecture, linked per
target, its tables are compiled with the mission overrides and everything is staged
into build/exe/{target}.`,
	Args: cobra.MaximumNArgs(1),
	Run:  doBuild,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		msg.SetVerbose(flagVerbose)
	},
}

var buildCmd = &cobra.Command{
	Use:   "build [mission path]",
	Short: "Build the mission",
	Long:  `Build the mission. If no mission path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Print debug messages")
	addBuildFlags(rootCmd)

	// arcbuild build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
}

func addProfileFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Build with the given profile")
	cmd.Flags().StringSliceVarP(&flagArches, "arch", "a", nil, "Only build the given architectures")
}

func addBuildFlags(cmd *cobra.Command) {
	addProfileFlags(cmd)
	cmd.Flags().VarP(&flagGenerator, "gen", "g", "Generator to build with, one of "+flagGenerator.HelpString())
	cmd.RegisterFlagCompletionFunc("gen", flagGenerator.CompletionFunc())
	cmd.Flags().IntVarP(&flagJobs, "jobs", "j", runtime.NumCPU(), "Number of jobs to run in parallel")
	cmd.Flags().BoolVarP(&flagForce, "force", "f", false, "Ignore the build state and rebuild everything")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
