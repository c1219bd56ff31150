// arcbuild run [path] --target cpu1
package cmd

import (
	"github.com/spf13/cobra"
)

var flagTarget string

func doRun(cmd *cobra.Command, args []string) {
	var progArgs []string
	if n := cmd.ArgsLenAtDash(); n >= 0 {
		progArgs = args[n:] // arguments after -- are passed to the core
		args = args[:n]
	}
	b := loadBuilder(args)
	ctx, cancel := signalContext()
	defer cancel()
	if err := b.BuildAndRun(ctx, buildOptions(), flagTarget, progArgs); err != nil {
		fail(err)
	}
}

var runCmd = &cobra.Command{
	Use:   "run [mission path] --target <name> [-- args]",
	Short: "Build a target and run its core executable",
	Long:  `Build the target's architecture and start its installed core executable from the target's install directory.`,
	Args:  cobra.ArbitraryArgs,
	Run:   doRun,
}

func init() {
	// arcbuild run subcommand
	rootCmd.AddCommand(runCmd)
	addBuildFlags(runCmd)
	runCmd.Flags().StringVarP(&flagTarget, "target", "t", "", "Target to run")
	runCmd.MarkFlagRequired("target")
}
