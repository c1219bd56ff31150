// arcbuild plan [path]
package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/qobs-build/arcbuild/internal/planner"
	"github.com/qobs-build/arcbuild/internal/registry"
	"github.com/qobs-build/arcbuild/internal/tables"
	"github.com/spf13/cobra"
)

func relTo(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}

// printPlan writes the build order, linkage, tables and installs of one architecture.
func printPlan(w io.Writer, base string, plan *planner.Plan) {
	fmt.Fprintf(w, "%s %s (%d jobs)\n", color.HiCyanString("arch"), plan.Arch, plan.Graph.Len())

	fmt.Fprintf(w, "  %s\n", color.HiGreenString("Order"))
	for i, name := range plan.Order.Names() {
		link := plan.Linkage[name]
		label := string(link)
		if link == registry.LinkDynamic {
			label = color.YellowString(label)
		}
		fmt.Fprintf(w, "    %2d. %-24s %s\n", i+1, name, label)
	}

	for _, t := range plan.Targets {
		fmt.Fprintf(w, "  %s %s\n", color.HiGreenString("Target"), t.Name)
		var closure []string
		for _, u := range plan.Closure(t) {
			closure = append(closure, u.Name)
		}
		fmt.Fprintf(w, "    units: %v\n", closure)
		for _, a := range plan.InstallsFor(t.Name) {
			fmt.Fprintf(w, "    %s %s\n", color.HiBlackString("install"), relTo(base, a.Dst))
		}
	}

	for _, tbl := range plan.Tables {
		fmt.Fprintf(w, "  %s %s\n", color.HiBlackString("table"), tableLine(base, tbl))
	}
}

// tableLine describes one table binary and the source chosen for it.
func tableLine(base string, tbl tables.Artifact) string {
	line := tbl.Target + "/" + tbl.Unit + "/" + tbl.Table + " -> " + relTo(base, tbl.Path)
	if tbl.Source == "" {
		return line + " " + color.HiRedString("(no source)")
	}
	return fmt.Sprintf("%s from %s (level %d, %s)", line, relTo(base, tbl.Source), tbl.Level, tbl.Strategy)
}

func doPlan(cmd *cobra.Command, args []string) {
	b := loadBuilder(args)
	plans, err := b.Plan(flagArches)
	for _, plan := range plans {
		printPlan(os.Stdout, b.BuildDir(), plan)
	}
	if err != nil {
		fail(err)
	}
}

var planCmd = &cobra.Command{
	Use:   "plan [mission path]",
	Short: "Print the build plan without building",
	Long:  `Print, per architecture, the unit build order and linkage, the units and installs of every target, and the source and override level chosen for every table.`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doPlan,
}

func init() {
	// arcbuild plan subcommand
	rootCmd.AddCommand(planCmd)
	addProfileFlags(planCmd)
}
