// arcbuild index
package cmd

import (
	"fmt"
	"os"

	"github.com/qobs-build/arcbuild/internal/index"
	"github.com/qobs-build/arcbuild/internal/msg"
	"github.com/spf13/cobra"
)

// localIndex loads modules_index.json from cwd, or an empty index that will be created on save.
func localIndex() *index.Index {
	cwd, err := os.Getwd()
	if err != nil {
		msg.Fatal("could not get current directory: %v", err)
	}
	idx, err := index.LoadOrEmpty(cwd)
	if err != nil {
		fail(err)
	}
	return idx
}

func doIndexAdd(name, spec string) {
	idx := localIndex()

	if idx.HasDep(name) {
		msg.Warn("overwriting existing entry for %s", name)
	}
	idx.SetDep(name, spec)

	if err := idx.Save(); err != nil {
		fail(err)
	}
	msg.Info("added %s -> %s", name, spec)
}

func doIndexRemove(name string) {
	idx := localIndex()

	if !idx.RemoveDep(name) {
		msg.Warn("module %s not found", name)
		return
	}
	if err := idx.Save(); err != nil {
		fail(err)
	}
	msg.Info("removed %s", name)
}

func doIndexList() {
	idx := localIndex()
	for i, name := range idx.Names() {
		fmt.Printf("%d. %s -> %s\n", i+1, name, idx.Deps[name])
	}
}

func doIndexUpdate() {
	idx, err := index.UpdateShared()
	if err != nil {
		fail(err)
	}
	msg.Info("updated shared index (%d modules)", len(idx.Deps))
}

func doIndexSearch(term string) {
	idx, ok := index.CachedShared()
	if !ok {
		var err error
		if idx, err = index.UpdateShared(); err != nil {
			fail(err)
		}
	}

	found := idx.Search(term)
	for i, name := range found {
		fmt.Printf("%d. %s -> %s\n", i+1, name, idx.Deps[name])
	}

	if len(found) == 0 {
		msg.Warn("no matches found for %q", term)
	} else {
		msg.Info("found %d matches for %q", len(found), term)
	}
}

var indexAddCmd = &cobra.Command{
	Use:   "add <name> <spec>",
	Short: "Add a module to the local index",
	Long:  `Add a module to modules_index.json in the current directory. spec is a git: url, a gh:/gl:/bb:/cb: shortcut or a local path.`,
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		doIndexAdd(args[0], args[1])
	},
}

var indexRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a module from the local index",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		doIndexRemove(args[0])
	},
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the modules of the local index",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		doIndexList()
	},
}

var indexUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update the shared cached index",
	Run: func(cmd *cobra.Command, args []string) {
		doIndexUpdate()
	},
}

var indexSearchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Search the shared index for modules",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		doIndexSearch(args[0])
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the module index",
}

func init() {
	// arcbuild index subcommand
	indexCmd.AddCommand(indexUpdateCmd)
	indexCmd.AddCommand(indexAddCmd)
	indexCmd.AddCommand(indexRemoveCmd)
	indexCmd.AddCommand(indexListCmd)
	indexCmd.AddCommand(indexSearchCmd)
	rootCmd.AddCommand(indexCmd)
}
