// arcbuild init [name]
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/qobs-build/arcbuild/internal/msg"
	"github.com/spf13/cobra"
)

func writefile(content string, elem ...string) {
	path := filepath.Join(elem...)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			msg.Fatal("mkdir %s: %v", filepath.Dir(path), err)
		}
		if err = os.WriteFile(path, []byte(content), 0o644); err != nil {
			msg.Fatal("create file %s: %v", path, err)
		}
		fmt.Printf("%s file: %s\n", color.HiGreenString("Created"), filepath.ToSlash(path))
	}
}

func mkdir(elem ...string) {
	path := filepath.Join(elem...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		msg.Fatal("mkdir %s: %v", path, err)
	}
}

func getProgramName() string {
	if len(os.Args) == 0 {
		return "arcbuild"
	}
	basename := filepath.Base(os.Args[0])
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

const missionTemplate = `[mission]
name = "%s"
defs = "%s_defs"

[profile.release]
opt-level = 2

[[unit]]
name = "osal"
dir = "osal"
sources = ["src/*.c"]
headers = ["inc/*.h"]

[[unit]]
name = "core"
kind = "executable"
dir = "core"
sources = ["src/*.c"]
depends = ["osal"]

[[unit]]
name = "hello"
kind = "module"
dir = "apps/hello"
sources = ["fsw/src/*.c"]
headers = ["fsw/inc/*.h"]
tables = ["fsw/tables/hello_tbl.c"]

  [[unit.coverage]]
  name = "hello"
  sources = ["fsw/src/hello.c"]
  tests = ["unit-test/*.c"]

[[stub]]
module = "osal"
sources = ["ut-stubs/osal_stubs.c"]

[coverage]
assert_sources = ["ut_assert/src/*.c"]
assert_headers = ["ut_assert/inc/*.h"]

[[target]]
name = "cpu1"
arch = "native"
core = "core"
apps = ["hello"]
install_subdir = "cf"

[dependencies]
hello = ["osal"]
`

// initIn scaffolds a mission in an existing directory.
func initIn(dir, name string) {
	writefile(fmt.Sprintf(missionTemplate, name, name), dir, "Mission.toml")

	// osal
	writefile(`#ifndef OSAL_H
#define OSAL_H

int OS_Printf(const char *msg);

#endif
`, dir, "osal", "inc", "osal.h")
	writefile(`#include <stdio.h>
#include "osal.h"

int OS_Printf(const char *msg) {
    return puts(msg);
}
`, dir, "osal", "src", "osal.c")

	// core
	writefile(`#include "osal.h"

int main(void) {
    OS_Printf("core started");
    return 0;
}
`, dir, "core", "src", "main.c")

	// hello app and its table
	writefile(`#ifndef HELLO_H
#define HELLO_H

typedef struct {
    int rate;
} HELLO_Tbl_t;

void HELLO_AppMain(void);

#endif
`, dir, "apps", "hello", "fsw", "inc", "hello.h")
	writefile(`#include "osal.h"
#include "hello.h"

void HELLO_AppMain(void) {
    OS_Printf("Hello, World!");
}
`, dir, "apps", "hello", "fsw", "src", "hello.c")
	writefile(`#include "hello.h"

HELLO_Tbl_t HELLO_Tbl = { 1 };
`, dir, "apps", "hello", "fsw", "tables", "hello_tbl.c")
	writefile(`#include "hello.h"

int main(void) {
    HELLO_AppMain();
    return 0;
}
`, dir, "apps", "hello", "unit-test", "hello_test.c")

	// coverage support
	writefile(`#include "osal.h"

int OS_Printf(const char *msg) {
    (void)msg;
    return 0;
}
`, dir, "ut-stubs", "osal_stubs.c")
	writefile(`#ifndef UTASSERT_H
#define UTASSERT_H

#define UtAssert_True(expr) ((void)(expr))

#endif
`, dir, "ut_assert", "inc", "utassert.h")
	writefile(`#include "utassert.h"
`, dir, "ut_assert", "src", "utassert.c")

	mkdir(dir, name+"_defs", "tables")

	// .gitignore
	writefile(`build/
`, dir, ".gitignore")

	programName := getProgramName()
	fmt.Printf("You can now do %s to build, or %s to build and run.\n",
		color.HiCyanString(programName+" "+dir), color.HiCyanString(programName+" run "+dir+" --target cpu1"))
}

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a new mission in the current directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		initIn(".", args[0])
	},
}

var newCmd = &cobra.Command{
	Use:   "new [path]",
	Short: "Create a new mission in a new directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mkdir(args[0])
		initIn(args[0], filepath.Base(args[0]))
	},
}

func init() {
	// arcbuild init subcommand
	rootCmd.AddCommand(initCmd)

	// arcbuild new subcommand
	rootCmd.AddCommand(newCmd)
}
